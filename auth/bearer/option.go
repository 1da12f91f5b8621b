package bearer

import (
	"github.com/viant/mcprpc"
)

// Options configures the middleware.
type Options struct {
	// Scopes lists the scopes a token must carry; all are required.
	Scopes []string

	// ResourceMetadataURL is the RFC 9728 discovery URL advertised on
	// challenges so denied clients can locate the authorization server.
	ResourceMetadataURL string

	// Logger receives verification failures that are not OAuth errors.
	// Defaults to mcprpc.DefaultLogger.
	Logger mcprpc.Logger
}

func (o *Options) init() {
	if o.Logger == nil {
		o.Logger = mcprpc.DefaultLogger
	}
}

// Option customizes the middleware.
type Option func(*Options)

// WithScopes sets the scopes every request must hold.
func WithScopes(scopes ...string) Option {
	return func(o *Options) {
		o.Scopes = scopes
	}
}

// WithResourceMetadata sets the discovery URL advertised on challenges.
func WithResourceMetadata(url string) Option {
	return func(o *Options) {
		o.ResourceMetadataURL = url
	}
}

// WithLogger sets the logger.
func WithLogger(logger mcprpc.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
