package authclient

import (
	"net/http"
	"time"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/auth"
)

// Option customizes a Flow.
type Option func(*Flow)

// WithHTTPClient sets the HTTP client used for discovery, registration and
// token requests.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Flow) {
		f.httpClient = client
	}
}

// WithRedirectURI sets the redirect URI the client listens on for the
// authorization response.
func WithRedirectURI(uri string) Option {
	return func(f *Flow) {
		f.redirectURI = uri
	}
}

// WithAuthorizer sets the callback that completes the interactive leg of the
// authorization code flow.
func WithAuthorizer(authorizer Authorizer) Option {
	return func(f *Flow) {
		f.authorizer = authorizer
	}
}

// WithClientMetadata sets the registration template used when the flow
// registers dynamically.
func WithClientMetadata(metadata *auth.ClientMetadata) Option {
	return func(f *Flow) {
		f.metadata = metadata
	}
}

// WithScopes sets the scopes requested when neither the challenge nor the
// discovered metadata advertises any.
func WithScopes(scopes ...string) Option {
	return func(f *Flow) {
		f.scopes = scopes
	}
}

// WithResource pins the RFC 8707 resource indicator sent on authorization
// and token requests.
func WithResource(resource string) Option {
	return func(f *Flow) {
		f.resource = resource
	}
}

// WithAuthorizationServer pins the authorization server, bypassing resource
// metadata discovery.
func WithAuthorizationServer(issuer string) Option {
	return func(f *Flow) {
		f.authServer = issuer
	}
}

// WithRegistration toggles dynamic client registration; disabled, the flow
// fails when the store holds no client.
func WithRegistration(enabled bool) Option {
	return func(f *Flow) {
		f.registration = enabled
	}
}

// WithExpirySkew sets how long before the recorded expiry a token counts as
// expired. Default 30s.
func WithExpirySkew(skew time.Duration) Option {
	return func(f *Flow) {
		f.skew = skew
	}
}

// WithLogger sets the logger.
func WithLogger(logger mcprpc.Logger) Option {
	return func(f *Flow) {
		f.logger = logger
	}
}
