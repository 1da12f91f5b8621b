package streamable

import (
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/viant/mcprpc"
)

// Options exposes configurable attributes of the client transport.
type Options struct {
	// Client performs all HTTP calls. The default client carries a cookie
	// jar so cookie scoped sessions survive without extra wiring.
	Client *http.Client

	// Header holds static headers applied to every request.
	Header http.Header

	// SessionHeader names the header carrying the session id. Defaults to
	// Mcp-Session-Id.
	SessionHeader string

	// SessionID preconfigures a session, allowing reconnects without a new
	// handshake.
	SessionID string

	// ProtocolVersion is sent as Mcp-Protocol-Version when set. Callers
	// normally set it through SetProtocolVersion after the handshake.
	ProtocolVersion string

	// ReconnectInterval is the initial delay between stream reconnects; the
	// server retry hint overrides it for clean closes.
	ReconnectInterval time.Duration

	// ReconnectMax caps the exponential reconnect backoff.
	ReconnectMax time.Duration

	// MaxReconnects bounds consecutive failed attempts when replaying a
	// stream from a resumption token. The standalone stream is unbounded.
	MaxReconnects int

	Logger mcprpc.Logger
}

func (o *Options) init() {
	if o.Client == nil {
		jar, _ := cookiejar.New(nil)
		o.Client = &http.Client{Jar: jar}
	}
	if o.Header == nil {
		o.Header = make(http.Header)
	}
	if o.SessionHeader == "" {
		o.SessionHeader = sessionHeaderKey
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 10 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 5
	}
	if o.Logger == nil {
		o.Logger = mcprpc.DefaultLogger
	}
}

// Option mutates Options.
type Option func(*Options)

// WithHTTPClient sets a custom HTTP client, e.g. one wrapped with an OAuth
// round tripper.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) {
		if client != nil {
			o.Client = client
		}
	}
}

// WithHeader adds a static header sent on every request.
func WithHeader(key, value string) Option {
	return func(o *Options) {
		if o.Header == nil {
			o.Header = make(http.Header)
		}
		o.Header.Add(key, value)
	}
}

// WithSessionHeaderName overrides the header carrying the session id.
func WithSessionHeaderName(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.SessionHeader = name
		}
	}
}

// WithSessionID resumes an existing session without a new handshake.
func WithSessionID(id string) Option {
	return func(o *Options) { o.SessionID = id }
}

// WithProtocolVersion presets the protocol revision header.
func WithProtocolVersion(version string) Option {
	return func(o *Options) { o.ProtocolVersion = version }
}

// WithReconnect tunes the stream reconnect backoff.
func WithReconnect(initial, max time.Duration) Option {
	return func(o *Options) {
		if initial > 0 {
			o.ReconnectInterval = initial
		}
		if max > 0 {
			o.ReconnectMax = max
		}
	}
}

// WithMaxReconnects bounds failed replay attempts.
func WithMaxReconnects(attempts int) Option {
	return func(o *Options) {
		if attempts > 0 {
			o.MaxReconnects = attempts
		}
	}
}

// WithLogger sets the error logger.
func WithLogger(logger mcprpc.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}
