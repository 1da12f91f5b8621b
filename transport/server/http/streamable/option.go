package streamable

import (
	"net/http"
	"time"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport/server/event"
	"github.com/viant/mcprpc/transport/server/http/session"
	store "github.com/viant/mcprpc/transport/server/session"
)

// Options exposes configurable attributes of the handler.
type Options struct {
	// URI of the endpoint (configurable; empty matches any path when the
	// handler is mounted on a specific route).
	URI string

	// SessionLocation defines where the session id travels (header or query
	// parameter). Defaults to the Mcp-Session-Id header.
	SessionLocation *session.Location

	// Stateless disables session tracking entirely: every POST is served by
	// an ephemeral session and GET/DELETE are rejected.
	Stateless bool

	// JSONResponse answers POSTs with a plain JSON body instead of an SSE
	// stream. Notifications produced while handling are diverted onto the
	// standalone stream.
	JSONResponse bool

	// RetryInterval is the reconnect delay suggested to clients on the
	// priming event of each SSE stream.
	RetryInterval time.Duration

	// Events persists outbound stream events for Last-Event-ID resumption.
	// Defaults to the in-memory store.
	Events event.Store

	// Sessions holds the durable session records. Defaults to an in-memory
	// store expiring with IdleTTL.
	Sessions store.Store

	// Lifecycle controls for live sessions.
	ReconnectGrace  time.Duration
	IdleTTL         time.Duration
	MaxLifetime     time.Duration
	CleanupInterval time.Duration

	// OnSessionClose observes session termination (DELETE or sweeper).
	OnSessionClose func(sessionID string)

	// CORS settings for browsers.
	AllowedOrigins   []string
	AllowCredentials bool

	// Cookie carries the session id for browser (BFF) deployments where
	// custom headers are impractical.
	Cookie *SessionCookie

	// CookieUseTopDomain derives the cookie domain from the request's
	// eTLD+1 when Cookie.Domain is empty.
	CookieUseTopDomain bool

	Logger mcprpc.Logger
}

// SessionCookie configures the optional session id cookie.
type SessionCookie struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
	MaxAge   int
}

func (o *Options) init() {
	if o.URI == "" {
		o.URI = defaultURI
	}
	if o.SessionLocation == nil {
		o.SessionLocation = session.NewHeaderLocation(sessionHeaderKey)
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 3 * time.Second
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = 30 * time.Second
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = 5 * time.Minute
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = time.Hour
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 30 * time.Second
	}
	if o.Events == nil {
		o.Events = event.NewMemoryStore(0)
	}
	if o.Sessions == nil {
		o.Sessions = store.NewMemoryStore(o.IdleTTL)
	}
	if o.Logger == nil {
		o.Logger = mcprpc.DefaultLogger
	}
	if o.Cookie != nil {
		if o.Cookie.Name == "" {
			o.Cookie.Name = defaultCookieName
		}
		if o.Cookie.Path == "" {
			o.Cookie.Path = "/"
		}
	}
}

// Option mutates Options.
type Option func(*Options)

// WithURI sets a custom endpoint path.
func WithURI(uri string) Option {
	return func(o *Options) { o.URI = uri }
}

// WithSessionLocation overrides the default session id location.
func WithSessionLocation(loc *session.Location) Option {
	return func(o *Options) { o.SessionLocation = loc }
}

// WithStateless disables session tracking.
func WithStateless(stateless bool) Option {
	return func(o *Options) { o.Stateless = stateless }
}

// WithJSONResponse switches POST replies from SSE streams to plain JSON.
func WithJSONResponse(enabled bool) Option {
	return func(o *Options) { o.JSONResponse = enabled }
}

// WithRetryInterval sets the reconnect delay advertised on priming events.
func WithRetryInterval(d time.Duration) Option {
	return func(o *Options) { o.RetryInterval = d }
}

// WithEventStore plugs a durable event store (e.g. Redis backed).
func WithEventStore(events event.Store) Option {
	return func(o *Options) { o.Events = events }
}

// WithSessionStore plugs a durable session record store.
func WithSessionStore(sessions store.Store) Option {
	return func(o *Options) { o.Sessions = sessions }
}

// WithReconnectGrace sets how long a detached session awaits a reconnect.
func WithReconnectGrace(d time.Duration) Option { return func(o *Options) { o.ReconnectGrace = d } }

// WithIdleTTL sets the idle expiry of live sessions.
func WithIdleTTL(d time.Duration) Option { return func(o *Options) { o.IdleTTL = d } }

// WithMaxLifetime caps the total lifetime of a session.
func WithMaxLifetime(d time.Duration) Option { return func(o *Options) { o.MaxLifetime = d } }

// WithCleanupInterval sets the sweeper tick.
func WithCleanupInterval(d time.Duration) Option { return func(o *Options) { o.CleanupInterval = d } }

// WithOnSessionClose registers a termination observer.
func WithOnSessionClose(fn func(sessionID string)) Option {
	return func(o *Options) { o.OnSessionClose = fn }
}

// WithCORSAllowedOrigins whitelists browser origins.
func WithCORSAllowedOrigins(origins []string) Option {
	return func(o *Options) { o.AllowedOrigins = origins }
}

// WithCORSAllowCredentials enables credentialed CORS responses.
func WithCORSAllowCredentials(v bool) Option { return func(o *Options) { o.AllowCredentials = v } }

// WithSessionCookie enables the BFF session id cookie.
func WithSessionCookie(c *SessionCookie) Option { return func(o *Options) { o.Cookie = c } }

// WithSessionCookieUseTopDomain scopes the cookie to the request's eTLD+1.
func WithSessionCookieUseTopDomain(v bool) Option {
	return func(o *Options) { o.CookieUseTopDomain = v }
}

// WithLogger sets the error logger.
func WithLogger(logger mcprpc.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}
