package authserver

import (
	"net/http"
	"time"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/auth"
)

// Options exposes configurable attributes of the handler.
type Options struct {
	// Endpoint paths joined onto the issuer URL.
	AuthorizePath string
	TokenPath     string
	RegisterPath  string
	RevokePath    string

	// ScopesSupported is advertised in metadata and bounds requested scopes;
	// empty accepts any scope.
	ScopesSupported []string

	// Resource is the protected resource document served at the RFC 9728
	// well-known path; nil disables that endpoint.
	Resource *auth.ProtectedResourceMetadata

	// SecretTTL bounds issued client secrets; zero means they never expire.
	SecretTTL time.Duration

	// Registration rate limit per client address; a negative limit disables
	// it. Defaults to 20 per hour.
	RegisterLimit  int
	RegisterWindow time.Duration

	// Token endpoint rate limit per client address; a negative limit
	// disables it. Defaults to 50 per 15 minutes.
	TokenLimit  int
	TokenWindow time.Duration

	// HTTPClient fetches jwks_uri documents for private_key_jwt clients.
	HTTPClient *http.Client

	Logger mcprpc.Logger
}

func (o *Options) init() {
	if o.AuthorizePath == "" {
		o.AuthorizePath = "/authorize"
	}
	if o.TokenPath == "" {
		o.TokenPath = "/token"
	}
	if o.RegisterPath == "" {
		o.RegisterPath = "/register"
	}
	if o.RevokePath == "" {
		o.RevokePath = "/revoke"
	}
	if o.RegisterLimit == 0 {
		o.RegisterLimit = 20
	}
	if o.RegisterWindow <= 0 {
		o.RegisterWindow = time.Hour
	}
	if o.TokenLimit == 0 {
		o.TokenLimit = 50
	}
	if o.TokenWindow <= 0 {
		o.TokenWindow = 15 * time.Minute
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = mcprpc.DefaultLogger
	}
}

// Option mutates Options.
type Option func(*Options)

// WithAuthorizePath overrides the authorization endpoint path.
func WithAuthorizePath(path string) Option { return func(o *Options) { o.AuthorizePath = path } }

// WithTokenPath overrides the token endpoint path.
func WithTokenPath(path string) Option { return func(o *Options) { o.TokenPath = path } }

// WithRegisterPath overrides the registration endpoint path.
func WithRegisterPath(path string) Option { return func(o *Options) { o.RegisterPath = path } }

// WithRevokePath overrides the revocation endpoint path.
func WithRevokePath(path string) Option { return func(o *Options) { o.RevokePath = path } }

// WithScopes sets the scopes the server advertises and accepts.
func WithScopes(scopes ...string) Option {
	return func(o *Options) { o.ScopesSupported = scopes }
}

// WithProtectedResource serves the given document at the RFC 9728 path.
func WithProtectedResource(resource *auth.ProtectedResourceMetadata) Option {
	return func(o *Options) { o.Resource = resource }
}

// WithSecretTTL bounds the lifetime of issued client secrets.
func WithSecretTTL(ttl time.Duration) Option { return func(o *Options) { o.SecretTTL = ttl } }

// WithRegisterLimit sets the registration rate limit; a negative count
// disables limiting.
func WithRegisterLimit(events int, window time.Duration) Option {
	return func(o *Options) {
		o.RegisterLimit = events
		o.RegisterWindow = window
	}
}

// WithTokenLimit sets the token endpoint rate limit; a negative count
// disables limiting.
func WithTokenLimit(events int, window time.Duration) Option {
	return func(o *Options) {
		o.TokenLimit = events
		o.TokenWindow = window
	}
}

// WithHTTPClient overrides the client used for jwks_uri fetches.
func WithHTTPClient(client *http.Client) Option { return func(o *Options) { o.HTTPClient = client } }

// WithLogger sets the error logger.
func WithLogger(logger mcprpc.Logger) Option { return func(o *Options) { o.Logger = logger } }
