package sse

import (
	"net/http"
	"time"

	"github.com/viant/mcprpc"
)

// Options exposes configurable attributes of the client transport.
type Options struct {
	// Client performs the stream subscription and the message POSTs.
	Client *http.Client

	// Header holds static headers applied to both.
	Header http.Header

	// HandshakeTimeout bounds the wait for the endpoint event on Start.
	HandshakeTimeout time.Duration

	// SessionParam names the query parameter carrying the session id on the
	// announced endpoint. Defaults to sessionId.
	SessionParam string

	// ReconnectInterval is the initial delay between stream reconnects.
	ReconnectInterval time.Duration

	// ReconnectMax caps the exponential reconnect backoff.
	ReconnectMax time.Duration

	// BufferSize caps a single event frame on the stream.
	BufferSize int

	Logger mcprpc.Logger
}

func (o *Options) init() {
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.Header == nil {
		o.Header = make(http.Header)
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
	if o.SessionParam == "" {
		o.SessionParam = "sessionId"
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 10 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = mcprpc.DefaultLogger
	}
}

// Option mutates Options.
type Option func(*Options)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) {
		if client != nil {
			o.Client = client
		}
	}
}

// WithHeader adds a static header sent on the stream subscription and on
// every message POST.
func WithHeader(key, value string) Option {
	return func(o *Options) {
		if o.Header == nil {
			o.Header = make(http.Header)
		}
		o.Header.Add(key, value)
	}
}

// WithHandshakeTimeout overrides the default endpoint wait.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.HandshakeTimeout = timeout
		}
	}
}

// WithSessionParam overrides the session id query parameter name.
func WithSessionParam(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.SessionParam = name
		}
	}
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

// WithBufferSize caps a single event frame on the stream.
func WithBufferSize(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.BufferSize = size
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
