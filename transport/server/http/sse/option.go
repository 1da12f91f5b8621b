package sse

import (
	"time"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport/server/event"
	"github.com/viant/mcprpc/transport/server/http/session"
)

// Options exposes configurable attributes of the legacy handler.
type Options struct {
	// URI of the stream endpoint clients GET.
	URI string

	// MessageURI of the POST endpoint advertised in the endpoint event.
	MessageURI string

	// SessionLocation defines where the session id travels on message POSTs.
	// Defaults to the sessionId query parameter.
	SessionLocation *session.Location

	// KeepAliveInterval controls emission of SSE comment frames on the
	// stream. Zero or negative disables keepalives.
	KeepAliveInterval time.Duration

	// Events buffers outbound messages between POST delivery and the stream
	// write. Defaults to the in-memory store; the buffer dies with the
	// stream, this transport has no resumability.
	Events event.Store

	// OnSessionClose observes session termination.
	OnSessionClose func(sessionID string)

	Logger mcprpc.Logger
}

func (o *Options) init() {
	if o.URI == "" {
		o.URI = "/sse"
	}
	if o.MessageURI == "" {
		o.MessageURI = "/message"
	}
	if o.SessionLocation == nil {
		o.SessionLocation = session.NewQueryLocation("sessionId")
	}
	if o.Events == nil {
		o.Events = event.NewMemoryStore(0)
	}
	if o.Logger == nil {
		o.Logger = mcprpc.DefaultLogger
	}
}

// Option mutates Options.
type Option func(*Options)

// WithURI sets the stream endpoint path.
func WithURI(uri string) Option {
	return func(o *Options) { o.URI = uri }
}

// WithMessageURI sets the message endpoint path.
func WithMessageURI(uri string) Option {
	return func(o *Options) { o.MessageURI = uri }
}

// WithSessionLocation overrides where message POSTs carry the session id.
func WithSessionLocation(loc *session.Location) Option {
	return func(o *Options) { o.SessionLocation = loc }
}

// WithKeepAliveInterval enables periodic SSE comment frames on the stream.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(o *Options) { o.KeepAliveInterval = d }
}

// WithEventStore plugs a custom outbound message buffer.
func WithEventStore(events event.Store) Option {
	return func(o *Options) { o.Events = events }
}

// WithOnSessionClose registers a termination observer.
func WithOnSessionClose(fn func(sessionID string)) Option {
	return func(o *Options) { o.OnSessionClose = fn }
}

// WithLogger sets the error logger.
func WithLogger(logger mcprpc.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}
