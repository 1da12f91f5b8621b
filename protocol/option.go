package protocol

import (
	"time"

	"github.com/viant/mcprpc"
)

// Option represents a protocol option
type Option func(p *Protocol)

// WithLogger sets the logger used for engine level failures.
func WithLogger(logger mcprpc.Logger) Option {
	return func(p *Protocol) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRequestTimeout sets the default per-request timeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(p *Protocol) {
		if timeout > 0 {
			p.requestTimeout = timeout
		}
	}
}

// WithMaxTotalTimeout caps the total lifetime of a request regardless of
// progress based timeout resets.
func WithMaxTotalTimeout(timeout time.Duration) Option {
	return func(p *Protocol) {
		if timeout > 0 {
			p.maxTotalTimeout = timeout
		}
	}
}

// WithResetTimeoutOnProgress makes progress notifications reset the
// per-request timeout window for all requests.
func WithResetTimeoutOnProgress(reset bool) Option {
	return func(p *Protocol) {
		p.resetTimeoutOnProgress = reset
	}
}

// WithOnError registers a callback for non-fatal engine errors.
func WithOnError(handler func(err error)) Option {
	return func(p *Protocol) {
		p.onError = handler
	}
}

// WithOnClose registers a callback invoked once the underlying transport closed.
func WithOnClose(handler func()) Option {
	return func(p *Protocol) {
		p.onClose = handler
	}
}

// WithRequestHandler registers a request handler for a method.
func WithRequestHandler(method string, handler RequestHandler) Option {
	return func(p *Protocol) {
		p.requestHandlers[method] = handler
	}
}

// WithNotificationHandler registers a notification handler for a method.
func WithNotificationHandler(method string, handler NotificationHandler) Option {
	return func(p *Protocol) {
		p.notificationHandlers[method] = handler
	}
}

// WithFallbackRequestHandler registers a handler for methods without a
// dedicated handler; without it unknown methods produce MethodNotFound.
func WithFallbackRequestHandler(handler RequestHandler) Option {
	return func(p *Protocol) {
		p.fallbackRequestHandler = handler
	}
}

// WithFallbackNotificationHandler registers a handler for notifications
// without a dedicated handler; without it they are dropped.
func WithFallbackNotificationHandler(handler NotificationHandler) Option {
	return func(p *Protocol) {
		p.fallbackNotificationHandler = handler
	}
}

// WithMiddleware appends middleware applied to every inbound request.
func WithMiddleware(middleware ...Middleware) Option {
	return func(p *Protocol) {
		p.middleware = append(p.middleware, middleware...)
	}
}

// WithMethodMiddleware appends middleware applied only to the supplied method.
func WithMethodMiddleware(method string, middleware ...Middleware) Option {
	return func(p *Protocol) {
		p.methodMiddleware[method] = append(p.methodMiddleware[method], middleware...)
	}
}

// WithSendMiddleware appends middleware applied to every outbound request.
func WithSendMiddleware(middleware ...SendMiddleware) Option {
	return func(p *Protocol) {
		p.sendMiddleware = append(p.sendMiddleware, middleware...)
	}
}

// RequestOptions control a single outbound request.
type RequestOptions struct {
	// Timeout overrides the protocol default per-attempt timeout.
	Timeout time.Duration

	// MaxTotalTimeout caps the request lifetime across progress resets.
	MaxTotalTimeout time.Duration

	// ResetTimeoutOnProgress restarts the timeout window whenever a progress
	// notification for this request arrives.
	ResetTimeoutOnProgress bool

	// OnProgress receives progress notifications correlated with this
	// request. Setting it injects a progress token into request params.
	OnProgress ProgressHandler

	// RelatedRequestID routes the request onto the stream of an in-flight
	// inbound request on stream aware transports.
	RelatedRequestID mcprpc.RequestId

	// ResumptionToken resumes delivery of a previously sent request.
	ResumptionToken string

	// OnResumptionToken receives resumption cursors as delivery progresses.
	OnResumptionToken func(token string)
}

// NotificationOptions control a single outbound notification.
type NotificationOptions struct {
	// RelatedRequestID routes the notification onto the stream of an
	// in-flight inbound request on stream aware transports.
	RelatedRequestID mcprpc.RequestId
}
