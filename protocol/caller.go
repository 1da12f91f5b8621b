package protocol

import (
	"context"
	"net/http"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport"
)

type callerKey struct{}

// Caller describes the inbound request a handler is serving and lets the
// handler talk back to the peer in the context of that request: progress
// updates, related notifications and counter-requests.
type Caller struct {
	// RequestID is the id of the request being served.
	RequestID mcprpc.RequestId

	// Method is the method of the request being served.
	Method string

	// ProgressToken is the token the peer supplied in params._meta, nil when
	// the peer did not ask for progress.
	ProgressToken mcprpc.ProgressToken

	// SessionID identifies the session the request arrived on.
	SessionID string

	// AuthInfo holds the verified credential behind the request, when any.
	AuthInfo *transport.AuthInfo

	// Header exposes HTTP request headers for HTTP based transports.
	Header http.Header

	protocol *Protocol
}

// NotifyProgress reports progress for the request being served. It is a
// no-op when the peer did not supply a progress token.
func (c *Caller) NotifyProgress(ctx context.Context, progress float64, total *float64, message string) error {
	if c.ProgressToken == nil {
		return nil
	}
	notification, err := mcprpc.NewProgressNotification(c.ProgressToken, progress, total, message)
	if err != nil {
		return err
	}
	return c.protocol.notify(ctx, notification, &NotificationOptions{RelatedRequestID: c.RequestID})
}

// SendNotification sends a notification related to the request being served,
// so stream aware transports deliver it on the request's stream.
func (c *Caller) SendNotification(ctx context.Context, notification *mcprpc.Notification) error {
	return c.protocol.notify(ctx, notification, &NotificationOptions{RelatedRequestID: c.RequestID})
}

// SendRequest sends a counter-request related to the request being served.
func (c *Caller) SendRequest(ctx context.Context, request *mcprpc.Request, options *RequestOptions) (*mcprpc.Response, error) {
	if options == nil {
		options = &RequestOptions{}
	}
	if options.RelatedRequestID == nil {
		options.RelatedRequestID = c.RequestID
	}
	return c.protocol.Request(ctx, request, options)
}

func withCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller record for the request a handler is
// serving, or nil outside a handler.
func CallerFromContext(ctx context.Context) *Caller {
	caller, _ := ctx.Value(callerKey{}).(*Caller)
	return caller
}
