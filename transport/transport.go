package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/viant/mcprpc"
)

// MessageFunc handles one inbound message together with its transport metadata.
type MessageFunc func(ctx context.Context, message *mcprpc.Message, extra *Extra)

// Transport moves framed JSON-RPC messages between two peers. It performs no
// correlation and no dispatch; both belong to the protocol layer. A transport
// delivers inbound messages in arrival order through the OnMessage callback
// and reports failures and termination through OnError and OnClose.
type Transport interface {
	// Start begins processing inbound messages. It returns once the transport
	// is ready to send; Send before Start fails.
	Start(ctx context.Context) error

	// Send delivers a single message to the peer. Options may carry delivery
	// hints such as the related request id; nil options are valid.
	Send(ctx context.Context, message *mcprpc.Message, options *SendOptions) error

	// Close terminates the transport. The close callback fires exactly once,
	// whether termination came from Close or from the peer.
	Close() error

	// OnMessage registers the inbound message callback.
	OnMessage(handler MessageFunc)

	// OnError registers the callback for non-fatal transport errors.
	OnError(handler func(err error))

	// OnClose registers the callback invoked once the transport terminated.
	OnClose(handler func())
}

// SendOptions carries per-message delivery hints.
type SendOptions struct {
	// RelatedRequestID associates the message with an in-flight request so
	// stream-oriented transports can route it onto that request's stream.
	RelatedRequestID mcprpc.RequestId

	// ResumptionToken asks the transport to resume delivery after the event
	// identified by the token instead of sending the message again.
	ResumptionToken string

	// OnResumptionToken receives updated resumption cursors as delivery
	// progresses. Callers persist the latest token to survive reconnects.
	OnResumptionToken func(token string)
}

// Extra carries transport metadata delivered alongside an inbound message.
type Extra struct {
	// SessionID identifies the logical session the message arrived on.
	SessionID string

	// AuthInfo holds the verified credential of the caller, when the
	// transport sits behind authentication.
	AuthInfo *AuthInfo

	// Header exposes the HTTP request headers for HTTP based transports.
	Header http.Header
}

// AuthInfo describes a verified access token.
type AuthInfo struct {
	// Token is the raw bearer token.
	Token string

	// ClientID identifies the OAuth client the token was issued to.
	ClientID string

	// Scopes lists the scopes granted to the token.
	Scopes []string

	// ExpiresAt is the token expiry. The zero value means the verifier did
	// not establish an expiry and the token must be rejected.
	ExpiresAt time.Time

	// Resource is the RFC 8707 resource the token is bound to, when any.
	Resource string

	// Extra carries verifier specific claims.
	Extra map[string]interface{}
}

// Expired returns true if the token expiry passed or was never established.
func (a *AuthInfo) Expired(now time.Time) bool {
	if a == nil || a.ExpiresAt.IsZero() {
		return true
	}
	return now.After(a.ExpiresAt)
}

// HasScopes returns true when the token carries every required scope.
func (a *AuthInfo) HasScopes(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if a == nil {
		return false
	}
	granted := make(map[string]bool, len(a.Scopes))
	for _, scope := range a.Scopes {
		granted[scope] = true
	}
	for _, scope := range required {
		if !granted[scope] {
			return false
		}
	}
	return true
}

type authInfoKey struct{}

// WithAuthInfo returns a context carrying the verified token info.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// AuthInfoFrom returns the verified token info stored in the context, if any.
func AuthInfoFrom(ctx context.Context) *AuthInfo {
	info, _ := ctx.Value(authInfoKey{}).(*AuthInfo)
	return info
}
