package mcprpc

import (
	"encoding/json"
	"fmt"
)

// ProgressToken identifies the request a progress notification belongs to.
// Tokens are strings or integers, mirroring RequestId.
type ProgressToken any

// CancelledParams are the parameters of a "notifications/cancelled" notification.
type CancelledParams struct {
	// RequestId identifies the request being cancelled.
	RequestId RequestId `json:"requestId" yaml:"requestId" mapstructure:"requestId"`

	// Reason optionally describes why the request was cancelled.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty" mapstructure:"reason,omitempty"`
}

// ProgressParams are the parameters of a "notifications/progress" notification.
type ProgressParams struct {
	// ProgressToken correlates the notification with an in-flight request.
	ProgressToken ProgressToken `json:"progressToken" yaml:"progressToken" mapstructure:"progressToken"`

	// Progress is the amount of work done so far.
	Progress float64 `json:"progress" yaml:"progress" mapstructure:"progress"`

	// Total is the total amount of work, when known.
	Total *float64 `json:"total,omitempty" yaml:"total,omitempty" mapstructure:"total,omitempty"`

	// Message optionally describes the current step.
	Message string `json:"message,omitempty" yaml:"message,omitempty" mapstructure:"message,omitempty"`
}

// NewCancelledNotification builds a "notifications/cancelled" notification for the supplied request id.
func NewCancelledNotification(requestId RequestId, reason string) (*Notification, error) {
	return NewNotification(NotificationCancelled, &CancelledParams{RequestId: requestId, Reason: reason})
}

// NewProgressNotification builds a "notifications/progress" notification for the supplied token.
func NewProgressNotification(token ProgressToken, progress float64, total *float64, message string) (*Notification, error) {
	return NewNotification(NotificationProgress, &ProgressParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// ProgressTokenFromParams extracts params._meta.progressToken, or nil when absent.
func ProgressTokenFromParams(params json.RawMessage) ProgressToken {
	if len(params) == 0 {
		return nil
	}
	holder := struct {
		Meta struct {
			ProgressToken ProgressToken `json:"progressToken"`
		} `json:"_meta"`
	}{}
	if err := json.Unmarshal(params, &holder); err != nil {
		return nil
	}
	return holder.Meta.ProgressToken
}

// WithProgressToken returns a copy of params with _meta.progressToken set to token.
// Existing _meta entries are preserved.
func WithProgressToken(params json.RawMessage, token ProgressToken) (json.RawMessage, error) {
	values := map[string]json.RawMessage{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &values); err != nil {
			return nil, fmt.Errorf("failed to decode request params: %w", err)
		}
	}
	meta := map[string]json.RawMessage{}
	if raw, ok := values["_meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("failed to decode params meta: %w", err)
		}
	}
	tokenData, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	meta["progressToken"] = tokenData
	metaData, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	values["_meta"] = metaData
	return json.Marshal(values)
}
