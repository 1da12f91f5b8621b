package auth

import (
	"encoding/json"
	"fmt"
)

// OAuth error codes (RFC 6749 §5.2, RFC 6750 §3.1, RFC 7591 §3.2.2).
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidScope            = "invalid_scope"
	ErrorInvalidToken            = "invalid_token"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorAccessDenied            = "access_denied"
	ErrorInsufficientScope       = "insufficient_scope"
	ErrorServerError             = "server_error"
	ErrorTooManyRequests         = "too_many_requests"
	ErrorInvalidClientMetadata   = "invalid_client_metadata"
	ErrorInvalidRedirectURI      = "invalid_redirect_uri"
)

// Error is the OAuth error document `{error, error_description, error_uri}`
// carried in HTTP bodies and redirect parameters.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

// NewError creates an OAuth error with the given code and description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ErrorFromBody recovers an OAuth error from a response body; it returns nil
// when the body does not carry one.
func ErrorFromBody(data []byte) *Error {
	if len(data) == 0 {
		return nil
	}
	parsed := &Error{}
	if err := json.Unmarshal(data, parsed); err != nil || parsed.Code == "" {
		return nil
	}
	return parsed
}
