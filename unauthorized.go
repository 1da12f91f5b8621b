package mcprpc

import (
	"errors"
	"fmt"
)

// UnauthorizedError reports an authorization denial from an HTTP transport
// endpoint. Challenge carries the WWW-Authenticate header when the server
// sent one; OAuth discovery starts from its resource_metadata parameter.
type UnauthorizedError struct {
	// StatusCode is the denying status, typically 401.
	StatusCode int
	// Challenge is the raw WWW-Authenticate value, empty when absent.
	Challenge string
	// Body contains the raw response body, if available.
	Body []byte
}

// Error implements the error interface.
func (e *UnauthorizedError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("unauthorized (status %d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("unauthorized (status %d)", e.StatusCode)
}

// NewUnauthorizedError constructs a new UnauthorizedError.
func NewUnauthorizedError(statusCode int, challenge string, body []byte) *UnauthorizedError {
	return &UnauthorizedError{StatusCode: statusCode, Challenge: challenge, Body: body}
}

// IsUnauthorized returns true if err is or wraps an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var target *UnauthorizedError
	return errors.As(err, &target)
}
