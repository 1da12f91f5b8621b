package mcprpc

import "fmt"

// Error returns the error message
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("code: %d, message: %s, data: %v", e.Code, e.Message, e.Data)
}

// NewError creates a new error with the supplied code
func NewError(code int, message string, data []byte) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// NewParsingError creates a new parsing error
func NewParsingError(message string, data []byte) *Error {
	return NewError(ParseError, message, data)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, data []byte) *Error {
	return NewError(InternalError, message, data)
}

// NewInvalidRequest creates a new invalid request error
func NewInvalidRequest(message string, data []byte) *Error {
	return NewError(InvalidRequest, message, data)
}

// NewInvalidParamsError creates a new invalid params error
func NewInvalidParamsError(message string, data []byte) *Error {
	return NewError(InvalidParams, message, data)
}

// NewMethodNotFound creates a new invalid request error
func NewMethodNotFound(message string, data []byte) *Error {
	return NewError(MethodNotFound, message, data)
}

// NewRequestTimeout creates a new request timeout error
func NewRequestTimeout(message string, data interface{}) *Error {
	return &Error{Code: RequestTimeout, Message: message, Data: data}
}

// NewConnectionClosed creates a new connection closed error
func NewConnectionClosed(message string) *Error {
	return &Error{Code: ConnectionClosed, Message: message}
}
