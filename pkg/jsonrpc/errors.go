package jsonrpc

import (
	"errors"
	"fmt"
	"net/http"
)

// Error object for outputting JSON-RPC 2.0 errors.
type Error struct {
	Code     int64  `json:"code"`
	HTTPCode int    `json:"-"`
	Message  string `json:"message"`
	Data     string `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	// ParseErrorCode is returned when the request body is not a valid JSON.
	ParseErrorCode = -32700
	// InvalidRequestCode is returned when the JSON is valid, but it's not a
	// JSON-RPC request.
	InvalidRequestCode = -32600
	// MethodNotFoundCode is returned by POST dispatcher for unknown methods.
	MethodNotFoundCode = -32601
	// InvalidParamsCode is returned for bad parameters and by GET dispatcher
	// for unknown methods.
	InvalidParamsCode = -32602
	// InternalServerErrorCode is returned for internal RPC server error.
	InternalServerErrorCode = -32603
)

// ErrInvalidParams represents a generic 'invalid parameters' error.
var ErrInvalidParams = NewInvalidParamsError("invalid params")

// NewError is an Error constructor that takes Error contents from its
// parameters.
func NewError(code int64, httpCode int, message string, data string) *Error {
	return &Error{
		Code:     code,
		HTTPCode: httpCode,
		Message:  message,
		Data:     data,
	}
}

// NewParseError creates a new error with code -32700.
func NewParseError(data string) *Error {
	return NewError(ParseErrorCode, http.StatusBadRequest, "Parse error", data)
}

// NewInvalidRequestError creates a new error with code -32600.
func NewInvalidRequestError(data string) *Error {
	return NewError(InvalidRequestCode, http.StatusUnprocessableEntity, "Invalid Request", data)
}

// NewMethodNotFoundError creates a new error with code -32601.
func NewMethodNotFoundError(method string) *Error {
	return NewError(MethodNotFoundCode, http.StatusMethodNotAllowed, fmt.Sprintf("Method '%s' not found", method), "")
}

// NewInvalidParamsError creates a new error with code -32602.
func NewInvalidParamsError(message string) *Error {
	return NewError(InvalidParamsCode, http.StatusUnprocessableEntity, message, "")
}

// NewInternalServerError creates a new error with code -32603.
func NewInternalServerError(message string) *Error {
	return NewError(InternalServerErrorCode, http.StatusInternalServerError, message, "")
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Data) == 0 {
		return fmt.Sprintf("%s (%d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s (%d) - %s", e.Message, e.Code, e.Data)
}

// WrapErrorWithData returns copy of the given error with the specified data and cause.
// It does not modify the source error.
func WrapErrorWithData(e *Error, data string) *Error {
	return NewError(e.Code, e.HTTPCode, e.Message, data)
}

// WrapError converts an arbitrary error into the JSON-RPC error taxonomy.
// Any *Error found in the chain is returned as is, everything else becomes
// an internal server error carrying the original error text as data.
func WrapError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapErrorWithData(NewInternalServerError("Internal error"), err.Error())
}
