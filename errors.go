package relay

import (
	"errors"
	"fmt"
)

// Error kinds. Every error that reaches a client carries one of these.
const (
	KindConnectionClosed    = "connection-closed"
	KindForbidden           = "forbidden"
	KindInternalServerError = "internal-server-error"
	KindInvalidRequest      = "invalid-request"
	KindNotAuthenticated    = "not-authenticated"
	KindTooManyRequests     = "too-many-requests"
	KindTopicNotFound       = "topic-not-found"
	KindUnsupported         = "unsupported"
	KindEndpointNotFound    = "endpoint-does-not-exist"
)

// Error is the client-safe error envelope. Application handlers may return
// an *Error to surface a specific failure to the caller; any other error is
// replaced by an opaque internal-server-error before leaving the server.
type Error struct {
	Code    int    `json:"code"`
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
}

// NewError creates an error with an explicit code, kind and message.
func NewError(code int, kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

func ErrConnectionClosed() *Error {
	return NewError(410, KindConnectionClosed, "Connection is closed")
}

func ErrForbidden() *Error {
	return NewError(403, KindForbidden, "Forbidden")
}

func ErrInternalServer() *Error {
	return NewError(500, KindInternalServerError, "Internal Server Error")
}

func ErrInvalidRequest() *Error {
	return NewError(400, KindInvalidRequest, "Invalid Request")
}

func ErrNotAuthenticated() *Error {
	return NewError(401, KindNotAuthenticated, "Not Authenticated")
}

func ErrTooManyRequests() *Error {
	return NewError(429, KindTooManyRequests, "Too Many Requests")
}

func ErrTopicNotFound(topic string) *Error {
	return NewError(404, KindTopicNotFound, fmt.Sprintf("The topic %q is not registered", topic))
}

func ErrUnsupported() *Error {
	return NewError(501, KindUnsupported, "Not supported by this server")
}

func ErrEndpointNotFound(method string) *Error {
	return NewError(404, KindEndpointNotFound, fmt.Sprintf("The endpoint %q does not exist", method))
}

// IsError reports whether err is (or wraps) a client-safe *Error.
func IsError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// SafeError normalizes err into a client-safe error. Recognized errors pass
// through verbatim; anything else becomes an opaque internal-server-error.
// Callers are responsible for logging the original error server-side.
func SafeError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternalServer()
}
