package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared by the transport, the REST client and the synchronizers.
var (
	ErrNotAuthenticated     = errors.New("no credential available")
	ErrTransportUnavailable = errors.New("realtime transport not connected")
	ErrAuthRejected         = errors.New("credential rejected by server")
	ErrRateLimited          = errors.New("rate limited by server")
	ErrSendTimeout          = errors.New("send not acknowledged in time")
)

// ServerError is any other non-success HTTP status or an explicit error frame.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error %d", e.Code)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// DecodeError wraps a malformed or unexpected response body.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FromStatus maps an HTTP status code to the error taxonomy. It returns nil
// for 2xx codes.
func FromStatus(code int, message string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return ErrAuthRejected
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &ServerError{Code: code, Message: message}
	}
}

// IsDecode reports whether err is a DecodeError.
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// UserMessage is the short text a front end shows for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "Slow down, too many requests"
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrAuthRejected):
		return "Please sign in again"
	case errors.Is(err, ErrTransportUnavailable):
		return "Offline"
	case errors.Is(err, ErrSendTimeout):
		return "Message not delivered"
	case IsDecode(err):
		return "Unexpected response from server"
	default:
		return "Something went wrong"
	}
}
