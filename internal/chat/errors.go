package chat

import (
	"errors"
	"fmt"
)

// Local validation failures. These are returned before any network call.
var (
	ErrEmptyIdentity = errors.New("identity is empty")
	ErrNoSession     = errors.New("no session established")
	ErrEmptyChannel  = errors.New("channel is empty")
	ErrNoChannel     = errors.New("no active channel")
	ErrEmptyBody     = errors.New("message body is empty")
)

// NetworkError is a transport-level failure. It is always transient.
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: network: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-success status returned by the backend to a fetch.
type ServerError struct {
	Op      string
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: server error %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: server error %d", e.Op, e.Code)
}

// RejectedError means the backend understood the request and declined it.
type RejectedError struct {
	Op     string
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected (%d): %s", e.Op, e.Code, e.Reason)
}

// IsTransient reports whether err should simply be retried on the next
// poll tick.
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.Timeout
}

// IsRejected reports whether the backend declined the request.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// ErrorKind returns a short label for metrics and logs.
func ErrorKind(err error) string {
	var (
		netErr *NetworkError
		srvErr *ServerError
		rejErr *RejectedError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &netErr) && netErr.Timeout:
		return "timeout"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &srvErr):
		return "server"
	case errors.As(err, &rejErr):
		return "rejected"
	default:
		return "local"
	}
}
