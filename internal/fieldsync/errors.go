package fieldsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnknownKind     = errors.New("unknown record kind")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a rejection that retrying cannot fix. Replay
// functions use it so the engine flags the record instead of retrying forever.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a permanent
// rejection: either marked with Permanent or a StatusError classified as one.
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Permanent()
	}
	return false
}

// StatusError is returned by the transport for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Permanent is true for 4xx responses except auth failures, timeouts and rate
// limiting, which may succeed on a later attempt.
func (e *StatusError) Permanent() bool {
	if e.Code < 400 || e.Code >= 500 {
		return false
	}
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}
