package genqueue

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("invalid rebuild request")
	ErrStopped        = errors.New("generation queue stopped")
	ErrInboxFull      = errors.New("generation queue inbox full")

	// ErrNotTracked reports a release for state the tracker does not hold.
	// It always indicates a queue bug.
	ErrNotTracked = errors.New("request not tracked as pending")
)

// RequestError is returned for malformed requests and messages.
// It matches ErrInvalidRequest with errors.Is.
type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string {
	if e.Field == "" {
		return "invalid rebuild request: " + e.Reason
	}
	return fmt.Sprintf("invalid rebuild request: %s: %s", e.Field, e.Reason)
}

func (e *RequestError) Is(target error) bool { return target == ErrInvalidRequest }

func invalidf(field, format string, args ...any) error {
	return &RequestError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// RenderError wraps a renderer failure with the request that produced it.
type RenderError struct {
	Request Request
	Err     error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Request, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
