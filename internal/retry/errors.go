package retry

import (
	"errors"
	"fmt"
)

var (
	// ErrExhausted matches errors returned after every attempt failed transiently.
	ErrExhausted = errors.New("retries exhausted")
	// ErrFatal matches errors returned after a fatal failure.
	ErrFatal = errors.New("fatal error")
	// ErrCanceled matches errors returned when the context ended during backoff.
	ErrCanceled = errors.New("retry canceled")
)

// Error is the terminal error of a retried call.
type Error struct {
	Category  string
	Class     Classification
	Attempts  int
	Exhausted bool
	Canceled  bool
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Canceled:
		return fmt.Sprintf("%s: canceled after %d attempt(s): %v", e.label(), e.Attempts, e.Err)
	case e.Exhausted:
		return fmt.Sprintf("%s: retries exhausted after %d attempt(s) (last %s): %v", e.label(), e.Attempts, e.Class, e.Err)
	default:
		return fmt.Sprintf("%s: fatal error after %d attempt(s): %v", e.label(), e.Attempts, e.Err)
	}
}

func (e *Error) label() string {
	if e.Category == "" {
		return "call"
	}
	return e.Category
}

// Unwrap returns the last underlying failure.
func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrExhausted, ErrFatal and ErrCanceled.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrExhausted:
		return e.Exhausted
	case ErrCanceled:
		return e.Canceled
	case ErrFatal:
		return !e.Exhausted && !e.Canceled
	}
	return false
}

// Classification reports Fatal for fatal and canceled calls and the last
// transient class for exhausted ones.
func (e *Error) Classification() Classification {
	if e.Exhausted {
		return e.Class
	}
	return Fatal
}
