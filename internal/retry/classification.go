// Package retry classifies failures of external calls and re-runs the
// transient ones with capped exponential backoff.
package retry

import "errors"

// Classification is the retry category of a failed call.
type Classification int

const (
	// Retryable failures are transient and worth another attempt.
	Retryable Classification = iota
	// RateLimited failures are retryable but wait at least MinRateLimitDelay.
	RateLimited
	// Fatal failures are never retried.
	Fatal
)

// String returns the lower-case name of the classification.
func (c Classification) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case RateLimited:
		return "rate_limited"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classified is implemented by errors that already know their classification.
// Call adapters return such errors so the classifier does not have to guess.
type Classified interface {
	error
	Classification() Classification
}

type markedError struct {
	class Classification
	err   error
}

func (e *markedError) Error() string                  { return e.err.Error() }
func (e *markedError) Unwrap() error                  { return e.err }
func (e *markedError) Classification() Classification { return e.class }

// Mark tags err with an explicit classification. Mark(c, nil) returns nil.
func Mark(c Classification, err error) error {
	if err == nil {
		return nil
	}
	return &markedError{class: c, err: err}
}

// IsFatal reports whether err classifies as Fatal.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == Fatal
}

// classOf returns the explicit classification carried by err, if any.
func classOf(err error) (Classification, bool) {
	var c Classified
	if errors.As(err, &c) {
		return c.Classification(), true
	}
	return 0, false
}
