package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class decides whether a failed attempt is retried.
type Class string

const (
	// ClassTerminal errors are returned at once (bad request, not found, invalid credentials).
	ClassTerminal Class = "terminal"

	// ClassTransient errors are retried with backoff (5xx, network, timeouts).
	ClassTransient Class = "transient"

	// ClassRateLimited errors are retried with backoff and arm the failure memoizer.
	ClassRateLimited Class = "rate_limited"
)

// Retryable reports whether errors of this class are retried.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

// Classifier maps an attempt error to its class.
type Classifier func(error) Class

var (
	// ErrRetryExhausted is matched by errors returned after the final attempt failed.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrCancelled is matched by errors returned when ctx ended the fetch.
	ErrCancelled = errors.New("fetch cancelled")
)

// Error is returned by Fetcher.Do for every failed fetch.
// It unwraps to the error of the last attempt.
type Error struct {
	// Class of the last attempt error
	Class Class

	// Attempts is the number of attempts made
	Attempts int

	// Exhausted is set when retryable failures used up every attempt
	Exhausted bool

	// Err is the last attempt error
	Err error

	// cause is the context error when the fetch was cancelled
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.cause != nil:
		return fmt.Sprintf("fetch cancelled after %d attempts: %v (last error: %v)", e.Attempts, e.cause, e.Err)
	case e.Exhausted:
		return fmt.Sprintf("%s after %d attempts (%s): %v", ErrRetryExhausted, e.Attempts, e.Class, e.Err)
	default:
		return fmt.Sprintf("fetch failed (%s): %v", e.Class, e.Err)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// Is matches ErrRetryExhausted and ErrCancelled.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRetryExhausted:
		return e.Exhausted
	case ErrCancelled:
		return e.cause != nil
	}
	return false
}

// classified pins a class onto an error returned by an operation.
type classified struct {
	class      Class
	err        error
	retryAfter time.Duration
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Unwrap() error { return c.err }

// Terminal marks err as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassTerminal, err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassTransient, err: err}
}

// RateLimited marks err as a rate-limit response. retryAfter is the server's
// hint (0 when absent) and extends the failure cooldown.
func RateLimited(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassRateLimited, err: err, retryAfter: retryAfter}
}

// Classify is the default Classifier.
//
// Explicit wrappers win, then HTTP status errors. A cancelled context is
// terminal. Everything else, net.Error and deadline overruns included, is
// transient.
func Classify(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if class := ClassifyStatus(statusErr.StatusCode); class != "" {
			return class
		}
	}

	if errors.Is(err, context.Canceled) {
		return ClassTerminal
	}
	return ClassTransient
}

// RetryAfter extracts the server's retry hint from err, or 0.
func RetryAfter(err error) time.Duration {
	var c *classified
	if errors.As(err, &c) && c.retryAfter > 0 {
		return c.retryAfter
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// ClassOf returns the class recorded on a fetch error, or classifies err with
// Classify when it did not come from a Fetcher.
func ClassOf(err error) Class {
	var fetchErr *Error
	if errors.As(err, &fetchErr) {
		return fetchErr.Class
	}
	return Classify(err)
}
