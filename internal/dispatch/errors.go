package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueUnavailable matches every *UnavailableError via errors.Is.
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrJobNotFound      = errors.New("job not found")
)

// UnavailableError is returned by every call once Initialize has failed, or
// before it was called.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	if e.Cause == nil {
		return ErrQueueUnavailable.Error()
	}
	return fmt.Sprintf("%s: %v", ErrQueueUnavailable, e.Cause)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrQueueUnavailable }
func (e *UnavailableError) Unwrap() error        { return e.Cause }

// Terminal marks a sync failure as non-retryable: the job fails at once.
//
// Executors wrap permanent failures (bad credentials, invalid sheet) so the
// dispatcher does not spend attempts on them:
//
//	return dispatch.Result{}, dispatch.Terminal(fmt.Errorf("sheet missing: %w", err))
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

// IsTerminal reports whether err is wrapped with Terminal.
func IsTerminal(err error) bool {
	var e terminalError
	return errors.As(err, &e)
}

type terminalError struct{ err error }

func (e terminalError) Error() string { return fmt.Sprintf("terminal: %v", e.err) }
func (e terminalError) Unwrap() error { return e.err }

// Transient marks a sync failure as retryable. Unmarked errors are treated
// as transient too; the wrapper exists so executors can say so explicitly.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is retryable under the dispatcher policy.
func IsTransient(err error) bool { return err != nil && !IsTerminal(err) }

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt, e.g. from
// an HTTP 429 Retry-After header. The hint is bounded by the backoff max.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryAfterHint returns the delay carried by err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
