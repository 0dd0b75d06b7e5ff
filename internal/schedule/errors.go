package schedule

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid matches every *ValidationError via errors.Is.
	ErrInvalid = errors.New("invalid schedule")
	// ErrNotFound matches every *NotFoundError via errors.Is.
	ErrNotFound = errors.New("schedule not found")
	// ErrConflict is returned by Create when the (tenant, service) row already exists.
	ErrConflict = errors.New("schedule already exists")
)

// ValidationError reports a malformed field. It is always returned before
// any state is persisted or armed.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// NotFoundError reports a schedule absent for the given keys.
type NotFoundError struct {
	ID       int64
	TenantID int64
	Service  Service
}

func (e *NotFoundError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("schedule %d not found for tenant %d service %s", e.ID, e.TenantID, e.Service)
	}
	return fmt.Sprintf("schedule not found for tenant %d service %s", e.TenantID, e.Service)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IsValidation reports whether err is (or wraps) a validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrInvalid) }

// IsNotFound reports whether err is (or wraps) a not-found failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
