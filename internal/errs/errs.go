// Package errs defines the typed errors shared by the incident lifecycle and
// billing reconciliation packages. Callers classify failures with errors.As
// and errors.Is; the HTTP layer maps each type to a status code.
package errs

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input for a single field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidTransitionError reports an illegal incident state transition,
// including any transition attempted on an incident that does not exist.
type InvalidTransitionError struct {
	IncidentID string
	From       string // empty when the incident does not exist
	Action     string
}

func (e *InvalidTransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("cannot %s incident %s: incident does not exist", e.Action, e.IncidentID)
	}
	return fmt.Sprintf("cannot %s incident %s from status %s", e.Action, e.IncidentID, e.From)
}

// ConcurrencyConflictError is returned when a conditional status update
// affected no rows because another writer committed first. It unwraps to the
// InvalidTransitionError a caller would have seen had it arrived second.
type ConcurrencyConflictError struct {
	Transition *InvalidTransitionError
}

func (e *ConcurrencyConflictError) Error() string {
	return "concurrent update lost: " + e.Transition.Error()
}

func (e *ConcurrencyConflictError) Unwrap() error { return e.Transition }

// SignatureInvalidError is returned when a webhook payload fails verification.
type SignatureInvalidError struct {
	Err error
}

func (e *SignatureInvalidError) Error() string {
	return "webhook signature invalid: " + e.Err.Error()
}

func (e *SignatureInvalidError) Unwrap() error { return e.Err }

// PersistenceError wraps a failure of the backing store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError unless it is nil or already typed.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// NotificationError wraps a failed delivery through one notification sink.
// It never fails the operation that triggered the notification.
type NotificationError struct {
	Sink string
	Err  error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify via %s: %v", e.Sink, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }
