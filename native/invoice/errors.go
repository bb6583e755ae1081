package invoice

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any state change.
	ErrValidation = errors.New("invoice: validation failed")
	// ErrNotFound marks an unknown invoice or target identifier.
	ErrNotFound = errors.New("invoice: not found")
	// ErrInvalidTransition marks a status change outside the transition table.
	ErrInvalidTransition = errors.New("invoice: invalid transition")
	// ErrAlreadyReleased is returned when an escrow payout has already been claimed.
	ErrAlreadyReleased = errors.New("invoice: escrow already released")
	// ErrRailUnavailable marks a settlement rail that cannot mint or watch targets.
	ErrRailUnavailable = errors.New("invoice: settlement rail unavailable")
	// ErrReconciliationRequired marks money movement that needs an operator decision.
	ErrReconciliationRequired = errors.New("invoice: reconciliation required")
	// ErrConflict is returned when an optimistic write lost against a concurrent update.
	ErrConflict = errors.New("invoice: concurrent modification")
	// ErrForbidden is returned when the acting user may not perform the operation.
	ErrForbidden = errors.New("invoice: action not permitted for user")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError names the kind and identifier that could not be resolved.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransitionError reports an attempted status change outside the table.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// AlreadyReleasedError carries the split recorded by the first release.
type AlreadyReleasedError struct {
	InvoiceID string
	Split     PayoutSplit
}

func (e *AlreadyReleasedError) Error() string {
	return fmt.Sprintf("escrow for invoice %s already released (payee=%d fee=%d)", e.InvoiceID, e.Split.PayeeSats, e.Split.FeeSats)
}

func (e *AlreadyReleasedError) Is(target error) bool { return target == ErrAlreadyReleased }

// RailError wraps a failure talking to a settlement rail.
type RailError struct {
	Method Method
	Op     string
	Err    error
}

func (e *RailError) Error() string {
	return fmt.Sprintf("%s rail %s: %v", e.Method, e.Op, e.Err)
}

func (e *RailError) Unwrap() error { return e.Err }

func (e *RailError) Is(target error) bool { return target == ErrRailUnavailable }

// ReconciliationError surfaces an amount mismatch or a settlement race to operators.
type ReconciliationError struct {
	InvoiceID    string
	Reason       string
	ExpectedSats int64
	ReceivedSats int64
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("invoice %s requires reconciliation: %s (expected=%d received=%d)", e.InvoiceID, e.Reason, e.ExpectedSats, e.ReceivedSats)
}

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliationRequired }

func notFound(id string) error {
	return &NotFoundError{Kind: "invoice", ID: id}
}
