package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a dangling reference or missing resource.
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict indicates a lock timeout or serialization
	// failure. The caller may retry the whole operation.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrAlreadyPosted indicates a second journal posting for the same
	// (operationType, sourceRef) pair. Re-posting is rejected, not
	// silently absorbed.
	ErrAlreadyPosted = errors.New("journal: source already posted")
	// ErrAlreadyReversed indicates the source's journal entries were
	// reversed before.
	ErrAlreadyReversed = errors.New("journal: source already reversed")
)

// ValidationError rejects a request before any mutation takes place.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// InsufficientBudgetError is returned when a consuming call would drive a
// budget line's available amount negative. The line is left untouched.
type InsufficientBudgetError struct {
	LineID    int64
	Requested float64
	Available float64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget on line %d: requested %.2f, available %.2f", e.LineID, e.Requested, e.Available)
}

// RuleMatchError aborts a stage transition for which no accounting rule
// matches. An unposted budget-affecting operation is never allowed through.
type RuleMatchError struct {
	OperationType string
}

func (e *RuleMatchError) Error() string {
	return fmt.Sprintf("no accounting rule matches operation %q", e.OperationType)
}
