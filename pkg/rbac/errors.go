package rbac

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is returned when input is malformed or breaks an entity invariant
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced role, permission, edge, assignment or elevation does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write would duplicate a grant, a primary role or introduce a hierarchy cycle
	ErrConflict = errors.New("conflict")

	// ErrTransient is returned when the backing store failed in a way that may succeed on retry
	ErrTransient = errors.New("transient store failure")
)

// Validation error codes
const (
	CodeRequired          = "required"
	CodeInvalid           = "invalid"
	CodeTooLong           = "too_long"
	CodeSystemRole        = "system_role"
	CodeSelfReference     = "self_reference"
	CodeInvalidWindow     = "invalid_window"
	CodeInvalidJSON       = "invalid_json"
	CodeInvalidTransition = "invalid_transition"
	CodeNotForward        = "not_forward"
	CodeLastAction        = "last_action"
	CodeUnusable          = "unusable"
	CodeElevationManaged  = "elevation_managed"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Entity  string `json:"entity"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s: %s", e.Entity, e.Message)
	}
	return fmt.Sprintf("invalid %s.%s: %s", e.Entity, e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ValidationErrors collects every failed rule for one entity.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrValidation.
func (v ValidationErrors) Unwrap() error {
	return ErrValidation
}

// Has reports whether any collected error carries code.
func (v ValidationErrors) Has(code string) bool {
	for _, e := range v {
		if e.Code == code {
			return true
		}
	}
	return false
}

// IsValidationError checks if the error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound checks if the error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if the error is or wraps ErrConflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTransient checks if the error is or wraps ErrTransient
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ValidationCode returns the code of the first ValidationError in err's chain.
func ValidationCode(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	var ves ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		return ves[0].Code
	}
	return ""
}

// NewValidationError creates a single field validation error
func NewValidationError(entity, field, code, message string) error {
	return &ValidationError{Entity: entity, Field: field, Code: code, Message: message}
}

// NewNotFoundError creates a not found error naming the entity and id
func NewNotFoundError(entity, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
}

// NewConflictError creates a conflict error with context
func NewConflictError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NewTransientError wraps a store failure as retryable
func NewTransientError(op string, cause error) error {
	return fmt.Errorf("%w during %s: %w", ErrTransient, op, cause)
}

func invalidTransition(entity string, from, action string) error {
	return NewValidationError(entity, "status", CodeInvalidTransition,
		fmt.Sprintf("cannot %s from %s", action, from))
}
