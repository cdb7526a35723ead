package types

import (
	"errors"
	"fmt"
)

// Error kinds shared by every store and service.
var (
	ErrValidation        = errors.New("validation failed")
	ErrReferential       = errors.New("record is in use")
	ErrStorage           = errors.New("storage failure")
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Invalid returns a validation error carrying msg.
func Invalid(format string, args ...interface{}) error {
	return &KindError{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// InUse returns a referential error carrying msg.
func InUse(format string, args ...interface{}) error {
	return &KindError{Kind: ErrReferential, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a not-found error for the named record.
func NotFound(what, id string) error {
	return &KindError{Kind: ErrNotFound, Message: fmt.Sprintf("%s %q not found", what, id)}
}

// KindError is a user-facing message tagged with one of the error kinds.
type KindError struct {
	Kind    error
	Message string
}

func (e *KindError) Error() string {
	return e.Message
}

// Unwrap lets errors.Is match the kind.
func (e *KindError) Unwrap() error {
	return e.Kind
}

// Result is the {success, message} shape handed to UI and CLI callers.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ResultOf converts an operation error into a Result.
func ResultOf(err error, okMessage string) Result {
	if err == nil {
		return Result{Success: true, Message: okMessage}
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return Result{Success: false, Message: ke.Message}
	}
	return Result{Success: false, Message: err.Error()}
}
