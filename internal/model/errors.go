package model

import (
	"errors"
	"fmt"
)

// ValidationError indicates malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error (%s): %s", e.Field, e.Message)
}

// NotFoundError indicates a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrUnsupportedAction marks a recognized event or config combination that
// the engine deliberately ignores.
var ErrUnsupportedAction = errors.New("unsupported action")

// UnsupportedActionError wraps ErrUnsupportedAction with a reason.
type UnsupportedActionError struct {
	Reason string
}

func (e *UnsupportedActionError) Error() string {
	return "unsupported action: " + e.Reason
}

func (e *UnsupportedActionError) Is(target error) bool {
	return target == ErrUnsupportedAction
}

// Unsupported returns an UnsupportedActionError with a formatted reason.
func Unsupported(format string, args ...any) error {
	return &UnsupportedActionError{Reason: fmt.Sprintf(format, args...)}
}

// StorageError wraps a failure of the persistence layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err (or any error in its chain) is a
// ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err (or any error in its chain) is a
// NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUnsupportedAction reports whether err is an unsupported action.
func IsUnsupportedAction(err error) bool {
	return errors.Is(err, ErrUnsupportedAction)
}

// IsStorageError reports whether err (or any error in its chain) is a
// StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
