package secret

import (
	"errors"
	"fmt"
)

// Error kinds returned by the Manager. Callers classify with errors.Is.
// ErrNotFound and ErrGone deliberately carry no detail about why.
var (
	ErrValidation = errors.New("invalid request")
	ErrNotFound   = errors.New("secret not found")
	ErrGone       = errors.New("secret has expired or was already viewed")
	ErrAuth       = errors.New("invalid password")
	ErrStorage    = errors.New("storage unavailable")
)

// ValidationError names the rejected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
