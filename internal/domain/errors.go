package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a subscription or delivery id is unknown.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a malformed request before anything is persisted
// or queued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
