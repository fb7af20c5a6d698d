package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced agent, alert or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateAlert is returned when a candidate alert is suppressed
	// because a similar alert is already open.
	ErrDuplicateAlert = errors.New("similar alert already open")
)

// ValidationError rejects bad input synchronously, before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
