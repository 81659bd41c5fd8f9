package session

import "fmt"

// NotFoundError indicates no session exists with the given id or prefix.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// ValidationError indicates a caller-supplied value was rejected.
// Validation failures are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
