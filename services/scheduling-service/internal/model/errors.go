package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports an unknown clinician, centre, or appointment.
	ErrNotFound = errors.New("not found")

	// ErrSlotUnavailable reports a conflict detected by the authoritative
	// overlap check. Callers should re-query slots and retry.
	ErrSlotUnavailable = errors.New("slot unavailable")

	// ErrInvalidTransition reports a lifecycle move the state machine rejects
	// from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError is malformed or missing input the caller can fix.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func Invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DependencyError reports an unreachable or failing external collaborator
// (payment, video, notification). Side-effect paths retry these with backoff;
// they are never allowed to undo a committed status.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s dependency failure: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func DependencyFailure(dependency string, err error) error {
	return &DependencyError{Dependency: dependency, Err: err}
}

func IsDependencyFailure(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}
