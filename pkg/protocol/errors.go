package protocol

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is discrimination. The typed errors below match them.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
)

// NotFoundError reports a referenced bead, agent or review entry that does
// not exist.
type NotFoundError struct {
	Kind string // bead | agent | review entry
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidStateError reports an operation that is not legal in the entity's
// current state, e.g. agentDone without a hooked bead.
type InvalidStateError struct {
	Op     string
	ID     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.ID, e.Reason)
}

// Is matches ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// ValidationError reports a malformed argument (unknown enum value, empty
// required field).
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CollaboratorError wraps a failure (or timeout) from the launcher or the
// merge service. It is always recoverable and never fails a rig operation.
type CollaboratorError struct {
	Collaborator string // launcher | merge
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidState reports whether err carries an InvalidStateError.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }
