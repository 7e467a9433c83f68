package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a connection, job or assessment does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input rejected before persistence.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ConnectionError reports a source registry that is unreachable or rejects
// the stored credentials.
type ConnectionError struct {
	Op   string
	Auth bool // credentials were rejected
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Auth {
		return fmt.Sprintf("%s: credentials rejected: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: source unreachable: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransferError is an item-level failure; the job carries on.
type TransferError struct {
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ConflictError reports a structural conflict such as deleting a connection in use.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

// NotReadyError reports an operation that is invalid for the job's current state.
type NotReadyError struct {
	Op     string
	Status JobStatus
	Reason string
}

func (e *NotReadyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s job in state %s: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("cannot %s job in state %s", e.Op, e.Status)
}
