package engine

import (
	"errors"
	"fmt"
)

// ErrPersistentDisabled is returned when a request selects the persistent
// tier but none is configured.
var ErrPersistentDisabled = errors.New("Persistent storage is not enabled")

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field   string
	Missing bool
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Missing {
		return fmt.Sprintf("Missing <%s> parameter", e.Field)
	}
	return fmt.Sprintf("Invalid <%s> parameter", e.Field)
}

func missing(field string) error {
	return &ValidationError{Field: field, Missing: true}
}

func invalid(field string) error {
	return &ValidationError{Field: field}
}

// NotFoundError is returned by lget for a list that does not exist.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("List %s does not exist", e.Key)
}

// BackendError wraps a failure of the storage backend.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
