package repositories

import "errors"

func asRepositoryError(err error, target *RepositoryError) bool {
	if err == nil {
		return false
	}
	return errors.As(err, target)
}

// Error is a RepositoryError raised by in-process repositories.
type Error struct {
	Op          string
	Err         error
	notFound    bool
	conflict    bool
	unavailable bool
}

// NewNotFoundError builds a RepositoryError classified as not found.
func NewNotFoundError(op string, err error) *Error {
	return &Error{Op: op, Err: err, notFound: true}
}

// NewConflictError builds a RepositoryError classified as a conflict.
func NewConflictError(op string, err error) *Error {
	return &Error{Op: op, Err: err, conflict: true}
}

// NewUnavailableError builds a RepositoryError classified as unavailable.
func NewUnavailableError(op string, err error) *Error {
	return &Error{Op: op, Err: err, unavailable: true}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) IsNotFound() bool    { return e != nil && e.notFound }
func (e *Error) IsConflict() bool    { return e != nil && e.conflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.unavailable }
