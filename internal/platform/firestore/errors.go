package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type category int

const (
	categoryOther category = iota
	categoryNotFound
	categoryConflict
	categoryUnavailable
)

// Error classifies a Firestore failure for the repositories.RepositoryError interface.
type Error struct {
	op       string
	err      error
	category category
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// IsNotFound reports a missing document.
func (e *Error) IsNotFound() bool { return e != nil && e.category == categoryNotFound }

// IsConflict reports an existing document or failed precondition.
func (e *Error) IsConflict() bool { return e != nil && e.category == categoryConflict }

// IsUnavailable reports a transient outage.
func (e *Error) IsUnavailable() bool { return e != nil && e.category == categoryUnavailable }

func classify(code codes.Code) category {
	switch code {
	case codes.NotFound:
		return categoryNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return categoryConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		return categoryUnavailable
	default:
		return categoryOther
	}
}

// WrapError attaches op and a category to err. Cancellations and deadlines come back as the
// plain context errors.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{op: op, err: err, category: classify(code)}
}
