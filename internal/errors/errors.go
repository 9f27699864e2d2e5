// Package errors is the application error vocabulary. It re-exports
// github.com/cockroachdb/errors and adds the sentinels used to map failures
// to HTTP statuses and CLI exit codes.
package errors

import (
	"context"

	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetail   = crdb.WithDetail
	Mark         = crdb.Mark
	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Unwrap       = crdb.Unwrap
	UnwrapAll    = crdb.UnwrapAll
	GetAllHints  = crdb.GetAllHints
	FlattenHints = crdb.FlattenHints
)

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input.
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates the resource is not in a state that allows the
	// operation.
	ErrConflict = New("conflict")

	// ErrServiceUnavailable indicates a dependency is down or gated.
	ErrServiceUnavailable = New("service unavailable")

	// ErrInternal marks unexpected failures.
	ErrInternal = New("internal error")
)

// NewNotFound returns an ErrNotFound-marked error.
func NewNotFound(format string, args ...any) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequest returns an ErrInvalidRequest-marked error.
func NewInvalidRequest(format string, args ...any) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NewConflict returns an ErrConflict-marked error.
func NewConflict(format string, args ...any) error {
	return Mark(Newf(format, args...), ErrConflict)
}

// NewExternalServiceError returns an ErrServiceUnavailable-marked error.
func NewExternalServiceError(msg string) error {
	return Mark(New(msg), ErrServiceUnavailable)
}

// WrapInternal wraps err with msg and marks it internal. A cancelled
// context is kept recognisable.
func WrapInternal(ctx context.Context, err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, msg)
	if ctx != nil && ctx.Err() != nil {
		return wrapped
	}
	return Mark(wrapped, ErrInternal)
}
