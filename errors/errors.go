// Package errors provides error handling for workq.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors for the work queue. Use with errors.Is() for type-safe
// checking; wrap with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested work item does not exist.
	ErrNotFound = New("not found")

	// ErrStoreBusy indicates the store could not acquire the write lock
	// within its bounded retry window. The operation did not run and is
	// safe to retry.
	ErrStoreBusy = New("store busy, try again")

	// ErrNotOwner indicates the caller does not own the work item it
	// tried to mutate.
	ErrNotOwner = New("not your work item")

	// ErrInvalidTransition indicates a status change the store refuses,
	// such as completing an item that is not in review.
	ErrInvalidTransition = New("invalid status transition")

	// ErrInvalidRequest indicates malformed input (blank issue ref,
	// unknown status value, bad priority).
	ErrInvalidRequest = New("invalid request")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsStoreBusy checks if an error is or wraps ErrStoreBusy. Callers should
// treat these as transient and retry on their own schedule.
func IsStoreBusy(err error) bool {
	return err != nil && Is(err, ErrStoreBusy)
}

// IsNotOwner checks if an error is or wraps ErrNotOwner.
func IsNotOwner(err error) bool {
	return err != nil && Is(err, ErrNotOwner)
}

// IsInvalidTransition checks if an error is or wraps ErrInvalidTransition.
func IsInvalidTransition(err error) bool {
	return err != nil && Is(err, ErrInvalidTransition)
}

// IsInvalidRequest checks if an error is or wraps ErrInvalidRequest.
func IsInvalidRequest(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
