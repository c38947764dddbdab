// Package errors provides error handling for pick-agent.
//
// This package re-exports github.com/cockroachdb/errors, providing stack
// traces, wrapping, hints and details, and adds the sentinel errors shared by
// the lock manager, the cooldown ledger, the pipeline and the HTTP layer.
//
// Usage:
//
//	if err := store.UpsertCooldown(ctx, c); err != nil {
//	    return errors.Wrap(err, "failed to record cooldown")
//	}
//
//	if errors.Is(err, errors.ErrAlreadyDecided) {
//	    // logical duplicate, skip
//	}
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
	Mark               = crdb.Mark
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
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Common sentinel errors. Wrap these with errors.Wrap() to add context while
// keeping errors.Is() checks working.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// Domain sentinels.
var (
	// ErrAtomicUnsupported is returned by a lock store that cannot perform a
	// single conditional write. The lock manager then uses its two-step path.
	ErrAtomicUnsupported = New("atomic conditional write unsupported")

	// ErrLockUnavailable means the lock store could not be reached at all,
	// as opposed to the lock being held by someone else.
	ErrLockUnavailable = New("lock store unavailable")

	// ErrAlreadyDecided means the opportunity already carries a permanent
	// DECIDED cooldown owned by another run.
	ErrAlreadyDecided = New("opportunity already decided")

	// ErrRunTerminal means a step was requested on a run that already
	// reached COMPLETE, VOIDED or ERROR without producing that step.
	ErrRunTerminal = New("run is terminal")

	// ErrStepOutOfOrder means a step's prerequisite has not completed.
	ErrStepOutOfOrder = New("step prerequisites not satisfied")

	// ErrUpstream wraps failures of external data or research calls.
	ErrUpstream = New("upstream call failed")

	// ErrRunAborted marks a failure that moved its run to ERROR. The run row
	// and its ERROR cooldown were written before the error was returned.
	ErrRunAborted = New("run aborted")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsUpstreamError checks if an error is or wraps ErrUpstream
func IsUpstreamError(err error) bool {
	return err != nil && Is(err, ErrUpstream)
}

// IsRunAbortedError checks if err is marked with ErrRunAborted.
func IsRunAbortedError(err error) bool {
	return err != nil && Is(err, ErrRunAborted)
}

// WrapUpstream marks err as an upstream failure while keeping its message.
func WrapUpstream(err error, context string) error {
	if err == nil {
		return nil
	}
	return Wrap(WithSecondaryError(ErrUpstream, err), context+": "+err.Error())
}

// WrapNotFound wraps a not-found condition with context
func WrapNotFound(context string) error {
	return Wrap(ErrNotFound, context)
}
