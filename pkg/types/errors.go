package types

import "errors"

// Errors returned synchronously from the caller-facing operations. Faults
// discovered after a work request was accepted are reported as completions
// with a non-success status instead.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrOutOfBounds       = errors.New("out of bounds")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrProtocol          = errors.New("protocol error")
	ErrNotReady          = errors.New("not ready")

	ErrNotMapped = errors.New("page not mapped")
)
