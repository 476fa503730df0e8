// Package ccperrors declares the error kinds surfaced to callers of the
// public API surface, per the error handling design.
package ccperrors

import "errors"

var (
	ErrEpochInvalid       = errors.New("epoch invalid")
	ErrInsufficientCores  = errors.New("insufficient worker cores")
	ErrCoreConflict       = errors.New("utility and worker core sets overlap")
	ErrDatasetInitFailed  = errors.New("dataset initialization failed")
	ErrPersistenceFailed  = errors.New("persistence failed")
	ErrInternal           = errors.New("internal invariant violation")
)
