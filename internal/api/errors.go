package api

import (
	"errors"

	"github.com/fluencelabs/capacity-commitment-prover/internal/ccperrors"
)

// RPCError is translated at the transport boundary into a JSON-RPC error
// object (spec §7 "Propagation policy").
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return e.Message }

// Stable JSON-RPC error codes for the §7 error kinds. -32000 downward is
// the implementation-defined range reserved by the JSON-RPC 2.0 spec.
const (
	CodeEpochInvalid      = -32001
	CodeInsufficientCores = -32002
	CodeCoreConflict      = -32003
	CodeDatasetInitFailed = -32004
	CodePersistenceFailed = -32005
	CodeInternal          = -32006
)

// ToRPCError maps a Surface-returned error to its stable JSON-RPC code.
// Unrecognized errors become CodeInternal so no error kind ever leaks an
// ad hoc -32099-style code to callers.
func ToRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ccperrors.ErrEpochInvalid):
		return &RPCError{Code: CodeEpochInvalid, Message: err.Error()}
	case errors.Is(err, ccperrors.ErrInsufficientCores):
		return &RPCError{Code: CodeInsufficientCores, Message: err.Error()}
	case errors.Is(err, ccperrors.ErrCoreConflict):
		return &RPCError{Code: CodeCoreConflict, Message: err.Error()}
	case errors.Is(err, ccperrors.ErrDatasetInitFailed):
		return &RPCError{Code: CodeDatasetInitFailed, Message: err.Error()}
	case errors.Is(err, ccperrors.ErrPersistenceFailed):
		return &RPCError{Code: CodePersistenceFailed, Message: err.Error()}
	default:
		return &RPCError{Code: CodeInternal, Message: err.Error()}
	}
}
