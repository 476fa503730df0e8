// Package ccptypes holds the wire-level data model shared by the proving
// engine, the proof store and the API surface: epochs, compute unit
// identifiers, nonces and proofs, exactly as laid out in the capacity
// commitment data model.
package ccptypes

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

const (
	GlobalNonceSize = 32
	DifficultySize  = 32
	CUIDSize        = 32
	LocalNonceSize  = 32
	ResultHashSize  = 32
)

// GlobalNonce seeds the RandomX dataset for one epoch.
type GlobalNonce [GlobalNonceSize]byte

// Difficulty is a big-endian 256-bit target; a result is a valid proof iff
// it is strictly less than the target when both are read big-endian.
type Difficulty [DifficultySize]byte

// CUID is a Compute Unit ID, unique within one active commitment.
type CUID [CUIDSize]byte

// LocalNonce is the per-worker search variable.
type LocalNonce [LocalNonceSize]byte

// ResultHash is the 32-byte RandomX output.
type ResultHash [ResultHashSize]byte

func (g GlobalNonce) String() string  { return hex.EncodeToString(g[:]) }
func (d Difficulty) String() string   { return hex.EncodeToString(d[:]) }
func (c CUID) String() string         { return hex.EncodeToString(c[:]) }
func (n LocalNonce) String() string   { return hex.EncodeToString(n[:]) }
func (r ResultHash) String() string   { return hex.EncodeToString(r[:]) }

// Less reports whether c sorts before other under the canonical
// lexicographic order used for deterministic core assignment.
func (c CUID) Less(other CUID) bool { return bytes.Compare(c[:], other[:]) < 0 }

// ParseHex decodes a hex string (no 0x prefix) into a byte slice, returning
// ErrBadHex if it is not valid hex and ErrBadLength if the decoded length
// does not match n.
func ParseHex(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHex, err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrBadLength, n, len(b))
	}
	return b, nil
}

var (
	ErrBadHex    = errors.New("invalid hex string")
	ErrBadLength = errors.New("invalid field length")
)

func CUIDFromHex(s string) (CUID, error) {
	var c CUID
	b, err := ParseHex(s, CUIDSize)
	if err != nil {
		return c, err
	}
	copy(c[:], b)
	return c, nil
}

func GlobalNonceFromHex(s string) (GlobalNonce, error) {
	var g GlobalNonce
	b, err := ParseHex(s, GlobalNonceSize)
	if err != nil {
		return g, err
	}
	copy(g[:], b)
	return g, nil
}

func DifficultyFromHex(s string) (Difficulty, error) {
	var d Difficulty
	b, err := ParseHex(s, DifficultySize)
	if err != nil {
		return d, err
	}
	copy(d[:], b)
	return d, nil
}

func LocalNonceFromHex(s string) (LocalNonce, error) {
	var n LocalNonce
	b, err := ParseHex(s, LocalNonceSize)
	if err != nil {
		return n, err
	}
	copy(n[:], b)
	return n, nil
}

func ResultHashFromHex(s string) (ResultHash, error) {
	var r ResultHash
	b, err := ParseHex(s, ResultHashSize)
	if err != nil {
		return r, err
	}
	copy(r[:], b)
	return r, nil
}

// EpochParameters is immutable for the lifetime of an epoch.
type EpochParameters struct {
	GlobalNonce GlobalNonce
	Difficulty  Difficulty
}

func (e EpochParameters) Equal(o EpochParameters) bool {
	return e.GlobalNonce == o.GlobalNonce && e.Difficulty == o.Difficulty
}

// LessThanDifficulty reports whether result, read as a big-endian unsigned
// 256-bit integer, is strictly less than target. This is the sole
// difficulty-comparison routine in the module; every proof-validity check
// goes through it so the bit-exact semantics stay in one place.
func LessThanDifficulty(result ResultHash, target Difficulty) bool {
	return bytes.Compare(result[:], target[:]) < 0
}

// IncrementLE increments n in place as a little-endian 256-bit unsigned
// integer, wrapping around to zero on overflow.
func (n *LocalNonce) IncrementLE() {
	for i := range n {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// Proof is the tuple an external verifier checks: it is valid iff
// LessThanDifficulty(ResultHash, Epoch.Difficulty) holds.
type Proof struct {
	Idx         uint64
	Epoch       EpochParameters
	CUID        CUID
	LocalNonce  LocalNonce
	ResultHash  ResultHash
}

// SortCUIDs returns cuids in the canonical lexicographic order used for
// deterministic core assignment. The input is not mutated.
func SortCUIDs(cuids []CUID) []CUID {
	out := make([]CUID, len(cuids))
	copy(out, cuids)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// WorkerState is a proving worker's lifecycle stage.
type WorkerState int

const (
	Idle WorkerState = iota
	Initializing
	Running
	Paused
	Stopping
	Stopped
)

func (s WorkerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
