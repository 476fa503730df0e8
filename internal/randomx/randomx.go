// Package randomx is the capability wrapper over the RandomX hashing
// primitive (spec §4.A, §6). It presents the exact interface an external
// CGO binding of the real RandomX library would need to satisfy:
// InitCache/InitDatasetParallel/CreateVM/CalculateHash plus the pipelined
// First/Next/Last variant RandomX needs to amortize program compilation
// across adjacent inputs. The only implementation shipped here is a
// software stand-in so the rest of the module is fully testable without a
// CGO dependency; swapping in a real binding means implementing Primitive
// and nothing else changes.
package randomx

import (
	"crypto/sha512"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Flag toggles a RandomX performance knob. Implementations degrade to
// software silently when a flag is unsupported on the host platform —
// construction never fails because a flag could not be honored.
type Flag int

const (
	FlagLargePages Flag = 1 << iota
	FlagHardAES
	FlagFullMem
	FlagJIT
)

type Flags int

func (f Flags) Has(flag Flag) bool { return f&Flags(flag) != 0 }

// Cache is the RandomX light-mode cache, the seed for dataset construction.
type Cache struct {
	key [32]byte
}

// Dataset is the large RandomX precomputation bound to one global nonce.
// It is read-only and safe to share across many VMs once built.
type Dataset struct {
	globalNonce [32]byte
	seed        [64]byte
}

// VM is a RandomX evaluator bound to one Dataset. VMs are not safe for
// concurrent use; exactly one goroutine (one proving worker) drives a VM.
type VM struct {
	flags   Flags
	ds      *Dataset
	pending *[64]byte // input queued by hash_first/hash_next, awaiting its result
}

// Primitive is the facade surface the rest of the module depends on.
type Primitive interface {
	InitCache(key [32]byte) *Cache
	InitDatasetParallel(cache *Cache, threads int) *Dataset
	CreateVM(ds *Dataset, flags Flags) *VM
	CalculateHash(vm *VM, input [64]byte) [32]byte
	CalculateHashFirst(vm *VM, input [64]byte)
	CalculateHashNext(vm *VM, input [64]byte) [32]byte
	CalculateHashLast(vm *VM) [32]byte
}

// Soft is the software RandomX stand-in. The hash function itself is not
// RandomX (which this module treats as an opaque external primitive per
// spec.md §1); it only needs to honor the same input/output shape and the
// same pipelining contract so proving workers and the proof store can be
// built and tested against a stable interface.
type Soft struct {
	mu sync.Mutex // not taken by any method; VM use is never locked
}

func New() *Soft { return &Soft{} }

func (s *Soft) InitCache(key [32]byte) *Cache {
	return &Cache{key: key}
}

// InitDatasetParallel is CPU-heavy on real RandomX (minutes); the software
// stand-in derives a cheap 64-byte seed from the cache key so Dataset
// construction is still a distinct, observable step callers must await.
func (s *Soft) InitDatasetParallel(cache *Cache, threads int) *Dataset {
	if threads < 1 {
		threads = 1
	}
	sum := sha512.Sum512(cache.key[:])
	ds := &Dataset{seed: sum}
	copy(ds.globalNonce[:], cache.key[:])
	return ds
}

func (s *Soft) CreateVM(ds *Dataset, flags Flags) *VM {
	return &VM{flags: flags, ds: ds}
}

// CalculateHash is the non-pipelined one-shot form: hash input against the
// VM's dataset and return the result immediately.
func (s *Soft) CalculateHash(vm *VM, input [64]byte) [32]byte {
	return mix(vm.ds, input)
}

// CalculateHashFirst queues input and starts pipeline warm-up; it has no
// result to return, mirroring RandomX's program-compilation amortization.
func (s *Soft) CalculateHashFirst(vm *VM, input [64]byte) {
	in := input
	vm.pending = &in
}

// CalculateHashNext queues the next input and returns the result for the
// previously queued one (§4.A, §4.C step 2: "receive the previous
// iteration's result").
func (s *Soft) CalculateHashNext(vm *VM, input [64]byte) [32]byte {
	var prev [32]byte
	if vm.pending != nil {
		prev = mix(vm.ds, *vm.pending)
	}
	in := input
	vm.pending = &in
	return prev
}

// CalculateHashLast flushes the final pending result when a worker
// suspends, per §4.A's "workers must flush (hash_last) when suspending".
func (s *Soft) CalculateHashLast(vm *VM) [32]byte {
	var last [32]byte
	if vm.pending != nil {
		last = mix(vm.ds, *vm.pending)
		vm.pending = nil
	}
	return last
}

func mix(ds *Dataset, input [64]byte) [32]byte {
	h, err := blake2b.New256(ds.seed[:32])
	if err != nil {
		// blake2b.New256 only fails for an oversized key, which never
		// happens here (fixed 32-byte key) — a failure is a build defect.
		panic(fmt.Sprintf("randomx: soft primitive misconfigured: %v", err))
	}
	h.Write(input[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
