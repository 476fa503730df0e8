// Package prover implements the proving worker, the utility thread, and the
// Supervisor that orchestrates both across epoch transitions (spec §4.C,
// §4.D, §4.E).
package prover

import (
	crand "crypto/rand"
	"fmt"
	"runtime"

	"github.com/google/uuid"

	"github.com/fluencelabs/capacity-commitment-prover/internal/cpuset"
	"github.com/fluencelabs/capacity-commitment-prover/internal/randomx"
	"github.com/fluencelabs/capacity-commitment-prover/internal/ccptypes"
	"github.com/fluencelabs/capacity-commitment-prover/log"
)

// sampleInterval is K from spec §4.C step 5: every K iterations the worker
// samples hashrate and polls its control channel.
const sampleInterval = 2000

// Command is a control-channel message sent from the Supervisor to a
// running Worker.
type Command int

const (
	CmdPause Command = iota
	CmdResume
	CmdStop
)

// Failure is reported to the Supervisor when a worker dies unexpectedly
// (spec §4.C "Failure semantics").
type Failure struct {
	CUID   ccptypes.CUID
	Reason error
}

// Worker is one pinned, dedicated-thread RandomX hashing loop for a single
// CUID.
type Worker struct {
	id         uuid.UUID
	cuid       ccptypes.CUID
	coreID     int
	epoch      ccptypes.EpochParameters
	dataset    *randomx.Dataset
	primitive  randomx.Primitive
	flags      randomx.Flags
	cachePolicy cpuset.CachePolicy

	proofSink     func(ccptypes.Proof)
	hashrate      *HashrateRing
	failureSink   chan<- Failure
	stateSink     func(ccptypes.WorkerState)
	sampleHook    func(hashes uint64)

	control chan Command
	log     log.Logger
}

// NewWorker builds a worker ready to Run. The caller is responsible for
// spawning Run in its own goroutine (the Supervisor does this so it can
// keep a handle to join on Stop).
func NewWorker(
	cuid ccptypes.CUID,
	coreID int,
	epoch ccptypes.EpochParameters,
	dataset *randomx.Dataset,
	primitive randomx.Primitive,
	flags randomx.Flags,
	cachePolicy cpuset.CachePolicy,
	proofSink func(ccptypes.Proof),
	failureSink chan<- Failure,
	stateSink func(ccptypes.WorkerState),
	logger log.Logger,
) *Worker {
	if logger == nil {
		logger = log.Root()
	}
	id := uuid.New()
	return &Worker{
		id:          id,
		cuid:        cuid,
		coreID:      coreID,
		epoch:       epoch,
		dataset:     dataset,
		primitive:   primitive,
		flags:       flags,
		cachePolicy: cachePolicy,
		proofSink:   proofSink,
		hashrate:    NewHashrateRing(),
		failureSink: failureSink,
		stateSink:   stateSink,
		control:     make(chan Command, 4),
		log:         logger.With("cuid", cuid, "core", coreID, "incarnation", id),
	}
}

func (w *Worker) Hashrate() *HashrateRing { return w.hashrate }

// SetSampleHook installs a callback invoked every time the worker samples
// its own hashrate, in addition to recording into its HashrateRing. The
// Supervisor uses this to feed the internal metrics registry.
func (w *Worker) SetSampleHook(hook func(hashes uint64)) { w.sampleHook = hook }

// Control sends a command to the worker. Sends never block the caller for
// long: the channel is small and buffered, and Stop/Pause are serviced
// within sampleInterval hashes.
func (w *Worker) Control(cmd Command) {
	w.control <- cmd
}

// Run is the worker's entire lifecycle: pin, build a VM, hash until
// stopped. It must be called as the body of its own goroutine and never
// returns until the worker is Stopped or it fails fatally.
func (w *Worker) Run() {
	runtime.LockOSThread() // never unlocked: the OS thread dies with this goroutine (spec §4.B)

	w.setState(ccptypes.Initializing)
	if err := cpuset.PinCurrent(w.coreID); err != nil {
		w.fail(fmt.Errorf("pin to core %d: %w", w.coreID, err))
		return
	}
	cpuset.ApplyCachePolicy(w.cachePolicy)

	vm, err := w.buildVM()
	if err != nil {
		w.fail(err)
		return
	}

	w.setState(ccptypes.Running)
	w.log.Info("worker running")
	w.loop(vm)
}

func (w *Worker) buildVM() (*randomx.VM, error) {
	if w.dataset == nil {
		return nil, fmt.Errorf("worker %s: dataset handle is nil", w.cuid)
	}
	return w.primitive.CreateVM(w.dataset, w.flags), nil
}

func randomLocalNonce() (ccptypes.LocalNonce, error) {
	var n ccptypes.LocalNonce
	if _, err := crand.Read(n[:]); err != nil {
		return n, fmt.Errorf("generate local nonce: %w", err)
	}
	return n, nil
}

// loop runs the pipelined search-and-check cycle described in spec §4.C,
// handling Pause/Resume/Stop as they arrive on the control channel.
func (w *Worker) loop(vm *randomx.VM) {
	localNonce, err := randomLocalNonce()
	if err != nil {
		w.fail(err)
		return
	}

	var pendingNonce ccptypes.LocalNonce
	havePending := false
	var hashesSinceSample uint64

	input := func(n ccptypes.LocalNonce) [64]byte {
		var buf [64]byte
		copy(buf[0:32], w.cuid[:])
		copy(buf[32:64], n[:])
		return buf
	}

	checkAndEmit := func(nonce ccptypes.LocalNonce, result ccptypes.ResultHash) {
		if ccptypes.LessThanDifficulty(result, w.epoch.Difficulty) {
			w.proofSink(ccptypes.Proof{
				Epoch:      w.epoch,
				CUID:       w.cuid,
				LocalNonce: nonce,
				ResultHash: result,
			})
		}
	}

	w.primitive.CalculateHashFirst(vm, input(localNonce))

	// Steady-state pipelined loop: feed input i, receive result for i-1.
	for {
		nextNonce := localNonce
		nextNonce.IncrementLE()

		result := w.primitive.CalculateHashNext(vm, input(nextNonce))
		if havePending {
			checkAndEmit(pendingNonce, result)
		}
		pendingNonce, havePending = nextNonce, true
		localNonce = nextNonce

		hashesSinceSample++
		if hashesSinceSample >= sampleInterval {
			w.hashrate.Record(hashesSinceSample)
			if w.sampleHook != nil {
				w.sampleHook(hashesSinceSample)
			}
			hashesSinceSample = 0

			select {
			case cmd := <-w.control:
				stop := w.handle(cmd, vm, &havePending, pendingNonce, checkAndEmit)
				if stop {
					return
				}
				// Only a processed Pause->Resume cycle needs a fresh VM and
				// nonce: handle() folds that whole cycle into one CmdPause
				// call (it blocks internally until Resume or Stop arrives),
				// so a standalone CmdResume here is the no-preceding-pause
				// no-op handle() already documents and must not disturb the
				// in-flight pipeline.
				if cmd == CmdPause {
					var err error
					vm, err = w.buildVM()
					if err != nil {
						w.fail(err)
						return
					}
					localNonce, err = randomLocalNonce()
					if err != nil {
						w.fail(err)
						return
					}
					havePending = false
				}
			default:
			}
		}
	}
}

// handle processes one control command. It returns true iff the worker
// should fully exit (Stop was processed). Pause blocks internally until a
// Resume command arrives.
func (w *Worker) handle(
	cmd Command,
	vm *randomx.VM,
	havePending *bool,
	pendingNonce ccptypes.LocalNonce,
	checkAndEmit func(ccptypes.LocalNonce, ccptypes.ResultHash),
) bool {
	switch cmd {
	case CmdStop:
		if *havePending {
			last := w.primitive.CalculateHashLast(vm)
			checkAndEmit(pendingNonce, last)
		}
		w.setState(ccptypes.Stopping)
		w.log.Info("worker stopped")
		w.setState(ccptypes.Stopped)
		return true

	case CmdPause:
		if *havePending {
			last := w.primitive.CalculateHashLast(vm)
			checkAndEmit(pendingNonce, last)
			*havePending = false
		}
		w.setState(ccptypes.Paused)
		w.log.Debug("worker paused")
		for {
			next := <-w.control
			if next == CmdResume {
				w.setState(ccptypes.Running)
				w.log.Debug("worker resumed")
				return false
			}
			if next == CmdStop {
				w.setState(ccptypes.Stopping)
				w.setState(ccptypes.Stopped)
				return true
			}
			// Duplicate Pause while already paused: ignore and keep waiting.
		}

	case CmdResume:
		// Resume with no preceding Pause is a no-op signal; treated as
		// already-running.
		return false
	}
	return false
}

func (w *Worker) fail(reason error) {
	w.log.Error("worker failed", "err", reason)
	w.setState(ccptypes.Stopped)
	if w.failureSink != nil {
		w.failureSink <- Failure{CUID: w.cuid, Reason: reason}
	}
}

func (w *Worker) setState(s ccptypes.WorkerState) {
	if w.stateSink != nil {
		w.stateSink(s)
	}
}
