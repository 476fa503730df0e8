package prover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluencelabs/capacity-commitment-prover/internal/ccptypes"
	"github.com/fluencelabs/capacity-commitment-prover/internal/cpuset"
	"github.com/fluencelabs/capacity-commitment-prover/internal/randomx"
)

// verifyProof recomputes RandomX(cuid||local_nonce) one-shot against the
// same dataset the worker hashed against, and checks it equals the result
// hash the worker reported. This is the check an external verifier performs
// on every submitted proof; a pipelined First/Next/Last mispairing would
// still produce proofs under the difficulty target but would fail this
// check, unlike a bare non-empty assertion on the proof stream.
func verifyProof(t *testing.T, primitive randomx.Primitive, dataset *randomx.Dataset, flags randomx.Flags, p ccptypes.Proof) {
	t.Helper()
	var input [64]byte
	copy(input[0:32], p.CUID[:])
	copy(input[32:64], p.LocalNonce[:])
	vm := primitive.CreateVM(dataset, flags)
	want := primitive.CalculateHash(vm, input)
	assert.Equal(t, ccptypes.ResultHash(want), p.ResultHash, "result hash does not match RandomX(cuid||local_nonce)")
}

func newTestWorker(t *testing.T, proofSink func(ccptypes.Proof), stateSink func(ccptypes.WorkerState)) (*Worker, chan Failure, randomx.Primitive, *randomx.Dataset, randomx.Flags) {
	t.Helper()
	primitive := randomx.New()
	var key [32]byte
	key[0] = 1
	cache := primitive.InitCache(key)
	dataset := primitive.InitDatasetParallel(cache, 1)
	flags := randomx.Flags(randomx.FlagJIT)

	// A difficulty of all-0xff makes nearly every hash a valid proof, so
	// the worker's steady-state loop exercises the proof-emission path
	// quickly without needing millions of iterations.
	epoch := ccptypes.EpochParameters{
		GlobalNonce: ccptypes.GlobalNonce{1},
		Difficulty:  ccptypes.Difficulty{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}
	var cuid ccptypes.CUID
	cuid[0] = 9

	failures := make(chan Failure, 1)
	w := NewWorker(cuid, 0, epoch, dataset, primitive, flags, cpuset.Default, proofSink, failures, stateSink, nil)
	return w, failures, primitive, dataset, flags
}

func TestWorkerStopTerminatesAndFlushesPending(t *testing.T) {
	proofs := make(chan ccptypes.Proof, 4096)
	states := make(chan ccptypes.WorkerState, 64)
	w, _, primitive, dataset, flags := newTestWorker(t, func(p ccptypes.Proof) { proofs <- p }, func(s ccptypes.WorkerState) { states <- s })

	done := make(chan struct{})
	go func() { w.Run(); close(done) }()

	require.Eventually(t, func() bool {
		select {
		case s := <-states:
			return s == ccptypes.Running
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	w.Control(CmdStop)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop within deadline")
	}

	require.NotEmpty(t, proofs, "difficulty of all-0xff should have produced at least one proof")
	close(proofs)
	for p := range proofs {
		verifyProof(t, primitive, dataset, flags, p)
	}
}

func TestWorkerPauseThenResume(t *testing.T) {
	states := make(chan ccptypes.WorkerState, 64)
	w, _, _, _, _ := newTestWorker(t, func(ccptypes.Proof) {}, func(s ccptypes.WorkerState) { states <- s })

	done := make(chan struct{})
	go func() { w.Run(); close(done) }()

	require.Eventually(t, func() bool {
		select {
		case s := <-states:
			return s == ccptypes.Running
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	w.Control(CmdPause)
	require.Eventually(t, func() bool {
		select {
		case s := <-states:
			return s == ccptypes.Paused
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	w.Control(CmdResume)
	require.Eventually(t, func() bool {
		select {
		case s := <-states:
			return s == ccptypes.Running
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	w.Control(CmdStop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop within deadline")
	}
}

// TestWorkerSpuriousResumeIsNoop drives a CmdResume with no preceding
// CmdPause. handle() treats this as a no-op; the worker must not surface a
// Paused/Running transition or disturb its in-flight pipeline in response.
func TestWorkerSpuriousResumeIsNoop(t *testing.T) {
	proofs := make(chan ccptypes.Proof, 4096)
	states := make(chan ccptypes.WorkerState, 64)
	w, _, primitive, dataset, flags := newTestWorker(t, func(p ccptypes.Proof) { proofs <- p }, func(s ccptypes.WorkerState) { states <- s })

	done := make(chan struct{})
	go func() { w.Run(); close(done) }()

	require.Eventually(t, func() bool {
		select {
		case s := <-states:
			return s == ccptypes.Running
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	w.Control(CmdResume)

	require.Eventually(t, func() bool { return len(proofs) >= 5 }, 2*time.Second, time.Millisecond)

	// No Paused state should ever have been observed.
drain:
	for {
		select {
		case s := <-states:
			assert.NotEqual(t, ccptypes.Paused, s)
		default:
			break drain
		}
	}

	w.Control(CmdStop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop within deadline")
	}

	close(proofs)
	for p := range proofs {
		verifyProof(t, primitive, dataset, flags, p)
	}
}

func TestHashrateIsExposedOnWorker(t *testing.T) {
	w, _, _, _, _ := newTestWorker(t, func(ccptypes.Proof) {}, func(ccptypes.WorkerState) {})
	assert.NotNil(t, w.Hashrate())
}

// TestWorkerPipelinedPairingMatchesOneShot is a regression test for the
// pipelined loop's nonce/result pairing: it drives the worker for many
// samples and checks every emitted proof's result hash against the same
// one-shot RandomX call an external verifier would run.
func TestWorkerPipelinedPairingMatchesOneShot(t *testing.T) {
	proofs := make(chan ccptypes.Proof, 4096)
	states := make(chan ccptypes.WorkerState, 64)
	w, _, primitive, dataset, flags := newTestWorker(t, func(p ccptypes.Proof) { proofs <- p }, func(s ccptypes.WorkerState) { states <- s })

	done := make(chan struct{})
	go func() { w.Run(); close(done) }()

	require.Eventually(t, func() bool {
		select {
		case s := <-states:
			return s == ccptypes.Running
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return len(proofs) >= 10 }, 2*time.Second, time.Millisecond)

	w.Control(CmdStop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop within deadline")
	}

	close(proofs)
	count := 0
	for p := range proofs {
		verifyProof(t, primitive, dataset, flags, p)
		count++
	}
	assert.GreaterOrEqual(t, count, 10)
}
