package prover

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/fluencelabs/capacity-commitment-prover/internal/cpuset"
	"github.com/fluencelabs/capacity-commitment-prover/internal/randomx"
	"github.com/fluencelabs/capacity-commitment-prover/internal/ccptypes"
	"github.com/fluencelabs/capacity-commitment-prover/log"
)

// buildRequest asks the utility thread's owned goroutine to build a dataset
// for globalNonce; the result is delivered on resultCh.
type buildRequest struct {
	globalNonce ccptypes.GlobalNonce
	resultCh    chan buildResult
}

type buildResult struct {
	dataset *randomx.Dataset
	err     error
}

// UtilityThread is the single shared pinned execution context that builds
// RandomX datasets on behalf of workers so workers never block on it
// redundantly (spec §4.D). It only builds datasets: proof-store writes and
// fsyncs run on the proof store's own batcher goroutine, not on this thread.
//
// All dataset builds run on one goroutine that locks its OS thread for its
// entire lifetime (run, below) — this is the "one additional OS thread"
// spec §4.D describes. Callers never build on their own goroutine; they
// submit a buildRequest and wait for the result, so pinning is never raced
// across whichever caller's goroutine happened to win the singleflight.
type UtilityThread struct {
	primitive randomx.Primitive
	log       log.Logger

	mu       sync.Mutex
	coreIDs  []int
	unpinned bool
	group    singleflight.Group

	datasetMu sync.Mutex
	datasets  map[ccptypes.GlobalNonce]*randomx.Dataset

	requests chan buildRequest
	closeCh  chan struct{}
	doneCh   chan struct{}
}

// NewUtilityThread starts the utility thread bound to coreIDs. An empty
// coreIDs slice means "run unpinned", matching spec §6's
// `utility-cores = []` meaning "any non-pinned core".
func NewUtilityThread(primitive randomx.Primitive, coreIDs []int, logger log.Logger) *UtilityThread {
	if logger == nil {
		logger = log.Root()
	}
	u := &UtilityThread{
		primitive: primitive,
		log:       logger,
		coreIDs:   append([]int{}, coreIDs...),
		unpinned:  len(coreIDs) == 0,
		datasets:  make(map[ccptypes.GlobalNonce]*randomx.Dataset),
		requests:  make(chan buildRequest),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go u.run()
	return u
}

// run owns the utility thread's OS thread for its entire lifetime. Dataset
// builds run for minutes of pure CPU work (spec §4.D); locking once here
// means Go's async preemption can never migrate a build mid-flight onto an
// unpinned thread the way it would if each caller pinned its own goroutine.
func (u *UtilityThread) run() {
	defer close(u.doneCh)
	runtime.LockOSThread() // never unlocked: the OS thread dies with this goroutine
	for {
		select {
		case req := <-u.requests:
			u.pinCurrent()
			u.log.Info("building dataset", "global_nonce", req.globalNonce)
			cache := u.primitive.InitCache(req.globalNonce)
			ds := u.primitive.InitDatasetParallel(cache, 1)
			u.datasetMu.Lock()
			u.datasets[req.globalNonce] = ds
			u.datasetMu.Unlock()
			u.log.Info("dataset ready", "global_nonce", req.globalNonce)
			req.resultCh <- buildResult{dataset: ds}
		case <-u.closeCh:
			return
		}
	}
}

// Close stops the utility thread's owned goroutine. In-flight builds are not
// interrupted; Close waits for the current build, if any, to finish before
// returning.
func (u *UtilityThread) Close() {
	close(u.closeCh)
	<-u.doneCh
}

// Reconfigure atomically swaps the utility core pool. In-flight dataset
// builds are allowed to complete on the old binding — the utility thread
// only re-pins itself before starting its next build, so a multi-minute
// build already underway is never restarted for a mere topology tweak
// (spec §4.D).
func (u *UtilityThread) Reconfigure(coreIDs []int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.coreIDs = append([]int{}, coreIDs...)
	u.unpinned = len(coreIDs) == 0
}

// PrepareDataset is idempotent per global nonce: concurrent requests for
// the same nonce deduplicate to a single build via singleflight, and a
// completed build is cached until ReleaseDataset is called for that nonce.
func (u *UtilityThread) PrepareDataset(ctx context.Context, globalNonce ccptypes.GlobalNonce) (*randomx.Dataset, error) {
	u.datasetMu.Lock()
	if ds, ok := u.datasets[globalNonce]; ok {
		u.datasetMu.Unlock()
		return ds, nil
	}
	u.datasetMu.Unlock()

	key := globalNonce.String()
	v, err, _ := u.group.Do(key, func() (interface{}, error) {
		resultCh := make(chan buildResult, 1)
		select {
		case u.requests <- buildRequest{globalNonce: globalNonce, resultCh: resultCh}:
		case <-u.closeCh:
			return nil, fmt.Errorf("prover: utility thread is closed")
		}
		res := <-resultCh
		return res.dataset, res.err
	})
	if err != nil {
		return nil, fmt.Errorf("prover: build dataset: %w", err)
	}
	if ctx.Err() != nil {
		// The caller gave up; the build still completed and is cached for
		// whoever asks next, per spec §5 cancellation semantics.
		return nil, ctx.Err()
	}
	return v.(*randomx.Dataset), nil
}

// ReleaseDataset drops the cached dataset for globalNonce once no epoch
// needs it, so its backing memory can be freed.
func (u *UtilityThread) ReleaseDataset(globalNonce ccptypes.GlobalNonce) {
	u.datasetMu.Lock()
	defer u.datasetMu.Unlock()
	delete(u.datasets, globalNonce)
}

// pinCurrent binds run's already OS-thread-locked goroutine to the current
// utility core pool. Called before each build so a Reconfigure that lands
// between builds takes effect on the next one, without disturbing a build
// already in flight.
func (u *UtilityThread) pinCurrent() {
	u.mu.Lock()
	cores := append([]int{}, u.coreIDs...)
	unpinned := u.unpinned
	u.mu.Unlock()
	if unpinned || len(cores) == 0 {
		return
	}
	if err := cpuset.PinCurrent(cores[0]); err != nil {
		u.log.Warn("utility thread pin failed, continuing unpinned", "err", err)
	}
}

// DefaultFlags picks the RandomX flags the supervisor hands to every worker
// it spawns: JIT always, plus HARD_AES when cpuset.RandomXFlagHints reports
// AES support on this host.
func DefaultFlags() randomx.Flags {
	flags := randomx.Flags(randomx.FlagJIT)
	if cpuset.RandomXFlagHints() {
		flags |= randomx.Flags(randomx.FlagHardAES)
	}
	return flags
}
