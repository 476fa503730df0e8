package prover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluencelabs/capacity-commitment-prover/internal/ccperrors"
	"github.com/fluencelabs/capacity-commitment-prover/internal/ccpstate"
	"github.com/fluencelabs/capacity-commitment-prover/internal/cpuset"
	"github.com/fluencelabs/capacity-commitment-prover/internal/metrics"
	"github.com/fluencelabs/capacity-commitment-prover/internal/proofstore"
	"github.com/fluencelabs/capacity-commitment-prover/internal/randomx"
	"github.com/fluencelabs/capacity-commitment-prover/internal/ccptypes"
	"github.com/fluencelabs/capacity-commitment-prover/log"
)

const (
	stopJoinDeadline  = 5 * time.Second
	maxRespawnAttempts = 5
	respawnBackoffCap  = 30 * time.Second
)

type workerHandle struct {
	worker *Worker
	cuid   ccptypes.CUID
	coreID int
	done   chan struct{}
	state  ccptypes.WorkerState
	mu     sync.Mutex
}

func (h *workerHandle) setState(s ccptypes.WorkerState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *workerHandle) getState() ccptypes.WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Supervisor is the central state machine of spec §4.E: it maintains the
// CUID->worker mapping, applies epoch transitions, and coordinates
// simultaneous stop/start.
type Supervisor struct {
	log       log.Logger
	primitive randomx.Primitive
	utility   *UtilityThread
	store     *proofstore.Store
	stateDB   *ccpstate.Store
	metrics   *metrics.Registry

	mu           sync.Mutex // guards everything below
	currentEpoch *ccptypes.EpochParameters
	assignment   map[ccptypes.CUID]*workerHandle
	workerCores  []int
	utilityCores []int
	datasetNonce *ccptypes.GlobalNonce

	failureCh chan Failure
	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewSupervisor builds a Supervisor. workerCores and utilityCores must be
// disjoint per spec §3's Assignment invariant.
func NewSupervisor(primitive randomx.Primitive, store *proofstore.Store, stateDB *ccpstate.Store, workerCores, utilityCores []int, logger log.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = log.Root()
	}
	if coresOverlap(workerCores, utilityCores) {
		return nil, ccperrors.ErrCoreConflict
	}
	s := &Supervisor{
		log:          logger,
		primitive:    primitive,
		utility:      NewUtilityThread(primitive, utilityCores, logger.With("component", "utility")),
		store:        store,
		stateDB:      stateDB,
		metrics:      metrics.NewRegistry(),
		assignment:   make(map[ccptypes.CUID]*workerHandle),
		workerCores:  append([]int{}, workerCores...),
		utilityCores: append([]int{}, utilityCores...),
		failureCh:    make(chan Failure, 64),
		closeCh:      make(chan struct{}),
	}
	store.SetQueueDepthHook(func(n int) { s.metrics.ProofQueueDepth.Set(float64(n)) })
	go s.failureLoop()
	return s, nil
}

func coresOverlap(a, b []int) bool {
	set := make(map[int]bool, len(a))
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		if set[c] {
			return true
		}
	}
	return false
}

// Resume re-establishes a commitment read from persisted state at startup,
// before the RPC surface starts serving (spec §4.G).
func (s *Supervisor) Resume(ctx context.Context, doc ccpstate.Document) error {
	if len(doc.UtilityCores) > 0 || doc.WorkerCores != nil {
		s.mu.Lock()
		if len(doc.WorkerCores) > 0 {
			s.workerCores = doc.WorkerCores
		}
		if len(doc.UtilityCores) > 0 {
			s.utilityCores = doc.UtilityCores
			s.utility.Reconfigure(doc.UtilityCores)
		}
		s.mu.Unlock()
	}
	if doc.Empty() {
		return nil
	}
	epoch, cuids, err := doc.ToDomain()
	if err != nil {
		return fmt.Errorf("prover: resume: %w", err)
	}
	return s.OnActiveCommitment(ctx, epoch, cuids)
}

// OnActiveCommitment implements spec §4.E.
func (s *Supervisor) OnActiveCommitment(ctx context.Context, epoch ccptypes.EpochParameters, cuids []ccptypes.CUID) error {
	if len(cuids) == 0 {
		return s.OnNoActiveCommitment(ctx)
	}
	if err := validateEpoch(epoch, cuids); err != nil {
		return err
	}

	s.mu.Lock()

	sameEpoch := s.currentEpoch != nil && s.currentEpoch.Equal(epoch)
	old := s.currentCUIDsLocked()
	newSet := ccptypes.SortCUIDs(cuids)

	if sameEpoch && sameCUIDSet(old, newSet) {
		s.mu.Unlock()
		return nil // no-op
	}

	var toStop, toKeep, toStart []ccptypes.CUID
	if sameEpoch {
		toStop, toKeep, toStart = diff(old, newSet)
	} else {
		toStop = old
		toStart = newSet
	}

	if len(toStart) > len(s.workerCores) {
		s.mu.Unlock()
		return ccperrors.ErrInsufficientCores
	}

	// Simultaneous stop: issue Stop to every worker being removed (and, on
	// an epoch change, every worker at all), then join all before doing
	// anything else. No worker may observe a partial transition (spec §9).
	var stopping []*workerHandle
	for _, c := range toStop {
		stopping = append(stopping, s.assignment[c])
	}
	s.mu.Unlock()

	if err := s.stopAllAndJoin(stopping); err != nil {
		return err
	}

	s.mu.Lock()
	for _, c := range toStop {
		delete(s.assignment, c)
	}
	s.metrics.ActiveWorkers.Set(float64(len(s.assignment)))

	previousNonce := s.datasetNonce
	releaseOld := !sameEpoch && previousNonce != nil
	s.mu.Unlock()

	buildStart := time.Now()
	dataset, err := s.utility.PrepareDataset(ctx, epoch.GlobalNonce)
	s.metrics.DatasetBuildSecs.Observe(time.Since(buildStart).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %v", ccperrors.ErrDatasetInitFailed, err)
	}

	s.mu.Lock()
	if releaseOld {
		s.utility.ReleaseDataset(*previousNonce)
	}
	nonce := epoch.GlobalNonce
	s.datasetNonce = &nonce

	freeCores := s.freeCoresLocked(toKeep)
	if len(toStart) > len(freeCores) {
		s.mu.Unlock()
		return ccperrors.ErrInsufficientCores
	}
	flags := DefaultFlags()
	for i, cuid := range toStart {
		coreID := freeCores[i]
		s.spawnLocked(cuid, coreID, epoch, dataset, flags)
	}
	s.currentEpoch = &epoch
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.log.Error("persist failed after commitment accepted", "err", err)
		return fmt.Errorf("%w: %v", ccperrors.ErrPersistenceFailed, err)
	}
	s.log.Info("active commitment applied", "global_nonce", epoch.GlobalNonce, "cuids", len(cuids))
	return nil
}

// OnNoActiveCommitment implements spec §4.E.
func (s *Supervisor) OnNoActiveCommitment(ctx context.Context) error {
	s.mu.Lock()
	if s.currentEpoch == nil && len(s.assignment) == 0 {
		s.mu.Unlock()
		return nil
	}
	var all []*workerHandle
	for _, h := range s.assignment {
		all = append(all, h)
	}
	s.mu.Unlock()

	if err := s.stopAllAndJoin(all); err != nil {
		return err
	}

	s.mu.Lock()
	s.assignment = make(map[ccptypes.CUID]*workerHandle)
	s.metrics.ActiveWorkers.Set(0)
	if s.datasetNonce != nil {
		s.utility.ReleaseDataset(*s.datasetNonce)
		s.datasetNonce = nil
	}
	s.currentEpoch = nil
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return fmt.Errorf("%w: %v", ccperrors.ErrPersistenceFailed, err)
	}
	s.log.Info("no active commitment; idle")
	return nil
}

// ReallocUtilityCores implements spec §4.E.
func (s *Supervisor) ReallocUtilityCores(newUtilityCores []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coresOverlap(s.workerCores, newUtilityCores) {
		return ccperrors.ErrCoreConflict
	}
	if len(s.assignment) > len(s.workerCores) {
		return ccperrors.ErrCoreConflict
	}
	s.utilityCores = append([]int{}, newUtilityCores...)
	s.utility.Reconfigure(newUtilityCores)
	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("%w: %v", ccperrors.ErrPersistenceFailed, err)
	}
	return nil
}

// HashrateReport is one entry of GetHashrate's per-CUID breakdown.
type HashrateReport struct {
	CUID           ccptypes.CUID
	State          ccptypes.WorkerState
	HashesPerSecond float64
}

// GetHashrate implements spec §4.E/§4.H: a best-effort snapshot.
func (s *Supervisor) GetHashrate(window time.Duration) (per []HashrateReport, total float64) {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.assignment))
	for _, h := range s.assignment {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		state := h.getState()
		var rate float64
		if state == ccptypes.Running {
			rate = h.worker.Hashrate().HashesPerSecond(window)
		}
		per = append(per, HashrateReport{CUID: h.cuid, State: state, HashesPerSecond: rate})
		total += rate
	}
	return per, total
}

// GetProofsAfter delegates to the Proof Store (spec §4.E).
func (s *Supervisor) GetProofsAfter(after uint64, limit int) []ccptypes.Proof {
	return s.store.GetProofsAfter(after, limit)
}

// Close stops all workers, flushes the proof store, and persists the current
// commitment so the next start resumes it — the graceful shutdown path
// (spec §4.E).
func (s *Supervisor) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		all := make([]*workerHandle, 0, len(s.assignment))
		for _, h := range s.assignment {
			all = append(all, h)
		}
		s.mu.Unlock()
		if err := s.stopAllAndJoin(all); err != nil {
			closeErr = err
		} else if err := s.persist(); err != nil {
			closeErr = fmt.Errorf("%w: %v", ccperrors.ErrPersistenceFailed, err)
		}
		close(s.closeCh)
		s.utility.Close()
		if err := s.store.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}

// --- internal helpers ---

func validateEpoch(epoch ccptypes.EpochParameters, cuids []ccptypes.CUID) error {
	zeroNonce := ccptypes.GlobalNonce{}
	if epoch.GlobalNonce == zeroNonce && epoch.Difficulty == (ccptypes.Difficulty{}) {
		return fmt.Errorf("%w: empty epoch parameters", ccperrors.ErrEpochInvalid)
	}
	seen := make(map[ccptypes.CUID]bool, len(cuids))
	for _, c := range cuids {
		if seen[c] {
			return fmt.Errorf("%w: duplicate cuid %s", ccperrors.ErrEpochInvalid, c)
		}
		seen[c] = true
	}
	return nil
}

func (s *Supervisor) currentCUIDsLocked() []ccptypes.CUID {
	out := make([]ccptypes.CUID, 0, len(s.assignment))
	for c := range s.assignment {
		out = append(out, c)
	}
	return ccptypes.SortCUIDs(out)
}

func sameCUIDSet(a, b []ccptypes.CUID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diff computes, given the previous (sorted) set and the new (sorted) set
// under an unchanged epoch, which CUIDs stop, which are kept, and which
// start.
func diff(old, new []ccptypes.CUID) (toStop, toKeep, toStart []ccptypes.CUID) {
	oldSet := make(map[ccptypes.CUID]bool, len(old))
	for _, c := range old {
		oldSet[c] = true
	}
	newSet := make(map[ccptypes.CUID]bool, len(new))
	for _, c := range new {
		newSet[c] = true
	}
	for _, c := range old {
		if newSet[c] {
			toKeep = append(toKeep, c)
		} else {
			toStop = append(toStop, c)
		}
	}
	for _, c := range new {
		if !oldSet[c] {
			toStart = append(toStart, c)
		}
	}
	return toStop, toKeep, toStart
}

// freeCoresLocked returns the configured worker cores not currently used by
// a kept worker, in configured order, for deterministic assignment of
// toStart CUIDs (spec §3, §4.E).
func (s *Supervisor) freeCoresLocked(toKeep []ccptypes.CUID) []int {
	used := make(map[int]bool, len(toKeep))
	for _, c := range toKeep {
		if h, ok := s.assignment[c]; ok {
			used[h.coreID] = true
		}
	}
	var free []int
	for _, core := range s.workerCores {
		if !used[core] {
			free = append(free, core)
		}
	}
	return free
}

func (s *Supervisor) spawnLocked(cuid ccptypes.CUID, coreID int, epoch ccptypes.EpochParameters, dataset *randomx.Dataset, flags randomx.Flags) {
	handle := &workerHandle{cuid: cuid, coreID: coreID, done: make(chan struct{})}
	policy := cpuset.Default
	cuidLabel := cuid.String()
	proofSink := func(p ccptypes.Proof) {
		s.metrics.ProofsTotal.WithLabelValues(cuidLabel).Inc()
		s.store.Submit(p)
	}
	w := NewWorker(cuid, coreID, epoch, dataset, s.primitive, flags, policy, proofSink, s.failureCh, handle.setState, s.log.With("component", "worker"))
	w.SetSampleHook(func(hashes uint64) {
		s.metrics.HashesTotal.WithLabelValues(cuidLabel).Add(float64(hashes))
	})
	handle.worker = w
	s.assignment[cuid] = handle
	s.metrics.ActiveWorkers.Set(float64(len(s.assignment)))
	go func() {
		defer close(handle.done)
		w.Run()
	}()
}

// stopAllAndJoin issues Stop to every handle and waits for all of them,
// with a hard deadline — exceeding it is treated as a fatal service error
// because continued hashing against a stale dataset would corrupt proofs
// (spec §5 cancellation & timeouts).
func (s *Supervisor) stopAllAndJoin(handles []*workerHandle) error {
	if len(handles) == 0 {
		return nil
	}
	for _, h := range handles {
		h.worker.Control(CmdStop)
	}
	deadline := time.After(stopJoinDeadline)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			s.log.Error("worker failed to join within deadline; stale dataset risk", "cuid", h.cuid)
			return fmt.Errorf("%w: worker %s did not stop within %s", ccperrors.ErrInternal, h.cuid, stopJoinDeadline)
		}
	}
	return nil
}

func (s *Supervisor) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Supervisor) persistLocked() error {
	cuids := s.currentCUIDsLocked()
	doc := ccpstate.FromDomain(s.currentEpoch, cuids, s.workerCores, s.utilityCores)
	return s.stateDB.Save(doc)
}

// failureLoop handles WorkerFailed reports: respawn with exponential
// backoff capped at 30s, up to 5 attempts per epoch; exhaustion demotes the
// worker to Stopped without crashing the service (spec §4.C).
func (s *Supervisor) failureLoop() {
	type attemptKey struct {
		epoch ccptypes.EpochParameters
		cuid  ccptypes.CUID
	}
	attempts := make(map[attemptKey]int)
	for {
		select {
		case f := <-s.failureCh:
			s.log.Warn("worker failed, considering respawn", "cuid", f.CUID, "reason", f.Reason)
			key := attemptKey{cuid: f.CUID}
			s.mu.Lock()
			if s.currentEpoch != nil {
				key.epoch = *s.currentEpoch
			}
			s.mu.Unlock()
			attempts[key]++
			if attempts[key] > maxRespawnAttempts {
				s.log.Error("worker exhausted respawn attempts; leaving stopped", "cuid", f.CUID)
				continue
			}
			backoff := time.Duration(1<<uint(attempts[key]-1)) * time.Second
			if backoff > respawnBackoffCap {
				backoff = respawnBackoffCap
			}
			go s.respawnAfter(f.CUID, backoff)
		case <-s.closeCh:
			return
		}
	}
}

func (s *Supervisor) respawnAfter(cuid ccptypes.CUID, backoff time.Duration) {
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.closeCh:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.assignment[cuid]
	if !ok || s.currentEpoch == nil || s.datasetNonce == nil {
		return // commitment moved on; nothing to respawn into
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	dataset, err := s.utility.PrepareDataset(ctx, *s.datasetNonce)
	if err != nil {
		s.log.Error("respawn: dataset unavailable", "cuid", cuid, "err", err)
		return
	}
	s.log.Info("respawning worker", "cuid", cuid, "core", h.coreID)
	s.spawnLocked(cuid, h.coreID, *s.currentEpoch, dataset, DefaultFlags())
}
