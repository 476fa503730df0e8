package prover

import (
	"sync/atomic"
	"time"
)

// ringSize bounds the hashrate window per worker (spec §3 HashrateWindow:
// "bounded; read by get_hashrate").
const ringSize = 32

type sample struct {
	at    time.Time
	count uint64
}

// HashrateRing is a single-writer/single-reader ring of (timestamp,
// hashes_done) samples. The worker goroutine is the sole writer; the
// Supervisor's aggregator is the sole reader. Each slot is published with
// atomic.Value, so the reader never observes a torn sample and never blocks
// the writer — aggregation reads a stale snapshot by design (spec §9).
type HashrateRing struct {
	slots [ringSize]atomic.Value // holds sample
	next  uint64                 // monotonically increasing write cursor
	total uint64                 // total hashes ever recorded, for cheap lifetime stats
}

func NewHashrateRing() *HashrateRing {
	return &HashrateRing{}
}

// Record publishes a new sample: count hashes were computed as of now.
func (r *HashrateRing) Record(count uint64) {
	idx := atomic.AddUint64(&r.next, 1) - 1
	atomic.AddUint64(&r.total, count)
	r.slots[idx%ringSize].Store(sample{at: time.Now(), count: count})
}

// RecordAt is Record with an explicit timestamp, used by tests.
func (r *HashrateRing) RecordAt(count uint64, at time.Time) {
	idx := atomic.AddUint64(&r.next, 1) - 1
	atomic.AddUint64(&r.total, count)
	r.slots[idx%ringSize].Store(sample{at: at, count: count})
}

// HashesPerSecond returns the average rate over whatever samples fall
// within window, as observed right now. Returns 0 if there is not enough
// history yet (e.g. a worker still Initializing).
func (r *HashrateRing) HashesPerSecond(window time.Duration) float64 {
	now := time.Now()
	var hashes uint64
	var oldest, newest time.Time
	found := false
	for i := 0; i < ringSize; i++ {
		v := r.slots[i].Load()
		if v == nil {
			continue
		}
		s := v.(sample)
		if now.Sub(s.at) > window {
			continue
		}
		hashes += s.count
		if !found || s.at.Before(oldest) {
			oldest = s.at
		}
		if !found || s.at.After(newest) {
			newest = s.at
		}
		found = true
	}
	if !found {
		return 0
	}
	elapsed := newest.Sub(oldest).Seconds()
	if elapsed <= 0 {
		// A single sample in the window: approximate using the window
		// itself so one fresh sample doesn't read as an infinite rate.
		elapsed = window.Seconds()
	}
	return float64(hashes) / elapsed
}

// Total returns the lifetime hash count recorded by this worker.
func (r *HashrateRing) Total() uint64 {
	return atomic.LoadUint64(&r.total)
}
