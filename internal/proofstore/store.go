// Package proofstore implements the append-only, crash-safe, monotonically
// indexed on-disk proof log (spec §4.F). Proofs arrive from proving workers
// on a buffered queue of 4096 entries; a single batcher goroutine groups
// them, writes them with write+fsync, and maintains an in-memory index so
// reads never touch disk on the hot path.
package proofstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/fluencelabs/capacity-commitment-prover/internal/ccptypes"
	"github.com/fluencelabs/capacity-commitment-prover/log"
)

const (
	magic   uint32 = 0x43435046 // "CCPF"
	version uint32 = 1

	headerSize = 16 // magic(4) + version(4) + reserved(8)
	recordSize = 8 + ccptypes.GlobalNonceSize + ccptypes.DifficultySize + ccptypes.CUIDSize + ccptypes.LocalNonceSize + ccptypes.ResultHashSize

	// DefaultFlushInterval and DefaultBatchSize are the spec's defaults:
	// fsync at most once per second, or once 64 records are queued,
	// whichever comes first.
	DefaultFlushInterval = time.Second
	DefaultBatchSize     = 64

	// ServerMaxLimit is the hard cap on get_proofs_after's limit argument.
	ServerMaxLimit = 10000
)

// Store is the durable proof log.
type Store struct {
	log log.Logger

	mu       sync.RWMutex // guards file, offsets, cache, nextIdx
	file     *os.File
	flock    *flock.Flock
	offsets  []int64 // offsets[i] is the file offset of record with idx i
	cache    []ccptypes.Proof
	nextIdx  uint64

	flushInterval time.Duration
	batchSize     int

	incoming  chan ccptypes.Proof
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once

	queueDepthHook func(int)
}

// SetQueueDepthHook installs a callback invoked with the number of proofs
// currently buffered in the batcher, each time that count changes. The
// Supervisor uses this to feed the internal metrics registry's
// ProofQueueDepth gauge.
func (s *Store) SetQueueDepthHook(hook func(int)) { s.queueDepthHook = hook }

// Option customizes a Store at Open time. Tests use this to shrink the
// batching window instead of tuning the live defaults operators rely on.
type Option func(*Store)

// WithBatching overrides the default flush interval and batch size.
func WithBatching(interval time.Duration, size int) Option {
	return func(s *Store) {
		s.flushInterval = interval
		s.batchSize = size
	}
}

// Open opens (creating if absent) the proof log at path, replays it to
// recover next_idx and the in-memory index, and starts the background
// batcher.
func Open(path string, logger log.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = log.Root()
	}
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("proofstore: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("proofstore: %s is already locked by another process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("proofstore: open %s: %w", path, err)
	}

	s := &Store{
		log:           logger,
		file:          f,
		flock:         fl,
		flushInterval: DefaultFlushInterval,
		batchSize:     DefaultBatchSize,
		incoming:      make(chan ccptypes.Proof, 4096),
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.recover(); err != nil {
		f.Close()
		fl.Unlock()
		return nil, err
	}
	go s.batchLoop()
	return s, nil
}

// recover replays the file: write a fresh header if the file is empty,
// otherwise validate the existing one, then scan records sequentially,
// truncating any trailing partial record left by a crash mid-write.
func (s *Store) recover() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("proofstore: stat: %w", err)
	}
	if info.Size() == 0 {
		hdr := make([]byte, headerSize)
		binary.LittleEndian.PutUint32(hdr[0:4], magic)
		binary.LittleEndian.PutUint32(hdr[4:8], version)
		if _, err := s.file.WriteAt(hdr, 0); err != nil {
			return fmt.Errorf("proofstore: write header: %w", err)
		}
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("proofstore: fsync header: %w", err)
		}
		return nil
	}

	hdr := make([]byte, headerSize)
	if _, err := s.file.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("proofstore: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != magic {
		return fmt.Errorf("proofstore: bad magic in %s", s.file.Name())
	}

	usable := info.Size() - headerSize
	n := usable / recordSize
	trailing := usable % recordSize
	if trailing != 0 {
		s.log.Warn("truncating partial trailing proof record after crash", "bytes", trailing)
		if err := s.file.Truncate(headerSize + n*recordSize); err != nil {
			return fmt.Errorf("proofstore: truncate partial record: %w", err)
		}
	}

	sr := io.NewSectionReader(s.file, headerSize, n*recordSize)
	buf := bufio.NewReaderSize(sr, 1<<20)
	for i := int64(0); i < n; i++ {
		rec := make([]byte, recordSize)
		if _, err := io.ReadFull(buf, rec); err != nil {
			return fmt.Errorf("proofstore: replay record %d: %w", i, err)
		}
		p := decodeRecord(rec)
		s.offsets = append(s.offsets, headerSize+i*recordSize)
		s.cache = append(s.cache, p)
		if p.Idx+1 > s.nextIdx {
			s.nextIdx = p.Idx + 1
		}
	}
	return nil
}

// Submit enqueues a proof for durable storage. It returns as soon as the
// proof is buffered; while all 4096 queue slots are taken it blocks the
// caller (a proving worker) until the batcher frees one or the store closes.
func (s *Store) Submit(p ccptypes.Proof) {
	select {
	case s.incoming <- p:
	case <-s.closeCh:
	}
}

func (s *Store) batchLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var batch []ccptypes.Proof
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeBatch(batch); err != nil {
			s.log.Error("proof store batch write failed", "err", err, "count", len(batch))
		}
		batch = batch[:0]
		if s.queueDepthHook != nil {
			s.queueDepthHook(0)
		}
	}

	for {
		select {
		case p := <-s.incoming:
			batch = append(batch, p)
			if s.queueDepthHook != nil {
				s.queueDepthHook(len(batch))
			}
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.closeCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case p := <-s.incoming:
					batch = append(batch, p)
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch assigns indices, appends records to the file, then releases
// the lock before fsyncing — the store never holds its lock while
// fsyncing (spec §5 locking discipline).
func (s *Store) writeBatch(batch []ccptypes.Proof) error {
	s.mu.Lock()
	start := s.nextIdx
	buf := make([]byte, 0, len(batch)*recordSize)
	newOffsets := make([]int64, 0, len(batch))
	offset, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("proofstore: seek end: %w", err)
	}
	for i, p := range batch {
		p.Idx = start + uint64(i)
		batch[i] = p
		newOffsets = append(newOffsets, offset+int64(len(buf)))
		buf = append(buf, encodeRecord(p)...)
	}
	if _, err := s.file.Write(buf); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("proofstore: write: %w", err)
	}
	s.nextIdx = start + uint64(len(batch))
	s.offsets = append(s.offsets, newOffsets...)
	s.cache = append(s.cache, batch...)
	f := s.file
	s.mu.Unlock()

	if err := f.Sync(); err != nil {
		return fmt.Errorf("proofstore: fsync: %w", err)
	}
	return nil
}

// GetProofsAfter returns proofs with idx > after, capped at limit (and at
// ServerMaxLimit regardless of what the caller asked for). If the internal
// lock is contended it returns an empty slice immediately rather than
// block — cheapness wins over completeness on any single call (spec §4.E).
func (s *Store) GetProofsAfter(after uint64, limit int) []ccptypes.Proof {
	if limit <= 0 || limit > ServerMaxLimit {
		limit = ServerMaxLimit
	}
	if !s.mu.TryRLock() {
		return nil
	}
	defer s.mu.RUnlock()

	out := make([]ccptypes.Proof, 0, limit)
	for _, p := range s.cache {
		if p.Idx > after {
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// NextIdx returns the next index that will be assigned, primarily for
// tests asserting contiguity.
func (s *Store) NextIdx() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextIdx
}

// Close flushes any buffered proofs, stops the batcher, and releases the
// file lock. Safe to call more than once — callers that both hold a Store
// reference directly and close it indirectly through a Supervisor only pay
// for the first call.
func (s *Store) Close() error {
	var cerr error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		<-s.doneCh
		s.mu.Lock()
		defer s.mu.Unlock()
		cerr = s.file.Close()
		if err := s.flock.Unlock(); err != nil && cerr == nil {
			cerr = err
		}
	})
	return cerr
}

func encodeRecord(p ccptypes.Proof) []byte {
	rec := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(rec[0:8], p.Idx)
	off := 8
	off += copy(rec[off:], p.Epoch.GlobalNonce[:])
	off += copy(rec[off:], p.Epoch.Difficulty[:])
	off += copy(rec[off:], p.CUID[:])
	off += copy(rec[off:], p.LocalNonce[:])
	off += copy(rec[off:], p.ResultHash[:])
	return rec
}

func decodeRecord(rec []byte) ccptypes.Proof {
	var p ccptypes.Proof
	p.Idx = binary.LittleEndian.Uint64(rec[0:8])
	off := 8
	off += copy(p.Epoch.GlobalNonce[:], rec[off:off+ccptypes.GlobalNonceSize])
	off += copy(p.Epoch.Difficulty[:], rec[off:off+ccptypes.DifficultySize])
	off += copy(p.CUID[:], rec[off:off+ccptypes.CUIDSize])
	off += copy(p.LocalNonce[:], rec[off:off+ccptypes.LocalNonceSize])
	off += copy(p.ResultHash[:], rec[off:off+ccptypes.ResultHashSize])
	return p
}
