package proofstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluencelabs/capacity-commitment-prover/internal/ccptypes"
)

func testProof(n uint64) ccptypes.Proof {
	var cuid ccptypes.CUID
	cuid[0] = byte(n)
	var local ccptypes.LocalNonce
	local[0] = byte(n)
	var result ccptypes.ResultHash
	result[0] = byte(n)
	return ccptypes.Proof{
		Epoch:      ccptypes.EpochParameters{GlobalNonce: ccptypes.GlobalNonce{1}, Difficulty: ccptypes.Difficulty{0xff}},
		CUID:       cuid,
		LocalNonce: local,
		ResultHash: result,
	}
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proofs.log")
	s, err := Open(path, nil, WithBatching(10*time.Millisecond, 2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSubmitAssignsContiguousIndices(t *testing.T) {
	s, _ := openTestStore(t)

	for i := 0; i < 5; i++ {
		s.Submit(testProof(uint64(i)))
	}

	require.Eventually(t, func() bool { return s.NextIdx() == 5 }, time.Second, 5*time.Millisecond)

	proofs := s.GetProofsAfter(0, 10)
	require.Len(t, proofs, 5)
	for i, p := range proofs {
		assert.Equal(t, uint64(i), p.Idx)
	}
}

func TestGetProofsAfterRespectsAfterAndLimit(t *testing.T) {
	s, _ := openTestStore(t)
	for i := 0; i < 5; i++ {
		s.Submit(testProof(uint64(i)))
	}
	require.Eventually(t, func() bool { return s.NextIdx() == 5 }, time.Second, 5*time.Millisecond)

	proofs := s.GetProofsAfter(2, 10)
	require.Len(t, proofs, 2)
	assert.Equal(t, uint64(3), proofs[0].Idx)
	assert.Equal(t, uint64(4), proofs[1].Idx)

	limited := s.GetProofsAfter(0, 1)
	require.Len(t, limited, 1)
}

func TestGetProofsAfterOversizedLimitClampsToServerMax(t *testing.T) {
	s, _ := openTestStore(t)
	proofs := s.GetProofsAfter(0, ServerMaxLimit+1000)
	assert.NotNil(t, proofs) // empty but non-nil cache scan, not a panic
	assert.Equal(t, ServerMaxLimit, cap(proofs))
}

func TestReopenReplaysRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proofs.log")
	s, err := Open(path, nil, WithBatching(5*time.Millisecond, DefaultBatchSize))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		s.Submit(testProof(uint64(i)))
	}
	require.Eventually(t, func() bool { return s.NextIdx() == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(3), reopened.NextIdx())
	proofs := reopened.GetProofsAfter(0, 10)
	require.Len(t, proofs, 3)
}

func TestQueueDepthHookFires(t *testing.T) {
	s, _ := openTestStore(t)

	depths := make(chan int, 16)
	s.SetQueueDepthHook(func(n int) {
		select {
		case depths <- n:
		default:
		}
	})

	s.Submit(testProof(1))

	require.Eventually(t, func() bool {
		select {
		case d := <-depths:
			return d >= 0
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestGetProofsAfterReturnsNilUnderContention(t *testing.T) {
	s, _ := openTestStore(t)
	s.mu.Lock()
	defer s.mu.Unlock()

	assert.Nil(t, s.GetProofsAfter(0, 10))
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Close())
	assert.NotPanics(t, func() { _ = s.Close() })
}

func TestSecondLockHolderRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proofs.log")
	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(path, nil)
	assert.Error(t, err)
}
