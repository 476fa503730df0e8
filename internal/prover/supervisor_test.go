package prover

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluencelabs/capacity-commitment-prover/internal/ccperrors"
	"github.com/fluencelabs/capacity-commitment-prover/internal/ccpstate"
	"github.com/fluencelabs/capacity-commitment-prover/internal/ccptypes"
	"github.com/fluencelabs/capacity-commitment-prover/internal/proofstore"
	"github.com/fluencelabs/capacity-commitment-prover/internal/randomx"
	"github.com/fluencelabs/capacity-commitment-prover/log"
)

// newTestSupervisor returns a Supervisor whose proof store is closed by
// Supervisor.Close: tests are expected to call sup.Close(ctx) themselves
// (directly or via defer), which also stops the supervisor's workers and
// utility thread.
func newTestSupervisor(t *testing.T, workerCores, utilityCores []int) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	store, err := proofstore.Open(filepath.Join(dir, "proofs.log"), log.Root())
	require.NoError(t, err)

	stateDB := ccpstate.New(dir)
	primitive := randomx.New()

	sup, err := NewSupervisor(primitive, store, stateDB, workerCores, utilityCores, log.Root())
	require.NoError(t, err)
	return sup
}

func lowDifficultyEpoch(seed byte) ccptypes.EpochParameters {
	var gn ccptypes.GlobalNonce
	gn[0] = seed
	var diff ccptypes.Difficulty
	diff[0] = 0x01 // tiny target: proofs are rare, workers stay busy hashing
	return ccptypes.EpochParameters{GlobalNonce: gn, Difficulty: diff}
}

func cuidFrom(b byte) ccptypes.CUID {
	var c ccptypes.CUID
	c[0] = b
	return c
}

func TestSupervisorRejectsOverlappingCores(t *testing.T) {
	dir := t.TempDir()
	store, err := proofstore.Open(filepath.Join(dir, "proofs.log"), nil)
	require.NoError(t, err)
	defer store.Close()
	stateDB := ccpstate.New(dir)

	_, err = NewSupervisor(randomx.New(), store, stateDB, []int{0, 1}, []int{1}, nil)
	assert.ErrorIs(t, err, ccperrors.ErrCoreConflict)
}

func TestOnActiveCommitmentRejectsEmptyEpoch(t *testing.T) {
	sup := newTestSupervisor(t, []int{0}, nil)
	defer sup.Close(context.Background())
	err := sup.OnActiveCommitment(context.Background(), ccptypes.EpochParameters{}, []ccptypes.CUID{cuidFrom(1)})
	assert.ErrorIs(t, err, ccperrors.ErrEpochInvalid)
}

func TestOnActiveCommitmentRejectsDuplicateCUIDs(t *testing.T) {
	sup := newTestSupervisor(t, []int{0}, nil)
	defer sup.Close(context.Background())
	dup := cuidFrom(1)
	err := sup.OnActiveCommitment(context.Background(), lowDifficultyEpoch(1), []ccptypes.CUID{dup, dup})
	assert.ErrorIs(t, err, ccperrors.ErrEpochInvalid)
}

func TestOnActiveCommitmentInsufficientCores(t *testing.T) {
	sup := newTestSupervisor(t, []int{0}, nil)
	defer sup.Close(context.Background())
	err := sup.OnActiveCommitment(context.Background(), lowDifficultyEpoch(1), []ccptypes.CUID{cuidFrom(1), cuidFrom(2)})
	assert.ErrorIs(t, err, ccperrors.ErrInsufficientCores)
}

func TestOnActiveCommitmentSpawnsAndPersists(t *testing.T) {
	sup := newTestSupervisor(t, []int{0}, nil)
	cuid := cuidFrom(1)

	err := sup.OnActiveCommitment(context.Background(), lowDifficultyEpoch(1), []ccptypes.CUID{cuid})
	require.NoError(t, err)
	defer sup.Close(context.Background())

	require.Eventually(t, func() bool {
		per, _ := sup.GetHashrate(time.Second)
		return len(per) == 1
	}, 2*time.Second, 10*time.Millisecond)

	doc, err := sup.stateDB.Load()
	require.NoError(t, err)
	assert.False(t, doc.Empty())
	assert.Equal(t, []string{cuid.String()}, doc.CUIDs)
}

func TestOnNoActiveCommitmentStopsWorkers(t *testing.T) {
	sup := newTestSupervisor(t, []int{0}, nil)
	defer sup.Close(context.Background())
	cuid := cuidFrom(1)
	require.NoError(t, sup.OnActiveCommitment(context.Background(), lowDifficultyEpoch(1), []ccptypes.CUID{cuid}))

	require.NoError(t, sup.OnNoActiveCommitment(context.Background()))

	per, total := sup.GetHashrate(time.Second)
	assert.Empty(t, per)
	assert.Equal(t, float64(0), total)
}

func TestOnActiveCommitmentIsIdempotentForSameEpochAndCUIDs(t *testing.T) {
	sup := newTestSupervisor(t, []int{0}, nil)
	cuid := cuidFrom(1)
	epoch := lowDifficultyEpoch(1)
	require.NoError(t, sup.OnActiveCommitment(context.Background(), epoch, []ccptypes.CUID{cuid}))
	require.NoError(t, sup.OnActiveCommitment(context.Background(), epoch, []ccptypes.CUID{cuid}))
	defer sup.Close(context.Background())
}

func TestReallocUtilityCoresRejectsConflict(t *testing.T) {
	sup := newTestSupervisor(t, []int{0}, []int{1})
	defer sup.Close(context.Background())
	err := sup.ReallocUtilityCores([]int{0})
	assert.ErrorIs(t, err, ccperrors.ErrCoreConflict)
}

func TestReallocUtilityCoresAccepts(t *testing.T) {
	sup := newTestSupervisor(t, []int{0}, []int{1})
	defer sup.Close(context.Background())
	err := sup.ReallocUtilityCores([]int{2})
	assert.NoError(t, err)
}

func TestResumeAppliesPersistedCommitment(t *testing.T) {
	dir := t.TempDir()
	store, err := proofstore.Open(filepath.Join(dir, "proofs.log"), nil)
	require.NoError(t, err)
	stateDB := ccpstate.New(dir)

	cuid := cuidFrom(3)
	epoch := lowDifficultyEpoch(5)
	doc := ccpstate.FromDomain(&epoch, []ccptypes.CUID{cuid}, []int{0}, nil)

	sup, err := NewSupervisor(randomx.New(), store, stateDB, []int{0}, nil, nil)
	require.NoError(t, err)
	defer sup.Close(context.Background())

	require.NoError(t, sup.Resume(context.Background(), doc))

	require.Eventually(t, func() bool {
		per, _ := sup.GetHashrate(time.Second)
		return len(per) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResumeWithEmptyDocumentIsNoop(t *testing.T) {
	sup := newTestSupervisor(t, []int{0}, nil)
	defer sup.Close(context.Background())
	require.NoError(t, sup.Resume(context.Background(), ccpstate.Document{}))
	per, _ := sup.GetHashrate(time.Second)
	assert.Empty(t, per)
}
