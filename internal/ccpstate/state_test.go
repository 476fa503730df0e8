package ccpstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluencelabs/capacity-commitment-prover/internal/ccptypes"
)

func TestLoadAbsentFileReturnsEmptyDocument(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "nonexistent"))
	doc, err := store.Load()
	require.NoError(t, err)
	assert.True(t, doc.Empty())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	var cuid ccptypes.CUID
	cuid[0] = 0xaa
	epoch := ccptypes.EpochParameters{GlobalNonce: ccptypes.GlobalNonce{1}, Difficulty: ccptypes.Difficulty{2}}
	doc := FromDomain(&epoch, []ccptypes.CUID{cuid}, []int{0, 1}, []int{2})

	require.NoError(t, store.Save(doc))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.False(t, loaded.Empty())
	assert.Equal(t, []int{0, 1}, loaded.WorkerCores)
	assert.Equal(t, []int{2}, loaded.UtilityCores)

	gotEpoch, gotCUIDs, err := loaded.ToDomain()
	require.NoError(t, err)
	assert.Equal(t, epoch, gotEpoch)
	require.Len(t, gotCUIDs, 1)
	assert.Equal(t, cuid, gotCUIDs[0])
}

func TestFromDomainNilEpochIsEmpty(t *testing.T) {
	doc := FromDomain(nil, nil, []int{0}, nil)
	assert.True(t, doc.Empty())
	assert.False(t, doc.HasEpoch)
}

func TestSaveOverwritesPreviousAtomically(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	require.NoError(t, store.Save(FromDomain(nil, nil, []int{0}, nil)))
	require.NoError(t, store.Save(FromDomain(nil, nil, []int{0, 1, 2}, nil)))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, loaded.WorkerCores)
}
