package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRegistersAllCollectors(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.Gatherer())

	r.HashesTotal.WithLabelValues("cuid-a").Add(10)
	r.ProofsTotal.WithLabelValues("cuid-a").Inc()
	r.DatasetBuildSecs.Observe(1.5)
	r.ProofQueueDepth.Set(3)
	r.ActiveWorkers.Set(1)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"ccp_hashes_total",
		"ccp_proofs_total",
		"ccp_dataset_build_seconds",
		"ccp_proof_queue_depth",
		"ccp_active_workers",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}
