package eval

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(ct *contingency, cluster, class, count int) {
	for i := 0; i < count; i++ {
		ct.add(cluster, class)
	}
}

func TestMetricsPerfectClustering(t *testing.T) {
	ct := newContingency()
	fill(ct, 0, 0, 5)
	fill(ct, 1, 1, 5)

	assert.InDelta(t, 1.0, purity(ct), 1e-9)
	assert.InDelta(t, 1.0, normalizedMutualInfo(ct), 1e-9)
	assert.InDelta(t, 1.0, adjustedRandIndex(ct), 1e-9)
}

func TestMetricsSingleClusterIsUninformative(t *testing.T) {
	ct := newContingency()
	fill(ct, 0, 0, 5)
	fill(ct, 0, 1, 5)

	assert.InDelta(t, 0.5, purity(ct), 1e-9)
	// One cluster has zero entropy: no mutual information.
	assert.InDelta(t, 0.0, normalizedMutualInfo(ct), 1e-9)
	assert.InDelta(t, 0.0, adjustedRandIndex(ct), 1e-9)
}

func TestPurityHandComputed(t *testing.T) {
	// Cluster 0: 3 of class 0, 1 of class 1. Cluster 1: 2 of class 0,
	// 4 of class 1. Majorities: 3 + 4 of 10 slots.
	ct := newContingency()
	fill(ct, 0, 0, 3)
	fill(ct, 0, 1, 1)
	fill(ct, 1, 0, 2)
	fill(ct, 1, 1, 4)

	assert.InDelta(t, 0.7, purity(ct), 1e-9)
	nmi := normalizedMutualInfo(ct)
	assert.Greater(t, nmi, 0.0)
	assert.Less(t, nmi, 1.0)
	ari := adjustedRandIndex(ct)
	assert.Greater(t, ari, 0.0)
	assert.Less(t, ari, 1.0)
}

func TestAdjustedRandIndexLabelSwitchInvariant(t *testing.T) {
	a := newContingency()
	fill(a, 0, 0, 4)
	fill(a, 0, 1, 1)
	fill(a, 1, 1, 5)

	// Same partition with cluster ids swapped.
	b := newContingency()
	fill(b, 1, 0, 4)
	fill(b, 1, 1, 1)
	fill(b, 0, 1, 5)

	assert.InDelta(t, adjustedRandIndex(a), adjustedRandIndex(b), 1e-9)
	assert.InDelta(t, normalizedMutualInfo(a), normalizedMutualInfo(b), 1e-9)
}

func TestClusterTable(t *testing.T) {
	ct := newContingency()
	fill(ct, 2, 0, 3)
	fill(ct, 2, 1, 1)
	fill(ct, 5, 1, 6)

	table := clusterTable(ct, []string{"walking", "standing"})
	require.Equal(t, 2, table.Nrow())
	assert.Equal(t, []string{"cluster", "size", "share", "top_action", "top_action_share"},
		table.Names())

	clusters, err := table.Col("cluster").Int()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, clusters)
	sizes, err := table.Col("size").Int()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 6}, sizes)
	assert.Equal(t, []string{"walking", "standing"}, table.Col("top_action").Records())
	assert.InDelta(t, 0.75, table.Col("top_action_share").Float()[0], 1e-9)
}

func TestWriteResult(t *testing.T) {
	resultPath := filepath.Join(t.TempDir(), "logs", "evaluation_test_v1.json")
	result := &Result{
		Stage: "test", Version: "v1",
		NumSlots: 10, NumClusters: 2, NumClasses: 2,
		Purity: 0.7, NMI: 0.12, ARI: 0.05,
	}
	require.NoError(t, WriteResult(resultPath, result))

	contents, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	var got Result
	require.NoError(t, json.Unmarshal(contents, &got))
	assert.Equal(t, *result, got)
}
