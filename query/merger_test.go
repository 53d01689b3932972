package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/prism/backend"
	"github.com/NVIDIA/prism/config"
)

func TestMergeSimpleSortsByScoreThenID(t *testing.T) {
	batches := [][]backend.Hit{
		{{ID: "b", Score: 5}, {ID: "a", Score: 5}},
		{{ID: "c", Score: 9}},
	}
	hits, total := Merge(batches, 0, config.MergeSimple)
	require.Equal(t, 3, total)
	require.Equal(t, []string{"c", "a", "b"}, ids(hits))
}

func TestMergeSimpleRespectsLimit(t *testing.T) {
	batches := [][]backend.Hit{
		{{ID: "a", Score: 1}, {ID: "b", Score: 2}, {ID: "c", Score: 3}},
	}
	hits, total := Merge(batches, 2, config.MergeSimple)
	require.Equal(t, 3, total, "total reflects all hits seen, independent of truncation")
	require.Len(t, hits, 2)
	require.Equal(t, []string{"c", "b"}, ids(hits))
}

// TestMergeRRFScenario: S1=[A10,B9,C8], S2=[B11,D10,A9] merges (RRF, k=60)
// to B > A > D > C.
func TestMergeRRFScenario(t *testing.T) {
	batches := [][]backend.Hit{
		{{ID: "A", Score: 10}, {ID: "B", Score: 9}, {ID: "C", Score: 8}},
		{{ID: "B", Score: 11}, {ID: "D", Score: 10}, {ID: "A", Score: 9}},
	}
	hits, total := Merge(batches, 0, config.MergeReciprocalRank)
	require.Equal(t, 6, total)
	require.Equal(t, []string{"B", "A", "D", "C"}, ids(hits))
}

func TestMergeScoreNormalizedCombinesAcrossShards(t *testing.T) {
	batches := [][]backend.Hit{
		{{ID: "A", Score: 10}, {ID: "B", Score: 0}},
		{{ID: "A", Score: 5}, {ID: "C", Score: 0}},
	}
	hits, _ := Merge(batches, 0, config.MergeScoreNormalized)
	// A is top-normalized (1.0) in both shards: combined score 2.0, the max.
	require.Equal(t, "A", hits[0].ID)
}

func TestMergeEmptyBatches(t *testing.T) {
	hits, total := Merge(nil, 10, config.MergeSimple)
	require.Empty(t, hits)
	require.Zero(t, total)
}

func ids(hits []backend.Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}
