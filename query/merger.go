package query

import (
	"sort"

	"github.com/NVIDIA/prism/backend"
	"github.com/NVIDIA/prism/config"
)

// rrfK is Reciprocal Rank Fusion's standard smoothing constant.
const rrfK = 60

// Merge combines per-shard result batches into a global top-K, per
// strategy. Tie-break is always by document id, ascending.
func Merge(batches [][]backend.Hit, limit int, strategy config.MergeStrategy) (hits []backend.Hit, total int) {
	switch strategy {
	case config.MergeScoreNormalized:
		return mergeScoreNormalized(batches, limit)
	case config.MergeReciprocalRank:
		return mergeRRF(batches, limit)
	default:
		return mergeSimple(batches, limit)
	}
}

func sortHits(hits []backend.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

func truncate(hits []backend.Hit, limit int) []backend.Hit {
	if limit > 0 && len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

func mergeSimple(batches [][]backend.Hit, limit int) ([]backend.Hit, int) {
	var all []backend.Hit
	for _, b := range batches {
		all = append(all, b...)
	}
	total := len(all)
	sortHits(all)
	return truncate(all, limit), total
}

func minMax(hits []backend.Hit) (min, max float64) {
	if len(hits) == 0 {
		return 0, 0
	}
	min, max = hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	return
}

func mergeScoreNormalized(batches [][]backend.Hit, limit int) ([]backend.Hit, int) {
	scores := make(map[string]float64)
	fields := make(map[string]map[string]interface{})
	total := 0
	for _, b := range batches {
		total += len(b)
		lo, hi := minMax(b)
		spread := hi - lo
		for _, h := range b {
			norm := 1.0
			if spread > 0 {
				norm = (h.Score - lo) / spread
			} else if hi == 0 {
				norm = 0
			}
			scores[h.ID] += norm
			if _, ok := fields[h.ID]; !ok {
				fields[h.ID] = h.Fields
			}
		}
	}
	return collectScored(scores, fields, limit), total
}

func mergeRRF(batches [][]backend.Hit, limit int) ([]backend.Hit, int) {
	scores := make(map[string]float64)
	fields := make(map[string]map[string]interface{})
	total := 0
	for _, b := range batches {
		total += len(b)
		ranked := append([]backend.Hit(nil), b...)
		sortHits(ranked)
		for i, h := range ranked {
			rank := i + 1
			scores[h.ID] += 1.0 / float64(rrfK+rank)
			if _, ok := fields[h.ID]; !ok {
				fields[h.ID] = h.Fields
			}
		}
	}
	return collectScored(scores, fields, limit), total
}

func collectScored(scores map[string]float64, fields map[string]map[string]interface{}, limit int) []backend.Hit {
	hits := make([]backend.Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, backend.Hit{ID: id, Score: score, Fields: fields[id]})
	}
	sortHits(hits)
	return truncate(hits, limit)
}
