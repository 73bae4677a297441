package storage

// fuseRRF combines two independently-ranked id lists (FTS hits and vector
// hits, each already ordered best-first) into a single reciprocal-rank-
// fusion score per id. Adapted from the teacher's
// internal/rag/retrieve/fusion.go rank-sum loop, which walks each ranked
// list once and accumulates 1/(k+rank+1) per source instead of trying to
// reconcile incomparable raw scores (BM25 vs. cosine distance) directly.
func fuseRRF(ftsIDs, vecIDs []int64, k float64) map[int64]float64 {
	scores := make(map[int64]float64, len(ftsIDs)+len(vecIDs))
	for rank, id := range ftsIDs {
		scores[id] += 1.0 / (k + float64(rank) + 1.0)
	}
	for rank, id := range vecIDs {
		scores[id] += 1.0 / (k + float64(rank) + 1.0)
	}
	return scores
}

// rankedIDs sorts ids by descending fused score, breaking ties by id so
// results are deterministic across repeated queries with equal scores.
func rankedIDs(scores map[int64]float64) []int64 {
	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sortByScoreDesc(ids, scores)
	return ids
}

func sortByScoreDesc(ids []int64, scores map[int64]float64) {
	for i := 1; i < len(ids); i++ {
		j := i
		for j > 0 {
			a, b := ids[j-1], ids[j]
			if scores[a] > scores[b] || (scores[a] == scores[b] && a < b) {
				break
			}
			ids[j-1], ids[j] = ids[j], ids[j-1]
			j--
		}
	}
}
