package memory

import (
	"math"
	"sort"
)

// cosineSimilarity computes the cosine of the angle between two
// vectors, equivalently 1 - cosine distance. Zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ranked is a retrieval candidate before truncation.
type ranked struct {
	memory     *Memory
	similarity float64
	seq        int64
}

// sortRanked orders candidates by descending similarity; ties fall
// back to insertion order so repeated queries stay stable.
func sortRanked(rs []ranked) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].similarity != rs[j].similarity {
			return rs[i].similarity > rs[j].similarity
		}
		return rs[i].seq < rs[j].seq
	})
}
