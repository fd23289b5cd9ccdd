package segment

import (
	"fmt"
	"math"
	"sort"

	"github.com/hupe1980/edgevec/distance"
	"github.com/hupe1980/edgevec/model"
)

// candidate is a scored row inside the MMR candidate pool.
type candidate struct {
	rowIdx int
	sim    float32 // similarity to the query
	maxSel float32 // max similarity to any already-selected result
}

// Query returns up to limit points ranked by Maximal Marginal Relevance.
//
// The top candidateLimit rows by raw similarity form the candidate pool;
// results are then selected iteratively, maximizing
//
//	lambda*sim(query, c) - (1-lambda)*max(sim(c, selected))
//
// lambda close to 1 favors pure relevance, close to 0 favors diversity.
// Consecutive video frames are visually redundant, so a plain top-k search
// would return near-duplicates.
//
// The reported score of each result is its raw query similarity.
func (s *Segment) Query(vector []float32, lambda float32, candidateLimit, limit int) ([]model.ScoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(vector) != s.dim {
		return nil, &ErrDimensionMismatch{Expected: s.dim, Actual: len(vector)}
	}
	if limit <= 0 {
		return nil, fmt.Errorf("segment: limit must be positive, got %d", limit)
	}
	if candidateLimit < limit {
		candidateLimit = limit
	}
	if lambda < 0 {
		lambda = 0
	} else if lambda > 1 {
		lambda = 1
	}

	queryNorm := vectorNorm(vector)

	pool := make([]candidate, 0, len(s.index))
	for _, idx := range s.index {
		pool = append(pool, candidate{
			rowIdx: idx,
			sim:    s.rowSimilarity(vector, queryNorm, idx),
		})
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].sim > pool[j].sim })
	if len(pool) > candidateLimit {
		pool = pool[:candidateLimit]
	}

	results := make([]model.ScoredPoint, 0, min(limit, len(pool)))
	for len(results) < limit && len(pool) > 0 {
		best := 0
		if len(results) > 0 {
			bestScore := float32(math.Inf(-1))
			for i, c := range pool {
				score := lambda*c.sim - (1-lambda)*c.maxSel
				if score > bestScore {
					bestScore = score
					best = i
				}
			}
		}

		picked := pool[best]
		r := s.rows[picked.rowIdx]
		results = append(results, model.ScoredPoint{
			ID:        r.id,
			Score:     picked.sim,
			ImagePath: r.payload.ImagePath,
		})

		pool = append(pool[:best], pool[best+1:]...)
		for i := range pool {
			sim := s.pairSimilarity(picked.rowIdx, pool[i].rowIdx)
			if sim > pool[i].maxSel {
				pool[i].maxSel = sim
			}
		}
	}

	return results, nil
}

// rowSimilarity scores a stored row against the query vector.
func (s *Segment) rowSimilarity(vector []float32, queryNorm float32, idx int) float32 {
	r := s.rows[idx]
	if s.metric == distance.MetricCosine {
		if queryNorm == 0 || r.norm == 0 {
			return 0
		}
		return distance.Dot(vector, r.vector) / (queryNorm * r.norm)
	}
	return s.simFn(vector, r.vector)
}

// pairSimilarity scores two stored rows against each other.
func (s *Segment) pairSimilarity(i, j int) float32 {
	a, b := s.rows[i], s.rows[j]
	if s.metric == distance.MetricCosine {
		if a.norm == 0 || b.norm == 0 {
			return 0
		}
		return distance.Dot(a.vector, b.vector) / (a.norm * b.norm)
	}
	return s.simFn(a.vector, b.vector)
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}
