package retrieval

import "math"

// maximalMarginalRelevance diversifies the candidate pool: at each step
// it selects the candidate maximising
//
//	lambda*relevance - (1-lambda)*max_similarity_to_selected
//
// where relevance is the fused score and similarity is cosine over the
// stored vectors. Selection stops at limit.
func maximalMarginalRelevance(cands []*Candidate, lambda float64, limit int) []*Candidate {
	if limit <= 0 || len(cands) == 0 {
		return nil
	}
	if limit > len(cands) {
		limit = len(cands)
	}

	remaining := append([]*Candidate(nil), cands...)
	selected := make([]*Candidate, 0, limit)

	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := 0
		bestScore := math.Inf(-1)
		for i, c := range remaining {
			penalty := 0.0
			for _, s := range selected {
				if sim := cosine(c.Record.Vector, s.Record.Vector); sim > penalty {
					penalty = sim
				}
			}
			score := lambda*c.Fused - (1-lambda)*penalty
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
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
