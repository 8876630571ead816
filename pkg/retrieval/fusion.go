// Package retrieval answers questions over the ingested corpus: hybrid
// candidate generation, MMR diversification, cross-encoder reranking,
// optional query decomposition, and cited answer synthesis.
package retrieval

import (
	"sort"

	"github.com/quarrydocs/quarry/pkg/store"
)

// Candidate carries one record through fusion, MMR and reranking.
type Candidate struct {
	Record store.Record

	Semantic    float64
	Lexical     float64
	HasSemantic bool
	HasLexical  bool

	// Fused is the normalised weighted score used until reranking.
	Fused float64

	Rerank    float64
	HasRerank bool
}

// fuse merges the semantic and lexical result streams into one candidate
// list. When both streams contribute, each is min-max normalised over its
// own pool and combined as weight*semantic + (1-weight)*lexical; a single
// stream keeps its raw score.
func fuse(semantic, lexical []store.SearchResult, weight float64) []*Candidate {
	byID := make(map[string]*Candidate, len(semantic)+len(lexical))
	ordered := make([]*Candidate, 0, len(semantic)+len(lexical))

	add := func(r store.SearchResult) *Candidate {
		if c, ok := byID[r.Record.ID]; ok {
			return c
		}
		c := &Candidate{Record: r.Record}
		byID[r.Record.ID] = c
		ordered = append(ordered, c)
		return c
	}

	semNorm := normalizer(semantic)
	for _, r := range semantic {
		c := add(r)
		c.Semantic = semNorm(r.Score)
		c.HasSemantic = true
	}
	lexNorm := normalizer(lexical)
	for _, r := range lexical {
		c := add(r)
		c.Lexical = lexNorm(r.Score)
		c.HasLexical = true
	}

	for _, c := range ordered {
		switch {
		case c.HasSemantic && c.HasLexical:
			c.Fused = weight*c.Semantic + (1-weight)*c.Lexical
		case c.HasSemantic:
			c.Fused = weight * c.Semantic
		default:
			c.Fused = (1 - weight) * c.Lexical
		}
	}

	sortByFused(ordered)
	return ordered
}

// normalizer returns a min-max normaliser over the stream's scores. A
// degenerate stream (all scores equal) maps everything to 1.
func normalizer(results []store.SearchResult) func(float64) float64 {
	if len(results) == 0 {
		return func(s float64) float64 { return s }
	}
	min, max := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < min {
			min = r.Score
		}
		if r.Score > max {
			max = r.Score
		}
	}
	if max == min {
		return func(float64) float64 { return 1 }
	}
	return func(s float64) float64 { return (s - min) / (max - min) }
}

// sortByFused orders candidates by fused score descending, breaking ties
// on (source_name, chunk_index) for determinism.
func sortByFused(cands []*Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Fused != cands[j].Fused {
			return cands[i].Fused > cands[j].Fused
		}
		return lessByPosition(cands[i], cands[j])
	})
}

// sortByRerank orders candidates by reranker score, falling back to the
// fused score and then document position.
func sortByRerank(cands []*Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.HasRerank != b.HasRerank {
			return a.HasRerank
		}
		if a.HasRerank && a.Rerank != b.Rerank {
			return a.Rerank > b.Rerank
		}
		if a.Fused != b.Fused {
			return a.Fused > b.Fused
		}
		return lessByPosition(a, b)
	})
}

func lessByPosition(a, b *Candidate) bool {
	if a.Record.SourceName != b.Record.SourceName {
		return a.Record.SourceName < b.Record.SourceName
	}
	if a.Record.ChunkIndex != b.Record.ChunkIndex {
		return a.Record.ChunkIndex < b.Record.ChunkIndex
	}
	return a.Record.ImageNumber < b.Record.ImageNumber
}
