package retrieval

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/quarrydocs/quarry/pkg/ingest"
	"github.com/quarrydocs/quarry/pkg/store"
)

const snippetLength = 200

// Citation grounds one [n] tag of the answer in a stored record.
type Citation struct {
	ID          int     `json:"id"`
	SourceName  string  `json:"source_name"`
	Page        int     `json:"page,omitempty"`
	Snippet     string  `json:"snippet"`
	FullText    string  `json:"full_text"`
	Score       float64 `json:"similarity_score"`
	ContentType string  `json:"content_type"`
	ImageRef    string  `json:"image_ref,omitempty"`
}

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// assembleContext concatenates chunks into the generation context, each
// prefixed with a numbered header carrying source and page. Chunks that
// would push the context past maxTokens are dropped from the tail.
func assembleContext(cands []*Candidate, counter *ingest.TokenCounter, maxTokens int) (string, []*Candidate) {
	var b strings.Builder
	var used []*Candidate
	total := 0

	for _, c := range cands {
		block := fmt.Sprintf("[%d] (source: %s, page %d)\n%s\n\n",
			len(used)+1, c.Record.SourceName, c.Record.Page, c.Record.Text)
		tokens := counter.Count(block)
		if total+tokens > maxTokens && len(used) > 0 {
			break
		}
		if total+tokens > maxTokens {
			continue // a single oversized chunk; skip it
		}
		b.WriteString(block)
		total += tokens
		used = append(used, c)
	}
	return strings.TrimSuffix(b.String(), "\n"), used
}

// extractCitations resolves every [n] tag in the answer to its chunk.
// Tags with no matching chunk are ignored; duplicates collapse to one
// citation, ordered by tag number.
func extractCitations(answer string, used []*Candidate) []Citation {
	seen := make(map[int]bool)
	var citations []Citation

	for _, match := range citationPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n < 1 || n > len(used) || seen[n] {
			continue
		}
		seen[n] = true
		citations = append(citations, newCitation(n, used[n-1]))
	}

	for i := 0; i < len(citations); i++ {
		for j := i + 1; j < len(citations); j++ {
			if citations[j].ID < citations[i].ID {
				citations[i], citations[j] = citations[j], citations[i]
			}
		}
	}
	return citations
}

func newCitation(n int, c *Candidate) Citation {
	rec := c.Record
	snippet := rec.Text
	if len(snippet) > snippetLength {
		snippet = snippet[:snippetLength]
	}
	score := c.Fused
	if c.HasRerank {
		score = c.Rerank
	}
	cit := Citation{
		ID:          n,
		SourceName:  rec.SourceName,
		Page:        rec.Page,
		Snippet:     snippet,
		FullText:    rec.Text,
		Score:       score,
		ContentType: rec.ContentType,
	}
	if rec.ContentType == store.ContentTypeImageOCR {
		cit.ImageRef = rec.ID
	}
	return cit
}
