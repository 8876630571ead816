package ingest

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/quarrydocs/quarry/pkg/config"
)

// Chunk is one token-bounded slice of document text.
type Chunk struct {
	Text       string
	Page       int
	Index      int
	TokenCount int
}

// progressInterval is how often the chunker reports liveness on long
// documents.
const progressInterval = 5 * time.Second

var headingPattern = regexp.MustCompile(`(?m)^(#{1,6} .+|[A-Z][A-Z0-9 .,:-]{4,79})$`)

// Chunker splits page text into overlapping, token-bounded chunks.
// Split points are tried in order of structure: section headings,
// paragraph breaks, sentence boundaries, words, and finally raw
// token boundaries.
type Chunker struct {
	counter   *TokenCounter
	maxTokens int
	overlap   int

	// Progress, when set, is called with (pagesDone, pagesTotal) at
	// least every 5 seconds while chunking.
	Progress func(done, total int)
}

// NewChunker builds a chunker from the ingestion config, honouring the
// preset of the configured chunking strategy.
func NewChunker(cfg *config.IngestionConfig) (*Chunker, error) {
	counter, err := NewTokenCounter(cfg.TokenizerModel)
	if err != nil {
		return nil, err
	}
	size, overlap := cfg.ChunkPreset()
	return &Chunker{counter: counter, maxTokens: size, overlap: overlap}, nil
}

// ChunkPages converts parsed pages into chunks with document-wide
// contiguous indices.
func (c *Chunker) ChunkPages(ctx context.Context, pages []Page) ([]Chunk, error) {
	var chunks []Chunk
	lastReport := time.Now()

	for done, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, text := range c.split(page.Text) {
			trimmed := strings.TrimSpace(text)
			if trimmed == "" {
				continue
			}
			chunks = append(chunks, Chunk{
				Text:       trimmed,
				Page:       page.Number,
				Index:      len(chunks),
				TokenCount: c.counter.Count(trimmed),
			})
		}
		if c.Progress != nil && time.Since(lastReport) >= progressInterval {
			c.Progress(done+1, len(pages))
			lastReport = time.Now()
		}
	}

	if c.Progress != nil {
		c.Progress(len(pages), len(pages))
	}
	return chunks, nil
}

// split breaks text into pieces of at most maxTokens tokens, carrying
// overlap tokens from the end of each chunk into the next.
func (c *Chunker) split(text string) []string {
	if c.counter.Count(text) <= c.maxTokens {
		return []string{text}
	}

	segments := c.segment(text)
	return c.merge(segments)
}

// segmentBudget is the per-segment token cap. It leaves room for the
// carried overlap plus the joining newline, so merged chunks never
// exceed maxTokens.
func (c *Chunker) segmentBudget() int {
	budget := c.maxTokens - c.overlap - 1
	if budget < 1 {
		budget = 1
	}
	return budget
}

// segment recursively splits text at the strongest boundary available
// until every segment fits the segment budget.
func (c *Chunker) segment(text string) []string {
	if c.counter.Count(text) <= c.segmentBudget() {
		return []string{text}
	}

	for _, splitFn := range []func(string) []string{
		splitAtHeadings,
		splitAtParagraphs,
		splitAtSentences,
		splitAtWords,
	} {
		parts := splitFn(text)
		if len(parts) < 2 {
			continue
		}
		var out []string
		for _, part := range parts {
			out = append(out, c.segment(part)...)
		}
		return out
	}

	// Last resort: cut at raw token boundaries.
	return c.tokenSlices(text)
}

// merge packs consecutive segments into chunks of at most maxTokens
// tokens, prepending the token-accurate overlap from the previous
// chunk. The overlap counts against the budget.
func (c *Chunker) merge(segments []string) []string {
	var chunks []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, current.String())
		tail := c.overlapTail(current.String())
		current.Reset()
		currentTokens = 0
		if tail != "" {
			current.WriteString(tail)
			currentTokens = c.counter.Count(tail)
		}
	}

	for _, seg := range segments {
		segTokens := c.counter.Count(seg)
		if current.Len() > 0 && currentTokens+1+segTokens > c.maxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
			currentTokens++
		}
		current.WriteString(seg)
		currentTokens += segTokens
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// overlapTail returns the last overlap tokens of text, decoded.
func (c *Chunker) overlapTail(text string) string {
	if c.overlap <= 0 {
		return ""
	}
	tokens := c.counter.Encode(text)
	if len(tokens) <= c.overlap {
		return text
	}
	return c.counter.Decode(tokens[len(tokens)-c.overlap:])
}

// tokenSlices cuts text into budget-sized pieces at token boundaries.
func (c *Chunker) tokenSlices(text string) []string {
	budget := c.segmentBudget()
	tokens := c.counter.Encode(text)
	var out []string
	for start := 0; start < len(tokens); start += budget {
		end := start + budget
		if end > len(tokens) {
			end = len(tokens)
		}
		out = append(out, c.counter.Decode(tokens[start:end]))
	}
	return out
}

func splitAtHeadings(text string) []string {
	indices := headingPattern.FindAllStringIndex(text, -1)
	if len(indices) == 0 {
		return []string{text}
	}
	var parts []string
	prev := 0
	for _, idx := range indices {
		if idx[0] > prev {
			parts = append(parts, text[prev:idx[0]])
		}
		prev = idx[0]
	}
	parts = append(parts, text[prev:])
	return compact(parts)
}

func splitAtParagraphs(text string) []string {
	return compact(strings.Split(text, "\n\n"))
}

func splitAtSentences(text string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		if (text[i] == '.' || text[i] == '!' || text[i] == '?') && (text[i+1] == ' ' || text[i+1] == '\n') {
			parts = append(parts, text[start:i+1])
			start = i + 2
		}
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return compact(parts)
}

func splitAtWords(text string) []string {
	return compact(strings.Fields(text))
}

func compact(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
