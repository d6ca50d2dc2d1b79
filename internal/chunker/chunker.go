// Package chunker implements the content chunker and token budgeter (C7):
// splitting long content into overlapping windows sized for an embedding
// model's token limit, or truncating to a single prefix, per spec §4.7.
package chunker

import (
	"context"
	"strings"

	"github.com/relayai/core/internal/logging"
)

// charsPerToken approximates the char-to-token ratio used both to size
// chunks and to estimate token counts.
const charsPerToken = 1.3

// defaultOverlap is how many characters the next window backs up from the
// previous cut, preserving boundary context.
const defaultOverlap = 200

// tailFraction is the window fraction (from the end) searched for a
// sentence/line boundary before falling back to an exact-size cut.
const tailFraction = 0.2

// truncateTailFraction is the analogous fraction used by Truncate.
const truncateTailFraction = 0.1

// largeFieldThreshold is the size above which a field is prechunked with a
// 70/30 head-tail split before strategy selection.
const largeFieldThreshold = 100 * 1024

// modelTokenLimits is the hard-coded fallback table keyed by model family,
// consulted when the caller has no database-backed limit for a model.
var modelTokenLimits = map[string]int{
	"text-embedding-3-small": 8191,
	"text-embedding-3-large": 8191,
	"text-embedding-ada-002": 8191,
	"voyage-2":               4000,
	"default":                4000,
}

// TokenLimit returns the token limit for an embedding model, falling back to
// the family table (or "default") when the model is unrecognized.
func TokenLimit(model string) int {
	if limit, ok := modelTokenLimits[model]; ok {
		return limit
	}
	return modelTokenLimits["default"]
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return int(float64(len(s)) / charsPerToken)
}

// ChunkSize computes chunk_size ≈ token_limit × 0.9 × 1.3, with a small
// guard margin subtracted.
func ChunkSize(tokenLimit int) int {
	size := int(float64(tokenLimit) * 0.9 * charsPerToken)
	const guard = 16
	if size > guard {
		size -= guard
	}
	return size
}

// TokenLimitStore is the database-first lookup for a per-model token-limit
// override, satisfied by store.MetadataStore. A small consumer-defined
// interface so this package doesn't need to import internal/store.
type TokenLimitStore interface {
	GetModelTokenLimit(ctx context.Context, model string) (tokenLimit int, ok bool, err error)
}

// Chunker splits or truncates content against a named embedding model's
// token budget.
type Chunker struct {
	overlap int
	store   TokenLimitStore
}

// New creates a Chunker with the default overlap (200 chars). Pass a
// non-zero overlap to override.
func New(overlap int) *Chunker {
	if overlap <= 0 {
		overlap = defaultOverlap
	}
	return &Chunker{overlap: overlap}
}

// WithStore attaches a database-backed per-model token-limit override table,
// consulted before the hard-coded family table in modelTokenLimits, per
// spec §4.7's "database-first, fall back to..." lookup order.
func (c *Chunker) WithStore(s TokenLimitStore) *Chunker {
	c.store = s
	return c
}

// tokenLimitFor resolves model's token limit, preferring a database override
// over the hard-coded family table.
func (c *Chunker) tokenLimitFor(ctx context.Context, model string) int {
	if c.store != nil {
		limit, ok, err := c.store.GetModelTokenLimit(ctx, model)
		if err != nil {
			logging.Op().Warn("chunker: token limit lookup failed, falling back to family table", "model", model, "error", err)
		} else if ok {
			return limit
		}
	}
	return TokenLimit(model)
}

// Split walks content emitting successive chunk_size windows, preferring a
// sentence/line boundary within the last tailFraction of each window, and
// backing the next window up by overlap chars.
func (c *Chunker) Split(ctx context.Context, content, model string) []string {
	limit := c.tokenLimitFor(ctx, model)
	content = prechunkIfLarge(content, limit)
	size := ChunkSize(limit)
	if size <= 0 || len(content) <= size {
		if content == "" {
			return nil
		}
		return []string{content}
	}

	var chunks []string
	pos := 0
	for pos < len(content) {
		end := pos + size
		if end >= len(content) {
			chunks = append(chunks, content[pos:])
			break
		}

		cut := preferredBoundary(content, pos, end, tailFraction)
		chunks = append(chunks, content[pos:cut])

		next := cut - c.overlap
		if next <= pos {
			next = cut
		}
		pos = next
	}
	return chunks
}

// Truncate returns a single prefix up to chunk_size, preferring a sentence
// boundary in the last truncateTailFraction of the window.
func (c *Chunker) Truncate(ctx context.Context, content, model string) string {
	size := ChunkSize(c.tokenLimitFor(ctx, model))
	if size <= 0 || len(content) <= size {
		return content
	}
	cut := preferredBoundary(content, 0, size, truncateTailFraction)
	return content[:cut]
}

// preferredBoundary looks for a '.' or '\n' within the last fraction of the
// [start,end) window and cuts there; otherwise cuts exactly at end.
func preferredBoundary(content string, start, end int, fraction float64) int {
	windowLen := end - start
	tailStart := end - int(float64(windowLen)*fraction)
	if tailStart < start {
		tailStart = start
	}

	search := content[tailStart:end]
	if idx := strings.LastIndexAny(search, ".\n"); idx != -1 {
		return tailStart + idx + 1
	}
	return end
}

// prechunkIfLarge applies the 70/30 head-tail split to fields over
// largeFieldThreshold before the normal strategy runs: keep the first 70%
// and last 30% of the token budget, sentence-boundary trimmed, joined by a
// space.
func prechunkIfLarge(content string, tokenLimit int) string {
	if len(content) <= largeFieldThreshold {
		return content
	}

	budget := ChunkSize(tokenLimit) * 4 // generous multi-chunk budget for the prechunk pass
	if budget <= 0 || budget >= len(content) {
		return content
	}

	headLen := int(float64(budget) * 0.7)
	tailLen := budget - headLen

	head := content[:headLen]
	if idx := strings.LastIndexAny(head, ".\n"); idx != -1 {
		head = head[:idx+1]
	}

	tailStart := len(content) - tailLen
	if tailStart < 0 {
		tailStart = 0
	}
	tail := content[tailStart:]
	if idx := strings.IndexAny(tail, ".\n"); idx != -1 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}

	return strings.TrimSpace(head) + " " + strings.TrimSpace(tail)
}
