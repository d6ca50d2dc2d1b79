package chunker

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	got := EstimateTokens("0123456789")
	if got != 7 {
		t.Fatalf("expected ~7 tokens for 10 chars, got %d", got)
	}
}

func TestSplitProducesOverlappingWindows(t *testing.T) {
	c := New(0)
	content := strings.Repeat("the quick brown fox jumps. ", 500)

	chunks := c.Split(context.Background(), content, "text-embedding-3-small")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for long content, got %d", len(chunks))
	}
	for _, chunk := range chunks {
		if chunk == "" {
			t.Fatal("unexpected empty chunk")
		}
	}
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		tail := prev[len(prev)-defaultOverlap:]
		if !strings.HasPrefix(chunks[i], tail) {
			t.Fatalf("expected chunk %d to begin with the last %d chars of chunk %d", i, defaultOverlap, i-1)
		}
	}
}

func TestTruncatePrefersSentenceBoundary(t *testing.T) {
	c := New(0)
	content := strings.Repeat("a", 100) + ". " + strings.Repeat("b", 100)

	out := c.Truncate(context.Background(), content, "voyage-2")
	if len(out) == 0 {
		t.Fatal("expected non-empty truncated output")
	}
	if strings.Contains(out, "b") && !strings.HasSuffix(out, ".") {
		// acceptable only if the content was short enough not to truncate
		if len(content) > ChunkSize(TokenLimit("voyage-2")) {
			t.Fatalf("expected truncation to cut at a sentence boundary, got %q", out)
		}
	}
}

func TestSplitHandlesShortContent(t *testing.T) {
	c := New(0)
	chunks := c.Split(context.Background(), "short text", "text-embedding-3-small")
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Fatalf("expected single unchanged chunk, got %v", chunks)
	}
}

type fakeTokenLimitStore struct {
	limit int
	ok    bool
	err   error
}

func (f fakeTokenLimitStore) GetModelTokenLimit(context.Context, string) (int, bool, error) {
	return f.limit, f.ok, f.err
}

func TestTokenLimitPrefersStoreOverride(t *testing.T) {
	c := New(0).WithStore(fakeTokenLimitStore{limit: 500, ok: true})
	if got := c.tokenLimitFor(context.Background(), "text-embedding-3-small"); got != 500 {
		t.Fatalf("expected store override 500, got %d", got)
	}
}

func TestTokenLimitFallsBackWhenStoreMisses(t *testing.T) {
	c := New(0).WithStore(fakeTokenLimitStore{ok: false})
	if got := c.tokenLimitFor(context.Background(), "text-embedding-3-small"); got != TokenLimit("text-embedding-3-small") {
		t.Fatalf("expected fallback to family table, got %d", got)
	}
}

func TestTokenLimitFallsBackOnStoreError(t *testing.T) {
	c := New(0).WithStore(fakeTokenLimitStore{err: errBoom})
	if got := c.tokenLimitFor(context.Background(), "voyage-2"); got != TokenLimit("voyage-2") {
		t.Fatalf("expected fallback on store error, got %d", got)
	}
}

var errBoom = fmt.Errorf("boom")
