package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relayai/core/internal/chunker"
	"github.com/relayai/core/internal/vectorindex"
)

type fakeEmbedder struct {
	calls [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

func TestIngestUpsertsOneRecordPerChunk(t *testing.T) {
	var upsertBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/points") {
			_ = json.NewDecoder(r.Body).Decode(&upsertBody)
		}
		w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	index := vectorindex.New(srv.URL)
	embedder := &fakeEmbedder{}
	ing := New(chunker.New(0), embedder, index, "default")

	content := strings.Repeat("sentence one. sentence two. ", 1000)
	err := ing.Ingest(context.Background(), "docs", "Document", "42", content, map[string]any{"workspace_id": 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	points, _ := upsertBody["points"].([]any)
	if len(points) == 0 {
		t.Fatalf("expected at least one point upserted")
	}
	if len(embedder.calls) != 1 || len(embedder.calls[0]) != len(points) {
		t.Fatalf("expected one embed call covering every chunk, got calls=%v points=%d", embedder.calls, len(points))
	}

	first := points[0].(map[string]any)
	payload := first["payload"].(map[string]any)
	if payload["workspace_id"].(float64) != 5 {
		t.Fatalf("expected caller metadata to survive into the payload: %+v", payload)
	}
	if _, ok := payload["content"]; !ok {
		t.Fatalf("expected chunk content in payload: %+v", payload)
	}
}

func TestIngestSkipsEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request for empty content: %s", r.URL.Path)
	}))
	defer srv.Close()

	index := vectorindex.New(srv.URL)
	embedder := &fakeEmbedder{}
	ing := New(chunker.New(0), embedder, index, "default")

	if err := ing.Ingest(context.Background(), "docs", "Document", "1", "", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandleReindexActionValidatesParams(t *testing.T) {
	index := vectorindex.New("http://unused.invalid")
	ing := New(chunker.New(0), &fakeEmbedder{}, index, "default")

	_, err := ing.HandleReindexAction(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected validation error for missing required fields")
	}
}
