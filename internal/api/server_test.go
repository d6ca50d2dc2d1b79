package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/engine"
	"github.com/relayai/core/internal/vectorindex"
)

type fakeEngine struct {
	response string
	err      error
}

func (f *fakeEngine) Complete(context.Context, engine.CompletionRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(context.Context, string, []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return [][]float32{f.vector}, nil
}

func vectorIndexFor(t *testing.T, baseURL string) *vectorindex.Client {
	t.Helper()
	return vectorindex.New(baseURL)
}

func TestHandlePingReturnsLocalNodeCapabilities(t *testing.T) {
	h := &handler{cfg: ServerConfig{LocalNode: &domain.Node{
		Slug:        "node-a",
		Name:        "Node A",
		Status:      domain.NodeStatusActive,
		Collections: []domain.Collection{{Name: "billing"}},
	}}}

	req := httptest.NewRequest(http.MethodGet, "/api/ai-engine/ping", nil)
	rec := httptest.NewRecorder()
	h.handlePing(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp pingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Slug != "node-a" || len(resp.Collections) != 1 {
		t.Fatalf("unexpected ping response: %+v", resp)
	}
}

func TestHandleChatRequiresSessionAndMessage(t *testing.T) {
	h := &handler{cfg: ServerConfig{}}

	req := httptest.NewRequest(http.MethodPost, "/api/ai-engine/chat", strings.NewReader(`{"message":""}`))
	rec := httptest.NewRecorder()
	h.handleChat(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleChatAnswersLocallyWithEngine(t *testing.T) {
	h := &handler{cfg: ServerConfig{Engine: &fakeEngine{response: "hello there"}}}

	body := `{"session_id":"s1","message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/ai-engine/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleChat(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Response != "hello there" {
		t.Fatalf("unexpected response: %q", resp.Response)
	}
}

func TestHandleSearchFansOutAcrossCollections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":[{"id":"p1","score":0.9,"payload":{"content":"a fact"}}]}`))
	}))
	defer srv.Close()

	h := &handler{cfg: ServerConfig{
		LocalNode:      &domain.Node{Slug: "node-a"},
		Index:          vectorIndexFor(t, srv.URL),
		Embedder:       &fakeEmbedder{vector: []float32{0.1, 0.2}},
		EmbeddingModel: "embed-test",
	}}

	body := `{"query":"what is x","collections":["billing","support"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/ai-engine/search", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleSearch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results (one per collection), got %d", len(resp.Results))
	}
}

func TestHandleActionDispatchesToRegisteredHandler(t *testing.T) {
	h := &handler{cfg: ServerConfig{
		Actions: map[string]ActionHandler{
			"summarize": func(context.Context, json.RawMessage) (any, error) {
				return map[string]string{"summary": "done"}, nil
			},
		},
	}}

	body := `{"action_id":"summarize"}`
	req := httptest.NewRequest(http.MethodPost, "/api/ai-engine/action", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleAction(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp actionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("unexpected status: %q", resp.Status)
	}
}

func TestHandleActionUnknownReturns404(t *testing.T) {
	h := &handler{cfg: ServerConfig{}}

	body := `{"action_id":"nonexistent"}`
	req := httptest.NewRequest(http.MethodPost, "/api/ai-engine/action", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleAction(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
