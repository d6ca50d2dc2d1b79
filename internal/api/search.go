package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/relayai/core/internal/logging"
	"github.com/relayai/core/internal/metrics"
	"golang.org/x/sync/errgroup"
)

type searchRequest struct {
	Query       string         `json:"query"`
	Collections []string       `json:"collections"`
	Limit       int            `json:"limit,omitempty"`
	Filters     map[string]any `json:"filters,omitempty"`
}

type searchResultView struct {
	ID       string         `json:"id"`
	Content  string         `json:"content,omitempty"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type searchResponse struct {
	Results []searchResultView `json:"results"`
}

const defaultSearchLimit = 5

// handleSearch fans a query out across every requested collection in
// parallel (spec §5's batched-search requirement), tolerating a failing
// collection without failing the whole response.
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" || len(req.Collections) == 0 {
		writeError(w, http.StatusBadRequest, "query and collections are required")
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}

	g, ctx := errgroup.WithContext(r.Context())

	var mu sync.Mutex
	var results []searchResultView

	for _, collection := range req.Collections {
		collection := collection
		g.Go(func() error {
			started := time.Now()
			hits, err := h.searchCollection(ctx, collection, req)
			if err != nil {
				logging.Op().Warn("search: collection failed", "collection", collection, "error", err)
				return nil
			}
			metrics.RecordVectorSearch(collection, time.Since(started).Milliseconds())

			mu.Lock()
			results = append(results, hits...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

// searchCollection answers a single collection's search either locally or by
// forwarding to the node that owns it, depending on collection ownership.
func (h *handler) searchCollection(ctx context.Context, collection string, req searchRequest) ([]searchResultView, error) {
	if h.ownsCollection(collection) || h.cfg.Registry == nil || h.cfg.Forwarder == nil {
		return h.localSearch(ctx, collection, req)
	}
	return h.forwardSearch(ctx, collection, req)
}

// localSearch embeds the query and searches this node's own vector index (C8).
func (h *handler) localSearch(ctx context.Context, collection string, req searchRequest) ([]searchResultView, error) {
	if h.cfg.Index == nil || h.cfg.Embedder == nil {
		return nil, nil
	}

	vectors, err := h.cfg.Embedder.Embed(ctx, h.cfg.EmbeddingModel, []string{req.Query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	hits, err := h.cfg.Index.Search(ctx, collection, vectors[0], req.Limit, 0, req.Filters)
	if err != nil {
		return nil, err
	}

	out := make([]searchResultView, len(hits))
	for i, hit := range hits {
		out[i] = searchResultView{ID: hit.ID, Content: hit.Content, Score: hit.Score, Metadata: hit.Metadata}
	}
	return out, nil
}

// forwardSearch ranks candidate nodes for collection and forwards the query
// to the top-scoring one, per spec §4.4's search forwarding semantics.
func (h *handler) forwardSearch(ctx context.Context, collection string, req searchRequest) ([]searchResultView, error) {
	ranked := h.cfg.Registry.Rank(collection)
	if len(ranked) == 0 {
		return nil, nil
	}
	target := ranked[0].Node

	body := searchRequest{Query: req.Query, Collections: []string{collection}, Limit: req.Limit, Filters: req.Filters}
	result, err := h.cfg.Forwarder.ForwardSearch(ctx, target, target.BaseURL+"/api/ai-engine/search", body, collection)
	if err != nil {
		metrics.Global().RecordForward(false)
		return nil, err
	}
	metrics.Global().RecordForward(true)
	if result.FailoverFrom != "" {
		metrics.Global().RecordFailover()
	}

	var resp searchResponse
	if err := json.Unmarshal(result.Body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}
