// Package ingest wires the content chunker (C7) and the embedding/vector
// index manager (C8) into the write-side half of the embedding & RAG
// pipeline spec §1 names: split content into token-budgeted chunks, embed
// each chunk, and upsert it as a VectorRecord with a stable point ID.
//
// Spec §1 scopes AI model drivers and persistence internals out of the
// core, so this package has no HTTP surface of its own; a node wires it
// behind whatever trigger re-indexes a record (here, an autonomous-action
// handler — see HandleReindexAction), grounded on the stage pipeline shape
// of other_examples/25db3955_WessleyAI-wessley-mvp's ingest.go (Validate →
// Parse → Chunk → Embed → Store), collapsed to a single synchronous call
// since this module has no message-queue dependency to stage across.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/relayai/core/internal/chunker"
	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/engine"
	"github.com/relayai/core/internal/vectorindex"
)

// Ingester chunks, embeds, and upserts content into a vector collection.
type Ingester struct {
	chunker        *chunker.Chunker
	embedder       engine.Embedder
	index          *vectorindex.Client
	embeddingModel string
}

// New creates an Ingester.
func New(c *chunker.Chunker, embedder engine.Embedder, index *vectorindex.Client, embeddingModel string) *Ingester {
	return &Ingester{chunker: c, embedder: embedder, index: index, embeddingModel: embeddingModel}
}

// Ingest splits content into chunks sized for the configured embedding
// model, embeds each chunk, and upserts the resulting records under point
// IDs derived from (modelClass, modelID, chunkIndex) — stable and
// deterministic across re-ingestion of the same logical record, per spec
// §3's VectorRecord invariant and §4.8's PointID rule.
func (i *Ingester) Ingest(ctx context.Context, collection, modelClass, modelID, content string, metadata map[string]any) error {
	chunks := i.chunker.Split(ctx, content, i.embeddingModel)
	if len(chunks) == 0 {
		return nil
	}

	vectors, err := i.embedder.Embed(ctx, i.embeddingModel, chunks)
	if err != nil {
		return err
	}
	if len(vectors) != len(chunks) {
		return domain.NewValidationError("embedder returned a different chunk count than requested", nil)
	}

	hasChunkIndex := len(chunks) > 1
	records := make([]domain.VectorRecord, len(chunks))
	for idx, text := range chunks {
		payload := make(map[string]any, len(metadata)+2)
		for k, v := range metadata {
			payload[k] = v
		}
		payload["content"] = text
		if hasChunkIndex {
			payload["chunk_index"] = idx
		}

		records[idx] = domain.VectorRecord{
			Collection: collection,
			PointID:    vectorindex.PointID(modelClass, modelID, idx, hasChunkIndex),
			Vector:     vectors[idx],
			Metadata:   payload,
		}
	}

	return i.index.Upsert(ctx, collection, records)
}

// reindexParams is the params payload for HandleReindexAction, matching the
// {action_id, params} shape spec §6 defines for /api/ai-engine/action.
type reindexParams struct {
	Collection string         `json:"collection"`
	ModelClass string         `json:"model_class"`
	ModelID    string         `json:"model_id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// HandleReindexAction adapts Ingest to the api.ActionHandler shape so a node
// can expose re-indexing as one of its autonomous_collectors actions.
func (i *Ingester) HandleReindexAction(ctx context.Context, params json.RawMessage) (any, error) {
	var p reindexParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, domain.NewValidationError("decode reindex action params", err)
	}
	if p.Collection == "" || p.ModelClass == "" || p.ModelID == "" {
		return nil, domain.NewValidationError("collection, model_class, and model_id are required", nil)
	}

	if err := i.Ingest(ctx, p.Collection, p.ModelClass, p.ModelID, p.Content, p.Metadata); err != nil {
		return nil, err
	}
	return map[string]any{"indexed": true, "collection": p.Collection, "model_id": p.ModelID}, nil
}
