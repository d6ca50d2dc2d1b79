// Package rag implements the RAG retriever (C9): filter merging, query
// embedding, vector search, context formatting, and an engine-backed chat
// call over the retrieved context, per spec §4.9.
package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/engine"
	"github.com/relayai/core/internal/metrics"
	"github.com/relayai/core/internal/vectorindex"
)

// ModelFilters resolves the model-declared filters and search config for a
// model class, standing in for spec §4.9's `getVectorSearchFilters`/
// `getVectorSearchConfig` reflection hooks — callers supply a concrete
// implementation per model class rather than this package doing reflection.
type ModelFilters interface {
	VectorSearchFilters(userID string, base map[string]any) map[string]any
	VectorSearchConfig() (skipUserFilter bool, maxLimit int, minScore float64)
}

// RecordResolver resolves a vector search hit's point ID back to a domain
// record for the caller's model class.
type RecordResolver interface {
	ResolveByPointID(ctx context.Context, pointID string) (content string, metadata map[string]any, err error)
}

// Options tunes one retrieve/chat call.
type Options struct {
	Limit    int
	MinScore float64
}

// Retriever implements C9 over a vector index, an embedding-capable engine,
// and a chat-capable engine (usually the same driver for both).
type Retriever struct {
	index    *vectorindex.Client
	embedder engine.Embedder
	chat     engine.Engine

	embeddingModel   string
	defaultMaxLimit  int
	defaultMinScore  float64
	includeRelevance bool
}

// New creates a Retriever.
func New(index *vectorindex.Client, embedder engine.Embedder, chat engine.Engine, embeddingModel string, defaultMaxLimit int, defaultMinScore float64, includeRelevance bool) *Retriever {
	return &Retriever{
		index:            index,
		embedder:         embedder,
		chat:             chat,
		embeddingModel:   embeddingModel,
		defaultMaxLimit:  defaultMaxLimit,
		defaultMinScore:  defaultMinScore,
		includeRelevance: includeRelevance,
	}
}

// Source is one retrieved context item with its resolved content.
type Source struct {
	PointID  string
	Content  string
	Score    float64
	Metadata map[string]any
}

// Retrieve runs the full retrieve pipeline: merge filters, embed the query,
// search C8, resolve metadata rows back to domain records.
func (r *Retriever) Retrieve(ctx context.Context, collection, query string, userID string, baseFilter map[string]any, model ModelFilters, resolver RecordResolver, opts Options) ([]Source, error) {
	started := time.Now()
	defer func() {
		metrics.RecordRAGRetrieval(collection, time.Since(started).Milliseconds())
		metrics.Global().RecordRAGRetrieval()
	}()

	filter := r.buildFilter(userID, baseFilter, model)

	limit := opts.Limit
	minScore := opts.MinScore
	if model != nil {
		skipUserFilter, maxLimit, configMinScore := model.VectorSearchConfig()
		if skipUserFilter {
			delete(filter, "user_id")
		}
		if limit == 0 {
			limit = maxLimit
		}
		if minScore == 0 {
			minScore = configMinScore
		}
	}
	if limit == 0 {
		limit = r.defaultMaxLimit
	}
	if minScore == 0 {
		minScore = r.defaultMinScore
	}

	vectors, err := r.embedder.Embed(ctx, r.embeddingModel, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, domain.ErrInsufficientContext
	}

	hits, err := r.index.Search(ctx, collection, vectors[0], limit, minScore, filter)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		return nil, domain.ErrInsufficientContext
	}

	sources := make([]Source, 0, len(hits))
	for _, hit := range hits {
		content := hit.Content
		metadata := hit.Metadata
		if resolver != nil {
			resolvedContent, resolvedMetadata, err := resolver.ResolveByPointID(ctx, hit.ID)
			if err == nil {
				content = resolvedContent
				metadata = resolvedMetadata
			}
		}
		sources = append(sources, Source{PointID: hit.ID, Content: content, Score: hit.Score, Metadata: metadata})
	}

	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Score > sources[j].Score })
	return sources, nil
}

// buildFilter merges caller-supplied filters with model-declared filters.
func (r *Retriever) buildFilter(userID string, base map[string]any, model ModelFilters) map[string]any {
	merged := make(map[string]any, len(base))
	for k, v := range base {
		merged[k] = v
	}
	if model != nil {
		for k, v := range model.VectorSearchFilters(userID, merged) {
			merged[k] = v
		}
	}
	return merged
}

// FormatContext renders sources into the "[Source N]\n<content>" block
// joined by "\n\n---\n\n", per spec §4.9 step 5.
func FormatContext(sources []Source, includeRelevance bool) string {
	parts := make([]string, len(sources))
	for i, s := range sources {
		var b strings.Builder
		fmt.Fprintf(&b, "[Source %d]", i+1)
		if includeRelevance {
			fmt.Fprintf(&b, " (Relevance: %.1f%%)", s.Score*100)
		}
		b.WriteString("\n")
		b.WriteString(s.Content)
		parts[i] = b.String()
	}
	return strings.Join(parts, "\n\n---\n\n")
}

const chatSystemPromptTemplate = "%s\n\nCONTEXT INFORMATION:\n%s\n\nUSER QUESTION:\n%s"

// noSourcesAnnotation is prefixed to the answer when InsufficientContext was
// recovered locally, per spec §7: "the response annotates 'no relevant
// sources'".
const noSourcesAnnotation = "(no relevant sources found)\n\n"

// promptFor builds the chat prompt for a retrieval outcome. When retrieveErr
// is ErrInsufficientContext, it degrades to systemPrompt with no context
// block rather than propagating the error — spec §7 recovers
// InsufficientContext locally instead of surfacing it.
func promptFor(systemPrompt, query string, sources []Source, includeRelevance bool, retrieveErr error) (string, bool, error) {
	if retrieveErr != nil {
		if !errors.Is(retrieveErr, domain.ErrInsufficientContext) {
			return "", false, retrieveErr
		}
		return systemPrompt, true, nil
	}
	block := FormatContext(sources, includeRelevance)
	return fmt.Sprintf(chatSystemPromptTemplate, systemPrompt, block, query), false, nil
}

// Chat retrieves context for query and answers it via the configured chat
// engine, with the exact prompt shape spec §4.9 specifies. If retrieval
// finds no sources above threshold, the engine is still called — without a
// context block — and the answer is annotated rather than the call failing
// (spec §7's InsufficientContext recovery).
func (r *Retriever) Chat(ctx context.Context, systemPrompt, collection, query, userID string, baseFilter map[string]any, model ModelFilters, resolver RecordResolver, opts Options) (string, []Source, error) {
	sources, retrieveErr := r.Retrieve(ctx, collection, query, userID, baseFilter, model, resolver, opts)
	prompt, noSources, err := promptFor(systemPrompt, query, sources, r.includeRelevance, retrieveErr)
	if err != nil {
		return "", nil, err
	}

	answer, err := r.chat.Complete(ctx, engine.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     []engine.Message{{Role: "user", Content: query}},
	})
	if err != nil {
		return "", sources, err
	}
	if noSources {
		answer = noSourcesAnnotation + answer
	}
	return answer, sources, nil
}

// StreamChat is the streaming variant of Chat: tokens are yielded as
// produced while the full response is buffered for post-call logging by
// the caller (spec §4.9). InsufficientContext is recovered the same way as
// Chat — the annotation is sent as the stream's first chunk.
func (r *Retriever) StreamChat(ctx context.Context, systemPrompt, collection, query, userID string, baseFilter map[string]any, model ModelFilters, resolver RecordResolver, opts Options) (<-chan engine.StreamChunk, []Source, error) {
	streaming, ok := r.chat.(engine.StreamingEngine)
	if !ok {
		return nil, nil, fmt.Errorf("configured chat engine does not support streaming")
	}

	sources, retrieveErr := r.Retrieve(ctx, collection, query, userID, baseFilter, model, resolver, opts)
	prompt, noSources, err := promptFor(systemPrompt, query, sources, r.includeRelevance, retrieveErr)
	if err != nil {
		return nil, nil, err
	}

	chunks, err := streaming.Stream(ctx, engine.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     []engine.Message{{Role: "user", Content: query}},
	})
	if err != nil {
		return nil, sources, err
	}
	if !noSources {
		return chunks, sources, nil
	}

	annotated := make(chan engine.StreamChunk, 1)
	annotated <- engine.StreamChunk{Delta: noSourcesAnnotation}
	go func() {
		defer close(annotated)
		for c := range chunks {
			annotated <- c
		}
	}()
	return annotated, sources, nil
}
