// Package engine abstracts the orchestration/completion model the routing
// policy (C6) and RAG retriever (C9) call out to. The routing layer itself
// never implements a model — spec §1 excludes AI model drivers from scope —
// it only defines the capability interface a driver must satisfy.
package engine

import "context"

// Message is one turn of a chat-style completion request.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest is a single non-streaming completion call.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
}

// StreamChunk is one piece of a streaming completion response.
type StreamChunk struct {
	Delta string
	Done  bool
	Err   error
}

// Engine is the capability interface any orchestration/model backend must
// satisfy: a synchronous completion call, used by the routing policy's LLM
// path and the RAG retriever's answer-generation step.
type Engine interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// StreamingEngine is an optional capability: a driver that supports
// token-by-token streaming responses for RAG chat (C9).
type StreamingEngine interface {
	Engine
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

// Embedder is the capability interface for drivers that can turn text into
// vectors, used by the RAG retriever (C9) to embed queries and by the
// ingestion path to embed content chunks before C8 upsert.
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// JSONAnalysisEngine is an optional side capability some drivers expose for
// structured, schema-constrained output (e.g. vector payload classification
// or diagnostics summaries). It is not part of the core Engine contract —
// spec's routing and RAG paths only ever need free-text completions — so a
// driver that cannot do forced-JSON output simply doesn't implement this.
type JSONAnalysisEngine interface {
	GenerateJSONAnalysis(ctx context.Context, systemPrompt, userPrompt string, schema map[string]any) (string, error)
}
