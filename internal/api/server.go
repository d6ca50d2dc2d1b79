// Package api implements the inter-node HTTP API of spec §6: chat, search,
// action, and ping, served by every relaynode and by relayd itself when it
// answers a call locally instead of routing it onward.
package api

import (
	"net/http"

	"github.com/relayai/core/internal/auth"
	"github.com/relayai/core/internal/circuitbreaker"
	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/engine"
	"github.com/relayai/core/internal/forwarder"
	"github.com/relayai/core/internal/metrics"
	"github.com/relayai/core/internal/rag"
	"github.com/relayai/core/internal/registry"
	"github.com/relayai/core/internal/routing"
	"github.com/relayai/core/internal/store"
	"github.com/relayai/core/internal/vectorindex"
)

// ServerConfig holds every dependency an api.Server may call into. A
// relaynode leaves Registry/Forwarder/Policy nil and answers every request
// locally; relayd sets them so chat/search/action can route onward before
// falling back to a local answer.
type ServerConfig struct {
	LocalNode *domain.Node

	Signer      *auth.Signer
	RequireAuth bool

	Sessions *store.SessionStore
	Store    store.MetadataStore

	Registry  *registry.Registry
	Breakers  *circuitbreaker.Registry
	Forwarder *forwarder.Forwarder
	Policy    *routing.Policy

	RAG            *rag.Retriever
	Index          *vectorindex.Client
	Engine         engine.Engine
	Embedder       engine.Embedder
	EmbeddingModel string

	// Actions maps an action_id to its local handler. Unmatched action_ids
	// fall through to the forwarder when Registry/Forwarder are set.
	Actions map[string]ActionHandler
}

type handler struct {
	cfg ServerConfig
}

// NewServer builds the /api/ai-engine mux, wraps it with trace-id
// propagation and (optionally) bearer auth, and returns an *http.Server
// ready for ListenAndServe.
func NewServer(addr string, cfg ServerConfig) *http.Server {
	h := &handler{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/ai-engine/ping", h.handlePing)
	mux.HandleFunc("/api/ai-engine/chat", h.handleChat)
	mux.HandleFunc("/api/ai-engine/search", h.handleSearch)
	mux.HandleFunc("/api/ai-engine/action", h.handleAction)
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.Handle("/api/ai-engine/debug/metrics", metrics.Global().JSONHandler())

	var top http.Handler = mux
	if cfg.RequireAuth && cfg.Signer != nil {
		authenticators := []auth.Authenticator{auth.NewBearerAuthenticator(cfg.Signer)}
		top = auth.Middleware(authenticators, []string{"/api/ai-engine/ping", "/metrics", "/api/ai-engine/debug/metrics"})(top)
	}
	top = traceMiddleware(top)

	return &http.Server{Addr: addr, Handler: top}
}

// traceMiddleware assigns a trace ID when the caller didn't send one
// (spec §6's X-Trace-Id), and echoes it back on the response.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(auth.TraceIDHeader)
		if traceID == "" {
			traceID = newTraceID()
		}
		w.Header().Set(auth.TraceIDHeader, traceID)
		next.ServeHTTP(w, r.WithContext(auth.WithTraceID(r.Context(), traceID)))
	})
}

func (h *handler) localSlug() string {
	if h.cfg.LocalNode == nil {
		return ""
	}
	return h.cfg.LocalNode.Slug
}

func (h *handler) ownsCollection(collection string) bool {
	if h.cfg.LocalNode == nil {
		return true
	}
	return h.cfg.LocalNode.OwnsCollection(collection)
}

func (h *handler) localMetadata() map[string]string {
	if h.cfg.LocalNode == nil {
		return nil
	}
	return map[string]string{
		"slug":    h.cfg.LocalNode.Slug,
		"name":    h.cfg.LocalNode.Name,
		"version": h.cfg.LocalNode.Version,
	}
}
