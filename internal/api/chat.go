package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/engine"
	"github.com/relayai/core/internal/metrics"
	"github.com/relayai/core/internal/rag"
)

const defaultSystemPrompt = "You are a helpful assistant for this federated AI node."

type chatOptions struct {
	UserID      string   `json:"user_id,omitempty"`
	Collections []string `json:"collections,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type chatRequest struct {
	Message   string      `json:"message"`
	SessionID string      `json:"session_id"`
	Options   chatOptions `json:"options"`
}

type chatResponse struct {
	Response string         `json:"response"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type chatStreamFrame struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}

	ctx := r.Context()

	var session *domain.SessionState
	if h.cfg.Sessions != nil {
		loaded, err := h.cfg.Sessions.Get(ctx, req.SessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "session lookup failed")
			return
		}
		session = loaded
	}
	if session == nil {
		session = &domain.SessionState{SessionID: req.SessionID, UserID: req.Options.UserID}
	}

	if h.cfg.Policy != nil && h.cfg.Registry != nil && h.cfg.Forwarder != nil {
		decision := h.cfg.Policy.Decide(ctx, req.Message, session, h.localMetadata())
		forwardable := decision.Action == domain.ActionReRoute || decision.Action == domain.ActionContinue
		if forwardable && decision.NodeSlug != "" && decision.NodeSlug != h.localSlug() {
			h.forwardChat(w, r, decision.NodeSlug, req, session)
			return
		}
	}

	h.answerChatLocally(w, r, req, session)
}

func (h *handler) forwardChat(w http.ResponseWriter, r *http.Request, nodeSlug string, req chatRequest, session *domain.SessionState) {
	node, ok := h.cfg.Registry.Get(nodeSlug)
	if !ok {
		writeError(w, http.StatusBadGateway, "routed node not found")
		return
	}

	collection := strings.Join(req.Options.Collections, ",")
	result, err := h.cfg.Forwarder.ForwardChat(r.Context(), node, node.BaseURL+"/api/ai-engine/chat", req, collection)
	if err != nil {
		metrics.Global().RecordForward(false)
		writeError(w, http.StatusBadGateway, "forward chat failed: "+err.Error())
		return
	}
	metrics.Global().RecordForward(true)
	if result.FailoverFrom != "" {
		metrics.Global().RecordFailover()
	}

	var resp chatResponse
	if err := json.Unmarshal(result.Body, &resp); err == nil {
		if h.cfg.Sessions != nil {
			_, _ = h.cfg.Sessions.AppendTurn(r.Context(), session.SessionID, session.UserID, result.NodeSlug,
				domain.ChatTurn{Role: "user", Content: req.Message}, len(session.History)+2)
			_, _ = h.cfg.Sessions.AppendTurn(r.Context(), session.SessionID, session.UserID, result.NodeSlug,
				domain.ChatTurn{Role: "assistant", Content: resp.Response}, len(session.History)+2)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(result.Body)
}

func (h *handler) answerChatLocally(w http.ResponseWriter, r *http.Request, req chatRequest, session *domain.SessionState) {
	if req.Options.Stream {
		h.streamChatLocally(w, r, req, session)
		return
	}

	ctx := r.Context()
	var answer string
	var err error

	if h.cfg.RAG != nil && len(req.Options.Collections) > 0 {
		answer, _, err = h.cfg.RAG.Chat(ctx, defaultSystemPrompt, req.Options.Collections[0], req.Message, req.Options.UserID, nil, nil, nil, rag.Options{})
	} else if h.cfg.Engine != nil {
		answer, err = h.cfg.Engine.Complete(ctx, engine.CompletionRequest{
			SystemPrompt: defaultSystemPrompt,
			Messages:     historyToMessages(session, req.Message),
		})
	} else {
		writeError(w, http.StatusServiceUnavailable, "no answer engine configured")
		return
	}

	if err != nil {
		writeError(w, http.StatusBadGateway, "chat failed: "+err.Error())
		return
	}

	if h.cfg.Sessions != nil {
		window := len(session.History) + 2
		_, _ = h.cfg.Sessions.AppendTurn(ctx, session.SessionID, session.UserID, h.localSlug(), domain.ChatTurn{Role: "user", Content: req.Message}, window)
		_, _ = h.cfg.Sessions.AppendTurn(ctx, session.SessionID, session.UserID, h.localSlug(), domain.ChatTurn{Role: "assistant", Content: answer}, window)
	}

	writeJSON(w, http.StatusOK, chatResponse{Response: answer, Metadata: h.localMetadataAny()})
}

func (h *handler) streamChatLocally(w http.ResponseWriter, r *http.Request, req chatRequest, session *domain.SessionState) {
	ctx := r.Context()

	var chunks <-chan engine.StreamChunk
	var err error

	if h.cfg.RAG != nil && len(req.Options.Collections) > 0 {
		chunks, _, err = h.cfg.RAG.StreamChat(ctx, defaultSystemPrompt, req.Options.Collections[0], req.Message, req.Options.UserID, nil, nil, nil, rag.Options{})
	} else if streaming, ok := h.cfg.Engine.(engine.StreamingEngine); ok {
		chunks, err = streaming.Stream(ctx, engine.CompletionRequest{
			SystemPrompt: defaultSystemPrompt,
			Messages:     historyToMessages(session, req.Message),
		})
	} else {
		writeError(w, http.StatusNotImplemented, "streaming not supported by configured engine")
		return
	}

	if err != nil {
		writeError(w, http.StatusBadGateway, "chat stream failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	var full strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			break
		}
		full.WriteString(chunk.Delta)
		_ = enc.Encode(chatStreamFrame{Response: chunk.Delta, Done: chunk.Done})
		bw.Flush()
		if flusher != nil {
			flusher.Flush()
		}
	}

	if h.cfg.Sessions != nil {
		window := len(session.History) + 2
		_, _ = h.cfg.Sessions.AppendTurn(ctx, session.SessionID, session.UserID, h.localSlug(), domain.ChatTurn{Role: "user", Content: req.Message}, window)
		_, _ = h.cfg.Sessions.AppendTurn(ctx, session.SessionID, session.UserID, h.localSlug(), domain.ChatTurn{Role: "assistant", Content: full.String()}, window)
	}
}

func (h *handler) localMetadataAny() map[string]any {
	meta := h.localMetadata()
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
