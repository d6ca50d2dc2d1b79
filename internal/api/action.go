package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/relayai/core/internal/metrics"
)

// ActionHandler executes one registered autonomous action locally.
type ActionHandler func(ctx context.Context, params json.RawMessage) (any, error)

type actionRequest struct {
	ActionID string          `json:"action_id"`
	Params   json.RawMessage `json:"params,omitempty"`
}

type actionResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleAction dispatches to a locally registered action handler, or
// forwards once to the top-ranked node for the action_id. Actions never
// failover or retry across nodes: spec §4.4 treats them as non-idempotent.
func (h *handler) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ActionID == "" {
		writeError(w, http.StatusBadRequest, "action_id is required")
		return
	}

	ctx := r.Context()

	if fn, ok := h.cfg.Actions[req.ActionID]; ok {
		data, err := fn(ctx, req.Params)
		if err != nil {
			writeJSON(w, http.StatusOK, actionResponse{Status: "error", Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{Status: "ok", Data: data})
		return
	}

	if h.cfg.Registry == nil || h.cfg.Forwarder == nil {
		writeError(w, http.StatusNotFound, "unknown action_id")
		return
	}

	ranked := h.cfg.Registry.Rank(req.ActionID)
	if len(ranked) == 0 {
		writeError(w, http.StatusNotFound, "no node owns action_id "+req.ActionID)
		return
	}
	target := ranked[0].Node

	result, err := h.cfg.Forwarder.ForwardAction(ctx, target, target.BaseURL+"/api/ai-engine/action", req)
	if err != nil {
		metrics.Global().RecordForward(false)
		writeError(w, http.StatusBadGateway, "forward action failed: "+err.Error())
		return
	}
	metrics.Global().RecordForward(true)

	w.Header().Set("Content-Type", "application/json")
	w.Write(result.Body)
}
