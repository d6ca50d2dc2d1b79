package api

import (
	"net/http"

	"github.com/relayai/core/internal/domain"
)

// pingResponse mirrors the capability fields a caller needs to rank this
// node for routing, per spec §6's /api/ai-engine/ping contract.
type pingResponse struct {
	Slug                 string                        `json:"slug"`
	Name                 string                        `json:"name"`
	Status               domain.NodeStatus             `json:"status"`
	Collections          []domain.Collection           `json:"collections"`
	AutonomousCollectors []domain.AutonomousCollector   `json:"autonomous_collectors"`
	Workflows            []string                      `json:"workflows,omitempty"`
	Domains              []string                      `json:"domains,omitempty"`
	DataTypes            []string                      `json:"data_types,omitempty"`
	Keywords             []string                      `json:"keywords,omitempty"`
	Version              string                        `json:"version,omitempty"`
	ActiveConnections    int64                         `json:"active_connections"`
}

func (h *handler) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	node := h.cfg.LocalNode
	if node == nil {
		writeError(w, http.StatusServiceUnavailable, "local node not configured")
		return
	}

	var active int64
	if h.cfg.Registry != nil {
		active = h.cfg.Registry.ActiveConnections(node.Slug)
	}

	writeJSON(w, http.StatusOK, pingResponse{
		Slug:                 node.Slug,
		Name:                 node.Name,
		Status:               node.Status,
		Collections:          node.Collections,
		AutonomousCollectors: node.AutonomousCollectors,
		Workflows:            node.Workflows,
		Domains:              node.Domains,
		DataTypes:            node.DataTypes,
		Keywords:             node.Keywords,
		Version:              node.Version,
		ActiveConnections:    active,
	})
}
