// Package domain holds the shared record types and error taxonomy for the
// routing core: nodes, circuit breaker state, request logs, vector records,
// and the routing digest/session types threaded between components.
package domain

import "time"

// RefreshTokenGracePeriod is how long a rotated-out refresh token remains
// valid after a newer one is issued, per spec §6.
const RefreshTokenGracePeriod = 10 * time.Minute

// NodeType distinguishes the master orchestrator from a child node.
type NodeType string

const (
	NodeTypeMaster NodeType = "master"
	NodeTypeChild  NodeType = "child"
)

// NodeStatus is the administrative/health status of a node.
type NodeStatus string

const (
	NodeStatusActive      NodeStatus = "active"
	NodeStatusInactive    NodeStatus = "inactive"
	NodeStatusMaintenance NodeStatus = "maintenance"
	NodeStatusError       NodeStatus = "error"
)

// Collection describes one vector collection a node owns.
type Collection struct {
	Name         string   `json:"name"`
	Class        string   `json:"class"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AutonomousCollector describes one autonomous action a node can perform.
type AutonomousCollector struct {
	Name string `json:"name"`
	Goal string `json:"goal"`
}

// Node is a federated AI node: the master itself, or one of its children.
// Routable iff Status == active, PingFailures < threshold, and its breaker
// is not open (the breaker check is performed by the caller via circuitbreaker.Registry).
type Node struct {
	Slug    string   `json:"slug"`
	Name    string   `json:"name"`
	Type    NodeType `json:"type"`
	BaseURL string   `json:"base_url"`

	APIKey              string     `json:"-"`
	APIKeyExpiresAt     *time.Time `json:"api_key_expires_at,omitempty"`
	RefreshToken        string     `json:"-"`
	PreviousRefreshToken string    `json:"-"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at,omitempty"`
	PreviousRefreshExpiresAt *time.Time `json:"-"`

	Status NodeStatus `json:"status"`

	LastPingAt        *time.Time `json:"last_ping_at,omitempty"`
	PingFailures      int        `json:"ping_failures"`
	AvgResponseTimeMs float64    `json:"avg_response_time_ms"`
	ActiveConnections int64      `json:"active_connections"`

	Collections          []Collection          `json:"collections"`
	AutonomousCollectors []AutonomousCollector  `json:"autonomous_collectors"`
	Workflows            []string               `json:"workflows,omitempty"`
	Domains              []string               `json:"domains,omitempty"`
	DataTypes            []string               `json:"data_types,omitempty"`
	Keywords             []string               `json:"keywords,omitempty"`
	Version              string                 `json:"version,omitempty"`

	Weight int `json:"weight"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoutable reports whether the node itself (ignoring breaker state, which
// the registry checks separately) is eligible to receive forwarded calls.
func (n *Node) IsRoutable(pingFailureThreshold int) bool {
	if n == nil {
		return false
	}
	return n.Status == NodeStatusActive && n.PingFailures < pingFailureThreshold
}

// OwnsCollection reports whether this node owns a collection matching name,
// using case-insensitive alphanumeric-normalized comparison plus a simple
// English singular/plural tolerance (invoice/invoices, category/categories).
func (n *Node) OwnsCollection(name string) bool {
	target := normalizeCollectionName(name)
	if target == "" {
		return false
	}
	for _, c := range n.Collections {
		if collectionNamesMatch(normalizeCollectionName(c.Name), target) {
			return true
		}
	}
	return false
}

func normalizeCollectionName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		}
	}
	return string(out)
}

// collectionNamesMatch implements the exact/singular-plural scoring buckets
// of spec §4.2 collapsed to a boolean (the ranked score lives in registry.Score).
func collectionNamesMatch(a, b string) bool {
	if a == b {
		return true
	}
	return singularize(a) == singularize(b)
}

// Singularize exposes the package's English plural-stripping heuristic for
// callers outside domain that need the same singular/plural tolerance (the
// node registry's ranking function, in particular).
func Singularize(s string) string {
	return singularize(s)
}

// singularize strips common English plural suffixes. Good enough for the
// node-collection vocabulary this router deals with (invoices, categories);
// not a general-purpose inflector.
func singularize(s string) string {
	switch {
	case len(s) > 3 && hasSuffix(s, "ies"):
		return s[:len(s)-3] + "y"
	case len(s) > 2 && hasSuffix(s, "es") && (hasSuffix(s[:len(s)-2], "s") || hasSuffix(s[:len(s)-2], "x") || hasSuffix(s[:len(s)-2], "ch")):
		return s[:len(s)-2]
	case len(s) > 1 && hasSuffix(s, "s"):
		return s[:len(s)-1]
	default:
		return s
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
