package domain

// ChatTurn is one turn of session history.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionState is the transient per-session record consulted by the routing
// policy. History is truncated to the most recent W turns (default 3) before
// being handed to the policy — see routing.Policy.
type SessionState struct {
	SessionID         string     `json:"session_id"`
	UserID            string     `json:"user_id,omitempty"`
	LastRoutedNodeSlug string    `json:"last_routed_node_slug,omitempty"`
	History           []ChatTurn `json:"history"`
}

// RecentHistory returns the most recent w turns, oldest first.
func (s *SessionState) RecentHistory(w int) []ChatTurn {
	if w <= 0 || len(s.History) <= w {
		return s.History
	}
	return s.History[len(s.History)-w:]
}

// RoutingAction is the routing policy's verdict for a turn.
type RoutingAction string

const (
	ActionContinue RoutingAction = "CONTINUE"
	ActionReRoute  RoutingAction = "RE_ROUTE"
	ActionLocal    RoutingAction = "LOCAL"
)

// RoutingDecision is the output of the routing policy (C6) for one turn.
type RoutingDecision struct {
	Action   RoutingAction `json:"action"`
	NodeSlug string        `json:"node_slug,omitempty"`
}
