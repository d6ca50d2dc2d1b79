package domain

import "time"

// CircuitState is one of the three breaker states of spec §4.1.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerState is the persisted per-node breaker record.
type CircuitBreakerState struct {
	NodeSlug       string       `json:"node_slug"`
	State          CircuitState `json:"state"`
	FailureCount   int          `json:"failure_count"`
	SuccessCount   int          `json:"success_count"`
	LastFailureAt  *time.Time   `json:"last_failure_at,omitempty"`
	LastSuccessAt  *time.Time   `json:"last_success_at,omitempty"`
	OpenedAt       *time.Time   `json:"opened_at,omitempty"`
	NextRetryAt    *time.Time   `json:"next_retry_at,omitempty"`
	ConsecutiveOpens int        `json:"consecutive_opens"`
}
