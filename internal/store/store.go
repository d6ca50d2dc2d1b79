package store

import (
	"context"
	"time"

	"github.com/relayai/core/internal/domain"
)

// NodeUpdate contains optional fields for a partial node update.
type NodeUpdate struct {
	Name                  *string
	BaseURL               *string
	APIKey                *string
	APIKeyExpiresAt       *time.Time
	RefreshToken          *string
	RefreshTokenExpiresAt *time.Time
	Status                *domain.NodeStatus
	LastPingAt            *time.Time
	PingFailures          *int
	AvgResponseTimeMs     *float64
	Weight                *int
}

// RequestLogFilter narrows ListRequestLogs queries.
type RequestLogFilter struct {
	NodeSlug string
	Status   domain.RequestStatus
	Since    time.Time
	Limit    int
}

// MetadataStore is the durable metadata store: nodes, breaker state,
// best-effort request logs, and per-node rate-limit tiers.
type MetadataStore interface {
	Close() error
	Ping(ctx context.Context) error

	SaveNode(ctx context.Context, n *domain.Node) error
	GetNode(ctx context.Context, slug string) (*domain.Node, error)
	ListNodes(ctx context.Context) ([]*domain.Node, error)
	ListActiveNodes(ctx context.Context) ([]*domain.Node, error)
	UpdateNode(ctx context.Context, slug string, update *NodeUpdate) (*domain.Node, error)
	DeleteNode(ctx context.Context, slug string) error

	SaveBreakerState(ctx context.Context, st *domain.CircuitBreakerState) error
	GetBreakerState(ctx context.Context, nodeSlug string) (*domain.CircuitBreakerState, error)
	ListBreakerStates(ctx context.Context) ([]*domain.CircuitBreakerState, error)

	// SaveRequestLog is best-effort: a failure to persist a log entry must
	// never fail the request it describes. Implementations should not
	// return errors that the caller is expected to act on synchronously.
	SaveRequestLog(ctx context.Context, log *domain.NodeRequestLog) error
	ListRequestLogs(ctx context.Context, filter RequestLogFilter) ([]*domain.NodeRequestLog, error)

	SaveTokenLimit(ctx context.Context, key string, requestsPerSecond float64, burstSize int) error
	GetTokenLimit(ctx context.Context, key string) (requestsPerSecond float64, burstSize int, ok bool, err error)
	ListTokenLimits(ctx context.Context) (map[string][2]float64, error)

	SaveModelTokenLimit(ctx context.Context, model string, tokenLimit int) error
	GetModelTokenLimit(ctx context.Context, model string) (tokenLimit int, ok bool, err error)

	SaveSecret(ctx context.Context, name, encryptedValue string) error
	GetSecret(ctx context.Context, name string) (string, error)
	DeleteSecret(ctx context.Context, name string) error
}

// Store is the aggregate persistence handle used throughout relayd/relaynode.
type Store struct {
	MetadataStore
}

// NewStore wraps a MetadataStore implementation.
func NewStore(meta MetadataStore) *Store {
	return &Store{MetadataStore: meta}
}
