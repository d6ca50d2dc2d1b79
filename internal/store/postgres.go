package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/relayai/core/internal/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			slug TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			api_key_hash TEXT,
			refresh_token_hash TEXT,
			previous_refresh_token_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`ALTER TABLE nodes ADD COLUMN IF NOT EXISTS api_key_hash TEXT`,
		`ALTER TABLE nodes ADD COLUMN IF NOT EXISTS refresh_token_hash TEXT`,
		`ALTER TABLE nodes ADD COLUMN IF NOT EXISTS previous_refresh_token_hash TEXT`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status)`,
		// Partial unique indexes: spec §3's "slug, api_key, refresh_token are
		// unique" invariant, enforced on deterministic hashes of the secrets
		// rather than their (encrypted-elsewhere, never stored here) plaintext.
		// NULL/empty hashes are excluded so nodes with no issued credential yet
		// don't collide on an empty string.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_api_key_hash ON nodes(api_key_hash) WHERE api_key_hash IS NOT NULL AND api_key_hash <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_refresh_token_hash ON nodes(refresh_token_hash) WHERE refresh_token_hash IS NOT NULL AND refresh_token_hash <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_previous_refresh_token_hash ON nodes(previous_refresh_token_hash) WHERE previous_refresh_token_hash IS NOT NULL AND previous_refresh_token_hash <> ''`,
		`CREATE TABLE IF NOT EXISTS breaker_state (
			node_slug TEXT PRIMARY KEY REFERENCES nodes(slug) ON DELETE CASCADE,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id BIGSERIAL PRIMARY KEY,
			node_slug TEXT NOT NULL,
			request_type TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			payload JSONB,
			response JSONB,
			status_code INTEGER,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_node_time ON request_logs(node_slug, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_trace_id ON request_logs(trace_id)`,
		`CREATE TABLE IF NOT EXISTS token_limits (
			key TEXT PRIMARY KEY,
			requests_per_second DOUBLE PRECISION NOT NULL,
			burst_size INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS model_token_limits (
			model TEXT PRIMARY KEY,
			token_limit INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// hashSecret returns the hex SHA-256 digest of value, or nil for an empty
// value so the partial unique index on the column doesn't see it.
func hashSecret(value string) *string {
	if value == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(value))
	h := hex.EncodeToString(sum[:])
	return &h
}

func (s *PostgresStore) SaveNode(ctx context.Context, n *domain.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	apiKeyHash := hashSecret(n.APIKey)
	refreshTokenHash := hashSecret(n.RefreshToken)
	previousRefreshTokenHash := hashSecret(n.PreviousRefreshToken)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO nodes (slug, data, status, api_key_hash, refresh_token_hash, previous_refresh_token_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (slug) DO UPDATE SET data = $2, status = $3, api_key_hash = $4, refresh_token_hash = $5, previous_refresh_token_hash = $6, updated_at = $8
	`, n.Slug, data, string(n.Status), apiKeyHash, refreshTokenHash, previousRefreshTokenHash, n.CreatedAt, n.UpdatedAt)
	return err
}

func (s *PostgresStore) GetNode(ctx context.Context, slug string) (*domain.Node, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM nodes WHERE slug = $1`, slug).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("node not found: %s", slug)
	}
	if err != nil {
		return nil, err
	}
	var n domain.Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("unmarshal node: %w", err)
	}
	return &n, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM nodes ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *PostgresStore) ListActiveNodes(ctx context.Context) ([]*domain.Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM nodes WHERE status = 'active' ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func scanNodes(rows pgx.Rows) ([]*domain.Node, error) {
	var out []*domain.Node
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var n domain.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("unmarshal node: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateNode(ctx context.Context, slug string, update *NodeUpdate) (*domain.Node, error) {
	n, err := s.GetNode(ctx, slug)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		n.Name = *update.Name
	}
	if update.BaseURL != nil {
		n.BaseURL = *update.BaseURL
	}
	if update.APIKey != nil {
		n.APIKey = *update.APIKey
	}
	if update.APIKeyExpiresAt != nil {
		n.APIKeyExpiresAt = update.APIKeyExpiresAt
	}
	if update.RefreshToken != nil {
		n.PreviousRefreshToken = n.RefreshToken
		graceExpiry := time.Now().Add(domain.RefreshTokenGracePeriod)
		n.PreviousRefreshExpiresAt = &graceExpiry
		n.RefreshToken = *update.RefreshToken
	}
	if update.RefreshTokenExpiresAt != nil {
		n.RefreshTokenExpiresAt = update.RefreshTokenExpiresAt
	}
	if update.Status != nil {
		n.Status = *update.Status
	}
	if update.LastPingAt != nil {
		n.LastPingAt = update.LastPingAt
	}
	if update.PingFailures != nil {
		n.PingFailures = *update.PingFailures
	}
	if update.AvgResponseTimeMs != nil {
		n.AvgResponseTimeMs = *update.AvgResponseTimeMs
	}
	if update.Weight != nil {
		n.Weight = *update.Weight
	}

	if err := s.SaveNode(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *PostgresStore) DeleteNode(ctx context.Context, slug string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE slug = $1`, slug)
	return err
}

func (s *PostgresStore) SaveBreakerState(ctx context.Context, st *domain.CircuitBreakerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO breaker_state (node_slug, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (node_slug) DO UPDATE SET data = $2, updated_at = NOW()
	`, st.NodeSlug, data)
	return err
}

func (s *PostgresStore) GetBreakerState(ctx context.Context, nodeSlug string) (*domain.CircuitBreakerState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM breaker_state WHERE node_slug = $1`, nodeSlug).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("breaker state not found: %s", nodeSlug)
	}
	if err != nil {
		return nil, err
	}
	var st domain.CircuitBreakerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal breaker state: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) ListBreakerStates(ctx context.Context) ([]*domain.CircuitBreakerState, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM breaker_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CircuitBreakerState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var st domain.CircuitBreakerState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("unmarshal breaker state: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// SaveRequestLog persists a best-effort request log entry. Errors are
// returned for visibility but callers must not fail the originating
// request on a logging failure.
func (s *PostgresStore) SaveRequestLog(ctx context.Context, log *domain.NodeRequestLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO request_logs (node_slug, request_type, trace_id, payload, response, status_code, duration_ms, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, log.NodeSlug, string(log.RequestType), log.TraceID, log.Payload, log.Response, log.StatusCode, log.DurationMs, string(log.Status), log.ErrorMessage, log.CreatedAt)
	return err
}

func (s *PostgresStore) ListRequestLogs(ctx context.Context, filter RequestLogFilter) ([]*domain.NodeRequestLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT node_slug, request_type, trace_id, payload, response, status_code, duration_ms, status, error_message, created_at
		FROM request_logs WHERE 1=1`
	args := []any{}
	argN := 0
	addArg := func(v any) string {
		argN++
		args = append(args, v)
		return fmt.Sprintf("$%d", argN)
	}

	if filter.NodeSlug != "" {
		query += " AND node_slug = " + addArg(filter.NodeSlug)
	}
	if filter.Status != "" {
		query += " AND status = " + addArg(string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= " + addArg(filter.Since)
	}
	query += " ORDER BY created_at DESC LIMIT " + addArg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.NodeRequestLog
	for rows.Next() {
		var l domain.NodeRequestLog
		var requestType, status string
		if err := rows.Scan(&l.NodeSlug, &requestType, &l.TraceID, &l.Payload, &l.Response, &l.StatusCode, &l.DurationMs, &status, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.RequestType = domain.RequestType(requestType)
		l.Status = domain.RequestStatus(status)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveTokenLimit(ctx context.Context, key string, requestsPerSecond float64, burstSize int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_limits (key, requests_per_second, burst_size, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET requests_per_second = $2, burst_size = $3, updated_at = NOW()
	`, key, requestsPerSecond, burstSize)
	return err
}

func (s *PostgresStore) GetTokenLimit(ctx context.Context, key string) (float64, int, bool, error) {
	var rps float64
	var burst int
	err := s.pool.QueryRow(ctx, `SELECT requests_per_second, burst_size FROM token_limits WHERE key = $1`, key).Scan(&rps, &burst)
	if err == pgx.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return rps, burst, true, nil
}

func (s *PostgresStore) ListTokenLimits(ctx context.Context) (map[string][2]float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, requests_per_second, burst_size FROM token_limits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][2]float64)
	for rows.Next() {
		var key string
		var rps, burst float64
		if err := rows.Scan(&key, &rps, &burst); err != nil {
			return nil, err
		}
		out[key] = [2]float64{rps, burst}
	}
	return out, rows.Err()
}

// SaveModelTokenLimit persists a per-model token-limit override, consulted
// database-first by internal/chunker before it falls back to its hard-coded
// family table.
func (s *PostgresStore) SaveModelTokenLimit(ctx context.Context, model string, tokenLimit int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO model_token_limits (model, token_limit, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (model) DO UPDATE SET token_limit = $2, updated_at = NOW()
	`, model, tokenLimit)
	return err
}

func (s *PostgresStore) GetModelTokenLimit(ctx context.Context, model string) (int, bool, error) {
	var limit int
	err := s.pool.QueryRow(ctx, `SELECT token_limit FROM model_token_limits WHERE model = $1`, model).Scan(&limit)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return limit, true, nil
}

func (s *PostgresStore) SaveSecret(ctx context.Context, name, encryptedValue string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO secrets (name, value, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET value = $2, updated_at = NOW()
	`, name, encryptedValue)
	return err
}

func (s *PostgresStore) GetSecret(ctx context.Context, name string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM secrets WHERE name = $1`, name).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("secret not found: %s", name)
	}
	return value, err
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM secrets WHERE name = $1`, name)
	return err
}
