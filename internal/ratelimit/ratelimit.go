// Package ratelimit implements the per-node outbound rate limiting consulted
// by the forwarder (C4) before a request is sent to a node: spec §4.4 step 1
// treats "node is rate-limited" as an early-exit condition, checked alongside
// breaker state.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Backend performs the atomic token bucket check. It is implemented by
// RedisBackend for the distributed case and by LocalTokenBucketBackend as an
// in-memory fallback when Redis is unreachable.
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (allowed bool, remaining int, err error)
}

// tokenBucketScript atomically refills and debits a token bucket stored as a
// Redis hash. Returns {allowed (0/1), remaining_tokens}.
var tokenBucketScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or tonumber(ARGV[1])
local last = tonumber(bucket[2]) or tonumber(ARGV[3])

local elapsed = tonumber(ARGV[3]) - last
tokens = math.min(tonumber(ARGV[1]), tokens + elapsed * tonumber(ARGV[2]))

local allowed = 0
if tokens >= tonumber(ARGV[4]) then
    tokens = tokens - tonumber(ARGV[4])
    allowed = 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_refill', ARGV[3])
redis.call('EXPIRE', KEYS[1], math.ceil(tonumber(ARGV[1]) / tonumber(ARGV[2])) + 10)

return {allowed, math.floor(tokens)}
`)

// RedisBackend implements Backend using a Redis-stored token bucket, shared
// across every relayd/relaynode process talking to the same node.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a Redis-backed rate limit Backend.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "relay:rl:"}
}

func (b *RedisBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	now := float64(time.Now().Unix())

	result, err := tokenBucketScript.Run(ctx, b.client, []string{b.prefix + key},
		maxTokens, refillRate, now, requested,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate limit check: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("unexpected result length: %d", len(result))
	}

	allowed, _ := result[0].(int64)
	remaining, _ := result[1].(int64)
	return allowed == 1, int(remaining), nil
}

// TierConfig holds token-bucket parameters for a node or node class.
type TierConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// NodeLimiter rate-limits outbound calls per node slug.
type NodeLimiter struct {
	backend Backend
	tiers   map[string]TierConfig
	default_ TierConfig
}

// New creates a NodeLimiter over the given Backend. tiers maps a node slug
// to its own TierConfig; unmatched nodes use defaultTier. Lookup is by exact
// slug only: no node-class key is consulted.
func New(backend Backend, tiers map[string]TierConfig, defaultTier TierConfig) *NodeLimiter {
	if tiers == nil {
		tiers = make(map[string]TierConfig)
	}
	return &NodeLimiter{backend: backend, tiers: tiers, default_: defaultTier}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow checks whether one more request to nodeSlug is permitted.
func (l *NodeLimiter) Allow(ctx context.Context, nodeSlug string) (Result, error) {
	return l.AllowN(ctx, nodeSlug, 1)
}

// AllowN checks whether n more requests to nodeSlug are permitted.
func (l *NodeLimiter) AllowN(ctx context.Context, nodeSlug string, n int) (Result, error) {
	cfg := l.tierFor(nodeSlug)

	allowed, remaining, err := l.backend.CheckRateLimit(ctx, KeyForNode(nodeSlug), cfg.BurstSize, cfg.RequestsPerSecond, n)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	tokensNeeded := float64(cfg.BurstSize) - float64(remaining)
	refillSeconds := tokensNeeded / cfg.RequestsPerSecond
	resetAt := time.Now().Add(time.Duration(refillSeconds) * time.Second)

	return Result{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}, nil
}

func (l *NodeLimiter) tierFor(nodeSlug string) TierConfig {
	if cfg, ok := l.tiers[nodeSlug]; ok {
		return cfg
	}
	return l.default_
}

// KeyForNode returns the rate limit bucket key for a node.
func KeyForNode(nodeSlug string) string {
	return "node:" + nodeSlug
}
