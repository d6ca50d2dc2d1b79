// Package forwarder implements the node forwarder (C4): forwarding chat,
// search, and action calls to a target node with retry, horizontal
// failover, and circuit-breaker bookkeeping, per spec §4.4.
package forwarder

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/relayai/core/internal/auth"
	"github.com/relayai/core/internal/circuitbreaker"
	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/httpclient"
	"github.com/relayai/core/internal/logging"
	"github.com/relayai/core/internal/metrics"
	"github.com/relayai/core/internal/ratelimit"
	"github.com/relayai/core/internal/registry"
	"github.com/relayai/core/internal/store"
)

// Config tunes retry/backoff behavior, mirroring config.ForwardingConfig.
type Config struct {
	MaxRetriesChat   int
	MaxRetriesSearch int
	MaxRetriesAction int // default 0: actions never retry across nodes
	BackoffBase      time.Duration
	SlowNodeTimeout  time.Duration
}

// DefaultConfig returns the retry tuning spec §4.4 names by default.
func DefaultConfig() Config {
	return Config{
		MaxRetriesChat:   1,
		MaxRetriesSearch: 1,
		MaxRetriesAction: 0,
		BackoffBase:      200 * time.Millisecond,
		SlowNodeTimeout:  120 * time.Second,
	}
}

// Forwarder forwards calls to federation nodes.
type Forwarder struct {
	cfg      Config
	client   *httpclient.Client
	breakers *circuitbreaker.Registry
	registry *registry.Registry
	limiter  *ratelimit.NodeLimiter
	logStore store.MetadataStore
}

// New creates a Forwarder.
func New(cfg Config, client *httpclient.Client, breakers *circuitbreaker.Registry, reg *registry.Registry, limiter *ratelimit.NodeLimiter) *Forwarder {
	return &Forwarder{cfg: cfg, client: client, breakers: breakers, registry: reg, limiter: limiter}
}

// WithRequestLog attaches a MetadataStore that every forwarded call records
// a best-effort NodeRequestLog row into (spec §4.4's outbound call trace).
// A nil/omitted store simply skips logging.
func (f *Forwarder) WithRequestLog(s store.MetadataStore) *Forwarder {
	f.logStore = s
	return f
}

func requestTypeFor(k kind) domain.RequestType {
	switch k {
	case kindChat:
		return domain.RequestTypeChat
	case kindSearch:
		return domain.RequestTypeSearch
	default:
		return domain.RequestTypeAction
	}
}

// logRequest persists a best-effort audit row for one outbound call. Failures
// to write are logged and otherwise ignored — the call itself must not fail
// because the log couldn't be saved.
func (f *Forwarder) logRequest(ctx context.Context, k kind, nodeSlug string, started time.Time, statusErr error) {
	if f.logStore == nil {
		return
	}

	status := domain.RequestStatusSuccess
	var errMsg string
	if statusErr != nil {
		status = domain.RequestStatusFailed
		errMsg = statusErr.Error()
	}

	entry := &domain.NodeRequestLog{
		NodeSlug:     nodeSlug,
		RequestType:  requestTypeFor(k),
		TraceID:      auth.TraceIDFromContext(ctx),
		StatusCode:   0,
		DurationMs:   time.Since(started).Milliseconds(),
		Status:       status,
		ErrorMessage: errMsg,
		CreatedAt:    time.Now(),
	}

	if err := f.logStore.SaveRequestLog(ctx, entry); err != nil {
		logging.Op().Warn("forwarder: request log write failed", "error", err)
	}
}

// Result is the envelope every forward call returns.
type Result struct {
	Body         []byte
	FailoverFrom string // set to the original node's slug when a failover served the request
	NodeSlug     string // the node that actually served the request
}

// kind distinguishes the three call shapes for retry/failover policy.
type kind int

const (
	kindChat kind = iota
	kindSearch
	kindAction
)

func (f *Forwarder) maxRetries(k kind) int {
	switch k {
	case kindChat:
		return f.cfg.MaxRetriesChat
	case kindSearch:
		return f.cfg.MaxRetriesSearch
	default:
		return f.cfg.MaxRetriesAction
	}
}

func (f *Forwarder) allowsFailover(k kind) bool {
	return k != kindAction
}

// ForwardChat forwards a chat call to node, failing over to alternates that
// own collection when the target is unavailable or exhausted.
func (f *Forwarder) ForwardChat(ctx context.Context, node *domain.Node, targetURL string, body any, collection string) (*Result, error) {
	return f.forward(ctx, kindChat, node, targetURL, body, collection)
}

// ForwardSearch forwards a search call, with the same failover semantics as chat.
func (f *Forwarder) ForwardSearch(ctx context.Context, node *domain.Node, targetURL string, body any, collections string) (*Result, error) {
	return f.forward(ctx, kindSearch, node, targetURL, body, collections)
}

// ForwardAction forwards an action call. Actions never failover: they are
// not idempotent, so at-most-once delivery matters more than availability.
func (f *Forwarder) ForwardAction(ctx context.Context, node *domain.Node, targetURL string, body any) (*Result, error) {
	return f.forward(ctx, kindAction, node, targetURL, body, "")
}

func (f *Forwarder) forward(ctx context.Context, k kind, node *domain.Node, targetURL string, body any, collection string) (*Result, error) {
	original := node
	started := time.Now()

	if f.blocked(ctx, node) {
		return f.failover(ctx, k, original, targetURL, body, collection)
	}

	release := f.registry.LeaseConnection(node.Slug)
	metrics.IncActiveConnections(node.Slug)
	defer func() {
		metrics.DecActiveConnections(node.Slug)
		release()
	}()

	result, err := f.callWithRetry(ctx, k, node, targetURL, body)
	requestType := string(requestTypeFor(k))
	if err == nil {
		f.breakers.RecordSuccess(node.Slug)
		f.logRequest(ctx, k, node.Slug, started, nil)
		metrics.RecordForwardAttempt(requestType, "success", time.Since(started).Milliseconds())
		return &Result{Body: result, NodeSlug: node.Slug}, nil
	}

	if !f.allowsFailover(k) {
		f.breakers.RecordFailure(node.Slug)
		f.logRequest(ctx, k, node.Slug, started, err)
		metrics.RecordForwardAttempt(requestType, "failure", time.Since(started).Milliseconds())
		return nil, err
	}

	metrics.RecordForwardAttempt(requestType, "failure", time.Since(started).Milliseconds())
	return f.failover(ctx, k, original, targetURL, body, collection)
}

// blocked reports whether node should be skipped straight to failover: an
// open breaker, a non-active status, or a rate-limited slot, per spec §4.4
// step 1.
func (f *Forwarder) blocked(ctx context.Context, node *domain.Node) bool {
	if f.breakers.IsOpen(node.Slug) {
		return true
	}
	if node.Status != domain.NodeStatusActive {
		return true
	}
	if f.limiter != nil {
		result, err := f.limiter.Allow(ctx, node.Slug)
		if err == nil && !result.Allowed {
			return true
		}
	}
	return false
}

// callWithRetry executes one node call, retrying transient/5xx failures with
// exponential backoff up to the kind's max_retries.
func (f *Forwarder) callWithRetry(ctx context.Context, k kind, node *domain.Node, targetURL string, body any) ([]byte, error) {
	maxRetries := f.maxRetries(k)
	slow := isSlowLocalModel(node)

	var lastErr error
	var forcedDelay time.Duration
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(f.cfg.BackoffBase, attempt-1)
			if forcedDelay > delay {
				delay = forcedDelay
			}
			if err := sleepFor(ctx, delay); err != nil {
				return nil, err
			}
			metrics.RecordForwardRetry(string(requestTypeFor(k)))
		}

		out, err := f.client.Do(ctx, "POST", targetURL, node.Slug, body, slow)
		if err == nil {
			return out, nil
		}
		lastErr = err

		kind := domain.Classify(err)
		if kind != domain.KindTransient && kind != domain.KindRateLimited {
			return nil, err
		}

		forcedDelay = 0
		var routingErr *domain.RoutingError
		if errors.As(err, &routingErr) {
			forcedDelay = routingErr.RetryAfter
		}
	}
	return nil, lastErr
}

// isSlowLocalModel reports whether node is tagged slow_local_model, the
// marker spec §4.3 uses to select the 120s deadline over the 30s default.
func isSlowLocalModel(node *domain.Node) bool {
	for _, k := range node.Keywords {
		if k == "slow_local_model" {
			return true
		}
	}
	return false
}

// backoffDelay computes the exponential backoff delay (plus jitter) for
// retry attempt i, before any Retry-After hint is applied as a floor.
func backoffDelay(base time.Duration, i int) time.Duration {
	delay := base << i
	delay += time.Duration(rand.Int63n(int64(base) + 1))
	return delay
}

func sleepFor(ctx context.Context, delay time.Duration) error {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failover asks the registry for alternate active nodes that own collection
// and tries each in ranked order, annotating a success with failover_from.
func (f *Forwarder) failover(ctx context.Context, k kind, original *domain.Node, targetURL string, body any, collection string) (*Result, error) {
	started := time.Now()

	if !f.allowsFailover(k) {
		f.breakers.RecordFailure(original.Slug)
		err := domain.NewTransientError("node unavailable, failover disabled for actions", nil)
		f.logRequest(ctx, k, original.Slug, started, err)
		return nil, err
	}

	requestType := string(requestTypeFor(k))
	for _, alt := range f.alternates(original, collection) {
		altURL := rewriteHost(targetURL, original.BaseURL, alt.Node.BaseURL)

		if f.breakers.IsOpen(alt.Node.Slug) {
			continue
		}

		release := f.registry.LeaseConnection(alt.Node.Slug)
		metrics.IncActiveConnections(alt.Node.Slug)
		out, err := f.callWithRetry(ctx, k, alt.Node, altURL, body)
		metrics.DecActiveConnections(alt.Node.Slug)
		release()

		if err == nil {
			f.breakers.RecordSuccess(alt.Node.Slug)
			logging.Op().Warn("forwarder: failed over", "from", original.Slug, "to", alt.Node.Slug)
			f.logRequest(ctx, k, alt.Node.Slug, started, nil)
			metrics.RecordForwardFailover(requestType)
			metrics.RecordForwardAttempt(requestType, "success", time.Since(started).Milliseconds())
			return &Result{Body: out, NodeSlug: alt.Node.Slug, FailoverFrom: original.Slug}, nil
		}
		f.breakers.RecordFailure(alt.Node.Slug)
	}

	f.breakers.RecordFailure(original.Slug)
	err := domain.NewTransientError("all alternates exhausted for node "+original.Slug, nil)
	f.logRequest(ctx, k, original.Slug, started, err)
	return nil, err
}

// alternates ranks active nodes (excluding original) that own collection, by
// registry priority.
func (f *Forwarder) alternates(original *domain.Node, collection string) []registry.Ranked {
	if collection == "" {
		var out []registry.Ranked
		for _, n := range f.registry.ActiveNodes() {
			if n.Slug != original.Slug {
				out = append(out, registry.Ranked{Node: n, Score: 0})
			}
		}
		return out
	}

	ranked := f.registry.Rank(collection)
	out := make([]registry.Ranked, 0, len(ranked))
	for _, r := range ranked {
		if r.Node.Slug != original.Slug && registry.NodeOwnsCollection(r.Node, collection) {
			out = append(out, r)
		}
	}
	return out
}

// rewriteHost swaps the original node's base URL prefix for the alternate's,
// preserving the path and query the caller built against the original target.
func rewriteHost(targetURL, originalBase, altBase string) string {
	if len(targetURL) >= len(originalBase) && targetURL[:len(originalBase)] == originalBase {
		return altBase + targetURL[len(originalBase):]
	}
	return targetURL
}
