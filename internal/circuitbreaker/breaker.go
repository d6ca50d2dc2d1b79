// Package circuitbreaker implements the per-node circuit breaker that
// protects the forwarder from hammering an unhealthy remote AI node.
//
// # State machine
//
//	Closed ──(K consecutive failures)──► Open ──(next_retry_at elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(single probe succeeds)─────────────────────────────────┘
//	                  (probe fails) ─────────────────────────────────────► Open
//
// # Why consecutive count, not a sliding error-rate window
//
// A node that is merely slow under light traffic should not trip on a
// single stray failure diluted across a long window, but a node that is
// actually down should trip fast regardless of how much traffic it has
// seen recently. Counting K consecutive failures with no intervening
// success gives exactly that: bursty partial failure doesn't trip the
// breaker, but any unbroken run of K failures does, immediately.
//
// # Concurrency
//
// All public methods (Allow, RecordSuccess, RecordFailure, State) are safe
// for concurrent use; they acquire the internal mutex for every call.
// The Registry uses a separate read-write mutex so that the common
// read path (Get for an existing breaker) does not contend with the rare
// write path (a new node registered).
package circuitbreaker

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/logging"
	"github.com/relayai/core/internal/metrics"
)

// State is one of the three breaker states.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests are rejected without network I/O
	StateHalfOpen              // exactly one probe request is allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	FailureThreshold   int           // K consecutive failures before tripping (default 5)
	Cooldown           time.Duration // base reopen delay (default 60s)
	BackoffMultiplier  float64       // exponential multiplier applied on repeated opens (default 2)
	MaxCooldown        time.Duration // ceiling on the backoff-multiplied cooldown
}

// DefaultConfig returns the breaker configuration spec §4.1 names by default.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Cooldown:          60 * time.Second,
		BackoffMultiplier: 2,
		MaxCooldown:       30 * time.Minute,
	}
}

// Breaker is a per-node circuit breaker.
type Breaker struct {
	mu               sync.Mutex
	cfg              Config
	state            State
	consecutiveFails int
	successCount     int
	failureCount     int
	openedAt         time.Time
	nextRetryAt      time.Time
	lastFailureAt    time.Time
	lastSuccessAt    time.Time
	consecutiveOpens int // how many times in a row we've reopened without a clean close, drives backoff
	halfOpenInFlight bool
}

// New creates a circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 30 * time.Minute
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a request should be let through. In StateOpen it
// lazily transitions to StateHalfOpen once next_retry_at has elapsed (no
// background timer), admitting exactly one in-flight probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().Before(b.nextRetryAt) {
			return false
		}
		b.state = StateHalfOpen
		b.halfOpenInFlight = true
		return true
	case StateHalfOpen:
		// Only the probe already admitted may proceed; reject concurrent callers.
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	}
	return true
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccessAt = time.Now()
	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0
		b.successCount++
	case StateHalfOpen:
		b.state = StateClosed
		b.consecutiveFails = 0
		b.consecutiveOpens = 0
		b.halfOpenInFlight = false
		b.successCount++
	}
}

// RecordFailure records a failed call. In StateClosed it trips the breaker
// on the K-th consecutive failure; in StateHalfOpen the failed probe reopens
// immediately with an exponentially backed-off cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.failureCount++
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.consecutiveOpens++
		b.trip(now)
	}
}

// trip transitions to StateOpen with an exponentially backed-off cooldown.
// Must be called under lock.
func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	cooldown := time.Duration(float64(b.cfg.Cooldown) * math.Pow(b.cfg.BackoffMultiplier, float64(b.consecutiveOpens)))
	if cooldown > b.cfg.MaxCooldown {
		cooldown = b.cfg.MaxCooldown
	}
	b.nextRetryAt = now.Add(cooldown)
}

// State returns the current breaker state, applying the lazy Open→HalfOpen
// transition if the cooldown has elapsed, without consuming a probe slot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !time.Now().Before(b.nextRetryAt) {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns the breaker's current counters for persistence.
func (b *Breaker) Snapshot() (state State, consecutiveFails, successCount, failureCount int, openedAt, nextRetryAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.consecutiveFails, b.successCount, b.failureCount, b.openedAt, b.nextRetryAt
}

func domainState(s State) domain.CircuitState {
	switch s {
	case StateOpen:
		return domain.CircuitOpen
	case StateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}

func stateFromDomain(s domain.CircuitState) State {
	switch s {
	case domain.CircuitOpen:
		return StateOpen
	case domain.CircuitHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// ToDomainState converts the breaker's in-memory state into the persisted
// shape stored in the breaker_state table.
func (b *Breaker) ToDomainState(nodeSlug string) *domain.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &domain.CircuitBreakerState{
		NodeSlug:         nodeSlug,
		State:            domainState(b.state),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		LastFailureAt:    timePtr(b.lastFailureAt),
		LastSuccessAt:    timePtr(b.lastSuccessAt),
		OpenedAt:         timePtr(b.openedAt),
		NextRetryAt:      timePtr(b.nextRetryAt),
		ConsecutiveOpens: b.consecutiveOpens,
	}
}

// restoreBreaker reconstructs a Breaker from a persisted row loaded at
// startup. consecutiveFails is not persisted; a restored breaker that was
// StateClosed starts with a clean consecutive-failure count, matching the
// fail-open philosophy of spec §4.1 (better to give a node the benefit of
// the doubt after a restart than to trip it on history alone).
func restoreBreaker(cfg Config, st *domain.CircuitBreakerState) *Breaker {
	b := New(cfg)
	b.state = stateFromDomain(st.State)
	b.failureCount = st.FailureCount
	b.successCount = st.SuccessCount
	b.lastFailureAt = timeOrZero(st.LastFailureAt)
	b.lastSuccessAt = timeOrZero(st.LastSuccessAt)
	b.openedAt = timeOrZero(st.OpenedAt)
	b.nextRetryAt = timeOrZero(st.NextRetryAt)
	b.consecutiveOpens = st.ConsecutiveOpens
	if b.state == StateOpen && b.consecutiveFails < cfg.FailureThreshold {
		b.consecutiveFails = cfg.FailureThreshold
	}
	return b
}

// BreakerStore is the persistence dependency a Registry needs: load breaker
// state at startup and save it on every transition. Satisfied by
// internal/store's MetadataStore.
type BreakerStore interface {
	SaveBreakerState(ctx context.Context, st *domain.CircuitBreakerState) error
	GetBreakerState(ctx context.Context, nodeSlug string) (*domain.CircuitBreakerState, error)
	ListBreakerStates(ctx context.Context) ([]*domain.CircuitBreakerState, error)
}

// Registry holds per-node circuit breakers.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
	store    BreakerStore
}

// NewRegistry creates a breaker registry sharing one configuration across
// all nodes (spec §4.1 does not call for per-node-tunable thresholds).
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// WithStore attaches the durable breaker-state store. The in-process
// Registry remains the lock-free read path; the store only backs startup
// hydration and best-effort persistence on each transition.
func (r *Registry) WithStore(s BreakerStore) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = s
	return r
}

// LoadFromStore hydrates every persisted breaker row into the in-process
// registry. Call once at startup, before traffic starts flowing; a failed
// load leaves the registry empty and every node fails open (spec §4.1).
func (r *Registry) LoadFromStore(ctx context.Context) error {
	r.mu.RLock()
	s := r.store
	r.mu.RUnlock()
	if s == nil {
		return nil
	}
	states, err := s.ListBreakerStates(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range states {
		r.breakers[st.NodeSlug] = restoreBreaker(r.cfg, st)
	}
	return nil
}

// persist saves a breaker's current state to the store in the background;
// it never blocks the caller and failures are logged, not returned, matching
// the fail-open philosophy of spec §4.1 (a lost write degrades to "state
// rebuilt from scratch at next restart", not a routing failure now).
func (r *Registry) persist(nodeSlug string, b *Breaker) {
	r.mu.RLock()
	s := r.store
	r.mu.RUnlock()
	if s == nil {
		return
	}
	st := b.ToDomainState(nodeSlug)
	go func() {
		if err := s.SaveBreakerState(context.Background(), st); err != nil {
			logging.Op().Warn("breaker state persist failed", "node_slug", nodeSlug, "error", err)
		}
	}()
}

// Get returns the breaker for a node slug, creating one on first use.
func (r *Registry) Get(nodeSlug string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[nodeSlug]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[nodeSlug]; ok {
		return b
	}
	b = New(r.cfg)
	r.breakers[nodeSlug] = b
	return b
}

// IsOpen reports whether a node's breaker currently short-circuits calls.
// Fails open (returns false, meaning "treat as available") if nodeSlug is
// unknown, matching the fail-open philosophy of spec §4.1.
func (r *Registry) IsOpen(nodeSlug string) bool {
	b := r.Get(nodeSlug)
	return b.State() == StateOpen
}

// RecordSuccess records a success for a node.
func (r *Registry) RecordSuccess(nodeSlug string) {
	b := r.Get(nodeSlug)
	before := b.State()
	b.RecordSuccess()
	r.reportTransition(nodeSlug, before, b.State())
	r.persist(nodeSlug, b)
}

// RecordFailure records a failure for a node.
func (r *Registry) RecordFailure(nodeSlug string) {
	b := r.Get(nodeSlug)
	before := b.State()
	b.RecordFailure()
	r.reportTransition(nodeSlug, before, b.State())
	r.persist(nodeSlug, b)
}

// reportTransition publishes the current gauge value and, on an actual state
// change, a trip counter — the Prometheus side of spec §4.1's breaker, kept
// out of Breaker itself so its state machine stays free of metrics plumbing.
func (r *Registry) reportTransition(nodeSlug string, before, after State) {
	metrics.SetCircuitBreakerState(nodeSlug, int(after))
	if before != after {
		metrics.RecordCircuitBreakerTrip(nodeSlug, after.String())
	}
}

// Remove deletes the breaker for a node (e.g. when the node is deregistered).
func (r *Registry) Remove(nodeSlug string) {
	r.mu.Lock()
	delete(r.breakers, nodeSlug)
	r.mu.Unlock()
}

// Snapshot returns a map of node slug to that node's current breaker State.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for slug, b := range r.breakers {
		out[slug] = b.State()
	}
	return out
}
