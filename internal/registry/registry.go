// Package registry implements the node registry (C2): slug resolution,
// collection ownership, and node ranking, backed by store.MetadataStore and
// fronted by a short-TTL in-memory cache of the active-node list.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/logging"
	"github.com/relayai/core/internal/secrets"
	"github.com/relayai/core/internal/store"
)

// activeListTTL is how long the cached active-node list is trusted before
// the registry re-reads the store, per spec §4.2.
const activeListTTL = 30 * time.Second

// Score buckets for Rank, per spec §4.2.
const (
	ScoreExact      = 100
	ScoreAlias      = 80
	ScoreSingularPl = 90
	ScoreSubstring  = 70
)

// Registry resolves node slugs, answers collection-ownership questions, and
// ranks nodes for the routing policy (C6).
type Registry struct {
	store store.MetadataStore

	mu          sync.RWMutex
	nodesBySlug map[string]*domain.Node
	activeCache []*domain.Node
	cachedAt    time.Time

	pingFailureThreshold int

	connCountsMu sync.Mutex
	connCounts   map[string]*atomic.Int64

	// onMutate, when set, runs after every local cache mutation. A relayd
	// deployment running several replicas against one Postgres store wires
	// this to broadcast a cache.Invalidator signal so peers drop their
	// stale active-node list instead of waiting out activeListTTL.
	onMutate func()

	// secrets, when set, is where api_key/refresh_token plaintext is
	// encrypted at rest (Postgres only ever sees a SHA-256 hash of these
	// fields, for the uniqueness invariant — see store.PostgresStore.SaveNode).
	secrets *secrets.Store
}

// New creates a Registry. pingFailureThreshold is the PingFailures count at
// or above which a node is no longer routable (spec §3's Node.IsRoutable).
func New(s store.MetadataStore, pingFailureThreshold int) *Registry {
	return &Registry{
		store:                s,
		nodesBySlug:          make(map[string]*domain.Node),
		pingFailureThreshold: pingFailureThreshold,
		connCounts:           make(map[string]*atomic.Int64),
	}
}

// LeaseConnection increments nodeSlug's in-memory active-connection counter
// and returns a release func that decrements it. Callers must defer the
// release immediately after acquiring it so the counter is restored even if
// the forwarded call panics or returns early (spec §4.4 invariant (b)).
func (r *Registry) LeaseConnection(nodeSlug string) (release func()) {
	counter := r.connCounterFor(nodeSlug)
	counter.Add(1)
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			counter.Add(-1)
		}
	}
}

// ActiveConnections returns the in-memory active-connection count for a node.
func (r *Registry) ActiveConnections(nodeSlug string) int64 {
	return r.connCounterFor(nodeSlug).Load()
}

func (r *Registry) connCounterFor(nodeSlug string) *atomic.Int64 {
	r.connCountsMu.Lock()
	defer r.connCountsMu.Unlock()
	c, ok := r.connCounts[nodeSlug]
	if !ok {
		c = &atomic.Int64{}
		r.connCounts[nodeSlug] = c
	}
	return c
}

// Refresh reloads every node from the store into the in-process cache.
// Called on startup and by any mutation path (register/update/delete node).
func (r *Registry) Refresh(ctx context.Context) error {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		r.hydrateSecrets(ctx, n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodesBySlug = make(map[string]*domain.Node, len(nodes))
	for _, n := range nodes {
		r.nodesBySlug[n.Slug] = n
	}
	r.clearActiveLocked()
	return nil
}

// clearActiveLocked drops the active-node TTL cache. Caller holds mu. This is
// the local-only half of invalidation: it never re-fires onMutate, so it is
// safe to call from the receiving side of a cross-replica broadcast without
// echoing the signal back out.
func (r *Registry) clearActiveLocked() {
	r.activeCache = nil
	r.cachedAt = time.Time{}
}

// invalidateActiveLocked clears the active-node TTL cache and, if a
// cross-replica invalidation hook is registered, fires it. Caller holds mu.
// Only real local mutations (Put, Remove) call this; Invalidate/Refresh call
// clearActiveLocked directly so a broadcast received from a peer doesn't
// get re-broadcast.
func (r *Registry) invalidateActiveLocked() {
	r.clearActiveLocked()
	if r.onMutate != nil {
		go r.onMutate()
	}
}

// WithInvalidationHook registers fn to run after every local mutation
// (Put, Remove) that clears the active-node cache, so the caller can
// broadcast the change to other replicas. Returns the Registry for chaining.
func (r *Registry) WithInvalidationHook(fn func()) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMutate = fn
	return r
}

// WithSecretsStore attaches the AES-256-GCM-encrypted secrets store that
// api_key/refresh_token are round-tripped through. A nil store (the
// zero-value default) leaves RegisterNode/Refresh as plain in-memory
// passthroughs with no at-rest encryption.
func (r *Registry) WithSecretsStore(s *secrets.Store) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = s
	return r
}

func secretKey(slug, field string) string {
	return "node:" + slug + ":" + field
}

// persistSecrets encrypts and stores n's api_key/refresh_token, if a secrets
// store is configured. A no-op (not an error) when no value is set.
func (r *Registry) persistSecrets(ctx context.Context, n *domain.Node) error {
	if r.secrets == nil {
		return nil
	}
	if n.APIKey != "" {
		if err := r.secrets.Set(ctx, secretKey(n.Slug, "api_key"), []byte(n.APIKey)); err != nil {
			return fmt.Errorf("encrypt api key: %w", err)
		}
	}
	if n.RefreshToken != "" {
		if err := r.secrets.Set(ctx, secretKey(n.Slug, "refresh_token"), []byte(n.RefreshToken)); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	return nil
}

// hydrateSecrets decrypts n's api_key/refresh_token back from the secrets
// store after a load from Postgres (whose data column never carries them).
// Best-effort: a missing secret is expected for a node that never had one
// issued, and failures otherwise are logged, not fatal to the refresh.
func (r *Registry) hydrateSecrets(ctx context.Context, n *domain.Node) {
	if r.secrets == nil {
		return
	}
	if v, err := r.secrets.Get(ctx, secretKey(n.Slug, "api_key")); err == nil {
		n.APIKey = string(v)
	}
	if v, err := r.secrets.Get(ctx, secretKey(n.Slug, "refresh_token")); err == nil {
		n.RefreshToken = string(v)
	}
}

// Invalidate drops the cached active-node list, forcing the next ActiveNodes
// call to re-derive it. Called after any node mutation, and by a peer
// replica reacting to another replica's broadcast.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearActiveLocked()
}

// Get resolves a node by slug from the in-process cache.
func (r *Registry) Get(slug string) (*domain.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodesBySlug[slug]
	return n, ok
}

// Put inserts or replaces a node in the cache and invalidates the active list.
// Callers are responsible for persisting the node to the store first.
func (r *Registry) Put(n *domain.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodesBySlug[n.Slug] = n
	r.invalidateActiveLocked()
}

// Remove drops a node from the cache.
func (r *Registry) Remove(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodesBySlug, slug)
	r.invalidateActiveLocked()
}

// ActiveNodes returns every routable node (spec §3's IsRoutable), serving
// from a cache valid for activeListTTL before re-deriving from the
// in-process node map.
func (r *Registry) ActiveNodes() []*domain.Node {
	r.mu.RLock()
	if r.activeCache != nil && time.Since(r.cachedAt) < activeListTTL {
		cached := r.activeCache
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeCache != nil && time.Since(r.cachedAt) < activeListTTL {
		return r.activeCache
	}

	active := make([]*domain.Node, 0, len(r.nodesBySlug))
	for _, n := range r.nodesBySlug {
		if n.IsRoutable(r.pingFailureThreshold) {
			active = append(active, n)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Slug < active[j].Slug })

	r.activeCache = active
	r.cachedAt = time.Now()
	return active
}

// All returns every known node regardless of routability.
func (r *Registry) All() []*domain.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Node, 0, len(r.nodesBySlug))
	for _, n := range r.nodesBySlug {
		out = append(out, n)
	}
	return out
}

// NodeOwnsCollection reports whether node owns a collection matching name.
func NodeOwnsCollection(n *domain.Node, name string) bool {
	return n.OwnsCollection(name)
}

// Ranked is one scored candidate from Rank.
type Ranked struct {
	Node  *domain.Node
	Score int
}

// Rank scores every active node's affinity for collectionOrKeyword and
// returns them sorted by descending score, per spec §4.2's scoring table:
// exact slug/name match 100, alias 80, singular/plural 90, substring 70.
func (r *Registry) Rank(collectionOrKeyword string) []Ranked {
	target := normalize(collectionOrKeyword)
	nodes := r.ActiveNodes()

	ranked := make([]Ranked, 0, len(nodes))
	for _, n := range nodes {
		score := scoreNode(n, target)
		if score > 0 {
			ranked = append(ranked, Ranked{Node: n, Score: score})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Node.Slug < ranked[j].Node.Slug
	})
	return ranked
}

func scoreNode(n *domain.Node, target string) int {
	best := 0

	candidate := func(raw string, exactScore int) {
		norm := normalize(raw)
		if norm == "" {
			return
		}
		switch {
		case norm == target:
			best = max(best, exactScore)
		case singularEqual(norm, target):
			best = max(best, ScoreSingularPl)
		case strings.Contains(norm, target) || strings.Contains(target, norm):
			best = max(best, ScoreSubstring)
		}
	}

	candidate(n.Slug, ScoreExact)
	candidate(n.Name, ScoreExact)
	for _, c := range n.Collections {
		candidate(c.Name, ScoreExact)
	}
	for _, k := range n.Keywords {
		candidate(k, ScoreAlias)
	}
	for _, d := range n.Domains {
		candidate(d, ScoreAlias)
	}
	for _, dt := range n.DataTypes {
		candidate(dt, ScoreAlias)
	}

	return best
}

func normalize(s string) string {
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

func singularEqual(a, b string) bool {
	return domain.Singularize(a) == domain.Singularize(b)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RegisterNode persists a new or updated node and refreshes the cache. The
// node's api_key/refresh_token (spec §3's unique credentials) are encrypted
// into the configured secrets store before the node row is written, so a
// registration never leaves ciphertext and hash out of sync.
func (r *Registry) RegisterNode(ctx context.Context, n *domain.Node) error {
	if err := r.persistSecrets(ctx, n); err != nil {
		return err
	}
	if err := r.store.SaveNode(ctx, n); err != nil {
		return err
	}
	r.Put(n)
	logging.Op().Info("node registered", "slug", n.Slug, "type", n.Type)
	return nil
}

// RotateRefreshToken issues a fresh refresh token for slug, retaining the
// previous one as valid for domain.RefreshTokenGracePeriod (the rotation
// math store.PostgresStore.UpdateNode already applies on RefreshToken
// updates), and re-encrypts the new value into the secrets store.
func (r *Registry) RotateRefreshToken(ctx context.Context, slug string) (string, error) {
	token, err := newRefreshToken()
	if err != nil {
		return "", err
	}

	updated, err := r.store.UpdateNode(ctx, slug, &store.NodeUpdate{RefreshToken: &token})
	if err != nil {
		return "", err
	}

	if r.secrets != nil {
		if err := r.secrets.Set(ctx, secretKey(slug, "refresh_token"), []byte(token)); err != nil {
			return "", fmt.Errorf("encrypt rotated refresh token: %w", err)
		}
	}

	r.Put(updated)
	logging.Op().Info("refresh token rotated", "slug", slug)
	return token, nil
}

// newRefreshToken generates a 64-character hex refresh token, matching the
// crypto/rand + hex pattern httpclient.newTraceID uses for trace IDs.
func newRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// MarkPingResult updates a node's health bookkeeping after a ping attempt.
func (r *Registry) MarkPingResult(ctx context.Context, slug string, success bool, responseTimeMs float64) error {
	n, ok := r.Get(slug)
	if !ok {
		return nil
	}

	now := time.Now()
	failures := n.PingFailures
	if success {
		failures = 0
		n.AvgResponseTimeMs = (n.AvgResponseTimeMs + responseTimeMs) / 2
	} else {
		failures++
	}

	updated, err := r.store.UpdateNode(ctx, slug, &store.NodeUpdate{
		LastPingAt:        &now,
		PingFailures:      &failures,
		AvgResponseTimeMs: &n.AvgResponseTimeMs,
	})
	if err != nil {
		return err
	}
	r.Put(updated)
	return nil
}
