package registry

import (
	"context"
	"testing"
	"time"

	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/store"
)

type fakeStore struct {
	nodes map[string]*domain.Node
}

func newFakeStore(nodes ...*domain.Node) *fakeStore {
	m := &fakeStore{nodes: make(map[string]*domain.Node)}
	for _, n := range nodes {
		m.nodes[n.Slug] = n
	}
	return m
}

func (f *fakeStore) Close() error              { return nil }
func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) ListNodes(context.Context) ([]*domain.Node, error) {
	out := make([]*domain.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}
func (f *fakeStore) ListActiveNodes(ctx context.Context) ([]*domain.Node, error) { return f.ListNodes(ctx) }
func (f *fakeStore) SaveNode(_ context.Context, n *domain.Node) error            { f.nodes[n.Slug] = n; return nil }
func (f *fakeStore) GetNode(_ context.Context, slug string) (*domain.Node, error) {
	return f.nodes[slug], nil
}
func (f *fakeStore) UpdateNode(_ context.Context, slug string, u *store.NodeUpdate) (*domain.Node, error) {
	n, ok := f.nodes[slug]
	if !ok {
		return nil, nil
	}
	if u.PingFailures != nil {
		n.PingFailures = *u.PingFailures
	}
	if u.AvgResponseTimeMs != nil {
		n.AvgResponseTimeMs = *u.AvgResponseTimeMs
	}
	if u.LastPingAt != nil {
		n.LastPingAt = u.LastPingAt
	}
	return n, nil
}
func (f *fakeStore) DeleteNode(_ context.Context, slug string) error { delete(f.nodes, slug); return nil }
func (f *fakeStore) SaveBreakerState(context.Context, *domain.CircuitBreakerState) error { return nil }
func (f *fakeStore) GetBreakerState(context.Context, string) (*domain.CircuitBreakerState, error) {
	return nil, nil
}
func (f *fakeStore) ListBreakerStates(context.Context) ([]*domain.CircuitBreakerState, error) {
	return nil, nil
}
func (f *fakeStore) SaveRequestLog(context.Context, *domain.NodeRequestLog) error { return nil }
func (f *fakeStore) ListRequestLogs(context.Context, store.RequestLogFilter) ([]*domain.NodeRequestLog, error) {
	return nil, nil
}
func (f *fakeStore) SaveTokenLimit(context.Context, string, float64, int) error { return nil }
func (f *fakeStore) GetTokenLimit(context.Context, string) (float64, int, bool, error) {
	return 0, 0, false, nil
}
func (f *fakeStore) ListTokenLimits(context.Context) (map[string][2]float64, error) { return nil, nil }
func (f *fakeStore) SaveModelTokenLimit(context.Context, string, int) error         { return nil }
func (f *fakeStore) GetModelTokenLimit(context.Context, string) (int, bool, error) {
	return 0, false, nil
}
func (f *fakeStore) SaveSecret(context.Context, string, string) error               { return nil }
func (f *fakeStore) GetSecret(context.Context, string) (string, error)              { return "", nil }
func (f *fakeStore) DeleteSecret(context.Context, string) error                     { return nil }

func newTestRegistry(t *testing.T, nodes ...*domain.Node) *Registry {
	t.Helper()
	s := newFakeStore(nodes...)
	r := New(s, 3)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return r
}

func TestGetResolvesBySlug(t *testing.T) {
	node := &domain.Node{Slug: "invoicing-node", Status: domain.NodeStatusActive}
	r := newTestRegistry(t, node)

	got, ok := r.Get("invoicing-node")
	if !ok || got.Slug != "invoicing-node" {
		t.Fatalf("expected to resolve invoicing-node, got %+v ok=%v", got, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected missing slug to not resolve")
	}
}

func TestActiveNodesExcludesUnroutable(t *testing.T) {
	active := &domain.Node{Slug: "a", Status: domain.NodeStatusActive}
	inactive := &domain.Node{Slug: "b", Status: domain.NodeStatusInactive}
	tooManyFailures := &domain.Node{Slug: "c", Status: domain.NodeStatusActive, PingFailures: 5}
	r := newTestRegistry(t, active, inactive, tooManyFailures)

	got := r.ActiveNodes()
	if len(got) != 1 || got[0].Slug != "a" {
		t.Fatalf("expected only node a to be active, got %+v", got)
	}
}

func TestNodeOwnsCollectionSingularPluralTolerance(t *testing.T) {
	n := &domain.Node{
		Slug:        "billing-node",
		Collections: []domain.Collection{{Name: "invoices", Class: "Invoice"}},
	}

	cases := []struct {
		query string
		want  bool
	}{
		{"invoice", true},
		{"invoices", true},
		{"Invoice", true},
		{"category", false},
	}
	for _, c := range cases {
		if got := NodeOwnsCollection(n, c.query); got != c.want {
			t.Errorf("OwnsCollection(%q) = %v, want %v", c.query, got, c.want)
		}
	}
}

func TestRankScoresExactAboveSingularAboveAlias(t *testing.T) {
	exact := &domain.Node{Slug: "invoices", Status: domain.NodeStatusActive}
	singular := &domain.Node{Slug: "invoice-node", Status: domain.NodeStatusActive, Collections: []domain.Collection{{Name: "invoice"}}}
	substring := &domain.Node{Slug: "legacy-invoicing-archive", Status: domain.NodeStatusActive}
	alias := &domain.Node{Slug: "billing", Status: domain.NodeStatusActive, Keywords: []string{"invoices"}}
	r := newTestRegistry(t, exact, singular, substring, alias)

	ranked := r.Rank("invoices")
	if len(ranked) == 0 {
		t.Fatal("expected at least one ranked node")
	}
	if ranked[0].Node.Slug != "invoices" || ranked[0].Score != ScoreExact {
		t.Fatalf("expected exact match to rank first with score %d, got %+v", ScoreExact, ranked[0])
	}

	scores := make(map[string]int)
	for _, r := range ranked {
		scores[r.Node.Slug] = r.Score
	}
	if scores["invoice-node"] != ScoreSingularPl {
		t.Fatalf("expected singular/plural score %d, got %d", ScoreSingularPl, scores["invoice-node"])
	}
	if scores["billing"] != ScoreAlias {
		t.Fatalf("expected alias score %d, got %d", ScoreAlias, scores["billing"])
	}
}

func TestRankDescendingWithStableSlugTiebreak(t *testing.T) {
	a := &domain.Node{Slug: "z-node", Status: domain.NodeStatusActive, Keywords: []string{"email"}}
	b := &domain.Node{Slug: "a-node", Status: domain.NodeStatusActive, Keywords: []string{"email"}}
	r := newTestRegistry(t, a, b)

	ranked := r.Rank("email")
	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked nodes, got %d", len(ranked))
	}
	if ranked[0].Score != ranked[1].Score {
		t.Fatalf("expected tied scores, got %d and %d", ranked[0].Score, ranked[1].Score)
	}
	if ranked[0].Node.Slug != "a-node" || ranked[1].Node.Slug != "z-node" {
		t.Fatalf("expected tie broken by slug ascending, got %q then %q", ranked[0].Node.Slug, ranked[1].Node.Slug)
	}
}

func TestLeaseConnectionIncrementsAndReleases(t *testing.T) {
	r := newTestRegistry(t)

	if got := r.ActiveConnections("node-a"); got != 0 {
		t.Fatalf("expected 0 active connections initially, got %d", got)
	}

	release := r.LeaseConnection("node-a")
	if got := r.ActiveConnections("node-a"); got != 1 {
		t.Fatalf("expected 1 active connection after lease, got %d", got)
	}

	release()
	if got := r.ActiveConnections("node-a"); got != 0 {
		t.Fatalf("expected 0 active connections after release, got %d", got)
	}

	// Releasing twice must not double-decrement.
	release()
	if got := r.ActiveConnections("node-a"); got != 0 {
		t.Fatalf("expected release to be idempotent, got %d", got)
	}
}

func TestPutInvalidatesActiveCache(t *testing.T) {
	r := newTestRegistry(t)
	if got := r.ActiveNodes(); len(got) != 0 {
		t.Fatalf("expected empty active list, got %+v", got)
	}

	r.Put(&domain.Node{Slug: "new-node", Status: domain.NodeStatusActive})
	if got := r.ActiveNodes(); len(got) != 1 || got[0].Slug != "new-node" {
		t.Fatalf("expected Put to invalidate the cached active list, got %+v", got)
	}
}

func TestMarkPingResultResetsFailuresOnSuccess(t *testing.T) {
	node := &domain.Node{Slug: "flaky-node", Status: domain.NodeStatusActive, PingFailures: 2}
	r := newTestRegistry(t, node)

	if err := r.MarkPingResult(context.Background(), "flaky-node", true, 120); err != nil {
		t.Fatalf("MarkPingResult: %v", err)
	}
	got, _ := r.Get("flaky-node")
	if got.PingFailures != 0 {
		t.Fatalf("expected ping failures reset to 0 on success, got %d", got.PingFailures)
	}

	if err := r.MarkPingResult(context.Background(), "flaky-node", false, 0); err != nil {
		t.Fatalf("MarkPingResult: %v", err)
	}
	got, _ = r.Get("flaky-node")
	if got.PingFailures != 1 {
		t.Fatalf("expected ping failures incremented to 1, got %d", got.PingFailures)
	}
}

func TestActiveNodesCacheExpiresAfterTTL(t *testing.T) {
	node := &domain.Node{Slug: "node-a", Status: domain.NodeStatusActive}
	r := newTestRegistry(t, node)

	first := r.ActiveNodes()
	if len(first) != 1 {
		t.Fatalf("expected 1 active node, got %d", len(first))
	}

	// Age the cached list past activeListTTL and take the node out of
	// routability without going through Put, so only TTL expiry can make
	// ActiveNodes re-derive the list.
	r.mu.Lock()
	r.cachedAt = time.Now().Add(-activeListTTL * 2)
	r.mu.Unlock()
	node.Status = domain.NodeStatusInactive

	second := r.ActiveNodes()
	if len(second) != 0 {
		t.Fatalf("expected re-derived active list to exclude inactive node, got %+v", second)
	}
}
