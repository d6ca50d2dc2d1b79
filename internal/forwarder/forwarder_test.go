package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relayai/core/internal/auth"
	"github.com/relayai/core/internal/circuitbreaker"
	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/httpclient"
	"github.com/relayai/core/internal/ratelimit"
	"github.com/relayai/core/internal/registry"
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
	return f.nodes[slug], nil
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

func newTestForwarder(t *testing.T, nodes ...*domain.Node) (*Forwarder, *registry.Registry) {
	t.Helper()
	s := newFakeStore(nodes...)
	reg := registry.New(s, 3)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	client := httpclient.New(auth.NewSigner("secret"), time.Minute)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	limiter := ratelimit.New(ratelimit.NewLocalTokenBucketBackend(), nil, ratelimit.TierConfig{RequestsPerSecond: 1000, BurstSize: 1000})
	return New(DefaultConfig(), client, breakers, reg, limiter), reg
}

func activeNode(slug, baseURL string) *domain.Node {
	return &domain.Node{Slug: slug, Status: domain.NodeStatusActive, BaseURL: baseURL}
}

func TestForwardChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reply":"hi"}`))
	}))
	defer srv.Close()

	node := activeNode("node-a", srv.URL)
	f, _ := newTestForwarder(t, node)

	result, err := f.ForwardChat(context.Background(), node, srv.URL+"/api/ai-engine/chat", map[string]string{"message": "hi"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NodeSlug != "node-a" || result.FailoverFrom != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestForwardChatFailsOverToAlternate(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reply":"hi from alt"}`))
	}))
	defer good.Close()

	nodeA := activeNode("node-a", bad.URL)
	nodeA.Collections = []domain.Collection{{Name: "billing"}}
	nodeB := activeNode("node-b", good.URL)
	nodeB.Collections = []domain.Collection{{Name: "billing"}}

	cfg := DefaultConfig()
	cfg.MaxRetriesChat = 0
	cfg.BackoffBase = time.Millisecond

	s := newFakeStore(nodeA, nodeB)
	reg := registry.New(s, 3)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	client := httpclient.New(auth.NewSigner("secret"), time.Minute)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	limiter := ratelimit.New(ratelimit.NewLocalTokenBucketBackend(), nil, ratelimit.TierConfig{RequestsPerSecond: 1000, BurstSize: 1000})
	f := New(cfg, client, breakers, reg, limiter)

	result, err := f.ForwardChat(context.Background(), nodeA, bad.URL+"/api/ai-engine/chat", map[string]string{"message": "hi"}, "billing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NodeSlug != "node-b" || result.FailoverFrom != "node-a" {
		t.Fatalf("expected failover to node-b from node-a, got %+v", result)
	}
}

func TestForwardActionNeverFailsOver(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	nodeA := activeNode("node-a", bad.URL)
	nodeA.Collections = []domain.Collection{{Name: "billing"}}
	nodeB := activeNode("node-b", bad.URL)
	nodeB.Collections = []domain.Collection{{Name: "billing"}}

	cfg := DefaultConfig()
	cfg.MaxRetriesAction = 0
	cfg.BackoffBase = time.Millisecond

	s := newFakeStore(nodeA, nodeB)
	reg := registry.New(s, 3)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	client := httpclient.New(auth.NewSigner("secret"), time.Minute)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	limiter := ratelimit.New(ratelimit.NewLocalTokenBucketBackend(), nil, ratelimit.TierConfig{RequestsPerSecond: 1000, BurstSize: 1000})
	f := New(cfg, client, breakers, reg, limiter)

	_, err := f.ForwardAction(context.Background(), nodeA, bad.URL+"/api/ai-engine/action", map[string]string{"action_id": "x"})
	if err == nil {
		t.Fatal("expected error, action should never fail over")
	}
	if breakers.IsOpen("node-a") {
		t.Fatal("single failure should not yet trip the breaker")
	}
}

func TestForwardSkipsOpenBreaker(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reply":"hi"}`))
	}))
	defer good.Close()

	nodeA := activeNode("node-a", "http://node-a.invalid")
	nodeA.Collections = []domain.Collection{{Name: "billing"}}
	nodeB := activeNode("node-b", good.URL)
	nodeB.Collections = []domain.Collection{{Name: "billing"}}

	f, _ := newTestForwarder(t, nodeA, nodeB)
	for i := 0; i < circuitbreaker.DefaultConfig().FailureThreshold; i++ {
		f.breakers.RecordFailure("node-a")
	}
	if !f.breakers.IsOpen("node-a") {
		t.Fatal("expected breaker to be open after threshold failures")
	}

	result, err := f.ForwardChat(context.Background(), nodeA, "http://node-a.invalid/api/ai-engine/chat", map[string]string{"message": "hi"}, "billing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NodeSlug != "node-b" {
		t.Fatalf("expected failover straight past the open breaker, got %+v", result)
	}
}
