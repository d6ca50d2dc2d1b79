package routing

import (
	"context"
	"testing"
	"time"

	"github.com/relayai/core/internal/digest"
	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/engine"
	"github.com/relayai/core/internal/registry"
	"github.com/relayai/core/internal/store"
)

type fakeMetadataStore struct {
	nodes map[string]*domain.Node
}

func newFakeStore(nodes ...*domain.Node) *fakeMetadataStore {
	m := &fakeMetadataStore{nodes: make(map[string]*domain.Node)}
	for _, n := range nodes {
		m.nodes[n.Slug] = n
	}
	return m
}

func (f *fakeMetadataStore) Close() error            { return nil }
func (f *fakeMetadataStore) Ping(context.Context) error { return nil }
func (f *fakeMetadataStore) ListNodes(context.Context) ([]*domain.Node, error) {
	out := make([]*domain.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}
func (f *fakeMetadataStore) ListActiveNodes(ctx context.Context) ([]*domain.Node, error) {
	return f.ListNodes(ctx)
}
func (f *fakeMetadataStore) SaveNode(_ context.Context, n *domain.Node) error {
	f.nodes[n.Slug] = n
	return nil
}
func (f *fakeMetadataStore) GetNode(_ context.Context, slug string) (*domain.Node, error) {
	return f.nodes[slug], nil
}
func (f *fakeMetadataStore) UpdateNode(_ context.Context, slug string, update *store.NodeUpdate) (*domain.Node, error) {
	return f.nodes[slug], nil
}
func (f *fakeMetadataStore) DeleteNode(_ context.Context, slug string) error { delete(f.nodes, slug); return nil }
func (f *fakeMetadataStore) SaveBreakerState(context.Context, *domain.CircuitBreakerState) error { return nil }
func (f *fakeMetadataStore) GetBreakerState(context.Context, string) (*domain.CircuitBreakerState, error) {
	return nil, nil
}
func (f *fakeMetadataStore) ListBreakerStates(context.Context) ([]*domain.CircuitBreakerState, error) {
	return nil, nil
}
func (f *fakeMetadataStore) SaveRequestLog(context.Context, *domain.NodeRequestLog) error { return nil }
func (f *fakeMetadataStore) ListRequestLogs(context.Context, store.RequestLogFilter) ([]*domain.NodeRequestLog, error) {
	return nil, nil
}
func (f *fakeMetadataStore) SaveTokenLimit(context.Context, string, float64, int) error { return nil }
func (f *fakeMetadataStore) GetTokenLimit(context.Context, string) (float64, int, bool, error) {
	return 0, 0, false, nil
}
func (f *fakeMetadataStore) ListTokenLimits(context.Context) (map[string][2]float64, error) { return nil, nil }
func (f *fakeMetadataStore) SaveModelTokenLimit(context.Context, string, int) error          { return nil }
func (f *fakeMetadataStore) GetModelTokenLimit(context.Context, string) (int, bool, error) {
	return 0, false, nil
}
func (f *fakeMetadataStore) SaveSecret(context.Context, string, string) error               { return nil }
func (f *fakeMetadataStore) GetSecret(context.Context, string) (string, error)               { return "", nil }
func (f *fakeMetadataStore) DeleteSecret(context.Context, string) error                      { return nil }

type fakeEngine struct {
	response string
	err      error
}

func (e *fakeEngine) Complete(context.Context, engine.CompletionRequest) (string, error) {
	return e.response, e.err
}

func newTestPolicy(t *testing.T, eng engine.Engine, nodes ...*domain.Node) *Policy {
	t.Helper()
	s := newFakeStore(nodes...)
	reg := registry.New(s, 3)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh registry: %v", err)
	}
	return New(reg, digest.NewCache(time.Minute), eng)
}

func activeNode(slug string) *domain.Node {
	return &domain.Node{Slug: slug, Status: domain.NodeStatusActive}
}

func TestFollowUpFastPathSkipsEngine(t *testing.T) {
	eng := &fakeEngine{err: context.DeadlineExceeded} // would fail if ever called
	p := newTestPolicy(t, eng, activeNode("node-a"))

	session := &domain.SessionState{SessionID: "s1", LastRoutedNodeSlug: "node-a"}
	decision := p.Decide(context.Background(), "yes", session, nil)

	if decision.Action != domain.ActionContinue || decision.NodeSlug != "node-a" {
		t.Fatalf("expected CONTINUE node-a, got %+v", decision)
	}
}

func TestReRouteValidatesSlug(t *testing.T) {
	eng := &fakeEngine{response: "RE_ROUTE:node-b"}
	p := newTestPolicy(t, eng, activeNode("node-a"), activeNode("node-b"))

	decision := p.Decide(context.Background(), "switch to billing", &domain.SessionState{SessionID: "s1"}, nil)
	if decision.Action != domain.ActionReRoute || decision.NodeSlug != "node-b" {
		t.Fatalf("expected RE_ROUTE node-b, got %+v", decision)
	}
}

func TestReRouteUnknownSlugDowngradesToLocal(t *testing.T) {
	eng := &fakeEngine{response: "RE_ROUTE:ghost"}
	p := newTestPolicy(t, eng, activeNode("node-a"))

	decision := p.Decide(context.Background(), "switch to ghost", &domain.SessionState{SessionID: "s1"}, nil)
	if decision.Action != domain.ActionLocal {
		t.Fatalf("expected LOCAL, got %+v", decision)
	}
}

func TestEngineErrorDefaultsToContinue(t *testing.T) {
	eng := &fakeEngine{err: context.DeadlineExceeded}
	p := newTestPolicy(t, eng, activeNode("node-a"))

	session := &domain.SessionState{SessionID: "s1", LastRoutedNodeSlug: "node-a"}
	decision := p.Decide(context.Background(), "tell me about the weather on mars", session, nil)
	if decision.Action != domain.ActionContinue || decision.NodeSlug != "node-a" {
		t.Fatalf("expected CONTINUE node-a on engine error, got %+v", decision)
	}
}
