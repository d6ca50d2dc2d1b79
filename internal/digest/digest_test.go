package digest

import (
	"strings"
	"testing"

	"github.com/relayai/core/internal/domain"
)

func testNode(slug string) *domain.Node {
	return &domain.Node{
		Slug:       slug,
		Name:       "Test Node",
		Domains:    []string{"billing"},
		Collections: []domain.Collection{{Name: "invoices"}},
		Keywords:   []string{"invoice", "payment"},
	}
}

func TestFullDigestEmpty(t *testing.T) {
	c := NewCache(0)
	text, err := c.FullDigest(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "No nodes available" {
		t.Fatalf("expected sentinel, got %q", text)
	}
}

func TestNodeDigestCachedUntilMutation(t *testing.T) {
	c := NewCache(0)
	n := testNode("billing-node")

	first, err := c.NodeDigest(n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(first, "billing-node") {
		t.Fatalf("expected digest to mention slug, got %q", first)
	}

	second, err := c.NodeDigest(n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatal("expected cached digest to be stable across calls")
	}

	n.Domains = append(n.Domains, "payments")
	third, err := c.NodeDigest(n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third == second {
		t.Fatal("expected digest to regenerate after field mutation")
	}
}

func TestFullDigestIncludesLocalNodeBlock(t *testing.T) {
	c := NewCache(0)
	text, err := c.FullDigest([]*domain.Node{testNode("a")}, map[string]string{"role": "master"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text, "LOCAL NODE:") {
		t.Fatalf("expected LOCAL NODE block, got %q", text)
	}
}
