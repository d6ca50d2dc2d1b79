// Package digest renders the routing digest (C5): a per-node, LLM-facing
// summary of each active node's domain, and the full digest handed to the
// orchestration engine by the routing policy (C6). Rendering is
// deterministic (text/template over embed.FS, spec §4.5) and cached keyed by
// a content hash of the node's digest-relevant fields.
package digest

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/relayai/core/internal/cache"
	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/logging"
	"github.com/relayai/core/internal/metrics"
	"github.com/relayai/core/internal/pkg/crypto"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var funcMap = template.FuncMap{
	"join": strings.Join,
}

var (
	nodeTemplate  = mustParse("node.tmpl")
	localTemplate = mustParse("local.tmpl")
)

func mustParse(name string) *template.Template {
	content, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		panic(fmt.Sprintf("load digest template %q: %v", name, err))
	}
	tpl, err := template.New(name).Funcs(funcMap).Option("missingkey=zero").Parse(string(content))
	if err != nil {
		panic(fmt.Sprintf("parse digest template %q: %v", name, err))
	}
	return tpl
}

type nodeView struct {
	Slug        string
	Name        string
	Domains     []string
	Collections []string
	Keywords    []string
	Goals       []string
}

type localView struct {
	Metadata map[string]string
}

// cacheEntry holds a rendered digest keyed by the content hash that produced it.
type cacheEntry struct {
	hash string
	text string
}

// Cache is a process-wide cache of rendered per-node digests, keyed by
// (node_slug, content_hash) per spec §4.5, with a TTL fallback so a node
// that never mutates does not pin memory forever.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	stamps  map[string]time.Time
	ttl     time.Duration

	// backend, when set, mirrors rendered digests into a shared cache.Cache
	// (in-memory, Redis, or tiered) so a newly started relayd process can
	// skip re-rendering digests for nodes another process already warmed.
	// The in-memory maps above remain the source of truth for the per-node
	// hash check; backend is a write-through layer only.
	backend cache.Cache
}

// NewCache creates a digest Cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		stamps:  make(map[string]time.Time),
		ttl:     ttl,
	}
}

// WithBackend attaches a shared cache.Cache backend (e.g. Redis) that
// rendered digests are mirrored into, keyed by "digest:<slug>:<hash>".
func (c *Cache) WithBackend(b cache.Cache) *Cache {
	c.backend = b
	return c
}

func digestBackendKey(slug, hash string) string {
	return "digest:" + slug + ":" + hash
}

// backendLookup checks the shared backend for a rendering of this exact
// (slug, hash) pair, used when the local TTL has lapsed but another process
// may have rendered it more recently.
func (c *Cache) backendLookup(slug, hash string) (string, bool) {
	if c.backend == nil {
		return "", false
	}
	value, err := c.backend.Get(context.Background(), digestBackendKey(slug, hash))
	if err != nil {
		return "", false
	}
	return string(value), true
}

func (c *Cache) backendStore(slug, hash, text string) {
	if c.backend == nil {
		return
	}
	if err := c.backend.Set(context.Background(), digestBackendKey(slug, hash), []byte(text), c.ttl); err != nil {
		logging.Op().Warn("digest backend cache write failed", "slug", slug, "error", err)
	}
}

// NodeDigest renders (or returns the cached rendering of) a node's digest.
func (c *Cache) NodeDigest(n *domain.Node) (string, error) {
	hash := hashNode(n)

	c.mu.Lock()
	if entry, ok := c.entries[n.Slug]; ok {
		if entry.hash == hash && time.Since(c.stamps[n.Slug]) < c.ttl {
			c.mu.Unlock()
			metrics.RecordDigestCacheResult(true)
			return entry.text, nil
		}
	}
	c.mu.Unlock()

	if text, ok := c.backendLookup(n.Slug, hash); ok {
		c.mu.Lock()
		c.entries[n.Slug] = cacheEntry{hash: hash, text: text}
		c.stamps[n.Slug] = time.Now()
		c.mu.Unlock()
		metrics.RecordDigestCacheResult(true)
		return text, nil
	}

	metrics.RecordDigestCacheResult(false)
	text, err := renderNode(n)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[n.Slug] = cacheEntry{hash: hash, text: text}
	c.stamps[n.Slug] = time.Now()
	c.mu.Unlock()
	c.backendStore(n.Slug, hash, text)

	return text, nil
}

// Refresh forces regeneration of a node's digest regardless of its cached
// content hash and returns the new value, per spec §4.5's refresh(node).
func (c *Cache) Refresh(n *domain.Node) (string, error) {
	text, err := renderNode(n)
	if err != nil {
		return "", err
	}
	hash := hashNode(n)
	c.mu.Lock()
	c.entries[n.Slug] = cacheEntry{hash: hash, text: text}
	c.stamps[n.Slug] = time.Now()
	c.mu.Unlock()
	c.backendStore(n.Slug, hash, text)
	return text, nil
}

// Invalidate drops a node's cached digest.
func (c *Cache) Invalidate(nodeSlug string) {
	c.mu.Lock()
	delete(c.entries, nodeSlug)
	delete(c.stamps, nodeSlug)
	c.mu.Unlock()
}

// FullDigest concatenates every active node's digest with a LOCAL NODE block
// built from metadata. If nodes is empty, returns the literal sentinel
// "No nodes available" per spec §4.5.
func (c *Cache) FullDigest(nodes []*domain.Node, localMetadata map[string]string) (string, error) {
	if len(nodes) == 0 {
		return "No nodes available", nil
	}

	sorted := make([]*domain.Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Slug < sorted[j].Slug })

	var sections []string
	for _, n := range sorted {
		text, err := c.NodeDigest(n)
		if err != nil {
			return "", err
		}
		sections = append(sections, text)
	}

	local, err := renderLocal(localMetadata)
	if err != nil {
		return "", err
	}
	sections = append(sections, local)

	return strings.Join(sections, "\n\n"), nil
}

func renderNode(n *domain.Node) (string, error) {
	view := nodeView{Slug: n.Slug, Name: n.Name}
	for _, c := range n.Collections {
		view.Collections = append(view.Collections, c.Name)
	}
	view.Domains = n.Domains
	view.Keywords = n.Keywords
	for _, g := range n.AutonomousCollectors {
		view.Goals = append(view.Goals, fmt.Sprintf("%s: %s", g.Name, g.Goal))
	}

	var buf bytes.Buffer
	if err := nodeTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render node digest for %q: %w", n.Slug, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func renderLocal(metadata map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := localTemplate.Execute(&buf, localView{Metadata: metadata}); err != nil {
		return "", fmt.Errorf("render local digest: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// hashNode derives the content hash of every digest-relevant field of a
// node. Any mutation of these fields changes the hash and invalidates the
// cached rendering.
func hashNode(n *domain.Node) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s", n.Slug, n.Name)
	for _, c := range n.Collections {
		fmt.Fprintf(&b, "|c:%s", c.Name)
	}
	for _, d := range n.Domains {
		fmt.Fprintf(&b, "|d:%s", d)
	}
	for _, k := range n.Keywords {
		fmt.Fprintf(&b, "|k:%s", k)
	}
	for _, g := range n.AutonomousCollectors {
		fmt.Fprintf(&b, "|g:%s:%s", g.Name, g.Goal)
	}
	return crypto.HashString(b.String())
}
