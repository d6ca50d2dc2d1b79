// Package routing implements the routing policy (C6): a fast lexical
// follow-up path and an LLM-backed re-routing path, per spec §4.6.
package routing

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/relayai/core/internal/digest"
	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/engine"
	"github.com/relayai/core/internal/logging"
	"github.com/relayai/core/internal/metrics"
	"github.com/relayai/core/internal/registry"
)

// HistoryWindow is the number of most-recent turns (W) handed to the LLM
// path and consulted by the fast path, per spec §3's SessionState.
const HistoryWindow = 3

var (
	affirmations    = map[string]bool{"yes": true, "ok": true, "okay": true, "sure": true, "yep": true, "yeah": true, "y": true}
	paginationWords = []string{"next page", "previous page", "next", "prev", "more"}
	numericSelector = regexp.MustCompile(`^(\d+|the (first|second|third|fourth|fifth|last) one)$`)
)

// Policy decides, per turn, whether to continue on the last-routed node,
// re-route to a different node, or answer locally.
type Policy struct {
	registry *registry.Registry
	digest   *digest.Cache
	engine   engine.Engine
}

// New creates a routing Policy.
func New(reg *registry.Registry, digestCache *digest.Cache, eng engine.Engine) *Policy {
	return &Policy{registry: reg, digest: digestCache, engine: eng}
}

// Decide returns the routing decision for userMessage given session state
// and a locally-provided metadata map used for the full digest's LOCAL NODE
// block.
func (p *Policy) Decide(ctx context.Context, userMessage string, session *domain.SessionState, localMetadata map[string]string) domain.RoutingDecision {
	if session != nil && session.LastRoutedNodeSlug != "" && isFollowUp(userMessage) {
		if _, ok := p.registry.Get(session.LastRoutedNodeSlug); ok {
			metrics.RecordRoutingDecision(string(domain.ActionContinue), "fast")
			return domain.RoutingDecision{Action: domain.ActionContinue, NodeSlug: session.LastRoutedNodeSlug}
		}
		// Fast path named a node that no longer exists; fall through to the
		// LLM path rather than trusting a stale slug.
	}

	decision := p.decideViaEngine(ctx, userMessage, session, localMetadata)
	metrics.RecordRoutingDecision(string(decision.Action), "llm")
	return decision
}

// isFollowUp implements the fixed lexical matcher of spec §4.6: numeric
// selectors, affirmations, and pagination requests over lowercased trimmed
// input.
func isFollowUp(message string) bool {
	m := strings.ToLower(strings.TrimSpace(message))
	if m == "" {
		return false
	}
	if affirmations[m] {
		return true
	}
	if numericSelector.MatchString(m) {
		return true
	}
	for _, w := range paginationWords {
		if m == w {
			return true
		}
	}
	return false
}

func (p *Policy) decideViaEngine(ctx context.Context, userMessage string, session *domain.SessionState, localMetadata map[string]string) domain.RoutingDecision {
	fullDigest, err := p.digest.FullDigest(p.registry.ActiveNodes(), localMetadata)
	if err != nil {
		logging.Op().Warn("routing policy: digest render failed, defaulting to CONTINUE", "error", err)
		return defaultDecision(session)
	}

	messages := []engine.Message{{Role: "user", Content: buildPrompt(fullDigest, session, userMessage)}}

	raw, err := p.engine.Complete(ctx, engine.CompletionRequest{
		SystemPrompt: routingSystemPrompt,
		Messages:     messages,
		MaxTokens:    32,
		Temperature:  0,
	})
	if err != nil {
		// Any engine exception defaults to CONTINUE: a router outage must
		// never break a live session (spec §4.6).
		logging.Op().Warn("routing policy: engine call failed, defaulting to CONTINUE", "error", err)
		return defaultDecision(session)
	}

	return p.postProcess(raw, session)
}

func buildPrompt(fullDigest string, session *domain.SessionState, userMessage string) string {
	var b strings.Builder
	b.WriteString(fullDigest)
	b.WriteString("\n\n")
	if session != nil {
		for _, turn := range session.RecentHistory(HistoryWindow) {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
	}
	fmt.Fprintf(&b, "user: %s\n", userMessage)
	return b.String()
}

const routingSystemPrompt = `You are the routing policy for a federated AI system. Given the digest of
available nodes and the recent conversation, reply with exactly one of:
CONTINUE
RE_ROUTE:<slug>
LOCAL
Reply with nothing else.`

func (p *Policy) postProcess(raw string, session *domain.SessionState) domain.RoutingDecision {
	verdict := strings.TrimSpace(raw)

	switch {
	case verdict == "CONTINUE", verdict == "RELATED":
		if session != nil && session.LastRoutedNodeSlug != "" {
			if _, ok := p.registry.Get(session.LastRoutedNodeSlug); ok {
				return domain.RoutingDecision{Action: domain.ActionContinue, NodeSlug: session.LastRoutedNodeSlug}
			}
		}
		return domain.RoutingDecision{Action: domain.ActionLocal}

	case verdict == "LOCAL", verdict == "DIFFERENT":
		return domain.RoutingDecision{Action: domain.ActionLocal}

	case strings.HasPrefix(verdict, "RE_ROUTE:"):
		slug := strings.TrimSpace(strings.TrimPrefix(verdict, "RE_ROUTE:"))
		if _, ok := p.registry.Get(slug); ok {
			return domain.RoutingDecision{Action: domain.ActionReRoute, NodeSlug: slug}
		}
		return domain.RoutingDecision{Action: domain.ActionLocal}

	default:
		return defaultDecision(session)
	}
}

func defaultDecision(session *domain.SessionState) domain.RoutingDecision {
	if session != nil && session.LastRoutedNodeSlug != "" {
		return domain.RoutingDecision{Action: domain.ActionContinue, NodeSlug: session.LastRoutedNodeSlug}
	}
	return domain.RoutingDecision{Action: domain.ActionContinue}
}
