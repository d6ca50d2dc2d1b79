// Package metrics collects and exposes routing-core observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (global atomic counters) for the
//     lightweight JSON /metrics endpoint used by local tooling.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both allows a single node to expose counters without a
// Prometheus sidecar while still supporting enterprise monitoring stacks.
//
// # Concurrency — hot path
//
// RecordForward is called from the API handlers on every forwarded request
// and must be as fast as possible. It uses atomic increments only; no
// lock is held on the hot path.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics holds process-global atomic counters for the routing core.
type Metrics struct {
	startTime time.Time

	forwardsTotal    atomic.Int64
	forwardsFailed   atomic.Int64
	retriesTotal     atomic.Int64
	failoversTotal   atomic.Int64
	routingLocal     atomic.Int64
	routingContinue  atomic.Int64
	routingReRoute   atomic.Int64
	ragRetrievals    atomic.Int64
	vectorUpserts    atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

// Global returns the process-wide Metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordForward records a single forwarded request outcome.
func (m *Metrics) RecordForward(success bool) {
	m.forwardsTotal.Add(1)
	if !success {
		m.forwardsFailed.Add(1)
	}
}

// RecordRetry increments the forwarder retry counter.
func (m *Metrics) RecordRetry() {
	m.retriesTotal.Add(1)
}

// RecordFailover increments the horizontal-failover counter.
func (m *Metrics) RecordFailover() {
	m.failoversTotal.Add(1)
}

// RecordRoutingAction increments the counter matching a routing decision.
func (m *Metrics) RecordRoutingAction(action string) {
	switch action {
	case "LOCAL":
		m.routingLocal.Add(1)
	case "CONTINUE":
		m.routingContinue.Add(1)
	case "RE_ROUTE":
		m.routingReRoute.Add(1)
	}
}

// RecordRAGRetrieval increments the RAG retrieval counter.
func (m *Metrics) RecordRAGRetrieval() {
	m.ragRetrievals.Add(1)
}

// RecordVectorUpsert adds n to the vector-upsert counter.
func (m *Metrics) RecordVectorUpsert(n int64) {
	m.vectorUpserts.Add(n)
}

// Snapshot returns a point-in-time view suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"uptime_seconds":   time.Since(m.startTime).Seconds(),
		"forwards_total":   m.forwardsTotal.Load(),
		"forwards_failed":  m.forwardsFailed.Load(),
		"retries_total":    m.retriesTotal.Load(),
		"failovers_total":  m.failoversTotal.Load(),
		"routing_local":    m.routingLocal.Load(),
		"routing_continue": m.routingContinue.Load(),
		"routing_reroute":  m.routingReRoute.Load(),
		"rag_retrievals":   m.ragRetrievals.Load(),
		"vector_upserts":   m.vectorUpserts.Load(),
	}
}

// JSONHandler serves the in-process snapshot as JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
}
