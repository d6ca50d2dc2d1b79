package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerClosedAllowsRequests(t *testing.T) {
	b := New(Config{
		FailureThreshold: 5,
		Cooldown:         5 * time.Second,
	})

	if !b.Allow() {
		t.Fatal("closed breaker should allow requests")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsOnKthConsecutiveFailure(t *testing.T) {
	b := New(Config{
		FailureThreshold: 3,
		Cooldown:         5 * time.Second,
	})

	b.RecordSuccess() // does not count toward the consecutive run
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("expected still closed after 2 failures, got %v", b.State())
	}

	b.RecordFailure() // 3rd consecutive failure
	if b.State() != StateOpen {
		t.Fatalf("expected open after %d consecutive failures, got %v", 3, b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject requests")
	}
}

func TestBreakerMonotonicity(t *testing.T) {
	// For any node, after K consecutive failures with no intervening
	// success, the next is_open returns true for at least cooldown.
	cooldown := 50 * time.Millisecond
	b := New(Config{FailureThreshold: 5, Cooldown: cooldown})

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("breaker should reject immediately after tripping")
	}
	time.Sleep(cooldown / 2)
	if b.Allow() {
		t.Fatal("breaker should still reject before cooldown elapses")
	}
}

func TestBreakerTransitionsToHalfOpenThenCloses(t *testing.T) {
	b := New(Config{
		FailureThreshold: 2,
		Cooldown:         10 * time.Millisecond,
	})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	time.Sleep(15 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after cooldown, got %v", b.State())
	}

	if !b.Allow() {
		t.Fatal("half-open breaker should admit exactly one probe")
	}
	if b.Allow() {
		t.Fatal("half-open breaker should reject a second concurrent probe")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State())
	}
}

func TestBreakerHalfOpenFailureReopensWithBackoff(t *testing.T) {
	b := New(Config{
		FailureThreshold:  1,
		Cooldown:          10 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxCooldown:       time.Second,
	})

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe to be admitted")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected reopened after failed probe, got %v", b.State())
	}

	_, _, _, _, _, nextRetryAt := b.Snapshot()
	if time.Until(nextRetryAt) < 15*time.Millisecond {
		t.Fatalf("expected backed-off cooldown to exceed base cooldown")
	}
}

func TestRegistryIsolatesNodes(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2, Cooldown: time.Second})

	r.RecordFailure("node-a")
	r.RecordFailure("node-a")
	if !r.IsOpen("node-a") {
		t.Fatal("expected node-a breaker to be open")
	}
	if r.IsOpen("node-b") {
		t.Fatal("node-b breaker should be unaffected by node-a's failures")
	}
}
