package blocklist

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rankitpro/security-core/internal/event"
)

func newTestManager(defaultTTL time.Duration) *Manager {
	// Sweep disabled: expiry must hold at read time regardless.
	return NewManager(defaultTTL, 0, nil, zap.NewNop())
}

func TestBlockAndIsBlocked(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Close()

	ctx := context.Background()
	m.Block(ctx, "10.0.0.5", "test", time.Minute)

	if !m.IsBlocked("10.0.0.5") {
		t.Fatal("address must be blocked immediately after Block")
	}
	if m.IsBlocked("10.0.0.6") {
		t.Fatal("unrelated address must not be blocked")
	}
}

func TestExpiryEnforcedAtReadTime(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Close()

	ctx := context.Background()
	m.Block(ctx, "10.0.0.5", "short", 20*time.Millisecond)

	if !m.IsBlocked("10.0.0.5") {
		t.Fatal("address must be blocked within its TTL")
	}
	time.Sleep(40 * time.Millisecond)
	// No sweep ran; the read itself must observe expiry.
	if m.IsBlocked("10.0.0.5") {
		t.Fatal("expired block must read as unblocked without a sweep")
	}
	if got := m.List(); len(got) != 0 {
		t.Fatalf("expired entries must not appear in List, got %d", len(got))
	}
}

func TestUnblockNotFound(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Close()

	err := m.Unblock(context.Background(), "203.0.113.1")
	if !errors.Is(err, ErrNotBlocked) {
		t.Fatalf("want ErrNotBlocked, got %v", err)
	}
}

func TestUnblockRemovesEntry(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Close()

	ctx := context.Background()
	m.Block(ctx, "10.0.0.5", "test", time.Minute)
	if err := m.Unblock(ctx, "10.0.0.5"); err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	if m.IsBlocked("10.0.0.5") {
		t.Fatal("unblocked address must not be blocked")
	}
	if err := m.Unblock(ctx, "10.0.0.5"); !errors.Is(err, ErrNotBlocked) {
		t.Fatalf("second unblock must report not found, got %v", err)
	}
}

func TestReblockRefreshesExpiry(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Close()

	ctx := context.Background()
	m.Block(ctx, "10.0.0.5", "first", 30*time.Millisecond)
	m.Block(ctx, "10.0.0.5", "second", time.Minute)

	entries := m.List()
	if len(entries) != 1 {
		t.Fatalf("an address appears at most once, got %d entries", len(entries))
	}
	if entries[0].Reason != "second" {
		t.Fatalf("re-block must refresh the reason, got %q", entries[0].Reason)
	}

	time.Sleep(50 * time.Millisecond)
	if !m.IsBlocked("10.0.0.5") {
		t.Fatal("refreshed TTL must keep the address blocked past the first expiry")
	}
}

func TestDefaultTTLApplied(t *testing.T) {
	m := newTestManager(25 * time.Millisecond)
	defer m.Close()

	m.Block(context.Background(), "10.0.0.5", "default ttl", 0)
	if !m.IsBlocked("10.0.0.5") {
		t.Fatal("address must be blocked immediately")
	}
	time.Sleep(50 * time.Millisecond)
	if m.IsBlocked("10.0.0.5") {
		t.Fatal("default TTL must expire the block")
	}
}

func TestCount(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Close()

	ctx := context.Background()
	m.Block(ctx, "10.0.0.1", "a", time.Minute)
	m.Block(ctx, "10.0.0.2", "b", 10*time.Millisecond)

	if got := m.Count(); got != 2 {
		t.Fatalf("want 2 active blocks, got %d", got)
	}
	time.Sleep(30 * time.Millisecond)
	if got := m.Count(); got != 1 {
		t.Fatalf("expired block must not be counted, got %d", got)
	}
}

type stubCounter struct {
	counts map[string]int
}

func (s stubCounter) FailureCount(source string, _ time.Duration) int {
	return s.counts[source]
}

func TestThresholdPolicy(t *testing.T) {
	counter := stubCounter{counts: map[string]int{"10.0.0.5": 5, "10.0.0.6": 4}}
	policy := NewThresholdPolicy(counter, 5, 5*time.Minute, time.Minute)

	tests := []struct {
		name  string
		ev    event.Event
		block bool
	}{
		{"at threshold", event.Event{Type: event.TypeLoginFailure, SourceAddress: "10.0.0.5"}, true},
		{"below threshold", event.Event{Type: event.TypeLoginFailure, SourceAddress: "10.0.0.6"}, false},
		{"wrong type", event.Event{Type: event.TypeLoginSuccess, SourceAddress: "10.0.0.5"}, false},
		{"no source", event.Event{Type: event.TypeLoginFailure}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, block := policy.Evaluate(tt.ev)
			if block != tt.block {
				t.Fatalf("want block=%t, got %t", tt.block, block)
			}
			if block && decision.Reason == "" {
				t.Fatal("a block decision must carry a reason")
			}
		})
	}
}

func TestDisabledThresholdPolicy(t *testing.T) {
	policy := NewThresholdPolicy(stubCounter{}, 0, time.Minute, time.Minute)
	if _, block := policy.Evaluate(event.Event{Type: event.TypeLoginFailure, SourceAddress: "10.0.0.5"}); block {
		t.Fatal("threshold 0 must disable the policy")
	}
}
