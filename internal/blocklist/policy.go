package blocklist

import (
	"time"

	"github.com/rankitpro/security-core/internal/event"
)

// Decision says why and for how long a source should be blocked.
type Decision struct {
	Reason string
	TTL    time.Duration
}

// Policy decides whether a recorded event should trigger a block. The core
// only provides the mechanism; which heuristic fires is for the policy
// implementation (rate limiter, anomaly detector, this default) to decide.
type Policy interface {
	Evaluate(ev event.Event) (Decision, bool)
}

// FailureCounter is the slice of the event store a threshold policy needs.
type FailureCounter interface {
	FailureCount(source string, window time.Duration) int
}

// ThresholdPolicy blocks a source after too many failed logins within a
// trailing window. Threshold and window come from configuration.
type ThresholdPolicy struct {
	counter   FailureCounter
	threshold int
	window    time.Duration
	ttl       time.Duration
}

func NewThresholdPolicy(counter FailureCounter, threshold int, window, ttl time.Duration) *ThresholdPolicy {
	return &ThresholdPolicy{
		counter:   counter,
		threshold: threshold,
		window:    window,
		ttl:       ttl,
	}
}

func (p *ThresholdPolicy) Evaluate(ev event.Event) (Decision, bool) {
	if p.threshold <= 0 || ev.Type != event.TypeLoginFailure || ev.SourceAddress == "" {
		return Decision{}, false
	}
	if p.counter.FailureCount(ev.SourceAddress, p.window) < p.threshold {
		return Decision{}, false
	}
	return Decision{
		Reason: "excessive failed login attempts",
		TTL:    p.ttl,
	}, true
}
