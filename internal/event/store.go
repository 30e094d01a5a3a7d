package event

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/rankitpro/security-core/internal/util"
)

// ErrEventNotFound is returned when a resolve targets an unknown event ID.
var ErrEventNotFound = errors.New("event not found")

// failureShards stripes per-source failure tracking so the ingestion path
// never serializes on a single map.
const failureShards = 16

// defaultFailureWindow bounds failure retention when no window is configured,
// so the per-source maps cannot grow without limit.
const defaultFailureWindow = time.Hour

type failureShard struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

// Store is the append-only in-memory event log. Record assigns monotonically
// increasing sequence numbers; Query orders by that sequence, not wall clock.
// The log is bounded: once maxEvents is reached the oldest entries age out of
// the hot window.
type Store struct {
	window        time.Duration
	failureWindow time.Duration
	maxEvents     int
	logger        *zap.Logger

	mu     sync.Mutex
	events []*Event
	seq    uint64

	shards [failureShards]failureShard
}

// NewStore creates a Store. window of zero computes metrics over the full
// retained history. failureWindow bounds how long per-source failure
// timestamps are kept; <= 0 applies a one-hour default.
func NewStore(window, failureWindow time.Duration, maxEvents int, logger *zap.Logger) *Store {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	if failureWindow <= 0 {
		failureWindow = defaultFailureWindow
	}
	s := &Store{
		window:        window,
		failureWindow: failureWindow,
		maxEvents:     maxEvents,
		logger:        logger,
	}
	for i := range s.shards {
		s.shards[i].failures = make(map[string][]time.Time)
	}
	return s
}

// Record appends an event and returns the stored copy with its assigned ID
// and sequence. It never fails: the auth path reporting an outcome must not
// be slowed or broken by monitoring.
func (s *Store) Record(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Severity == "" {
		ev.Severity = defaultSeverity(ev.Type)
	}
	ev.Resolved = false

	s.mu.Lock()
	s.seq++
	ev.Sequence = s.seq
	stored := ev
	s.events = append(s.events, &stored)
	if len(s.events) > s.maxEvents {
		// Age out the oldest, keeping the backing array from pinning memory.
		copy(s.events, s.events[len(s.events)-s.maxEvents:])
		s.events = s.events[:s.maxEvents]
	}
	s.mu.Unlock()

	if ev.Type == TypeLoginFailure && ev.SourceAddress != "" {
		s.trackFailure(ev.SourceAddress, ev.Timestamp)
	}

	s.logger.Debug("security event recorded",
		util.String("event_id", ev.ID),
		util.String("type", string(ev.Type)),
		util.String("severity", string(ev.Severity)),
		util.String("source", ev.SourceAddress),
	)
	return stored
}

// Query returns events matching the filter, newest first by sequence,
// capped at limit (limit <= 0 means no cap).
func (s *Store) Query(filter Filter, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, capHint(limit, len(s.events)))
	for i := len(s.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if filter.matches(s.events[i]) {
			out = append(out, *s.events[i])
		}
	}
	return out
}

// Resolve marks an event handled by an operator. The only mutation the store
// permits after recording.
func (s *Store) Resolve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID == id {
			s.events[i].Resolved = true
			return nil
		}
	}
	return ErrEventNotFound
}

// Metrics computes a consistent snapshot over the configured window. The
// loginAttempts invariant holds by construction: it is the sum of the two
// outcome counters.
func (s *Store) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.cutoff()
	var m Metrics
	for _, ev := range s.events {
		if !cutoff.IsZero() && ev.Timestamp.Before(cutoff) {
			continue
		}
		m.TotalEvents++
		switch ev.Type {
		case TypeLoginSuccess:
			m.SuccessfulLogins++
		case TypeLoginFailure:
			m.FailedLogins++
		case TypeSuspiciousActivity:
			m.SuspiciousActivities++
		}
	}
	m.LoginAttempts = m.FailedLogins + m.SuccessfulLogins
	if n := len(s.events); n > 0 {
		last := *s.events[n-1]
		m.LastEvent = &last
	}
	return m
}

// Health classifies the surface from unresolved high-severity events in the
// window.
func (s *Store) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.cutoff()
	var h Health
	for _, ev := range s.events {
		if ev.Resolved {
			continue
		}
		if !cutoff.IsZero() && ev.Timestamp.Before(cutoff) {
			continue
		}
		switch ev.Severity {
		case SeverityCritical:
			h.CriticalEvents++
		case SeverityHigh:
			h.HighPriorityEvents++
		}
	}
	switch {
	case h.CriticalEvents > 0:
		h.Status = HealthCritical
	case h.HighPriorityEvents > 0:
		h.Status = HealthWarning
	default:
		h.Status = HealthHealthy
	}
	return h
}

// FailureCount reports failed logins seen from source within the trailing
// window. Consulted by blocking policies.
func (s *Store) FailureCount(source string, window time.Duration) int {
	shard := &s.shards[shardFor(source)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	cutoff := time.Now().Add(-window)
	times := shard.failures[source]
	kept := times[:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(shard.failures, source)
	} else {
		shard.failures[source] = kept
	}
	return len(kept)
}

// trackFailure appends a failure timestamp and prunes entries older than the
// failure window in the same pass, so the maps stay bounded even when no
// policy ever reads them.
func (s *Store) trackFailure(source string, at time.Time) {
	shard := &s.shards[shardFor(source)]
	cutoff := at.Add(-s.failureWindow)
	shard.mu.Lock()
	kept := shard.failures[source][:0]
	for _, t := range shard.failures[source] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	shard.failures[source] = append(kept, at)
	shard.mu.Unlock()
}

func (s *Store) cutoff() time.Time {
	if s.window <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-s.window)
}

func shardFor(source string) uint32 {
	return murmur3.Sum32([]byte(source)) % failureShards
}

func defaultSeverity(t Type) Severity {
	switch t {
	case TypeSuspiciousActivity:
		return SeverityHigh
	case TypeLoginFailure, TypeRateLimitHit, TypeAccessDenied:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func capHint(limit, available int) int {
	if limit <= 0 || limit > available {
		return available
	}
	return limit
}
