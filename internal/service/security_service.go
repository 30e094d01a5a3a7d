// Package service composes the monitoring core: the event store, broadcast
// hub, blocklist, blocking policy, and persistence pipeline.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rankitpro/security-core/internal/blocklist"
	"github.com/rankitpro/security-core/internal/event"
	"github.com/rankitpro/security-core/internal/hub"
	"github.com/rankitpro/security-core/internal/sink"
	"github.com/rankitpro/security-core/internal/util"
)

// SessionCounter reports the external session component's current active
// session count for the metrics view. May be nil when the component is not
// reachable.
type SessionCounter interface {
	ActiveSessionCount(ctx context.Context) (int64, error)
}

// sessionQueryTimeout bounds a single round-trip to the session component.
const sessionQueryTimeout = 5 * time.Second

// SecurityService is the single entry point the API handlers use.
//
// The session component is never consulted on the ingestion path: its active
// session count is held in a cached snapshot, refreshed by a background
// ticker and by pull-based metrics reads.
type SecurityService struct {
	store     *event.Store
	hub       *hub.Hub
	blocklist *blocklist.Manager
	policy    blocklist.Policy
	pipeline  *sink.Pipeline
	sessions  SessionCounter
	logger    *zap.Logger

	activeSessions atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
}

// NewSecurityService assembles the service. sessions may be nil;
// refreshInterval <= 0 disables the background session-count refresher, in
// which case the cached count is updated only by Metrics calls.
func NewSecurityService(
	store *event.Store,
	h *hub.Hub,
	bl *blocklist.Manager,
	policy blocklist.Policy,
	pipeline *sink.Pipeline,
	sessions SessionCounter,
	refreshInterval time.Duration,
	logger *zap.Logger,
) *SecurityService {
	s := &SecurityService{
		store:     store,
		hub:       h,
		blocklist: bl,
		policy:    policy,
		pipeline:  pipeline,
		sessions:  sessions,
		logger:    logger,
		stop:      make(chan struct{}),
	}
	if sessions != nil && refreshInterval > 0 {
		go s.refreshLoop(refreshInterval)
	}
	return s
}

// RecordEvent is the core's ingestion entry point. It never returns an
// error: the reporting caller's request path must not be slowed or failed by
// monitoring. Every record fans out to subscribers, consults the blocking
// policy, and is handed to the persistence pipeline best-effort.
func (s *SecurityService) RecordEvent(ctx context.Context, ev event.Event) event.Event {
	stored := s.store.Record(ev)

	// The pushed metrics view uses the cached session count; ingestion must
	// not wait on the external session component.
	s.hub.Publish(hub.Message{Type: hub.MessageSecurityEvent, Data: stored})
	s.hub.Publish(hub.Message{Type: hub.MessageMetricsUpdate, Data: s.metricsSnapshot()})

	if s.policy != nil {
		if decision, block := s.policy.Evaluate(stored); block {
			s.blocklist.Block(ctx, stored.SourceAddress, decision.Reason, decision.TTL)
		}
	}

	if s.pipeline != nil {
		if !s.pipeline.Enqueue(stored) {
			s.logger.Warn("persistence buffer full, event dropped",
				util.String("event_id", stored.ID),
			)
		}
	}

	return stored
}

// Events queries the store newest-first.
func (s *SecurityService) Events(filter event.Filter, limit int) []event.Event {
	return s.store.Query(filter, limit)
}

// ResolveEvent marks an event handled.
func (s *SecurityService) ResolveEvent(id string) error {
	return s.store.Resolve(id)
}

// Metrics assembles the full metrics view: rolling counters from the store,
// plus the current blocklist size, session count, and persistence drops.
// The session component is queried live here; on failure the last cached
// count is reported instead.
func (s *SecurityService) Metrics(ctx context.Context) event.Metrics {
	if s.sessions != nil {
		if count, err := s.sessions.ActiveSessionCount(ctx); err == nil {
			s.activeSessions.Store(count)
		}
	}
	return s.metricsSnapshot()
}

// metricsSnapshot builds the metrics view from local state only. Safe on the
// ingestion path.
func (s *SecurityService) metricsSnapshot() event.Metrics {
	m := s.store.Metrics()
	m.BlockedIPCount = s.blocklist.Count()
	if s.pipeline != nil {
		m.EventsDropped = s.pipeline.Dropped()
	}
	m.ActiveSessions = s.activeSessions.Load()
	return m
}

func (s *SecurityService) refreshLoop(interval time.Duration) {
	s.refreshSessionCount()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.refreshSessionCount()
		}
	}
}

func (s *SecurityService) refreshSessionCount() {
	ctx, cancel := context.WithTimeout(context.Background(), sessionQueryTimeout)
	defer cancel()
	count, err := s.sessions.ActiveSessionCount(ctx)
	if err != nil {
		s.logger.Debug("session count refresh failed", util.ErrorField(err))
		return
	}
	s.activeSessions.Store(count)
}

// Close stops the background session-count refresher.
func (s *SecurityService) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Health classifies the monitored surface.
func (s *SecurityService) Health() event.Health {
	return s.store.Health()
}

// Blocklist exposes the blocklist manager for the handlers and the external
// request path.
func (s *SecurityService) Blocklist() *blocklist.Manager {
	return s.blocklist
}

// Hub exposes the broadcast hub for push subscriptions.
func (s *SecurityService) Hub() *hub.Hub {
	return s.hub
}
