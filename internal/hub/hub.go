// Package hub fans out security events and metric updates to connected
// dashboard subscribers.
//
// Each subscriber owns a bounded queue. When a slow subscriber's queue
// fills, the hub drops that subscriber's oldest message and moves on; a
// publisher is never blocked by a dashboard that stopped reading.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rankitpro/security-core/internal/util"
)

// Message types on the push channel.
const (
	MessageSecurityEvent = "security_event"
	MessageMetricsUpdate = "metrics_update"
)

// Message is the {type, data} envelope pushed to subscribers.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Subscriber is one connected dashboard. Listen on C; the channel is closed
// by Unsubscribe.
type Subscriber struct {
	ID      string
	C       chan Message
	dropped atomic.Int64

	closeOnce sync.Once
}

// Dropped reports how many messages this subscriber lost to a full queue.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Hub is the many-producer, many-consumer broadcast point.
type Hub struct {
	queueSize int
	logger    *zap.Logger

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func New(queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger,
		subs:      make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID: uuid.NewString(),
		C:  make(chan Message, h.queueSize),
	}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("subscriber connected",
		util.String("subscriber_id", sub.ID),
		util.Int("subscribers", count),
	)
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	_, present := h.subs[sub.ID]
	delete(h.subs, sub.ID)
	count := len(h.subs)
	// Close under the write lock so no in-flight Publish can send on a
	// closed channel.
	sub.closeOnce.Do(func() { close(sub.C) })
	h.mu.Unlock()

	if present {
		h.logger.Debug("subscriber disconnected",
			util.String("subscriber_id", sub.ID),
			util.Int64("messages_dropped", sub.Dropped()),
			util.Int("subscribers", count),
		)
	}
}

// Publish fans the message out to every current subscriber. Never blocks:
// a full subscriber queue sheds its oldest message to make room.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.C <- msg:
			continue
		default:
		}
		// Queue full: shed the oldest queued message for this subscriber
		// only, then retry once. If a concurrent reader drained the queue
		// in between, the retry just succeeds.
		select {
		case <-sub.C:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.C <- msg:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount reports how many dashboards are connected.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	for _, sub := range h.subs {
		sub.closeOnce.Do(func() { close(sub.C) })
	}
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()
}
