// Package blocklist tracks blocked source addresses with TTL expiry.
//
// The in-memory table is authoritative and guarded by a single mutex; block,
// unblock, and list are low-frequency next to event ingestion, so one lock
// keeps reads linearizable without sharing state with the event store. An
// optional Redis write-through lets blocks survive a restart.
package blocklist

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rankitpro/security-core/internal/util"
)

// ErrNotBlocked is returned when unblocking an address that is not in the
// active blocklist.
var ErrNotBlocked = errors.New("address not blocked")

// BlockedAddress is one active blocklist entry. An address appears at most
// once; re-blocking refreshes the entry in place.
type BlockedAddress struct {
	Address   string     `json:"address"`
	BlockedAt time.Time  `json:"blockedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason"`
}

func (b *BlockedAddress) expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// PersistentStore is the optional durable backing for blocks. Implementations
// are best-effort: failures are logged, never propagated, because the
// in-memory table remains authoritative.
type PersistentStore interface {
	Save(ctx context.Context, entry BlockedAddress, ttl time.Duration) error
	Delete(ctx context.Context, address string) error
	Load(ctx context.Context) ([]BlockedAddress, error)
}

// Manager owns the blocklist lifecycle.
type Manager struct {
	defaultTTL time.Duration
	store      PersistentStore
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[string]*BlockedAddress

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a Manager. store may be nil; sweepInterval <= 0 disables
// the background sweep (expiry is still enforced at read time).
func NewManager(defaultTTL, sweepInterval time.Duration, store PersistentStore, logger *zap.Logger) *Manager {
	m := &Manager{
		defaultTTL: defaultTTL,
		store:      store,
		logger:     logger,
		entries:    make(map[string]*BlockedAddress),
		stop:       make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.sweepLoop(sweepInterval)
	}
	return m
}

// Restore reloads previously persisted blocks. Called once at startup.
func (m *Manager) Restore(ctx context.Context) {
	if m.store == nil {
		return
	}
	entries, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("blocklist restore failed", util.ErrorField(err))
		return
	}
	now := time.Now()
	m.mu.Lock()
	restored := 0
	for i := range entries {
		e := entries[i]
		if e.expired(now) {
			continue
		}
		m.entries[e.Address] = &e
		restored++
	}
	m.mu.Unlock()
	if restored > 0 {
		m.logger.Info("blocklist restored", util.Int("entries", restored))
	}
}

// Block adds or refreshes a block. ttl <= 0 applies the configured default;
// idempotent by design, so repeated policy hits just extend the expiry.
func (m *Manager) Block(ctx context.Context, address, reason string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := time.Now()
	entry := &BlockedAddress{
		Address:   address,
		BlockedAt: now,
		Reason:    reason,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}

	m.mu.Lock()
	if existing, ok := m.entries[address]; ok && !existing.expired(now) {
		// Keep the original block time; refresh expiry and reason.
		entry.BlockedAt = existing.BlockedAt
	}
	m.entries[address] = entry
	m.mu.Unlock()

	m.logger.Info("address blocked",
		util.String("address", address),
		util.String("reason", reason),
		util.Duration("ttl", ttl),
	)

	if m.store != nil {
		if err := m.store.Save(ctx, *entry, ttl); err != nil {
			m.logger.Warn("blocklist persistence failed", util.String("address", address), util.ErrorField(err))
		}
	}
}

// Unblock removes an address. Returns ErrNotBlocked when the address is not
// in the active list (including entries that already expired).
func (m *Manager) Unblock(ctx context.Context, address string) error {
	now := time.Now()
	m.mu.Lock()
	entry, ok := m.entries[address]
	if ok {
		delete(m.entries, address)
	}
	m.mu.Unlock()

	if !ok || entry.expired(now) {
		return ErrNotBlocked
	}

	m.logger.Info("address unblocked", util.String("address", address))
	if m.store != nil {
		if err := m.store.Delete(ctx, address); err != nil {
			m.logger.Warn("blocklist delete failed", util.String("address", address), util.ErrorField(err))
		}
	}
	return nil
}

// IsBlocked reports whether the address is actively blocked. Expiry is
// checked here, not only by the sweep, so a block never outlives its TTL.
func (m *Manager) IsBlocked(address string) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[address]
	if !ok {
		return false
	}
	if entry.expired(now) {
		delete(m.entries, address)
		return false
	}
	return true
}

// List returns the active entries, expired ones excluded.
func (m *Manager) List() []BlockedAddress {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BlockedAddress, 0, len(m.entries))
	for _, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, entry.Address)
			continue
		}
		out = append(out, *entry)
	}
	return out
}

// Count returns the number of active blocks.
func (m *Manager) Count() int64 {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, entry := range m.entries {
		if !entry.expired(now) {
			n++
		}
	}
	return n
}

// Close stops the background sweep.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	removed := 0
	for addr, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, addr)
			removed++
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.logger.Debug("blocklist sweep", util.Int("expired", removed))
	}
}
