// Package conversation implements ConversationMap: a thread-safe
// in-memory cache fronting store.ConversationStore, plus a background
// purge task.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wxorc/internal/store"
)

// Map caches conversation ids in front of the persistent store so the
// hot delivery path avoids a database round trip on every message.
type Map struct {
	conversations *store.ConversationStore
	log           *slog.Logger

	mu    sync.RWMutex
	cache map[store.ConversationKey]string

	purgeWindow time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// New constructs a Map backed by the given ConversationStore.
func New(conversations *store.ConversationStore, purgeWindow time.Duration, log *slog.Logger) *Map {
	if purgeWindow <= 0 {
		purgeWindow = 30 * 24 * time.Hour
	}
	return &Map{
		conversations: conversations,
		log:           log,
		cache:         make(map[store.ConversationKey]string),
		purgeWindow:   purgeWindow,
		stop:          make(chan struct{}),
	}
}

// Get returns the conversation id for key, hitting the in-memory cache
// first and falling back to the store on a miss.
func (m *Map) Get(ctx context.Context, key store.ConversationKey) (string, error) {
	m.mu.RLock()
	if id, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return id, nil
	}
	m.mu.RUnlock()

	entry, err := m.conversations.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", nil
	}

	m.mu.Lock()
	m.cache[key] = entry.ConversationID
	m.mu.Unlock()
	return entry.ConversationID, nil
}

// Put persists conversationID for key and updates the cache.
func (m *Map) Put(ctx context.Context, key store.ConversationKey, conversationID string) error {
	if err := m.conversations.Put(ctx, key, conversationID); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[key] = conversationID
	m.mu.Unlock()
	return nil
}

// Delete removes key from both the cache and the store — called by
// DeliveryService when a platform reports the session is no longer valid.
func (m *Map) Delete(ctx context.Context, key store.ConversationKey) error {
	if err := m.conversations.Delete(ctx, key); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	return nil
}

// RunPurge blocks, purging store entries (and any cached copies) older
// than the configured purge window on a daily tick, until ctx is
// cancelled or Stop is called.
func (m *Map) RunPurge(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.purgeOnce(ctx)
		}
	}
}

func (m *Map) purgeOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.purgeWindow)
	n, err := m.conversations.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		m.log.Error("conversation purge failed", "error", err)
		return
	}
	if n == 0 {
		return
	}

	m.mu.Lock()
	for k := range m.cache {
		// Cheap full invalidation: the purge is infrequent and the
		// cache repopulates lazily from Get, so there is no need to
		// track last_active timestamps client-side just for this.
		delete(m.cache, k)
	}
	m.mu.Unlock()
	m.log.Info("purged stale conversations", "count", n)
}

// Stop terminates RunPurge.
func (m *Map) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
