package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory is an unbounded map-backed Store. Stale entries stay until they
// are overwritten or removed by Sweep.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	clock   Clock
}

// NewMemory builds an empty Memory store.
func NewMemory(ttl time.Duration, clock Clock) *Memory {
	if clock == nil {
		clock = wallClock{}
	}
	return &Memory{
		entries: make(map[string]Entry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Get implements Store.
func (m *Memory) Get(url string) (Entry, bool) {
	m.mu.RLock()
	entry, ok := m.entries[url]
	m.mu.RUnlock()
	if !ok || !entry.Fresh(m.clock.Now(), m.ttl) {
		return Entry{}, false
	}
	return entry, true
}

// Put implements Store.
func (m *Memory) Put(url string, entry Entry) {
	m.mu.Lock()
	m.entries[url] = entry
	m.mu.Unlock()
}

// Len implements Store.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep deletes every entry that is stale at now and returns how many were
// removed.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for url, entry := range m.entries {
		if !entry.Fresh(now, m.ttl) {
			delete(m.entries, url)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.Sweep(m.clock.Now()); removed > 0 {
				logger.Debug("swept stale cache entries",
					zap.Int("removed", removed),
					zap.Int("remaining", m.Len()),
				)
			}
		}
	}
}
