package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a Store bounded to a fixed number of URLs; the least recently used
// entry is evicted when a new URL arrives at capacity.
type LRU struct {
	entries *lru.Cache[string, Entry]
	ttl     time.Duration
	clock   Clock
}

// NewLRU builds an LRU store holding at most size entries.
func NewLRU(size int, ttl time.Duration, clock Clock) (*LRU, error) {
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("new lru: %w", err)
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &LRU{entries: entries, ttl: ttl, clock: clock}, nil
}

// Get implements Store.
func (l *LRU) Get(url string) (Entry, bool) {
	entry, ok := l.entries.Get(url)
	if !ok || !entry.Fresh(l.clock.Now(), l.ttl) {
		return Entry{}, false
	}
	return entry, true
}

// Put implements Store.
func (l *LRU) Put(url string, entry Entry) {
	l.entries.Add(url, entry)
}

// Len implements Store.
func (l *LRU) Len() int {
	return l.entries.Len()
}
