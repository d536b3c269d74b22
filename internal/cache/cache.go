// Package cache stores finished summaries per URL for a fixed freshness
// window.
package cache

import (
	"fmt"
	"time"

	"github.com/JakeFAU/page-summarizer/internal/clock/system"
)

// DefaultTTL is how long a summary is trusted after it was written.
const DefaultTTL = 24 * time.Hour

// Entry is an immutable snapshot of a stored summary.
type Entry struct {
	Summary string
	// WordCount is the word count of the extracted page text, not the summary.
	WordCount int
	Timestamp time.Time
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.Timestamp) < ttl
}

// Store maps exact URLs to their latest summary.
type Store interface {
	// Get returns the entry for url if it is still fresh.
	Get(url string) (Entry, bool)
	// Put overwrites any entry for url.
	Put(url string, entry Entry)
	// Len returns the number of stored entries, stale ones included.
	Len() int
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type wallClock = system.Clock

// Options selects and configures a Store implementation.
type Options struct {
	TTL time.Duration
	// MaxEntries bounds the store; zero or less means unbounded.
	MaxEntries int
	Clock      Clock
}

// New returns an LRU when MaxEntries is positive and an unbounded Memory
// store otherwise.
func New(opts Options) (Store, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.MaxEntries > 0 {
		store, err := NewLRU(opts.MaxEntries, opts.TTL, opts.Clock)
		if err != nil {
			return nil, fmt.Errorf("build lru cache: %w", err)
		}
		return store, nil
	}
	return NewMemory(opts.TTL, opts.Clock), nil
}
