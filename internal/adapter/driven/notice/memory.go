// Package notice tracks which owner notices have already gone out, so
// repeated delivery attempts do not repeat the warning.
package notice

import (
	"context"
	"sync"
	"time"

	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.NoticeTracker = (*MemoryTracker)(nil)

// MemoryTracker is an in-process NoticeTracker for single-node setups
// running without Redis. Entries expire after ttl; a restart forgets
// everything, which at worst repeats a notice once.
type MemoryTracker struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

// NewMemoryTracker creates a MemoryTracker. A ttl of zero keeps entries
// for the life of the process.
func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	return &MemoryTracker{ttl: ttl, seen: make(map[string]time.Time)}
}

// FirstNotice records key as seen and reports whether this was the first
// sighting within the retention window.
func (t *MemoryTracker) FirstNotice(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.ttl > 0 {
		for k, at := range t.seen {
			if now.Sub(at) >= t.ttl {
				delete(t.seen, k)
			}
		}
	}

	if _, ok := t.seen[key]; ok {
		return false, nil
	}

	t.seen[key] = now
	return true, nil
}
