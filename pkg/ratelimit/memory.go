package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucketKey struct {
	key         string
	windowStart time.Time
}

// MemoryBuckets is the in-memory bucket store used by tests and lite mode.
type MemoryBuckets struct {
	mu      sync.Mutex
	buckets map[bucketKey]int
}

// NewMemoryBuckets creates an empty bucket store.
func NewMemoryBuckets() *MemoryBuckets {
	return &MemoryBuckets{buckets: make(map[bucketKey]int)}
}

// Incr implements BucketStore.
func (m *MemoryBuckets) Incr(ctx context.Context, key string, windowStart time.Time, windowSec int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := bucketKey{key: key, windowStart: windowStart}
	m.buckets[k]++
	return m.buckets[k], nil
}

// Prune implements BucketStore.
func (m *MemoryBuckets) Prune(ctx context.Context, olderThan time.Time, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k := range m.buckets {
		if removed >= limit {
			break
		}
		if k.windowStart.Before(olderThan) {
			delete(m.buckets, k)
			removed++
		}
	}
	return nil
}

type streakEntry struct {
	consecutive    int
	lastBreachAt   time.Time
	lastIncidentAt time.Time
}

// MemoryStreaks is the in-memory streak store.
type MemoryStreaks struct {
	mu      sync.Mutex
	entries map[string]*streakEntry
}

// NewMemoryStreaks creates an empty streak store.
func NewMemoryStreaks() *MemoryStreaks {
	return &MemoryStreaks{entries: make(map[string]*streakEntry)}
}

// RecordBreach implements StreakStore.
func (m *MemoryStreaks) RecordBreach(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &streakEntry{}
		m.entries[key] = e
	}
	if !e.lastBreachAt.IsZero() && at.Sub(e.lastBreachAt) <= window {
		e.consecutive++
	} else {
		e.consecutive = 1
	}
	e.lastBreachAt = at
	return e.consecutive, nil
}

// IncidentDue implements StreakStore.
func (m *MemoryStreaks) IncidentDue(ctx context.Context, key string, at time.Time, mute time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !e.lastIncidentAt.IsZero() && at.Sub(e.lastIncidentAt) < mute {
		return false, nil
	}
	e.lastIncidentAt = at
	return true, nil
}
