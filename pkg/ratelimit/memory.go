// Package ratelimit - Memory backend implementation
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend implements the Backend interface using in-memory storage
type MemoryBackend struct {
	// event timestamps per key, oldest first
	events map[string][]time.Time
	mutex  sync.Mutex
}

// NewMemoryBackend creates a new memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		events: make(map[string][]time.Time),
	}
}

// recent drops events at or before cutoff. Callers hold the mutex.
func (m *MemoryBackend) recent(key string, cutoff time.Time) []time.Time {
	events := m.events[key]
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	events = events[i:]

	if len(events) == 0 {
		delete(m.events, key)
		return nil
	}
	m.events[key] = events
	return events
}

func (m *MemoryBackend) Hit(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (bool, time.Duration, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	events := m.recent(key, now.Add(-window))
	if len(events) >= limit {
		return false, events[0].Add(window).Sub(now), nil
	}

	m.events[key] = append(events, now)
	return true, 0, nil
}

func (m *MemoryBackend) GetStats(ctx context.Context) (BackendStats, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return BackendStats{
		TrackedKeys: len(m.events),
		BackendType: "memory",
	}, nil
}

func (m *MemoryBackend) Cleanup(ctx context.Context, before time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for key := range m.events {
		m.recent(key, before)
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
