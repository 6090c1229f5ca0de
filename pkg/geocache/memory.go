package geocache

import (
	"context"
	"sync"
	"time"

	"gopkg.in/tomb.v2"
)

// MemoryStore keeps entries in a sync.Map. Reads never take a lock; expired
// entries are ignored on read and removed by Sweep.
type MemoryStore struct {
	entries sync.Map // ip -> Entry
	tomb    *tomb.Tomb
	mutex   sync.Mutex
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get(ctx context.Context, ip string) (Entry, bool, error) {
	v, ok := m.entries.Load(ip)
	if !ok {
		return Entry{}, false, nil
	}
	return v.(Entry), true, nil
}

func (m *MemoryStore) Set(ctx context.Context, entry Entry, ttl time.Duration) error {
	m.entries.Store(entry.IP, entry)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	n := 0
	m.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Sweep removes entries that expired at or before now and returns how many
// were dropped.
func (m *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	m.entries.Range(func(k, v interface{}) bool {
		// A concurrent Set may have replaced v since Range loaded it.
		if !now.Before(v.(Entry).ExpiresAt) && m.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}

// Start launches the background sweeper. Calling Start twice is a no-op.
func (m *MemoryStore) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.tomb != nil {
		return
	}

	m.tomb = &tomb.Tomb{}
	t := m.tomb
	t.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				m.Sweep(now)
			case <-t.Dying():
				return nil
			}
		}
	})
}

// Close stops the sweeper and drops all entries.
func (m *MemoryStore) Close() error {
	m.mutex.Lock()
	t := m.tomb
	m.tomb = nil
	m.mutex.Unlock()

	if t != nil {
		t.Kill(nil)
		t.Wait()
	}

	m.entries.Range(func(k, _ interface{}) bool {
		m.entries.Delete(k)
		return true
	})
	return nil
}
