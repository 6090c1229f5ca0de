package storage

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const logShardCount = 64

type logShard struct {
	mu      sync.RWMutex
	entries map[string][]RequestLogEntry
}

// MemoryStore implements Store in process memory. The request log is
// sharded by IP so concurrent appends from different clients rarely
// contend.
type MemoryStore struct {
	shards  [logShardCount]*logShard
	blocked sync.Map // ip -> BlockedIP

	flagsMu sync.RWMutex
	flags   []SuspiciousIP
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{}
	for i := range m.shards {
		m.shards[i] = &logShard{entries: make(map[string][]RequestLogEntry)}
	}
	return m
}

func (m *MemoryStore) shard(ip string) *logShard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return m.shards[h.Sum32()%logShardCount]
}

func (m *MemoryStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	_, ok := m.blocked.Load(ip)
	return ok, nil
}

func (m *MemoryStore) Block(ctx context.Context, entry BlockedIP) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.blocked.Store(entry.IP, entry)
	return nil
}

func (m *MemoryStore) Unblock(ctx context.Context, ip string) error {
	if _, ok := m.blocked.LoadAndDelete(ip); !ok {
		return ErrNotFound
	}
	return nil
}

func (m *MemoryStore) ListBlocked(ctx context.Context) ([]BlockedIP, error) {
	var list []BlockedIP
	m.blocked.Range(func(_, v interface{}) bool {
		list = append(list, v.(BlockedIP))
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].IP < list[j].IP })
	return list, nil
}

func (m *MemoryStore) Append(ctx context.Context, entry RequestLogEntry) error {
	s := m.shard(entry.IP)
	s.mu.Lock()
	s.entries[entry.IP] = append(s.entries[entry.IP], entry)
	s.mu.Unlock()
	return nil
}

func inWindow(ts, from, to time.Time) bool {
	return !ts.Before(from) && ts.Before(to)
}

func (m *MemoryStore) CountByIP(ctx context.Context, from, to time.Time) (map[string]int, error) {
	counts := make(map[string]int)
	for _, s := range m.shards {
		s.mu.RLock()
		for ip, entries := range s.entries {
			for _, e := range entries {
				if inWindow(e.Timestamp, from, to) {
					counts[ip]++
				}
			}
		}
		s.mu.RUnlock()
	}
	return counts, nil
}

func (m *MemoryStore) IPsWithPaths(ctx context.Context, from, to time.Time, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	want := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		want[p] = struct{}{}
	}

	var ips []string
	for _, s := range m.shards {
		s.mu.RLock()
		for ip, entries := range s.entries {
			for _, e := range entries {
				if _, ok := want[e.Path]; ok && inWindow(e.Timestamp, from, to) {
					ips = append(ips, ip)
					break
				}
			}
		}
		s.mu.RUnlock()
	}
	sort.Strings(ips)
	return ips, nil
}

func (m *MemoryStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	for _, s := range m.shards {
		s.mu.Lock()
		for ip, entries := range s.entries {
			kept := entries[:0]
			for _, e := range entries {
				if e.Timestamp.Before(before) {
					removed++
					continue
				}
				kept = append(kept, e)
			}
			if len(kept) == 0 {
				delete(s.entries, ip)
			} else {
				s.entries[ip] = kept
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

func (m *MemoryStore) AppendFlags(ctx context.Context, flags []SuspiciousIP) error {
	m.flagsMu.Lock()
	m.flags = append(m.flags, flags...)
	m.flagsMu.Unlock()
	return nil
}

func (m *MemoryStore) ListFlags(ctx context.Context, ip string) ([]SuspiciousIP, error) {
	m.flagsMu.RLock()
	defer m.flagsMu.RUnlock()

	var out []SuspiciousIP
	for _, f := range m.flags {
		if ip == "" || f.IP == ip {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
