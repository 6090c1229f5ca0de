package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()

	logger := log.New()
	logger.SetLevel(log.ErrorLevel)

	config := DefaultConfig()
	config.Backend = BackendSQLite
	config.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))

	store, err := Open(config, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store.(*GormStore)
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newSQLiteStore(t))
	})
}

func TestBlocklist(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		blocked, err := store.IsBlocked(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.False(t, blocked)

		require.NoError(t, store.Block(ctx, BlockedIP{IP: "1.2.3.4", Reason: "scanner"}))
		require.NoError(t, store.Block(ctx, BlockedIP{IP: "1.2.3.4", Reason: "abuse"}))
		require.NoError(t, store.Block(ctx, BlockedIP{IP: "0.0.0.1"}))

		blocked, err = store.IsBlocked(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, blocked)

		list, err := store.ListBlocked(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "0.0.0.1", list[0].IP)
		assert.Equal(t, "abuse", list[1].Reason)

		require.NoError(t, store.Unblock(ctx, "1.2.3.4"))
		assert.ErrorIs(t, store.Unblock(ctx, "1.2.3.4"), ErrNotFound)

		blocked, err = store.IsBlocked(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.False(t, blocked)
	})
}

func TestRequestLog_CountByIP(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		from, to := base.Add(-time.Hour), base

		entries := []RequestLogEntry{
			{IP: "10.0.0.1", Path: "/", Timestamp: from},                   // inclusive lower bound
			{IP: "10.0.0.1", Path: "/a", Timestamp: base.Add(-time.Minute)}, // inside
			{IP: "10.0.0.1", Path: "/a", Timestamp: to},                     // exclusive upper bound
			{IP: "10.0.0.2", Path: "/", Timestamp: from.Add(-time.Second)},  // before window
			{IP: "10.0.0.3", Path: "/", Timestamp: base.Add(-30 * time.Minute), Country: "Germany", City: "Berlin"},
		}
		for _, e := range entries {
			require.NoError(t, store.Append(ctx, e))
		}

		counts, err := store.CountByIP(ctx, from, to)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"10.0.0.1": 2, "10.0.0.3": 1}, counts)
	})
}

func TestRequestLog_IPsWithPaths(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		from, to := base.Add(-time.Hour), base

		entries := []RequestLogEntry{
			{IP: "10.0.0.9", Path: "/admin", Timestamp: base.Add(-10 * time.Minute)},
			{IP: "10.0.0.9", Path: "/admin", Timestamp: base.Add(-5 * time.Minute)},
			{IP: "10.0.0.4", Path: "/login", Timestamp: base.Add(-5 * time.Minute)},
			{IP: "10.0.0.5", Path: "/admin/users", Timestamp: base.Add(-5 * time.Minute)},
			{IP: "10.0.0.6", Path: "/admin", Timestamp: base.Add(-2 * time.Hour)},
		}
		for _, e := range entries {
			require.NoError(t, store.Append(ctx, e))
		}

		ips, err := store.IPsWithPaths(ctx, from, to, []string{"/admin", "/login"})
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.4", "10.0.0.9"}, ips)

		ips, err = store.IPsWithPaths(ctx, from, to, nil)
		require.NoError(t, err)
		assert.Empty(t, ips)
	})
}

func TestRequestLog_Prune(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.Append(ctx, RequestLogEntry{IP: "10.0.0.1", Path: "/", Timestamp: base.Add(-48 * time.Hour)}))
		require.NoError(t, store.Append(ctx, RequestLogEntry{IP: "10.0.0.1", Path: "/", Timestamp: base}))
		require.NoError(t, store.Append(ctx, RequestLogEntry{IP: "10.0.0.2", Path: "/", Timestamp: base.Add(-25 * time.Hour)}))

		removed, err := store.Prune(ctx, base.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		counts, err := store.CountByIP(ctx, base.Add(-72*time.Hour), base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"10.0.0.1": 1}, counts)
	})
}

func TestFlags(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		require.NoError(t, store.AppendFlags(ctx, nil))
		require.NoError(t, store.AppendFlags(ctx, []SuspiciousIP{
			{IP: "10.0.0.7", Reason: "Exceeded 100 requests/hour (150)", Timestamp: base},
			{IP: "10.0.0.9", Reason: "Accessed sensitive endpoint", Timestamp: base},
		}))
		require.NoError(t, store.AppendFlags(ctx, []SuspiciousIP{
			{IP: "10.0.0.7", Reason: "Exceeded 100 requests/hour (150)", Timestamp: base.Add(30 * time.Minute)},
		}))

		all, err := store.ListFlags(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		flags, err := store.ListFlags(ctx, "10.0.0.7")
		require.NoError(t, err)
		require.Len(t, flags, 2)
		assert.True(t, flags[0].Timestamp.Equal(base))
		assert.Equal(t, flags[0].Reason, flags[1].Reason)
	})
}

func TestGormStore_NullLocation(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, RequestLogEntry{IP: "10.0.0.5", Path: "/home", Timestamp: base}))

	var row requestLogRow
	require.NoError(t, store.db.First(&row).Error)
	assert.Nil(t, row.Country)
	assert.Nil(t, row.City)
	assert.Equal(t, "/home", row.Path)
}

func TestOpen(t *testing.T) {
	store, err := Open(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
	assert.NoError(t, store.Ping(context.Background()))

	_, err = Open(Config{Backend: BackendPostgres}, nil)
	assert.Error(t, err)

	_, err = Open(Config{Backend: "mongo"}, nil)
	assert.Error(t, err)
}
