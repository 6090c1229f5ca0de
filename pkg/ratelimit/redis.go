// Package ratelimit - Redis backend implementation
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// hitScript trims the window, then records the event only while the window
// holds fewer than limit events. Scores are microseconds so they stay exact
// as Lua numbers.
var hitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, ARGV[1], ARGV[4])
	redis.call('PEXPIRE', key, math.ceil(window / 1000))
	return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2]) + window - now}
`)

// RedisBackend implements the Backend interface using Redis sorted sets, so
// several instances can share one limit.
type RedisBackend struct {
	client *redis.Client
	config RedisConfig
	seq    atomic.Uint64
}

// NewRedisBackend creates a new Redis backend
func NewRedisBackend(config RedisConfig) (*RedisBackend, error) {
	// Set defaults
	if config.PoolSize <= 0 {
		config.PoolSize = 10
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 500 * time.Millisecond
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 500 * time.Millisecond
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "iptrack:ratelimit:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		MaxRetries:   config.MaxRetries,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBackend{
		client: client,
		config: config,
	}, nil
}

func (r *RedisBackend) key(key string) string {
	return r.config.KeyPrefix + key
}

func (r *RedisBackend) Hit(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()

	nowMicro := now.UnixMicro()
	member := strconv.FormatInt(nowMicro, 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10)

	res, err := hitScript.Run(ctx, r.client, []string{r.key(key)},
		nowMicro, window.Microseconds(), limit, member).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to record hit: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	retryMicro, _ := vals[1].(int64)

	if allowed == 1 {
		return true, 0, nil
	}
	return false, time.Duration(retryMicro) * time.Microsecond, nil
}

func (r *RedisBackend) scan(ctx context.Context, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.config.KeyPrefix+"*", 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *RedisBackend) GetStats(ctx context.Context) (BackendStats, error) {
	stats := BackendStats{BackendType: "redis"}
	err := r.scan(ctx, func(string) error {
		stats.TrackedKeys++
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to scan keys: %w", err)
	}
	return stats, nil
}

// Cleanup trims old events from every sorted set. Idle keys also expire on
// their own.
func (r *RedisBackend) Cleanup(ctx context.Context, before time.Time) error {
	upper := strconv.FormatInt(before.UnixMicro(), 10)
	return r.scan(ctx, func(k string) error {
		return r.client.ZRemRangeByScore(ctx, k, "-inf", upper).Err()
	})
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
