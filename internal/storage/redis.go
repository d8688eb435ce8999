package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions configures a RedisBackend. Each tier owns one database index.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	ListSize    int
	DialTimeout time.Duration
}

// RedisBackend stores a tier in one Redis database. Lists are kept newest
// first, the order LPUSH produces.
type RedisBackend struct {
	client   *redis.Client
	addr     string
	db       int
	listSize int
}

var (
	_ Backend      = (*RedisBackend)(nil)
	_ Checkpointer = (*RedisBackend)(nil)
)

// NewRedisBackend connects to Redis and verifies the connection with PING.
func NewRedisBackend(opts RedisOptions) (*RedisBackend, error) {
	if opts.ListSize <= 0 {
		opts.ListSize = DefaultListSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s (db %d): %w", opts.Addr, opts.DB, err)
	}

	return NewRedisBackendFromClient(client, opts.ListSize), nil
}

// NewRedisBackendFromClient wraps an already configured client.
func NewRedisBackendFromClient(client *redis.Client, listSize int) *RedisBackend {
	if listSize <= 0 {
		listSize = DefaultListSize
	}
	return &RedisBackend{
		client:   client,
		addr:     client.Options().Addr,
		db:       client.Options().DB,
		listSize: listSize,
	}
}

func (r *RedisBackend) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, redisError(err)
	}
	return value, true, nil
}

func (r *RedisBackend) MSet(ctx context.Context, items []KeyValue) error {
	if len(items) == 0 {
		return nil
	}
	pairs := make([]interface{}, 0, len(items)*2)
	for _, item := range items {
		pairs = append(pairs, item.Key, item.Value)
	}
	return r.client.MSet(ctx, pairs...).Err()
}

func (r *RedisBackend) MGet(ctx context.Context, keys []string) ([]KeyValue, error) {
	results := make([]KeyValue, len(keys))
	if len(keys) == 0 {
		return results, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		results[i] = KeyValue{Key: key}
		if i < len(values) {
			if s, ok := values[i].(string); ok {
				results[i].Value = s
				results[i].Found = true
			}
		}
	}
	return results, nil
}

// LPushTrim runs LPUSH and LTRIM in one MULTI/EXEC block so the list is
// never observed longer than the bound.
func (r *RedisBackend) LPushTrim(ctx context.Context, key string, values []string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, args...)
		pipe.LTrim(ctx, key, 0, int64(r.listSize-1))
		return nil
	})
	return redisError(err)
}

func (r *RedisBackend) LRange(ctx context.Context, key string, from, to int64) ([]string, error) {
	start, stop := Translate(from, to)
	values, err := r.client.LRange(ctx, key, redisIndex(start), redisIndex(stop)).Result()
	if err != nil {
		return nil, redisError(err)
	}
	return values, nil
}

func (r *RedisBackend) LLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	return n, redisError(err)
}

// FlushAll clears the backend's database only, other tiers are untouched.
func (r *RedisBackend) FlushAll(ctx context.Context) error {
	return r.client.FlushDB(ctx).Err()
}

// Checkpoint asks the server for a background RDB snapshot. A snapshot
// that is already running is reported as ErrCheckpointInProgress.
func (r *RedisBackend) Checkpoint(ctx context.Context) error {
	return checkpointError(r.client.BgSave(ctx).Err())
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"driver":    "redis",
		"addr":      r.addr,
		"db":        r.db,
		"list_size": r.listSize,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if size, err := r.client.DBSize(ctx).Result(); err == nil {
		stats["entries"] = size
	}

	if pool := r.client.PoolStats(); pool != nil {
		stats["pool_hits"] = pool.Hits
		stats["pool_misses"] = pool.Misses
		stats["pool_timeouts"] = pool.Timeouts
		stats["pool_total_conns"] = pool.TotalConns
		stats["pool_idle_conns"] = pool.IdleConns
	}
	return stats
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func checkpointError(err error) error {
	if err != nil && strings.Contains(err.Error(), "already in progress") {
		return fmt.Errorf("%w: %v", ErrCheckpointInProgress, err)
	}
	return err
}

// redisError maps server type errors onto ErrWrongType.
func redisError(err error) error {
	if err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return ErrWrongType
	}
	return err
}
