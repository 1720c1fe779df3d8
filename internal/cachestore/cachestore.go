// Package cachestore wraps a Redis client with exactly the operations
// the crawl orchestration plane needs (§6 Cache Store contract):
// GET/SET with TTL, hash access, bit operations, sorted sets, lists,
// EXPIRE, KEYS, PING and INFO, plus a transactional pipeline helper.
package cachestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the underlying Redis connection. Mirrors the
// teacher's database.DatabaseConfig Redis fields.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// withDefaults fills zero-valued fields the way the teacher's
// NewDatabaseManager does before dialing.
func (c Config) withDefaults() Config {
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = 5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	return c
}

// Store is a thin, typed wrapper around *redis.Client.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// New dials Redis and pings it once at construction, failing fast on a
// bad connection — same idiom as the teacher's initializeRedis.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	cfg = cfg.withDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("cachestore: failed to ping redis: %w", err)
	}

	logger.Info("cache store connected", "addr", cfg.Addr, "db", cfg.DB)

	return &Store{client: client, logger: logger}, nil
}

// NewFromClient wraps an already-constructed *redis.Client — used by
// tests to plug in a miniredis-backed client.
func NewFromClient(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Raw exposes the underlying client for callers (e.g. internal/queue)
// that need operations this wrapper doesn't enumerate, or a
// TxPipeline for atomic multi-key writes.
func (s *Store) Raw() *redis.Client {
	return s.client
}

// Get/Set -------------------------------------------------------------

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("cachestore: get %q: %w", key, err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cachestore: set %q: %w", key, err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cachestore: setnx %q: %w", key, err)
	}
	return ok, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cachestore: del %v: %w", keys, err)
	}
	return nil
}

// Hash operations -------------------------------------------------------

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("cachestore: hset %q.%q: %w", key, field, err)
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("cachestore: hget %q.%q: %w", key, field, err)
	}
	return v, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: hgetall %q: %w", key, err)
	}
	return m, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("cachestore: hdel %q: %w", key, err)
	}
	return nil
}

func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cachestore: hlen %q: %w", key, err)
	}
	return n, nil
}

// Bit operations --------------------------------------------------------

func (s *Store) SetBit(ctx context.Context, key string, offset int64, value int) error {
	if err := s.client.SetBit(ctx, key, offset, value).Err(); err != nil {
		return fmt.Errorf("cachestore: setbit %q: %w", key, err)
	}
	return nil
}

func (s *Store) GetBit(ctx context.Context, key string, offset int64) (int64, error) {
	v, err := s.client.GetBit(ctx, key, offset).Result()
	if err != nil {
		return 0, fmt.Errorf("cachestore: getbit %q: %w", key, err)
	}
	return v, nil
}

// Sorted sets -------------------------------------------------------------

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("cachestore: zadd %q: %w", key, err)
	}
	return nil
}

func (s *Store) ZRem(ctx context.Context, key string, member string) error {
	if err := s.client.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("cachestore: zrem %q: %w", key, err)
	}
	return nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cachestore: zcard %q: %w", key, err)
	}
	return n, nil
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vs, err := s.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: zrange %q: %w", key, err)
	}
	return vs, nil
}

func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vs, err := s.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: zrevrange %q: %w", key, err)
	}
	return vs, nil
}

// ZRangeByScore returns members with score in [min, max], ascending.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]string, error) {
	vs, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   formatScore(min),
		Max:   formatScore(max),
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: zrangebyscore %q: %w", key, err)
	}
	return vs, nil
}

// ZPopMin atomically removes and returns the lowest-scoring member, or
// ErrNotFound if the set is empty.
func (s *Store) ZPopMin(ctx context.Context, key string) (string, float64, error) {
	zs, err := s.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", 0, fmt.Errorf("cachestore: zpopmin %q: %w", key, err)
	}
	if len(zs) == 0 {
		return "", 0, ErrNotFound
	}
	member, _ := zs[0].Member.(string)
	return member, zs[0].Score, nil
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}

// Lists -------------------------------------------------------------------

func (s *Store) LPush(ctx context.Context, key, value string) error {
	if err := s.client.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("cachestore: lpush %q: %w", key, err)
	}
	return nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cachestore: llen %q: %w", key, err)
	}
	return n, nil
}

// LTrim keeps only the elements in [start, stop], discarding the rest —
// used to bound the metrics list at 1000 entries.
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("cachestore: ltrim %q: %w", key, err)
	}
	return nil
}

// Expiry, discovery, diagnostics -------------------------------------------

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cachestore: expire %q: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	ks, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: keys %q: %w", pattern, err)
	}
	return ks, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cachestore: ping: %w", err)
	}
	return nil
}

func (s *Store) Info(ctx context.Context) (string, error) {
	v, err := s.client.Info(ctx).Result()
	if err != nil {
		return "", fmt.Errorf("cachestore: info: %w", err)
	}
	return v, nil
}

// TxPipelined runs fn against a transactional pipeline and executes it
// atomically — used by internal/queue for the atomic enqueue+status
// write the spec requires.
func (s *Store) TxPipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := s.client.TxPipelined(ctx, fn)
	if err != nil {
		return fmt.Errorf("cachestore: tx pipeline: %w", err)
	}
	return nil
}
