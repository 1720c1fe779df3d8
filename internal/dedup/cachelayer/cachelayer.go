// Package cachelayer wraps the Cache Store (§6 A) for everything the
// dedup engine needs that lives in Redis: the URL Bloom filter, the
// short-TTL content-hash and task-status caches, task-level dedup
// claims, and dedup-context snapshots.
package cachelayer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/khryptorgraphics/crawld/internal/cachestore"
)

const (
	bloomKey        = "bloom_filter:urls"
	contentHashFmt  = "content_hash:%s"
	taskClaimFmt    = "task:%s:%s"
	contextKeyFmt   = "context:%s"
)

// Config tunes the Bloom filter capacity/FP-rate and cache TTLs.
type Config struct {
	BloomCapacity       int
	BloomFalsePositive  float64
	ContentHashCacheTTL time.Duration
	TaskClaimTTL        time.Duration
}

func (c Config) withDefaults() Config {
	if c.BloomCapacity == 0 {
		c.BloomCapacity = 1_000_000
	}
	if c.BloomFalsePositive == 0 {
		c.BloomFalsePositive = 0.01
	}
	if c.ContentHashCacheTTL == 0 {
		c.ContentHashCacheTTL = time.Hour
	}
	if c.TaskClaimTTL == 0 {
		c.TaskClaimTTL = 10 * time.Minute
	}
	return c
}

// Layer is the concrete Cache Store-backed dedup cache layer.
type Layer struct {
	store  *cachestore.Store
	cfg    Config
	params BloomParams
}

// New builds a Layer with Bloom parameters derived from cfg.
func New(store *cachestore.Store, cfg Config) *Layer {
	cfg = cfg.withDefaults()
	return &Layer{
		store:  store,
		cfg:    cfg,
		params: NewBloomParams(cfg.BloomCapacity, cfg.BloomFalsePositive),
	}
}

// BloomParams exposes the derived {m, k}, mostly for tests and status
// reporting.
func (l *Layer) BloomParams() BloomParams { return l.params }

// BloomAdd sets this value's k bits. Per §5, bit updates are
// coordination-free — no lock is taken around the SETBIT calls.
func (l *Layer) BloomAdd(ctx context.Context, value string) error {
	for _, off := range bitOffsets(l.params, []byte(value)) {
		if err := l.store.SetBit(ctx, bloomKey, off, 1); err != nil {
			return fmt.Errorf("cachelayer: bloom add: %w", err)
		}
	}
	return nil
}

// BloomMayContain reports whether value may be present. False means
// definitely absent (no false negatives); true can be a false
// positive, which callers confirm against the Index Store.
func (l *Layer) BloomMayContain(ctx context.Context, value string) (bool, error) {
	for _, off := range bitOffsets(l.params, []byte(value)) {
		bit, err := l.store.GetBit(ctx, bloomKey, off)
		if err != nil {
			return false, fmt.Errorf("cachelayer: bloom check: %w", err)
		}
		if bit == 0 {
			return false, nil
		}
	}
	return true, nil
}

// ContentHashCacheGet reports whether hash has a cached positive
// lookup.
func (l *Layer) ContentHashCacheGet(ctx context.Context, hash string) (bool, error) {
	_, err := l.store.Get(ctx, fmt.Sprintf(contentHashFmt, hash))
	if err == cachestore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cachelayer: content hash cache get: %w", err)
	}
	return true, nil
}

// ContentHashCacheSet caches a positive content-hash lookup.
func (l *Layer) ContentHashCacheSet(ctx context.Context, hash, contentID string) error {
	if err := l.store.Set(ctx, fmt.Sprintf(contentHashFmt, hash), contentID, l.cfg.ContentHashCacheTTL); err != nil {
		return fmt.Errorf("cachelayer: content hash cache set: %w", err)
	}
	return nil
}

// ClaimTask atomically claims the task-level dedup key for
// (platform, creatorURL). Returns false if another task already holds
// an unreleased claim.
func (l *Layer) ClaimTask(ctx context.Context, platform, creatorURL, taskID string) (bool, error) {
	key := fmt.Sprintf(taskClaimFmt, platform, creatorURL)
	ok, err := l.store.SetNX(ctx, key, taskID, l.cfg.TaskClaimTTL)
	if err != nil {
		return false, fmt.Errorf("cachelayer: claim task: %w", err)
	}
	return ok, nil
}

// ReleaseTaskClaim releases the task-level claim on a terminal status
// transition (resolves the spec.md §9 open question: claims must be
// released, not held forever).
func (l *Layer) ReleaseTaskClaim(ctx context.Context, platform, creatorURL string) error {
	key := fmt.Sprintf(taskClaimFmt, platform, creatorURL)
	if err := l.store.Del(ctx, key); err != nil {
		return fmt.Errorf("cachelayer: release task claim: %w", err)
	}
	return nil
}

// SaveContext persists a dedup context snapshot as JSON under
// context:{task}.
func (l *Layer) SaveContext(ctx context.Context, taskID string, snapshot interface{}) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("cachelayer: marshal context: %w", err)
	}
	if err := l.store.Set(ctx, fmt.Sprintf(contextKeyFmt, taskID), string(data), 24*time.Hour); err != nil {
		return fmt.Errorf("cachelayer: save context: %w", err)
	}
	return nil
}

// LoadContext rehydrates a previously persisted context snapshot, or
// reports false if none exists.
func (l *Layer) LoadContext(ctx context.Context, taskID string, out interface{}) (bool, error) {
	data, err := l.store.Get(ctx, fmt.Sprintf(contextKeyFmt, taskID))
	if err == cachestore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cachelayer: load context: %w", err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, fmt.Errorf("cachelayer: unmarshal context: %w", err)
	}
	return true, nil
}
