package dedup

import (
	"context"
	"time"

	"github.com/khryptorgraphics/crawld/internal/task"
)

// CacheLayer is the subset of internal/dedup/cachelayer.Layer the
// engine depends on. Declared here (not as a concrete type) so unit
// tests can substitute an in-memory fake without a Redis server.
type CacheLayer interface {
	BloomAdd(ctx context.Context, value string) error
	BloomMayContain(ctx context.Context, value string) (bool, error)
	ContentHashCacheGet(ctx context.Context, hash string) (bool, error)
	ContentHashCacheSet(ctx context.Context, hash, contentID string) error
	ClaimTask(ctx context.Context, platform, creatorURL, taskID string) (bool, error)
	ReleaseTaskClaim(ctx context.Context, platform, creatorURL string) error
	SaveContext(ctx context.Context, taskID string, snapshot interface{}) error
	LoadContext(ctx context.Context, taskID string, out interface{}) (bool, error)
}

// IndexLayer is the subset of internal/dedup/indexlayer.Layer the
// engine depends on.
type IndexLayer interface {
	ByContentHash(ctx context.Context, hash string) (*task.ContentRecord, bool, error)
	ByURL(ctx context.Context, url string) (*task.ContentRecord, bool, error)
	ByURLSince(ctx context.Context, url string, since time.Time) (*task.ContentRecord, bool, error)
	ByTitlePlatformSince(ctx context.Context, title, platform string, since time.Time) (*task.ContentRecord, bool, error)
	RecentByPlatform(ctx context.Context, platform string, since time.Time, limit int64) ([]*task.ContentRecord, error)
}
