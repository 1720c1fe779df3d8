// Package indexlayer wraps the Index Store (§6 B) with the lookup
// shapes the dedup engine's layers need, keeping internal/dedup free
// of any direct Mongo dependency.
package indexlayer

import (
	"context"
	"time"

	"github.com/khryptorgraphics/crawld/internal/indexstore"
	"github.com/khryptorgraphics/crawld/internal/task"
)

// Layer is the concrete Index Store-backed lookup layer.
type Layer struct {
	store *indexstore.Store
}

// New wraps an Index Store client.
func New(store *indexstore.Store) *Layer {
	return &Layer{store: store}
}

func (l *Layer) ByContentHash(ctx context.Context, hash string) (*task.ContentRecord, bool, error) {
	c, err := l.store.ByContentHash(ctx, hash)
	return notFoundToBool(c, err)
}

func (l *Layer) ByURL(ctx context.Context, url string) (*task.ContentRecord, bool, error) {
	c, err := l.store.ByURL(ctx, url)
	return notFoundToBool(c, err)
}

func (l *Layer) ByURLSince(ctx context.Context, url string, since time.Time) (*task.ContentRecord, bool, error) {
	c, err := l.store.ByURLSince(ctx, url, since)
	return notFoundToBool(c, err)
}

func (l *Layer) ByTitlePlatformSince(ctx context.Context, title, platform string, since time.Time) (*task.ContentRecord, bool, error) {
	c, err := l.store.ByTitlePlatformSince(ctx, title, platform, since)
	return notFoundToBool(c, err)
}

func (l *Layer) RecentByPlatform(ctx context.Context, platform string, since time.Time, limit int64) ([]*task.ContentRecord, error) {
	return l.store.RecentByPlatform(ctx, platform, since, limit)
}

func notFoundToBool(c *task.ContentRecord, err error) (*task.ContentRecord, bool, error) {
	if err == indexstore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}
