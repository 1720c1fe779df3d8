package dedup

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/khryptorgraphics/crawld/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCache and fakeIndex are in-memory stand-ins for the Redis- and
// Mongo-backed layers, letting the engine's layer logic be tested
// without a running Redis or Mongo server.
type fakeCache struct {
	mu       sync.Mutex
	bloom    map[string]struct{}
	hashes   map[string]bool
	claims   map[string]string
	contexts map[string]interface{}
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		bloom:    make(map[string]struct{}),
		hashes:   make(map[string]bool),
		claims:   make(map[string]string),
		contexts: make(map[string]interface{}),
	}
}

func (f *fakeCache) BloomAdd(ctx context.Context, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bloom[value] = struct{}{}
	return nil
}

func (f *fakeCache) BloomMayContain(ctx context.Context, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.bloom[value]
	return ok, nil
}

func (f *fakeCache) ContentHashCacheGet(ctx context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashes[hash], nil
}

func (f *fakeCache) ContentHashCacheSet(ctx context.Context, hash, contentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[hash] = true
	return nil
}

func (f *fakeCache) ClaimTask(ctx context.Context, platform, creatorURL, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := platform + "|" + creatorURL
	if _, held := f.claims[key]; held {
		return false, nil
	}
	f.claims[key] = taskID
	return true, nil
}

func (f *fakeCache) ReleaseTaskClaim(ctx context.Context, platform, creatorURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, platform+"|"+creatorURL)
	return nil
}

func (f *fakeCache) SaveContext(ctx context.Context, taskID string, snapshot interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts[taskID] = snapshot
	return nil
}

func (f *fakeCache) LoadContext(ctx context.Context, taskID string, out interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.contexts[taskID]
	return ok, nil
}

type fakeIndex struct {
	mu      sync.Mutex
	records []*task.ContentRecord
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{}
}

func (f *fakeIndex) insert(r *task.ContentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
}

func (f *fakeIndex) ByContentHash(ctx context.Context, hash string) (*task.ContentRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ContentHash == hash {
			return r, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeIndex) ByURL(ctx context.Context, url string) (*task.ContentRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.URL == url {
			return r, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeIndex) ByURLSince(ctx context.Context, url string, since time.Time) (*task.ContentRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.URL == url && r.CreatedAt.After(since) {
			return r, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeIndex) ByTitlePlatformSince(ctx context.Context, title, platform string, since time.Time) (*task.ContentRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.Title == title && r.Platform == platform && r.CreatedAt.After(since) {
			return r, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeIndex) RecentByPlatform(ctx context.Context, platform string, since time.Time, limit int64) ([]*task.ContentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.ContentRecord
	for _, r := range f.records {
		if r.Platform == platform && r.CreatedAt.After(since) {
			out = append(out, r)
			if int64(len(out)) >= limit {
				break
			}
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine() (*Engine, *fakeCache, *fakeIndex) {
	cache := newFakeCache()
	index := newFakeIndex()
	return NewEngine(cache, index, Config{}, testLogger()), cache, index
}

func TestCheckDuplicateFirstSeenIsNoDuplicate(t *testing.T) {
	e, _, _ := newTestEngine()
	v := e.CheckDuplicate(context.Background(), "task-1", "https://example.com/post/1", "a fresh article body that is long enough to pass the semantic floor", "Breaking News", "twitter", "creator-1")
	assert.False(t, v.IsDuplicate)
	assert.Equal(t, task.DuplicateNone, v.Type)
}

func TestCheckDuplicateTaskLayerBlocksSecondClaim(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	v1 := e.CheckDuplicate(ctx, "task-1", "https://example.com/a", "content one", "Title One", "twitter", "creator-1")
	require.False(t, v1.IsDuplicate)

	v2 := e.CheckDuplicate(ctx, "task-2", "https://example.com/b", "content two", "Title Two", "twitter", "creator-1")
	assert.True(t, v2.IsDuplicate)
	assert.Equal(t, task.DuplicateTask, v2.Type)
}

func TestCheckDuplicateURLLayerViaBloomAndIndex(t *testing.T) {
	e, _, index := newTestEngine()
	ctx := context.Background()

	index.insert(&task.ContentRecord{
		ID:        "rec-1",
		URL:       NormalizeURL("https://example.com/post?utm_source=x"),
		Platform:  "reddit",
		CreatedAt: time.Now(),
	})
	// Pre-seed the bloom filter the way a prior CheckDuplicate call would.
	require.NoError(t, e.cache.BloomAdd(ctx, NormalizeURL("https://example.com/post?utm_source=x")))

	v := e.CheckDuplicate(ctx, "task-9", "https://EXAMPLE.com/post?utm_source=x#frag", "some other content here", "Some Title", "reddit", "creator-9")
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, task.DuplicateURL, v.Type)
	assert.Equal(t, "rec-1", v.MatchedID)
}

func TestCheckDuplicateContentHashLayer(t *testing.T) {
	e, _, index := newTestEngine()
	ctx := context.Background()

	body := "the exact same article text appears twice from two different urls entirely"
	hash := ContentHash("Shared Title", body)
	index.insert(&task.ContentRecord{ID: "rec-hash", ContentHash: hash, Platform: "facebook", CreatedAt: time.Now()})

	v := e.CheckDuplicate(ctx, "task-10", "https://example.com/unique-path", body, "Shared Title", "facebook", "creator-10")
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, task.DuplicateContentHash, v.Type)
}

func TestCheckDuplicateTitleWindowLayer(t *testing.T) {
	e, _, index := newTestEngine()
	ctx := context.Background()

	index.insert(&task.ContentRecord{
		ID:        "rec-title",
		Title:     "Market Crashes Overnight",
		Platform:  "twitter",
		CreatedAt: time.Now().Add(-1 * time.Hour),
	})

	v := e.CheckDuplicate(ctx, "task-11", "https://example.com/different-url", "a completely different body of text describing the same event", "Market Crashes Overnight", "twitter", "creator-11")
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, task.DuplicateTitle, v.Type)
}

func TestCheckDuplicateSemanticLayer(t *testing.T) {
	e, _, index := newTestEngine()
	ctx := context.Background()

	original := "This is a long article about the local election results and voter turnout across the region this year."
	nearDuplicate := "This is a long article about the local election results and voter turnout across the region this season."

	index.insert(&task.ContentRecord{
		ID:          "rec-sem",
		ContentText: original,
		Platform:    "facebook",
		CreatedAt:   time.Now(),
	})

	v := e.CheckDuplicate(ctx, "task-12", "https://example.com/another-path", nearDuplicate, "A Different Headline", "facebook", "creator-12")
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, task.DuplicateSemantic, v.Type)
	assert.GreaterOrEqual(t, v.Similarity, 0.85)
}

func TestCheckDuplicateSemanticLayerSkipsShortContent(t *testing.T) {
	e, _, index := newTestEngine()
	ctx := context.Background()

	index.insert(&task.ContentRecord{ID: "rec-short", ContentText: "short", Platform: "twitter", CreatedAt: time.Now()})

	v := e.CheckDuplicate(ctx, "task-13", "https://example.com/short-path", "short", "Short Title Unique", "twitter", "creator-13")
	assert.False(t, v.IsDuplicate)
}

func TestCheckDuplicateTimeWindowLayer(t *testing.T) {
	e, _, index := newTestEngine()
	ctx := context.Background()

	u := NormalizeURL("https://example.com/recrawled")
	index.insert(&task.ContentRecord{ID: "rec-time", URL: u, CreatedAt: time.Now().Add(-30 * time.Minute)})

	v := e.CheckDuplicate(ctx, "task-14", "https://example.com/recrawled", "brand new content describing something that never happened before today", "Fresh Headline Entirely", "instagram", "creator-14")
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, task.DuplicateTimeWindow, v.Type)
}

func TestReleaseDropsTaskClaimAndContext(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	v1 := e.CheckDuplicate(ctx, "task-1", "https://example.com/a", "content one is long enough for everything", "Title One", "twitter", "creator-1")
	require.False(t, v1.IsDuplicate)

	require.NoError(t, e.Release(ctx, "task-1", "twitter", "creator-1"))

	v2 := e.CheckDuplicate(ctx, "task-2", "https://example.com/b", "content two is also long enough for everything", "Title Two", "twitter", "creator-1")
	assert.False(t, v2.IsDuplicate, "claim must be released so a new task for the same creator can proceed")
}

func TestMetricsAccumulateAcrossCalls(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	e.CheckDuplicate(ctx, "task-1", "https://example.com/a", "content body number one that is long enough", "Title One", "twitter", "creator-1")
	e.CheckDuplicate(ctx, "task-2", "https://example.com/b", "content body number two that is long enough", "Title Two", "twitter", "creator-1")

	m := e.Metrics()
	assert.EqualValues(t, 2, m.CallsTotal)
	assert.EqualValues(t, 1, m.CountsByType[string(task.DuplicateNone)])
	assert.EqualValues(t, 1, m.CountsByType[string(task.DuplicateTask)])
}
