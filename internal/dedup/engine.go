// Package dedup implements the five-layer (plus task-level) duplicate
// classifier described in spec.md §4.2: a chain of small functions
// returning a sum-type Verdict, per §9's re-architecture guidance,
// rather than one sprawling method.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/khryptorgraphics/crawld/internal/task"
)

// Config tunes the engine's windows and thresholds.
type Config struct {
	TitleWindow          time.Duration
	TimeWindow           time.Duration
	SimilarityThreshold  float64
	SemanticMinLength    int
	SemanticCandidates   int64
	ContextMemberCap     int
}

func (c Config) withDefaults() Config {
	if c.TitleWindow == 0 {
		c.TitleWindow = 24 * time.Hour
	}
	if c.TimeWindow == 0 {
		c.TimeWindow = 24 * time.Hour
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.85
	}
	if c.SemanticMinLength == 0 {
		c.SemanticMinLength = 50
	}
	if c.SemanticCandidates == 0 {
		c.SemanticCandidates = 100
	}
	if c.ContextMemberCap == 0 {
		c.ContextMemberCap = 10_000
	}
	return c
}

// Metrics are engine-wide counters updated on every call (§4.2).
type Metrics struct {
	mu             sync.Mutex
	CallsTotal     int64
	CountsByType   map[string]int64
	LayerErrors    int64
}

func newMetrics() *Metrics {
	return &Metrics{CountsByType: make(map[string]int64)}
}

func (m *Metrics) recordVerdict(v task.Verdict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallsTotal++
	m.CountsByType[string(v.Type)]++
}

func (m *Metrics) recordLayerError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LayerErrors++
}

// Snapshot copies the current metrics for status reporting.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		CallsTotal:   m.CallsTotal,
		LayerErrors:  m.LayerErrors,
		CountsByType: copyCounts(m.CountsByType),
	}
}

// Engine is the five-layer (+task-level) dedup classifier. It owns
// per-task Contexts, created lazily and never released except by the
// caller's terminal-status cleanup.
type Engine struct {
	cache  CacheLayer
	index  IndexLayer
	cfg    Config
	logger *slog.Logger

	metrics *Metrics

	contextsMu sync.Mutex
	contexts   map[string]*Context
}

// NewEngine builds a dedup engine over the given cache and index
// layers.
func NewEngine(cache CacheLayer, index IndexLayer, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cache:    cache,
		index:    index,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  newMetrics(),
		contexts: make(map[string]*Context),
	}
}

// Metrics returns a snapshot of the engine's counters.
func (e *Engine) Metrics() Metrics {
	return e.metrics.Snapshot()
}

// contextFor returns (creating if needed) the dedup context owned by
// taskID.
func (e *Engine) contextFor(taskID string) *Context {
	e.contextsMu.Lock()
	defer e.contextsMu.Unlock()
	c, ok := e.contexts[taskID]
	if !ok {
		c = NewContext(e.cfg.ContextMemberCap)
		e.contexts[taskID] = c
	}
	return c
}

// CheckDuplicate runs the full layer pipeline. Layers short-circuit on
// first hit; a NO_DUPLICATE verdict is returned only when every layer
// passes. Per §4.2, a panic/error inside one layer is caught, counted,
// and treated as "layer pass" — the engine is biased toward crawling,
// never silently dropping on its own internal faults.
func (e *Engine) CheckDuplicate(ctx context.Context, taskID, rawURL, content, title, platform, creatorURL string) task.Verdict {
	dedupCtx := e.contextFor(taskID)
	normalizedURL := NormalizeURL(rawURL)

	type layerFunc func(context.Context) (task.Verdict, bool)
	layers := []struct {
		name string
		fn   layerFunc
	}{
		{"task", func(c context.Context) (task.Verdict, bool) {
			return e.taskLayer(c, taskID, platform, creatorURL)
		}},
		{"url", func(c context.Context) (task.Verdict, bool) {
			return e.urlLayer(c, normalizedURL)
		}},
		{"content_hash", func(c context.Context) (task.Verdict, bool) {
			return e.contentHashLayer(c, title, content)
		}},
		{"title_window", func(c context.Context) (task.Verdict, bool) {
			return e.titleWindowLayer(c, title, platform)
		}},
		{"semantic", func(c context.Context) (task.Verdict, bool) {
			return e.semanticLayer(c, content, platform)
		}},
		{"time_window", func(c context.Context) (task.Verdict, bool) {
			return e.timeWindowLayer(c, normalizedURL)
		}},
	}

	var verdict task.Verdict
	for _, layer := range layers {
		start := time.Now()
		v, hit := e.runLayerSafely(layer.name, layer.fn, ctx)
		dedupCtx.RecordDuplicate("_layer_"+layer.name, time.Since(start))
		if hit {
			verdict = v
			e.metrics.recordVerdict(verdict)
			return verdict
		}
	}

	verdict = task.Verdict{IsDuplicate: false, Type: task.DuplicateNone}
	e.metrics.recordVerdict(verdict)

	hash := ContentHash(title, content)
	dedupCtx.RecordSeen(normalizedURL, title, hash)
	if err := e.cache.ContentHashCacheSet(ctx, hash, taskID); err != nil {
		e.logger.Warn("dedup: failed caching content hash", "error", err)
	}
	// Added here, on the NO_DUPLICATE path, rather than at the layer-2
	// Bloom miss itself: this URL can't re-hit any later layer within
	// the same call, so the two orderings are behaviorally equivalent,
	// and adding once at the end avoids a Bloom write on every URL-layer
	// miss for a task that turns out duplicate at a later layer.
	if err := e.cache.BloomAdd(ctx, normalizedURL); err != nil {
		e.logger.Warn("dedup: failed adding url to bloom filter", "error", err)
	}
	return verdict
}

// runLayerSafely recovers from a panicking layer so one misbehaving
// layer can never fail the whole pipeline closed.
func (e *Engine) runLayerSafely(name string, fn func(context.Context) (task.Verdict, bool), ctx context.Context) (v task.Verdict, hit bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("dedup: layer panicked, treating as pass", "layer", name, "recover", r)
			e.metrics.recordLayerError()
			hit = false
		}
	}()
	return fn(ctx)
}

// --- Layer 1: task-level ---------------------------------------------

func (e *Engine) taskLayer(ctx context.Context, taskID, platform, creatorURL string) (task.Verdict, bool) {
	claimed, err := e.cache.ClaimTask(ctx, platform, creatorURL, taskID)
	if err != nil {
		e.logger.Warn("dedup: task layer error, passing", "error", err)
		e.metrics.recordLayerError()
		return task.Verdict{}, false
	}
	if claimed {
		return task.Verdict{}, false
	}
	return task.Verdict{
		IsDuplicate: true,
		Type:        task.DuplicateTask,
		Confidence:  1.0,
		Reason:      "a running or pending task already owns this creator",
	}, true
}

// Release drops the task-level claim on a terminal status transition
// and frees the in-process context, resolving spec.md §9's open
// question: claims must not be held forever.
func (e *Engine) Release(ctx context.Context, taskID, platform, creatorURL string) error {
	e.contextsMu.Lock()
	delete(e.contexts, taskID)
	e.contextsMu.Unlock()
	return e.cache.ReleaseTaskClaim(ctx, platform, creatorURL)
}

// --- Layer 2: URL ------------------------------------------------------

func (e *Engine) urlLayer(ctx context.Context, normalizedURL string) (task.Verdict, bool) {
	maybe, err := e.cache.BloomMayContain(ctx, normalizedURL)
	if err != nil {
		e.logger.Warn("dedup: bloom filter error, passing", "error", err)
		e.metrics.recordLayerError()
		return task.Verdict{}, false
	}
	if !maybe {
		return task.Verdict{}, false
	}
	record, found, err := e.index.ByURL(ctx, normalizedURL)
	if err != nil {
		e.logger.Warn("dedup: index url lookup error, passing", "error", err)
		e.metrics.recordLayerError()
		return task.Verdict{}, false
	}
	if !found {
		// Bloom false positive; nothing to confirm against.
		return task.Verdict{}, false
	}
	return task.Verdict{
		IsDuplicate: true,
		Type:        task.DuplicateURL,
		Confidence:  0.95,
		MatchedID:   record.ID,
		Reason:      "normalized url already indexed",
	}, true
}

// --- Layer 3: content hash ----------------------------------------------

// ContentHash computes the whitespace-normalized SHA-256 digest the
// content-hash layer keys on. Exported so callers that persist content
// (the Storage Sink) can stamp the same hash the engine will later
// look up, instead of deriving their own and silently disagreeing.
func ContentHash(title, content string) string {
	composed := title + "\n" + content
	collapsed := collapseWhitespace(composed)
	sum := sha256.Sum256([]byte(collapsed))
	return hex.EncodeToString(sum[:])
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func (e *Engine) contentHashLayer(ctx context.Context, title, content string) (task.Verdict, bool) {
	hash := ContentHash(title, content)

	cached, err := e.cache.ContentHashCacheGet(ctx, hash)
	if err != nil {
		e.logger.Warn("dedup: content hash cache error, passing", "error", err)
		e.metrics.recordLayerError()
	} else if cached {
		return task.Verdict{
			IsDuplicate: true,
			Type:        task.DuplicateContentHash,
			Confidence:  1.0,
			Reason:      "content hash cached as seen",
		}, true
	}

	record, found, err := e.index.ByContentHash(ctx, hash)
	if err != nil {
		e.logger.Warn("dedup: content hash index error, passing", "error", err)
		e.metrics.recordLayerError()
		return task.Verdict{}, false
	}
	if !found {
		return task.Verdict{}, false
	}
	if err := e.cache.ContentHashCacheSet(ctx, hash, record.ID); err != nil {
		e.logger.Warn("dedup: failed caching content hash positive", "error", err)
	}
	return task.Verdict{
		IsDuplicate: true,
		Type:        task.DuplicateContentHash,
		Confidence:  1.0,
		MatchedID:   record.ID,
		Reason:      "content hash already indexed",
	}, true
}

// --- Layer 4: title x platform x window ---------------------------------

func (e *Engine) titleWindowLayer(ctx context.Context, title, platform string) (task.Verdict, bool) {
	if title == "" {
		return task.Verdict{}, false
	}
	since := time.Now().Add(-e.cfg.TitleWindow)
	record, found, err := e.index.ByTitlePlatformSince(ctx, title, platform, since)
	if err != nil {
		e.logger.Warn("dedup: title window lookup error, passing", "error", err)
		e.metrics.recordLayerError()
		return task.Verdict{}, false
	}
	if !found {
		return task.Verdict{}, false
	}
	return task.Verdict{
		IsDuplicate: true,
		Type:        task.DuplicateTitle,
		Confidence:  0.9,
		MatchedID:   record.ID,
		Reason:      "same title and platform within window",
	}, true
}

// --- Layer 5: semantic ---------------------------------------------------

func (e *Engine) semanticLayer(ctx context.Context, content, platform string) (task.Verdict, bool) {
	if len(content) < e.cfg.SemanticMinLength {
		return task.Verdict{}, false
	}
	since := time.Now().Add(-7 * e.cfg.TimeWindow)
	candidates, err := e.index.RecentByPlatform(ctx, platform, since, e.cfg.SemanticCandidates)
	if err != nil {
		e.logger.Warn("dedup: semantic candidate fetch error, passing", "error", err)
		e.metrics.recordLayerError()
		return task.Verdict{}, false
	}

	best := 0.0
	var bestRecord *task.ContentRecord
	for _, candidate := range candidates {
		ratio := SimilarityRatio(content, candidate.ContentText)
		if ratio > best {
			best = ratio
			bestRecord = candidate
		}
	}
	if best < e.cfg.SimilarityThreshold || bestRecord == nil {
		return task.Verdict{}, false
	}
	return task.Verdict{
		IsDuplicate: true,
		Type:        task.DuplicateSemantic,
		Confidence:  best,
		Similarity:  best,
		MatchedID:   bestRecord.ID,
		Reason:      "similarity ratio over threshold",
	}, true
}

// --- Layer 6: time window ------------------------------------------------

func (e *Engine) timeWindowLayer(ctx context.Context, normalizedURL string) (task.Verdict, bool) {
	since := time.Now().Add(-e.cfg.TimeWindow)
	record, found, err := e.index.ByURLSince(ctx, normalizedURL, since)
	if err != nil {
		e.logger.Warn("dedup: time window lookup error, passing", "error", err)
		e.metrics.recordLayerError()
		return task.Verdict{}, false
	}
	if !found {
		return task.Verdict{}, false
	}
	return task.Verdict{
		IsDuplicate: true,
		Type:        task.DuplicateTimeWindow,
		Confidence:  0.8,
		MatchedID:   record.ID,
		Reason:      "normalized url re-crawled within time window",
	}, true
}
