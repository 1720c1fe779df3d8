package dedup

import (
	"sync"
	"time"
)

// Context is the per-task dedup memory (§3 Deduplication Context):
// bounded seen-URL/hash/title sets with FIFO eviction, counters by
// duplicate type, and rolling per-layer latency samples.
type Context struct {
	mu sync.Mutex

	urls   *fifoSet
	titles *fifoSet
	hashes *fifoSet

	memberCap int

	CountsByType map[string]int64 `json:"counts_by_type"`
	LatencyMS    map[string][]float64 `json:"-"`
}

// NewContext builds an empty context bounded at memberCap total
// members across its three sets.
func NewContext(memberCap int) *Context {
	if memberCap <= 0 {
		memberCap = 10_000
	}
	return &Context{
		urls:         newFIFOSet(),
		titles:       newFIFOSet(),
		hashes:       newFIFOSet(),
		memberCap:    memberCap,
		CountsByType: make(map[string]int64),
		LatencyMS:    make(map[string][]float64),
	}
}

// RecordSeen remembers a fresh non-duplicate observation and evicts if
// the combined size now exceeds the cap.
func (c *Context) RecordSeen(url, title, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.urls.add(url)
	c.titles.add(title)
	c.hashes.add(hash)
	c.evictIfNeeded()
}

// SeenURL/SeenTitle/SeenHash report prior observation within this
// context (used only for in-process fast paths; the authoritative
// dedup decision always also consults the shared cache/index layers).
func (c *Context) SeenURL(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urls.contains(url)
}

func (c *Context) SeenTitle(title string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.titles.contains(title)
}

func (c *Context) SeenHash(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hashes.contains(hash)
}

// RecordDuplicate increments the counter for a duplicate type and
// appends a latency sample for the layer that caught it.
func (c *Context) RecordDuplicate(duplicateType string, layerLatency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CountsByType[duplicateType]++
	c.LatencyMS[duplicateType] = append(c.LatencyMS[duplicateType], float64(layerLatency.Microseconds())/1000.0)
}

// evictIfNeeded implements §4.2's memory discipline: when the sum of
// the three sets exceeds the cap, evict FIFO-style down to 80% of cap,
// in order URLs -> titles -> hashes (hashes survive longest since
// they are the last defense against duplicates).
func (c *Context) evictIfNeeded() {
	total := c.urls.size() + c.titles.size() + c.hashes.size()
	if total <= c.memberCap {
		return
	}
	target := int(float64(c.memberCap) * 0.8)

	for _, set := range []*fifoSet{c.urls, c.titles, c.hashes} {
		for c.urls.size()+c.titles.size()+c.hashes.size() > target && set.size() > 0 {
			set.evictOldest()
		}
		if c.urls.size()+c.titles.size()+c.hashes.size() <= target {
			break
		}
	}
}

// Snapshot is the JSON-serializable form persisted to the Cache Store
// under context:{task}.
type Snapshot struct {
	URLs         []string           `json:"urls"`
	Titles       []string           `json:"titles"`
	Hashes       []string           `json:"hashes"`
	CountsByType map[string]int64   `json:"counts_by_type"`
}

// ToSnapshot captures the current state for persistence.
func (c *Context) ToSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		URLs:         c.urls.ordered(),
		Titles:       c.titles.ordered(),
		Hashes:       c.hashes.ordered(),
		CountsByType: copyCounts(c.CountsByType),
	}
}

// RestoreFromSnapshot rehydrates a context from a persisted snapshot.
func (c *Context) RestoreFromSnapshot(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range s.URLs {
		c.urls.add(v)
	}
	for _, v := range s.Titles {
		c.titles.add(v)
	}
	for _, v := range s.Hashes {
		c.hashes.add(v)
	}
	if s.CountsByType != nil {
		c.CountsByType = copyCounts(s.CountsByType)
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// fifoSet is a set with insertion-order tracking for FIFO eviction.
type fifoSet struct {
	order []string
	index map[string]struct{}
}

func newFIFOSet() *fifoSet {
	return &fifoSet{index: make(map[string]struct{})}
}

func (f *fifoSet) add(v string) {
	if v == "" {
		return
	}
	if _, ok := f.index[v]; ok {
		return
	}
	f.index[v] = struct{}{}
	f.order = append(f.order, v)
}

func (f *fifoSet) contains(v string) bool {
	_, ok := f.index[v]
	return ok
}

func (f *fifoSet) size() int { return len(f.order) }

func (f *fifoSet) ordered() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

func (f *fifoSet) evictOldest() {
	if len(f.order) == 0 {
		return
	}
	oldest := f.order[0]
	f.order = f.order[1:]
	delete(f.index, oldest)
}
