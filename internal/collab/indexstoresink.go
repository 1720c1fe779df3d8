package collab

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khryptorgraphics/crawld/internal/indexstore"
	"github.com/khryptorgraphics/crawld/internal/task"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// IndexStoreSink is the plane's default StorageSink: it inserts into
// the Index Store, generating the content_hash the dedup engine's
// content-hash layer keys off of. Insert is idempotent on that hash
// per the Storage Sink contract (§6): a duplicate-hash insert is
// treated as "already stored" rather than an error, so a retried or
// racing store of the same content returns the existing semantics
// rather than failing.
type IndexStoreSink struct {
	store *indexstore.Store
}

// NewIndexStoreSink builds an IndexStoreSink.
func NewIndexStoreSink(store *indexstore.Store) *IndexStoreSink {
	return &IndexStoreSink{store: store}
}

// Store implements StorageSink.
func (s *IndexStoreSink) Store(ctx context.Context, c StoredContent) (string, error) {
	hash := c.ContentHash
	if hash == "" {
		// Callers normally stamp ContentHash with the dedup engine's own
		// hash (dedup.ContentHash) so the two never disagree; this is a
		// fallback for a caller that didn't, using the same
		// whitespace-collapsing normalization the engine applies.
		composed := strings.TrimSpace(whitespaceRun.ReplaceAllString(c.Title+"\n"+c.ContentText, " "))
		sum := sha256.Sum256([]byte(composed))
		hash = hex.EncodeToString(sum[:])
	}

	record := &task.ContentRecord{
		ID:          uuid.NewString(),
		URL:         c.URL,
		Title:       c.Title,
		Platform:    c.Platform,
		Author:      c.Author,
		ContentText: c.ContentText,
		PublishTime: c.PublishTime,
		ContentHash: hash,
		Tags:        c.Tags,
		CreatedAt:   time.Now(),
	}

	err := s.store.Insert(ctx, record)
	if errors.Is(err, indexstore.ErrDuplicateHash) {
		existing, lookupErr := s.store.ByContentHash(ctx, hash)
		if lookupErr != nil {
			return "", fmt.Errorf("indexstoresink: resolve duplicate insert: %w", lookupErr)
		}
		return existing.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("indexstoresink: insert: %w", err)
	}
	return record.ID, nil
}
