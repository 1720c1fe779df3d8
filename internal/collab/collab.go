// Package collab defines the narrow external interfaces of §6: the
// Fetcher that turns a task's URL into structured Content, and the
// Storage Sink that persists fresh Content. Both are implemented
// outside this module and wired in at the composition root.
package collab

import (
	"context"
	"time"
)

// Content is the structured result of a successful fetch.
type Content struct {
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Author      string    `json:"author,omitempty"`
	PublishTime time.Time `json:"publish_time,omitempty"`
	Links       []string  `json:"links,omitempty"`
	Images      []string  `json:"images,omitempty"`
	Video       string    `json:"video,omitempty"`
}

// FetchRequest is the task payload handed to the Fetcher.
type FetchRequest struct {
	URL      string                 `json:"url"`
	Platform string                 `json:"platform"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// Fetcher turns a URL into structured Content. Implementations are
// expected to respect ctx's deadline; a fetch that exceeds it should
// return ctx.Err() rather than blocking past the caller's timeout.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Content, error)
}

// StorageSink appends a fresh Content record to durable storage. It
// must be idempotent: storing the same content_hash twice returns the
// originally assigned id rather than erroring, per the §6 contract.
type StorageSink interface {
	Store(ctx context.Context, rec StoredContent) (id string, err error)
}

// StoredContent is the record handed to the StorageSink once the
// Dedup Engine has cleared it as fresh.
type StoredContent struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Platform    string    `json:"platform"`
	Author      string    `json:"author,omitempty"`
	ContentText string    `json:"content_text"`
	PublishTime time.Time `json:"publish_time,omitempty"`
	ContentHash string    `json:"content_hash"`
	Tags        []string  `json:"tags,omitempty"`
}
