// Package indexstore wraps the "contents" document collection (§6
// Index Store contract): a unique index on content_hash, compound
// indexes for (title, platform, created_at) and (platform, created_at),
// a URL index, and a created_at index, plus the lookup methods the
// dedup engine needs.
package indexstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/khryptorgraphics/crawld/internal/task"
)

const collectionName = "contents"

// Store is the Index Store client.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

// Config configures the Mongo connection.
type Config struct {
	URI      string
	Database string
}

// New connects to Mongo and bootstraps indexes exactly once, mirroring
// the teacher's "initialize once at construction" idiom in
// database.NewDatabaseManager.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("indexstore: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("indexstore: ping: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(collectionName)
	store := &Store{client: client, collection: coll, logger: logger}

	if err := store.bootstrapIndexes(ctx); err != nil {
		return nil, fmt.Errorf("indexstore: bootstrap indexes: %w", err)
	}

	logger.Info("index store connected", "database", cfg.Database, "collection", collectionName)
	return store, nil
}

// bootstrapIndexes runs once at startup; existing indexes are not
// recreated (CreateMany is a no-op for indexes that already exist with
// the same key spec).
func (s *Store) bootstrapIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "content_hash", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_content_hash"),
		},
		{
			Keys:    bson.D{{Key: "title", Value: 1}, {Key: "platform", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("title_platform_created_at"),
		},
		{
			Keys:    bson.D{{Key: "url", Value: 1}},
			Options: options.Index().SetName("url"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("created_at"),
		},
		{
			Keys:    bson.D{{Key: "platform", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("platform_created_at"),
		},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Close disconnects the Mongo client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Insert appends a content record. Duplicate content_hash returns
// ErrDuplicateHash so callers can treat it as an idempotent no-op, per
// the Storage Sink contract's uniqueness requirement.
func (s *Store) Insert(ctx context.Context, c *task.ContentRecord) error {
	_, err := s.collection.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateHash
	}
	if err != nil {
		return fmt.Errorf("indexstore: insert: %w", err)
	}
	return nil
}

// ByContentHash looks up a content record by its SHA-256 hash.
func (s *Store) ByContentHash(ctx context.Context, hash string) (*task.ContentRecord, error) {
	return s.findOne(ctx, bson.M{"content_hash": hash})
}

// ByURL looks up the most recent content record for a normalized URL.
func (s *Store) ByURL(ctx context.Context, url string) (*task.ContentRecord, error) {
	return s.findOneSorted(ctx, bson.M{"url": url})
}

// ByURLSince looks up a content record for a normalized URL created at
// or after `since`, used by the time-window layer (§4.2 step 6).
func (s *Store) ByURLSince(ctx context.Context, url string, since time.Time) (*task.ContentRecord, error) {
	return s.findOneSorted(ctx, bson.M{"url": url, "created_at": bson.M{"$gte": since}})
}

// ByTitlePlatformSince looks up a content record sharing title and
// platform, created at or after `since` (§4.2 step 4).
func (s *Store) ByTitlePlatformSince(ctx context.Context, title, platform string, since time.Time) (*task.ContentRecord, error) {
	return s.findOneSorted(ctx, bson.M{"title": title, "platform": platform, "created_at": bson.M{"$gte": since}})
}

// RecentByPlatform returns up to `limit` of the most recent content
// records for a platform within `since`, used as the semantic-layer
// candidate pool (§4.2 step 5).
func (s *Store) RecentByPlatform(ctx context.Context, platform string, since time.Time, limit int64) ([]*task.ContentRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cur, err := s.collection.Find(ctx, bson.M{"platform": platform, "created_at": bson.M{"$gte": since}}, opts)
	if err != nil {
		return nil, fmt.Errorf("indexstore: find recent: %w", err)
	}
	defer cur.Close(ctx)

	var out []*task.ContentRecord
	for cur.Next(ctx) {
		var c task.ContentRecord
		if err := cur.Decode(&c); err != nil {
			return nil, fmt.Errorf("indexstore: decode: %w", err)
		}
		out = append(out, &c)
	}
	return out, cur.Err()
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*task.ContentRecord, error) {
	var c task.ContentRecord
	err := s.collection.FindOne(ctx, filter).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("indexstore: find one: %w", err)
	}
	return &c, nil
}

func (s *Store) findOneSorted(ctx context.Context, filter bson.M) (*task.ContentRecord, error) {
	var c task.ContentRecord
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	err := s.collection.FindOne(ctx, filter, opts).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("indexstore: find one sorted: %w", err)
	}
	return &c, nil
}
