package cachestore

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFromClient(client, logger)
}

func TestStoreGetSetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}

func TestStoreSetNX(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "claim", "task-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetNX(ctx, "claim", "task-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreBitOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetBit(ctx, "bits", 10, 1))
	v, err := s.GetBit(ctx, "bits", 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	v, err = s.GetBit(ctx, "bits", 11)
	require.NoError(t, err)
	require.EqualValues(t, 0, v)
}

func TestStoreSortedSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "q", 2000, "b"))
	require.NoError(t, s.ZAdd(ctx, "q", 1000, "a"))
	require.NoError(t, s.ZAdd(ctx, "q", 3000, "c"))

	n, err := s.ZCard(ctx, "q")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	member, score, err := s.ZPopMin(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "a", member)
	require.Equal(t, 1000.0, score)

	vs, err := s.ZRange(ctx, "q", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, vs)
}

func TestStoreList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LPush(ctx, "dlq", "task-1"))
	require.NoError(t, s.LPush(ctx, "dlq", "task-2"))

	n, err := s.LLen(ctx, "dlq")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestStoreHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "workers", "w1", `{"id":"w1"}`))
	v, err := s.HGet(ctx, "workers", "w1")
	require.NoError(t, err)
	require.Equal(t, `{"id":"w1"}`, v)

	all, err := s.HGetAll(ctx, "workers")
	require.NoError(t, err)
	require.Len(t, all, 1)
}
