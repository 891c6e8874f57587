package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/domain"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := New(&config.RedisConfig{Address: mr.Addr()}, nil)
	require.NoError(t, err)
	cache := NewCache(client)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(&config.RedisConfig{Address: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}

func TestCache_Feed(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	feed := &domain.Feed{ID: "id-1", Reference: "aaaabbbbccccdddd", Title: "Example", LastEntrySeq: 7, CreatedAt: time.Now().UTC()}

	t.Run("未命中", func(t *testing.T) {
		_, err := cache.GetCachedFeed(ctx, feed.Reference)
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("写入后命中", func(t *testing.T) {
		v, err := cache.FeedVersion(ctx, feed.Reference)
		require.NoError(t, err)
		stored, err := cache.CacheFeed(ctx, feed, v, time.Minute)
		require.NoError(t, err)
		assert.True(t, stored)

		got, err := cache.GetCachedFeed(ctx, feed.Reference)
		require.NoError(t, err)
		assert.Equal(t, feed.ID, got.ID)
		assert.Equal(t, feed.Title, got.Title)
		assert.Equal(t, int64(7), got.LastEntrySeq)
	})

	t.Run("过期", func(t *testing.T) {
		v, err := cache.FeedVersion(ctx, feed.Reference)
		require.NoError(t, err)
		_, err = cache.CacheFeed(ctx, feed, v, time.Minute)
		require.NoError(t, err)
		mr.FastForward(2 * time.Minute)
		_, err = cache.GetCachedFeed(ctx, feed.Reference)
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("读取期间失效则不写入", func(t *testing.T) {
		v, err := cache.FeedVersion(ctx, feed.Reference)
		require.NoError(t, err)

		require.NoError(t, cache.InvalidateFeed(ctx, feed.Reference))
		stored, err := cache.CacheFeed(ctx, feed, v, time.Minute)
		require.NoError(t, err)
		assert.False(t, stored)
		_, err = cache.GetCachedFeed(ctx, feed.Reference)
		assert.ErrorIs(t, err, ErrCacheMiss)

		next, err := cache.FeedVersion(ctx, feed.Reference)
		require.NoError(t, err)
		assert.Equal(t, v+1, next)
	})
}

func TestCache_RenderedFeed(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	ref := "aaaabbbbccccdddd"

	v, err := cache.FeedVersion(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	stored, err := cache.CacheRenderedFeed(ctx, ref, []byte("<feed/>"), v, time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)
	data, err := cache.GetCachedRenderedFeed(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("<feed/>"), data)

	require.NoError(t, cache.InvalidateFeed(ctx, ref))
	_, err = cache.GetCachedRenderedFeed(ctx, ref)
	assert.ErrorIs(t, err, ErrCacheMiss)

	stored, err = cache.CacheRenderedFeed(ctx, ref, []byte("<stale/>"), v, time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestCache_ConsumeEntries(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *domain.EntryEvent, 1)
	done := make(chan error, 1)
	go func() {
		done <- cache.ConsumeEntries(ctx, func(event *domain.EntryEvent) { received <- event })
	}()
	require.Eventually(t, func() bool { return mr.PubSubNumPat() == 1 }, 2*time.Second, 10*time.Millisecond)

	event := &domain.EntryEvent{Feed: "aaaabbbbccccdddd", Reference: "eeeeeeeeeeeeeeee", Title: "Issue #1"}
	require.NoError(t, cache.PublishEntry(ctx, event))
	mr.Publish(EntryChannel("ffffffffffffffff"), "not json")

	select {
	case got := <-received:
		assert.Equal(t, "Issue #1", got.Title)
		assert.Equal(t, "aaaabbbbccccdddd", got.Feed)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
