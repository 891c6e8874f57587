package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailfeed/backend/internal/cache"
	"mailfeed/backend/internal/config"
	"mailfeed/backend/internal/domain"
	"mailfeed/backend/internal/storage/memory"
	"mailfeed/backend/internal/storage/redis"
)

type fakeHub struct {
	capturePublisher
	subscribers map[string]int
}

func (h *fakeHub) Subscribers(feed string) int {
	return h.subscribers[feed]
}

func TestRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.New(&config.RedisConfig{Address: mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	shared := redis.NewCache(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feeds := NewFeedService(memory.NewStore(), testConfig(), nil, nil)
	local := cache.NewLocalCache(100, time.Minute)
	feeds.SetLocalCache(local)

	watched, err := feeds.Create(ctx, CreateFeedInput{Title: "Watched"})
	require.NoError(t, err)
	quiet, err := feeds.Create(ctx, CreateFeedInput{Title: "Quiet"})
	require.NoError(t, err)
	for _, f := range []*domain.Feed{watched, quiet} {
		_, err := feeds.Render(ctx, f.Reference)
		require.NoError(t, err)
	}
	require.Equal(t, 2, local.Len())

	hub := &fakeHub{subscribers: map[string]int{watched.Reference: 1}}
	relay := NewRelay(shared, feeds, hub, nil)

	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return mr.PubSubNumPat() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, shared.PublishEntry(ctx, &domain.EntryEvent{Feed: quiet.Reference, Reference: "qqqqqqqqqqqqqqqq"}))
	require.NoError(t, shared.PublishEntry(ctx, &domain.EntryEvent{Feed: watched.Reference, Reference: "wwwwwwwwwwwwwwww", Title: "Issue #3"}))

	t.Run("推送给有在线订阅者的订阅源", func(t *testing.T) {
		require.Eventually(t, func() bool { return len(hub.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, "Issue #3", hub.snapshot()[0].Title)
	})

	t.Run("清除进程内渲染缓存", func(t *testing.T) {
		assert.Eventually(t, func() bool { return local.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("ctx 结束后退出", func(t *testing.T) {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not stop")
		}
	})
}
