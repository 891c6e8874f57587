// Package storagetest 提供所有 storage.Store 实现共用的行为测试。
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailfeed/backend/internal/domain"
	"mailfeed/backend/internal/reference"
	"mailfeed/backend/internal/storage"
)

// Factory 为每个子测试创建一个全新的存储实例。
type Factory func(t *testing.T) storage.Store

// Run 执行完整的存储行为测试。
func Run(t *testing.T, newStore Factory) {
	t.Run("创建并查询订阅源", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("订阅源引用冲突", func(t *testing.T) { testFeedCollision(t, newStore(t)) })
	t.Run("追加条目保持最新在前", func(t *testing.T) { testAppendOrdering(t, newStore(t)) })
	t.Run("按裁剪结果淘汰最旧条目", func(t *testing.T) { testAppendTrim(t, newStore(t)) })
	t.Run("裁剪失败时不产生修改", func(t *testing.T) { testAppendTrimFailure(t, newStore(t)) })
	t.Run("条目引用冲突", func(t *testing.T) { testEntryCollision(t, newStore(t)) })
	t.Run("未知订阅源", func(t *testing.T) { testUnknownFeed(t, newStore(t)) })
	t.Run("取消的上下文不产生修改", func(t *testing.T) { testCanceledContext(t, newStore(t)) })
	t.Run("同一订阅源并发追加不丢失", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("健康检查", func(t *testing.T) { require.NoError(t, newStore(t).Health()) })
}

// NewFeed 构造测试用订阅源及首条条目。
func NewFeed(title string) (*domain.Feed, *domain.Entry) {
	now := time.Now().UTC().Truncate(time.Second)
	feed := &domain.Feed{
		ID:        uuid.NewString(),
		Reference: reference.New(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	seed := &domain.Entry{
		ID:        uuid.NewString(),
		Reference: reference.New(),
		Title:     title + " inbox created",
		Author:    domain.SystemAuthor,
		Content:   "<p>created</p>",
		CreatedAt: now,
	}
	return feed, seed
}

// NewEntry 构造测试用条目。
func NewEntry(title string, at time.Time) *domain.Entry {
	return &domain.Entry{
		ID:        uuid.NewString(),
		Reference: reference.New(),
		Title:     title,
		Author:    "writer@example.com",
		Content:   "<p>" + title + "</p>",
		CreatedAt: at.UTC().Truncate(time.Second),
	}
}

func mustCreate(t *testing.T, s storage.Store, title string) (*domain.Feed, *domain.Entry) {
	t.Helper()
	feed, seed := NewFeed(title)
	require.NoError(t, s.CreateFeed(context.Background(), feed, seed))
	return feed, seed
}

func testCreateAndGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	feed, seed := mustCreate(t, s, "Example Newsletter")

	got, err := s.GetFeedByReference(ctx, feed.Reference)
	require.NoError(t, err)
	assert.Equal(t, feed.ID, got.ID)
	assert.Equal(t, "Example Newsletter", got.Title)
	assert.Equal(t, int64(1), got.LastEntrySeq)

	entries, err := s.ListEntries(ctx, feed.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, seed.Reference, entries[0].Reference)
	assert.Equal(t, feed.ID, entries[0].FeedID)

	n, err := s.CountEntries(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := s.GetEntryByReference(ctx, seed.Reference)
	require.NoError(t, err)
	assert.Equal(t, domain.SystemAuthor, e.Author)
}

func testFeedCollision(t *testing.T, s storage.Store) {
	ctx := context.Background()
	feed, _ := mustCreate(t, s, "First")

	dup, seed := NewFeed("Second")
	dup.Reference = feed.Reference
	err := s.CreateFeed(ctx, dup, seed)
	assert.ErrorIs(t, err, domain.ErrReferenceCollision)

	got, err := s.GetFeedByReference(ctx, feed.Reference)
	require.NoError(t, err)
	assert.Equal(t, "First", got.Title)

	_, err = s.GetEntryByReference(ctx, seed.Reference)
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func testAppendOrdering(t *testing.T, s storage.Store) {
	ctx := context.Background()
	feed, _ := mustCreate(t, s, "Ordering")

	base := time.Now().Add(time.Minute)
	for i := 0; i < 5; i++ {
		entry := NewEntry(fmt.Sprintf("Issue #%d", i), base.Add(time.Duration(i)*time.Second))
		evicted, err := s.AppendEntry(ctx, feed.ID, entry, nil)
		require.NoError(t, err)
		assert.Zero(t, evicted)
		assert.Equal(t, feed.ID, entry.FeedID)
		assert.Equal(t, int64(i+2), entry.Seq)
	}

	entries, err := s.ListEntries(ctx, feed.ID)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	assert.Equal(t, "Issue #4", entries[0].Title)
	assert.Equal(t, "Issue #0", entries[4].Title)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i-1].Seq, entries[i].Seq)
		assert.Equal(t, feed.ID, entries[i].FeedID)
	}

	got, err := s.GetFeedByReference(ctx, feed.Reference)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(base.Add(4*time.Second).UTC().Truncate(time.Second)),
		"updatedAt %s", got.UpdatedAt)
}

func testAppendTrim(t *testing.T, s storage.Store) {
	ctx := context.Background()
	feed, seed := mustCreate(t, s, "Trim")

	var refs []string
	for i := 0; i < 4; i++ {
		entry := NewEntry(fmt.Sprintf("Issue #%d", i), time.Now())
		_, err := s.AppendEntry(ctx, feed.ID, entry, nil)
		require.NoError(t, err)
		refs = append(refs, entry.Reference)
	}

	var seen []domain.Entry
	latest := NewEntry("Latest", time.Now())
	evicted, err := s.AppendEntry(ctx, feed.ID, latest, func(f *domain.Feed, entries []domain.Entry) (int, error) {
		seen = entries
		assert.Equal(t, int64(6), f.LastEntrySeq)
		return 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, evicted)

	require.Len(t, seen, 6)
	assert.Equal(t, latest.Reference, seen[0].Reference)

	entries, err := s.ListEntries(ctx, feed.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{latest.Reference, refs[3], refs[2]},
		[]string{entries[0].Reference, entries[1].Reference, entries[2].Reference})

	for _, ref := range []string{seed.Reference, refs[0], refs[1]} {
		_, err := s.GetEntryByReference(ctx, ref)
		assert.ErrorIs(t, err, domain.ErrEntryNotFound)
	}
}

func testAppendTrimFailure(t *testing.T, s storage.Store) {
	ctx := context.Background()
	feed, _ := mustCreate(t, s, "Failure")
	before, err := s.GetFeedByReference(ctx, feed.Reference)
	require.NoError(t, err)

	boom := errors.New("render failed")
	entry := NewEntry("Lost", time.Now().Add(time.Hour))
	_, err = s.AppendEntry(ctx, feed.ID, entry, func(*domain.Feed, []domain.Entry) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := s.GetFeedByReference(ctx, feed.Reference)
	require.NoError(t, err)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	assert.Equal(t, before.LastEntrySeq, after.LastEntrySeq)

	entries, err := s.ListEntries(ctx, feed.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = s.GetEntryByReference(ctx, entry.Reference)
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func testEntryCollision(t *testing.T, s storage.Store) {
	ctx := context.Background()
	feedA, seedA := mustCreate(t, s, "A")
	feedB, _ := mustCreate(t, s, "B")

	entry := NewEntry("Clash", time.Now())
	entry.Reference = seedA.Reference
	_, err := s.AppendEntry(ctx, feedB.ID, entry, nil)
	assert.ErrorIs(t, err, domain.ErrReferenceCollision)

	entries, err := s.ListEntries(ctx, feedB.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	got, err := s.GetEntryByReference(ctx, seedA.Reference)
	require.NoError(t, err)
	assert.Equal(t, feedA.ID, got.FeedID)
}

func testUnknownFeed(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetFeedByReference(ctx, reference.New())
	assert.ErrorIs(t, err, domain.ErrFeedNotFound)

	_, err = s.AppendEntry(ctx, uuid.NewString(), NewEntry("x", time.Now()), nil)
	assert.ErrorIs(t, err, domain.ErrFeedNotFound)

	_, err = s.GetEntryByReference(ctx, reference.New())
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func testCanceledContext(t *testing.T, s storage.Store) {
	feed, _ := mustCreate(t, s, "Canceled")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.AppendEntry(ctx, feed.ID, NewEntry("x", time.Now()), nil)
	assert.Error(t, err)

	entries, err := s.ListEntries(context.Background(), feed.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testConcurrentAppend(t *testing.T, s storage.Store) {
	ctx := context.Background()
	feedA, _ := mustCreate(t, s, "Concurrent A")
	feedB, _ := mustCreate(t, s, "Concurrent B")

	const k = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*k)
	for i := 0; i < k; i++ {
		for _, feed := range []*domain.Feed{feedA, feedB} {
			wg.Add(1)
			go func(feedID string, i int) {
				defer wg.Done()
				_, err := s.AppendEntry(ctx, feedID, NewEntry(fmt.Sprintf("#%d", i), time.Now()), nil)
				errs <- err
			}(feed.ID, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, feed := range []*domain.Feed{feedA, feedB} {
		entries, err := s.ListEntries(ctx, feed.ID)
		require.NoError(t, err)
		require.Len(t, entries, k+1)

		seqs := make(map[int64]struct{}, len(entries))
		for i, e := range entries {
			assert.Equal(t, feed.ID, e.FeedID)
			seqs[e.Seq] = struct{}{}
			if i > 0 {
				assert.Greater(t, entries[i-1].Seq, e.Seq)
			}
		}
		assert.Len(t, seqs, k+1)

		got, err := s.GetFeedByReference(ctx, feed.Reference)
		require.NoError(t, err)
		assert.Equal(t, int64(k+1), got.LastEntrySeq)
	}
}
