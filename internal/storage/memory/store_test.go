package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailfeed/backend/internal/storage"
	"mailfeed/backend/internal/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return NewStore()
	})
}

func TestMemoryStore_Close(t *testing.T) {
	store := NewStore()
	feed, seed := storagetest.NewFeed("Closed")
	require.NoError(t, store.CreateFeed(context.Background(), feed, seed))

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Health(), ErrClosed)

	_, err := store.AppendEntry(context.Background(), feed.ID, storagetest.NewEntry("late", time.Now()), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStore_ListEntriesReturnsCopy(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	feed, _ := storagetest.NewFeed("Copy")
	require.NoError(t, store.CreateFeed(ctx, feed, nil))
	_, err := store.AppendEntry(ctx, feed.ID, storagetest.NewEntry("one", time.Now()), nil)
	require.NoError(t, err)

	entries, err := store.ListEntries(ctx, feed.ID)
	require.NoError(t, err)
	entries[0].Title = "mutated"

	again, err := store.ListEntries(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", again[0].Title)
}
