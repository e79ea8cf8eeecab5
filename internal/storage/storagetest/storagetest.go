// Package storagetest holds the behavioural checks every storage.Storage
// implementation must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/alarmd/internal/storage"
	"github.com/nkkko/alarmd/pkg/proto"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) storage.Storage

// Run executes the conformance suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAssignsIncreasingIDs", func(t *testing.T) { testCreate(t, newStore(t)) })
	t.Run("CreateRejectsEmptyRecipient", func(t *testing.T) { testCreateInvalid(t, newStore(t)) })
	t.Run("GetScopedToRecipient", func(t *testing.T) { testGetScoped(t, newStore(t)) })
	t.Run("ListRecentNewestFirst", func(t *testing.T) { testListRecent(t, newStore(t)) })
	t.Run("RecipientPrefixIsolation", func(t *testing.T) { testPrefixIsolation(t, newStore(t)) })
	t.Run("MarkReadIdempotent", func(t *testing.T) { testMarkRead(t, newStore(t)) })
	t.Run("MarkReadNotFound", func(t *testing.T) { testMarkReadNotFound(t, newStore(t)) })
	t.Run("MarkAllReadSnapshot", func(t *testing.T) { testMarkAllRead(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
}

func create(t *testing.T, s storage.Storage, recipient, msg string) *proto.Notification {
	t.Helper()
	n, err := s.CreateNotification(context.Background(), &proto.CreateNotificationRequest{
		RecipientID: recipient,
		Title:       "title",
		Message:     msg,
		URL:         "/alarms",
	})
	require.NoError(t, err)
	return n
}

func testCreate(t *testing.T, s storage.Storage) {
	first := create(t, s, "alice", "one")
	second := create(t, s, "alice", "two")

	assert.NotZero(t, first.ID)
	assert.Greater(t, second.ID, first.ID, "ids should be monotonic")
	assert.False(t, first.Read, "new notifications are unread")
	assert.Equal(t, "alice", first.RecipientID)
	assert.Equal(t, "one", first.Message)
	assert.Equal(t, "/alarms", first.URL)
	assert.False(t, first.CreatedAt.IsZero())
}

func testCreateInvalid(t *testing.T, s storage.Storage) {
	_, err := s.CreateNotification(context.Background(), &proto.CreateNotificationRequest{Message: "x"})
	assert.ErrorIs(t, err, storage.ErrInvalidRecipient)
}

func testGetScoped(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	n := create(t, s, "alice", "one")

	got, err := s.GetNotification(ctx, "alice", n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Message, got.Message)

	// Another recipient cannot see it
	_, err = s.GetNotification(ctx, "bob", n.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetNotification(ctx, "alice", n.ID+1000)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testListRecent(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		create(t, s, "alice", fmt.Sprintf("m%d", i))
	}
	create(t, s, "bob", "other")

	list, err := s.ListRecent(ctx, "alice", 15)
	require.NoError(t, err)
	require.Len(t, list, 15)
	assert.Equal(t, "m19", list[0].Message, "newest first")
	assert.Equal(t, "m5", list[14].Message)
	for i := 1; i < len(list); i++ {
		assert.Greater(t, list[i-1].ID, list[i].ID)
	}

	empty, err := s.ListRecent(ctx, "nobody", 15)
	require.NoError(t, err)
	assert.Empty(t, empty)

	none, err := s.ListRecent(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testPrefixIsolation(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	create(t, s, "al", "short")
	create(t, s, "alice", "long")

	list, err := s.ListRecent(ctx, "al", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "short", list[0].Message)

	count, err := s.CountUnread(ctx, "al")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testMarkRead(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	n := create(t, s, "alice", "one")
	create(t, s, "alice", "two")

	count, err := s.CountUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	marked, err := s.MarkRead(ctx, "alice", n.ID)
	require.NoError(t, err)
	assert.True(t, marked.Read)

	// Second call is a no-op that still succeeds
	again, err := s.MarkRead(ctx, "alice", n.ID)
	require.NoError(t, err)
	assert.True(t, again.Read)

	got, err := s.GetNotification(ctx, "alice", n.ID)
	require.NoError(t, err)
	assert.True(t, got.Read)

	count, err = s.CountUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testMarkReadNotFound(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	n := create(t, s, "alice", "one")

	_, err := s.MarkRead(ctx, "alice", n.ID+1000)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Owned by someone else
	_, err = s.MarkRead(ctx, "bob", n.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetNotification(ctx, "alice", n.ID)
	require.NoError(t, err)
	assert.False(t, got.Read, "a foreign mark must not change the record")
}

func testMarkAllRead(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	a := create(t, s, "alice", "a")
	b := create(t, s, "alice", "b")
	c := create(t, s, "alice", "c")
	_, err := s.MarkRead(ctx, "alice", b.ID)
	require.NoError(t, err)
	other := create(t, s, "bob", "x")

	changed, err := s.MarkAllRead(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []uint64{a.ID, c.ID}, changed, "only previously unread ids are reported")

	count, err := s.CountUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, count)

	// Created after the operation stays unread
	d := create(t, s, "alice", "d")
	got, err := s.GetNotification(ctx, "alice", d.ID)
	require.NoError(t, err)
	assert.False(t, got.Read)

	// Other recipients untouched
	got, err = s.GetNotification(ctx, "bob", other.ID)
	require.NoError(t, err)
	assert.False(t, got.Read)

	// Nothing left to change
	changed, err = s.MarkAllRead(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []uint64{d.ID}, changed)
	changed, err = s.MarkAllRead(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func testConcurrentCreate(t *testing.T, s storage.Storage) {
	const n = 50
	var wg sync.WaitGroup
	ids := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := s.CreateNotification(context.Background(), &proto.CreateNotificationRequest{
				RecipientID: "alice",
				Message:     fmt.Sprintf("m%d", i),
			})
			if assert.NoError(t, err) {
				ids <- created.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	count, err := s.CountUnread(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, n, count)
}
