package reconciler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/alarmd/internal/dispatcher"
	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/internal/storage"
	"github.com/nkkko/alarmd/internal/storage/memory"
	"github.com/nkkko/alarmd/pkg/proto"
)

type sink struct {
	events []proto.Event
}

func (s *sink) WriteEvent(ctx context.Context, ev proto.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) Close() error { return nil }

func (s *sink) alarms() []*proto.Alarm {
	var out []*proto.Alarm
	for _, ev := range s.events {
		if ev.Alarm != nil {
			out = append(out, ev.Alarm)
		}
	}
	return out
}

type fixture struct {
	reg        *registry.Registry
	store      *memory.Storage
	dispatcher *dispatcher.Dispatcher
	reconciler *Reconciler
}

func newFixture() *fixture {
	reg := registry.New(registry.DefaultConfig())
	store := memory.NewStorage()
	return &fixture{
		reg:        reg,
		store:      store,
		dispatcher: dispatcher.New(dispatcher.DefaultConfig(), store, reg),
		reconciler: New(store, reg),
	}
}

func (f *fixture) send(t *testing.T, recipient, msg string) *proto.Notification {
	t.Helper()
	n, err := f.dispatcher.CreateAndDispatch(context.Background(), &proto.CreateNotificationRequest{
		RecipientID: recipient,
		Message:     msg,
	})
	require.NoError(t, err)
	return n
}

func TestMarkOneReadIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	n := f.send(t, "alice", "hello")

	for i := 0; i < 2; i++ {
		got, err := f.reconciler.MarkOneRead(ctx, "alice", n.ID)
		require.NoError(t, err)
		assert.True(t, got.Read)
	}

	unread, err := f.store.CountUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestMarkOneReadNotFound(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	n := f.send(t, "alice", "hello")

	_, err := f.reconciler.MarkOneRead(ctx, "bob", n.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "another recipient's alarm does not exist for bob")

	_, err = f.reconciler.MarkOneRead(ctx, "alice", n.ID+100)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMarkOneReadUpdatesReplayCopies(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	cursor := f.reg.NextEventID("alice")
	first := f.send(t, "alice", "one")
	second := f.send(t, "alice", "two")

	_, err := f.reconciler.MarkOneRead(ctx, "alice", first.ID)
	require.NoError(t, err)

	events, err := f.reg.ReplayEventsSince("alice", cursor)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, first.ID, events[0].Alarm.ID)
	assert.True(t, events[0].Alarm.Read, "replay agrees with the store")
	assert.Equal(t, second.ID, events[1].Alarm.ID)
	assert.False(t, events[1].Alarm.Read)
}

func TestMarkAllReadThenNewAlarmStaysUnread(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tab1, tab2 := &sink{}, &sink{}
	_, err := f.reg.Register("alice", tab1)
	require.NoError(t, err)
	_, err = f.reg.Register("alice", tab2)
	require.NoError(t, err)

	for _, msg := range []string{"a", "b", "c"} {
		f.send(t, "alice", msg)
	}
	f.send(t, "bob", "not yours")

	updated, err := f.reconciler.MarkAllRead(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, updated)

	late := f.send(t, "alice", "d")

	unread, err := f.store.CountUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	for _, s := range []*sink{tab1, tab2} {
		alarms := s.alarms()
		require.Len(t, alarms, 4)
		assert.Equal(t, late.ID, alarms[3].ID)
		assert.False(t, alarms[3].Read)
	}

	bobUnread, err := f.store.CountUnread(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, bobUnread, "other recipients are untouched")

	updated, err = f.reconciler.MarkAllRead(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
}

// partialStore commits some ids before failing
type partialStore struct {
	ids []uint64
}

func (s *partialStore) MarkRead(ctx context.Context, recipientID string, id uint64) (*proto.Notification, error) {
	return nil, storage.ErrNotFound
}

func (s *partialStore) MarkAllRead(ctx context.Context, recipientID string) ([]uint64, error) {
	return s.ids, errors.New("transaction too big")
}

type countingCache struct {
	reconciled []uint64
}

func (c *countingCache) ReconcileRead(recipientID string, alarmIDs ...uint64) int {
	c.reconciled = append(c.reconciled, alarmIDs...)
	return len(alarmIDs)
}

func TestMarkAllReadPartialFailureReconcilesCommitted(t *testing.T) {
	cache := &countingCache{}
	r := New(&partialStore{ids: []uint64{4, 5}}, cache)

	updated, err := r.MarkAllRead(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, 2, updated)
	assert.Equal(t, []uint64{4, 5}, cache.reconciled)
}
