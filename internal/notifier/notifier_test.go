package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/alarmd/internal/dispatcher"
	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/internal/storage/memory"
	"github.com/nkkko/alarmd/pkg/proto"
)

// captureSink records every event; failAfter > 0 fails writes past that count
type captureSink struct {
	mu        sync.Mutex
	events    []proto.Event
	failAfter int
	closed    bool
}

func (s *captureSink) WriteEvent(ctx context.Context, ev proto.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errors.New("connection reset")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *captureSink) Transport() string { return "test" }

func (s *captureSink) received() []proto.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proto.Event(nil), s.events...)
}

func (s *captureSink) lastID() string {
	events := s.received()
	return events[len(events)-1].ID
}

// cursor is what a client resuming after this sink would send
func (s *captureSink) cursor(previous string) string {
	for _, ev := range s.received() {
		if ev.ID != "" {
			previous = ev.ID
		}
	}
	return previous
}

type fixture struct {
	reg        *registry.Registry
	store      *memory.Storage
	dispatcher *dispatcher.Dispatcher
	notifier   *Notifier
}

func newFixture(t *testing.T, backlog int) *fixture {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())
	store := memory.NewStorage()
	return &fixture{
		reg:        reg,
		store:      store,
		dispatcher: dispatcher.New(dispatcher.DefaultConfig(), store, reg),
		notifier:   New(Config{BacklogSize: backlog}, reg, store),
	}
}

func (f *fixture) send(t *testing.T, recipient, msg string) *proto.Notification {
	t.Helper()
	n, err := f.dispatcher.CreateAndDispatch(context.Background(), &proto.CreateNotificationRequest{
		RecipientID: recipient,
		Title:       "alarm",
		Message:     msg,
	})
	require.NoError(t, err)
	return n
}

func alarmMessages(events []proto.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == proto.EventAlarm {
			out = append(out, ev.Alarm.Message)
		}
	}
	return out
}

func TestSubscribeSendsKeepAliveFirst(t *testing.T) {
	f := newFixture(t, 15)
	sink := &captureSink{}

	conn, err := f.notifier.Subscribe(context.Background(), "alice", "", sink)
	require.NoError(t, err)
	assert.Equal(t, registry.StateOpen, conn.State())

	events := sink.received()
	require.Len(t, events, 1, "nothing stored, so only the greeting")
	assert.Equal(t, proto.EventKeepAlive, events[0].Type)
	assert.Empty(t, events[0].ID, "the greeting must not move the client cursor")
	assert.Contains(t, events[0].Data, "recipientId=alice")

	assert.Len(t, f.reg.ActiveConnections("alice"), 1)
}

func TestSubscribeWithoutCursorSendsBacklogNewestFirst(t *testing.T) {
	f := newFixture(t, 3)
	for i := 1; i <= 5; i++ {
		f.send(t, "alice", fmt.Sprintf("m%d", i))
	}

	sink := &captureSink{}
	conn, err := f.notifier.Subscribe(context.Background(), "alice", "", sink)
	require.NoError(t, err)

	events := sink.received()
	require.Len(t, events, 4)
	assert.Equal(t, proto.EventKeepAlive, events[0].Type)
	assert.Equal(t, []string{"m5", "m4", "m3"}, alarmMessages(events))
	assert.Empty(t, events[1].ID)
	assert.Empty(t, events[2].ID)
	assert.Equal(t, conn.ID(), events[3].ID, "only the last backlog event carries a cursor")
}

func TestBacklogCursorReplaysLaterEvents(t *testing.T) {
	f := newFixture(t, 15)
	f.send(t, "alice", "m1")
	f.send(t, "alice", "m2")

	first := &captureSink{}
	conn, err := f.notifier.Subscribe(context.Background(), "alice", "", first)
	require.NoError(t, err)
	cursor := first.lastID()
	require.Equal(t, conn.ID(), cursor)
	conn.Close(registry.StateCompleted)

	f.send(t, "alice", "later")

	second := &captureSink{}
	_, err = f.notifier.Subscribe(context.Background(), "alice", cursor, second)
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, alarmMessages(second.received()))
}

func TestReconnectReplaysMissedEvents(t *testing.T) {
	f := newFixture(t, 15)

	first := &captureSink{}
	conn, err := f.notifier.Subscribe(context.Background(), "alice", "", first)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		f.send(t, "alice", fmt.Sprintf("e%d", i))
	}
	cursor := first.lastID()
	conn.Close(registry.StateCompleted)

	// Sent while the client is away
	f.send(t, "alice", "e4")
	f.send(t, "alice", "e5")

	second := &captureSink{}
	_, err = f.notifier.Subscribe(context.Background(), "alice", cursor, second)
	require.NoError(t, err)

	events := second.received()
	require.Len(t, events, 3)
	assert.Equal(t, proto.EventKeepAlive, events[0].Type)
	assert.Equal(t, []string{"e4", "e5"}, alarmMessages(events))
	assert.NotEqual(t, events[1].ID, events[2].ID)
}

func TestReconnectAfterDropDuringCatchUp(t *testing.T) {
	f := newFixture(t, 15)

	first := &captureSink{}
	conn, err := f.notifier.Subscribe(context.Background(), "alice", "", first)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		f.send(t, "alice", fmt.Sprintf("e%d", i))
	}
	cursor := first.lastID()
	conn.Close(registry.StateCompleted)

	f.send(t, "alice", "e4")
	f.send(t, "alice", "e5")

	// The transport dies right after the greeting
	dropped := &captureSink{failAfter: 1}
	_, err = f.notifier.Subscribe(context.Background(), "alice", cursor, dropped)
	require.Error(t, err)
	require.Len(t, dropped.received(), 1)

	third := &captureSink{}
	_, err = f.notifier.Subscribe(context.Background(), "alice", dropped.cursor(cursor), third)
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e5"}, alarmMessages(third.received()))
}

func TestReconnectAfterDropDuringBacklog(t *testing.T) {
	f := newFixture(t, 15)
	f.send(t, "alice", "m1")
	f.send(t, "alice", "m2")
	f.send(t, "alice", "m3")

	dropped := &captureSink{failAfter: 2}
	_, err := f.notifier.Subscribe(context.Background(), "alice", "", dropped)
	require.Error(t, err)
	assert.Equal(t, []string{"m3"}, alarmMessages(dropped.received()))

	again := &captureSink{}
	_, err = f.notifier.Subscribe(context.Background(), "alice", dropped.cursor(""), again)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m2", "m1"}, alarmMessages(again.received()))
}

func TestReconnectWithLatestCursorSendsNothingMore(t *testing.T) {
	f := newFixture(t, 15)

	first := &captureSink{}
	conn, err := f.notifier.Subscribe(context.Background(), "alice", "", first)
	require.NoError(t, err)
	f.send(t, "alice", "e1")
	conn.Close(registry.StateCompleted)

	second := &captureSink{}
	_, err = f.notifier.Subscribe(context.Background(), "alice", first.lastID(), second)
	require.NoError(t, err)

	events := second.received()
	require.Len(t, events, 1)
	assert.Equal(t, proto.EventKeepAlive, events[0].Type)
}

func TestUnknownCursorFallsBackToBacklog(t *testing.T) {
	f := newFixture(t, 15)
	f.send(t, "alice", "stored")

	tests := map[string]string{
		"garbage":         "not-an-id",
		"other recipient": f.reg.NextEventID("bob"),
		"other process":   "alice_1",
		"empty after sep": "alice_",
	}

	for name, cursor := range tests {
		t.Run(name, func(t *testing.T) {
			sink := &captureSink{}
			_, err := f.notifier.Subscribe(context.Background(), "alice", cursor, sink)
			require.NoError(t, err)
			assert.Equal(t, []string{"stored"}, alarmMessages(sink.received()))
		})
	}
}

func TestLivePushesFollowCatchUp(t *testing.T) {
	f := newFixture(t, 15)
	for i := 0; i < 10; i++ {
		f.send(t, "alice", "old")
	}

	sink := &captureSink{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.notifier.Subscribe(context.Background(), "alice", "", sink)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := f.dispatcher.CreateAndDispatch(context.Background(), &proto.CreateNotificationRequest{
			RecipientID: "alice",
			Message:     "new",
		})
		assert.NoError(t, err)
	}()
	wg.Wait()

	events := sink.received()
	require.NotEmpty(t, events)
	assert.Equal(t, proto.EventKeepAlive, events[0].Type)

	// "new" is either part of the backlog or pushed after it, never inside it
	msgs := alarmMessages(events)
	if msgs[0] != "new" {
		assert.Equal(t, "new", msgs[len(msgs)-1])
		assert.Len(t, msgs, 11)
	}
}

func TestSubscribeFailedCatchUpClosesConnection(t *testing.T) {
	f := newFixture(t, 15)
	f.send(t, "alice", "stored")

	sink := &captureSink{failAfter: 1}
	conn, err := f.notifier.Subscribe(context.Background(), "alice", "", sink)
	require.Error(t, err)
	require.NotNil(t, conn)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection was not closed")
	}
	assert.Equal(t, registry.StateErrored, conn.State())
	assert.Empty(t, f.reg.ActiveConnections("alice"))
}

// slowSink takes delay per write unless the write deadline passes first
type slowSink struct {
	captureSink
	delay time.Duration
}

func (s *slowSink) WriteEvent(ctx context.Context, ev proto.Event) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.captureSink.WriteEvent(ctx, ev)
}

func TestSubscribeCatchUpDeadline(t *testing.T) {
	f := newFixture(t, 15)
	for i := 0; i < 10; i++ {
		f.send(t, "alice", "old")
	}
	f.notifier = New(Config{
		BacklogSize:    15,
		WriteTimeout:   time.Second,
		CatchUpTimeout: 150 * time.Millisecond,
	}, f.reg, f.store)

	sink := &slowSink{delay: 50 * time.Millisecond}
	start := time.Now()
	conn, err := f.notifier.Subscribe(context.Background(), "alice", "", sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, registry.StateErrored, conn.State())
	assert.Less(t, len(sink.received()), 11)

	// The lane is free again
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.dispatcher.CreateAndDispatch(context.Background(), &proto.CreateNotificationRequest{
			RecipientID: "alice",
			Message:     "next",
		})
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked after a timed out catch-up")
	}
}

func TestSubscribeAfterShutdown(t *testing.T) {
	f := newFixture(t, 15)
	require.NoError(t, f.reg.Shutdown(context.Background()))

	_, err := f.notifier.Subscribe(context.Background(), "alice", "", &captureSink{})
	assert.ErrorIs(t, err, registry.ErrRegistryClosed)
}
