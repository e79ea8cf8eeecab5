package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/alarmd/pkg/proto"
)

// fakeSink records events and can be told to fail
type fakeSink struct {
	mu     sync.Mutex
	events []proto.Event
	fail   error
	closes atomic.Int32
}

func (s *fakeSink) WriteEvent(ctx context.Context, ev proto.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeSink) Transport() string { return "fake" }

func (s *fakeSink) received() []proto.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proto.Event(nil), s.events...)
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, mutate func(*Config)) (*Registry, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Shards = 4
	if mutate != nil {
		mutate(&cfg)
	}
	r := New(cfg)
	clock := &fakeClock{now: time.Now()}
	r.now = clock.Now
	return r, clock
}

func alarm(id uint64) *proto.Notification {
	return &proto.Notification{ID: id, RecipientID: "alice", Message: fmt.Sprintf("m%d", id), CreatedAt: time.Now()}
}

func TestParseID(t *testing.T) {
	recipient, token, ok := ParseID("user_with_underscores_42")
	require.True(t, ok)
	assert.Equal(t, "user_with_underscores", recipient)
	assert.Equal(t, uint64(42), token)

	for _, bad := range []string{"", "nounderscore", "_42", "alice_", "alice_x1", "alice_-1"} {
		_, _, ok := ParseID(bad)
		assert.False(t, ok, bad)
	}

	assert.Equal(t, "bob_7", FormatID("bob", 7))
}

func TestRegisterAssignsDistinctConnections(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	c1, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)
	c2, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)
	_, err = r.Register("bob", &fakeSink{})
	require.NoError(t, err)

	assert.NotEqual(t, c1.ID(), c2.ID())
	assert.True(t, strings.HasPrefix(c1.ID(), "alice_"))
	assert.Equal(t, StateOpen, c1.State())
	assert.Equal(t, "fake", c1.Transport())
	assert.Greater(t, c2.Token(), c1.Token())

	active := r.ActiveConnections("alice")
	require.Len(t, active, 2)
	assert.Equal(t, c1.ID(), active[0].ID(), "snapshot is in registration order")
	assert.Equal(t, c2.ID(), active[1].ID())

	assert.Empty(t, r.ActiveConnections("carol"))
	assert.NotNil(t, r.ActiveConnections("carol"), "no connections is an empty slice, not nil")
	assert.Equal(t, 3, r.ConnectionCount())
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	sink := &fakeSink{}

	conn, err := r.Register("alice", sink)
	require.NoError(t, err)

	var hooks atomic.Int32
	conn.OnClose(func(*Conn) { hooks.Add(1) })

	// Every termination path at once
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); r.Deregister(conn.ID()) }()
		go func() { defer wg.Done(); conn.Close(StateTimedOut) }()
		go func() { defer wg.Done(); conn.Close(StateErrored) }()
	}
	wg.Wait()

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done should be closed")
	}
	assert.Equal(t, int32(1), hooks.Load(), "close hooks run exactly once")
	assert.Equal(t, int32(1), sink.closes.Load(), "sink is closed exactly once")
	assert.True(t, conn.State().Terminal())
	assert.Empty(t, r.ActiveConnections("alice"))

	// Unknown and malformed ids are ignored
	r.Deregister(conn.ID())
	r.Deregister("garbage")

	// A hook added after close runs immediately
	late := false
	conn.OnClose(func(*Conn) { late = true })
	assert.True(t, late)
}

func TestWriteFailureErrorsConnection(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	boom := errors.New("broken pipe")
	sink := &fakeSink{fail: boom}

	conn, err := r.Register("alice", sink)
	require.NoError(t, err)

	err = conn.Write(context.Background(), proto.NewKeepAliveEvent(conn.ID(), "alice"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateErrored, conn.State())
	assert.ErrorIs(t, conn.Err(), boom)
	assert.Empty(t, r.ActiveConnections("alice"))

	// Writes after close fail fast
	assert.ErrorIs(t, conn.Write(context.Background(), proto.Event{}), ErrConnClosed)
}

func TestWriteTouchesActivity(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	conn, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	conn.lastActivity.Store(old.UnixNano())

	require.NoError(t, conn.Write(context.Background(), proto.Event{Type: proto.EventAlarm}))
	assert.True(t, conn.LastActivity().After(old))
}

// recordSeries pushes n alarm events for alice and returns their ids
func recordSeries(r *Registry, connID string, n int) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = r.NextEventID("alice")
		r.RecordReplayEvent(connID, ids[i], proto.NewAlarmEvent(ids[i], alarm(uint64(i+1))))
	}
	return ids
}

func TestReplayEventsSince(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	conn, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)

	ids := recordSeries(r, conn.ID(), 5)

	// Cursor e3 yields exactly e4, e5
	events, err := r.ReplayEventsSince("alice", ids[2])
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ids[3], events[0].ID)
	assert.Equal(t, ids[4], events[1].ID)
	assert.Equal(t, uint64(4), events[0].Alarm.ID)

	// Up to date
	events, err = r.ReplayEventsSince("alice", ids[4])
	require.NoError(t, err)
	assert.Empty(t, events)

	// The connection id works as a cursor too: everything after it
	events, err = r.ReplayEventsSince("alice", conn.ID())
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestReplayUnknownCursor(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	conn, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)
	ids := recordSeries(r, conn.ID(), 2)

	_, bobToken, _ := ParseID(ids[0])
	cursors := map[string]string{
		"malformed":        "not-a-cursor",
		"other recipient":  FormatID("bob", bobToken),
		"previous process": FormatID("alice", 12345),
		"never issued":     FormatID("alice", r.tokens.last.Load()+100),
		"trailing garbage": ids[0] + "x",
	}
	for name, cursor := range cursors {
		_, err := r.ReplayEventsSince("alice", cursor)
		assert.ErrorIs(t, err, ErrUnknownCursor, name)
	}
}

func TestReplayReturnsCopies(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	conn, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)
	recordSeries(r, conn.ID(), 1)

	events, err := r.ReplayEventsSince("alice", conn.ID())
	require.NoError(t, err)
	events[0].Alarm.Read = true

	again, err := r.ReplayEventsSince("alice", conn.ID())
	require.NoError(t, err)
	assert.False(t, again[0].Alarm.Read)
}

func TestRecordReplayEventIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	c1, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)
	c2, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)

	id := r.NextEventID("alice")
	ev := proto.NewAlarmEvent(id, alarm(1))
	r.RecordReplayEvent(c1.ID(), id, ev)
	r.RecordReplayEvent(c2.ID(), id, ev)

	events, err := r.ReplayEventsSince("alice", c1.ID())
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// Foreign event ids are not recorded
	r.RecordEvent("alice", r.NextEventID("bob"), ev)
	events, err = r.ReplayEventsSince("alice", c1.ID())
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReplaySizeEvictionIsUnknownCursor(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *Config) { c.ReplayCacheSize = 3 })
	conn, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)

	ids := recordSeries(r, conn.ID(), 5) // e1, e2 evicted

	_, err = r.ReplayEventsSince("alice", ids[0])
	assert.ErrorIs(t, err, ErrUnknownCursor, "e2 is gone so the range after e1 has a gap")

	events, err := r.ReplayEventsSince("alice", ids[1])
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ids[2], events[0].ID)
}

func TestReplayTTLExpiry(t *testing.T) {
	r, clock := newTestRegistry(t, func(c *Config) { c.ReplayTTL = time.Minute })
	conn, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)

	old := recordSeries(r, conn.ID(), 2)
	clock.Advance(2 * time.Minute)
	fresh := r.NextEventID("alice")
	r.RecordReplayEvent(conn.ID(), fresh, proto.NewAlarmEvent(fresh, alarm(3)))

	_, err = r.ReplayEventsSince("alice", old[0])
	assert.ErrorIs(t, err, ErrUnknownCursor)

	events, err := r.ReplayEventsSince("alice", old[1])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fresh, events[0].ID)
}

func TestReconcileRead(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	conn, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)
	recordSeries(r, conn.ID(), 3)

	assert.Equal(t, 2, r.ReconcileRead("alice", 1, 3, 99))
	assert.Equal(t, 0, r.ReconcileRead("alice", 1), "already read")
	assert.Equal(t, 0, r.ReconcileRead("nobody", 1))

	events, err := r.ReplayEventsSince("alice", conn.ID())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].Alarm.Read)
	assert.False(t, events[1].Alarm.Read)
	assert.True(t, events[2].Alarm.Read)
}

func TestSweepClosesIdleConnections(t *testing.T) {
	r, clock := newTestRegistry(t, func(c *Config) { c.IdleTimeout = time.Minute })

	idle, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)
	busy, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)

	idle.lastActivity.Store(clock.Now().Add(-2 * time.Minute).UnixNano())
	busy.lastActivity.Store(clock.Now().UnixNano())

	r.sweep(clock.Now())

	assert.Equal(t, StateTimedOut, idle.State())
	assert.Equal(t, StateOpen, busy.State())
	active := r.ActiveConnections("alice")
	require.Len(t, active, 1)
	assert.Equal(t, busy.ID(), active[0].ID())
}

func TestSweepDropsEmptyRecipientsButKeepsHorizon(t *testing.T) {
	r, clock := newTestRegistry(t, func(c *Config) { c.ReplayTTL = time.Minute })
	conn, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)
	ids := recordSeries(r, conn.ID(), 2)
	r.Deregister(conn.ID())

	clock.Advance(2 * time.Minute)
	r.sweep(clock.Now())
	assert.Nil(t, r.lookup("alice"), "entry with no connections and no replay entries is dropped")

	// The dropped history cannot be vouched for
	_, err = r.ReplayEventsSince("alice", ids[0])
	assert.ErrorIs(t, err, ErrUnknownCursor)

	// A cursor at the newest dropped event missed nothing
	events, err := r.ReplayEventsSince("alice", ids[1])
	require.NoError(t, err)
	assert.Empty(t, events)

	// A recreated entry inherits the horizon
	later := r.NextEventID("alice")
	r.RecordEvent("alice", later, proto.NewAlarmEvent(later, alarm(3)))
	_, err = r.ReplayEventsSince("alice", ids[0])
	assert.ErrorIs(t, err, ErrUnknownCursor)
	events, err = r.ReplayEventsSince("alice", ids[1])
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHeartbeat(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	healthy := &fakeSink{}
	broken := &fakeSink{fail: errors.New("reset")}

	good, err := r.Register("alice", healthy)
	require.NoError(t, err)
	bad, err := r.Register("bob", broken)
	require.NoError(t, err)

	before := time.Now().Add(-time.Hour)
	good.lastActivity.Store(before.UnixNano())

	r.heartbeat(context.Background())

	events := healthy.received()
	require.Len(t, events, 1)
	assert.Equal(t, proto.EventKeepAlive, events[0].Type)
	assert.Empty(t, events[0].ID, "heartbeats must not move the client cursor")
	assert.Equal(t, before.UnixNano(), good.LastActivity().UnixNano(), "heartbeats are not activity")

	assert.Equal(t, StateErrored, bad.State())
	assert.Empty(t, r.ActiveConnections("bob"))
}

func TestShutdownClosesEverything(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	c1, err := r.Register("alice", &fakeSink{})
	require.NoError(t, err)
	c2, err := r.Register("bob", &fakeSink{})
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, StateCompleted, c1.State())
	assert.Equal(t, StateCompleted, c2.State())
	assert.Zero(t, r.ConnectionCount())

	_, err = r.Register("alice", &fakeSink{})
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.NoError(t, r.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestStartStopsOnCancel(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *Config) {
		c.SweepInterval = time.Millisecond
		c.HeartbeatInterval = time.Millisecond
	})
	sink := &fakeSink{}
	_, err := r.Register("alice", sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	assert.Eventually(t, func() bool { return len(sink.received()) > 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestConcurrentRegisterAndDeregister(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recipient := fmt.Sprintf("user-%d", i%5)
			conn, err := r.Register(recipient, &fakeSink{})
			if !assert.NoError(t, err) {
				return
			}
			id := r.NextEventID(recipient)
			r.RecordReplayEvent(conn.ID(), id, proto.Event{ID: id, Type: proto.EventAlarm})
			_ = r.ActiveConnections(recipient)
			r.Deregister(conn.ID())
		}(i)
	}
	wg.Wait()

	assert.Zero(t, r.ConnectionCount())
}
