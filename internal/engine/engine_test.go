package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/alarmd/internal/config"
	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/pkg/proto"
)

type recordingSink struct {
	mu     sync.Mutex
	events []proto.Event
	closed bool
}

func (s *recordingSink) WriteEvent(ctx context.Context, ev proto.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() ([]proto.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proto.Event(nil), s.events...), s.closed
}

func testConfig(apiType string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.APIType = apiType
	cfg.Storage.StorageType = "memory"
	return cfg
}

func TestCreateEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("gin")
	_, err := CreateEngine(cfg)
	assert.Error(t, err)
}

func TestCreateEngineBadgerStorage(t *testing.T) {
	cfg := testConfig("fiber")
	cfg.Storage.StorageType = "badger"
	cfg.Storage.DataDir = t.TempDir()

	e, err := CreateEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngineLifecycle(t *testing.T) {
	for _, apiType := range []string{"chi", "fiber"} {
		t.Run(apiType, func(t *testing.T) {
			e, err := CreateEngine(testConfig(apiType))
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- e.Start(ctx) }()

			sink := &recordingSink{}
			conn, err := e.Notifier().Subscribe(context.Background(), "alice", "", sink)
			require.NoError(t, err)

			n, err := e.Dispatcher().CreateAndDispatch(context.Background(), &proto.CreateNotificationRequest{
				RecipientID: "alice",
				Message:     "disk full",
			})
			require.NoError(t, err)

			events, _ := sink.snapshot()
			require.Len(t, events, 2)
			assert.Equal(t, proto.EventKeepAlive, events[0].Type)
			assert.Equal(t, n.ID, events[1].Alarm.ID)

			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("engine did not stop")
			}

			require.NoError(t, e.Shutdown(context.Background()))

			_, closed := sink.snapshot()
			assert.True(t, closed, "shutdown closes open streams")
			assert.Equal(t, registry.StateCompleted, conn.State())

			_, err = e.Registry().Register("alice", &recordingSink{})
			assert.ErrorIs(t, err, registry.ErrRegistryClosed)
		})
	}
}
