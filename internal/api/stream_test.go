package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/alarmd/internal/auth"
	"github.com/nkkko/alarmd/internal/dispatcher"
	"github.com/nkkko/alarmd/internal/notifier"
	"github.com/nkkko/alarmd/internal/reconciler"
	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/internal/storage/memory"
	"github.com/nkkko/alarmd/pkg/proto"
)

type liveServer struct {
	addr       string
	reg        *registry.Registry
	dispatcher *dispatcher.Dispatcher
}

// startLiveAPI serves the fiber app on a loopback listener; streams need
// a real socket rather than app.Test
func startLiveAPI(t *testing.T) *liveServer {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())
	store := memory.NewStorage()
	d := dispatcher.New(dispatcher.DefaultConfig(), store, reg)

	a := NewAPI(DefaultConfig(), Services{
		Dispatcher:  d,
		Reconciler:  reconciler.New(store, reg),
		Store:       store,
		Subscriber:  notifier.New(notifier.DefaultConfig(), reg, store),
		Connections: reg,
		Auth:        auth.New(auth.Config{InternalToken: internalToken}),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = a.App().Listener(ln) }()

	t.Cleanup(func() {
		_ = reg.Shutdown(context.Background())
		_ = a.App().ShutdownWithTimeout(time.Second)
	})

	return &liveServer{addr: ln.Addr().String(), reg: reg, dispatcher: d}
}

func (s *liveServer) dispatch(recipient, msg string) (*proto.Notification, error) {
	return s.dispatcher.CreateAndDispatch(context.Background(), &proto.CreateNotificationRequest{
		RecipientID: recipient,
		Message:     msg,
	})
}

// waitDisconnected keeps pushing until the server notices the client is
// gone; a dead socket only fails on write
func (s *liveServer) waitDisconnected(t *testing.T) {
	t.Helper()
	assert.Eventually(t, func() bool {
		_, _ = s.dispatch("alice", "ping")
		return s.reg.ConnectionCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func readSSEFrame(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	fields := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(fields) == 0 {
				continue
			}
			return fields
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		key, value, _ := strings.Cut(line, ": ")
		fields[key] = value
	}
}

func TestFiberSSEStream(t *testing.T) {
	srv := startLiveAPI(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+srv.addr+"/api/v1/alarms/subscribe", nil)
	require.NoError(t, err)
	req.Header.Set(auth.RecipientHeader, "alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	greeting := readSSEFrame(t, reader)
	assert.Equal(t, "keep-alive", greeting["event"])
	assert.NotContains(t, greeting, "id")
	require.Eventually(t, func() bool {
		return srv.reg.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	n, err := srv.dispatch("alice", "disk full")
	require.NoError(t, err)

	frame := readSSEFrame(t, reader)
	assert.Equal(t, "alarm", frame["event"])
	assert.True(t, strings.HasPrefix(frame["id"], "alice_"))

	var ev proto.Event
	require.NoError(t, json.Unmarshal([]byte(frame["data"]), &ev))
	require.NotNil(t, ev.Alarm)
	assert.Equal(t, n.ID, ev.Alarm.ID)
	assert.Equal(t, "disk full", ev.Alarm.Message)

	cancel()
	resp.Body.Close()
	srv.waitDisconnected(t)
}

func TestFiberSSEResumesFromLastEventID(t *testing.T) {
	srv := startLiveAPI(t)

	_, err := srv.dispatch("alice", "seen")
	require.NoError(t, err)
	cursor := srv.reg.NextEventID("alice")
	missed, err := srv.dispatch("alice", "missed")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://"+srv.addr+"/api/v1/alarms/subscribe", nil)
	require.NoError(t, err)
	req.Header.Set(auth.RecipientHeader, "alice")
	req.Header.Set(notifier.LastEventIDHeader, cursor)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "keep-alive", readSSEFrame(t, reader)["event"])

	var ev proto.Event
	require.NoError(t, json.Unmarshal([]byte(readSSEFrame(t, reader)["data"]), &ev))
	require.NotNil(t, ev.Alarm)
	assert.Equal(t, missed.ID, ev.Alarm.ID, "only the alarm after the cursor is replayed")
}

func TestFiberWebSocketStream(t *testing.T) {
	srv := startLiveAPI(t)

	header := http.Header{}
	header.Set(auth.RecipientHeader, "alice")
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.addr+"/api/v1/alarms/stream", header)
	require.NoError(t, err)

	var greeting proto.Event
	require.NoError(t, ws.ReadJSON(&greeting))
	assert.Equal(t, proto.EventKeepAlive, greeting.Type)
	assert.Empty(t, greeting.ID)

	n, err := srv.dispatch("alice", "cpu hot")
	require.NoError(t, err)

	var alarm proto.Event
	require.NoError(t, ws.ReadJSON(&alarm))
	require.NotNil(t, alarm.Alarm)
	assert.Equal(t, n.ID, alarm.Alarm.ID)
	assert.True(t, strings.HasPrefix(alarm.ID, "alice_"))

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return srv.reg.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
