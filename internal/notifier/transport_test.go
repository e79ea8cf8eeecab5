package notifier

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/pkg/proto"
)

func TestWriteSSEFrame(t *testing.T) {
	var buf bytes.Buffer
	ev := proto.NewAlarmEvent("alice_42", &proto.Notification{ID: 7, Message: "paid", URL: "/orders/7"})
	require.NoError(t, WriteSSEFrame(&buf, ev))

	frame := buf.String()
	assert.True(t, strings.HasPrefix(frame, "id: alice_42\nevent: alarm\ndata: {"))
	assert.True(t, strings.HasSuffix(frame, "}\n\n"))

	buf.Reset()
	require.NoError(t, WriteSSEFrame(&buf, proto.Event{Type: proto.EventKeepAlive}))
	assert.True(t, strings.HasPrefix(buf.String(), "event: keep-alive\n"), "heartbeats carry no id")

	buf.Reset()
	assert.Error(t, WriteSSEFrame(&buf, proto.Event{ID: "a\nevent: forged", Type: proto.EventAlarm}))
	assert.Zero(t, buf.Len())
}

func TestCursorFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/subscribe?lastEventId=alice_2", nil)
	assert.Equal(t, "alice_2", CursorFromRequest(r))

	r.Header.Set(LastEventIDHeader, "alice_3")
	assert.Equal(t, "alice_3", CursorFromRequest(r), "the header wins")

	assert.Empty(t, CursorFromRequest(httptest.NewRequest(http.MethodGet, "/subscribe", nil)))
}

// readFrame reads one SSE frame into its fields
func readFrame(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	fields := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return fields
		}
		key, value, _ := strings.Cut(line, ": ")
		fields[key] = value
	}
}

func TestServeSSE(t *testing.T) {
	f := newFixture(t, 15)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.notifier.ServeSSE(w, r, "alice")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	greeting := readFrame(t, reader)
	assert.Equal(t, "keep-alive", greeting["event"])
	assert.NotContains(t, greeting, "id")

	f.send(t, "alice", "hello")
	frame := readFrame(t, reader)
	assert.Equal(t, "alarm", frame["event"])

	var ev proto.Event
	require.NoError(t, json.Unmarshal([]byte(frame["data"]), &ev))
	require.NotNil(t, ev.Alarm)
	assert.Equal(t, "hello", ev.Alarm.Message)
	assert.Equal(t, frame["id"], ev.ID)
	assert.True(t, strings.HasPrefix(ev.ID, "alice_"))

	cancel()
	require.Eventually(t, func() bool {
		return len(f.reg.ActiveConnections("alice")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeWebSocket(t *testing.T) {
	f := newFixture(t, 15)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.notifier.ServeWebSocket(w, r, "alice")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var greeting proto.Event
	require.NoError(t, ws.ReadJSON(&greeting))
	assert.Equal(t, proto.EventKeepAlive, greeting.Type)

	f.send(t, "alice", "first")
	var alarm proto.Event
	require.NoError(t, ws.ReadJSON(&alarm))
	assert.Equal(t, "first", alarm.Alarm.Message)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return len(f.reg.ActiveConnections("alice")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Missed while disconnected, replayed through the query cursor
	f.send(t, "alice", "second")

	ws, _, err = websocket.DefaultDialer.Dial(wsURL+"?"+LastEventIDQuery+"="+alarm.ID, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.ReadJSON(&greeting))
	assert.Equal(t, proto.EventKeepAlive, greeting.Type)

	var replayed proto.Event
	require.NoError(t, ws.ReadJSON(&replayed))
	assert.Equal(t, "second", replayed.Alarm.Message)
}

func TestStreamSinkHandsOffFrames(t *testing.T) {
	sink := newStreamSink()
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		sink.serve(bufio.NewWriter(&buf))
		close(done)
	}()

	ctx := context.Background()
	require.NoError(t, sink.WriteEvent(ctx, proto.NewKeepAliveEvent("alice_1", "alice")))
	require.NoError(t, sink.Close())
	<-done

	assert.True(t, strings.HasPrefix(buf.String(), "id: alice_1\nevent: keep-alive\n"))
	assert.ErrorIs(t, sink.WriteEvent(ctx, proto.Event{Type: proto.EventKeepAlive}), registry.ErrConnClosed)
}

func TestStreamSinkHonorsDeadline(t *testing.T) {
	sink := newStreamSink()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// No stream writer is serving, so the handoff can never complete
	err := sink.WriteEvent(ctx, proto.Event{Type: proto.EventKeepAlive})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
