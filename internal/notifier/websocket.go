package notifier

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/pkg/proto"
)

const (
	// Fallback write deadline when the caller sets none
	wsWriteWait = 10 * time.Second

	// Clients only send pings and pongs
	wsMaxMessageSize = 512
)

// wsConn is the subset of a websocket connection the sink uses. It is
// satisfied by gorilla/websocket and by gofiber/websocket connections.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// WebSocketSink streams events as JSON text frames
type WebSocketSink struct {
	conn      wsConn
	transport string
	once      sync.Once
}

// NewWebSocketSink wraps an established websocket connection
func NewWebSocketSink(conn wsConn) *WebSocketSink {
	return &WebSocketSink{conn: conn, transport: "websocket"}
}

// Transport implements the registry's transport label hook
func (s *WebSocketSink) Transport() string { return s.transport }

// WriteEvent writes ev as one JSON frame, bounded by ctx's deadline
func (s *WebSocketSink) WriteEvent(ctx context.Context, ev proto.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsWriteWait)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(ev)
}

// Close sends a close frame and closes the socket, which also ends the
// connection's read loop
func (s *WebSocketSink) Close() error {
	var err error
	s.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// readLoop consumes client frames until the socket fails. Every frame and
// pong counts as activity. The connection is closed when the loop ends.
func readLoop(ws wsConn, conn *registry.Conn) {
	defer conn.Close(registry.StateCompleted)

	ws.SetReadLimit(wsMaxMessageSize)
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		conn.Touch()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades r and subscribes recipientID over the socket.
// It blocks until the connection ends.
func (n *Notifier) ServeWebSocket(w http.ResponseWriter, r *http.Request, recipientID string) {
	cursor := CursorFromRequest(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Debug().Err(err).Str("recipient_id", recipientID).Msg("WebSocket upgrade failed")
		return
	}

	n.serveWebSocket(context.Background(), ws, recipientID, cursor)
}

// serveWebSocket runs one subscription over an upgraded socket
func (n *Notifier) serveWebSocket(ctx context.Context, ws wsConn, recipientID, cursor string) {
	sink := NewWebSocketSink(ws)
	conn, err := n.Subscribe(ctx, recipientID, cursor, sink)
	if err != nil {
		n.logger.Debug().Err(err).Str("recipient_id", recipientID).Msg("WebSocket subscription failed")
		_ = sink.Close()
		return
	}

	go readLoop(ws, conn)

	<-conn.Done()
	conn.Drain()
}
