package notifier

import (
	"bufio"
	"context"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/pkg/proto"
)

// streamFrame is one event handed to the fasthttp body stream writer
type streamFrame struct {
	ev   proto.Event
	errc chan error
}

// streamSink feeds a fasthttp body stream writer. fasthttp owns the
// response writer in its own goroutine, so every write is a handoff.
type streamSink struct {
	frames chan streamFrame
	closed chan struct{}
	once   sync.Once
}

func newStreamSink() *streamSink {
	return &streamSink{
		frames: make(chan streamFrame),
		closed: make(chan struct{}),
	}
}

// Transport implements the registry's transport label hook
func (s *streamSink) Transport() string { return "sse" }

// WriteEvent hands ev to the stream writer and waits for its flush
func (s *streamSink) WriteEvent(ctx context.Context, ev proto.Event) error {
	frame := streamFrame{ev: ev, errc: make(chan error, 1)}

	select {
	case s.frames <- frame:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return registry.ErrConnClosed
	}

	select {
	case err := <-frame.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return registry.ErrConnClosed
	}
}

// Close releases the stream writer
func (s *streamSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// serve writes handed-off frames to w until the sink closes
func (s *streamSink) serve(w *bufio.Writer) {
	for {
		select {
		case frame := <-s.frames:
			err := WriteSSEFrame(w, frame.ev)
			if err == nil {
				err = w.Flush()
			}
			frame.errc <- err
		case <-s.closed:
			return
		}
	}
}

// FiberSSE subscribes recipientID over a server-sent event stream on a
// fiber request
func (n *Notifier) FiberSSE(c *fiber.Ctx, recipientID string) error {
	cursor := c.Get(LastEventIDHeader)
	if cursor == "" {
		cursor = c.Query(LastEventIDQuery)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("X-Accel-Buffering", "no")

	sink := newStreamSink()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		// The fiber context is recycled by now; only captured values are used
		go func() {
			if _, err := n.Subscribe(context.Background(), recipientID, cursor, sink); err != nil {
				n.logger.Debug().Err(err).Str("recipient_id", recipientID).Msg("SSE subscription failed")
				_ = sink.Close()
			}
		}()
		sink.serve(w)
	})

	return nil
}

// FiberWebSocketUpgrade only lets websocket upgrade requests through
func FiberWebSocketUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// FiberWebSocket returns a handler that subscribes over a fiber websocket.
// The recipient is read from the request local named recipientLocal.
func (n *Notifier) FiberWebSocket(recipientLocal string) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		recipientID, _ := c.Locals(recipientLocal).(string)
		if recipientID == "" {
			_ = c.Close()
			return
		}
		n.serveWebSocket(context.Background(), c, recipientID, c.Query(LastEventIDQuery))
	})
}
