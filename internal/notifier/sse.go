package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/pkg/proto"
)

// LastEventIDHeader carries the reconnect cursor of an SSE client
const LastEventIDHeader = "Last-Event-ID"

// LastEventIDQuery is the query parameter fallback for clients that cannot
// set headers (e.g. browsers' EventSource on first connect, websockets)
const LastEventIDQuery = "lastEventId"

// CursorFromRequest returns the reconnect cursor of r, if any
func CursorFromRequest(r *http.Request) string {
	if cursor := r.Header.Get(LastEventIDHeader); cursor != "" {
		return cursor
	}
	return r.URL.Query().Get(LastEventIDQuery)
}

// WriteSSEFrame encodes ev as one server-sent event frame. The id field is
// omitted for events that must not move the client's cursor.
func WriteSSEFrame(w io.Writer, ev proto.Event) error {
	if strings.ContainsAny(ev.ID, "\r\n") {
		return fmt.Errorf("event id %q contains a line break", ev.ID)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var buf bytes.Buffer
	if ev.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(&buf, "event: %s\n", ev.Type)
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")

	_, err = w.Write(buf.Bytes())
	return err
}

// SetSSEHeaders writes the response headers of an event stream
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// SSESink streams events over a net/http response
type SSESink struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed chan struct{}
	once   sync.Once
}

// NewSSESink prepares w for streaming and sends the response headers
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	rc := http.NewResponseController(w)
	SetSSEHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("streaming unsupported: %w", err)
	}

	return &SSESink{
		w:      w,
		rc:     rc,
		closed: make(chan struct{}),
	}, nil
}

// Transport implements the registry's transport label hook
func (s *SSESink) Transport() string { return "sse" }

// WriteEvent writes and flushes one frame, bounded by ctx's deadline
func (s *SSESink) WriteEvent(ctx context.Context, ev proto.Event) error {
	select {
	case <-s.closed:
		return registry.ErrConnClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.rc.SetWriteDeadline(deadline); err == nil {
			defer s.rc.SetWriteDeadline(time.Time{})
		} else if !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}

	if err := WriteSSEFrame(s.w, ev); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close ends the stream; the serving handler returns once it sees Done
func (s *SSESink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Done is closed by Close
func (s *SSESink) Done() <-chan struct{} { return s.closed }

// ServeSSE subscribes recipientID over a server-sent event stream and
// blocks until the connection ends or the client goes away
func (n *Notifier) ServeSSE(w http.ResponseWriter, r *http.Request, recipientID string) {
	sink, err := NewSSESink(w)
	if err != nil {
		n.logger.Error().Err(err).Str("recipient_id", recipientID).Msg("Cannot stream events")
		return
	}

	conn, err := n.Subscribe(r.Context(), recipientID, CursorFromRequest(r), sink)
	if err != nil {
		n.logger.Debug().Err(err).Str("recipient_id", recipientID).Msg("SSE subscription failed")
		if conn != nil {
			conn.Drain()
		}
		return
	}

	select {
	case <-conn.Done():
	case <-r.Context().Done():
		conn.Close(registry.StateCompleted)
	}

	// The response writer is invalid once this handler returns
	conn.Drain()
}
