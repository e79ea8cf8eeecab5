package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nkkko/alarmd/pkg/proto"
)

// Subscription is a live alarm stream. Events is closed when the stream
// ends; Err then reports why, or nil when the server closed it cleanly.
type Subscription struct {
	events chan proto.Event
	done   chan struct{}
	cancel context.CancelFunc
	closer func() error

	mu          sync.Mutex
	lastEventID string
	err         error
	closing     bool
}

func newSubscription(cancel context.CancelFunc, buffer int, closer func() error) *Subscription {
	return &Subscription{
		events: make(chan proto.Event, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
		closer: closer,
	}
}

// Events returns the channel events are delivered on
func (s *Subscription) Events() <-chan proto.Event { return s.events }

// Done is closed once the stream has ended
func (s *Subscription) Done() <-chan struct{} { return s.done }

// LastEventID returns the id of the newest event that carried one. Pass it
// to Subscribe or SubscribeSSE to resume after a disconnect.
func (s *Subscription) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Err returns the error that ended the stream, or nil after Close
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream and waits for the reader to stop
func (s *Subscription) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	err := s.closer()
	<-s.done
	return err
}

// run reads events until read fails or ctx is cancelled
func (s *Subscription) run(ctx context.Context, read func() (proto.Event, error)) {
	defer close(s.done)
	defer close(s.events)

	for {
		ev, err := read()
		if err != nil {
			s.mu.Lock()
			if !s.closing && ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.err = err
			}
			s.mu.Unlock()
			return
		}

		if ev.ID != "" {
			s.mu.Lock()
			s.lastEventID = ev.ID
			s.mu.Unlock()
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe opens a WebSocket alarm stream. A non-empty lastEventID asks
// the server to replay what was missed since that event.
func (c *Client) Subscribe(ctx context.Context, lastEventID string) (*Subscription, error) {
	query := url.Values{}
	if lastEventID != "" {
		query.Set(lastEventIDQuery, lastEventID)
	}
	u, err := c.url("/api/v1/alarms/stream", query)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := c.websocketDialer.DialContext(ctx, u.String(), c.headers.Clone())
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var closeOnce sync.Once
	closeConn := func() error {
		var err error
		closeOnce.Do(func() {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if werr := conn.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
				err = werr
			}
			conn.Close()
		})
		return err
	}

	sub := newSubscription(cancel, c.eventBuffer, closeConn)

	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-sub.done:
		}
	}()

	go sub.run(ctx, func() (proto.Event, error) {
		var ev proto.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ev, io.EOF
			}
			return ev, err
		}
		return ev, nil
	})

	return sub, nil
}

// SubscribeSSE opens a Server-Sent Events alarm stream. A non-empty
// lastEventID is sent as Last-Event-ID.
func (c *Client) SubscribeSSE(ctx context.Context, lastEventID string) (*Subscription, error) {
	u, err := c.url("/api/v1/alarms/subscribe", nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}

	// The stream outlives any request timeout
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		cancel()
		return nil, decodeError(resp)
	}

	sub := newSubscription(cancel, c.eventBuffer, resp.Body.Close)
	reader := newFrameReader(resp.Body)
	go sub.run(ctx, reader.next)

	return sub, nil
}

// frameReader parses an event stream into events
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	return &frameReader{scanner: scanner}
}

// next returns the next event in the stream
func (f *frameReader) next() (proto.Event, error) {
	var id string
	var data []string

	for f.scanner.Scan() {
		line := f.scanner.Text()

		if line == "" {
			if len(data) == 0 {
				id = ""
				continue
			}
			var ev proto.Event
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &ev); err != nil {
				return ev, fmt.Errorf("invalid event data: %w", err)
			}
			if ev.ID == "" {
				ev.ID = id
			}
			return ev, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			id = value
		case "data":
			data = append(data, value)
		}
	}

	if err := f.scanner.Err(); err != nil {
		return proto.Event{}, err
	}
	return proto.Event{}, io.EOF
}
