package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkkko/alarmd/pkg/proto"
)

// ErrConnClosed is returned when writing to a connection that has ended
var ErrConnClosed = errors.New("connection closed")

// State is the lifecycle state of a subscription connection
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateCompleted
	StateTimedOut
	StateErrored
)

// String returns the label used in logs and metrics
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the state ends the connection
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Sink is the transport side of a connection. WriteEvent must give up once
// ctx is done. Close tears the transport down and unblocks any pending write.
type Sink interface {
	WriteEvent(ctx context.Context, ev proto.Event) error
	Close() error
}

// Conn is one long-lived streaming connection of a recipient. It is owned
// by the Registry; other components borrow it for the duration of a write.
type Conn struct {
	id          string
	recipientID string
	token       uint64
	transport   string
	sink        Sink
	createdAt   time.Time

	lastActivity atomic.Int64 // unix nanos
	state        atomic.Int32

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	hooksMu   sync.Mutex
	hooks     []func(*Conn)
	closeErr  error
}

func newConn(recipientID string, token uint64, transport string, sink Sink, now time.Time) *Conn {
	c := &Conn{
		id:          FormatID(recipientID, token),
		recipientID: recipientID,
		token:       token,
		transport:   transport,
		sink:        sink,
		createdAt:   now,
		done:        make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the connection id, <recipientID>_<token>
func (c *Conn) ID() string { return c.id }

// RecipientID returns the owning recipient
func (c *Conn) RecipientID() string { return c.recipientID }

// Token returns the monotonic token embedded in the id
func (c *Conn) Token() uint64 { return c.token }

// Transport names the sink kind, e.g. "sse" or "websocket"
func (c *Conn) Transport() string { return c.transport }

// CreatedAt returns the registration time
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// State returns the current lifecycle state
func (c *Conn) State() State { return State(c.state.Load()) }

// LastActivity returns the time of the last successful write or client touch
func (c *Conn) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

// Done is closed once the connection reaches a terminal state
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the write error that ended the connection, if any
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Touch records client activity (e.g. a websocket pong)
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Write pushes one event to the connection. Writes are serialized. A failed
// write is terminal: the connection is closed as errored before Write returns.
func (c *Conn) Write(ctx context.Context, ev proto.Event) error {
	return c.write(ctx, ev, true)
}

// write sends ev; touch controls whether success counts as activity
func (c *Conn) write(ctx context.Context, ev proto.Event, touch bool) error {
	if c.closed() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed() {
		return ErrConnClosed
	}

	if err := c.sink.WriteEvent(ctx, ev); err != nil {
		err = fmt.Errorf("write to %s: %w", c.id, err)
		c.closeWith(StateErrored, err)
		return err
	}

	if touch {
		c.Touch()
	}
	return nil
}

// Drain waits for an in-flight write to finish. After Close and Drain no
// further call reaches the sink, so the transport may release it.
func (c *Conn) Drain() {
	c.writeMu.Lock()
	c.writeMu.Unlock()
}

// OnClose registers fn to run once when the connection closes. If the
// connection is already closed fn runs immediately.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.hooksMu.Lock()
	if !c.closed() {
		c.hooks = append(c.hooks, fn)
		c.hooksMu.Unlock()
		return
	}
	c.hooksMu.Unlock()
	fn(c)
}

// Close ends the connection with the given terminal state. Only the first
// call has any effect.
func (c *Conn) Close(state State) {
	c.closeWith(state, nil)
}

func (c *Conn) closeWith(state State, err error) {
	if !state.Terminal() {
		state = StateCompleted
	}

	c.closeOnce.Do(func() {
		c.hooksMu.Lock()
		c.state.Store(int32(state))
		c.closeErr = err
		close(c.done)
		hooks := c.hooks
		c.hooks = nil
		c.hooksMu.Unlock()

		_ = c.sink.Close()
		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i](c)
		}
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
