package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/alarmd/internal/metrics"
	"github.com/nkkko/alarmd/pkg/proto"
)

var (
	// ErrUnknownCursor means the replay cache cannot vouch for every event
	// after the cursor. Callers fall back to the stored backlog.
	ErrUnknownCursor = errors.New("unknown replay cursor")

	// ErrRegistryClosed is returned by Register after Shutdown
	ErrRegistryClosed = errors.New("registry closed")
)

// Config contains registry configuration
type Config struct {
	// Number of lock shards recipients are spread over
	Shards int

	// Connections without activity for this long are closed as timed out
	IdleTimeout time.Duration

	// Interval between keep-alive events on every connection
	HeartbeatInterval time.Duration

	// Per-write deadline for heartbeats
	WriteTimeout time.Duration

	// How often idle connections and expired replay entries are swept
	SweepInterval time.Duration

	// Per-recipient replay cache bounds
	ReplayCacheSize int
	ReplayTTL       time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Shards:            64,
		IdleTimeout:       60 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      5 * time.Second,
		SweepInterval:     time.Minute,
		ReplayCacheSize:   256,
		ReplayTTL:         10 * time.Minute,
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Shards <= 0 {
		c.Shards = def.Shards
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.ReplayCacheSize <= 0 {
		c.ReplayCacheSize = def.ReplayCacheSize
	}
	if c.ReplayTTL <= 0 {
		c.ReplayTTL = def.ReplayTTL
	}
	return c
}

// recipientEntry holds everything the registry knows about one recipient
type recipientEntry struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	replay *replayLog
}

// shard guards a slice of the recipient space. purged is the highest
// replay horizon of any recipient entry dropped from this shard.
type shard struct {
	mu         sync.RWMutex
	recipients map[string]*recipientEntry
	purged     uint64
}

// Registry tracks open connections per recipient and the replay cache
type Registry struct {
	config  Config
	shards  []*shard
	tokens  *tokenSource
	lanes   *lanes
	closed  atomic.Bool
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a registry
func New(config Config) *Registry {
	config = config.withDefaults()

	r := &Registry{
		config:  config,
		shards:  make([]*shard, config.Shards),
		tokens:  newTokenSource(time.Now()),
		lanes:   newLanes(),
		logger:  log.With().Str("component", "registry").Logger(),
		metrics: metrics.GetMetrics(),
		now:     time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{recipients: make(map[string]*recipientEntry)}
	}
	return r
}

// Config returns the effective configuration
func (r *Registry) Config() Config {
	return r.config
}

func (r *Registry) shardFor(recipientID string) *shard {
	return r.shards[xxhash.Sum64String(recipientID)%uint64(len(r.shards))]
}

// lookup returns the recipient entry or nil
func (r *Registry) lookup(recipientID string) *recipientEntry {
	s := r.shardFor(recipientID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recipients[recipientID]
}

// withEntry runs fn on the recipient entry, creating it if needed. fn runs
// under the entry lock while the shard lock is held for reading or writing,
// so the janitor cannot drop the entry underneath it.
func (r *Registry) withEntry(recipientID string, fn func(e *recipientEntry)) {
	s := r.shardFor(recipientID)

	s.mu.RLock()
	if e, ok := s.recipients[recipientID]; ok {
		e.mu.Lock()
		fn(e)
		e.mu.Unlock()
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.recipients[recipientID]
	if !ok {
		e = &recipientEntry{
			conns:  make(map[string]*Conn),
			replay: newReplayLog(r.config.ReplayCacheSize, r.config.ReplayTTL, s.purged),
		}
		s.recipients[recipientID] = e
	}
	e.mu.Lock()
	fn(e)
	e.mu.Unlock()
}

// Register records a new open connection for recipientID writing to sink.
// The connection deregisters itself when it closes.
func (r *Registry) Register(recipientID string, sink Sink) (*Conn, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}

	transport := "unknown"
	if t, ok := sink.(interface{ Transport() string }); ok {
		transport = t.Transport()
	}

	conn := newConn(recipientID, r.tokens.next(), transport, sink, r.now())
	r.withEntry(recipientID, func(e *recipientEntry) {
		e.conns[conn.id] = conn
	})
	r.metrics.ConnectionsActive.Inc()
	r.metrics.ConnectionsOpened.WithLabelValues(transport).Inc()

	conn.OnClose(r.release)
	conn.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))

	// Shutdown may have run between the check above and the insert
	if r.closed.Load() {
		conn.Close(StateCompleted)
		return nil, ErrRegistryClosed
	}

	r.logger.Debug().
		Str("connection_id", conn.id).
		Str("transport", transport).
		Msg("Connection registered")

	return conn, nil
}

// release removes a closed connection; installed as the OnClose hook
func (r *Registry) release(conn *Conn) {
	removed := false
	if e := r.lookup(conn.recipientID); e != nil {
		e.mu.Lock()
		if _, ok := e.conns[conn.id]; ok {
			delete(e.conns, conn.id)
			removed = true
		}
		e.mu.Unlock()
	}
	if !removed {
		return
	}

	r.metrics.ConnectionsActive.Dec()
	r.metrics.ConnectionsClosed.WithLabelValues(conn.State().String()).Inc()

	event := r.logger.Debug()
	if err := conn.Err(); err != nil {
		event = r.logger.Info().Err(err)
	}
	event.
		Str("connection_id", conn.id).
		Str("state", conn.State().String()).
		Dur("lifetime", r.now().Sub(conn.createdAt)).
		Msg("Connection deregistered")
}

// Lookup returns an open connection by id
func (r *Registry) Lookup(connID string) (*Conn, bool) {
	recipientID, _, ok := ParseID(connID)
	if !ok {
		return nil, false
	}
	e := r.lookup(recipientID)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	conn, ok := e.conns[connID]
	return conn, ok
}

// Deregister closes and releases a connection. Unknown ids and repeated
// calls are ignored.
func (r *Registry) Deregister(connID string) {
	if conn, ok := r.Lookup(connID); ok {
		conn.Close(StateCompleted)
	}
}

// ActiveConnections returns a snapshot of the recipient's open connections
// in registration order
func (r *Registry) ActiveConnections(recipientID string) []*Conn {
	e := r.lookup(recipientID)
	if e == nil {
		return []*Conn{}
	}

	e.mu.Lock()
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].token < conns[j].token })
	return conns
}

// ConnectionCount returns the number of open connections across recipients
func (r *Registry) ConnectionCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.recipients {
			e.mu.Lock()
			n += len(e.conns)
			e.mu.Unlock()
		}
		s.mu.RUnlock()
	}
	return n
}

// LockRecipient serializes dispatches and subscriptions of one recipient.
// Holding the lane across persist and fanout keeps per-connection delivery
// in creation order; holding it across subscribe keeps replay and backlog
// ahead of live pushes. Different recipients never share a lane.
func (r *Registry) LockRecipient(recipientID string) (unlock func()) {
	return r.lanes.lock(recipientID)
}

// NextEventID allocates a new event id for recipientID
func (r *Registry) NextEventID(recipientID string) string {
	return FormatID(recipientID, r.tokens.next())
}

// RecordReplayEvent caches an event that was pushed on connID so a later
// reconnect of the same recipient can recover it. Recording the same event
// id again is a no-op.
func (r *Registry) RecordReplayEvent(connID, eventID string, ev proto.Event) {
	recipientID, _, ok := ParseID(connID)
	if !ok {
		r.logger.Warn().Str("connection_id", connID).Msg("Ignoring replay record for malformed connection id")
		return
	}
	r.RecordEvent(recipientID, eventID, ev)
}

// RecordEvent caches an event for recipientID regardless of whether any
// connection received it
func (r *Registry) RecordEvent(recipientID, eventID string, ev proto.Event) {
	owner, token, ok := ParseID(eventID)
	if !ok || owner != recipientID {
		r.logger.Warn().Str("event_id", eventID).Msg("Ignoring replay record for foreign event id")
		return
	}

	now := r.now()
	r.withEntry(recipientID, func(e *recipientEntry) {
		e.replay.record(eventID, token, ev, now)
	})
}

// ReplayEventsSince returns the cached events of recipientID recorded after
// cursor, oldest first. An empty result means nothing new. ErrUnknownCursor
// means the cache cannot answer: the cursor is malformed, belongs to another
// recipient, was not issued by this process, or entries after it are gone.
func (r *Registry) ReplayEventsSince(recipientID, cursor string) ([]proto.Event, error) {
	owner, token, ok := ParseID(cursor)
	if !ok || owner != recipientID || !r.tokens.issued(token) {
		r.metrics.ReplayLookups.WithLabelValues("unknown_cursor").Inc()
		return nil, ErrUnknownCursor
	}

	s := r.shardFor(recipientID)
	s.mu.RLock()
	e, found := s.recipients[recipientID]
	purged := s.purged
	s.mu.RUnlock()

	if !found {
		if token < purged {
			r.metrics.ReplayLookups.WithLabelValues("unknown_cursor").Inc()
			return nil, ErrUnknownCursor
		}
		r.metrics.ReplayLookups.WithLabelValues("empty").Inc()
		return []proto.Event{}, nil
	}

	events, ok := e.replay.since(token, r.now())
	if !ok {
		r.metrics.ReplayLookups.WithLabelValues("unknown_cursor").Inc()
		return nil, ErrUnknownCursor
	}

	if len(events) == 0 {
		r.metrics.ReplayLookups.WithLabelValues("empty").Inc()
	} else {
		r.metrics.ReplayLookups.WithLabelValues("hit").Inc()
	}
	return events, nil
}

// ReconcileRead marks the cached copies of the given alarms read so later
// replays agree with the store
func (r *Registry) ReconcileRead(recipientID string, alarmIDs ...uint64) int {
	if len(alarmIDs) == 0 {
		return 0
	}
	e := r.lookup(recipientID)
	if e == nil {
		return 0
	}

	ids := make(map[uint64]struct{}, len(alarmIDs))
	for _, id := range alarmIDs {
		ids[id] = struct{}{}
	}
	return e.replay.markRead(func(id uint64) bool {
		_, ok := ids[id]
		return ok
	})
}

// Start runs the idle sweeper and the heartbeat loop until ctx is cancelled
func (r *Registry) Start(ctx context.Context) error {
	r.logger.Info().
		Int("shards", len(r.shards)).
		Dur("idle_timeout", r.config.IdleTimeout).
		Dur("heartbeat_interval", r.config.HeartbeatInterval).
		Int("replay_cache_size", r.config.ReplayCacheSize).
		Dur("replay_ttl", r.config.ReplayTTL).
		Msg("Starting connection registry")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.runSweeper(ctx)
	}()
	go func() {
		defer wg.Done()
		r.runHeartbeats(ctx)
	}()
	wg.Wait()
	return nil
}

// Shutdown closes every open connection as completed and rejects new ones
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	conns := r.allConnections()
	r.logger.Info().Int("connections", len(conns)).Msg("Closing all connections")
	for _, c := range conns {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Close(StateCompleted)
	}
	return nil
}

// allConnections snapshots every open connection
func (r *Registry) allConnections() []*Conn {
	var conns []*Conn
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.recipients {
			e.mu.Lock()
			for _, c := range e.conns {
				conns = append(conns, c)
			}
			e.mu.Unlock()
		}
		s.mu.RUnlock()
	}
	return conns
}
