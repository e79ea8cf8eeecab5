package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nkkko/alarmd/internal/metrics"
	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/internal/storage"
	"github.com/nkkko/alarmd/internal/telemetry"
	"github.com/nkkko/alarmd/pkg/proto"
)

// ErrInvalidRequest is returned for requests that cannot be dispatched
var ErrInvalidRequest = errors.New("invalid dispatch request")

// Connections is the part of the registry the dispatcher needs
type Connections interface {
	LockRecipient(recipientID string) (unlock func())
	ActiveConnections(recipientID string) []*registry.Conn
	NextEventID(recipientID string) string
	RecordReplayEvent(connID, eventID string, ev proto.Event)
	RecordEvent(recipientID, eventID string, ev proto.Event)
}

// Config contains dispatcher configuration
type Config struct {
	// Maximum concurrent writes per fanout
	FanoutConcurrency int

	// Deadline for a single connection write
	WriteTimeout time.Duration

	// Maximum concurrent recipients per broadcast
	BroadcastConcurrency int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		FanoutConcurrency:    16,
		WriteTimeout:         5 * time.Second,
		BroadcastConcurrency: 8,
	}
}

// Dispatcher persists notifications and pushes them to the recipient's
// open connections
type Dispatcher struct {
	config  Config
	store   storage.Storage
	conns   Connections
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a dispatcher
func New(config Config, store storage.Storage, conns Connections) *Dispatcher {
	def := DefaultConfig()
	if config.FanoutConcurrency <= 0 {
		config.FanoutConcurrency = def.FanoutConcurrency
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.BroadcastConcurrency <= 0 {
		config.BroadcastConcurrency = def.BroadcastConcurrency
	}

	return &Dispatcher{
		config:  config,
		store:   store,
		conns:   conns,
		logger:  log.With().Str("component", "dispatcher").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// validate checks the fields every notification needs
func validate(recipientID, message string) error {
	if strings.TrimSpace(recipientID) == "" {
		return fmt.Errorf("%w: recipient_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	return nil
}

// CreateAndDispatch persists an unread notification and pushes it to every
// open connection of its recipient. The push starts only after the record
// is committed; a persistence failure is returned and nothing is pushed.
// Push failures are never returned: the failing connection is closed and
// the rest are unaffected.
func (d *Dispatcher) CreateAndDispatch(ctx context.Context, req *proto.CreateNotificationRequest) (*proto.Notification, error) {
	if err := validate(req.RecipientID, req.Message); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatcher.CreateAndDispatch",
		attribute.String("alarmd.recipient_id", req.RecipientID))
	defer span.End()

	unlock := d.conns.LockRecipient(req.RecipientID)
	defer unlock()

	n, err := d.store.CreateNotification(ctx, req)
	if err != nil {
		d.metrics.AlarmsDispatched.WithLabelValues("false").Inc()
		telemetry.MarkSpanError(ctx, err)
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}
	d.metrics.AlarmsDispatched.WithLabelValues("true").Inc()

	delivered := d.fanout(ctx, n)
	span.SetAttributes(
		attribute.Int64("alarmd.notification_id", int64(n.ID)),
		attribute.Int("alarmd.delivered", delivered),
	)
	return n, nil
}

// fanout pushes n to the recipient's connections and returns how many
// accepted it. Exactly one event id is used for all of them.
func (d *Dispatcher) fanout(ctx context.Context, n *proto.Notification) int {
	eventID := d.conns.NextEventID(n.RecipientID)
	ev := proto.NewAlarmEvent(eventID, n)
	conns := d.conns.ActiveConnections(n.RecipientID)
	d.metrics.FanoutWidth.Observe(float64(len(conns)))

	// The record is committed; pushes outlive the caller's cancellation and
	// are bounded by WriteTimeout alone
	pushCtx := context.WithoutCancel(ctx)

	var (
		mu        sync.Mutex
		delivered int
		g         errgroup.Group
	)
	g.SetLimit(d.config.FanoutConcurrency)

	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(pushCtx, d.config.WriteTimeout)
			defer cancel()

			start := time.Now()
			err := conn.Write(wctx, ev)
			d.metrics.PushDuration.Observe(time.Since(start).Seconds())

			if err != nil {
				result := "error"
				if errors.Is(err, context.DeadlineExceeded) {
					result = "timeout"
				}
				d.metrics.PushesTotal.WithLabelValues(result).Inc()
				// Write already closed it; this only pins the terminal state
				conn.Close(registry.StateErrored)
				d.logger.Warn().Err(err).
					Str("connection_id", conn.ID()).
					Uint64("notification_id", n.ID).
					Msg("Push failed, connection dropped")
				return nil
			}

			d.metrics.PushesTotal.WithLabelValues("ok").Inc()
			d.conns.RecordReplayEvent(conn.ID(), eventID, ev)
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Keep the event for reconnects even when nobody was listening
	if delivered == 0 {
		d.conns.RecordEvent(n.RecipientID, eventID, ev)
	}

	d.logger.Debug().
		Uint64("notification_id", n.ID).
		Str("event_id", eventID).
		Int("connections", len(conns)).
		Int("delivered", delivered).
		Msg("Notification dispatched")
	return delivered
}

// Broadcast dispatches the same notification to each listed recipient
// independently. Duplicate recipients are dispatched once. Notifications
// that were created are returned even when others failed; the failures are
// joined into the returned error.
func (d *Dispatcher) Broadcast(ctx context.Context, req *proto.BroadcastRequest) ([]*proto.Notification, error) {
	if len(req.RecipientIDs) == 0 {
		return nil, fmt.Errorf("%w: recipient_ids is required", ErrInvalidRequest)
	}
	if err := validate(req.RecipientIDs[0], req.Message); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatcher.Broadcast",
		attribute.Int("alarmd.recipients", len(req.RecipientIDs)))
	defer span.End()

	seen := make(map[string]struct{}, len(req.RecipientIDs))
	recipients := make([]string, 0, len(req.RecipientIDs))
	for _, id := range req.RecipientIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}

	results := make([]*proto.Notification, len(recipients))
	errs := make([]error, len(recipients))

	var g errgroup.Group
	g.SetLimit(d.config.BroadcastConcurrency)
	for i, recipientID := range recipients {
		i, recipientID := i, recipientID
		g.Go(func() error {
			n, err := d.CreateAndDispatch(ctx, &proto.CreateNotificationRequest{
				RecipientID: recipientID,
				Title:       req.Title,
				Message:     req.Message,
				URL:         req.URL,
			})
			if err != nil {
				errs[i] = fmt.Errorf("recipient %s: %w", recipientID, err)
				return nil
			}
			results[i] = n
			return nil
		})
	}
	_ = g.Wait()

	created := make([]*proto.Notification, 0, len(results))
	for _, n := range results {
		if n != nil {
			created = append(created, n)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		d.logger.Warn().Err(err).
			Int("created", len(created)).
			Int("failed", len(recipients)-len(created)).
			Msg("Broadcast partially failed")
	}
	return created, err
}
