package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nkkko/alarmd/internal/metrics"
	"github.com/nkkko/alarmd/internal/registry"
	"github.com/nkkko/alarmd/internal/telemetry"
	"github.com/nkkko/alarmd/pkg/proto"
)

// Config contains notifier configuration
type Config struct {
	// Number of stored notifications sent when replay is impossible
	BacklogSize int

	// Deadline for each write made while subscribing
	WriteTimeout time.Duration

	// Deadline for the whole catch-up. The recipient lane is held until it
	// ends, so this bounds how long a subscriber can stall live pushes.
	CatchUpTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		BacklogSize:    15,
		WriteTimeout:   5 * time.Second,
		CatchUpTimeout: 10 * time.Second,
	}
}

// Registry is the part of the connection registry a subscription needs
type Registry interface {
	LockRecipient(recipientID string) (unlock func())
	Register(recipientID string, sink registry.Sink) (*registry.Conn, error)
	ReplayEventsSince(recipientID, cursor string) ([]proto.Event, error)
}

// Backlog lists a recipient's most recent notifications, newest first
type Backlog interface {
	ListRecent(ctx context.Context, recipientID string, limit int) ([]*proto.Notification, error)
}

// Notifier opens subscriptions: it registers the connection, greets it and
// catches it up from the replay cache or the stored backlog
type Notifier struct {
	config   Config
	registry Registry
	backlog  Backlog
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// New creates a notifier
func New(config Config, reg Registry, backlog Backlog) *Notifier {
	def := DefaultConfig()
	if config.BacklogSize <= 0 {
		config.BacklogSize = def.BacklogSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.CatchUpTimeout <= 0 {
		config.CatchUpTimeout = def.CatchUpTimeout
	}

	return &Notifier{
		config:   config,
		registry: reg,
		backlog:  backlog,
		logger:   log.With().Str("component", "notifier").Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// Subscribe registers sink as a new connection of recipientID and sends,
// in order, a keep-alive and then either the events recorded after cursor
// or, when the cursor is empty or unknown, the most recent stored
// notifications.
//
// The greeting and all but the last backlog event carry no event id, so a
// client dropped mid catch-up keeps its old cursor. The last backlog event
// carries the connection id, which replays everything pushed after
// registration.
//
// The recipient lane is held throughout, so no live push can overtake the
// catch-up. The whole catch-up shares one CatchUpTimeout deadline. On a
// failed write the connection is already closed and the error is returned.
func (n *Notifier) Subscribe(ctx context.Context, recipientID, cursor string, sink registry.Sink) (*registry.Conn, error) {
	ctx, span := telemetry.StartSpan(ctx, "notifier.Subscribe",
		attribute.String("alarmd.recipient_id", recipientID),
		attribute.Bool("alarmd.has_cursor", cursor != ""))
	defer span.End()

	unlock := n.registry.LockRecipient(recipientID)
	defer unlock()

	conn, err := n.registry.Register(recipientID, sink)
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		return nil, err
	}

	if err := n.catchUp(ctx, conn, cursor); err != nil {
		telemetry.MarkSpanError(ctx, err)
		return conn, err
	}
	return conn, nil
}

func (n *Notifier) catchUp(ctx context.Context, conn *registry.Conn, cursor string) error {
	ctx, cancel := context.WithTimeout(ctx, n.config.CatchUpTimeout)
	defer cancel()

	logger := n.logger.With().
		Str("connection_id", conn.ID()).
		Str("transport", conn.Transport()).
		Logger()

	if err := n.write(ctx, conn, proto.NewKeepAliveEvent("", conn.RecipientID())); err != nil {
		return err
	}

	if cursor != "" {
		events, err := n.registry.ReplayEventsSince(conn.RecipientID(), cursor)
		switch {
		case err == nil:
			for _, ev := range events {
				if err := n.write(ctx, conn, ev); err != nil {
					return err
				}
			}
			n.metrics.ReplayedEvents.Add(float64(len(events)))
			telemetry.AddSpanEvent(ctx, "replayed", attribute.Int("alarmd.events", len(events)))
			logger.Debug().
				Str("cursor", cursor).
				Int("events", len(events)).
				Msg("Replayed events since cursor")
			return nil
		case errors.Is(err, registry.ErrUnknownCursor):
			logger.Debug().Str("cursor", cursor).Msg("Cursor not replayable, sending backlog")
		default:
			conn.Close(registry.StateErrored)
			return err
		}
	}

	return n.sendBacklog(ctx, conn)
}

// sendBacklog pushes the most recent stored notifications, newest first.
// Only the last one carries an event id: the connection id.
func (n *Notifier) sendBacklog(ctx context.Context, conn *registry.Conn) error {
	recent, err := n.backlog.ListRecent(ctx, conn.RecipientID(), n.config.BacklogSize)
	if err != nil {
		conn.Close(registry.StateErrored)
		return fmt.Errorf("failed to load backlog: %w", err)
	}

	for i, notification := range recent {
		var id string
		if i == len(recent)-1 {
			id = conn.ID()
		}
		if err := n.write(ctx, conn, proto.NewAlarmEvent(id, notification)); err != nil {
			return err
		}
	}

	n.metrics.BacklogSize.Observe(float64(len(recent)))
	telemetry.AddSpanEvent(ctx, "backlog", attribute.Int("alarmd.events", len(recent)))
	return nil
}

func (n *Notifier) write(ctx context.Context, conn *registry.Conn, ev proto.Event) error {
	wctx, cancel := context.WithTimeout(ctx, n.config.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, ev)
}
