package reconciler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nkkko/alarmd/internal/metrics"
	"github.com/nkkko/alarmd/internal/telemetry"
	"github.com/nkkko/alarmd/pkg/proto"
)

// Store is the read-state side of the notification store
type Store interface {
	MarkRead(ctx context.Context, recipientID string, id uint64) (*proto.Notification, error)
	MarkAllRead(ctx context.Context, recipientID string) ([]uint64, error)
}

// ReplayCache is the part of the registry that holds replayable copies
type ReplayCache interface {
	ReconcileRead(recipientID string, alarmIDs ...uint64) int
}

// Reconciler marks notifications read in the store first and then in the
// replay cache, so a reconnect never replays a stale unread copy
type Reconciler struct {
	store   Store
	cache   ReplayCache
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a reconciler
func New(store Store, cache ReplayCache) *Reconciler {
	return &Reconciler{
		store:   store,
		cache:   cache,
		logger:  log.With().Str("component", "reconciler").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// MarkOneRead marks one notification of recipientID read. It returns
// storage.ErrNotFound when the id does not belong to the recipient.
// Marking an already read notification succeeds.
func (r *Reconciler) MarkOneRead(ctx context.Context, recipientID string, id uint64) (*proto.Notification, error) {
	ctx, span := telemetry.StartSpan(ctx, "reconciler.MarkOneRead",
		attribute.String("alarmd.recipient_id", recipientID),
		attribute.Int64("alarmd.notification_id", int64(id)))
	defer span.End()

	n, err := r.store.MarkRead(ctx, recipientID, id)
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		return nil, fmt.Errorf("failed to mark notification %d read: %w", id, err)
	}

	cached := r.cache.ReconcileRead(recipientID, id)
	r.metrics.MarkReadTotal.WithLabelValues("one").Inc()

	r.logger.Debug().
		Str("recipient_id", recipientID).
		Uint64("notification_id", id).
		Int("cached", cached).
		Msg("Marked notification read")

	return n, nil
}

// MarkAllRead marks every notification of recipientID that is unread at
// the moment of the call and returns how many changed. Notifications
// created afterwards stay unread. On a partial failure the ids that were
// committed are still reconciled and counted.
func (r *Reconciler) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "reconciler.MarkAllRead",
		attribute.String("alarmd.recipient_id", recipientID))
	defer span.End()

	ids, err := r.store.MarkAllRead(ctx, recipientID)
	if len(ids) > 0 {
		r.cache.ReconcileRead(recipientID, ids...)
	}
	r.metrics.MarkReadTotal.WithLabelValues("all").Inc()
	span.SetAttributes(attribute.Int("alarmd.updated", len(ids)))

	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		r.logger.Error().
			Err(err).
			Str("recipient_id", recipientID).
			Int("updated", len(ids)).
			Msg("Mark all read stopped early")
		return len(ids), fmt.Errorf("failed to mark all read: %w", err)
	}

	r.logger.Debug().
		Str("recipient_id", recipientID).
		Int("updated", len(ids)).
		Msg("Marked all notifications read")

	return len(ids), nil
}
