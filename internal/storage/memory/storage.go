package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nkkko/alarmd/internal/metrics"
	"github.com/nkkko/alarmd/internal/storage"
	"github.com/nkkko/alarmd/pkg/proto"
)

// Ensure Storage implements storage.Storage
var _ storage.Storage = (*Storage)(nil)

// Storage keeps notifications in process memory. Nothing survives a
// restart; it backs tests and the storage.type=memory mode.
type Storage struct {
	mu            sync.RWMutex
	lastID        uint64
	notifications map[uint64]*proto.Notification // id -> record
	byRecipient   map[string][]uint64            // recipient -> ids, ascending
	now           func() time.Time
}

// NewStorage creates an empty in-memory store
func NewStorage() *Storage {
	return &Storage{
		notifications: make(map[uint64]*proto.Notification),
		byRecipient:   make(map[string][]uint64),
		now:           time.Now,
	}
}

// Start blocks until ctx is cancelled
func (s *Storage) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Shutdown is a no-op
func (s *Storage) Shutdown(ctx context.Context) error {
	return nil
}

// CreateNotification stores a new unread notification
func (s *Storage) CreateNotification(ctx context.Context, req *proto.CreateNotificationRequest) (*proto.Notification, error) {
	if err := storage.ValidateRecipient(req.RecipientID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	n := storage.NewNotification(s.lastID, req, s.now())
	s.notifications[n.ID] = n
	s.byRecipient[n.RecipientID] = append(s.byRecipient[n.RecipientID], n.ID)

	metrics.GetMetrics().NotificationsTotal.Inc()
	return storage.Clone(n), nil
}

// lookup returns the stored record if it belongs to recipientID.
// Callers hold s.mu.
func (s *Storage) lookup(recipientID string, id uint64) (*proto.Notification, error) {
	n, ok := s.notifications[id]
	if !ok || n.RecipientID != recipientID {
		return nil, storage.ErrNotFound
	}
	return n, nil
}

// GetNotification retrieves a notification by id
func (s *Storage) GetNotification(ctx context.Context, recipientID string, id uint64) (*proto.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, err := s.lookup(recipientID, id)
	if err != nil {
		return nil, err
	}
	return storage.Clone(n), nil
}

// ListRecent returns up to limit notifications, newest first
func (s *Storage) ListRecent(ctx context.Context, recipientID string, limit int) ([]*proto.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRecipient[recipientID]
	result := make([]*proto.Notification, 0, min(limit, len(ids)))
	for i := len(ids) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, storage.Clone(s.notifications[ids[i]]))
	}
	return result, nil
}

// CountUnread returns the number of unread notifications
func (s *Storage) CountUnread(ctx context.Context, recipientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, id := range s.byRecipient[recipientID] {
		if !s.notifications[id].Read {
			count++
		}
	}
	return count, nil
}

// MarkRead marks one notification read
func (s *Storage) MarkRead(ctx context.Context, recipientID string, id uint64) (*proto.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.lookup(recipientID, id)
	if err != nil {
		return nil, err
	}
	n.Read = true
	return storage.Clone(n), nil
}

// MarkAllRead marks every unread notification read under one lock
func (s *Storage) MarkAllRead(ctx context.Context, recipientID string) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := []uint64{}
	for _, id := range s.byRecipient[recipientID] {
		n := s.notifications[id]
		if !n.Read {
			n.Read = true
			changed = append(changed, id)
		}
	}
	return changed, nil
}
