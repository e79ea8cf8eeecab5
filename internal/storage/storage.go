package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nkkko/alarmd/pkg/proto"
)

var (
	// ErrNotFound is returned when a notification does not exist for the
	// requesting recipient
	ErrNotFound = errors.New("notification not found")

	// ErrInvalidRecipient is returned for an empty or malformed recipient id
	ErrInvalidRecipient = errors.New("invalid recipient id")
)

// Storage is the durable notification store used by the dispatcher,
// the subscription backlog and the read-state reconciler.
type Storage interface {
	// Start runs background maintenance until ctx is cancelled
	Start(ctx context.Context) error

	// Shutdown flushes and closes the store
	Shutdown(ctx context.Context) error

	// CreateNotification durably persists a new unread notification and
	// assigns its id. The record is committed before it returns.
	CreateNotification(ctx context.Context, req *proto.CreateNotificationRequest) (*proto.Notification, error)

	// GetNotification retrieves one notification owned by recipientID
	GetNotification(ctx context.Context, recipientID string, id uint64) (*proto.Notification, error)

	// ListRecent returns up to limit notifications, newest first
	ListRecent(ctx context.Context, recipientID string, limit int) ([]*proto.Notification, error)

	// CountUnread returns the number of unread notifications
	CountUnread(ctx context.Context, recipientID string) (int, error)

	// MarkRead marks one notification read. Marking an already read
	// notification succeeds and changes nothing.
	MarkRead(ctx context.Context, recipientID string, id uint64) (*proto.Notification, error)

	// MarkAllRead marks every notification that is unread in a single
	// snapshot and returns the ids it changed, ascending
	MarkAllRead(ctx context.Context, recipientID string) ([]uint64, error)
}

// Config contains storage settings shared by the implementations
type Config struct {
	// Base directory for data files
	DataDir string

	// Fsync every commit before acknowledging it
	SyncWrites bool

	// Read cache settings
	CacheEnabled    bool
	CacheSize       int
	CacheExpiration time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir:         "./data",
		SyncWrites:      true,
		CacheEnabled:    true,
		CacheSize:       10000,
		CacheExpiration: 30 * time.Second,
	}
}

// NewNotification builds the unread record for a create request
func NewNotification(id uint64, req *proto.CreateNotificationRequest, now time.Time) *proto.Notification {
	return &proto.Notification{
		ID:          id,
		RecipientID: req.RecipientID,
		Title:       req.Title,
		Message:     req.Message,
		URL:         req.URL,
		Read:        false,
		CreatedAt:   now.UTC(),
	}
}

// ValidateRecipient rejects recipient ids that cannot be used as key
// prefixes or as part of an event stream id line
func ValidateRecipient(recipientID string) error {
	if recipientID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}
	if strings.ContainsRune(recipientID, 0) {
		return fmt.Errorf("%w: contains NUL", ErrInvalidRecipient)
	}
	if strings.ContainsAny(recipientID, "\r\n") {
		return fmt.Errorf("%w: contains a line break", ErrInvalidRecipient)
	}
	return nil
}

// Clone copies a notification so callers never share cached records
func Clone(n *proto.Notification) *proto.Notification {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}
