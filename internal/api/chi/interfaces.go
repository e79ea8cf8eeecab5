package chi

import (
	"context"
	"net/http"

	"github.com/nkkko/alarmd/pkg/proto"
)

// Dispatcher creates alarms and pushes them to open connections
type Dispatcher interface {
	CreateAndDispatch(ctx context.Context, req *proto.CreateNotificationRequest) (*proto.Notification, error)
	Broadcast(ctx context.Context, req *proto.BroadcastRequest) ([]*proto.Notification, error)
}

// Reconciler marks alarms read
type Reconciler interface {
	MarkOneRead(ctx context.Context, recipientID string, id uint64) (*proto.Notification, error)
	MarkAllRead(ctx context.Context, recipientID string) (int, error)
}

// Store is the read side of the notification store
type Store interface {
	ListRecent(ctx context.Context, recipientID string, limit int) ([]*proto.Notification, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
}

// Subscriber serves long-lived subscriptions over net/http
type Subscriber interface {
	ServeSSE(w http.ResponseWriter, r *http.Request, recipientID string)
	ServeWebSocket(w http.ResponseWriter, r *http.Request, recipientID string)
}

// Connections reports registry state for the readiness check
type Connections interface {
	ConnectionCount() int
}
