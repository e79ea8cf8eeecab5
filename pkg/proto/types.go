package proto

import (
	"fmt"
	"time"
)

// EventType tags the shape of an Event on the wire
type EventType string

const (
	// EventKeepAlive is sent on connect and periodically; it carries no payload
	EventKeepAlive EventType = "keep-alive"

	// EventAlarm carries a single notification
	EventAlarm EventType = "alarm"
)

// Notification is a persisted alarm record owned by one recipient.
// Everything except Read is immutable once created.
type Notification struct {
	ID          uint64    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	URL         string    `json:"url,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// Alarm is the client-facing payload of an alarm event
type Alarm struct {
	ID        uint64    `json:"id"`
	Message   string    `json:"message"`
	URL       string    `json:"url"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// AlarmFromNotification projects a notification onto its wire payload
func AlarmFromNotification(n *Notification) *Alarm {
	return &Alarm{
		ID:        n.ID,
		Message:   n.Message,
		URL:       n.URL,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

// Event is one message on a subscription stream. Type selects which of the
// payload fields is meaningful: Alarm is set only for EventAlarm.
type Event struct {
	ID    string    `json:"id"`
	Type  EventType `json:"type"`
	Alarm *Alarm    `json:"alarm,omitempty"`
	Data  string    `json:"data,omitempty"`
}

// NewKeepAliveEvent creates a keep-alive event with an informational message
func NewKeepAliveEvent(id, recipientID string) Event {
	return Event{
		ID:   id,
		Type: EventKeepAlive,
		Data: fmt.Sprintf("EventStream Created. [recipientId=%s]", recipientID),
	}
}

// NewAlarmEvent creates an alarm event for a notification
func NewAlarmEvent(id string, n *Notification) Event {
	return Event{
		ID:    id,
		Type:  EventAlarm,
		Alarm: AlarmFromNotification(n),
	}
}

// Clone returns a copy of the event that shares no mutable state
func (e Event) Clone() Event {
	if e.Alarm != nil {
		a := *e.Alarm
		e.Alarm = &a
	}
	return e
}

// CreateNotificationRequest is used to create and dispatch a new notification
type CreateNotificationRequest struct {
	RecipientID string `json:"recipient_id"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	URL         string `json:"url,omitempty"`
}

// BroadcastRequest dispatches the same notification to several recipients
type BroadcastRequest struct {
	RecipientIDs []string `json:"recipient_ids"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	URL          string   `json:"url,omitempty"`
}

// MarkAllReadResponse reports how many notifications were marked read
type MarkAllReadResponse struct {
	Updated int `json:"updated"`
}

// UnreadCountResponse reports the number of unread notifications
type UnreadCountResponse struct {
	Unread int `json:"unread"`
}

// Error wraps an error message for consistent error handling
type Error struct {
	Message string
}

// NewError creates a new Error
func NewError(msg string) error {
	return &Error{Message: msg}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("alarmd: %s", e.Message)
}
