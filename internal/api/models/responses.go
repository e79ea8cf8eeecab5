package models

import (
	"net/http"
	"time"

	"github.com/nkkko/alarmd/pkg/proto"
)

// AlarmResponse is the response for one stored alarm
type AlarmResponse struct {
	ID          uint64 `json:"id"`
	RecipientID string `json:"recipient_id"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	URL         string `json:"url"`
	Read        bool   `json:"read"`
	CreatedAt   string `json:"created_at"`
}

// AlarmFromProto converts a stored notification to the response
func AlarmFromProto(n *proto.Notification) *AlarmResponse {
	if n == nil {
		return nil
	}
	return &AlarmResponse{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Title:       n.Title,
		Message:     n.Message,
		URL:         n.URL,
		Read:        n.Read,
		CreatedAt:   n.CreatedAt.Format(time.RFC3339Nano),
	}
}

// AlarmsFromProto converts a list, keeping its order
func AlarmsFromProto(list []*proto.Notification) []*AlarmResponse {
	out := make([]*AlarmResponse, 0, len(list))
	for _, n := range list {
		out = append(out, AlarmFromProto(n))
	}
	return out
}

// ListMeta describes a list response
type ListMeta struct {
	Limit int `json:"limit"`
	Count int `json:"count"`
}

// BroadcastResponse reports the alarms a broadcast created and the
// recipients it failed for
type BroadcastResponse struct {
	Created []*AlarmResponse `json:"created"`
	Failed  []string         `json:"failed,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// NewBroadcastResponse builds the broadcast result and its status code:
// 201 when every recipient got the alarm, 207 when some failed
func NewBroadcastResponse(requested []string, created []*proto.Notification, err error) (int, *BroadcastResponse) {
	resp := &BroadcastResponse{Created: AlarmsFromProto(created)}
	if err == nil {
		return http.StatusCreated, resp
	}

	ok := make(map[string]bool, len(created))
	for _, n := range created {
		ok[n.RecipientID] = true
	}
	for _, id := range requested {
		if !ok[id] {
			resp.Failed = append(resp.Failed, id)
			ok[id] = true
		}
	}
	resp.Error = err.Error()
	return http.StatusMultiStatus, resp
}

// HealthResponse is returned by the readiness check
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}
