package models

import (
	"github.com/nkkko/alarmd/internal/api/errors"
	"github.com/nkkko/alarmd/internal/api/validation"
	"github.com/nkkko/alarmd/pkg/proto"
)

const (
	maxTitleLength   = 256
	maxMessageLength = 4096
	maxURLLength     = 2048

	// MaxBroadcastRecipients bounds a single broadcast request
	MaxBroadcastRecipients = 1000
)

// CreateAlarmRequest is the request to create and dispatch an alarm
type CreateAlarmRequest struct {
	RecipientID string `json:"recipient_id"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	URL         string `json:"url,omitempty"`
}

// Validate validates the request
func (r *CreateAlarmRequest) Validate() error {
	if err := validation.Required("recipient_id", r.RecipientID); err != nil {
		return err
	}
	return validateContent(r.Title, r.Message, r.URL)
}

// ToProto converts the request to the dispatcher request
func (r *CreateAlarmRequest) ToProto() *proto.CreateNotificationRequest {
	return &proto.CreateNotificationRequest{
		RecipientID: r.RecipientID,
		Title:       r.Title,
		Message:     r.Message,
		URL:         r.URL,
	}
}

// BroadcastAlarmRequest sends one alarm to several recipients
type BroadcastAlarmRequest struct {
	RecipientIDs []string `json:"recipient_ids"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	URL          string   `json:"url,omitempty"`
}

// Validate validates the request
func (r *BroadcastAlarmRequest) Validate() error {
	if len(r.RecipientIDs) == 0 {
		return errors.ValidationError("required_field_missing", "recipient_ids is required")
	}
	if len(r.RecipientIDs) > MaxBroadcastRecipients {
		return errors.ValidationError("too_many_recipients", "recipient_ids has too many entries")
	}
	for _, id := range r.RecipientIDs {
		if err := validation.Required("recipient_ids", id); err != nil {
			return err
		}
	}
	return validateContent(r.Title, r.Message, r.URL)
}

// ToProto converts the request to the dispatcher request
func (r *BroadcastAlarmRequest) ToProto() *proto.BroadcastRequest {
	return &proto.BroadcastRequest{
		RecipientIDs: r.RecipientIDs,
		Title:        r.Title,
		Message:      r.Message,
		URL:          r.URL,
	}
}

func validateContent(title, message, url string) error {
	if err := validation.Required("message", message); err != nil {
		return err
	}
	if err := validation.MaxLength("title", title, maxTitleLength); err != nil {
		return err
	}
	if err := validation.MaxLength("message", message, maxMessageLength); err != nil {
		return err
	}
	return validation.MaxLength("url", url, maxURLLength)
}
