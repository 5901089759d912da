package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// WebhookEventStatus is the lifecycle state of a webhook event. Persisted as
// a lowercase snake_case string; unknown strings are an error, never a
// silent default.
type WebhookEventStatus string

const (
	StatusPending   WebhookEventStatus = "pending"
	StatusInFlight  WebhookEventStatus = "in_flight"
	StatusRequeued  WebhookEventStatus = "requeued"
	StatusDelivered WebhookEventStatus = "delivered"
	StatusDead      WebhookEventStatus = "dead"
	StatusPaused    WebhookEventStatus = "paused"
)

// ParseEventStatus maps a persisted status string to its typed value.
func ParseEventStatus(s string) (WebhookEventStatus, error) {
	switch WebhookEventStatus(s) {
	case StatusPending, StatusInFlight, StatusRequeued, StatusDelivered, StatusDead, StatusPaused:
		return WebhookEventStatus(s), nil
	}
	return "", fmt.Errorf("unknown status: %s", s)
}

func (s WebhookEventStatus) String() string { return string(s) }

func (s *WebhookEventStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseEventStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// WebhookEvent is one received webhook, to be delivered to one endpoint.
type WebhookEvent struct {
	ID                  uuid.UUID          `json:"id"`
	EndpointID          uuid.UUID          `json:"endpoint_id"`
	ReplayedFromEventID *uuid.UUID         `json:"replayed_from_event_id"`
	Provider            string             `json:"provider"`
	Headers             map[string]string  `json:"headers"`
	Payload             string             `json:"payload"`
	Status              WebhookEventStatus `json:"status"`
	Attempts            int64              `json:"attempts"`
	ReceivedAt          string             `json:"received_at"` // RFC3339
	NextAttemptAt       *string            `json:"next_attempt_at"`
	LeaseExpiresAt      *string            `json:"lease_expires_at"`
	LeasedBy            *string            `json:"leased_by"`
	LastError           *string            `json:"last_error"`
}

// WebhookEventSummary is the listing/replay projection of an event: the row
// minus headers, payload, and lease bookkeeping.
type WebhookEventSummary struct {
	ID                  uuid.UUID          `json:"id"`
	EndpointID          uuid.UUID          `json:"endpoint_id"`
	ReplayedFromEventID *uuid.UUID         `json:"replayed_from_event_id"`
	Provider            string             `json:"provider"`
	Status              WebhookEventStatus `json:"status"`
	Attempts            int64              `json:"attempts"`
	ReceivedAt          string             `json:"received_at"`
	NextAttemptAt       *string            `json:"next_attempt_at"`
	LastError           *string            `json:"last_error"`
}
