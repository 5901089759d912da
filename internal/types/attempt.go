package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AttemptErrorKind classifies a failed delivery attempt.
type AttemptErrorKind string

const (
	ErrorKindTimeout         AttemptErrorKind = "timeout"
	ErrorKindNetwork         AttemptErrorKind = "network"
	ErrorKindInvalidResponse AttemptErrorKind = "invalid_response"
	ErrorKindUnexpected      AttemptErrorKind = "unexpected"
)

// ParseAttemptErrorKind maps a persisted error kind string to its typed value.
func ParseAttemptErrorKind(s string) (AttemptErrorKind, error) {
	switch AttemptErrorKind(s) {
	case ErrorKindTimeout, ErrorKindNetwork, ErrorKindInvalidResponse, ErrorKindUnexpected:
		return AttemptErrorKind(s), nil
	}
	return "", fmt.Errorf("unknown error kind: %s", s)
}

func (k AttemptErrorKind) String() string { return string(k) }

func (k *AttemptErrorKind) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseAttemptErrorKind(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// WebhookAttemptLog is one persisted delivery try for an event. attempt_no is
// 1-based and strictly increasing per event.
type WebhookAttemptLog struct {
	ID              uuid.UUID          `json:"id"`
	EventID         uuid.UUID          `json:"event_id"`
	AttemptNo       int64              `json:"attempt_no"`
	StartedAt       string             `json:"started_at"`
	FinishedAt      string             `json:"finished_at"`
	RequestHeaders  map[string]string  `json:"request_headers"`
	RequestBody     string             `json:"request_body"`
	ResponseStatus  *int64             `json:"response_status"`
	ResponseHeaders map[string]string  `json:"response_headers"`
	ResponseBody    *string            `json:"response_body"`
	ErrorKind       *AttemptErrorKind  `json:"error_kind"`
	ErrorMessage    *string            `json:"error_message"`
}
