package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ReportOutcome is a worker's verdict for a delivery attempt. The store may
// downgrade retry to dead once the retry budget is exhausted.
type ReportOutcome string

const (
	OutcomeDelivered ReportOutcome = "delivered"
	OutcomeRetry     ReportOutcome = "retry"
	OutcomeDead      ReportOutcome = "dead"
)

// ParseReportOutcome maps an outcome string to its typed value.
func ParseReportOutcome(s string) (ReportOutcome, error) {
	switch ReportOutcome(s) {
	case OutcomeDelivered, OutcomeRetry, OutcomeDead:
		return ReportOutcome(s), nil
	}
	return "", fmt.Errorf("unknown outcome: %s", s)
}

func (o ReportOutcome) String() string { return string(o) }

func (o *ReportOutcome) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseReportOutcome(raw)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

type LeaseRequest struct {
	Limit    int64  `json:"limit"`
	LeaseMS  int64  `json:"lease_ms"`
	WorkerID string `json:"worker_id"`
}

// LeasedEvent bundles a claimed event with its endpoint target and the
// current circuit snapshot.
type LeasedEvent struct {
	Event          WebhookEvent        `json:"event"`
	TargetURL      string              `json:"target_url"`
	LeaseExpiresAt string              `json:"lease_expires_at"`
	Circuit        *TargetCircuitState `json:"circuit"`
}

type LeaseResponse struct {
	Events []LeasedEvent `json:"events"`
}

// ReportAttempt is the request/response snapshot for one delivery try.
type ReportAttempt struct {
	StartedAt       string            `json:"started_at"`
	FinishedAt      string            `json:"finished_at"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     string            `json:"request_body"`
	ResponseStatus  *int64            `json:"response_status"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    *string           `json:"response_body"`
	ErrorKind       *AttemptErrorKind `json:"error_kind"`
	ErrorMessage    *string           `json:"error_message"`
}

type ReportRequest struct {
	WorkerID      string        `json:"worker_id"`
	EventID       uuid.UUID     `json:"event_id"`
	Outcome       ReportOutcome `json:"outcome"`
	Retryable     bool          `json:"retryable"`
	NextAttemptAt *string       `json:"next_attempt_at"`
	Attempt       ReportAttempt `json:"attempt"`
}

type ReportResponse struct {
	Circuit      *TargetCircuitState `json:"circuit"`
	FinalOutcome ReportOutcome       `json:"final_outcome"`
}
