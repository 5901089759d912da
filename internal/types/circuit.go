package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CircuitStatus is the breaker state for one endpoint.
type CircuitStatus string

const (
	CircuitClosed CircuitStatus = "closed"
	CircuitOpen   CircuitStatus = "open"
)

// ParseCircuitStatus maps a persisted circuit state string to its typed value.
func ParseCircuitStatus(s string) (CircuitStatus, error) {
	switch CircuitStatus(s) {
	case CircuitClosed, CircuitOpen:
		return CircuitStatus(s), nil
	}
	return "", fmt.Errorf("unknown circuit status: %s", s)
}

func (s CircuitStatus) String() string { return string(s) }

func (s *CircuitStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseCircuitStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// TargetCircuitState is the per-endpoint breaker row. A missing row reads as
// closed with zero consecutive failures. OpenUntil nil while open means the
// circuit is open indefinitely.
type TargetCircuitState struct {
	EndpointID          uuid.UUID     `json:"endpoint_id"`
	State               CircuitStatus `json:"state"`
	OpenUntil           *string       `json:"open_until"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
	LastFailureAt       *string       `json:"last_failure_at"`
}
