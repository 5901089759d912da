// Package ingest is the write-side of the receiver: it registers endpoints
// and records inbound webhooks as pending events. The dispatcher core only
// consumes rows this package (or a replay) inserted.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/hookline/internal/store"
	"github.com/austindbirch/hookline/internal/types"
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// ValidationError reports rejected ingress input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Endpoint is a registered upstream delivery target.
type Endpoint struct {
	ID        uuid.UUID `json:"id"`
	TargetURL string    `json:"target_url"`
}

// CreateEndpoint registers a new delivery target.
func (s *Service) CreateEndpoint(ctx context.Context, targetURL string) (*Endpoint, error) {
	// Ensure required fields are present
	if targetURL == "" {
		return nil, &ValidationError{Message: "target_url is required"}
	}
	if _, err := url.ParseRequestURI(targetURL); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid target_url: %v", err)}
	}

	id := uuid.New()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (id, target_url)
		VALUES (?, ?)`,
		id.String(), targetURL,
	); err != nil {
		return nil, err
	}

	return &Endpoint{ID: id, TargetURL: targetURL}, nil
}

// IngestEvent records an inbound webhook as a pending event for its
// endpoint. The event becomes leasable immediately.
func (s *Service) IngestEvent(ctx context.Context, endpointID uuid.UUID, provider string, headers map[string]string, payload string) (*types.WebhookEventSummary, error) {
	if provider == "" {
		return nil, &ValidationError{Message: "provider is required"}
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid headers: %v", err)}
	}

	// Verify the endpoint exists so a bad id fails as NotFound rather than
	// a foreign-key error.
	var exists int
	err = s.db.QueryRowContext(ctx, `
		SELECT 1 FROM endpoints WHERE id = ?`,
		endpointID.String(),
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, &store.NotFoundError{Message: "endpoint not found"}
	}
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	receivedAt := types.FormatTime(time.Now())
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (
		    id, endpoint_id, replayed_from_event_id, provider, headers,
		    payload, status, attempts, received_at, next_attempt_at,
		    lease_expires_at, leased_by, last_error
		)
		VALUES (?, ?, NULL, ?, ?, ?, 'pending', 0, ?, NULL, NULL, NULL, NULL)`,
		id.String(), endpointID.String(), provider, string(headersJSON), payload, receivedAt,
	); err != nil {
		return nil, err
	}

	return &types.WebhookEventSummary{
		ID:         id,
		EndpointID: endpointID,
		Provider:   provider,
		Status:     types.StatusPending,
		Attempts:   0,
		ReceivedAt: receivedAt,
	}, nil
}
