// Package inspector implements the read path over the receiver database:
// keyset-paginated event listing, event detail, attempt history, and the
// replay primitive. Reads run as plain queries; only replay opens a
// transaction.
package inspector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/hookline/internal/store"
	"github.com/austindbirch/hookline/internal/types"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Cursor is the keyset position for event listing: the (received_at, id)
// tuple of the last emitted row.
type Cursor struct {
	ReceivedAt string
	ID         uuid.UUID
}

// ListEventsParams filters and paginates the event listing. Limit is
// trusted here; the transport rejects values outside [1, 200].
type ListEventsParams struct {
	Limit      int64
	Before     *Cursor
	Status     *types.WebhookEventStatus
	EndpointID *uuid.UUID
	Provider   *string
}

type ListEventsResult struct {
	Events     []types.WebhookEventListItem
	NextBefore *Cursor
}

// ListEvents returns one page ordered by received_at DESC, id DESC. It
// fetches limit+1 rows to detect a next page and only then emits a cursor.
func (s *Store) ListEvents(ctx context.Context, params *ListEventsParams) (*ListEventsResult, error) {
	var query strings.Builder
	query.WriteString(`
		SELECT
		    e.id,
		    e.endpoint_id,
		    e.replayed_from_event_id,
		    e.provider,
		    e.status,
		    e.attempts,
		    e.received_at,
		    e.next_attempt_at,
		    e.last_error,
		    ep.target_url,
		    c.state,
		    c.open_until,
		    c.consecutive_failures,
		    c.last_failure_at
		FROM webhook_events e
		JOIN endpoints ep ON ep.id = e.endpoint_id
		LEFT JOIN target_circuit_states c ON c.endpoint_id = e.endpoint_id
		WHERE 1 = 1`)
	var args []any

	if params.Status != nil {
		query.WriteString(" AND e.status = ?")
		args = append(args, params.Status.String())
	}
	if params.EndpointID != nil {
		query.WriteString(" AND e.endpoint_id = ?")
		args = append(args, params.EndpointID.String())
	}
	if params.Provider != nil {
		query.WriteString(" AND e.provider = ?")
		args = append(args, *params.Provider)
	}
	if params.Before != nil {
		query.WriteString(" AND (e.received_at < ? OR (e.received_at = ? AND e.id < ?))")
		args = append(args, params.Before.ReceivedAt, params.Before.ReceivedAt, params.Before.ID.String())
	}

	query.WriteString(" ORDER BY e.received_at DESC, e.id DESC LIMIT ?")
	args = append(args, params.Limit+1)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []types.WebhookEventListItem{}
	var (
		lastCursor *Cursor
		count      int64
		hasMore    bool
	)
	for rows.Next() {
		if count == params.Limit {
			hasMore = true
			break
		}
		var (
			id, endpointID          string
			replayedFrom            sql.NullString
			provider, status        string
			attempts                int64
			receivedAt              string
			nextAttemptAt, lastErr  sql.NullString
			targetURL               string
			circuitState, openUntil sql.NullString
			circuitFailures         sql.NullInt64
			lastFailureAt           sql.NullString
		)
		if err := rows.Scan(
			&id, &endpointID, &replayedFrom, &provider, &status, &attempts,
			&receivedAt, &nextAttemptAt, &lastErr, &targetURL,
			&circuitState, &openUntil, &circuitFailures, &lastFailureAt,
		); err != nil {
			return nil, err
		}

		eventID, err := uuid.Parse(id)
		if err != nil {
			return nil, &store.ParseError{Message: fmt.Sprintf("invalid event id: %v", err)}
		}
		epID, err := uuid.Parse(endpointID)
		if err != nil {
			return nil, &store.ParseError{Message: fmt.Sprintf("invalid endpoint id: %v", err)}
		}
		parsedStatus, err := types.ParseEventStatus(status)
		if err != nil {
			return nil, &store.ParseError{Message: err.Error()}
		}
		replayedFromID, err := parseOptionalUUID(replayedFrom, "replayed_from_event_id")
		if err != nil {
			return nil, err
		}

		circuit, err := circuitFromColumns(epID, circuitState, openUntil, circuitFailures, lastFailureAt)
		if err != nil {
			return nil, err
		}

		events = append(events, types.WebhookEventListItem{
			Event: types.WebhookEventSummary{
				ID:                  eventID,
				EndpointID:          epID,
				ReplayedFromEventID: replayedFromID,
				Provider:            provider,
				Status:              parsedStatus,
				Attempts:            attempts,
				ReceivedAt:          receivedAt,
				NextAttemptAt:       nullableString(nextAttemptAt),
				LastError:           nullableString(lastErr),
			},
			TargetURL: targetURL,
			Circuit:   circuit,
		})
		lastCursor = &Cursor{ReceivedAt: receivedAt, ID: eventID}
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &ListEventsResult{Events: events}
	if hasMore {
		result.NextBefore = lastCursor
	}
	return result, nil
}

// GetEvent returns the full event with parsed headers, the endpoint target,
// and the circuit snapshot.
func (s *Store) GetEvent(ctx context.Context, eventID uuid.UUID) (*types.GetEventResponse, error) {
	var (
		id, endpointID          string
		replayedFrom            sql.NullString
		provider                string
		headersJSON, payload    string
		status                  string
		attempts                int64
		receivedAt              string
		nextAttemptAt           sql.NullString
		leaseExpiresAt          sql.NullString
		leasedBy, lastErr       sql.NullString
		targetURL               string
		circuitState, openUntil sql.NullString
		circuitFailures         sql.NullInt64
		lastFailureAt           sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
		    e.id,
		    e.endpoint_id,
		    e.replayed_from_event_id,
		    e.provider,
		    e.headers,
		    e.payload,
		    e.status,
		    e.attempts,
		    e.received_at,
		    e.next_attempt_at,
		    e.lease_expires_at,
		    e.leased_by,
		    e.last_error,
		    ep.target_url,
		    c.state,
		    c.open_until,
		    c.consecutive_failures,
		    c.last_failure_at
		FROM webhook_events e
		JOIN endpoints ep ON ep.id = e.endpoint_id
		LEFT JOIN target_circuit_states c ON c.endpoint_id = e.endpoint_id
		WHERE e.id = ?`,
		eventID.String(),
	).Scan(
		&id, &endpointID, &replayedFrom, &provider, &headersJSON, &payload,
		&status, &attempts, &receivedAt, &nextAttemptAt, &leaseExpiresAt,
		&leasedBy, &lastErr, &targetURL, &circuitState, &openUntil,
		&circuitFailures, &lastFailureAt,
	)
	if err == sql.ErrNoRows {
		return nil, &store.NotFoundError{Message: "event not found"}
	}
	if err != nil {
		return nil, err
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, &store.ParseError{Message: fmt.Sprintf("invalid event id: %v", err)}
	}
	epID, err := uuid.Parse(endpointID)
	if err != nil {
		return nil, &store.ParseError{Message: fmt.Sprintf("invalid endpoint id: %v", err)}
	}
	parsedStatus, err := types.ParseEventStatus(status)
	if err != nil {
		return nil, &store.ParseError{Message: err.Error()}
	}
	replayedFromID, err := parseOptionalUUID(replayedFrom, "replayed_from_event_id")
	if err != nil {
		return nil, err
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
		return nil, &store.ParseError{Message: fmt.Sprintf("invalid headers JSON: %v", err)}
	}

	circuit, err := circuitFromColumns(epID, circuitState, openUntil, circuitFailures, lastFailureAt)
	if err != nil {
		return nil, err
	}

	return &types.GetEventResponse{
		Event: types.WebhookEvent{
			ID:                  parsedID,
			EndpointID:          epID,
			ReplayedFromEventID: replayedFromID,
			Provider:            provider,
			Headers:             headers,
			Payload:             payload,
			Status:              parsedStatus,
			Attempts:            attempts,
			ReceivedAt:          receivedAt,
			NextAttemptAt:       nullableString(nextAttemptAt),
			LeaseExpiresAt:      nullableString(leaseExpiresAt),
			LeasedBy:            nullableString(leasedBy),
			LastError:           nullableString(lastErr),
		},
		TargetURL: targetURL,
		Circuit:   circuit,
	}, nil
}

// ListAttempts returns all attempt logs for an event ordered by started_at,
// then attempt_no. A valid event with no attempts yields an empty list; a
// missing event is NotFound.
func (s *Store) ListAttempts(ctx context.Context, eventID uuid.UUID) (*types.ListAttemptsResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
		    e.id,
		    a.id,
		    a.attempt_no,
		    a.started_at,
		    a.finished_at,
		    a.request_headers,
		    a.request_body,
		    a.response_status,
		    a.response_headers,
		    a.response_body,
		    a.error_kind,
		    a.error_message
		FROM webhook_events e
		LEFT JOIN webhook_attempt_logs a ON a.event_id = e.id
		WHERE e.id = ?
		ORDER BY a.started_at ASC, a.attempt_no ASC`,
		eventID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []types.WebhookAttemptLog{}
	found := false
	for rows.Next() {
		found = true
		var (
			evID                       string
			attemptID                  sql.NullString
			attemptNo                  sql.NullInt64
			startedAt, finishedAt      sql.NullString
			requestHeaders             sql.NullString
			requestBody                sql.NullString
			responseStatus             sql.NullInt64
			responseHeaders, respBody  sql.NullString
			errorKindRaw, errorMessage sql.NullString
		)
		if err := rows.Scan(
			&evID, &attemptID, &attemptNo, &startedAt, &finishedAt,
			&requestHeaders, &requestBody, &responseStatus, &responseHeaders,
			&respBody, &errorKindRaw, &errorMessage,
		); err != nil {
			return nil, err
		}

		// LEFT JOIN padding row: the event exists but has no attempts.
		if !attemptID.Valid {
			continue
		}

		id, err := uuid.Parse(attemptID.String)
		if err != nil {
			return nil, &store.ParseError{Message: fmt.Sprintf("invalid attempt id: %v", err)}
		}
		parsedEventID, err := uuid.Parse(evID)
		if err != nil {
			return nil, &store.ParseError{Message: fmt.Sprintf("invalid event id: %v", err)}
		}
		if !attemptNo.Valid || !startedAt.Valid || !finishedAt.Valid || !requestHeaders.Valid || !requestBody.Valid {
			return nil, &store.ParseError{Message: "attempt row missing required columns"}
		}

		var reqHeaders map[string]string
		if err := json.Unmarshal([]byte(requestHeaders.String), &reqHeaders); err != nil {
			return nil, &store.ParseError{Message: fmt.Sprintf("invalid request headers JSON: %v", err)}
		}
		var respHeaders map[string]string
		if responseHeaders.Valid {
			if err := json.Unmarshal([]byte(responseHeaders.String), &respHeaders); err != nil {
				return nil, &store.ParseError{Message: fmt.Sprintf("invalid response headers JSON: %v", err)}
			}
		}
		var errorKind *types.AttemptErrorKind
		if errorKindRaw.Valid {
			parsed, err := types.ParseAttemptErrorKind(errorKindRaw.String)
			if err != nil {
				return nil, &store.ParseError{Message: err.Error()}
			}
			errorKind = &parsed
		}

		attempts = append(attempts, types.WebhookAttemptLog{
			ID:              id,
			EventID:         parsedEventID,
			AttemptNo:       attemptNo.Int64,
			StartedAt:       startedAt.String,
			FinishedAt:      finishedAt.String,
			RequestHeaders:  reqHeaders,
			RequestBody:     requestBody.String,
			ResponseStatus:  nullableInt64(responseStatus),
			ResponseHeaders: respHeaders,
			ResponseBody:    nullableString(respBody),
			ErrorKind:       errorKind,
			ErrorMessage:    nullableString(errorMessage),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, &store.NotFoundError{Message: "event not found"}
	}

	return &types.ListAttemptsResponse{Attempts: attempts}, nil
}

// ReplayEvent clones a source event into a fresh pending event that points
// back at it. The source row is never mutated; an in_flight source with a
// live lease is a conflict, an expired lease is not.
func (s *Store) ReplayEvent(ctx context.Context, eventID uuid.UUID, resetCircuit bool) (*types.ReplayEventResponse, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		endpointID, provider string
		headers, payload     string
		status               string
		receivedAt           string
		leaseExpiresAt       sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT endpoint_id, provider, headers, payload, status, received_at, lease_expires_at
		FROM webhook_events
		WHERE id = ?`,
		eventID.String(),
	).Scan(&endpointID, &provider, &headers, &payload, &status, &receivedAt, &leaseExpiresAt)
	if err == sql.ErrNoRows {
		return nil, &store.NotFoundError{Message: "event not found"}
	}
	if err != nil {
		return nil, err
	}

	parsedStatus, err := types.ParseEventStatus(status)
	if err != nil {
		return nil, &store.ParseError{Message: err.Error()}
	}
	if parsedStatus == types.StatusInFlight {
		if !leaseExpiresAt.Valid {
			return nil, &store.ConflictError{Reason: "lease_missing"}
		}
		expires, err := types.ParseRFC3339(leaseExpiresAt.String)
		if err != nil {
			return nil, &store.ParseError{Message: "invalid lease_expires_at"}
		}
		if expires.After(now) {
			return nil, &store.ConflictError{Reason: "lease_active"}
		}
	}

	epID, err := uuid.Parse(endpointID)
	if err != nil {
		return nil, &store.ParseError{Message: fmt.Sprintf("invalid endpoint id: %v", err)}
	}

	newEventID := uuid.New()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_events (
		    id, endpoint_id, replayed_from_event_id, provider, headers,
		    payload, status, attempts, received_at, next_attempt_at,
		    lease_expires_at, leased_by, last_error
		)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, NULL, NULL, NULL, NULL)`,
		newEventID.String(), endpointID, eventID.String(), provider, headers,
		payload, receivedAt,
	); err != nil {
		return nil, err
	}

	if resetCircuit {
		if _, err := tx.ExecContext(ctx, `
			UPDATE target_circuit_states
			SET state = 'closed',
			    open_until = NULL,
			    consecutive_failures = 0,
			    last_failure_at = NULL
			WHERE endpoint_id = ?`,
			endpointID,
		); err != nil {
			return nil, err
		}
	}

	var (
		targetURL               string
		circuitState, openUntil sql.NullString
		circuitFailures         sql.NullInt64
		lastFailureAt           sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT ep.target_url, c.state, c.open_until, c.consecutive_failures, c.last_failure_at
		FROM endpoints ep
		LEFT JOIN target_circuit_states c ON c.endpoint_id = ep.id
		WHERE ep.id = ?`,
		endpointID,
	).Scan(&targetURL, &circuitState, &openUntil, &circuitFailures, &lastFailureAt)
	if err == sql.ErrNoRows {
		return nil, &store.NotFoundError{Message: "endpoint not found"}
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sourceID := eventID
	circuit, err := circuitFromColumns(epID, circuitState, openUntil, circuitFailures, lastFailureAt)
	if err != nil {
		return nil, err
	}

	return &types.ReplayEventResponse{
		Event: types.WebhookEventSummary{
			ID:                  newEventID,
			EndpointID:          epID,
			ReplayedFromEventID: &sourceID,
			Provider:            provider,
			Status:              types.StatusPending,
			Attempts:            0,
			ReceivedAt:          receivedAt,
		},
		Circuit: circuit,
	}, nil
}

func parseOptionalUUID(v sql.NullString, field string) (*uuid.UUID, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	parsed, err := uuid.Parse(v.String)
	if err != nil {
		return nil, &store.ParseError{Message: fmt.Sprintf("invalid %s: %v", field, err)}
	}
	return &parsed, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func circuitFromColumns(endpointID uuid.UUID, state, openUntil sql.NullString, failures sql.NullInt64, lastFailureAt sql.NullString) (*types.TargetCircuitState, error) {
	if !state.Valid {
		return nil, nil
	}
	parsed, err := types.ParseCircuitStatus(state.String)
	if err != nil {
		return nil, &store.ParseError{Message: err.Error()}
	}
	return &types.TargetCircuitState{
		EndpointID:          endpointID,
		State:               parsed,
		OpenUntil:           nullableString(openUntil),
		ConsecutiveFailures: failures.Int64,
		LastFailureAt:       nullableString(lastFailureAt),
	}, nil
}
