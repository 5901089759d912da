// Package dispatcher implements the durable delivery core: lease
// acquisition, outcome reporting with a bounded retry budget, and the
// per-endpoint circuit breaker. All safety derives from database
// transactions with a predicate-rechecked UPDATE; the package owns no locks,
// timers, or background goroutines. Expired leases are reclaimed lazily at
// the start of each lease call.
package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/store"
	"github.com/austindbirch/hookline/internal/types"
)

// Store runs the dispatcher operations against the receiver database.
type Store struct {
	db  *sql.DB
	cfg config.Dispatcher
}

func NewStore(db *sql.DB, cfg config.Dispatcher) *Store {
	return &Store{db: db, cfg: cfg}
}

// ReportResult is the outcome of a report after retry-budget arithmetic,
// with the new circuit snapshot when the circuit changed.
type ReportResult struct {
	Circuit      *types.TargetCircuitState
	FinalOutcome types.ReportOutcome
}

// Lease claims up to req.Limit eligible events for req.WorkerID in a single
// transaction: expired leases are requeued, due circuits half-opened, and
// the claim UPDATE rechecks the eligibility predicate so concurrent callers
// can never claim the same row. Returned events are ordered by received_at
// ascending.
func (s *Store) Lease(ctx context.Context, req *types.LeaseRequest) ([]types.LeasedEvent, error) {
	now := time.Now()
	nowStr := types.FormatTime(now)
	leaseExpiresAt := types.FormatTime(now.Add(time.Duration(req.LeaseMS) * time.Millisecond))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Requeue silently: a lease that ran out downgrades to requeued, which
	// schedules identically to pending.
	if _, err := tx.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'requeued',
		    lease_expires_at = NULL,
		    leased_by = NULL
		WHERE status = 'in_flight'
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= ?`,
		nowStr,
	); err != nil {
		return nil, err
	}

	// Half-open due circuits. consecutive_failures stays so the next
	// failure can re-open rapidly.
	if _, err := tx.ExecContext(ctx, `
		UPDATE target_circuit_states
		SET state = 'closed',
		    open_until = NULL
		WHERE state = 'open'
		  AND open_until IS NOT NULL
		  AND open_until <= ?`,
		nowStr,
	); err != nil {
		return nil, err
	}

	// Select-then-update with the predicate rechecked inside the UPDATE:
	// the recheck is what serializes the claim against concurrent leases.
	rows, err := tx.QueryContext(ctx, `
		WITH eligible AS (
		    SELECT e.id
		    FROM webhook_events e
		    LEFT JOIN target_circuit_states c
		        ON c.endpoint_id = e.endpoint_id
		    WHERE (e.status = 'pending' OR e.status = 'requeued')
		      AND (e.next_attempt_at IS NULL OR e.next_attempt_at <= ?)
		      AND (e.lease_expires_at IS NULL OR e.lease_expires_at <= ?)
		      AND (
		          c.state IS NULL
		          OR c.state = 'closed'
		          OR (c.state = 'open' AND c.open_until IS NOT NULL AND c.open_until <= ?)
		      )
		    ORDER BY e.received_at ASC
		    LIMIT ?
		)
		UPDATE webhook_events
		SET lease_expires_at = ?,
		    leased_by = ?,
		    status = 'in_flight'
		WHERE id IN (SELECT id FROM eligible)
		  AND (status = 'pending' OR status = 'requeued')
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		RETURNING id`,
		nowStr, nowStr, nowStr, req.Limit, leaseExpiresAt, req.WorkerID, nowStr, nowStr,
	)
	if err != nil {
		return nil, err
	}
	var leasedIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		leasedIDs = append(leasedIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(leasedIDs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return []types.LeasedEvent{}, nil
	}

	events, err := fetchLeased(ctx, tx, leasedIDs)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return events, nil
}

// fetchLeased hydrates the claimed rows with their endpoint target and
// circuit snapshot.
func fetchLeased(ctx context.Context, tx *sql.Tx, ids []string) ([]types.LeasedEvent, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
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
		WHERE e.id IN (%s)
		ORDER BY e.received_at ASC, e.id ASC`, placeholders),
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.LeasedEvent
	for rows.Next() {
		var (
			id, endpointID, provider, headersJSON, payload, status string
			replayedFrom                                           sql.NullString
			attempts                                               int64
			receivedAt                                             string
			nextAttemptAt, leaseExpiresAt, leasedBy, lastError     sql.NullString
			targetURL                                              string
			circuitState, circuitOpenUntil                         sql.NullString
			circuitFailures                                        sql.NullInt64
			circuitLastFailureAt                                   sql.NullString
		)
		if err := rows.Scan(
			&id, &endpointID, &replayedFrom, &provider, &headersJSON, &payload,
			&status, &attempts, &receivedAt, &nextAttemptAt, &leaseExpiresAt,
			&leasedBy, &lastError, &targetURL, &circuitState, &circuitOpenUntil,
			&circuitFailures, &circuitLastFailureAt,
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
		var headers map[string]string
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return nil, &store.ParseError{Message: fmt.Sprintf("invalid headers JSON: %v", err)}
		}
		if !leaseExpiresAt.Valid {
			return nil, &store.ParseError{Message: "missing lease_expires_at"}
		}
		var replayedFromID *uuid.UUID
		if replayedFrom.Valid && replayedFrom.String != "" {
			parsed, err := uuid.Parse(replayedFrom.String)
			if err != nil {
				return nil, &store.ParseError{Message: fmt.Sprintf("invalid replayed_from_event_id: %v", err)}
			}
			replayedFromID = &parsed
		}

		event := types.WebhookEvent{
			ID:                  eventID,
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
			LastError:           nullableString(lastError),
		}

		circuit, err := circuitFromColumns(epID, circuitState, circuitOpenUntil, circuitFailures, circuitLastFailureAt)
		if err != nil {
			return nil, err
		}

		events = append(events, types.LeasedEvent{
			Event:          event,
			TargetURL:      targetURL,
			LeaseExpiresAt: leaseExpiresAt.String,
			Circuit:        circuit,
		})
	}
	return events, rows.Err()
}

// Report applies a worker's verdict for a leased event: it validates lease
// ownership, runs the retry-budget arithmetic, updates the event row and the
// endpoint circuit, and appends the attempt log, all in one transaction.
func (s *Store) Report(ctx context.Context, req *types.ReportRequest) (*ReportResult, error) {
	now := time.Now()
	eventID := req.EventID.String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		endpointID     string
		attempts       int64
		leasedBy       sql.NullString
		leaseExpiresAt sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT endpoint_id, attempts, leased_by, lease_expires_at
		FROM webhook_events
		WHERE id = ?`,
		eventID,
	).Scan(&endpointID, &attempts, &leasedBy, &leaseExpiresAt)
	if err == sql.ErrNoRows {
		return nil, &store.NotFoundError{Message: "event not found"}
	}
	if err != nil {
		return nil, err
	}

	// Advisory checks for diagnostics; the outcome UPDATEs below still
	// require leased_by = worker_id, so a concurrent steal yields zero
	// rows affected and a Conflict either way.
	if !leasedBy.Valid {
		return nil, &store.ConflictError{Reason: "lease_missing"}
	}
	if leasedBy.String != req.WorkerID {
		return nil, &store.ConflictError{Reason: "lease_not_owned"}
	}
	if !leaseExpiresAt.Valid {
		return nil, &store.ConflictError{Reason: "lease_missing"}
	}
	if expires, err := types.ParseRFC3339(leaseExpiresAt.String); err == nil && !expires.After(now) {
		return nil, &store.ConflictError{Reason: "lease_expired"}
	}

	epID, err := uuid.Parse(endpointID)
	if err != nil {
		return nil, &store.ParseError{Message: fmt.Sprintf("invalid endpoint id: %v", err)}
	}

	requestHeaders, err := json.Marshal(req.Attempt.RequestHeaders)
	if err != nil {
		return nil, &store.ParseError{Message: fmt.Sprintf("invalid request headers JSON: %v", err)}
	}
	var responseHeaders *string
	if req.Attempt.ResponseHeaders != nil {
		encoded, err := json.Marshal(req.Attempt.ResponseHeaders)
		if err != nil {
			return nil, &store.ParseError{Message: fmt.Sprintf("invalid response headers JSON: %v", err)}
		}
		v := string(encoded)
		responseHeaders = &v
	}
	var errorKind *string
	if req.Attempt.ErrorKind != nil {
		v := req.Attempt.ErrorKind.String()
		errorKind = &v
	}

	attemptNo := attempts + 1

	// Retry budget: retry only survives while attempts remain.
	exhausted := attemptNo >= int64(s.cfg.MaxAttempts)
	finalOutcome := req.Outcome
	var exhaustedError *string
	if exhausted && req.Outcome == types.OutcomeRetry {
		finalOutcome = types.OutcomeDead
		message := "unknown"
		if req.Attempt.ErrorMessage != nil {
			message = *req.Attempt.ErrorMessage
		}
		v := fmt.Sprintf("max_attempts_exceeded (%d): %s", s.cfg.MaxAttempts, message)
		exhaustedError = &v
	}

	var circuit *types.TargetCircuitState

	switch finalOutcome {
	case types.OutcomeDelivered:
		result, err := tx.ExecContext(ctx, `
			UPDATE webhook_events
			SET status = 'delivered',
			    attempts = attempts + 1,
			    next_attempt_at = NULL,
			    lease_expires_at = NULL,
			    leased_by = NULL,
			    last_error = NULL
			WHERE id = ?
			  AND leased_by = ?`,
			eventID, req.WorkerID,
		)
		if err != nil {
			return nil, err
		}
		if n, err := result.RowsAffected(); err != nil {
			return nil, err
		} else if n == 0 {
			return nil, &store.ConflictError{Reason: "lease_not_owned"}
		}

		updated, err := tx.ExecContext(ctx, `
			UPDATE target_circuit_states
			SET state = 'closed',
			    open_until = NULL,
			    consecutive_failures = 0,
			    last_failure_at = NULL
			WHERE endpoint_id = ?`,
			endpointID,
		)
		if err != nil {
			return nil, err
		}
		if n, err := updated.RowsAffected(); err != nil {
			return nil, err
		} else if n > 0 {
			circuit = &types.TargetCircuitState{
				EndpointID:          epID,
				State:               types.CircuitClosed,
				ConsecutiveFailures: 0,
			}
		}

	case types.OutcomeRetry:
		var nextAttemptAt string
		if req.NextAttemptAt != nil {
			nextAttemptAt, err = types.NormalizeRFC3339UTC(*req.NextAttemptAt)
			if err != nil {
				return nil, &store.ParseError{Message: fmt.Sprintf("invalid next_attempt_at: %v", err)}
			}
		} else {
			nextAttemptAt = computeNextAttemptAt(now, attemptNo)
		}
		lastError := req.Attempt.ErrorMessage
		if lastError == nil {
			lastError = errorKind
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE webhook_events
			SET status = 'pending',
			    attempts = attempts + 1,
			    next_attempt_at = ?,
			    lease_expires_at = NULL,
			    leased_by = NULL,
			    last_error = ?
			WHERE id = ?
			  AND leased_by = ?`,
			nextAttemptAt, lastError, eventID, req.WorkerID,
		)
		if err != nil {
			return nil, err
		}
		if n, err := result.RowsAffected(); err != nil {
			return nil, err
		} else if n == 0 {
			return nil, &store.ConflictError{Reason: "lease_not_owned"}
		}

		circuit, err = s.updateCircuitOnFailure(ctx, tx, epID, now, req.Retryable)
		if err != nil {
			return nil, err
		}

	case types.OutcomeDead:
		lastError := exhaustedError
		if lastError == nil {
			lastError = req.Attempt.ErrorMessage
		}
		if lastError == nil {
			lastError = errorKind
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE webhook_events
			SET status = 'dead',
			    attempts = attempts + 1,
			    next_attempt_at = NULL,
			    lease_expires_at = NULL,
			    leased_by = NULL,
			    last_error = ?
			WHERE id = ?
			  AND leased_by = ?`,
			lastError, eventID, req.WorkerID,
		)
		if err != nil {
			return nil, err
		}
		if n, err := result.RowsAffected(); err != nil {
			return nil, err
		} else if n == 0 {
			return nil, &store.ConflictError{Reason: "lease_not_owned"}
		}

		circuit, err = s.updateCircuitOnFailure(ctx, tx, epID, now, req.Retryable)
		if err != nil {
			return nil, err
		}

	default:
		return nil, &store.ParseError{Message: fmt.Sprintf("unknown outcome: %s", finalOutcome)}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_attempt_logs (
		    id, event_id, attempt_no, started_at, finished_at,
		    request_headers, request_body, response_status,
		    response_headers, response_body, error_kind, error_message
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), eventID, attemptNo,
		req.Attempt.StartedAt, req.Attempt.FinishedAt,
		string(requestHeaders), req.Attempt.RequestBody,
		req.Attempt.ResponseStatus, responseHeaders,
		req.Attempt.ResponseBody, errorKind, req.Attempt.ErrorMessage,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &ReportResult{Circuit: circuit, FinalOutcome: finalOutcome}, nil
}

// updateCircuitOnFailure increments the endpoint's failure counter and opens
// the circuit once the threshold is reached. Non-retryable failures leave
// the circuit untouched.
func (s *Store) updateCircuitOnFailure(ctx context.Context, tx *sql.Tx, endpointID uuid.UUID, now time.Time, retryable bool) (*types.TargetCircuitState, error) {
	if !retryable {
		return nil, nil
	}

	var current int64
	err := tx.QueryRowContext(ctx, `
		SELECT consecutive_failures
		FROM target_circuit_states
		WHERE endpoint_id = ?`,
		endpointID.String(),
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	failures := current + 1
	cooldownMS := computeCooldownMS(s.cfg, failures)
	shouldOpen := failures >= int64(s.cfg.CircuitFailureThreshold)

	state := types.CircuitClosed
	var openUntil *string
	if shouldOpen {
		state = types.CircuitOpen
		v := types.FormatTime(now.Add(time.Duration(cooldownMS) * time.Millisecond))
		openUntil = &v
	}
	nowStr := types.FormatTime(now)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO target_circuit_states (
		    endpoint_id, state, open_until, consecutive_failures, last_failure_at
		)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(endpoint_id) DO UPDATE SET
		    state = excluded.state,
		    open_until = excluded.open_until,
		    consecutive_failures = excluded.consecutive_failures,
		    last_failure_at = excluded.last_failure_at`,
		endpointID.String(), state.String(), openUntil, failures, nowStr,
	); err != nil {
		return nil, err
	}

	return &types.TargetCircuitState{
		EndpointID:          endpointID,
		State:               state,
		OpenUntil:           openUntil,
		ConsecutiveFailures: failures,
		LastFailureAt:       &nowStr,
	}, nil
}

// computeCooldownMS grows the cooldown exponentially past the threshold and
// caps it at the configured maximum.
func computeCooldownMS(cfg config.Dispatcher, failures int64) int64 {
	threshold := int64(cfg.CircuitFailureThreshold)
	if failures < threshold {
		return 0
	}
	exponent := failures - threshold
	cooldown := float64(cfg.CircuitCooldownBaseMS) * math.Pow(cfg.CircuitCooldownFactor, float64(exponent))
	return int64(math.Round(math.Min(cooldown, float64(cfg.CircuitCooldownMaxMS))))
}

// computeNextAttemptAt is the server-side backoff default:
// now + 2^(attempt_no-1) seconds, capped at an hour.
func computeNextAttemptAt(now time.Time, attemptNo int64) string {
	if attemptNo < 1 {
		attemptNo = 1
	}
	exponent := attemptNo - 1
	if exponent > 31 {
		exponent = 31
	}
	delaySecs := int64(1) << exponent
	if delaySecs > 3600 {
		delaySecs = 3600
	}
	return types.FormatTime(now.Add(time.Duration(delaySecs) * time.Second))
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// circuitFromColumns maps a LEFT JOIN's nullable circuit columns to a
// snapshot; a NULL state means no row, which reads as closed.
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
