package dispatcher

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/db"
	"github.com/austindbirch/hookline/internal/store"
	"github.com/austindbirch/hookline/internal/types"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	database, err := db.Connect(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return NewStore(database, config.Dispatcher{
		CircuitFailureThreshold: 3,
		CircuitCooldownBaseMS:   30_000,
		CircuitCooldownFactor:   2.0,
		CircuitCooldownMaxMS:    600_000,
		MaxAttempts:             5,
	}), database
}

func seedEndpoint(t *testing.T, database *sql.DB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if _, err := database.Exec(
		`INSERT INTO endpoints (id, target_url) VALUES (?, ?)`,
		id.String(), "https://example.com/hook",
	); err != nil {
		t.Fatalf("seed endpoint: %v", err)
	}
	return id
}

type eventSeed struct {
	status         types.WebhookEventStatus
	attempts       int64
	receivedAt     time.Time
	nextAttemptAt  *time.Time
	leaseExpiresAt *time.Time
	leasedBy       string
}

func seedEvent(t *testing.T, database *sql.DB, endpointID uuid.UUID, seed eventSeed) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if seed.receivedAt.IsZero() {
		seed.receivedAt = time.Now().Add(-time.Minute)
	}
	var nextAttemptAt, leaseExpiresAt, leasedBy any
	if seed.nextAttemptAt != nil {
		nextAttemptAt = types.FormatTime(*seed.nextAttemptAt)
	}
	if seed.leaseExpiresAt != nil {
		leaseExpiresAt = types.FormatTime(*seed.leaseExpiresAt)
	}
	if seed.leasedBy != "" {
		leasedBy = seed.leasedBy
	}
	if _, err := database.Exec(`
		INSERT INTO webhook_events (
		    id, endpoint_id, replayed_from_event_id, provider, headers,
		    payload, status, attempts, received_at, next_attempt_at,
		    lease_expires_at, leased_by, last_error
		)
		VALUES (?, ?, NULL, 'github', '{}', '{"action":"push"}', ?, ?, ?, ?, ?, ?, NULL)`,
		id.String(), endpointID.String(), seed.status.String(), seed.attempts,
		types.FormatTime(seed.receivedAt), nextAttemptAt, leaseExpiresAt, leasedBy,
	); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return id
}

func seedCircuit(t *testing.T, database *sql.DB, endpointID uuid.UUID, state types.CircuitStatus, openUntil *time.Time, failures int64) {
	t.Helper()
	var openUntilVal any
	if openUntil != nil {
		openUntilVal = types.FormatTime(*openUntil)
	}
	if _, err := database.Exec(`
		INSERT INTO target_circuit_states (endpoint_id, state, open_until, consecutive_failures, last_failure_at)
		VALUES (?, ?, ?, ?, ?)`,
		endpointID.String(), state.String(), openUntilVal, failures, types.FormatTime(time.Now()),
	); err != nil {
		t.Fatalf("seed circuit: %v", err)
	}
}

type eventRow struct {
	status         string
	attempts       int64
	nextAttemptAt  sql.NullString
	leaseExpiresAt sql.NullString
	leasedBy       sql.NullString
	lastError      sql.NullString
}

func getEventRow(t *testing.T, database *sql.DB, id uuid.UUID) eventRow {
	t.Helper()
	var row eventRow
	err := database.QueryRow(`
		SELECT status, attempts, next_attempt_at, lease_expires_at, leased_by, last_error
		FROM webhook_events WHERE id = ?`,
		id.String(),
	).Scan(&row.status, &row.attempts, &row.nextAttemptAt, &row.leaseExpiresAt, &row.leasedBy, &row.lastError)
	if err != nil {
		t.Fatalf("read event row: %v", err)
	}
	return row
}

type circuitRow struct {
	state     string
	openUntil sql.NullString
	failures  int64
}

func getCircuitRow(t *testing.T, database *sql.DB, endpointID uuid.UUID) (circuitRow, bool) {
	t.Helper()
	var row circuitRow
	err := database.QueryRow(`
		SELECT state, open_until, consecutive_failures
		FROM target_circuit_states WHERE endpoint_id = ?`,
		endpointID.String(),
	).Scan(&row.state, &row.openUntil, &row.failures)
	if err == sql.ErrNoRows {
		return circuitRow{}, false
	}
	if err != nil {
		t.Fatalf("read circuit row: %v", err)
	}
	return row, true
}

func countAttemptLogs(t *testing.T, database *sql.DB, eventID uuid.UUID) int64 {
	t.Helper()
	var n int64
	if err := database.QueryRow(
		`SELECT COUNT(*) FROM webhook_attempt_logs WHERE event_id = ?`,
		eventID.String(),
	).Scan(&n); err != nil {
		t.Fatalf("count attempt logs: %v", err)
	}
	return n
}

func baseAttempt() types.ReportAttempt {
	now := types.FormatTime(time.Now())
	return types.ReportAttempt{
		StartedAt:      now,
		FinishedAt:     now,
		RequestHeaders: map[string]string{"Content-Type": "application/json"},
		RequestBody:    `{"action":"push"}`,
	}
}

func leaseFor(t *testing.T, s *Store, workerID string, limit int64) []types.LeasedEvent {
	t.Helper()
	events, err := s.Lease(context.Background(), &types.LeaseRequest{
		Limit:    limit,
		LeaseMS:  30_000,
		WorkerID: workerID,
	})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	return events
}

func TestLeaseEligibilityFilter(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	a := seedEvent(t, database, endpoint, eventSeed{status: types.StatusPending})
	b := seedEvent(t, database, endpoint, eventSeed{status: types.StatusRequeued, nextAttemptAt: &past})
	c := seedEvent(t, database, endpoint, eventSeed{status: types.StatusPending, nextAttemptAt: &future})
	d := seedEvent(t, database, endpoint, eventSeed{status: types.StatusInFlight, leaseExpiresAt: &future, leasedBy: "other-worker"})

	events := leaseFor(t, s, "worker-1", 50)

	got := map[uuid.UUID]bool{}
	for _, e := range events {
		got[e.Event.ID] = true
		if e.Event.Status != types.StatusInFlight {
			t.Errorf("leased event %s status = %s, want in_flight", e.Event.ID, e.Event.Status)
		}
		if e.Event.LeasedBy == nil || *e.Event.LeasedBy != "worker-1" {
			t.Errorf("leased event %s leased_by = %v, want worker-1", e.Event.ID, e.Event.LeasedBy)
		}
	}
	if len(events) != 2 || !got[a] || !got[b] {
		t.Fatalf("leased %v, want {%s, %s}", got, a, b)
	}
	if got[c] || got[d] {
		t.Fatalf("leased ineligible events: %v", got)
	}
}

func TestLeaseReclaimsExpiredLease(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)

	expired := time.Now().Add(-time.Hour)
	id := seedEvent(t, database, endpoint, eventSeed{
		status:         types.StatusInFlight,
		leaseExpiresAt: &expired,
		leasedBy:       "worker-old",
	})

	events := leaseFor(t, s, "worker-new", 10)
	if len(events) != 1 || events[0].Event.ID != id {
		t.Fatalf("lease returned %d events, want the expired-lease event", len(events))
	}
	if events[0].Event.LeasedBy == nil || *events[0].Event.LeasedBy != "worker-new" {
		t.Errorf("leased_by = %v, want worker-new", events[0].Event.LeasedBy)
	}
	expires, err := types.ParseRFC3339(events[0].LeaseExpiresAt)
	if err != nil {
		t.Fatalf("parse lease_expires_at: %v", err)
	}
	if !expires.After(time.Now()) {
		t.Errorf("lease_expires_at = %s, want a future timestamp", events[0].LeaseExpiresAt)
	}
}

func TestLeaseOrdersByReceivedAt(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)

	base := time.Now().Add(-time.Hour)
	var want []uuid.UUID
	// Seed newest-first so insertion order cannot mask an ordering bug.
	for i := 4; i >= 0; i-- {
		received := base.Add(time.Duration(i) * time.Minute)
		id := seedEvent(t, database, endpoint, eventSeed{status: types.StatusPending, receivedAt: received})
		want = append([]uuid.UUID{id}, want...)
	}

	events := leaseFor(t, s, "worker-1", 50)
	if len(events) != len(want) {
		t.Fatalf("leased %d events, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.Event.ID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, e.Event.ID, want[i])
		}
	}
}

func TestLeaseRespectsLimit(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)
	for i := 0; i < 5; i++ {
		seedEvent(t, database, endpoint, eventSeed{
			status:     types.StatusPending,
			receivedAt: time.Now().Add(-time.Hour + time.Duration(i)*time.Second),
		})
	}

	if got := len(leaseFor(t, s, "worker-1", 3)); got != 3 {
		t.Fatalf("leased %d events, want 3", got)
	}
	// The remaining two are still available to another worker.
	if got := len(leaseFor(t, s, "worker-2", 10)); got != 2 {
		t.Fatalf("second lease got %d events, want 2", got)
	}
}

func TestLeaseCircuitOpenBlocksThenHalfOpens(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)
	seedEvent(t, database, endpoint, eventSeed{status: types.StatusPending})

	openUntil := time.Now().Add(time.Hour)
	seedCircuit(t, database, endpoint, types.CircuitOpen, &openUntil, 3)

	if got := len(leaseFor(t, s, "worker-1", 10)); got != 0 {
		t.Fatalf("leased %d events through an open circuit, want 0", got)
	}

	// Expire the cooldown; the next lease half-opens the circuit and
	// returns the event.
	past := types.FormatTime(time.Now().Add(-time.Second))
	if _, err := database.Exec(
		`UPDATE target_circuit_states SET open_until = ? WHERE endpoint_id = ?`,
		past, endpoint.String(),
	); err != nil {
		t.Fatalf("update open_until: %v", err)
	}

	events := leaseFor(t, s, "worker-1", 10)
	if len(events) != 1 {
		t.Fatalf("leased %d events after cooldown, want 1", len(events))
	}
	row, ok := getCircuitRow(t, database, endpoint)
	if !ok {
		t.Fatal("circuit row missing")
	}
	if row.state != "closed" {
		t.Errorf("circuit state = %s, want closed", row.state)
	}
	if row.openUntil.Valid {
		t.Errorf("open_until = %s, want NULL", row.openUntil.String)
	}
	// Failure memory survives the half-open so the next failure can
	// re-open rapidly.
	if row.failures != 3 {
		t.Errorf("consecutive_failures = %d, want 3", row.failures)
	}
}

func TestLeaseSkipsPausedEvents(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)
	seedEvent(t, database, endpoint, eventSeed{status: types.StatusPaused})

	if got := len(leaseFor(t, s, "worker-1", 10)); got != 0 {
		t.Fatalf("leased %d paused events, want 0", got)
	}
}

func TestLeaseUniquenessUnderConcurrency(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)
	const total = 40
	for i := 0; i < total; i++ {
		seedEvent(t, database, endpoint, eventSeed{
			status:     types.StatusPending,
			receivedAt: time.Now().Add(-time.Hour + time.Duration(i)*time.Second),
		})
	}

	const workers = 8
	results := make([][]types.LeasedEvent, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			events, err := s.Lease(context.Background(), &types.LeaseRequest{
				Limit:    total,
				LeaseMS:  60_000,
				WorkerID: fmt.Sprintf("worker-%d", w),
			})
			if err != nil {
				t.Errorf("worker %d lease: %v", w, err)
				return
			}
			results[w] = events
		}(w)
	}
	wg.Wait()

	seen := map[uuid.UUID]string{}
	sum := 0
	for w, events := range results {
		sum += len(events)
		for _, e := range events {
			if prev, dup := seen[e.Event.ID]; dup {
				t.Fatalf("event %s leased to both %s and worker-%d", e.Event.ID, prev, w)
			}
			seen[e.Event.ID] = fmt.Sprintf("worker-%d", w)
		}
	}
	if sum != total || len(seen) != total {
		t.Fatalf("leased %d events (%d unique), want %d", sum, len(seen), total)
	}
}

func TestReportDeliveredHappyPath(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)
	future := time.Now().Add(time.Minute)
	id := seedEvent(t, database, endpoint, eventSeed{
		status:         types.StatusInFlight,
		leaseExpiresAt: &future,
		leasedBy:       "w",
	})
	seedCircuit(t, database, endpoint, types.CircuitOpen, &future, 4)

	result, err := s.Report(context.Background(), &types.ReportRequest{
		WorkerID: "w",
		EventID:  id,
		Outcome:  types.OutcomeDelivered,
		Attempt:  baseAttempt(),
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if result.FinalOutcome != types.OutcomeDelivered {
		t.Errorf("final_outcome = %s, want delivered", result.FinalOutcome)
	}

	row := getEventRow(t, database, id)
	if row.status != "delivered" {
		t.Errorf("status = %s, want delivered", row.status)
	}
	if row.attempts != 1 {
		t.Errorf("attempts = %d, want 1", row.attempts)
	}
	if row.leaseExpiresAt.Valid || row.leasedBy.Valid || row.nextAttemptAt.Valid || row.lastError.Valid {
		t.Errorf("lease/schedule/error fields not cleared: %+v", row)
	}
	if n := countAttemptLogs(t, database, id); n != 1 {
		t.Errorf("attempt logs = %d, want 1", n)
	}

	circuit, ok := getCircuitRow(t, database, endpoint)
	if !ok {
		t.Fatal("circuit row missing")
	}
	if circuit.state != "closed" || circuit.failures != 0 || circuit.openUntil.Valid {
		t.Errorf("circuit = %+v, want closed/0/NULL", circuit)
	}
	if result.Circuit == nil || result.Circuit.State != types.CircuitClosed {
		t.Errorf("result circuit = %+v, want closed snapshot", result.Circuit)
	}
}

func TestReportRetrySchedulesBackoff(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)
	future := time.Now().Add(time.Minute)
	id := seedEvent(t, database, endpoint, eventSeed{
		status:         types.StatusInFlight,
		leaseExpiresAt: &future,
		leasedBy:       "w",
	})

	attempt := baseAttempt()
	message := "connection refused"
	attempt.ErrorMessage = &message

	result, err := s.Report(context.Background(), &types.ReportRequest{
		WorkerID:  "w",
		EventID:   id,
		Outcome:   types.OutcomeRetry,
		Retryable: true,
		Attempt:   attempt,
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if result.FinalOutcome != types.OutcomeRetry {
		t.Errorf("final_outcome = %s, want retry", result.FinalOutcome)
	}

	row := getEventRow(t, database, id)
	if row.status != "pending" {
		t.Errorf("status = %s, want pending", row.status)
	}
	if row.attempts != 1 {
		t.Errorf("attempts = %d, want 1", row.attempts)
	}
	if !row.nextAttemptAt.Valid {
		t.Fatal("next_attempt_at not set")
	}
	// First retry backs off 2^0 = 1 second.
	next, err := types.ParseRFC3339(row.nextAttemptAt.String)
	if err != nil {
		t.Fatalf("parse next_attempt_at: %v", err)
	}
	delta := time.Until(next)
	if delta < -2*time.Second || delta > 3*time.Second {
		t.Errorf("next_attempt_at %s not ~1s out", row.nextAttemptAt.String)
	}
	if !row.lastError.Valid || row.lastError.String != "connection refused" {
		t.Errorf("last_error = %v, want connection refused", row.lastError)
	}
	if row.leasedBy.Valid || row.leaseExpiresAt.Valid {
		t.Errorf("lease fields not cleared: %+v", row)
	}
}

func TestReportRetryHonorsCallerNextAttemptAt(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)
	future := time.Now().Add(time.Minute)
	id := seedEvent(t, database, endpoint, eventSeed{
		status:         types.StatusInFlight,
		leaseExpiresAt: &future,
		leasedBy:       "w",
	})

	// Offset timestamps are normalized to UTC whole seconds.
	override := "2030-01-02T03:04:05+02:00"
	_, err := s.Report(context.Background(), &types.ReportRequest{
		WorkerID:      "w",
		EventID:       id,
		Outcome:       types.OutcomeRetry,
		Retryable:     true,
		NextAttemptAt: &override,
		Attempt:       baseAttempt(),
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	row := getEventRow(t, database, id)
	if !row.nextAttemptAt.Valid || row.nextAttemptAt.String != "2030-01-02T01:04:05Z" {
		t.Errorf("next_attempt_at = %v, want 2030-01-02T01:04:05Z", row.nextAttemptAt)
	}
}

func TestReportMaxAttemptsCoercion(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)
	future := time.Now().Add(time.Minute)
	id := seedEvent(t, database, endpoint, eventSeed{
		status:         types.StatusInFlight,
		attempts:       4,
		leaseExpiresAt: &future,
		leasedBy:       "w",
	})

	attempt := baseAttempt()
	message := "Timeout"
	attempt.ErrorMessage = &message

	result, err := s.Report(context.Background(), &types.ReportRequest{
		WorkerID:  "w",
		EventID:   id,
		Outcome:   types.OutcomeRetry,
		Retryable: true,
		Attempt:   attempt,
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if result.FinalOutcome != types.OutcomeDead {
		t.Errorf("final_outcome = %s, want dead", result.FinalOutcome)
	}

	row := getEventRow(t, database, id)
	if row.status != "dead" {
		t.Errorf("status = %s, want dead", row.status)
	}
	if row.attempts != 5 {
		t.Errorf("attempts = %d, want 5", row.attempts)
	}
	if !row.lastError.Valid || !strings.Contains(row.lastError.String, "max_attempts_exceeded (5): Timeout") {
		t.Errorf("last_error = %v, want max_attempts_exceeded prefix", row.lastError)
	}
	if row.nextAttemptAt.Valid {
		t.Errorf("next_attempt_at = %s, want NULL", row.nextAttemptAt.String)
	}
}

func TestReportLeaseOwnershipConflict(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)
	future := time.Now().Add(time.Minute)
	id := seedEvent(t, database, endpoint, eventSeed{
		status:         types.StatusInFlight,
		leaseExpiresAt: &future,
		leasedBy:       "original-worker",
	})

	_, err := s.Report(context.Background(), &types.ReportRequest{
		WorkerID: "wrong-worker",
		EventID:  id,
		Outcome:  types.OutcomeDelivered,
		Attempt:  baseAttempt(),
	})
	if !store.IsConflict(err) {
		t.Fatalf("err = %v, want Conflict", err)
	}
	if err.Error() != "lease_not_owned" {
		t.Errorf("conflict reason = %q, want lease_not_owned", err.Error())
	}

	row := getEventRow(t, database, id)
	if row.status != "in_flight" || row.attempts != 0 {
		t.Errorf("event mutated by rejected report: %+v", row)
	}
	if n := countAttemptLogs(t, database, id); n != 0 {
		t.Errorf("attempt logs = %d, want 0", n)
	}
}

func TestReportConflictReasons(t *testing.T) {
	tests := []struct {
		name   string
		seed   eventSeed
		reason string
	}{
		{
			name:   "no lease at all",
			seed:   eventSeed{status: types.StatusPending},
			reason: "lease_missing",
		},
		{
			name: "expired lease",
			seed: func() eventSeed {
				past := time.Now().Add(-time.Minute)
				return eventSeed{status: types.StatusInFlight, leaseExpiresAt: &past, leasedBy: "w"}
			}(),
			reason: "lease_expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, database := newTestStore(t)
			endpoint := seedEndpoint(t, database)
			id := seedEvent(t, database, endpoint, tt.seed)

			_, err := s.Report(context.Background(), &types.ReportRequest{
				WorkerID: "w",
				EventID:  id,
				Outcome:  types.OutcomeDelivered,
				Attempt:  baseAttempt(),
			})
			if !store.IsConflict(err) {
				t.Fatalf("err = %v, want Conflict", err)
			}
			if err.Error() != tt.reason {
				t.Errorf("conflict reason = %q, want %q", err.Error(), tt.reason)
			}
		})
	}
}

func TestReportNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Report(context.Background(), &types.ReportRequest{
		WorkerID: "w",
		EventID:  uuid.New(),
		Outcome:  types.OutcomeDelivered,
		Attempt:  baseAttempt(),
	})
	if !store.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestTerminalStatusesAreSticky(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)
	future := time.Now().Add(time.Minute)
	id := seedEvent(t, database, endpoint, eventSeed{
		status:         types.StatusInFlight,
		leaseExpiresAt: &future,
		leasedBy:       "w",
	})

	if _, err := s.Report(context.Background(), &types.ReportRequest{
		WorkerID: "w",
		EventID:  id,
		Outcome:  types.OutcomeDelivered,
		Attempt:  baseAttempt(),
	}); err != nil {
		t.Fatalf("first report: %v", err)
	}

	// The lease is gone, so any further report conflicts and the row
	// stays delivered.
	_, err := s.Report(context.Background(), &types.ReportRequest{
		WorkerID: "w",
		EventID:  id,
		Outcome:  types.OutcomeDead,
		Attempt:  baseAttempt(),
	})
	if !store.IsConflict(err) {
		t.Fatalf("second report err = %v, want Conflict", err)
	}
	row := getEventRow(t, database, id)
	if row.status != "delivered" || row.attempts != 1 {
		t.Errorf("terminal row mutated: %+v", row)
	}
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)

	var result *ReportResult
	for i := 0; i < 3; i++ {
		future := time.Now().Add(time.Minute)
		id := seedEvent(t, database, endpoint, eventSeed{
			status:         types.StatusInFlight,
			leaseExpiresAt: &future,
			leasedBy:       "w",
		})
		attempt := baseAttempt()
		message := "upstream 503"
		attempt.ErrorMessage = &message

		var err error
		result, err = s.Report(context.Background(), &types.ReportRequest{
			WorkerID:  "w",
			EventID:   id,
			Outcome:   types.OutcomeRetry,
			Retryable: true,
			Attempt:   attempt,
		})
		if err != nil {
			t.Fatalf("report %d: %v", i+1, err)
		}
	}

	if result.Circuit == nil {
		t.Fatal("no circuit snapshot returned")
	}
	if result.Circuit.State != types.CircuitOpen {
		t.Errorf("circuit state = %s, want open", result.Circuit.State)
	}
	if result.Circuit.ConsecutiveFailures != 3 {
		t.Errorf("consecutive_failures = %d, want 3", result.Circuit.ConsecutiveFailures)
	}
	if result.Circuit.OpenUntil == nil {
		t.Fatal("open_until not set on open circuit")
	}
	openUntil, err := types.ParseRFC3339(*result.Circuit.OpenUntil)
	if err != nil {
		t.Fatalf("parse open_until: %v", err)
	}
	until := time.Until(openUntil)
	if until <= 0 || until > 600*time.Second {
		t.Errorf("open_until %s outside (now, now+cooldown_max]", *result.Circuit.OpenUntil)
	}
}

func TestCircuitCooldownGrowsPastThreshold(t *testing.T) {
	cfg := config.Dispatcher{
		CircuitFailureThreshold: 3,
		CircuitCooldownBaseMS:   30_000,
		CircuitCooldownFactor:   2.0,
		CircuitCooldownMaxMS:    600_000,
		MaxAttempts:             5,
	}

	tests := []struct {
		failures int64
		want     int64
	}{
		{failures: 1, want: 0},
		{failures: 2, want: 0},
		{failures: 3, want: 30_000},
		{failures: 4, want: 60_000},
		{failures: 5, want: 120_000},
		{failures: 8, want: 600_000}, // capped
		{failures: 50, want: 600_000},
	}
	for _, tt := range tests {
		if got := computeCooldownMS(cfg, tt.failures); got != tt.want {
			t.Errorf("computeCooldownMS(%d) = %d, want %d", tt.failures, got, tt.want)
		}
	}
}

func TestCircuitUntouchedWhenNotRetryable(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)
	future := time.Now().Add(time.Minute)
	id := seedEvent(t, database, endpoint, eventSeed{
		status:         types.StatusInFlight,
		leaseExpiresAt: &future,
		leasedBy:       "w",
	})

	result, err := s.Report(context.Background(), &types.ReportRequest{
		WorkerID:  "w",
		EventID:   id,
		Outcome:   types.OutcomeRetry,
		Retryable: false,
		Attempt:   baseAttempt(),
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if result.Circuit != nil {
		t.Errorf("circuit snapshot = %+v, want nil", result.Circuit)
	}
	if _, ok := getCircuitRow(t, database, endpoint); ok {
		t.Error("circuit row created by non-retryable failure")
	}
}

func TestComputeNextAttemptAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		attemptNo int64
		want      string
	}{
		{attemptNo: 1, want: "2026-03-01T12:00:01Z"},
		{attemptNo: 2, want: "2026-03-01T12:00:02Z"},
		{attemptNo: 5, want: "2026-03-01T12:00:16Z"},
		{attemptNo: 12, want: "2026-03-01T12:34:08Z"},
		{attemptNo: 13, want: "2026-03-01T13:00:00Z"}, // capped at 3600s
		{attemptNo: 40, want: "2026-03-01T13:00:00Z"}, // exponent capped
		{attemptNo: 0, want: "2026-03-01T12:00:01Z"},  // clamped to 1
	}
	for _, tt := range tests {
		if got := computeNextAttemptAt(now, tt.attemptNo); got != tt.want {
			t.Errorf("computeNextAttemptAt(%d) = %s, want %s", tt.attemptNo, got, tt.want)
		}
	}
}

func TestAttemptLogMatchesAttemptCount(t *testing.T) {
	s, database := newTestStore(t)
	endpoint := seedEndpoint(t, database)

	var id uuid.UUID
	for i := 0; i < 3; i++ {
		future := time.Now().Add(time.Minute)
		id = seedEvent(t, database, endpoint, eventSeed{
			status:         types.StatusInFlight,
			attempts:       int64(i),
			leaseExpiresAt: &future,
			leasedBy:       "w",
		})
		if _, err := s.Report(context.Background(), &types.ReportRequest{
			WorkerID:  "w",
			EventID:   id,
			Outcome:   types.OutcomeRetry,
			Retryable: true,
			Attempt:   baseAttempt(),
		}); err != nil {
			t.Fatalf("report: %v", err)
		}

		row := getEventRow(t, database, id)
		if row.attempts != int64(i)+1 {
			t.Errorf("attempts = %d, want %d", row.attempts, i+1)
		}
		var attemptNo int64
		if err := database.QueryRow(
			`SELECT attempt_no FROM webhook_attempt_logs WHERE event_id = ? ORDER BY attempt_no DESC LIMIT 1`,
			id.String(),
		).Scan(&attemptNo); err != nil {
			t.Fatalf("read attempt log: %v", err)
		}
		if attemptNo != int64(i)+1 {
			t.Errorf("attempt_no = %d, want %d", attemptNo, i+1)
		}
	}
}
