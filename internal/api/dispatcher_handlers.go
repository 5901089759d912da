package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/store"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/types"
)

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req types.LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be > 0")
		return
	}
	if req.LeaseMS <= 0 {
		writeError(w, http.StatusBadRequest, "lease_ms must be > 0")
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "dispatcher.lease",
		attribute.String("worker_id", req.WorkerID),
		attribute.Int64("limit", req.Limit),
	)
	defer span.End()

	events, err := s.dispatch.Lease(ctx, &req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.writeStoreError(w, r, err)
		return
	}
	span.SetAttributes(attribute.Int("leased", len(events)))
	metrics.RecordLease(len(events))

	writeJSON(w, http.StatusOK, types.LeaseResponse{Events: events})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req types.ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if msg, ok := validateReport(&req); !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "dispatcher.report",
		attribute.String("worker_id", req.WorkerID),
		attribute.String("event_id", req.EventID.String()),
		attribute.String("outcome", req.Outcome.String()),
	)
	defer span.End()

	result, err := s.dispatch.Report(ctx, &req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		if ce := conflictReason(err); ce != "" {
			metrics.RecordConflict(ce)
		}
		s.writeStoreError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("final_outcome", result.FinalOutcome.String()))
	metrics.RecordReport(result.FinalOutcome.String())
	if result.Circuit != nil && result.Circuit.State == types.CircuitOpen {
		metrics.CircuitOpensTotal.Inc()
	}

	writeJSON(w, http.StatusOK, types.ReportResponse{
		Circuit:      result.Circuit,
		FinalOutcome: result.FinalOutcome,
	})
}

// validateReport rejects malformed reports before any transaction begins.
func validateReport(req *types.ReportRequest) (string, bool) {
	if strings.TrimSpace(req.WorkerID) == "" {
		return "worker_id is required", false
	}
	switch req.Outcome {
	case types.OutcomeDelivered, types.OutcomeRetry, types.OutcomeDead:
	default:
		return "outcome is invalid", false
	}
	startedAt := strings.TrimSpace(req.Attempt.StartedAt)
	finishedAt := strings.TrimSpace(req.Attempt.FinishedAt)
	if startedAt == "" || finishedAt == "" {
		return "attempt started_at and finished_at are required", false
	}
	started, err := types.ParseRFC3339(startedAt)
	if err != nil {
		return "attempt started_at must be RFC3339", false
	}
	finished, err := types.ParseRFC3339(finishedAt)
	if err != nil {
		return "attempt finished_at must be RFC3339", false
	}
	if finished.Before(started) {
		return "attempt finished_at must be >= started_at", false
	}
	if req.NextAttemptAt != nil {
		if _, err := types.ParseRFC3339(*req.NextAttemptAt); err != nil {
			return "next_attempt_at must be RFC3339", false
		}
	}
	return "", true
}

func conflictReason(err error) string {
	var ce *store.ConflictError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}
