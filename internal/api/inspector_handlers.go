package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookline/internal/inspector"
	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := int64(defaultListLimit)
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = parsed
	}

	params := inspector.ListEventsParams{Limit: limit}

	if raw := q.Get("before"); raw != "" {
		cursor, err := decodeCursor(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		params.Before = cursor
	}
	if raw := q.Get("status"); raw != "" {
		status, err := types.ParseEventStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "status is invalid")
			return
		}
		params.Status = &status
	}
	if raw := q.Get("endpoint_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "endpoint_id must be a UUID")
			return
		}
		params.EndpointID = &id
	}
	if raw, ok := q["provider"]; ok {
		provider := strings.TrimSpace(raw[0])
		if provider == "" {
			writeError(w, http.StatusBadRequest, "provider must be non-empty")
			return
		}
		params.Provider = &provider
	}

	result, err := s.inspect.ListEvents(r.Context(), &params)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	resp := types.ListEventsResponse{Events: result.Events}
	if result.NextBefore != nil {
		encoded := encodeCursor(result.NextBefore)
		resp.NextBefore = &encoded
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathEventID(w, r)
	if !ok {
		return
	}

	result, err := s.inspect.GetEvent(r.Context(), eventID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathEventID(w, r)
	if !ok {
		return
	}

	result, err := s.inspect.ListAttempts(r.Context(), eventID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReplayEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathEventID(w, r)
	if !ok {
		return
	}

	var req types.ReplayEventRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	resetCircuit := req.ResetCircuit != nil && *req.ResetCircuit

	ctx, span := tracing.StartSpan(r.Context(), "inspector.replay",
		attribute.String("event_id", eventID.String()),
		attribute.Bool("reset_circuit", resetCircuit),
	)
	defer span.End()

	result, err := s.inspect.ReplayEvent(ctx, eventID, resetCircuit)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.writeStoreError(w, r, err)
		return
	}
	metrics.ReplaysTotal.Inc()

	writeJSON(w, http.StatusOK, result)
}

// pathEventID parses the {id} path segment, writing a validation error on
// failure.
func pathEventID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "event_id must be a UUID")
		return uuid.UUID{}, false
	}
	return id, true
}
