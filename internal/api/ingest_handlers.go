package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/austindbirch/hookline/internal/ingest"
	"github.com/austindbirch/hookline/internal/metrics"
)

type createEndpointRequest struct {
	TargetURL string `json:"target_url"`
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	endpoint, err := s.ingest.CreateEndpoint(r.Context(), strings.TrimSpace(req.TargetURL))
	if err != nil {
		if ingest.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, endpoint)
}

type ingestEventRequest struct {
	EndpointID uuid.UUID         `json:"endpoint_id"`
	Provider   string            `json:"provider"`
	Headers    map[string]string `json:"headers"`
	Payload    string            `json:"payload"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}
	if req.EndpointID == (uuid.UUID{}) {
		writeError(w, http.StatusBadRequest, "endpoint_id is required")
		return
	}

	event, err := s.ingest.IngestEvent(r.Context(), req.EndpointID, req.Provider, req.Headers, req.Payload)
	if err != nil {
		if ingest.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeStoreError(w, r, err)
		return
	}
	metrics.EventsIngestedTotal.WithLabelValues(req.Provider).Inc()

	writeJSON(w, http.StatusCreated, event)
}
