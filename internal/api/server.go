// Package api exposes the dispatcher and inspector stores as a JSON HTTP
// surface. All input validation happens here, before a store transaction
// begins; the stores trust the values they receive.
package api

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/dispatcher"
	"github.com/austindbirch/hookline/internal/health"
	"github.com/austindbirch/hookline/internal/ingest"
	"github.com/austindbirch/hookline/internal/inspector"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/store"
)

type Server struct {
	cfg      config.Config
	db       *sql.DB
	dispatch *dispatcher.Store
	inspect  *inspector.Store
	ingest   *ingest.Service
	logger   *logging.Logger
}

func NewServer(cfg config.Config, database *sql.DB, logger *logging.Logger) *Server {
	return &Server{
		cfg:      cfg,
		db:       database,
		dispatch: dispatcher.NewStore(database, cfg.Dispatcher),
		inspect:  inspector.NewStore(database),
		ingest:   ingest.NewService(database),
		logger:   logger,
	}
}

// InternalRouter serves the dispatcher surface. It is bound to an internal
// address and carries no auth of its own.
func (s *Server) InternalRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/internal/dispatcher/lease", s.handleLease).Methods("POST")
	r.HandleFunc("/internal/dispatcher/report", s.handleReport).Methods("POST")
	r.HandleFunc("/healthz", health.HTTPHandler(s.db)).Methods("GET")
	return r
}

// APIRouter serves the inspector and ingress surfaces. Inspector routes sit
// behind the optional bearer token.
func (s *Server) APIRouter() *mux.Router {
	r := mux.NewRouter()

	insp := mux.NewRouter()
	insp.HandleFunc("/api/inspector/events", s.handleListEvents).Methods("GET")
	insp.HandleFunc("/api/inspector/events/{id}", s.handleGetEvent).Methods("GET")
	insp.HandleFunc("/api/inspector/events/{id}/attempts", s.handleListAttempts).Methods("GET")
	insp.HandleFunc("/api/inspector/events/{id}/replay", s.handleReplayEvent).Methods("POST")
	r.PathPrefix("/api/inspector/").Handler(InspectorAuth(s.cfg.InspectorAPIToken, insp))

	r.HandleFunc("/api/ingest/endpoints", s.handleCreateEndpoint).Methods("POST")
	r.HandleFunc("/api/ingest/events", s.handleIngestEvent).Methods("POST")
	r.HandleFunc("/healthz", health.HTTPHandler(s.db)).Methods("GET")
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeStoreError maps store error kinds to HTTP statuses. Driver errors
// are masked; parse errors indicate corruption and surface their message.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case store.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case store.IsParse(err):
		s.logger.WithContext(r.Context()).WithError(err).Error("corrupted persisted data")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.logger.WithContext(r.Context()).WithError(err).Error("database error")
		writeError(w, http.StatusInternalServerError, "database error")
	}
}
