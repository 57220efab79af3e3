// Package server exposes run control, the review queue and the live event
// stream over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/raphaelgruber/atomgraph/internal/events"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/raphaelgruber/atomgraph/internal/service"
	"github.com/raphaelgruber/atomgraph/internal/versioning"
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Runs     *service.RunTracker
	Versions *versioning.Engine
	Hub      *events.Hub
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Server is the HTTP front of a worker process.
type Server struct {
	deps   Deps
	router *mux.Router
	logger *slog.Logger
}

// New wires routes and middleware.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, router: mux.NewRouter(), logger: deps.Logger.With("component", "http")}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(RecoverMiddleware(s.logger), LoggingMiddleware(s.logger))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	if s.deps.Hub != nil {
		r.Handle("/events", s.deps.Hub).Methods(http.MethodGet)
	}

	r.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleStartRun).Methods(http.MethodPost)
	r.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/cancel", s.handleCancelRun).Methods(http.MethodPost)

	r.HandleFunc("/versions/pending", s.handlePending).Methods(http.MethodGet)
	r.HandleFunc("/versions/{kind}/{entity}", s.handleListVersions).Methods(http.MethodGet)
	r.HandleFunc("/versions/{kind}/{entity}/diff", s.handleDiff).Methods(http.MethodGet)
	r.HandleFunc("/versions/{kind}/{entity}/{n:[0-9]+}/approve", s.handleReview(true)).Methods(http.MethodPost)
	r.HandleFunc("/versions/{kind}/{entity}/{n:[0-9]+}/reject", s.handleReview(false)).Methods(http.MethodPost)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Metrics metrics.Snapshot    `json:"metrics"`
	Reviews models.VersionStats `json:"reviews"`
	Clients int                 `json:"event_clients"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Metrics: s.deps.Metrics.Snapshot()}
	if s.deps.Versions != nil {
		stats, err := s.deps.Versions.DailyStats(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.Reviews = stats
	}
	if s.deps.Hub != nil {
		resp.Clients = s.deps.Hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

// StartRunRequest is the body of POST /runs.
type StartRunRequest struct {
	AgentConfig   string   `json:"agent_config"`
	MessageIDs    []string `json:"message_ids,omitempty"`
	ChannelIDs    []string `json:"channel_ids,omitempty"`
	LookbackHours int      `json:"lookback_hours,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.AgentConfig == "" {
		writeErrorMessage(w, http.StatusBadRequest, "agent_config is required")
		return
	}
	run, err := s.deps.Runs.Start(r.Context(), service.StartRequest{
		AgentConfig: req.AgentConfig,
		MessageIDs:  req.MessageIDs,
		Filters:     models.RunFilters{ChannelIDs: req.ChannelIDs, LookbackHours: req.LookbackHours},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var status *models.RunStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.RunStatus(v)
		status = &st
	}
	runs, err := s.deps.Runs.List(r.Context(), status, queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.RequestCancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseEntityKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	versions, err := s.deps.Versions.Pending(r.Context(), kind, queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	kind, entity, ok := entityVars(w, r)
	if !ok {
		return
	}
	versions, err := s.deps.Versions.List(r.Context(), kind, entity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	kind, entity, ok := entityVars(w, r)
	if !ok {
		return
	}
	from, to := queryInt(r, "from", 0), queryInt(r, "to", 0)
	if from < 1 || to < 1 {
		writeErrorMessage(w, http.StatusBadRequest, "from and to must be version numbers")
		return
	}
	diff, err := s.deps.Versions.Diff(r.Context(), kind, entity, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// ReviewRequest is the optional body of the approve and reject endpoints.
type ReviewRequest struct {
	By string `json:"by"`
}

func (s *Server) handleReview(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, entity, ok := entityVars(w, r)
		if !ok {
			return
		}
		n, _ := strconv.Atoi(mux.Vars(r)["n"])
		var req ReviewRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
				return
			}
		}
		if req.By == "" {
			req.By = "http"
		}

		review := models.Review{By: req.By}
		var v *models.Version
		var err error
		if approve {
			v, err = s.deps.Versions.Approve(r.Context(), kind, entity, n, review)
		} else {
			v, err = s.deps.Versions.Reject(r.Context(), kind, entity, n, review)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func entityVars(w http.ResponseWriter, r *http.Request) (models.EntityKind, string, bool) {
	vars := mux.Vars(r)
	kind, err := models.ParseEntityKind(vars["kind"])
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return kind, vars["entity"], true
}

func queryInt(r *http.Request, key string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return n
	}
	return def
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrRunNotFound), errors.Is(err, versioning.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRunTerminal), errors.Is(err, versioning.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, versioning.ErrInvalidData):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeErrorMessage(w, status, err.Error())
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
