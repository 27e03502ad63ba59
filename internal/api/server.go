package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"pmwflow/internal/audit"
	"pmwflow/internal/events"
	"pmwflow/internal/logging"
	"pmwflow/internal/services"
	"pmwflow/internal/store"
	"pmwflow/internal/workflow"
)

// Store is the persistence surface the server reads.
type Store interface {
	RunReader
	CheckHealth(ctx context.Context) (store.DatabaseHealth, error)
}

// Workflow creates and resumes runs.
type Workflow interface {
	Trigger(ctx context.Context, req workflow.TriggerRequest) (workflow.TriggerResult, error)
	Restart(ctx context.Context, req workflow.RestartRequest) (workflow.RestartResult, error)
}

// Verifier walks a run's audit chain.
type Verifier interface {
	VerifyRun(ctx context.Context, runID int64) (audit.Report, error)
}

// StatusFunc reports daemon state for GET /api/status.
type StatusFunc func(ctx context.Context) DaemonStatus

// Options wires a Server.
type Options struct {
	Bind     string
	Token    string
	Store    Store
	Workflow Workflow
	Verifier Verifier
	Hub      *events.Hub
	Status   StatusFunc
	Logger   *slog.Logger
}

// Server is the HTTP trigger and operator API.
type Server struct {
	bind     string
	logger   *slog.Logger
	store    Store
	runs     *RunService
	workflow Workflow
	verifier Verifier
	hub      *events.Hub
	status   StatusFunc
	validate *validator.Validate

	handler  http.Handler
	listener net.Listener
	server   *http.Server
}

const (
	defaultRunLimit   = 50
	eventBatchLimit   = 100
	sseKeepalive      = 15 * time.Second
	serverStopTimeout = 5 * time.Second
)

// NewServer builds the server and its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Workflow == nil {
		return nil, errors.New("api server requires a store and a workflow service")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		bind:     strings.TrimSpace(opts.Bind),
		logger:   logging.NewComponentLogger(logger, "api-server"),
		store:    opts.Store,
		runs:     NewRunService(opts.Store),
		workflow: opts.Workflow,
		verifier: opts.Verifier,
		hub:      opts.Hub,
		status:   opts.Status,
		validate: NewValidator(),
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/workflow/trigger", s.handleTrigger)
	api.HandleFunc("POST /api/workflow/restart", s.handleRestart)
	api.HandleFunc("GET /api/runs", s.handleRuns)
	api.HandleFunc("GET /api/runs/{id}", s.handleRun)
	api.HandleFunc("GET /api/runs/{id}/verify", s.handleVerify)
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("GET /api/events", s.handleEvents)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("/api/", authMiddleware(opts.Token, api))
	s.handler = root

	s.server = &http.Server{
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured bind address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error",
				logging.Error(err),
				logging.EventType("api_server_failed"),
				logging.String(logging.FieldErrorHint, "check api.bind and port availability"),
			)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.EventType("api_server_started"),
	)
	return nil
}

// Addr returns the bound address once Start has run.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting briefly for open requests.
func (s *Server) Stop() {
	if s == nil || s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := DecodeRequest(s.validate, r.Body, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	result, err := s.workflow.Trigger(r.Context(), workflow.TriggerRequest{
		TopicID:     req.TopicID,
		TriggeredBy: store.TriggerAPI,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, TriggerResponse{
		RunID:   result.RunID,
		StageID: result.StageID,
		Status:  result.Status,
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req RestartRequest
	if err := DecodeRequest(s.validate, r.Body, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	result, err := s.workflow.Restart(r.Context(), workflow.RestartRequest{
		RunID:    req.RunID,
		Operator: req.Operator,
		Note:     req.Note,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, RestartResponse{
		RunID:         result.RunID,
		StageID:       result.StageID,
		Stage:         result.Stage,
		Attempt:       result.Attempt,
		AttemptOffset: result.AttemptOffset,
		Status:        result.Status,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var statuses []store.RunStatus
	for _, value := range query["status"] {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := store.ParseRunStatus(part)
			if !ok {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown run status %q", part), nil)
				return
			}
			statuses = append(statuses, status)
		}
	}
	limit := defaultRunLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}

	runs, err := s.runs.List(r.Context(), limit, statuses...)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RunListResponse{Runs: runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	detail, err := s.runs.Describe(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if detail == nil {
		s.writeError(w, http.StatusNotFound, "run not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, RunResponse{Run: *detail})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if s.verifier == nil {
		s.writeError(w, http.StatusServiceUnavailable, "audit vault unavailable", nil)
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if run == nil {
		s.writeError(w, http.StatusNotFound, "run not found", nil)
		return
	}
	report, err := s.verifier.VerifyRun(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, FromReport(report))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "status unavailable", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.store.CheckHealth(r.Context())
	resp := HealthResponse{Status: "ok", Database: FromDatabaseHealth(health)}
	if err != nil {
		resp.Status = "degraded"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams hub records as Server-Sent Events. since resumes after
// a sequence number, run_id filters to one run, and follow=false returns the
// backlog and closes the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream unavailable", nil)
		return
	}
	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	var runFilter int64
	if raw := strings.TrimSpace(query.Get("run_id")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid run_id", nil)
			return
		}
		runFilter = parsed
	}
	follow := true
	if raw := strings.TrimSpace(query.Get("follow")); raw != "" {
		follow = raw == "1" || strings.EqualFold(raw, "true")
	}

	controller := http.NewResponseController(w)
	_ = controller.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = controller.Flush()

	ctx := r.Context()
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, sseKeepalive)
		records, next, err := s.hub.Fetch(fetchCtx, since, eventBatchLimit, follow)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("event stream fetch failed", logging.Error(err))
			return
		}
		for _, record := range records {
			if runFilter != 0 && record.Envelope.RunID != runFilter {
				continue
			}
			if err := writeEvent(w, record); err != nil {
				return
			}
		}
		if len(records) == 0 && follow {
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		}
		if err := controller.Flush(); err != nil {
			return
		}
		since = next
		if len(records) > 0 {
			since = records[len(records)-1].Sequence
		}
		if !follow && len(records) < eventBatchLimit {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, record events.Record) error {
	data, err := json.Marshal(record.Envelope)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", record.Sequence, record.Envelope.Type, data)
	return err
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid run id", nil)
		return 0, false
	}
	return id, true
}

// writeServiceError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		s.writeError(w, http.StatusBadRequest, reqErr.Message, reqErr.Fields)
	case errors.Is(err, services.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, services.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, services.ErrInvalidState):
		s.writeError(w, http.StatusConflict, err.Error(), nil)
	default:
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "api request failed", "api_request_failed",
			logging.String("path", r.URL.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check database connectivity"),
		)
		s.writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, fields map[string]string) {
	s.writeJSON(w, status, ErrorResponse{Error: message, Fields: fields})
}
