// Package httpapi exposes the summarization worker over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kaptinlin/jsonschema"
	"github.com/oklog/ulid/v2"

	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/config"
	"tldr-bot/internal/infra/middleware"
	"tldr-bot/internal/usecase/summarize"
)

const maxBodyBytes = 64 << 10

// Submitter queues a task without waiting for a free slot.
type Submitter interface {
	TrySubmit(task domain.SummaryTask) error
}

// Pinger reports whether a dependency is healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the collaborators of the API server. Ledger, Health and
// Metrics are optional.
type Deps struct {
	Submitter Submitter
	Ledger    domain.DeliveryLedger
	Health    Pinger
	Metrics   http.Handler
	Logger    *slog.Logger
}

// Server is the task intake API.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	schema *jsonschema.Schema

	httpSrv   *http.Server
	boundAddr atomic.Value // string
}

// NewServer creates an API server.
func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Submitter == nil {
		return nil, fmt.Errorf("httpapi: submitter is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	schema, err := compileSchema(summaryRequestSchema)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, deps: deps, schema: schema}, nil
}

// Router returns the HTTP routes. ctx bounds the rate limiter's cleanup.
func (s *Server) Router(ctx context.Context) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog(s.deps.Logger))
	r.Use(middleware.SecurityHeaders)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.cfg.APIToken))
		r.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{
			PerSecond:      s.cfg.RateLimit,
			Burst:          s.cfg.RateBurst,
			TrustedProxies: s.cfg.TrustedProxies,
		}))
		r.Post("/summaries", s.handleSubmit)
		r.Get("/summaries/{id}", s.handleGet)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("httpapi listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())
	s.httpSrv = &http.Server{
		Handler:           s.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.deps.Logger.Info("http api started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.deps.Logger.Warn("http api shutdown", "error", err)
		}
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi serve: %w", err)
	}
	return nil
}

// BoundAddr returns the listening address. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

type submitResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, string(domain.CodeLimitReached), "request body too large")
		return
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "invalid JSON: "+err.Error())
		return
	}
	if err := validateBody(s.schema, body); err != nil {
		s.writeErr(w, err)
		return
	}

	var task domain.SummaryTask
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&task); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, string(domain.CodeInvalidInput), err.Error())
		return
	}
	if task.CorrelationID == "" {
		task.CorrelationID = ulid.Make().String()
	}
	if err := task.Validate(); err != nil {
		s.writeErr(w, err)
		return
	}

	if s.deps.Ledger != nil {
		if rec, err := s.deps.Ledger.Get(r.Context(), task.CorrelationID); err == nil {
			writeJSON(w, http.StatusConflict, recordResponse(rec))
			return
		}
	}

	if err := s.deps.Submitter.TrySubmit(task); err != nil {
		s.writeErr(w, err)
		return
	}
	s.deps.Logger.Info("summary task accepted",
		"correlation_id", task.CorrelationID,
		"channel", task.ChannelID,
		"destination", task.Destination(),
	)
	writeJSON(w, http.StatusAccepted, submitResponse{CorrelationID: task.CorrelationID, Status: "accepted"})
}

type deliveryResponse struct {
	CorrelationID string     `json:"correlation_id"`
	Channel       string     `json:"channel"`
	Outcome       string     `json:"outcome"`
	ClaimedAt     time.Time  `json:"claimed_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func recordResponse(rec *domain.DeliveryRecord) deliveryResponse {
	resp := deliveryResponse{
		CorrelationID: rec.CorrelationID,
		Channel:       rec.Channel,
		Outcome:       rec.Outcome,
		ClaimedAt:     rec.ClaimedAt,
	}
	if resp.Outcome == "" {
		resp.Outcome = "pending"
	}
	if !rec.FinishedAt.IsZero() {
		finished := rec.FinishedAt
		resp.FinishedAt = &finished
	}
	return resp
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		middleware.WriteError(w, http.StatusNotFound, string(domain.CodeNotFound), "delivery ledger is disabled")
		return
	}
	rec, err := s.deps.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.deps.Logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeErr maps err to a status and writes the error envelope.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := domain.ErrorCodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, summarize.ErrPoolClosed):
		status = http.StatusServiceUnavailable
	case code == domain.CodeLimitReached:
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	case code == domain.CodeInvalidInput, code == domain.CodeInvalidTask:
		status = http.StatusBadRequest
	case code == domain.CodeNotFound:
		status = http.StatusNotFound
	case code == domain.CodeDuplicate, code == domain.CodeAlreadyClaimed:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.deps.Logger.Error("request failed", "error", err)
	}
	middleware.WriteError(w, status, string(code), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
