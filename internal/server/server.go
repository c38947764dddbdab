// Package server provides the HTTP API for the pick pipeline and the
// scheduler trigger.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/pick-agent/internal/clock"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/scheduler"
	"github.com/jonathan/pick-agent/internal/schemas"
	"github.com/jonathan/pick-agent/internal/server/middleware"
	"github.com/jonathan/pick-agent/internal/server/ratelimit"
	"github.com/jonathan/pick-agent/internal/types"
	schemadocs "github.com/jonathan/pick-agent/schemas"
)

// Pipeline is the orchestrator surface driven by the step endpoints.
type Pipeline interface {
	Select(ctx context.Context, req types.SelectRequest) (*types.SelectResult, error)
	Snapshot(ctx context.Context, runID uuid.UUID) (*types.SnapshotResult, error)
	Factors(ctx context.Context, runID uuid.UUID) (*types.FactorsResult, error)
	Predict(ctx context.Context, runID uuid.UUID) (*types.PredictResult, error)
	Decide(ctx context.Context, runID uuid.UUID) (*types.DecideResult, error)
	Finalize(ctx context.Context, runID uuid.UUID) (*types.FinalizeResult, error)
	RunLocked(ctx context.Context, req types.SelectRequest) (*types.PipelineResult, error)
}

// Ticker runs one scheduler cycle.
type Ticker interface {
	Tick(ctx context.Context) (*scheduler.Summary, error)
}

// Store is the persistence read by the inspection endpoints and the
// idempotency layer.
type Store interface {
	Ping(ctx context.Context) error
	GetRun(ctx context.Context, id uuid.UUID) (*types.Run, error)
	ListRunSteps(ctx context.Context, runID uuid.UUID) ([]types.RunStep, error)
	ListFactors(ctx context.Context, runID uuid.UUID) ([]types.Factor, error)
	GetOutcomeByRun(ctx context.Context, runID uuid.UUID) (*types.Outcome, error)
	ListSchedules(ctx context.Context) ([]types.Schedule, error)
	IdempotencyStore
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	pipeline    Pipeline
	scheduler   Ticker
	store       Store
	validator   *schemas.Validator
	rateLimiter *ratelimit.Limiter
	clock       clock.Clock
	cfg         Config
}

// Config holds server configuration
type Config struct {
	Port          int
	WritesEnabled bool
	// IdempotencyTTL is how long an in-progress reservation blocks retries
	// before it may be taken over.
	IdempotencyTTL time.Duration
	RateLimit      *ratelimit.Config
}

// Deps are the server's collaborators.
type Deps struct {
	Pipeline  Pipeline
	Scheduler Ticker
	Store     Store
	Clock     clock.Clock
}

// New creates a new server instance
func New(cfg Config, deps Deps) (*Server, error) {
	docs, err := schemadocs.All()
	if err != nil {
		return nil, fmt.Errorf("failed to load request schemas: %w", err)
	}
	validator, err := schemas.NewValidator(docs)
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = ratelimit.NewConfig(ratelimit.Settings{
			Enabled:       true,
			DefaultLimit:  600,
			DefaultWindow: time.Minute,
		})
	}

	s := &Server{
		pipeline:    deps.Pipeline,
		scheduler:   deps.Scheduler,
		store:       deps.Store,
		validator:   validator,
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
		clock:       deps.Clock,
		cfg:         cfg,
	}

	mux := http.NewServeMux()

	// Pipeline steps
	mux.HandleFunc("POST /v1/pipeline/select", s.idempotent(types.StepSelect, schemadocs.Select, s.execSelect))
	mux.HandleFunc("POST /v1/pipeline/snapshot", s.idempotent(types.StepSnapshot, schemadocs.RunStep, s.execSnapshot))
	mux.HandleFunc("POST /v1/pipeline/factors", s.idempotent(types.StepFactors, schemadocs.RunStep, s.execFactors))
	mux.HandleFunc("POST /v1/pipeline/predict", s.idempotent(types.StepPredict, schemadocs.RunStep, s.execPredict))
	mux.HandleFunc("POST /v1/pipeline/decide", s.idempotent(types.StepDecide, schemadocs.RunStep, s.execDecide))
	mux.HandleFunc("POST /v1/pipeline/finalize", s.idempotent(types.StepFinalize, schemadocs.RunStep, s.execFinalize))

	// Full pipeline under the subject lock
	mux.HandleFunc("POST /v1/pipeline/run", s.idempotent(stepRun, schemadocs.Select, s.execRun))

	// Scheduler trigger; GET is accepted for cron services that cannot POST
	mux.HandleFunc("GET /v1/scheduler/tick", s.handleTick)
	mux.HandleFunc("POST /v1/scheduler/tick", s.handleTick)

	// Inspection
	mux.HandleFunc("GET /v1/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/schedules", s.handleListSchedules)
	mux.HandleFunc("GET /health", s.handleHealth)

	cors := middleware.CORS(middleware.CORSConfig{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", IdempotencyKeyHeader},
		ExposedHeaders: []string{ReplayedHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
	})
	logging := middleware.Logging(logger.Named("http"), nil)
	s.handler = s.withRateLimit(logging(cors(mux)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Long timeout for full pipeline runs
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for requests and blocks until SIGINT or SIGTERM.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Logger.Infow("server starting", "addr", s.httpServer.Addr, "writes_enabled", s.cfg.WritesEnabled)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		s.rateLimiter.Stop()
		return fmt.Errorf("server error: %w", err)
	}
	logger.Logger.Infow("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.rateLimiter.Stop()

	logger.Logger.Infow("server stopped")
	return nil
}

// Close releases background resources without serving.
func (s *Server) Close() {
	s.rateLimiter.Stop()
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := s.extractClientID(r)
		allowed, info := s.rateLimiter.Allow(clientID, r.URL.Path, r.Method)

		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, clientID, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Logger.Errorw("failed to encode JSON response", "error", err)
	}
}

// extractClientID extracts the client identifier from the request.
// This uses the IP address from RemoteAddr.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, clientID string, info ratelimit.Info) {
	details := map[string]any{
		"limit":     info.Limit,
		"remaining": info.Remaining,
	}
	if !info.ResetTime.IsZero() {
		details["reset_at"] = info.ResetTime.Format(time.RFC3339)
	}
	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		details["retry_after"] = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	logger.Logger.Warnw("rate limit exceeded", "client", clientID, "limit", info.Limit, "reset", info.ResetTime)

	s.jsonResponse(w, http.StatusTooManyRequests, errorEnvelope{
		Error: newAPIError(http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded, try again later", details),
	})
}
