package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/types"
)

// SchedulesResponse lists registered schedules.
type SchedulesResponse struct {
	Schedules []types.Schedule `json:"schedules"`
	Count     int              `json:"count"`
}

// HealthResponse reports liveness and store reachability.
type HealthResponse struct {
	Status        string `json:"status"`
	Store         string `json:"store"`
	WritesEnabled bool   `json:"writes_enabled"`
	Error         string `json:"error,omitempty"`
}

// -----------------------------------------------------------------------------
// Pipeline steps
// -----------------------------------------------------------------------------

func (s *Server) execSelect(ctx context.Context, body []byte) stepResponse {
	var req types.SelectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorBody(errors.Wrap(errors.ErrInvalidRequest, err.Error()))
	}
	res, err := s.pipeline.Select(ctx, req)
	if err != nil {
		return errorBody(err)
	}
	return okResponse(res)
}

func (s *Server) execSnapshot(ctx context.Context, body []byte) stepResponse {
	return runStep(ctx, body, s.pipeline.Snapshot)
}

func (s *Server) execFactors(ctx context.Context, body []byte) stepResponse {
	return runStep(ctx, body, s.pipeline.Factors)
}

func (s *Server) execPredict(ctx context.Context, body []byte) stepResponse {
	return runStep(ctx, body, s.pipeline.Predict)
}

func (s *Server) execDecide(ctx context.Context, body []byte) stepResponse {
	return runStep(ctx, body, s.pipeline.Decide)
}

func (s *Server) execFinalize(ctx context.Context, body []byte) stepResponse {
	return runStep(ctx, body, s.pipeline.Finalize)
}

// runStep decodes a run_id body and calls one step of that run.
func runStep[T any](ctx context.Context, body []byte, fn func(context.Context, uuid.UUID) (*T, error)) stepResponse {
	var req types.RunStepRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorBody(errors.Wrap(errors.ErrInvalidRequest, err.Error()))
	}
	if err := req.Validate(); err != nil {
		return errorBody(errors.Wrap(errors.ErrInvalidRequest, err.Error()))
	}
	res, err := fn(ctx, req.RunID)
	if err != nil {
		return errorBody(err)
	}
	return okResponse(res)
}

// execRun runs the whole pipeline under the subject lock. A failure keeps the
// run id in the error details so the run can be inspected, and a failure
// after the run was created is never retryable under the same key.
func (s *Server) execRun(ctx context.Context, body []byte) stepResponse {
	var req types.SelectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorBody(errors.Wrap(errors.ErrInvalidRequest, err.Error()))
	}
	res, err := s.pipeline.RunLocked(ctx, req)
	if err != nil {
		resp := errorBody(err)
		if res != nil && res.RunID != nil {
			resp.Retryable = false
			if apiErr := resp.Payload.(errorEnvelope).Error; apiErr.Details == nil {
				apiErr.Details = map[string]any{"run_id": res.RunID.String()}
			}
		}
		return resp
	}
	return okResponse(res)
}

// -----------------------------------------------------------------------------
// Scheduler
// -----------------------------------------------------------------------------

// handleTick runs one scheduler cycle and returns its summary.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.WritesEnabled {
		s.writeError(w, r, readOnlyError())
		return
	}
	summary, err := s.scheduler.Tick(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, summary)
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// handleGetRun returns a run with its steps, factors and outcome.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, errors.Wrap(errors.ErrInvalidRequest, "run_id must be a UUID"))
		return
	}

	ctx := r.Context()
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.writeError(w, r, errors.Wrap(err, "failed to load run"))
		return
	}
	if run == nil {
		s.writeError(w, r, errors.WrapNotFound("run "+runID.String()))
		return
	}

	detail := types.RunDetail{Run: run}
	if detail.Steps, err = s.store.ListRunSteps(ctx, runID); err != nil {
		s.writeError(w, r, errors.Wrap(err, "failed to list run steps"))
		return
	}
	if detail.Factors, err = s.store.ListFactors(ctx, runID); err != nil {
		s.writeError(w, r, errors.Wrap(err, "failed to list factors"))
		return
	}
	if detail.Outcome, err = s.store.GetOutcomeByRun(ctx, runID); err != nil {
		s.writeError(w, r, errors.Wrap(err, "failed to load outcome"))
		return
	}
	if detail.Steps == nil {
		detail.Steps = []types.RunStep{}
	}
	if detail.Factors == nil {
		detail.Factors = []types.Factor{}
	}
	s.jsonResponse(w, http.StatusOK, detail)
}

// handleListSchedules returns every schedule in dispatch order.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		s.writeError(w, r, errors.Wrap(err, "failed to list schedules"))
		return
	}
	if schedules == nil {
		schedules = []types.Schedule{}
	}
	s.jsonResponse(w, http.StatusOK, SchedulesResponse{Schedules: schedules, Count: len(schedules)})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok", WritesEnabled: s.cfg.WritesEnabled}
	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unreachable"
		resp.Error = err.Error()
		s.jsonResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}
