package server

import (
	"context"
	"net/http"

	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/pipeline/steps"
	"github.com/jonathan/pick-agent/internal/schemas"
)

// Error codes returned in the error envelope.
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeMissingIdempotency   = "MISSING_IDEMPOTENCY_KEY"
	CodeIdempotencyKeyReused = "IDEMPOTENCY_KEY_REUSED"
	CodeRequestInProgress    = "REQUEST_IN_PROGRESS"
	CodeReadOnly             = "READ_ONLY_MODE"
	CodeNotFound             = "NOT_FOUND"
	CodeStepOutOfOrder       = "STEP_OUT_OF_ORDER"
	CodeRunTerminal          = "RUN_TERMINAL"
	CodeUpstreamUnavailable  = "UPSTREAM_UNAVAILABLE"
	CodeLockUnavailable      = "LOCK_UNAVAILABLE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternal             = "INTERNAL_ERROR"
)

// manualEndpoints is the fallback path offered when the lock store is down.
var manualEndpoints = []string{
	"POST /v1/pipeline/select",
	"POST /v1/pipeline/snapshot",
	"POST /v1/pipeline/factors",
	"POST /v1/pipeline/predict",
	"POST /v1/pipeline/decide",
	"POST /v1/pipeline/finalize",
}

// APIError is the body of every error response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

func newAPIError(status int, code, message string, details any) *APIError {
	return &APIError{Status: status, Code: code, Message: message, Details: details}
}

// classify maps an error to its HTTP status and error code.
func classify(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var validation *schemas.ValidationError
	if errors.As(err, &validation) {
		return newAPIError(http.StatusBadRequest, CodeValidation, "request body failed validation", validation.Errors)
	}

	var depErr *steps.DependencyError
	if errors.As(err, &depErr) {
		return newAPIError(http.StatusConflict, CodeStepOutOfOrder, depErr.Error(), map[string]any{
			"step":                 depErr.Step,
			"missing_dependencies": depErr.MissingDependencies,
		})
	}

	switch {
	case errors.Is(err, errors.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, CodeValidation, err.Error(), nil)
	case errors.Is(err, errors.ErrNotFound):
		return newAPIError(http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, errors.ErrStepOutOfOrder):
		return newAPIError(http.StatusConflict, CodeStepOutOfOrder, err.Error(), nil)
	case errors.Is(err, errors.ErrRunTerminal):
		return newAPIError(http.StatusConflict, CodeRunTerminal, err.Error(), nil)
	case errors.Is(err, errors.ErrConflict):
		return newAPIError(http.StatusConflict, CodeRequestInProgress, err.Error(), detailsOf(err))
	case errors.Is(err, errors.ErrLockUnavailable):
		return newAPIError(http.StatusServiceUnavailable, CodeLockUnavailable,
			"lock store unavailable; the pipeline can be driven step by step",
			map[string]any{"fallback": manualEndpoints})
	case errors.Is(err, errors.ErrUpstream),
		errors.Is(err, errors.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusBadGateway, CodeUpstreamUnavailable, err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}

// detailsOf returns the user-facing details attached with errors.WithDetail.
func detailsOf(err error) any {
	if details := errors.GetAllDetails(err); len(details) > 0 {
		return details
	}
	return nil
}

// writeError writes the error envelope for err. Internal errors are logged
// with the full chain; the response carries only a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := classify(err)
	if apiErr.Status >= 500 {
		logger.Logger.Errorw("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", apiErr.Code,
			"error", err,
		)
	}
	s.jsonResponse(w, apiErr.Status, errorEnvelope{Error: apiErr})
}

// errorBody renders err as it would be written, for caching. A server-side
// failure is retryable unless it aborted a run.
func errorBody(err error) stepResponse {
	apiErr := classify(err)
	return stepResponse{
		Status:    apiErr.Status,
		Payload:   errorEnvelope{Error: apiErr},
		Retryable: apiErr.Status >= http.StatusInternalServerError && !errors.IsRunAbortedError(err),
	}
}
