package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/types"
)

// Idempotency headers.
const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"
)

// stepRun is the idempotency namespace of the full pipeline endpoint.
const stepRun = "run"

const (
	maxBodyBytes = 64 << 10
	maxKeyLength = 255
)

// IdempotencyStore caches one response per (step, key).
type IdempotencyStore interface {
	ReserveIdempotencyKey(ctx context.Context, rec types.IdempotencyRecord, staleBefore time.Time) (*types.IdempotencyRecord, bool, error)
	CompleteIdempotencyKey(ctx context.Context, step, key string, statusCode int, body []byte, now time.Time) error
	ReleaseIdempotencyKey(ctx context.Context, step, key string) error
}

// stepResponse is the response of one write execution. Retryable is set only
// when the execution failed before writing anything.
type stepResponse struct {
	Status    int
	Payload   any
	Retryable bool
}

func okResponse(payload any) stepResponse {
	return stepResponse{Status: http.StatusOK, Payload: payload}
}

// execFunc runs a step for a validated body.
type execFunc func(ctx context.Context, body []byte) stepResponse

// idempotent wraps a write endpoint: read-only gate, key check, schema
// validation, then reserve, execute and cache. Every response whose execution
// wrote state is cached and replayed, server errors included. Only a
// retryable failure releases the reservation so the same key can run again.
func (s *Server) idempotent(step, schema string, exec execFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.WritesEnabled {
			s.writeError(w, r, readOnlyError())
			return
		}

		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if key == "" {
			s.writeError(w, r, newAPIError(http.StatusBadRequest, CodeMissingIdempotency,
				IdempotencyKeyHeader+" header is required", nil))
			return
		}
		if len(key) > maxKeyLength {
			s.writeError(w, r, newAPIError(http.StatusBadRequest, CodeValidation,
				IdempotencyKeyHeader+" header is too long", nil))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, r, newAPIError(http.StatusBadRequest, CodeValidation, "failed to read request body", nil))
			return
		}
		if err := s.validator.Validate(schema, body); err != nil {
			s.writeError(w, r, err)
			return
		}
		hash, err := requestHash(body)
		if err != nil {
			s.writeError(w, r, errors.Wrap(errors.ErrInvalidRequest, err.Error()))
			return
		}

		ctx := r.Context()
		now := s.clock.Now()
		existing, reserved, err := s.store.ReserveIdempotencyKey(ctx, types.IdempotencyRecord{
			Step:        step,
			Key:         key,
			RequestHash: hash,
			State:       types.IdempotencyInProgress,
			ReservedAt:  now,
		}, now.Add(-s.cfg.IdempotencyTTL))
		if err != nil {
			s.writeError(w, r, errors.Wrap(err, "failed to reserve idempotency key"))
			return
		}
		if !reserved {
			s.replayOrReject(w, r, existing, hash)
			return
		}

		resp := exec(ctx, body)
		data, err := json.Marshal(resp.Payload)
		if err != nil {
			s.releaseKey(ctx, step, key)
			s.writeError(w, r, errors.Wrap(err, "failed to encode response"))
			return
		}
		data = append(data, '\n')

		// The response is cached even if the client has gone away.
		storeCtx := context.WithoutCancel(ctx)
		if resp.Retryable {
			s.releaseKey(storeCtx, step, key)
		} else if err := s.store.CompleteIdempotencyKey(storeCtx, step, key, resp.Status, data, s.clock.Now()); err != nil {
			logger.Logger.Errorw("failed to cache idempotent response", "step", step, "key", key, "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		_, _ = w.Write(data)
	}
}

// replayOrReject answers a request whose key is already reserved.
func (s *Server) replayOrReject(w http.ResponseWriter, r *http.Request, existing *types.IdempotencyRecord, hash string) {
	switch {
	case existing == nil:
		// Released between the insert and the read; the holder failed.
		s.writeError(w, r, newAPIError(http.StatusConflict, CodeRequestInProgress,
			"a request with this idempotency key is in progress", nil))
	case existing.RequestHash != hash:
		s.writeError(w, r, newAPIError(http.StatusUnprocessableEntity, CodeIdempotencyKeyReused,
			"idempotency key was already used with a different request body", nil))
	case existing.State == types.IdempotencyCompleted:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(ReplayedHeader, "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.ResponseBody)
	default:
		s.writeError(w, r, newAPIError(http.StatusConflict, CodeRequestInProgress,
			"a request with this idempotency key is in progress", map[string]any{
				"reserved_at": existing.ReservedAt,
			}))
	}
}

func (s *Server) releaseKey(ctx context.Context, step, key string) {
	if err := s.store.ReleaseIdempotencyKey(ctx, step, key); err != nil {
		logger.Logger.Errorw("failed to release idempotency key", "step", step, "key", key, "error", err)
	}
}

// requestHash hashes the canonical form of a JSON body so that formatting
// and key order do not change it.
func requestHash(body []byte) (string, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func readOnlyError() *APIError {
	return newAPIError(http.StatusServiceUnavailable, CodeReadOnly, "writes are disabled on this deployment", nil)
}
