package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tryon/internal/domain"
	"tryon/internal/infra"
	"tryon/internal/middleware"
	"tryon/internal/pipeline"
)

// Gateway is the processing surface served on the internal endpoint. The
// in-process pipeline.Gateway and pipeline.GatewayClient both satisfy it.
type Gateway interface {
	Process(ctx context.Context, token, jobID string) (pipeline.Outcome, error)
	ProcessBatch(ctx context.Context, token string) (pipeline.SweepReport, error)
}

// App carries the services the HTTP handlers call.
type App struct {
	Intake     *pipeline.Intake
	Jobs       domain.JobStore
	Confirmer  *pipeline.Confirmer
	Gateway    Gateway
	Dispatcher *pipeline.Dispatcher
	Auth       *pipeline.Authorizer
	Files      ResultReader
	Probes     map[string]Probe
	Logger     infra.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, r *http.Request, code int, errCode, message string) {
	a.json(w, code, map[string]string{
		"error":   errCode,
		"message": middleware.Translate(r.Context(), message),
	})
}

// fail maps pipeline errors onto HTTP responses.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var notReady *domain.NotReadyError
	switch {
	case errors.As(err, &notReady):
		a.json(w, http.StatusConflict, map[string]string{
			"error":   "not_ready",
			"message": middleware.Translate(r.Context(), "result is not ready yet"),
			"status":  string(notReady.Status),
		})
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, r, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrInvalidRequest):
		a.json(w, http.StatusBadRequest, map[string]string{
			"error":   "invalid_request",
			"message": middleware.Translate(r.Context(), "invalid request"),
			"detail":  err.Error(),
		})
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, r, http.StatusPaymentRequired, "insufficient_credits", "insufficient credits")
	case errors.Is(err, domain.ErrReservationReleased):
		a.error(w, r, http.StatusGone, "reservation_released", "credit reservation was released")
	case errors.Is(err, domain.ErrLedger):
		a.error(w, r, http.StatusBadGateway, "ledger_unavailable", "credit ledger unavailable, retry")
	case errors.Is(err, domain.ErrDispatch):
		a.error(w, r, http.StatusBadGateway, "dispatch_failed", "dispatch failed, retry later")
	default:
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("handlers: unexpected error")
		a.error(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: malformed json body", domain.ErrInvalidRequest)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
