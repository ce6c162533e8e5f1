package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"tryon/internal/domain"
	"tryon/internal/events"
	"tryon/internal/pipeline"
)

type processRequest struct {
	JobID string `json:"jobId"`
}

type processResponse struct {
	Success bool             `json:"success"`
	JobID   string           `json:"jobId"`
	Status  domain.JobStatus `json:"status"`
	Skipped bool             `json:"skipped"`
	Failure *domain.Failure  `json:"failure,omitempty"`
}

// Process is the internal gateway endpoint. A body naming a job processes
// that job; an empty body runs one sweep and returns its report.
func (a *App) Process(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if _, err := a.Auth.Authorize(token); err != nil {
		a.fail(w, r, err)
		return
	}
	var req processRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		report, err := a.Gateway.ProcessBatch(r.Context(), token)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		a.json(w, http.StatusOK, report)
		return
	}

	out, err := a.Gateway.Process(r.Context(), token, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, outcomeResponse(out))
}

func outcomeResponse(out pipeline.Outcome) processResponse {
	return processResponse{
		Success: out.Failure == nil,
		JobID:   out.JobID,
		Status:  out.Status,
		Skipped: out.Skipped,
		Failure: out.Failure,
	}
}

// JobCreated is the webhook form of the job-created event. It accepts the
// same credentials as the gateway.
func (a *App) JobCreated(w http.ResponseWriter, r *http.Request) {
	caller, err := a.Auth.Authorize(bearerToken(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var evt events.JobCreated
	if err := decode(w, r, &evt); err != nil {
		a.fail(w, r, err)
		return
	}
	jobID := strings.TrimSpace(evt.JobID)
	if jobID == "" {
		a.fail(w, r, fmt.Errorf("%w: jobId required", domain.ErrInvalidRequest))
		return
	}
	a.Logger.Info().Str("job_id", jobID).Str("caller", caller).Msg("handlers: job created webhook")
	if err := a.Dispatcher.HandleCreated(r.Context(), jobID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"success": true, "jobId": jobID})
}
