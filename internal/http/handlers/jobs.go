package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tryon/internal/domain"
	"tryon/internal/middleware"
)

type submitResponse struct {
	JobID  string           `json:"jobId"`
	Status domain.JobStatus `json:"status"`
}

type jobResponse struct {
	JobID           string           `json:"jobId"`
	Status          domain.JobStatus `json:"status"`
	Provider        string           `json:"provider"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	Result          *domain.Result   `json:"result,omitempty"`
	Failure         *domain.Failure  `json:"failure,omitempty"`
	CreditCommitted bool             `json:"creditCommitted"`
	CreditReleased  bool             `json:"creditReleased"`
}

type viewRequest struct {
	TenantID string `json:"tenantId"`
}

type viewResponse struct {
	Success          bool      `json:"success"`
	JobID            string    `json:"jobId"`
	AlreadyCommitted bool      `json:"alreadyCommitted"`
	ViewedAt         time.Time `json:"viewedAt"`
}

// SubmitJob reserves credit and queues a try-on generation.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantIDFromContext(r.Context())
	var req domain.TryOnRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	job, err := a.Intake.Submit(r.Context(), tenantID, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status()})
}

// JobStatus reports a job owned by the caller's tenant.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantIDFromContext(r.Context())
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	if jobID == "" {
		a.fail(w, r, fmt.Errorf("%w: jobID required", domain.ErrInvalidRequest))
		return
	}
	job, err := a.Jobs.Get(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if job.TenantID != tenantID {
		a.fail(w, r, domain.ErrNotFound)
		return
	}
	fields := domain.FieldsOf(job.State)
	a.json(w, http.StatusOK, jobResponse{
		JobID:           job.ID,
		Status:          job.Status(),
		Provider:        job.Request.Provider,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		Result:          fields.Result,
		Failure:         fields.Failure,
		CreditCommitted: job.CreditCommitted(),
		CreditReleased:  job.CreditReleased(),
	})
}

// ConfirmView commits the job's credit reservation once the shopper has seen
// the result. Repeated calls succeed without charging again.
func (a *App) ConfirmView(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantIDFromContext(r.Context())
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	var req viewRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.TenantID != "" && req.TenantID != tenantID {
		a.fail(w, r, domain.ErrNotFound)
		return
	}
	conf, err := a.Confirmer.Confirm(r.Context(), tenantID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewResponse{
		Success:          true,
		JobID:            conf.JobID,
		AlreadyCommitted: conf.AlreadyCommitted,
		ViewedAt:         conf.ViewedAt,
	})
}
