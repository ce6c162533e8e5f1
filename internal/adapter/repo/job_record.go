package repo

import (
	"time"

	"tryon/internal/domain"
)

// jobRecord is the flat document the memory and Redis stores keep per job.
type jobRecord struct {
	ID              string                `json:"id"`
	TenantID        string                `json:"tenantId"`
	ReservationID   string                `json:"reservationId"`
	Credits         int64                 `json:"credits"`
	Request         domain.TryOnRequest   `json:"request"`
	DispatchError   *domain.DispatchError `json:"dispatchError,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
	Status          domain.JobStatus      `json:"status"`
	StatusAt        time.Time             `json:"statusAt"`
	StartedAt       time.Time             `json:"startedAt,omitzero"`
	FinishedAt      time.Time             `json:"finishedAt,omitzero"`
	Result          *domain.Result        `json:"result,omitempty"`
	Failure         *domain.Failure       `json:"failure,omitempty"`
	CreditCommitted bool                  `json:"creditCommitted"`
	ViewedAt        time.Time             `json:"viewedAt,omitzero"`
	CreditReleased  bool                  `json:"creditReleased"`
	ReleasedAt      time.Time             `json:"releasedAt,omitzero"`
}

func recordOf(job *domain.GenerationJob) jobRecord {
	rec := jobRecord{
		ID:            job.ID,
		TenantID:      job.TenantID,
		ReservationID: job.ReservationID,
		Credits:       job.Credits,
		Request:       job.Request,
		DispatchError: job.DispatchError,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	rec.setFields(domain.FieldsOf(job.State))
	return rec
}

func (r jobRecord) fields() domain.StateFields {
	return domain.StateFields{
		Status:          r.Status,
		StatusAt:        r.StatusAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		Result:          r.Result,
		Failure:         r.Failure,
		CreditCommitted: r.CreditCommitted,
		ViewedAt:        r.ViewedAt,
		CreditReleased:  r.CreditReleased,
		ReleasedAt:      r.ReleasedAt,
	}
}

func (r *jobRecord) setFields(f domain.StateFields) {
	r.Status = f.Status
	r.StatusAt = f.StatusAt
	r.StartedAt = f.StartedAt
	r.FinishedAt = f.FinishedAt
	r.Result = f.Result
	r.Failure = f.Failure
	r.CreditCommitted = f.CreditCommitted
	r.ViewedAt = f.ViewedAt
	r.CreditReleased = f.CreditReleased
	r.ReleasedAt = f.ReleasedAt
}

// apply moves the record to next with patch applied.
func (r jobRecord) apply(next domain.JobStatus, patch domain.JobPatch, now time.Time) (jobRecord, error) {
	f, err := r.fields().Apply(next, patch, now)
	if err != nil {
		return r, err
	}
	r.setFields(f)
	if patch.DispatchError != nil {
		de := *patch.DispatchError
		r.DispatchError = &de
	}
	r.UpdatedAt = now
	return r, nil
}

func (r jobRecord) settled() bool {
	return r.CreditCommitted || r.CreditReleased
}

func (r jobRecord) job() (*domain.GenerationJob, error) {
	state, err := r.fields().State()
	if err != nil {
		return nil, err
	}
	return &domain.GenerationJob{
		ID:            r.ID,
		TenantID:      r.TenantID,
		ReservationID: r.ReservationID,
		Credits:       r.Credits,
		Request:       r.Request,
		DispatchError: r.DispatchError,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		State:         state,
	}, nil
}

// matches reports whether the record satisfies q, ignoring Limit.
func (r jobRecord) matches(q domain.JobQuery) bool {
	if r.Status != q.Status {
		return false
	}
	if !q.Before.IsZero() && r.StatusAt.After(q.Before) {
		return false
	}
	return !q.Unsettled || !r.settled()
}
