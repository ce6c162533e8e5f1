package domain

import (
	"fmt"
	"time"
)

// JobStatus enumerates generation job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further status transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
	JobStatusCompleted:  {},
	JobStatusFailed:     {},
}

// CanTransition reports whether moving from -> to keeps the status sequence
// a subsequence of PENDING -> PROCESSING -> {COMPLETED|FAILED}.
func CanTransition(from, to JobStatus) bool {
	for _, target := range allowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// TryOnRequest is the shopper input captured at intake.
type TryOnRequest struct {
	PersonImageURL  string `json:"personImageUrl"`
	GarmentImageURL string `json:"garmentImageUrl"`
	Prompt          string `json:"prompt,omitempty"`
	Provider        string `json:"provider,omitempty"`
}

// ResultImage describes one generated try-on image.
type ResultImage struct {
	StorageKey string `json:"storageKey"`
	URL        string `json:"url"`
	MIME       string `json:"mime"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Bytes      int64  `json:"bytes"`
}

// Result is the payload stored when a job completes.
type Result struct {
	Provider string        `json:"provider"`
	Images   []ResultImage `json:"images"`
}

// Failure is attached when the generation itself failed.
type Failure struct {
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// DispatchError records a failed attempt to reach the gateway. It is
// diagnostic only and never changes the job status.
type DispatchError struct {
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Caller  string         `json:"caller,omitempty"`
	At      time.Time      `json:"at"`
}

// Billing tracks how the reservation of a completed job was settled.
type Billing struct {
	CreditCommitted bool
	ViewedAt        time.Time
	CreditReleased  bool
	ReleasedAt      time.Time
}

// Settled reports whether the reservation has been committed or released.
func (b Billing) Settled() bool {
	return b.CreditCommitted || b.CreditReleased
}

// JobState is the closed set of per-status payloads.
type JobState interface {
	Status() JobStatus
	// EnteredAt is when the job moved into this status.
	EnteredAt() time.Time
	jobState()
}

type Pending struct {
	Since time.Time
}

type Processing struct {
	StartedAt time.Time
}

type Completed struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Result     Result
	Billing    Billing
}

// Failed holds the terminal failure. Failed jobs are never billed, so only
// the release side of settlement is tracked.
type Failed struct {
	StartedAt      time.Time
	FinishedAt     time.Time
	Failure        Failure
	CreditReleased bool
	ReleasedAt     time.Time
}

func (Pending) Status() JobStatus    { return JobStatusPending }
func (Processing) Status() JobStatus { return JobStatusProcessing }
func (Completed) Status() JobStatus  { return JobStatusCompleted }
func (Failed) Status() JobStatus     { return JobStatusFailed }

func (s Pending) EnteredAt() time.Time    { return s.Since }
func (s Processing) EnteredAt() time.Time { return s.StartedAt }
func (s Completed) EnteredAt() time.Time  { return s.FinishedAt }
func (s Failed) EnteredAt() time.Time     { return s.FinishedAt }

func (Pending) jobState()    {}
func (Processing) jobState() {}
func (Completed) jobState()  {}
func (Failed) jobState()     {}

// GenerationJob is one try-on request metered against a tenant reservation.
type GenerationJob struct {
	ID            string
	TenantID      string
	ReservationID string
	Credits       int64
	Request       TryOnRequest
	DispatchError *DispatchError
	CreatedAt     time.Time
	UpdatedAt     time.Time
	State         JobState
}

// NewPendingJob builds a freshly reserved job.
func NewPendingJob(id, tenantID, reservationID string, credits int64, req TryOnRequest, now time.Time) *GenerationJob {
	return &GenerationJob{
		ID:            id,
		TenantID:      tenantID,
		ReservationID: reservationID,
		Credits:       credits,
		Request:       req,
		CreatedAt:     now,
		UpdatedAt:     now,
		State:         Pending{Since: now},
	}
}

// Status returns the current lifecycle status.
func (j *GenerationJob) Status() JobStatus {
	if j == nil || j.State == nil {
		return ""
	}
	return j.State.Status()
}

// Completed returns the completed payload when the job finished successfully.
func (j *GenerationJob) Completed() (Completed, bool) {
	if j == nil {
		return Completed{}, false
	}
	c, ok := j.State.(Completed)
	return c, ok
}

// Failed returns the failure payload when the job failed.
func (j *GenerationJob) Failed() (Failed, bool) {
	if j == nil {
		return Failed{}, false
	}
	f, ok := j.State.(Failed)
	return f, ok
}

// CreditCommitted reports whether the reservation was debited.
func (j *GenerationJob) CreditCommitted() bool {
	c, ok := j.Completed()
	return ok && c.Billing.CreditCommitted
}

// CreditReleased reports whether the reservation was returned to the tenant.
func (j *GenerationJob) CreditReleased() bool {
	switch s := j.State.(type) {
	case Completed:
		return s.Billing.CreditReleased
	case Failed:
		return s.CreditReleased
	default:
		return false
	}
}

// StateFields is the flat persisted form of a JobState. Stores save it as
// columns or hash fields and rebuild the union through State.
type StateFields struct {
	Status          JobStatus
	StatusAt        time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
	Result          *Result
	Failure         *Failure
	CreditCommitted bool
	ViewedAt        time.Time
	CreditReleased  bool
	ReleasedAt      time.Time
}

// FieldsOf flattens a state.
func FieldsOf(state JobState) StateFields {
	switch s := state.(type) {
	case Pending:
		return StateFields{Status: JobStatusPending, StatusAt: s.Since}
	case Processing:
		return StateFields{Status: JobStatusProcessing, StatusAt: s.StartedAt, StartedAt: s.StartedAt}
	case Completed:
		result := s.Result
		return StateFields{
			Status:          JobStatusCompleted,
			StatusAt:        s.FinishedAt,
			StartedAt:       s.StartedAt,
			FinishedAt:      s.FinishedAt,
			Result:          &result,
			CreditCommitted: s.Billing.CreditCommitted,
			ViewedAt:        s.Billing.ViewedAt,
			CreditReleased:  s.Billing.CreditReleased,
			ReleasedAt:      s.Billing.ReleasedAt,
		}
	case Failed:
		failure := s.Failure
		return StateFields{
			Status:         JobStatusFailed,
			StatusAt:       s.FinishedAt,
			StartedAt:      s.StartedAt,
			FinishedAt:     s.FinishedAt,
			Failure:        &failure,
			CreditReleased: s.CreditReleased,
			ReleasedAt:     s.ReleasedAt,
		}
	default:
		return StateFields{}
	}
}

// State rebuilds the union. A committed credit on anything but a completed
// job is rejected as corrupt.
func (f StateFields) State() (JobState, error) {
	if f.CreditCommitted && f.Status != JobStatusCompleted {
		return nil, fmt.Errorf("%w: credit committed on %s job", ErrInvalidTransition, f.Status)
	}
	switch f.Status {
	case JobStatusPending:
		return Pending{Since: f.StatusAt}, nil
	case JobStatusProcessing:
		return Processing{StartedAt: f.StartedAt}, nil
	case JobStatusCompleted:
		var result Result
		if f.Result != nil {
			result = *f.Result
		}
		return Completed{
			StartedAt:  f.StartedAt,
			FinishedAt: f.FinishedAt,
			Result:     result,
			Billing: Billing{
				CreditCommitted: f.CreditCommitted,
				ViewedAt:        f.ViewedAt,
				CreditReleased:  f.CreditReleased,
				ReleasedAt:      f.ReleasedAt,
			},
		}, nil
	case JobStatusFailed:
		var failure Failure
		if f.Failure != nil {
			failure = *f.Failure
		}
		return Failed{
			StartedAt:      f.StartedAt,
			FinishedAt:     f.FinishedAt,
			Failure:        failure,
			CreditReleased: f.CreditReleased,
			ReleasedAt:     f.ReleasedAt,
		}, nil
	default:
		return nil, fmt.Errorf("unknown job status %q", f.Status)
	}
}

// Apply returns the fields after a transition to next with the patch
// applied. It is shared by every store so CAS semantics stay identical.
func (f StateFields) Apply(next JobStatus, patch JobPatch, now time.Time) (StateFields, error) {
	if next != f.Status {
		if !CanTransition(f.Status, next) {
			return f, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.Status, next)
		}
		f.Status = next
		f.StatusAt = now
		switch next {
		case JobStatusProcessing:
			f.StartedAt = now
		case JobStatusCompleted, JobStatusFailed:
			f.FinishedAt = now
		}
	}
	if patch.Result != nil {
		result := *patch.Result
		f.Result = &result
	}
	if patch.Failure != nil {
		failure := *patch.Failure
		f.Failure = &failure
	}
	if patch.CreditCommitted {
		if f.Status != JobStatusCompleted {
			return f, fmt.Errorf("%w: commit credit on %s job", ErrInvalidTransition, f.Status)
		}
		if f.CreditReleased {
			return f, ErrReservationReleased
		}
		f.CreditCommitted = true
	}
	if patch.ViewedAt != nil {
		f.ViewedAt = *patch.ViewedAt
	}
	if patch.CreditReleased {
		if !f.Status.Terminal() {
			return f, fmt.Errorf("%w: release credit on %s job", ErrInvalidTransition, f.Status)
		}
		if f.CreditCommitted {
			return f, ErrAlreadyCommitted
		}
		f.CreditReleased = true
		if patch.ReleasedAt != nil {
			f.ReleasedAt = *patch.ReleasedAt
		} else {
			f.ReleasedAt = now
		}
	}
	return f, nil
}

// JobPatch lists the non-status fields a store may change. Zero values mean
// "leave as is"; flags only ever move from false to true.
type JobPatch struct {
	Result          *Result
	Failure         *Failure
	DispatchError   *DispatchError
	CreditCommitted bool
	ViewedAt        *time.Time
	CreditReleased  bool
	ReleasedAt      *time.Time
}

// JobQuery selects jobs for the sweep and the reconciler.
type JobQuery struct {
	Status JobStatus
	// Before keeps jobs that entered Status at or before this instant.
	Before time.Time
	// Unsettled keeps jobs whose reservation was neither committed nor released.
	Unsettled bool
	Limit     int
}
