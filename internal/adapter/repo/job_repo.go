package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tryon/internal/domain"
	"tryon/internal/infra"
	"tryon/internal/sqlinline"
)

// writeAttempts bounds the optimistic retry loop in Update. Each retry means
// another writer changed the row between our read and write.
const writeAttempts = 5

// JobRepositoryPG implements domain.JobStore on PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
	now func() time.Time
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql, now: time.Now}
}

// Create inserts a new PENDING job.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.GenerationJob) error {
	if job == nil || job.Status() != domain.JobStatusPending {
		return fmt.Errorf("%w: new jobs must be pending", domain.ErrInvalidTransition)
	}
	request, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QInsertGenerationJob,
		job.ID,
		job.TenantID,
		job.ReservationID,
		job.Credits,
		request,
		string(domain.JobStatusPending),
		job.CreatedAt.UTC(),
	)
	if err != nil {
		if infra.IsUniqueViolation(err) {
			return domain.ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicateJob
	}
	return nil
}

// Get fetches a job by its identifier.
func (r *JobRepositoryPG) Get(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectGenerationJob, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// CompareAndSetStatus moves the job from expected to next. The write only
// lands while the row still carries expected, so concurrent callers race on
// the status column and exactly one wins.
func (r *JobRepositoryPG) CompareAndSetStatus(ctx context.Context, jobID string, expected, next domain.JobStatus, patch domain.JobPatch) (bool, error) {
	if !domain.CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, next)
	}
	current, err := r.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if current.Status() != expected {
		return false, nil
	}
	return r.write(ctx, current, next, patch)
}

// Update applies patch without changing status.
func (r *JobRepositoryPG) Update(ctx context.Context, jobID string, patch domain.JobPatch) error {
	for attempt := 0; attempt < writeAttempts; attempt++ {
		current, err := r.Get(ctx, jobID)
		if err != nil {
			return err
		}
		ok, err := r.write(ctx, current, current.Status(), patch)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("update job %s: concurrent modification", jobID)
}

// List returns jobs in q.Status that entered it at or before q.Before.
func (r *JobRepositoryPG) List(ctx context.Context, q domain.JobQuery) ([]*domain.GenerationJob, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListGenerationJobs, string(q.Status), q.Before.UTC(), q.Unsettled, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *JobRepositoryPG) write(ctx context.Context, current *domain.GenerationJob, next domain.JobStatus, patch domain.JobPatch) (bool, error) {
	before := domain.FieldsOf(current.State)
	now := r.now().UTC()
	after, err := before.Apply(next, patch, now)
	if err != nil {
		return false, err
	}

	result, err := marshalOptional(after.Result)
	if err != nil {
		return false, err
	}
	failure, err := marshalOptional(after.Failure)
	if err != nil {
		return false, err
	}
	dispatchErr, err := marshalOptional(patch.DispatchError)
	if err != nil {
		return false, err
	}

	tag, err := r.sql.Exec(ctx, sqlinline.QWriteGenerationJobState,
		current.ID,
		string(before.Status),
		before.CreditCommitted,
		before.CreditReleased,
		string(after.Status),
		after.StatusAt,
		nullableTime(after.StartedAt),
		nullableTime(after.FinishedAt),
		result,
		failure,
		dispatchErr,
		after.CreditCommitted,
		nullableTime(after.ViewedAt),
		after.CreditReleased,
		nullableTime(after.ReleasedAt),
		now,
	)
	if err != nil {
		return false, fmt.Errorf("write job %s: %w", current.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanJob(row pgx.Row) (*domain.GenerationJob, error) {
	var (
		job                                domain.GenerationJob
		status                             string
		request, result, failure, dispatch []byte
		startedAt, finishedAt, viewedAt    *time.Time
		releasedAt                         *time.Time
		fields                             domain.StateFields
	)
	if err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.ReservationID,
		&job.Credits,
		&request,
		&status,
		&fields.StatusAt,
		&startedAt,
		&finishedAt,
		&result,
		&failure,
		&dispatch,
		&fields.CreditCommitted,
		&viewedAt,
		&fields.CreditReleased,
		&releasedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	fields.Status = domain.JobStatus(status)
	fields.StartedAt = derefTime(startedAt)
	fields.FinishedAt = derefTime(finishedAt)
	fields.ViewedAt = derefTime(viewedAt)
	fields.ReleasedAt = derefTime(releasedAt)

	if err := json.Unmarshal(request, &job.Request); err != nil {
		return nil, fmt.Errorf("decode request of job %s: %w", job.ID, err)
	}
	if len(result) > 0 {
		fields.Result = &domain.Result{}
		if err := json.Unmarshal(result, fields.Result); err != nil {
			return nil, fmt.Errorf("decode result of job %s: %w", job.ID, err)
		}
	}
	if len(failure) > 0 {
		fields.Failure = &domain.Failure{}
		if err := json.Unmarshal(failure, fields.Failure); err != nil {
			return nil, fmt.Errorf("decode failure of job %s: %w", job.ID, err)
		}
	}
	if len(dispatch) > 0 {
		job.DispatchError = &domain.DispatchError{}
		if err := json.Unmarshal(dispatch, job.DispatchError); err != nil {
			return nil, fmt.Errorf("decode dispatch error of job %s: %w", job.ID, err)
		}
	}

	state, err := fields.State()
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.State = state
	return &job, nil
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var _ domain.JobStore = (*JobRepositoryPG)(nil)
