package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tryon/internal/domain"
)

// JobRepositoryMemory keeps jobs in process memory. It backs tests and
// single-instance development setups.
type JobRepositoryMemory struct {
	mu   sync.Mutex
	jobs map[string]jobRecord
	now  func() time.Time
}

func NewJobRepositoryMemory() *JobRepositoryMemory {
	return &JobRepositoryMemory{jobs: make(map[string]jobRecord), now: time.Now}
}

func (r *JobRepositoryMemory) Create(ctx context.Context, job *domain.GenerationJob) error {
	if job == nil || job.Status() != domain.JobStatusPending {
		return fmt.Errorf("%w: new jobs must be pending", domain.ErrInvalidTransition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return domain.ErrDuplicateJob
	}
	r.jobs[job.ID] = recordOf(job)
	return nil
}

func (r *JobRepositoryMemory) Get(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.job()
}

func (r *JobRepositoryMemory) CompareAndSetStatus(ctx context.Context, jobID string, expected, next domain.JobStatus, patch domain.JobPatch) (bool, error) {
	if !domain.CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, next)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[jobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if rec.Status != expected {
		return false, nil
	}
	updated, err := rec.apply(next, patch, r.now().UTC())
	if err != nil {
		return false, err
	}
	r.jobs[jobID] = updated
	return true, nil
}

func (r *JobRepositoryMemory) Update(ctx context.Context, jobID string, patch domain.JobPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	updated, err := rec.apply(rec.Status, patch, r.now().UTC())
	if err != nil {
		return err
	}
	r.jobs[jobID] = updated
	return nil
}

func (r *JobRepositoryMemory) List(ctx context.Context, q domain.JobQuery) ([]*domain.GenerationJob, error) {
	r.mu.Lock()
	matched := make([]jobRecord, 0)
	for _, rec := range r.jobs {
		if rec.matches(q) {
			matched = append(matched, rec)
		}
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StatusAt.Before(matched[j].StatusAt)
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	jobs := make([]*domain.GenerationJob, 0, len(matched))
	for _, rec := range matched {
		job, err := rec.job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

var _ domain.JobStore = (*JobRepositoryMemory)(nil)
