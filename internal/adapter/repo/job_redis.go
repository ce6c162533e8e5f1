package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tryon/internal/domain"
)

const redisKeyPrefix = "tryon:"

// errContended is returned by mutate when every optimistic attempt lost.
var errContended = errors.New("concurrent modification")

// JobRepositoryRedis stores each job as a hash holding its status and a JSON
// document. Two sorted sets per status, scored by the time the job entered
// the status, serve List: one with every job and one with the unsettled ones.
type JobRepositoryRedis struct {
	client redis.UniversalClient
	now    func() time.Time
	// beforeWrite runs between reading a job and queuing its write.
	beforeWrite func(jobID string)
}

// NewJobRepositoryRedis creates a job store over a Redis client.
func NewJobRepositoryRedis(client redis.UniversalClient) *JobRepositoryRedis {
	return &JobRepositoryRedis{client: client, now: time.Now}
}

func jobKey(jobID string) string {
	return redisKeyPrefix + "job:" + jobID
}

func statusIndexKey(status domain.JobStatus) string {
	return redisKeyPrefix + "jobs:status:" + string(status)
}

func unsettledIndexKey(status domain.JobStatus) string {
	return redisKeyPrefix + "jobs:unsettled:" + string(status)
}

func (r *JobRepositoryRedis) Create(ctx context.Context, job *domain.GenerationJob) error {
	if job == nil || job.Status() != domain.JobStatusPending {
		return fmt.Errorf("%w: new jobs must be pending", domain.ErrInvalidTransition)
	}
	rec := recordOf(job)
	key := jobKey(job.ID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return domain.ErrDuplicateJob
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.stage(ctx, pipe, nil, rec)
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrDuplicateJob
	}
	return err
}

func (r *JobRepositoryRedis) Get(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	rec, err := r.load(ctx, r.client, jobID)
	if err != nil {
		return nil, err
	}
	return rec.job()
}

func (r *JobRepositoryRedis) CompareAndSetStatus(ctx context.Context, jobID string, expected, next domain.JobStatus, patch domain.JobPatch) (bool, error) {
	if !domain.CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, next)
	}
	won := false
	err := r.mutate(ctx, jobID, func(rec jobRecord) (jobRecord, bool, error) {
		if rec.Status != expected {
			return rec, false, nil
		}
		updated, err := rec.apply(next, patch, r.now().UTC())
		return updated, err == nil, err
	}, &won)
	if errors.Is(err, errContended) {
		// Writers kept racing us. If one of them already moved the job off
		// expected, this call simply lost the transition.
		rec, loadErr := r.load(ctx, r.client, jobID)
		if loadErr == nil && rec.Status != expected {
			return false, nil
		}
	}
	return won, err
}

func (r *JobRepositoryRedis) Update(ctx context.Context, jobID string, patch domain.JobPatch) error {
	var written bool
	return r.mutate(ctx, jobID, func(rec jobRecord) (jobRecord, bool, error) {
		updated, err := rec.apply(rec.Status, patch, r.now().UTC())
		return updated, err == nil, err
	}, &written)
}

func (r *JobRepositoryRedis) List(ctx context.Context, q domain.JobQuery) ([]*domain.GenerationJob, error) {
	key := statusIndexKey(q.Status)
	if q.Unsettled {
		key = unsettledIndexKey(q.Status)
	}
	upper := "+inf"
	if !q.Before.IsZero() {
		upper = strconv.FormatInt(q.Before.UnixMilli(), 10)
	}
	by := &redis.ZRangeBy{Min: "-inf", Max: upper}
	if q.Limit > 0 {
		by.Count = int64(q.Limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, key, by).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*domain.GenerationJob, 0, len(ids))
	for _, id := range ids {
		rec, err := r.load(ctx, r.client, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The index is written in the same transaction as the document, but a
		// reader between two list calls can still see a newer document.
		if !rec.matches(q) {
			continue
		}
		job, err := rec.job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// mutate runs change under WATCH on the job key and retries when another
// writer got in between. change returns false to skip the write.
func (r *JobRepositoryRedis) mutate(ctx context.Context, jobID string, change func(jobRecord) (jobRecord, bool, error), written *bool) error {
	key := jobKey(jobID)
	for attempt := 0; attempt < writeAttempts; attempt++ {
		*written = false
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := r.load(ctx, tx, jobID)
			if err != nil {
				return err
			}
			updated, ok, err := change(rec)
			if err != nil || !ok {
				return err
			}
			if r.beforeWrite != nil {
				r.beforeWrite(jobID)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return r.stage(ctx, pipe, &rec, updated)
			})
			if err == nil {
				*written = true
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update job %s: %w", jobID, errContended)
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (r *JobRepositoryRedis) load(ctx context.Context, cmd hashGetter, jobID string) (jobRecord, error) {
	raw, err := cmd.HGet(ctx, jobKey(jobID), "doc").Result()
	if errors.Is(err, redis.Nil) {
		return jobRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return jobRecord{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var rec jobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return jobRecord{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return rec, nil
}

// stage queues the document write and index maintenance for one transition.
func (r *JobRepositoryRedis) stage(ctx context.Context, pipe redis.Pipeliner, prev *jobRecord, next jobRecord) error {
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", next.ID, err)
	}
	pipe.HSet(ctx, jobKey(next.ID), map[string]any{
		"status": string(next.Status),
		"doc":    doc,
	})
	if prev != nil {
		pipe.ZRem(ctx, statusIndexKey(prev.Status), next.ID)
		pipe.ZRem(ctx, unsettledIndexKey(prev.Status), next.ID)
	}
	score := float64(next.StatusAt.UnixMilli())
	pipe.ZAdd(ctx, statusIndexKey(next.Status), redis.Z{Score: score, Member: next.ID})
	if !next.settled() {
		pipe.ZAdd(ctx, unsettledIndexKey(next.Status), redis.Z{Score: score, Member: next.ID})
	}
	return nil
}

var _ domain.JobStore = (*JobRepositoryRedis)(nil)
