package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tryon/internal/domain"
)

const (
	settlementLockTTL  = 30 * time.Second
	settlementLockPoll = 25 * time.Millisecond
)

func settlementLockKey(jobID string) string {
	return "settle:" + jobID
}

// withSettlementLock runs fn while holding the per-job settlement lock. It
// polls until the lock is free or ctx ends. Commit and release both run
// under it, so a reservation is settled by one actor at a time.
func withSettlementLock(ctx context.Context, locker domain.Locker, jobID string, fn func(context.Context) error) error {
	key := settlementLockKey(jobID)
	owner := uuid.NewString()

	ticker := time.NewTicker(settlementLockPoll)
	defer ticker.Stop()
	for {
		ok, err := locker.TryLock(ctx, key, owner, settlementLockTTL)
		if err != nil {
			return fmt.Errorf("settlement lock %s: %w", jobID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("settlement lock %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
	defer func() {
		_ = locker.Unlock(context.WithoutCancel(ctx), key, owner)
	}()
	return fn(ctx)
}
