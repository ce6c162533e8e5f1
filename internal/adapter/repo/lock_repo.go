package repo

import (
	"context"
	"fmt"
	"time"

	"tryon/internal/domain"
	"tryon/internal/infra"
	"tryon/internal/sqlinline"
)

// LockerPG keeps locks as rows in pipeline_locks. Expired rows are taken over
// by the next acquirer.
type LockerPG struct {
	sql infra.SQLExecutor
}

func NewLockerPG(sql infra.SQLExecutor) *LockerPG {
	return &LockerPG{sql: sql}
}

func (l *LockerPG) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "" || owner == "" {
		return false, fmt.Errorf("%w: lock key and owner required", domain.ErrInvalidRequest)
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	var got string
	err := l.sql.QueryRow(ctx, sqlinline.QAcquirePipelineLock, key, owner, ttl.Milliseconds()).Scan(&got)
	if err != nil {
		if infra.IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return true, nil
}

func (l *LockerPG) Unlock(ctx context.Context, key, owner string) error {
	if _, err := l.sql.Exec(ctx, sqlinline.QReleasePipelineLock, key, owner); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

var _ domain.Locker = (*LockerPG)(nil)
