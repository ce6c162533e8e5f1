package domain

import (
	"context"
	"time"
)

// JobStore persists generation jobs. CompareAndSetStatus is the only way a
// status may change; losing the race returns false with a nil error.
type JobStore interface {
	Create(ctx context.Context, job *GenerationJob) error
	Get(ctx context.Context, jobID string) (*GenerationJob, error)
	CompareAndSetStatus(ctx context.Context, jobID string, expected, next JobStatus, patch JobPatch) (bool, error)
	Update(ctx context.Context, jobID string, patch JobPatch) error
	List(ctx context.Context, q JobQuery) ([]*GenerationJob, error)
}

// CreditLedger owns tenant balances. Reservations are committed or released
// at most once; a second commit reports ErrAlreadyCommitted and a commit
// after release reports ErrReservationReleased.
type CreditLedger interface {
	Reserve(ctx context.Context, tenantID string, amount int64) (string, error)
	Commit(ctx context.Context, tenantID, reservationID string) error
	Release(ctx context.Context, tenantID, reservationID string) error
}

// Locker grants short-lived named locks shared by every instance.
type Locker interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

// CreditAccounts is the operator side of the ledger.
type CreditAccounts interface {
	TopUp(ctx context.Context, tenantID string, amount int64) (int64, error)
	Account(ctx context.Context, tenantID string) (CreditAccount, error)
}
