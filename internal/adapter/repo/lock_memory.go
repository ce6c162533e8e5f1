package repo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tryon/internal/domain"
)

const defaultLockTTL = 30 * time.Second

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// LockerMemory is a process-local domain.Locker.
type LockerMemory struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

func NewLockerMemory() *LockerMemory {
	return &LockerMemory{locks: make(map[string]memoryLock), now: time.Now}
}

func (l *LockerMemory) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "" || owner == "" {
		return false, fmt.Errorf("%w: lock key and owner required", domain.ErrInvalidRequest)
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.locks[key]; ok && held.owner != owner && now.Before(held.expiresAt) {
		return false, nil
	}
	l.locks[key] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *LockerMemory) Unlock(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && held.owner == owner {
		delete(l.locks, key)
	}
	return nil
}

var _ domain.Locker = (*LockerMemory)(nil)
