package repo

import (
	"context"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tryon/internal/domain"
)

func newRedisLedger(t *testing.T) (*LedgerRepositoryRedis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLedgerRepositoryRedis(client), client
}

func TestLedgerRedisReserveCommit(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newRedisLedger(t)
	if _, err := ledger.Account(ctx, "tenant-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown account, got %v", err)
	}
	if balance, err := ledger.TopUp(ctx, "tenant-1", 3); err != nil || balance != 3 {
		t.Fatalf("top up: balance=%d err=%v", balance, err)
	}

	id, err := ledger.Reserve(ctx, "tenant-1", 2)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := ledger.Reserve(ctx, "tenant-1", 2); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if _, err := ledger.Reserve(ctx, "tenant-2", 1); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits without account, got %v", err)
	}

	if err := ledger.Commit(ctx, "tenant-1", id); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := ledger.Commit(ctx, "tenant-1", id); !errors.Is(err, domain.ErrAlreadyCommitted) {
		t.Fatalf("expected ErrAlreadyCommitted, got %v", err)
	}
	if err := ledger.Release(ctx, "tenant-1", id); !errors.Is(err, domain.ErrAlreadyCommitted) {
		t.Fatalf("release after commit should report ErrAlreadyCommitted, got %v", err)
	}

	acct, err := ledger.Account(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Balance != 1 || acct.Held != 0 || acct.Spent != 2 {
		t.Fatalf("unexpected account %+v", acct)
	}
}

func TestLedgerRedisRelease(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newRedisLedger(t)
	_, _ = ledger.TopUp(ctx, "tenant-1", 1)
	id, err := ledger.Reserve(ctx, "tenant-1", 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := ledger.Release(ctx, "tenant-1", id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ledger.Commit(ctx, "tenant-1", id); !errors.Is(err, domain.ErrReservationReleased) {
		t.Fatalf("expected ErrReservationReleased, got %v", err)
	}
	acct, _ := ledger.Account(ctx, "tenant-1")
	if acct.Balance != 1 || acct.Held != 0 || acct.Spent != 0 {
		t.Fatalf("expected credit returned, got %+v", acct)
	}
}

func TestLedgerRedisWrongTenantAndUnknownReservation(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newRedisLedger(t)
	_, _ = ledger.TopUp(ctx, "tenant-1", 1)
	id, _ := ledger.Reserve(ctx, "tenant-1", 1)
	if err := ledger.Commit(ctx, "tenant-2", id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign tenant, got %v", err)
	}
	if err := ledger.Release(ctx, "tenant-1", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown reservation, got %v", err)
	}
	if _, err := ledger.Reserve(ctx, "tenant-1", 0); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

// Two ledgers over one server stand in for two instances settling the same
// reservation.
func TestLedgerRedisSharedAcrossInstancesSettlesOnce(t *testing.T) {
	ctx := context.Background()
	first, client := newRedisLedger(t)
	second := NewLedgerRepositoryRedis(client)

	_, _ = first.TopUp(ctx, "tenant-1", 1)
	id, err := first.Reserve(ctx, "tenant-1", 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		ledger := first
		if i%2 == 1 {
			ledger = second
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ledger.Commit(ctx, "tenant-1", id)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrAlreadyCommitted) {
				t.Errorf("unexpected commit error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Fatalf("expected exactly one commit, got %d", succeeded)
	}

	acct, err := second.Account(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Balance != 0 || acct.Held != 0 || acct.Spent != 1 {
		t.Fatalf("unexpected account %+v", acct)
	}
}
