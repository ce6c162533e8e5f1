package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tryon/internal/domain"
)

type memoryReservation struct {
	tenantID string
	amount   int64
	state    domain.ReservationState
}

// LedgerRepositoryMemory is an in-process credit ledger with the same
// settlement rules as the Postgres one.
type LedgerRepositoryMemory struct {
	mu           sync.Mutex
	accounts     map[string]*domain.CreditAccount
	reservations map[string]*memoryReservation
}

func NewLedgerRepositoryMemory() *LedgerRepositoryMemory {
	return &LedgerRepositoryMemory{
		accounts:     make(map[string]*domain.CreditAccount),
		reservations: make(map[string]*memoryReservation),
	}
}

func (r *LedgerRepositoryMemory) Reserve(ctx context.Context, tenantID string, amount int64) (string, error) {
	if tenantID == "" || amount <= 0 {
		return "", fmt.Errorf("%w: reserve %d for tenant %q", domain.ErrInvalidRequest, amount, tenantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[tenantID]
	if !ok || acct.Balance < amount {
		return "", domain.ErrInsufficientCredits
	}
	acct.Balance -= amount
	acct.Held += amount
	id := uuid.NewString()
	r.reservations[id] = &memoryReservation{tenantID: tenantID, amount: amount, state: domain.ReservationReserved}
	return id, nil
}

func (r *LedgerRepositoryMemory) Commit(ctx context.Context, tenantID, reservationID string) error {
	return r.settle(tenantID, reservationID, domain.ReservationCommitted)
}

func (r *LedgerRepositoryMemory) Release(ctx context.Context, tenantID, reservationID string) error {
	return r.settle(tenantID, reservationID, domain.ReservationReleased)
}

func (r *LedgerRepositoryMemory) settle(tenantID, reservationID string, to domain.ReservationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[reservationID]
	if !ok || res.tenantID != tenantID {
		return fmt.Errorf("reservation %s: %w", reservationID, domain.ErrNotFound)
	}
	if err := domain.SettlementError(res.state); err != nil {
		return err
	}
	acct := r.accounts[tenantID]
	acct.Held -= res.amount
	if to == domain.ReservationCommitted {
		acct.Spent += res.amount
	} else {
		acct.Balance += res.amount
	}
	res.state = to
	return nil
}

func (r *LedgerRepositoryMemory) TopUp(ctx context.Context, tenantID string, amount int64) (int64, error) {
	if tenantID == "" || amount <= 0 {
		return 0, fmt.Errorf("%w: top up %d for tenant %q", domain.ErrInvalidRequest, amount, tenantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[tenantID]
	if !ok {
		acct = &domain.CreditAccount{TenantID: tenantID}
		r.accounts[tenantID] = acct
	}
	acct.Balance += amount
	return acct.Balance, nil
}

func (r *LedgerRepositoryMemory) Account(ctx context.Context, tenantID string) (domain.CreditAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[tenantID]
	if !ok {
		return domain.CreditAccount{TenantID: tenantID}, domain.ErrNotFound
	}
	return *acct, nil
}

var _ domain.CreditLedger = (*LedgerRepositoryMemory)(nil)
