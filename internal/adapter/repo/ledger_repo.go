package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"tryon/internal/domain"
	"tryon/internal/infra"
	"tryon/internal/sqlinline"
)

// LedgerRepositoryPG implements domain.CreditLedger on PostgreSQL. Each
// settlement is a single statement guarded by the reservation state, so a
// reservation is committed or released at most once.
type LedgerRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewLedgerRepository(sql infra.SQLExecutor) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{sql: sql}
}

func (r *LedgerRepositoryPG) Reserve(ctx context.Context, tenantID string, amount int64) (string, error) {
	if tenantID == "" || amount <= 0 {
		return "", fmt.Errorf("%w: reserve %d for tenant %q", domain.ErrInvalidRequest, amount, tenantID)
	}
	var id string
	err := r.sql.QueryRow(ctx, sqlinline.QReserveCredits, uuid.NewString(), tenantID, amount).Scan(&id)
	if err != nil {
		if infra.IsNoRows(err) {
			return "", domain.ErrInsufficientCredits
		}
		return "", fmt.Errorf("reserve credits: %w", err)
	}
	return id, nil
}

func (r *LedgerRepositoryPG) Commit(ctx context.Context, tenantID, reservationID string) error {
	return r.settle(ctx, sqlinline.QCommitReservation, tenantID, reservationID)
}

func (r *LedgerRepositoryPG) Release(ctx context.Context, tenantID, reservationID string) error {
	return r.settle(ctx, sqlinline.QReleaseReservation, tenantID, reservationID)
}

func (r *LedgerRepositoryPG) settle(ctx context.Context, query, tenantID, reservationID string) error {
	tag, err := r.sql.Exec(ctx, query, reservationID, tenantID)
	if err != nil {
		return fmt.Errorf("settle reservation %s: %w", reservationID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var state string
	if err := r.sql.QueryRow(ctx, sqlinline.QSelectReservationState, reservationID, tenantID).Scan(&state); err != nil {
		if infra.IsNoRows(err) {
			return fmt.Errorf("reservation %s: %w", reservationID, domain.ErrNotFound)
		}
		return fmt.Errorf("load reservation %s: %w", reservationID, err)
	}
	if serr := domain.SettlementError(domain.ReservationState(state)); serr != nil {
		return serr
	}
	return fmt.Errorf("reservation %s left in state %s", reservationID, state)
}

// TopUp adds credits to the tenant balance, creating the account if needed.
func (r *LedgerRepositoryPG) TopUp(ctx context.Context, tenantID string, amount int64) (int64, error) {
	if tenantID == "" || amount <= 0 {
		return 0, fmt.Errorf("%w: top up %d for tenant %q", domain.ErrInvalidRequest, amount, tenantID)
	}
	var balance int64
	if err := r.sql.QueryRow(ctx, sqlinline.QTopUpCredits, tenantID, amount).Scan(&balance); err != nil {
		return 0, fmt.Errorf("top up credits: %w", err)
	}
	return balance, nil
}

func (r *LedgerRepositoryPG) Account(ctx context.Context, tenantID string) (domain.CreditAccount, error) {
	acct := domain.CreditAccount{TenantID: tenantID}
	err := r.sql.QueryRow(ctx, sqlinline.QSelectCreditAccount, tenantID).Scan(&acct.Balance, &acct.Held, &acct.Spent)
	if err != nil {
		if infra.IsNoRows(err) {
			return acct, domain.ErrNotFound
		}
		return acct, fmt.Errorf("load credit account: %w", err)
	}
	return acct, nil
}

var _ domain.CreditLedger = (*LedgerRepositoryPG)(nil)
