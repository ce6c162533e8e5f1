package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tryon/internal/domain"
)

// LedgerRepositoryRedis keeps tenant accounts and reservations in Redis
// hashes. Every balance move runs inside one Lua script, so reserve and
// settle are atomic across instances sharing the server. Keys of one tenant
// share a hash tag and land in the same cluster slot.
type LedgerRepositoryRedis struct {
	client redis.UniversalClient
}

// NewLedgerRepositoryRedis creates a credit ledger backed by Redis.
func NewLedgerRepositoryRedis(client redis.UniversalClient) *LedgerRepositoryRedis {
	return &LedgerRepositoryRedis{client: client}
}

func accountKey(tenantID string) string {
	return redisKeyPrefix + "credit:{" + tenantID + "}:account"
}

func reservationKey(tenantID, reservationID string) string {
	return redisKeyPrefix + "credit:{" + tenantID + "}:reservation:" + reservationID
}

func (r *LedgerRepositoryRedis) Reserve(ctx context.Context, tenantID string, amount int64) (string, error) {
	if tenantID == "" || amount <= 0 {
		return "", fmt.Errorf("%w: reserve %d for tenant %q", domain.ErrInvalidRequest, amount, tenantID)
	}
	id := uuid.NewString()
	ok, err := reserveScript.Run(ctx, r.client,
		[]string{accountKey(tenantID), reservationKey(tenantID, id)},
		amount, tenantID, string(domain.ReservationReserved),
	).Int()
	if err != nil {
		return "", fmt.Errorf("reserve credits: %w", err)
	}
	if ok != 1 {
		return "", domain.ErrInsufficientCredits
	}
	return id, nil
}

func (r *LedgerRepositoryRedis) Commit(ctx context.Context, tenantID, reservationID string) error {
	return r.settle(ctx, tenantID, reservationID, domain.ReservationCommitted)
}

func (r *LedgerRepositoryRedis) Release(ctx context.Context, tenantID, reservationID string) error {
	return r.settle(ctx, tenantID, reservationID, domain.ReservationReleased)
}

func (r *LedgerRepositoryRedis) settle(ctx context.Context, tenantID, reservationID string, to domain.ReservationState) error {
	outcome, err := settleScript.Run(ctx, r.client,
		[]string{reservationKey(tenantID, reservationID), accountKey(tenantID)},
		tenantID, string(to), string(domain.ReservationReserved), string(domain.ReservationCommitted),
	).Text()
	if err != nil {
		return fmt.Errorf("settle reservation %s: %w", reservationID, err)
	}
	switch outcome {
	case "OK":
		return nil
	case "NOT_FOUND":
		return fmt.Errorf("reservation %s: %w", reservationID, domain.ErrNotFound)
	}
	if err := domain.SettlementError(domain.ReservationState(outcome)); err != nil {
		return err
	}
	return fmt.Errorf("reservation %s: unexpected state %q", reservationID, outcome)
}

func (r *LedgerRepositoryRedis) TopUp(ctx context.Context, tenantID string, amount int64) (int64, error) {
	if tenantID == "" || amount <= 0 {
		return 0, fmt.Errorf("%w: top up %d for tenant %q", domain.ErrInvalidRequest, amount, tenantID)
	}
	balance, err := r.client.HIncrBy(ctx, accountKey(tenantID), "balance", amount).Result()
	if err != nil {
		return 0, fmt.Errorf("top up credits: %w", err)
	}
	return balance, nil
}

func (r *LedgerRepositoryRedis) Account(ctx context.Context, tenantID string) (domain.CreditAccount, error) {
	acct := domain.CreditAccount{TenantID: tenantID}
	fields, err := r.client.HGetAll(ctx, accountKey(tenantID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return acct, fmt.Errorf("load account: %w", err)
	}
	if len(fields) == 0 {
		return acct, domain.ErrNotFound
	}
	for name, dst := range map[string]*int64{"balance": &acct.Balance, "held": &acct.Held, "spent": &acct.Spent} {
		if raw, ok := fields[name]; ok {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return acct, fmt.Errorf("account %s field %s: %w", tenantID, name, err)
			}
			*dst = v
		}
	}
	return acct, nil
}

// KEYS: account, reservation. ARGV: amount, tenant, reserved state.
var reserveScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local balance = tonumber(redis.call("HGET", KEYS[1], "balance") or "0")
if balance < amount then
  return 0
end
redis.call("HINCRBY", KEYS[1], "balance", -amount)
redis.call("HINCRBY", KEYS[1], "held", amount)
redis.call("HSET", KEYS[2], "tenant", ARGV[2], "amount", amount, "state", ARGV[3])
return 1
`)

// KEYS: reservation, account. ARGV: tenant, target state, reserved state,
// committed state. Returns OK, NOT_FOUND or the state that blocked the move.
var settleScript = redis.NewScript(`
local res = redis.call("HMGET", KEYS[1], "tenant", "amount", "state")
if not res[1] or res[1] ~= ARGV[1] then
  return "NOT_FOUND"
end
if res[3] ~= ARGV[3] then
  return res[3]
end
local amount = tonumber(res[2])
redis.call("HINCRBY", KEYS[2], "held", -amount)
if ARGV[2] == ARGV[4] then
  redis.call("HINCRBY", KEYS[2], "spent", amount)
else
  redis.call("HINCRBY", KEYS[2], "balance", amount)
end
redis.call("HSET", KEYS[1], "state", ARGV[2])
return "OK"
`)

var (
	_ domain.CreditLedger   = (*LedgerRepositoryRedis)(nil)
	_ domain.CreditAccounts = (*LedgerRepositoryRedis)(nil)
)
