package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tryon/internal/domain"
)

// LockerRedis grants locks with SET NX PX. Re-acquiring by the same owner
// extends the TTL; release only deletes a key the caller still owns.
type LockerRedis struct {
	client redis.UniversalClient
}

func NewLockerRedis(client redis.UniversalClient) *LockerRedis {
	return &LockerRedis{client: client}
}

func lockKey(key string) string {
	return redisKeyPrefix + "lock:" + key
}

func (l *LockerRedis) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	key, owner = strings.TrimSpace(key), strings.TrimSpace(owner)
	if key == "" || owner == "" {
		return false, fmt.Errorf("%w: lock key and owner required", domain.ErrInvalidRequest)
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	res, err := acquireLockScript.Run(ctx, l.client, []string{lockKey(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return res == 1, nil
}

func (l *LockerRedis) Unlock(ctx context.Context, key, owner string) error {
	if err := releaseLockScript.Run(ctx, l.client, []string{lockKey(key)}, owner).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

var acquireLockScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
if redis.call("SET", key, owner, "NX", "PX", ttl) then
  return 1
end
if redis.call("GET", key) == owner then
  redis.call("PEXPIRE", key, ttl)
  return 1
end
return 0
`)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ domain.Locker = (*LockerRedis)(nil)
