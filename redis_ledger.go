package relq

import (
	"context"
	"strconv"
	"time"

	ikeys "github.com/UniQw/relq/internal/keys"
	"github.com/redis/go-redis/v9"
)

// claimScript returns 0 when the claim was taken, 1 when the job is already
// done and 2 when another token holds it.
var claimScript = redis.NewScript(
	// language=Lua
	`
	local v = redis.call('GET', KEYS[1])
	if v == 'done' then return 1 end
	if v and v ~= ARGV[1] then return 2 end
	if tonumber(ARGV[2]) > 0 then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	else
		redis.call('SET', KEYS[1], ARGV[1])
	end
	return 0
	`,
)

var releaseScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
	`,
)

// RedisLedger is a Claimer shared by every process using the same Redis.
type RedisLedger struct {
	rdb redis.UniversalClient
	ns  string
}

// NewRedisLedger creates a ledger whose keys live under namespace
// ("default" when empty).
func NewRedisLedger(rdb redis.UniversalClient, namespace string) *RedisLedger {
	if namespace == "" {
		namespace = "default"
	}
	return &RedisLedger{rdb: rdb, ns: namespace}
}

func (l *RedisLedger) key(id string) string { return ikeys.Ledger(l.ns, id) }

// IsComplete reports whether id has an unexpired completion entry.
func (l *RedisLedger) IsComplete(ctx context.Context, id string) (bool, error) {
	v, err := l.rdb.Get(ctx, l.key(id)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == ledgerDone, nil
}

// MarkComplete records id as done for ttl.
func (l *RedisLedger) MarkComplete(ctx context.Context, id string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return l.rdb.Set(ctx, l.key(id), ledgerDone, ttl).Err()
}

// Claim implements Claimer.
func (l *RedisLedger) Claim(ctx context.Context, id, token string, lease time.Duration) (ClaimResult, error) {
	n, err := claimScript.Run(ctx, l.rdb, []string{l.key(id)}, claimValue(token), strconv.FormatInt(lease.Milliseconds(), 10)).Int()
	if err != nil {
		return ClaimAcquired, err
	}
	switch n {
	case 1:
		return ClaimCompleted, nil
	case 2:
		return ClaimHeld, nil
	default:
		return ClaimAcquired, nil
	}
}

// Release implements Claimer.
func (l *RedisLedger) Release(ctx context.Context, id, token string) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key(id)}, claimValue(token)).Err()
}
