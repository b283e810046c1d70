// Package redisq implements the Redis data structures behind the Redis broker:
// pending/active/delayed sorted sets moved between atomically with Lua.
package redisq

import (
	"context"
	"strconv"
	"time"

	"github.com/UniQw/relq/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Atomic dequeue script: pop the lowest-scored pending member and lease it in
// active with the visibility deadline as score.
var dequeueScript = redis.NewScript(
	// language=Lua
	`
	local items = redis.call('ZPOPMIN', KEYS[1])
	if #items == 0 then return false end
	redis.call('ZADD', KEYS[2], ARGV[1], items[1])
	return items[1]
	`,
)

// moveScript moves ARGV[1] out of KEYS[1] and stores ARGV[3] in KEYS[2] with
// score ARGV[2]. Nothing happens when ARGV[1] is no longer in KEYS[1], which
// is how a worker whose lease was reclaimed loses the race.
var moveScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
	return 1
	`,
)

// finishScript removes a leased member and releases its unique ID.
var finishScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
	`,
)

// PendingScore orders pending members by priority, then by enqueue time.
// Enqueue timestamps stay below 1e13 ms until the year 2286.
func PendingScore(priority int, enqueuedMs int64) float64 {
	return float64(priority)*1e13 + float64(enqueuedMs)
}

func formatScore(s float64) string { return strconv.FormatFloat(s, 'f', -1, 64) }

// Dequeue atomically moves one member from pending to active and returns its
// raw bytes, or nil when the queue is empty.
func Dequeue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, lockDeadline time.Time) ([]byte, error) {
	res, err := dequeueScript.Run(ctx, rdb, []string{k.Pending, k.Active}, strconv.FormatInt(lockDeadline.UnixMilli(), 10)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch v := res.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, nil
	}
}

// Move atomically replaces oldRaw in src with newRaw in dst. It reports false
// when oldRaw was no longer present in src.
func Move(ctx context.Context, rdb redis.UniversalClient, src, dst string, oldRaw, newRaw []byte, score float64) (bool, error) {
	n, err := moveScript.Run(ctx, rdb, []string{src, dst}, oldRaw, formatScore(score), newRaw).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Finish removes a leased member from active and releases its unique ID.
// It reports false when the lease was already lost.
func Finish(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, raw []byte, id string) (bool, error) {
	n, err := finishScript.Run(ctx, rdb, []string{k.Active, k.Unique}, raw, id).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Quarantine moves an undecodable leased member to the poison list and
// releases id from the unique set. An empty id leaves the set untouched.
func Quarantine(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, raw []byte, id string) error {
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.LPush(ctx, k.Poison, raw)
		if id != "" {
			p.SRem(ctx, k.Unique, id)
		}
		return nil
	})
	return err
}

// ScoreFunc computes the pending score for a raw member.
type ScoreFunc func(raw string) float64

// PromoteDue moves up to limit delayed members whose due time has passed into pending.
func PromoteDue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, now time.Time, limit int64, score ScoreFunc) (int, error) {
	return sweep(ctx, rdb, k.Delayed, k.Pending, now, limit, score)
}

// ReclaimExpired moves up to limit leased members whose visibility deadline
// passed back into pending. The attempt count is not incremented.
func ReclaimExpired(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, now time.Time, limit int64, score ScoreFunc) (int, error) {
	return sweep(ctx, rdb, k.Active, k.Pending, now, limit, score)
}

func sweep(ctx context.Context, rdb redis.UniversalClient, src, dst string, now time.Time, limit int64, score ScoreFunc) (int, error) {
	members, err := rdb.ZRangeByScore(ctx, src, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	moved := 0
	for _, m := range members {
		ok, err := Move(ctx, rdb, src, dst, []byte(m), []byte(m), score(m))
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

// Members returns every member of a sorted set in score order.
func Members(ctx context.Context, rdb redis.UniversalClient, key string) ([]string, error) {
	out, err := rdb.ZRange(ctx, key, 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return out, err
}

// Counts holds the sizes of the queue structures.
type Counts struct {
	Pending int64
	Active  int64
	Delayed int64
	Poison  int64
}

// Count returns the sizes of the queue structures in one round trip.
func Count(ctx context.Context, rdb redis.UniversalClient, k keys.Queue) (Counts, error) {
	var p, a, d *redis.IntCmd
	var x *redis.IntCmd
	_, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		p = pipe.ZCard(ctx, k.Pending)
		a = pipe.ZCard(ctx, k.Active)
		d = pipe.ZCard(ctx, k.Delayed)
		x = pipe.LLen(ctx, k.Poison)
		return nil
	})
	if err != nil {
		return Counts{}, err
	}
	return Counts{Pending: p.Val(), Active: a.Val(), Delayed: d.Val(), Poison: x.Val()}, nil
}
