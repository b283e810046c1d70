package redisq

import (
	"context"
	"testing"
	"time"

	"github.com/UniQw/relq/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, s
}

func TestPendingScore_PriorityDominates(t *testing.T) {
	now := time.Now().UnixMilli()
	require.Less(t, PendingScore(0, now+1_000_000), PendingScore(1, now))
	require.Less(t, PendingScore(5, now), PendingScore(5, now+1))
}

func TestDequeue_EmptyAndOrder(t *testing.T) {
	rdb, _ := newMiniClient(t)
	ctx := context.Background()
	q := keys.For("q")

	got, err := Dequeue(ctx, rdb, q, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, rdb.ZAdd(ctx, q.Pending,
		redis.Z{Score: PendingScore(50, 1), Member: "low"},
		redis.Z{Score: PendingScore(10, 2), Member: "high"},
	).Err())

	lock := time.Now().Add(time.Minute)
	got, err = Dequeue(ctx, rdb, q, lock)
	require.NoError(t, err)
	require.Equal(t, "high", string(got))

	score, err := rdb.ZScore(ctx, q.Active, "high").Result()
	require.NoError(t, err)
	require.Equal(t, float64(lock.UnixMilli()), score)

	got, err = Dequeue(ctx, rdb, q, lock)
	require.NoError(t, err)
	require.Equal(t, "low", string(got))
	n, _ := rdb.ZCard(ctx, q.Pending).Result()
	require.Zero(t, n)
}

func TestMove_OnlyWhenPresent(t *testing.T) {
	rdb, _ := newMiniClient(t)
	ctx := context.Background()
	q := keys.For("q")
	require.NoError(t, rdb.ZAdd(ctx, q.Active, redis.Z{Score: 1, Member: "old"}).Err())

	ok, err := Move(ctx, rdb, q.Active, q.Delayed, []byte("old"), []byte("new"), 42)
	require.NoError(t, err)
	require.True(t, ok)

	members, err := Members(ctx, rdb, q.Delayed)
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, members)
	n, _ := rdb.ZCard(ctx, q.Active).Result()
	require.Zero(t, n)

	// second move loses the race
	ok, err = Move(ctx, rdb, q.Active, q.Delayed, []byte("old"), []byte("newer"), 43)
	require.NoError(t, err)
	require.False(t, ok)
	members, _ = Members(ctx, rdb, q.Delayed)
	require.Equal(t, []string{"new"}, members)
}

func TestFinish_ReleasesUnique(t *testing.T) {
	rdb, _ := newMiniClient(t)
	ctx := context.Background()
	q := keys.For("q")
	require.NoError(t, rdb.ZAdd(ctx, q.Active, redis.Z{Score: 1, Member: "raw"}).Err())
	require.NoError(t, rdb.SAdd(ctx, q.Unique, "id1").Err())

	ok, err := Finish(ctx, rdb, q, []byte("raw"), "id1")
	require.NoError(t, err)
	require.True(t, ok)
	isMember, _ := rdb.SIsMember(ctx, q.Unique, "id1").Result()
	require.False(t, isMember)

	// lease already gone: unique is left alone
	require.NoError(t, rdb.SAdd(ctx, q.Unique, "id1").Err())
	ok, err = Finish(ctx, rdb, q, []byte("raw"), "id1")
	require.NoError(t, err)
	require.False(t, ok)
	isMember, _ = rdb.SIsMember(ctx, q.Unique, "id1").Result()
	require.True(t, isMember)
}

func TestPromoteDue_And_ReclaimExpired(t *testing.T) {
	rdb, _ := newMiniClient(t)
	ctx := context.Background()
	q := keys.For("q")
	now := time.Now()

	require.NoError(t, rdb.ZAdd(ctx, q.Delayed,
		redis.Z{Score: float64(now.Add(-time.Second).UnixMilli()), Member: "due"},
		redis.Z{Score: float64(now.Add(time.Hour).UnixMilli()), Member: "later"},
	).Err())
	require.NoError(t, rdb.ZAdd(ctx, q.Active,
		redis.Z{Score: float64(now.Add(-time.Second).UnixMilli()), Member: "stale"},
		redis.Z{Score: float64(now.Add(time.Hour).UnixMilli()), Member: "live"},
	).Err())

	score := func(string) float64 { return 7 }
	n, err := PromoteDue(ctx, rdb, q, now, 100, score)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = ReclaimExpired(ctx, rdb, q, now, 100, score)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := Members(ctx, rdb, q.Pending)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"due", "stale"}, pending)

	c, err := Count(ctx, rdb, q)
	require.NoError(t, err)
	require.Equal(t, Counts{Pending: 2, Active: 1, Delayed: 1}, c)
}

func TestQuarantine(t *testing.T) {
	rdb, _ := newMiniClient(t)
	ctx := context.Background()
	q := keys.For("q")
	require.NoError(t, rdb.ZAdd(ctx, q.Active, redis.Z{Score: 1, Member: "{bad"}).Err())

	require.NoError(t, Quarantine(ctx, rdb, q, []byte("{bad"), ""))
	c, err := Count(ctx, rdb, q)
	require.NoError(t, err)
	require.Equal(t, int64(0), c.Active)
	require.Equal(t, int64(1), c.Poison)
}

func TestQuarantine_ReleasesUniqueID(t *testing.T) {
	rdb, _ := newMiniClient(t)
	ctx := context.Background()
	q := keys.For("q")
	raw := `{"id":"p1","attempt":"x"}`
	require.NoError(t, rdb.ZAdd(ctx, q.Active, redis.Z{Score: 1, Member: raw}).Err())
	require.NoError(t, rdb.SAdd(ctx, q.Unique, "p1", "other").Err())

	require.NoError(t, Quarantine(ctx, rdb, q, []byte(raw), "p1"))
	members, err := rdb.SMembers(ctx, q.Unique).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"other"}, members)
}

func TestDequeue_ErrorPropagates(t *testing.T) {
	rdb, s := newMiniClient(t)
	s.Close()
	_, err := Dequeue(context.Background(), rdb, keys.For("q"), time.Now())
	require.Error(t, err)
}
