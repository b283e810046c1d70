package relq

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type ledgerHarness struct {
	ledger  Claimer
	advance func(time.Duration)
}

// fakeClock is advanced explicitly by tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func ledgerHarnesses(t *testing.T) map[string]func(t *testing.T) ledgerHarness {
	return map[string]func(t *testing.T) ledgerHarness{
		"memory": func(t *testing.T) ledgerHarness {
			clk := newFakeClock()
			l := NewMemoryLedger()
			l.now = clk.Now
			return ledgerHarness{ledger: l, advance: clk.Advance}
		},
		"redis": func(t *testing.T) ledgerHarness {
			rdb, s := newMiniClient(t)
			return ledgerHarness{ledger: NewRedisLedger(rdb, "test"), advance: s.FastForward}
		},
		"sqlite": func(t *testing.T) ledgerHarness {
			clk := newFakeClock()
			l, err := NewSQLLedger(context.Background(), newSQLiteDB(t), "")
			require.NoError(t, err)
			l.now = clk.Now
			return ledgerHarness{ledger: l, advance: clk.Advance}
		},
	}
}

func TestLedger_Conformance(t *testing.T) {
	for name, mk := range ledgerHarnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("complete then expire", func(t *testing.T) {
				h := mk(t)
				done, err := h.ledger.IsComplete(ctx, "a")
				require.NoError(t, err)
				require.False(t, done)

				require.NoError(t, h.ledger.MarkComplete(ctx, "a", time.Minute))
				done, err = h.ledger.IsComplete(ctx, "a")
				require.NoError(t, err)
				require.True(t, done)

				h.advance(2 * time.Minute)
				done, err = h.ledger.IsComplete(ctx, "a")
				require.NoError(t, err)
				require.False(t, done, "entry must expire after ttl")
			})

			t.Run("mark overwrites claim", func(t *testing.T) {
				h := mk(t)
				res, err := h.ledger.Claim(ctx, "b", "w1", time.Minute)
				require.NoError(t, err)
				require.Equal(t, ClaimAcquired, res)

				done, err := h.ledger.IsComplete(ctx, "b")
				require.NoError(t, err)
				require.False(t, done, "a claim is not a completion")

				require.NoError(t, h.ledger.MarkComplete(ctx, "b", time.Hour))
				res, err = h.ledger.Claim(ctx, "b", "w2", time.Minute)
				require.NoError(t, err)
				require.Equal(t, ClaimCompleted, res)
			})

			t.Run("claim exclusivity and lease expiry", func(t *testing.T) {
				h := mk(t)
				res, err := h.ledger.Claim(ctx, "c", "w1", time.Minute)
				require.NoError(t, err)
				require.Equal(t, ClaimAcquired, res)

				res, err = h.ledger.Claim(ctx, "c", "w2", time.Minute)
				require.NoError(t, err)
				require.Equal(t, ClaimHeld, res)

				res, err = h.ledger.Claim(ctx, "c", "w1", time.Minute)
				require.NoError(t, err)
				require.Equal(t, ClaimAcquired, res, "same token refreshes")

				h.advance(2 * time.Minute)
				res, err = h.ledger.Claim(ctx, "c", "w2", time.Minute)
				require.NoError(t, err)
				require.Equal(t, ClaimAcquired, res, "expired claim can be taken over")
			})

			t.Run("release only own claim", func(t *testing.T) {
				h := mk(t)
				_, err := h.ledger.Claim(ctx, "d", "w1", time.Minute)
				require.NoError(t, err)

				require.NoError(t, h.ledger.Release(ctx, "d", "w2"))
				res, err := h.ledger.Claim(ctx, "d", "w2", time.Minute)
				require.NoError(t, err)
				require.Equal(t, ClaimHeld, res)

				require.NoError(t, h.ledger.Release(ctx, "d", "w1"))
				res, err = h.ledger.Claim(ctx, "d", "w2", time.Minute)
				require.NoError(t, err)
				require.Equal(t, ClaimAcquired, res)
			})

			t.Run("release leaves completion", func(t *testing.T) {
				h := mk(t)
				require.NoError(t, h.ledger.MarkComplete(ctx, "e", time.Minute))
				require.NoError(t, h.ledger.Release(ctx, "e", "w1"))
				done, err := h.ledger.IsComplete(ctx, "e")
				require.NoError(t, err)
				require.True(t, done)
			})
		})
	}
}

func TestLedger_ConcurrentClaimSingleWinner(t *testing.T) {
	for name, mk := range ledgerHarnesses(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()
			var won atomic.Int32
			var wg sync.WaitGroup
			for i := range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := h.ledger.Claim(ctx, "race", fmt.Sprintf("w%d", i), time.Minute)
					if err == nil && res == ClaimAcquired {
						won.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), won.Load())
		})
	}
}

func TestMemoryLedger_SweepsExpired(t *testing.T) {
	clk := newFakeClock()
	l := NewMemoryLedger()
	l.now = clk.Now
	ctx := context.Background()
	for i := range 1000 {
		require.NoError(t, l.MarkComplete(ctx, fmt.Sprint(i), time.Second))
	}
	clk.Advance(time.Minute)
	for i := range 100 {
		require.NoError(t, l.MarkComplete(ctx, fmt.Sprint("live-", i), time.Hour))
	}
	require.Less(t, l.Len(), 1100)
}

func TestMemoryLedger_ZeroTTLKeepsForever(t *testing.T) {
	clk := newFakeClock()
	l := NewMemoryLedger()
	l.now = clk.Now
	ctx := context.Background()
	require.NoError(t, l.MarkComplete(ctx, "k", 0))
	clk.Advance(1000 * time.Hour)
	done, _ := l.IsComplete(ctx, "k")
	require.True(t, done)
}

func TestSQLLedger_Sweep(t *testing.T) {
	clk := newFakeClock()
	l, err := NewSQLLedger(context.Background(), newSQLiteDB(t), "custom_ledger")
	require.NoError(t, err)
	l.now = clk.Now
	ctx := context.Background()

	require.NoError(t, l.MarkComplete(ctx, "old", time.Second))
	require.NoError(t, l.MarkComplete(ctx, "forever", 0))
	clk.Advance(time.Minute)
	n, err := l.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	done, err := l.IsComplete(ctx, "forever")
	require.NoError(t, err)
	require.True(t, done)
}

func TestSQLLedger_MarkCompleteSweepsExpired(t *testing.T) {
	clk := newFakeClock()
	db := newSQLiteDB(t)
	l, err := NewSQLLedger(context.Background(), db, "")
	require.NoError(t, err)
	l.now = clk.Now
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		require.NoError(t, l.MarkComplete(ctx, fmt.Sprintf("old-%d", i), time.Millisecond))
	}
	clk.Advance(time.Second)
	for i := 0; i < 500; i++ {
		require.NoError(t, l.MarkComplete(ctx, fmt.Sprintf("new-%d", i), time.Millisecond))
	}

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM relq_ledger`).Scan(&rows))
	require.Equal(t, 500, rows)
	done, err := l.IsComplete(ctx, "new-499")
	require.NoError(t, err)
	require.True(t, done)
}

func TestRedisLedger_ErrorsSurface(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	l := NewRedisLedger(rdb, "")
	s.Close()

	ctx := context.Background()
	_, err := l.IsComplete(ctx, "x")
	require.Error(t, err)
	_, err = l.Claim(ctx, "x", "t", time.Second)
	require.Error(t, err)
	require.Error(t, l.MarkComplete(ctx, "x", time.Second))
}

func TestClaimResult_String(t *testing.T) {
	require.Equal(t, "acquired", ClaimAcquired.String())
	require.Equal(t, "completed", ClaimCompleted.String())
	require.Equal(t, "held", ClaimHeld.String())
	require.Equal(t, "unknown", ClaimResult(9).String())
}
