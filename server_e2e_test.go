package relq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServer_EndToEnd_SucceededRetriedAndDead(t *testing.T) {
	rdb, _ := newMiniClient(t)
	ctx := context.Background()

	var okCalls, flakyCalls, failCalls atomic.Int32
	mux := NewMux()
	mux.Handle("ok", func(ctx context.Context, b []byte) error { okCalls.Add(1); return nil })
	mux.Handle("flaky", func(ctx context.Context, b []byte) error {
		if flakyCalls.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	})
	mux.Handle("fail", func(ctx context.Context, b []byte) error { failCalls.Add(1); return errors.New("boom") })

	dlq := NewRedisDeadLetterStore(rdb)
	ledger := NewRedisLedger(rdb, "e2e")
	var deadLettered atomic.Int32
	q := "q-e2e"
	srv := NewServer(RedisSessions(rdb, fastRedisConfig()), mux, ServerConfig{
		Queues:      map[string]int{q: 1},
		Concurrency: 2,
		Logger:      &testLogger{},
		RetryPolicy: RetryPolicy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond},
		Ledger:      ledger,
		DeadLetters: dlq,
		OnTransition: func(tr Transition) {
			if tr.To == StateDeadLettered {
				deadLettered.Add(1)
			}
		},
	})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	broker := NewRedisBroker(rdb, RedisConfig{})
	cli := NewClient(broker)
	_, err := cli.Enqueue(ctx, q, "ok", map[string]int{"a": 1}, JobID("ok-1"))
	require.NoError(t, err)
	_, err = cli.Enqueue(ctx, q, "flaky", nil, JobID("flaky-1"))
	require.NoError(t, err)
	_, err = cli.Enqueue(ctx, q, "fail", map[string]int{"a": 2}, JobID("fail-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		recs, _ := dlq.List(ctx, q, 0)
		done1, _ := ledger.IsComplete(ctx, "ok-1")
		done2, _ := ledger.IsComplete(ctx, "flaky-1")
		return len(recs) == 1 && done1 && done2
	}, 5*time.Second, 10*time.Millisecond)

	recs, err := dlq.List(ctx, q, 0)
	require.NoError(t, err)
	require.Equal(t, "fail-1", recs[0].Job.ID)
	require.Equal(t, ReasonMaxAttempts, recs[0].Reason)
	require.Equal(t, 3, recs[0].Attempts)
	require.Equal(t, 2, recs[0].Job.Attempt)
	require.Equal(t, int32(3), failCalls.Load())
	require.Equal(t, int32(1), okCalls.Load())
	require.Equal(t, int32(2), flakyCalls.Load())
	require.Equal(t, int32(1), deadLettered.Load())

	require.Eventually(t, func() bool {
		st, _ := broker.Stats(ctx, q)
		return st.Pending+st.Active+st.Delayed == 0
	}, 2*time.Second, 10*time.Millisecond)

	// replaying the dead letter runs the handler again from attempt zero
	_, err = Replay(ctx, dlq, broker, q, recs[0].ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return failCalls.Load() == 6 }, 5*time.Second, 10*time.Millisecond)
}
