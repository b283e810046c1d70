package relq

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/relq/internal/ids"
	ikeys "github.com/UniQw/relq/internal/keys"
	"github.com/redis/go-redis/v9"
)

// DeadLetterReason says why a job was dead-lettered.
type DeadLetterReason string

const (
	ReasonMaxAttempts  DeadLetterReason = "max_attempts"
	ReasonNonRetryable DeadLetterReason = "non_retryable"
	ReasonUnroutable   DeadLetterReason = "unroutable"
	ReasonTimeout      DeadLetterReason = "timeout"
	ReasonExpired      DeadLetterReason = "expired"
)

// DeadLetter is the record written when a job leaves the queue without
// succeeding. It is never modified after creation.
type DeadLetter struct {
	ID        string           `json:"id"`
	Queue     string           `json:"queue"`
	Job       *Job             `json:"job"`
	Reason    DeadLetterReason `json:"reason"`
	LastError string           `json:"last_error,omitempty"`
	// Attempts is the number of handler executions before the job was given up.
	Attempts int   `json:"attempts"`
	FailedAt int64 `json:"failed_at"`
}

func newDeadLetter(job *Job, reason DeadLetterReason, lastErr string, attempts int, now time.Time) *DeadLetter {
	return &DeadLetter{
		ID:        ids.NewULID(),
		Queue:     job.Queue,
		Job:       job.Clone(),
		Reason:    reason,
		LastError: lastErr,
		Attempts:  attempts,
		FailedAt:  now.UnixMilli(),
	}
}

// DeadLetterStore persists dead-letter records for inspection and replay.
type DeadLetterStore interface {
	Put(ctx context.Context, dl *DeadLetter) error
	// List returns up to limit records of queue, newest first. limit <= 0 means all.
	List(ctx context.Context, queue string, limit int) ([]*DeadLetter, error)
	Get(ctx context.Context, queue, id string) (*DeadLetter, error)
	Delete(ctx context.Context, queue, id string) error
	// Purge removes records that failed before olderThan and returns how many.
	Purge(ctx context.Context, queue string, olderThan time.Time) (int, error)
}

// Replay republishes a dead-lettered job with its attempt count and error
// reset, then removes the record. The record is kept when publishing fails.
func Replay(ctx context.Context, store DeadLetterStore, pub Publisher, queue, id string) (*Job, error) {
	dl, err := store.Get(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	job := dl.Job.Clone()
	job.Attempt = 0
	job.LastError = ""
	job.LastErrorAt = 0
	job.NotBefore = 0
	job.Deadline = 0
	job.LockDeadline = 0
	if err := pub.Publish(ctx, queue, job); err != nil {
		return nil, err
	}
	if err := store.Delete(ctx, queue, id); err != nil && !errors.Is(err, ErrJobNotFound) {
		return job, err
	}
	return job, nil
}

// MemoryDeadLetterStore keeps records in process memory.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	byQueue map[string][]*DeadLetter
}

// NewMemoryDeadLetterStore creates an empty store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{byQueue: make(map[string][]*DeadLetter)}
}

func (s *MemoryDeadLetterStore) Put(_ context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byQueue[dl.Queue] = append(s.byQueue[dl.Queue], dl)
	return nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context, queue string, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.byQueue[queue]
	out := make([]*DeadLetter, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, recs[i])
	}
	return out, nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, queue, id string) (*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, dl := range s.byQueue[queue] {
		if dl.ID == id {
			return dl, nil
		}
	}
	return nil, ErrJobNotFound
}

func (s *MemoryDeadLetterStore) Delete(_ context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.byQueue[queue]
	i := slices.IndexFunc(recs, func(dl *DeadLetter) bool { return dl.ID == id })
	if i < 0 {
		return ErrJobNotFound
	}
	s.byQueue[queue] = slices.Delete(recs, i, i+1)
	return nil
}

func (s *MemoryDeadLetterStore) Purge(_ context.Context, queue string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cut := olderThan.UnixMilli()
	before := len(s.byQueue[queue])
	s.byQueue[queue] = slices.DeleteFunc(s.byQueue[queue], func(dl *DeadLetter) bool { return dl.FailedAt < cut })
	return before - len(s.byQueue[queue]), nil
}

// RedisDeadLetterStore keeps records in a per-queue HASH indexed by a ZSET
// scored by failure time.
type RedisDeadLetterStore struct {
	rdb redis.UniversalClient
	enc Encoder
}

// NewRedisDeadLetterStore creates a store on rdb.
func NewRedisDeadLetterStore(rdb redis.UniversalClient) *RedisDeadLetterStore {
	return &RedisDeadLetterStore{rdb: rdb, enc: defaultEncoder}
}

func (s *RedisDeadLetterStore) Put(ctx context.Context, dl *DeadLetter) error {
	raw, err := s.enc.Encode(dl)
	if err != nil {
		return err
	}
	k := ikeys.For(dl.Queue)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k.Dead, dl.ID, raw)
		p.ZAdd(ctx, k.DeadIndex, redis.Z{Score: float64(dl.FailedAt), Member: dl.ID})
		return nil
	})
	return err
}

func (s *RedisDeadLetterStore) List(ctx context.Context, queue string, limit int) ([]*DeadLetter, error) {
	k := ikeys.For(queue)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	idsDesc, err := s.rdb.ZRevRange(ctx, k.DeadIndex, 0, stop).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(idsDesc) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, k.Dead, idsDesc...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*DeadLetter, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var dl DeadLetter
		if err := s.enc.Decode([]byte(str), &dl); err != nil {
			continue
		}
		out = append(out, &dl)
	}
	return out, nil
}

func (s *RedisDeadLetterStore) Get(ctx context.Context, queue, id string) (*DeadLetter, error) {
	raw, err := s.rdb.HGet(ctx, ikeys.Dead(queue), id).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var dl DeadLetter
	if err := s.enc.Decode(raw, &dl); err != nil {
		return nil, err
	}
	return &dl, nil
}

func (s *RedisDeadLetterStore) Delete(ctx context.Context, queue, id string) error {
	k := ikeys.For(queue)
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, k.Dead, id)
		p.ZRem(ctx, k.DeadIndex, id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *RedisDeadLetterStore) Purge(ctx context.Context, queue string, olderThan time.Time) (int, error) {
	k := ikeys.For(queue)
	// exclusive upper bound: records at exactly olderThan are kept
	stale, err := s.rdb.ZRangeByScore(ctx, k.DeadIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	members := make([]any, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, k.Dead, stale...)
		p.ZRem(ctx, k.DeadIndex, members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Count returns the number of records held for queue.
func (s *RedisDeadLetterStore) Count(ctx context.Context, queue string) (int64, error) {
	return s.rdb.ZCard(ctx, ikeys.DeadIndex(queue)).Result()
}
