package relq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	ikeys "github.com/UniQw/relq/internal/keys"
	"github.com/UniQw/relq/internal/redisq"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures Redis broker sessions.
type RedisConfig struct {
	// VisibilityTTL is how long a delivery stays leased before another worker
	// may reclaim it. Default 30s. The lease is not extended while the handler
	// runs, so a handler that outlives it is executed a second time; keep
	// RetryPolicy.Timeout below this value.
	VisibilityTTL time.Duration
	// PollInterval is how long Receive waits when the queue is empty. Default 50ms.
	PollInterval time.Duration
	// MaintenanceInterval bounds how often a session promotes due delayed jobs
	// and reclaims expired leases. Default 1s.
	MaintenanceInterval time.Duration
	// MaintenanceBatch caps the members moved per maintenance sweep. Default 256.
	MaintenanceBatch int64
	Encoder          Encoder
	Logger           Logger
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.VisibilityTTL <= 0 {
		c.VisibilityTTL = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Second
	}
	if c.MaintenanceBatch <= 0 {
		c.MaintenanceBatch = 256
	}
	if c.Encoder == nil {
		c.Encoder = defaultEncoder
	}
	c.Logger = orNoop(c.Logger)
	return c
}

// RedisBroker is a Broker session backed by Redis sorted sets.
type RedisBroker struct {
	rdb   redis.UniversalClient
	cfg   RedisConfig
	owned bool

	closed atomic.Bool

	mu        sync.Mutex
	lastMaint map[string]time.Time
}

type redisHandle struct {
	raw []byte
}

// NewRedisBroker creates a session on a shared client. Close leaves rdb open.
func NewRedisBroker(rdb redis.UniversalClient, cfg RedisConfig) *RedisBroker {
	return &RedisBroker{
		rdb:       rdb,
		cfg:       cfg.withDefaults(),
		lastMaint: make(map[string]time.Time),
	}
}

// RedisSessions returns a BrokerFactory whose sessions share rdb's connection pool.
func RedisSessions(rdb redis.UniversalClient, cfg RedisConfig) BrokerFactory {
	return func() Broker { return NewRedisBroker(rdb, cfg) }
}

// DialRedis returns a BrokerFactory whose sessions each own a dedicated client,
// closed together with the session.
func DialRedis(opts *redis.Options, cfg RedisConfig) BrokerFactory {
	return func() Broker {
		b := NewRedisBroker(redis.NewClient(opts), cfg)
		b.owned = true
		return b
	}
}

// Connect verifies the server is reachable.
func (b *RedisBroker) Connect(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}
	return nil
}

// Publish stores job in queue. A job with NotBefore in the future goes to the
// delayed set. Live duplicate IDs are rejected with ErrDuplicateJob.
func (b *RedisBroker) Publish(ctx context.Context, queue string, job *Job) error {
	if b.closed.Load() {
		return &PublishError{Queue: queue, JobID: job.ID, Err: ErrBrokerClosed}
	}
	if job.Queue == "" {
		job.Queue = queue
	}
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UnixMilli()
	}
	raw, err := b.cfg.Encoder.Encode(job)
	if err != nil {
		return &PublishError{Queue: queue, JobID: job.ID, Err: err}
	}

	// Uniqueness check: reserve ID in queue-specific set.
	ukey := ikeys.Unique(queue)
	ok, err := b.rdb.SAdd(ctx, ukey, job.ID).Result()
	if err != nil {
		return &PublishError{Queue: queue, JobID: job.ID, Err: classify("publish", err)}
	}
	if ok == 0 {
		return &PublishError{Queue: queue, JobID: job.ID, Err: ErrDuplicateJob}
	}

	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if job.NotBefore > time.Now().UnixMilli() {
			p.ZAdd(ctx, ikeys.Delayed(queue), redis.Z{Score: float64(job.NotBefore), Member: raw})
		} else {
			p.ZAdd(ctx, ikeys.Pending(queue), redis.Z{Score: redisq.PendingScore(job.Priority, job.EnqueuedAt), Member: raw})
		}
		return nil
	})
	if err != nil {
		// Rollback uniqueness on failure
		_ = b.rdb.SRem(ctx, ukey, job.ID).Err()
		return &PublishError{Queue: queue, JobID: job.ID, Err: classify("publish", err)}
	}
	return nil
}

// Receive leases the next ready job in queue. When the queue is empty it waits
// PollInterval and returns (nil, nil).
func (b *RedisBroker) Receive(ctx context.Context, queue string) (*Delivery, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	k := ikeys.For(queue)
	now := time.Now()
	if err := b.maintain(ctx, k, now); err != nil {
		return nil, err
	}

	lock := now.Add(b.cfg.VisibilityTTL)
	raw, err := redisq.Dequeue(ctx, b.rdb, k, lock)
	if err != nil {
		return nil, classify("receive", err)
	}
	if raw == nil {
		b.idle(ctx)
		return nil, nil
	}

	job, err := decodeJob(b.cfg.Encoder, raw)
	if err != nil {
		b.cfg.Logger.Errorf("undecodable job moved to poison list: queue=%s err=%v", queue, err)
		if qerr := redisq.Quarantine(ctx, b.rdb, k, raw, poisonID(raw)); qerr != nil {
			return nil, classify("receive", qerr)
		}
		return nil, nil
	}
	job.LockDeadline = lock.UnixMilli()
	return &Delivery{Job: job, Queue: queue, Handle: redisHandle{raw: raw}}, nil
}

func (b *RedisBroker) idle(ctx context.Context) {
	t := time.NewTimer(b.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (b *RedisBroker) maintain(ctx context.Context, k ikeys.Queue, now time.Time) error {
	b.mu.Lock()
	due := now.Sub(b.lastMaint[k.Name]) >= b.cfg.MaintenanceInterval
	if due {
		b.lastMaint[k.Name] = now
	}
	b.mu.Unlock()
	if !due {
		return nil
	}

	promoted, err := redisq.PromoteDue(ctx, b.rdb, k, now, b.cfg.MaintenanceBatch, memberScore)
	if err != nil {
		return classify("maintain", err)
	}
	reclaimed, err := redisq.ReclaimExpired(ctx, b.rdb, k, now, b.cfg.MaintenanceBatch, memberScore)
	if err != nil {
		return classify("maintain", err)
	}
	if promoted > 0 || reclaimed > 0 {
		b.cfg.Logger.Debugf("queue maintenance: queue=%s promoted=%d reclaimed=%d", k.Name, promoted, reclaimed)
	}
	return nil
}

// poisonID recovers the "id" field of an undecodable member, or "" when it
// cannot be read.
func poisonID(raw []byte) string {
	n, err := sonic.Get(raw, "id")
	if err != nil {
		return ""
	}
	id, err := n.String()
	if err != nil {
		return ""
	}
	return id
}

// memberScore recovers the pending score of a stored member. Undecodable
// members sort last; Receive quarantines them once dequeued.
func memberScore(raw string) float64 {
	var head struct {
		Priority   int   `json:"priority"`
		EnqueuedAt int64 `json:"enqueued_at"`
	}
	if err := sonic.UnmarshalString(raw, &head); err != nil {
		return redisq.PendingScore(MaxPriority, time.Now().UnixMilli())
	}
	return redisq.PendingScore(head.Priority, head.EnqueuedAt)
}

// Ack removes the delivery and releases its ID.
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	h, err := b.handle(d)
	if err != nil {
		return err
	}
	ok, err := redisq.Finish(ctx, b.rdb, ikeys.For(d.Queue), h.raw, d.Job.ID)
	if err != nil {
		return classify("ack", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Nack requeues the job as d.Job holds it, visible after opt.Delay, or removes
// it when opt.Requeue is false.
func (b *RedisBroker) Nack(ctx context.Context, d *Delivery, opt NackOptions) error {
	h, err := b.handle(d)
	if err != nil {
		return err
	}
	k := ikeys.For(d.Queue)
	if !opt.Requeue {
		ok, err := redisq.Finish(ctx, b.rdb, k, h.raw, d.Job.ID)
		if err != nil {
			return classify("nack", err)
		}
		if !ok {
			return ErrLeaseLost
		}
		return nil
	}

	now := time.Now()
	dst := k.Pending
	score := redisq.PendingScore(d.Job.Priority, d.Job.EnqueuedAt)
	d.Job.NotBefore = 0
	if opt.Delay > 0 {
		d.Job.NotBefore = now.Add(opt.Delay).UnixMilli()
		dst = k.Delayed
		score = float64(d.Job.NotBefore)
	}
	raw, err := b.cfg.Encoder.Encode(d.Job)
	if err != nil {
		return err
	}
	ok, err := redisq.Move(ctx, b.rdb, k.Active, dst, h.raw, raw, score)
	if err != nil {
		return classify("nack", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

func (b *RedisBroker) handle(d *Delivery) (redisHandle, error) {
	if b.closed.Load() {
		return redisHandle{}, ErrBrokerClosed
	}
	h, ok := d.Handle.(redisHandle)
	if !ok {
		return redisHandle{}, errors.New("relq: delivery not produced by a redis broker")
	}
	return h, nil
}

// JobFilter is a function used to filter jobs during ListJobs.
type JobFilter func(*Job) bool

// ListJobs returns the jobs of queue in a storage state. Dead-letter records
// are listed through a DeadLetterStore instead.
func (b *RedisBroker) ListJobs(ctx context.Context, queue string, state State, filter JobFilter) ([]*Job, error) {
	var key string
	switch state {
	case StatePending:
		key = ikeys.Pending(queue)
	case StateActive:
		key = ikeys.Active(queue)
	case StateDelayed:
		key = ikeys.Delayed(queue)
	default:
		return nil, ErrUnknownState
	}

	strs, err := redisq.Members(ctx, b.rdb, key)
	if err != nil {
		return nil, classify("list", err)
	}
	out := make([]*Job, 0, len(strs))
	for _, s := range strs {
		j, err := decodeJob(b.cfg.Encoder, []byte(s))
		if err != nil {
			continue
		}
		if filter == nil || filter(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

// QueueStats reports how many jobs a queue holds per storage state.
type QueueStats struct {
	Queue   string `json:"queue"`
	Pending int64  `json:"pending"`
	Active  int64  `json:"active"`
	Delayed int64  `json:"delayed"`
	Poison  int64  `json:"poison"`
}

// Stats returns the sizes of queue's structures.
func (b *RedisBroker) Stats(ctx context.Context, queue string) (QueueStats, error) {
	c, err := redisq.Count(ctx, b.rdb, ikeys.For(queue))
	if err != nil {
		return QueueStats{}, classify("stats", err)
	}
	return QueueStats{Queue: queue, Pending: c.Pending, Active: c.Active, Delayed: c.Delayed, Poison: c.Poison}, nil
}

// Close ends the session. Only clients created by DialRedis are closed.
func (b *RedisBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.owned {
		return b.rdb.Close()
	}
	return nil
}

// classify turns transport failures into *ConnectionError. Server replies and
// context errors are returned unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}
