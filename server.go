package relq

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ServerConfig defines the configuration for a relq server.
type ServerConfig struct {
	// Queues defines the queues to process and their relative weights.
	Queues map[string]int
	// Concurrency is the number of worker slots. Each slot owns one broker
	// session. Values below 1 mean 1.
	Concurrency int
	// Logger is the logger used for server events. Defaults to FmtLogger.
	Logger Logger
	// RetryPolicy applies to task types registered without their own policy.
	RetryPolicy RetryPolicy
	// ReconnectPolicy paces reconnect attempts after a broker connection
	// failure. Only the delay fields are used. Defaults to 100ms doubling up to 30s.
	ReconnectPolicy RetryPolicy
	// CompletionTTL is how long the ledger remembers completed jobs.
	CompletionTTL time.Duration
	// RequiredTypes are checked against the mux on Start.
	RequiredTypes []string
	Ledger        Ledger
	DeadLetters   DeadLetterStore
	Metrics       *Metrics
	OnTransition  func(Transition)
	// TracerProvider defaults to the global otel provider.
	TracerProvider trace.TracerProvider
}

func defaultReconnectPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: true, MaxDelay: 30 * time.Second}
}

// Server processes jobs from broker queues using a fixed pool of worker slots.
type Server struct {
	factory   BrokerFactory
	mux       *Mux
	cfg       ServerConfig
	supCfg    SupervisorConfig
	queueList []string
	log       Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new relq server. factory is called once per worker
// slot and again whenever a slot reconnects.
func NewServer(factory BrokerFactory, mux *Mux, cfg ServerConfig) *Server {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	if cfg.ReconnectPolicy.isZero() {
		cfg.ReconnectPolicy = defaultReconnectPolicy()
	}
	cfg.ReconnectPolicy = cfg.ReconnectPolicy.withDefaults()
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	mux.useLogger(l)
	return &Server{
		factory:   factory,
		mux:       mux,
		cfg:       cfg,
		queueList: expandQueues(cfg.Queues),
		log:       l,
		supCfg: SupervisorConfig{
			RetryPolicy:    cfg.RetryPolicy,
			Ledger:         cfg.Ledger,
			CompletionTTL:  cfg.CompletionTTL,
			DeadLetters:    cfg.DeadLetters,
			Metrics:        cfg.Metrics,
			Logger:         l,
			OnTransition:   cfg.OnTransition,
			TracerProvider: cfg.TracerProvider,
		},
	}
}

// Start launches the worker slots. It is idempotent and non-blocking. It
// fails when a required task type has no handler or no queue is configured.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		return nil
	}
	if err := s.mux.Validate(s.cfg.RequiredTypes...); err != nil {
		return err
	}
	if len(s.queueList) == 0 {
		return errors.New("relq: no queues with positive weight configured")
	}
	if err := s.cfg.Metrics.Register(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	s.log.Infof("starting server: concurrency=%d queues=%d", s.cfg.Concurrency, len(s.cfg.Queues))

	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(i)))
		go func(slot int) {
			defer s.wg.Done()
			s.slotLoop(ctx, slot, rng)
		}(i)
	}
	return nil
}

// Stop stops receiving and waits for in-flight jobs to be finalized.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()
	s.log.Infof("stopping server")

	cancel()
	s.wg.Wait()
}

// slotLoop owns one broker session at a time and replaces it after a
// connection failure.
func (s *Server) slotLoop(ctx context.Context, slot int, rng *rand.Rand) {
	failures := 0
	for ctx.Err() == nil {
		b := s.factory()
		if err := b.Connect(ctx); err != nil {
			_ = b.Close()
			if ctx.Err() != nil {
				return
			}
			delay := s.cfg.ReconnectPolicy.Backoff(failures, uint64(slot))
			failures++
			s.log.Warnf("broker connect failed: worker=%d attempt=%d retry_in=%s err=%v", slot, failures, delay, err)
			sleepCtx(ctx, delay)
			continue
		}
		if failures > 0 {
			s.log.Infof("broker reconnected: worker=%d", slot)
		}
		failures = 0

		err := s.consume(ctx, b, NewSupervisor(b, s.mux, s.supCfg), rng)
		_ = b.Close()
		if err == nil {
			return
		}
		delay := s.cfg.ReconnectPolicy.Backoff(failures, uint64(slot))
		failures++
		s.log.Warnf("broker connection lost: worker=%d retry_in=%s err=%v", slot, delay, err)
		sleepCtx(ctx, delay)
	}
}

// consume runs receive -> supervise until ctx is done (nil) or the session
// loses its connection (the error).
func (s *Server) consume(ctx context.Context, b Broker, sup *Supervisor, rng *rand.Rand) error {
	ql := s.queueList
	for ctx.Err() == nil {
		queue := ql[rng.IntN(len(ql))]
		d, err := b.Receive(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrConnection) || errors.Is(err, ErrBrokerClosed) {
				return err
			}
			s.log.Errorf("receive failed: queue=%s err=%v", queue, err)
			sleepCtx(ctx, 50*time.Millisecond)
			continue
		}
		if d == nil {
			continue
		}
		if _, err := sup.Process(ctx, d); err != nil && errors.Is(err, ErrConnection) {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func expandQueues(q map[string]int) []string {
	// Rough preallocation
	n := 0
	for _, w := range q {
		if w > 0 {
			n += w
		}
	}
	out := make([]string, 0, n)
	for name, weight := range q {
		for i := 0; i < weight; i++ {
			out = append(out, name)
		}
	}
	return out
}
