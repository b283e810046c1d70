package relq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/relq/internal/ids"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transition is reported to SupervisorConfig.OnTransition for every state
// change of a delivery.
type Transition struct {
	JobID   string
	Type    string
	Queue   string
	From    State
	To      State
	Attempt int
	At      time.Time
}

// SupervisorConfig configures how deliveries are executed and finalized.
type SupervisorConfig struct {
	// RetryPolicy applies to task types registered without their own policy.
	RetryPolicy RetryPolicy
	// Ledger deduplicates redeliveries. Nil disables the idempotency check.
	Ledger Ledger
	// CompletionTTL is how long completions are remembered. Default 24h.
	CompletionTTL time.Duration
	// ClaimLease bounds a Claimer claim when the delivery carries no lock
	// deadline. Default 1m.
	ClaimLease time.Duration
	// DeadLetters stores dead-letter records. Nil only logs them.
	DeadLetters  DeadLetterStore
	Metrics      *Metrics
	Logger       Logger
	OnTransition func(Transition)
	// TracerProvider defaults to the global otel provider.
	TracerProvider trace.TracerProvider
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	c.RetryPolicy = c.RetryPolicy.withDefaults()
	if c.CompletionTTL == 0 {
		c.CompletionTTL = DefaultCompletionTTL
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = time.Minute
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	c.Logger = orNoop(c.Logger)
	return c
}

// Outcome summarizes how a delivery was finalized.
type Outcome struct {
	// State is SUCCEEDED, RETRY_SCHEDULED or DEAD_LETTERED.
	State State
	// Delay is the requeue delay when State is RETRY_SCHEDULED.
	Delay time.Duration
	// Deferred is set when another worker held the job and it was requeued
	// without counting an attempt.
	Deferred bool
	// Duplicate is set when the job had already completed and the handler was skipped.
	Duplicate bool
	Reason    DeadLetterReason
	// Err is the handler error, if any. It never escapes as Process's error.
	Err error
}

// Supervisor drives one delivery through
// RECEIVED -> CHECKING_IDEMPOTENCY -> EXECUTING -> {SUCCEEDED, RETRY_SCHEDULED, DEAD_LETTERED}
// and finalizes it through the broker session that produced it.
type Supervisor struct {
	broker Broker
	mux    *Mux
	cfg    SupervisorConfig
	tracer trace.Tracer
	log    Logger
}

// NewSupervisor creates a supervisor bound to a broker session.
func NewSupervisor(b Broker, mux *Mux, cfg SupervisorConfig) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		broker: b,
		mux:    mux,
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer("github.com/UniQw/relq"),
		log:    cfg.Logger,
	}
}

// delivery carries the per-delivery bookkeeping of Process.
type delivery struct {
	*Delivery
	span  trace.Span
	state State
	token string
	held  bool
}

// Process executes and finalizes d. Handler failures are absorbed into the
// Outcome; the returned error reports only a failed Ack or Nack, including
// ErrLeaseLost and *ConnectionError.
//
// Once received, a delivery is finalized even if ctx is cancelled; only
// values are taken from ctx.
func (s *Supervisor) Process(ctx context.Context, d *Delivery) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	job := d.Job
	if job.Queue == "" {
		job.Queue = d.Queue
	}

	ctx, span := s.tracer.Start(ctx, "relq.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("relq.job.id", job.ID),
			attribute.String("relq.job.type", job.Type),
			attribute.String("relq.queue", job.Queue),
			attribute.Int("relq.job.attempt", job.Attempt),
		),
	)
	defer span.End()

	dv := &delivery{Delivery: d, span: span}
	s.enter(dv, StateReceived)
	s.cfg.Metrics.jobReceived(job)

	if job.Expired(time.Now()) {
		s.log.Warnf("expired: id=%s type=%s queue=%s", job.ID, job.Type, job.Queue)
		return s.deadLetter(ctx, dv, s.cfg.RetryPolicy, ReasonExpired, "deadline exceeded before execution", 0)
	}

	r, err := s.mux.route(job)
	if err != nil {
		return s.deadLetter(ctx, dv, s.cfg.RetryPolicy, ReasonUnroutable, err.Error(), 0)
	}
	policy := s.cfg.RetryPolicy
	if r.policy != nil {
		policy = *r.policy
	}
	timeout := policy.Timeout
	if r.timeout != nil {
		timeout = *r.timeout
	}

	s.enter(dv, StateCheckingIdempotency)
	switch s.checkLedger(ctx, dv, timeout) {
	case ClaimCompleted:
		return s.skipDuplicate(ctx, dv)
	case ClaimHeld:
		return s.deferHeld(ctx, dv, policy)
	}

	s.enter(dv, StateExecuting)
	start := time.Now()
	herr := s.invoke(ctx, r.exec, job, timeout)
	s.cfg.Metrics.handlerDone(job, time.Since(start))

	if herr == nil {
		return s.succeed(ctx, dv)
	}
	return s.fail(ctx, dv, policy, herr)
}

func (s *Supervisor) enter(dv *delivery, to State) {
	from := dv.state
	dv.state = to
	j := dv.Job
	dv.span.AddEvent("relq.transition", trace.WithAttributes(
		attribute.String("relq.state.from", string(from)),
		attribute.String("relq.state.to", string(to)),
	))
	s.log.Debugf("transition: id=%s type=%s queue=%s from=%s to=%s", j.ID, j.Type, j.Queue, from, to)
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(Transition{
			JobID:   j.ID,
			Type:    j.Type,
			Queue:   j.Queue,
			From:    from,
			To:      to,
			Attempt: j.Attempt,
			At:      time.Now(),
		})
	}
}

// checkLedger fails open: any ledger error lets the job execute.
func (s *Supervisor) checkLedger(ctx context.Context, dv *delivery, timeout time.Duration) ClaimResult {
	l := s.cfg.Ledger
	if l == nil {
		return ClaimAcquired
	}
	j := dv.Job
	if c, ok := l.(Claimer); ok {
		lease := s.cfg.ClaimLease
		if dv.Job.LockDeadline > 0 {
			if until := time.Until(time.UnixMilli(dv.Job.LockDeadline)); until > 0 {
				lease = until
			}
		}
		lease = max(lease, timeout)
		token := ids.NewULID()
		res, err := c.Claim(ctx, j.ID, token, lease)
		if err != nil {
			s.cfg.Metrics.ledgerError("claim")
			s.log.Warnf("ledger unavailable, executing anyway: id=%s type=%s queue=%s err=%v", j.ID, j.Type, j.Queue, err)
			return ClaimAcquired
		}
		if res == ClaimAcquired {
			dv.token = token
			dv.held = true
		}
		return res
	}

	done, err := l.IsComplete(ctx, j.ID)
	if err != nil {
		s.cfg.Metrics.ledgerError("is_complete")
		s.log.Warnf("ledger unavailable, executing anyway: id=%s type=%s queue=%s err=%v", j.ID, j.Type, j.Queue, err)
		return ClaimAcquired
	}
	if done {
		return ClaimCompleted
	}
	return ClaimAcquired
}

func (s *Supervisor) releaseClaim(ctx context.Context, dv *delivery) {
	if !dv.held {
		return
	}
	dv.held = false
	c := s.cfg.Ledger.(Claimer)
	if err := c.Release(ctx, dv.Job.ID, dv.token); err != nil {
		s.cfg.Metrics.ledgerError("release")
		s.log.Warnf("ledger release failed: id=%s queue=%s err=%v", dv.Job.ID, dv.Job.Queue, err)
	}
}

// invoke runs the handler with job metadata in ctx. With a timeout the
// handler runs in its own goroutine and is abandoned when the limit passes.
func (s *Supervisor) invoke(ctx context.Context, exec HandlerFunc, job *Job, timeout time.Duration) error {
	if timeout <= 0 {
		return safeCall(withJobInfo(ctx, job, time.Time{}), exec, job.Payload)
	}
	deadline := time.Now().Add(timeout)
	tctx, cancel := context.WithDeadline(withJobInfo(ctx, job, deadline), deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- safeCall(tctx, exec, job.Payload) }()
	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && tctx.Err() != nil {
			return &TimeoutError{Limit: timeout}
		}
		return err
	case <-tctx.Done():
		s.log.Warnf("handler exceeded soft limit, abandoning: id=%s type=%s queue=%s limit=%s", job.ID, job.Type, job.Queue, timeout)
		return &TimeoutError{Limit: timeout}
	}
}

func safeCall(ctx context.Context, exec HandlerFunc, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("relq: handler panic: %v", r)
		}
	}()
	return exec(ctx, payload)
}

func (s *Supervisor) succeed(ctx context.Context, dv *delivery) (Outcome, error) {
	j := dv.Job
	if s.cfg.Ledger != nil {
		// completion is recorded before the ack so a redelivery is recognized
		if err := s.cfg.Ledger.MarkComplete(ctx, j.ID, s.cfg.CompletionTTL); err != nil {
			s.cfg.Metrics.ledgerError("mark_complete")
			s.log.Errorf("ledger mark complete failed: id=%s type=%s queue=%s err=%v", j.ID, j.Type, j.Queue, err)
			s.releaseClaim(ctx, dv)
		}
	}
	dv.held = false
	if err := s.broker.Ack(ctx, dv.Delivery); err != nil {
		s.log.Errorf("ack failed: id=%s type=%s queue=%s err=%v", j.ID, j.Type, j.Queue, err)
		dv.span.SetStatus(codes.Error, "ack failed")
		return Outcome{State: StateSucceeded}, err
	}
	s.enter(dv, StateSucceeded)
	s.cfg.Metrics.jobSucceeded(j)
	s.log.Debugf("processed: id=%s type=%s queue=%s", j.ID, j.Type, j.Queue)
	dv.span.SetStatus(codes.Ok, "")
	return Outcome{State: StateSucceeded}, nil
}

func (s *Supervisor) skipDuplicate(ctx context.Context, dv *delivery) (Outcome, error) {
	j := dv.Job
	s.cfg.Metrics.jobDuplicate(j)
	s.log.Infof("already completed, skipping: id=%s type=%s queue=%s", j.ID, j.Type, j.Queue)
	out := Outcome{State: StateSucceeded, Duplicate: true}
	if err := s.broker.Ack(ctx, dv.Delivery); err != nil {
		s.log.Errorf("ack failed: id=%s type=%s queue=%s err=%v", j.ID, j.Type, j.Queue, err)
		return out, err
	}
	s.enter(dv, StateSucceeded)
	s.cfg.Metrics.jobSucceeded(j)
	return out, nil
}

func (s *Supervisor) deferHeld(ctx context.Context, dv *delivery, policy RetryPolicy) (Outcome, error) {
	j := dv.Job
	delay := policy.Backoff(0, JitterSeed(j.ID))
	s.cfg.Metrics.jobDeferred(j)
	s.log.Infof("held by another worker, deferring: id=%s type=%s queue=%s retry_in=%s", j.ID, j.Type, j.Queue, delay)
	out := Outcome{State: StateRetryScheduled, Delay: delay, Deferred: true}
	if err := s.broker.Nack(ctx, dv.Delivery, NackOptions{Requeue: true, Delay: delay, Reason: "held"}); err != nil {
		s.log.Errorf("requeue failed: id=%s type=%s queue=%s err=%v", j.ID, j.Type, j.Queue, err)
		return out, err
	}
	s.enter(dv, StateRetryScheduled)
	return out, nil
}

func (s *Supervisor) fail(ctx context.Context, dv *delivery, policy RetryPolicy, herr error) (Outcome, error) {
	j := dv.Job
	j.LastError = herr.Error()
	j.LastErrorAt = time.Now().UnixMilli()
	dv.span.RecordError(herr)
	executions := j.Attempt + 1

	var te *TimeoutError
	var reason DeadLetterReason
	switch {
	case errors.As(herr, &te) && policy.TimeoutTerminal:
		reason = ReasonTimeout
	case !IsRetryable(herr):
		reason = ReasonNonRetryable
	case j.Attempt >= policy.maxAttemptsFor(j):
		reason = ReasonMaxAttempts
	}
	if reason != "" {
		out, err := s.deadLetter(ctx, dv, policy, reason, herr.Error(), executions)
		out.Err = herr
		return out, err
	}

	delay := policy.Backoff(j.Attempt, JitterSeed(j.ID))
	j.Attempt++
	s.releaseClaim(ctx, dv)
	out := Outcome{State: StateRetryScheduled, Delay: delay, Err: herr}
	if err := s.broker.Nack(ctx, dv.Delivery, NackOptions{Requeue: true, Delay: delay, Reason: "retry"}); err != nil {
		s.log.Errorf("retry transition failed: id=%s type=%s queue=%s err=%v", j.ID, j.Type, j.Queue, err)
		return out, err
	}
	s.enter(dv, StateRetryScheduled)
	s.cfg.Metrics.jobRetried(j)
	s.log.Warnf("handler error: id=%s type=%s queue=%s attempt=%d retry_in=%s err=%v", j.ID, j.Type, j.Queue, j.Attempt, delay, herr)
	return out, nil
}

// deadLetter stores a record and finalizes the delivery. If the record
// cannot be stored the job is requeued after MaxDelay instead of being dropped.
func (s *Supervisor) deadLetter(ctx context.Context, dv *delivery, policy RetryPolicy, reason DeadLetterReason, lastErr string, executions int) (Outcome, error) {
	j := dv.Job
	s.releaseClaim(ctx, dv)
	dv.span.SetStatus(codes.Error, string(reason))

	if s.cfg.DeadLetters != nil {
		rec := newDeadLetter(j, reason, lastErr, executions, time.Now())
		if err := s.cfg.DeadLetters.Put(ctx, rec); err != nil {
			s.log.Errorf("dead-letter store failed, requeueing: id=%s type=%s queue=%s err=%v", j.ID, j.Type, j.Queue, err)
			out := Outcome{State: StateRetryScheduled, Delay: policy.MaxDelay, Reason: reason}
			if nerr := s.broker.Nack(ctx, dv.Delivery, NackOptions{Requeue: true, Delay: policy.MaxDelay, Reason: "dead_letter_unavailable"}); nerr != nil {
				s.log.Errorf("requeue failed: id=%s type=%s queue=%s err=%v", j.ID, j.Type, j.Queue, nerr)
				return out, nerr
			}
			s.enter(dv, StateRetryScheduled)
			return out, nil
		}
	}

	out := Outcome{State: StateDeadLettered, Reason: reason}
	if err := s.broker.Nack(ctx, dv.Delivery, NackOptions{Requeue: false, Reason: string(reason)}); err != nil {
		s.log.Errorf("dead-letter transition failed: id=%s type=%s queue=%s err=%v", j.ID, j.Type, j.Queue, err)
		return out, err
	}
	s.enter(dv, StateDeadLettered)
	s.cfg.Metrics.jobDeadLettered(j, reason)
	s.log.Warnf("dead-lettered: id=%s type=%s queue=%s reason=%s executions=%d err=%s", j.ID, j.Type, j.Queue, reason, executions, lastErr)
	return out, nil
}
