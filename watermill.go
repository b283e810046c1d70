package relq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Metadata keys set on every message published by WatermillTransport.
const (
	MetadataJobID   = "relq_job_id"
	MetadataJobType = "relq_job_type"
	MetadataReason  = "relq_reason"
)

// WatermillConfig configures a WatermillTransport.
type WatermillConfig struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// PollInterval bounds how long Receive waits for a message. Default 50ms.
	PollInterval time.Duration
	// DeadLetterTopics routes finalized deliveries to "<queue>.dead".
	DeadLetterTopics bool
	Encoder          Encoder
	Logger           Logger
}

func (c WatermillConfig) withDefaults() WatermillConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.Encoder == nil {
		c.Encoder = defaultEncoder
	}
	c.Logger = orNoop(c.Logger)
	return c
}

// WatermillTransport carries jobs over any watermill Publisher/Subscriber
// pair. Each queue is one topic, subscribed once per transport and shared by
// all sessions.
type WatermillTransport struct {
	cfg WatermillConfig

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu   sync.Mutex
	subs map[string]<-chan *message.Message
}

// NewWatermillTransport wraps a publisher/subscriber pair.
func NewWatermillTransport(cfg WatermillConfig) (*WatermillTransport, error) {
	if cfg.Publisher == nil || cfg.Subscriber == nil {
		return nil, errors.New("relq: watermill publisher and subscriber are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WatermillTransport{
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]<-chan *message.Message),
	}, nil
}

// Sessions returns a BrokerFactory over this transport.
func (t *WatermillTransport) Sessions() BrokerFactory {
	return func() Broker { return &watermillSession{t: t} }
}

// Publish sends job to the queue's topic. The transport has no uniqueness
// index, so duplicate IDs are not rejected.
func (t *WatermillTransport) Publish(ctx context.Context, queue string, job *Job) error {
	if t.closed.Load() {
		return &PublishError{Queue: queue, JobID: job.ID, Err: ErrBrokerClosed}
	}
	if job.Queue == "" {
		job.Queue = queue
	}
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UnixMilli()
	}
	if err := t.send(ctx, queue, job, ""); err != nil {
		return &PublishError{Queue: queue, JobID: job.ID, Err: err}
	}
	return nil
}

func (t *WatermillTransport) send(ctx context.Context, topic string, job *Job, reason string) error {
	raw, err := t.cfg.Encoder.Encode(job)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), raw)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataJobID, job.ID)
	msg.Metadata.Set(MetadataJobType, job.Type)
	if reason != "" {
		msg.Metadata.Set(MetadataReason, reason)
	}
	if err := t.cfg.Publisher.Publish(topic, msg); err != nil {
		return &ConnectionError{Op: "publish", Err: err}
	}
	return nil
}

func (t *WatermillTransport) subscription(queue string) (<-chan *message.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subs[queue]; ok {
		return ch, nil
	}
	ch, err := t.cfg.Subscriber.Subscribe(t.ctx, queue)
	if err != nil {
		return nil, &ConnectionError{Op: "subscribe", Err: err}
	}
	t.subs[queue] = ch
	return ch, nil
}

func (t *WatermillTransport) dropSubscription(queue string, ch <-chan *message.Message) {
	t.mu.Lock()
	if t.subs[queue] == ch {
		delete(t.subs, queue)
	}
	t.mu.Unlock()
}

// Close ends all subscriptions and closes the publisher and subscriber.
func (t *WatermillTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	return errors.Join(t.cfg.Publisher.Close(), t.cfg.Subscriber.Close())
}

// watermillSession is one worker slot's view of the transport.
type watermillSession struct {
	t      *WatermillTransport
	closed atomic.Bool
}

func (s *watermillSession) Connect(context.Context) error {
	if s.closed.Load() || s.t.closed.Load() {
		return ErrBrokerClosed
	}
	return nil
}

func (s *watermillSession) Publish(ctx context.Context, queue string, job *Job) error {
	return s.t.Publish(ctx, queue, job)
}

// Receive takes the next message from the queue's subscription and waits
// until the job's NotBefore before handing it out.
func (s *watermillSession) Receive(ctx context.Context, queue string) (*Delivery, error) {
	if s.closed.Load() || s.t.closed.Load() {
		return nil, ErrBrokerClosed
	}
	ch, err := s.t.subscription(queue)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.t.cfg.PollInterval)
	defer timer.Stop()
	var msg *message.Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case m, ok := <-ch:
		if !ok {
			s.t.dropSubscription(queue, ch)
			return nil, &ConnectionError{Op: "receive", Err: errors.New("subscription closed")}
		}
		msg = m
	}

	job, err := decodeJob(s.t.cfg.Encoder, msg.Payload)
	if err != nil {
		s.t.cfg.Logger.Errorf("undecodable message dropped: queue=%s uuid=%s err=%v", queue, msg.UUID, err)
		msg.Ack()
		return nil, nil
	}
	if wait := time.Until(time.UnixMilli(job.NotBefore)); job.NotBefore > 0 && wait > 0 {
		delay := time.NewTimer(wait)
		defer delay.Stop()
		select {
		case <-ctx.Done():
			msg.Nack()
			return nil, ctx.Err()
		case <-delay.C:
		}
	}
	return &Delivery{Job: job, Queue: queue, Handle: msg}, nil
}

func (s *watermillSession) message(d *Delivery) (*message.Message, error) {
	msg, ok := d.Handle.(*message.Message)
	if !ok {
		return nil, fmt.Errorf("relq: delivery handle %T does not belong to this session", d.Handle)
	}
	return msg, nil
}

func (s *watermillSession) Ack(_ context.Context, d *Delivery) error {
	msg, err := s.message(d)
	if err != nil {
		return err
	}
	if !msg.Ack() {
		return ErrLeaseLost
	}
	return nil
}

// Nack republishes the job on requeue, or routes it to the dead topic when
// enabled, and then acks the original message.
func (s *watermillSession) Nack(ctx context.Context, d *Delivery, opt NackOptions) error {
	msg, err := s.message(d)
	if err != nil {
		return err
	}
	switch {
	case opt.Requeue:
		d.Job.NotBefore = time.Now().Add(opt.Delay).UnixMilli()
		if err := s.t.send(ctx, d.Queue, d.Job, opt.Reason); err != nil {
			msg.Nack()
			return err
		}
	case s.t.cfg.DeadLetterTopics:
		if err := s.t.send(ctx, DeadTopic(d.Queue), d.Job, opt.Reason); err != nil {
			msg.Nack()
			return err
		}
	}
	if !msg.Ack() {
		return ErrLeaseLost
	}
	return nil
}

func (s *watermillSession) Close() error {
	s.closed.Store(true)
	return nil
}

// DeadTopic is the topic finalized deliveries of queue are routed to.
func DeadTopic(queue string) string { return queue + ".dead" }

// watermillLogger adapts a Logger to watermill.LoggerAdapter.
type watermillLogger struct {
	l      Logger
	fields watermill.LogFields
}

// NewWatermillLogger routes watermill's logs to l. Trace logs are dropped.
func NewWatermillLogger(l Logger) watermill.LoggerAdapter {
	return &watermillLogger{l: orNoop(l)}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Errorf("%s: err=%v%s", msg, err, formatFields(w.fields.Add(fields)))
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Infof("%s%s", msg, formatFields(w.fields.Add(fields)))
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debugf("%s%s", msg, formatFields(w.fields.Add(fields)))
}

func (w *watermillLogger) Trace(string, watermill.LogFields) {}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{l: w.l, fields: w.fields.Add(fields)}
}

func formatFields(fields watermill.LogFields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
