package relq

import (
	"context"
	"iter"
	"time"
)

// Delivery is a received job together with the broker-owned handle needed to
// acknowledge it.
type Delivery struct {
	Job   *Job
	Queue string
	// Handle is opaque to everything but the broker session that produced it.
	Handle any
}

// NackOptions controls how a delivery is finalized without success.
type NackOptions struct {
	// Requeue makes the job visible again after Delay. When false the delivery
	// is finalized without requeue (the dead-letter path).
	Requeue bool
	Delay   time.Duration
	Reason  string
}

// Broker is one session with a message broker. A session is owned by a single
// worker slot; implementations need not be safe for concurrent use unless
// documented.
type Broker interface {
	Publisher
	// Connect establishes the session. Unreachable brokers yield a *ConnectionError.
	Connect(ctx context.Context) error
	// Receive returns the next delivery for queue, or (nil, nil) when nothing
	// became ready within the session's poll window.
	Receive(ctx context.Context, queue string) (*Delivery, error)
	// Ack removes the delivery permanently.
	Ack(ctx context.Context, d *Delivery) error
	// Nack requeues or finalizes the delivery. On requeue the job is persisted
	// exactly as d.Job holds it.
	Nack(ctx context.Context, d *Delivery, opt NackOptions) error
	Close() error
}

// BrokerFactory returns a fresh, unconnected session. The server calls it once
// per worker slot and again after a connection failure.
type BrokerFactory func() Broker

// Deliveries exposes Receive as a lazy sequence. Idle polls are skipped;
// iteration stops when ctx is done or the consumer breaks. Calling it again
// restarts the sequence on the same session.
func Deliveries(ctx context.Context, b Broker, queue string) iter.Seq2[*Delivery, error] {
	return func(yield func(*Delivery, error) bool) {
		for ctx.Err() == nil {
			d, err := b.Receive(ctx, queue)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !yield(nil, err) {
					return
				}
				continue
			}
			if d == nil {
				continue
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}
