package relq

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Publisher enqueues jobs. Every Broker is a Publisher.
type Publisher interface {
	Publish(ctx context.Context, queue string, job *Job) error
}

// Client provides the producer API: it builds jobs from payloads and options
// and publishes them.
type Client struct {
	pub     Publisher
	encoder Encoder
}

// NewClient creates a new producer client.
func NewClient(pub Publisher) *Client {
	return &Client{pub: pub, encoder: defaultEncoder}
}

// Enqueue adds a new job to the specified queue and returns it.
// Payloads are JSON encoded unless they already are []byte or json.RawMessage.
// Publish failures are returned as *PublishError; a live duplicate ID matches ErrDuplicateJob.
func (c *Client) Enqueue(ctx context.Context, queue, taskType string, payload any, opts ...Option) (*Job, error) {
	if queue == "" || taskType == "" {
		return nil, &PublishError{Queue: queue, Err: errors.New("queue and task type are required")}
	}
	data, err := encodePayload(c.encoder, payload)
	if err != nil {
		return nil, &PublishError{Queue: queue, Err: err}
	}

	cfg := &options{priority: DefaultPriority}
	for _, opt := range opts {
		opt(cfg)
	}

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	job := &Job{
		ID:          id,
		Type:        taskType,
		Queue:       queue,
		Payload:     data,
		Priority:    cfg.priority,
		MaxAttempts: cfg.maxAttempts,
		EnqueuedAt:  now.UnixMilli(),
		Deadline:    cfg.deadlineMs,
	}
	if cfg.delay > 0 {
		job.NotBefore = now.Add(cfg.delay).UnixMilli()
	}

	if err := c.pub.Publish(ctx, queue, job); err != nil {
		var pe *PublishError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &PublishError{Queue: queue, JobID: id, Err: err}
	}
	return job, nil
}
