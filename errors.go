package relq

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateJob is returned (wrapped in a PublishError) when a job ID is already live in the queue.
var ErrDuplicateJob = errors.New("relq: duplicate job id")

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("relq: unknown state")

// ErrJobNotFound is returned when a job or dead-letter record with the specified ID is not found.
var ErrJobNotFound = errors.New("relq: job not found")

// ErrLeaseLost is returned by Ack/Nack when the delivery's lease expired and
// the job was reclaimed for another worker.
var ErrLeaseLost = errors.New("relq: delivery lease lost")

// ErrBrokerClosed is returned by a broker session used after Close.
var ErrBrokerClosed = errors.New("relq: broker closed")

// ErrConnection matches every *ConnectionError via errors.Is.
var ErrConnection = errors.New("relq: broker unreachable")

// ConnectionError reports that the broker could not be reached. The worker
// loop recovers from it by reconnecting with backoff; it is never surfaced per job.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relq: %s: broker unreachable: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// PublishError reports that the broker rejected an enqueue.
type PublishError struct {
	Queue string
	JobID string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("relq: publish id=%s queue=%s: %v", e.JobID, e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// UnroutableError reports that no handler is registered for a task type.
// Retrying cannot fix it, so such jobs are dead-lettered immediately.
type UnroutableError struct {
	TaskType string
}

func (e *UnroutableError) Error() string {
	return fmt.Sprintf("relq: no handler for task type %q", e.TaskType)
}

// RetryableError marks a handler failure as transient. Handler errors are
// retryable by default; the wrapper exists for symmetry and explicitness.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// NonRetryableError marks a handler failure as permanent: the job is
// dead-lettered without further attempts.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// TimeoutError reports that a handler exceeded its soft execution limit.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("relq: handler exceeded soft limit of %s", e.Limit)
}

// NonRetryable wraps err so the Supervisor dead-letters the job immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// Retryable wraps err to mark it explicitly transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether a handler error should be retried.
// Everything is retryable unless it carries a NonRetryableError or is an UnroutableError.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nr *NonRetryableError
	if errors.As(err, &nr) {
		return false
	}
	var ue *UnroutableError
	return !errors.As(err, &ue)
}
