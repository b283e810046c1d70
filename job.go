package relq

import "time"

const (
	// MinPriority is the most urgent priority.
	MinPriority = 0
	// MaxPriority is the least urgent priority.
	MaxPriority = 99
	// DefaultPriority is used when no Priority option is given.
	DefaultPriority = 50
)

// Job represents a unit of work to be processed by a worker.
// It is serialized to JSON and stored by the broker.
type Job struct {
	// ID is the unique identifier for the job.
	ID string `json:"id"`
	// Type defines the task category, used by Mux to route to the correct handler.
	Type string `json:"type"`
	// Queue is the name of the queue this job belongs to.
	Queue string `json:"queue"`
	// Payload is the raw job data.
	Payload []byte `json:"payload"`
	// Priority orders pending jobs; lower runs first.
	Priority int `json:"priority"`
	// Attempt is the number of retries performed so far.
	Attempt int `json:"attempt"`
	// MaxAttempts overrides the handler's retry policy when greater than zero.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// EnqueuedAt is the timestamp (ms) when the job was first enqueued.
	EnqueuedAt int64 `json:"enqueued_at"`
	// NotBefore is the timestamp (ms) before which the job must not be delivered.
	NotBefore int64 `json:"not_before,omitempty"`
	// Deadline is the absolute timestamp (ms) after which the job should not be processed.
	Deadline int64 `json:"deadline,omitempty"`
	// LastError is the error message from the last failed attempt.
	LastError string `json:"last_error,omitempty"`
	// LastErrorAt is the timestamp (ms) of the last failed attempt.
	LastErrorAt int64 `json:"last_error_at,omitempty"`

	// LockDeadline is the visibility deadline (ms) of the current delivery.
	// It is owned by the broker session and never persisted.
	LockDeadline int64 `json:"-"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	return &c
}

// Expired reports whether the job's deadline has passed at now.
func (j *Job) Expired(now time.Time) bool {
	return j.Deadline > 0 && now.UnixMilli() > j.Deadline
}

func clampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
