package relq

import "time"

type options struct {
	id          string
	priority    int
	delay       time.Duration
	maxAttempts int
	deadlineMs  int64
}

// Option is a function that configures job behavior during Enqueue.
type Option func(*options)

// JobID sets a custom ID for the job. If not provided, a random UUID will be generated.
func JobID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Priority sets the job priority; lower runs first. Values are clamped to [MinPriority, MaxPriority].
func Priority(p int) Option {
	return func(o *options) {
		o.priority = clampPriority(p)
	}
}

// Delay schedules the job to be delivered after the specified duration.
func Delay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

// MaxAttempts overrides the handler's retry policy for this job.
func MaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}

// ExpireIn sets a relative deadline for the job. The job will not be processed
// if the current time is past the deadline.
func ExpireIn(d time.Duration) Option {
	return func(o *options) {
		o.deadlineMs = time.Now().Add(d).UnixMilli()
	}
}

// Deadline sets an absolute deadline for the job. The job will not be processed
// if the current time is past the deadline.
func Deadline(t time.Time) Option {
	return func(o *options) {
		if !t.IsZero() {
			o.deadlineMs = t.UnixMilli()
		}
	}
}
