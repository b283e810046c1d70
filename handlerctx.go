package relq

import (
	"context"
	"time"

	"github.com/UniQw/relq/internal/hctx"
)

// JobInfo describes the delivery a handler is executing.
type JobInfo struct {
	ID      string
	Type    string
	Queue   string
	Attempt int
	// Deadline is the soft execution limit; zero when the handler is unbounded.
	Deadline time.Time
}

// JobInfoFromContext returns the metadata of the job being executed.
// It reports false if the context is not provided by the relq runtime.
func JobInfoFromContext(ctx context.Context) (JobInfo, bool) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return JobInfo{}, false
	}
	info := JobInfo{ID: st.JobID, Type: st.Type, Queue: st.Queue, Attempt: st.Attempt}
	if st.Deadline > 0 {
		info.Deadline = time.UnixMilli(st.Deadline)
	}
	return info, true
}

// CurrentAttempt returns how many retries preceded this execution, or 0 if the
// context is not provided by the relq runtime.
func CurrentAttempt(ctx context.Context) int {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return 0
	}
	return st.Attempt
}

func withJobInfo(ctx context.Context, j *Job, deadline time.Time) context.Context {
	st := hctx.New()
	st.JobID = j.ID
	st.Type = j.Type
	st.Queue = j.Queue
	st.Attempt = j.Attempt
	if !deadline.IsZero() {
		st.Deadline = deadline.UnixMilli()
	}
	return hctx.WithState(ctx, st)
}
