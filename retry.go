package relq

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RetryPolicy controls retry, backoff and timeout behaviour for a task type.
type RetryPolicy struct {
	// MaxAttempts is the number of retries allowed before the job is dead-lettered.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// Multiplier scales the delay for every further retry.
	Multiplier float64
	// Jitter scales each delay by a per-job factor in [0.5, 1.5).
	Jitter bool
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Timeout is the soft execution limit for one handler call; 0 disables it.
	Timeout time.Duration
	// TimeoutTerminal dead-letters jobs that exceed Timeout instead of retrying them.
	TimeoutTerminal bool
}

// DefaultRetryPolicy returns the policy applied when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    5 * time.Minute,
	}
}

func (p RetryPolicy) isZero() bool { return p == RetryPolicy{} }

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.isZero() {
		return DefaultRetryPolicy()
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2
	} else if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.BaseDelay > p.MaxDelay {
		p.BaseDelay = p.MaxDelay
	}
	if p.Timeout < 0 {
		p.Timeout = 0
	}
	return p
}

// Backoff returns the delay before retry number attempt+1:
// min(MaxDelay, BaseDelay * Multiplier^attempt), optionally jittered.
// The jitter factor is drawn from seed only, so for a fixed seed the delay is
// non-decreasing in attempt and never exceeds MaxDelay.
func (p RetryPolicy) Backoff(attempt int, seed uint64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.Jitter {
		d *= jitterFactor(seed)
	}
	limit := float64(p.MaxDelay)
	if math.IsNaN(d) || math.IsInf(d, 0) || d > limit {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// maxAttemptsFor lets a job-level override win over the policy.
func (p RetryPolicy) maxAttemptsFor(j *Job) int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	return p.MaxAttempts
}

func jitterFactor(seed uint64) float64 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return 0.5 + r.Float64()
}

// JitterSeed derives the backoff seed for a job ID.
func JitterSeed(jobID string) uint64 { return xxhash.Sum64String(jobID) }
