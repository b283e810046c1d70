package relq

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultCompletionTTL is how long a completion is remembered when the
// server config does not say otherwise.
const DefaultCompletionTTL = 24 * time.Hour

// Ledger records which job IDs have completed so redeliveries are not
// executed twice. Entries expire after their ttl; an ID reused after expiry
// may run again.
type Ledger interface {
	IsComplete(ctx context.Context, id string) (bool, error)
	// MarkComplete records id as done for ttl, overwriting any previous entry.
	// A ttl <= 0 keeps the entry forever.
	MarkComplete(ctx context.Context, id string, ttl time.Duration) error
}

// ClaimResult is the outcome of a Claim.
type ClaimResult int

const (
	// ClaimAcquired means the caller now owns the job until the lease expires.
	ClaimAcquired ClaimResult = iota
	// ClaimCompleted means the job already completed.
	ClaimCompleted
	// ClaimHeld means another worker holds an unexpired claim.
	ClaimHeld
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimAcquired:
		return "acquired"
	case ClaimCompleted:
		return "completed"
	case ClaimHeld:
		return "held"
	default:
		return "unknown"
	}
}

// Claimer is a Ledger that can also take an exclusive, expiring claim on a
// job ID, closing the window between the completion check and MarkComplete
// when two workers receive the same job.
type Claimer interface {
	Ledger
	// Claim atomically checks id and, unless it is complete or claimed under
	// another token, claims it for lease. Claiming again with the same token
	// refreshes the lease.
	Claim(ctx context.Context, id, token string, lease time.Duration) (ClaimResult, error)
	// Release drops the claim if it is still held under token.
	Release(ctx context.Context, id, token string) error
}

const (
	ledgerDone        = "done"
	ledgerClaimPrefix = "claim:"
)

func claimValue(token string) string { return ledgerClaimPrefix + token }

func isClaimValue(v string) bool { return strings.HasPrefix(v, ledgerClaimPrefix) }

type ledgerEntry struct {
	value   string
	expires time.Time
}

func (e ledgerEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// MemoryLedger is an in-process Claimer. It only deduplicates within one
// process; use RedisLedger or SQLLedger across processes.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]ledgerEntry
	now     func() time.Time
	// sweepAt is the map size that triggers the next expiry sweep.
	sweepAt int
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]ledgerEntry), now: time.Now, sweepAt: 1024}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// IsComplete reports whether id has an unexpired completion entry.
func (m *MemoryLedger) IsComplete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return ok && e.value == ledgerDone && e.live(m.now()), nil
}

// MarkComplete records id as done for ttl.
func (m *MemoryLedger) MarkComplete(_ context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.entries[id] = ledgerEntry{value: ledgerDone, expires: expiry(now, ttl)}
	m.sweepLocked(now)
	return nil
}

// Claim implements Claimer.
func (m *MemoryLedger) Claim(_ context.Context, id, token string, lease time.Duration) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	want := claimValue(token)
	if e, ok := m.entries[id]; ok && e.live(now) {
		if e.value == ledgerDone {
			return ClaimCompleted, nil
		}
		if e.value != want {
			return ClaimHeld, nil
		}
	}
	m.entries[id] = ledgerEntry{value: want, expires: expiry(now, lease)}
	m.sweepLocked(now)
	return ClaimAcquired, nil
}

// Release implements Claimer.
func (m *MemoryLedger) Release(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok && e.value == claimValue(token) {
		delete(m.entries, id)
	}
	return nil
}

// Len returns the number of entries, expired ones included until the next sweep.
func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// sweepLocked drops expired entries each time the map doubles.
func (m *MemoryLedger) sweepLocked(now time.Time) {
	if len(m.entries) < m.sweepAt {
		return
	}
	for id, e := range m.entries {
		if !e.live(now) {
			delete(m.entries, id)
		}
	}
	m.sweepAt = max(1024, 2*len(m.entries))
}
