package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

const prefix = "relq:{"

func Pending(q string) string { return prefix + q + "}:pending" }
func Active(q string) string  { return prefix + q + "}:active" }
func Delayed(q string) string { return prefix + q + "}:delayed" }

// Unique returns the per-queue Set key that tracks live job IDs for de-duplication.
func Unique(q string) string { return prefix + q + "}:unique" }

// Poison is a LIST of raw members that could not be decoded on dequeue.
func Poison(q string) string { return prefix + q + "}:poison" }

// Dead is a HASH of dead-letter records keyed by record ID.
func Dead(q string) string { return prefix + q + "}:dead" }

// DeadIndex is a ZSET of dead-letter record IDs scored by failure time in ms.
func DeadIndex(q string) string { return prefix + q + "}:dead_index" }

// Ledger returns the idempotency key for a job ID. Ledger keys are global
// because a job ID may be redelivered through any queue.
func Ledger(ns, id string) string { return "relq:ledger:" + ns + ":" + id }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Name      string
	Pending   string
	Active    string
	Delayed   string
	Unique    string
	Poison    string
	Dead      string
	DeadIndex string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	p := prefix + q + "}:"
	return Queue{
		Name:      q,
		Pending:   p + "pending",
		Active:    p + "active",
		Delayed:   p + "delayed",
		Unique:    p + "unique",
		Poison:    p + "poison",
		Dead:      p + "dead",
		DeadIndex: p + "dead_index",
	}
}
