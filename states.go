package relq

// State names both the storage state of a job in a queue (pending, active,
// delayed, dead) and the supervision states a delivery walks through
// (received ... dead_lettered). Use the exported constants instead of raw strings.
type State string

const (
	// StatePending contains jobs ready for delivery.
	StatePending State = "pending"
	// StateActive contains jobs leased to a worker.
	StateActive State = "active"
	// StateDelayed contains scheduled jobs or jobs waiting out a retry backoff.
	StateDelayed State = "delayed"
	// StateDead contains dead-letter records.
	StateDead State = "dead"
)

const (
	StateReceived            State = "received"
	StateCheckingIdempotency State = "checking_idempotency"
	StateExecuting           State = "executing"
	StateSucceeded           State = "succeeded"
	StateRetryScheduled      State = "retry_scheduled"
	StateDeadLettered        State = "dead_lettered"
)

// QueueStates lists every storage state in a stable order.
var QueueStates = []State{StatePending, StateActive, StateDelayed, StateDead}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// Terminal reports whether a supervision state ends the job's lifecycle.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateDeadLettered }

// ParseState converts a storage state name into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	switch s {
	case string(StatePending):
		return StatePending, nil
	case string(StateActive):
		return StateActive, nil
	case string(StateDelayed):
		return StateDelayed, nil
	case string(StateDead):
		return StateDead, nil
	default:
		return "", ErrUnknownState
	}
}
