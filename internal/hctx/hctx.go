package hctx

import "context"

// State holds per-execution metadata the runtime exposes to a handler.
type State struct {
	JobID   string
	Type    string
	Queue   string
	Attempt int
	// Deadline is the soft execution limit in unix ms, 0 when unbounded.
	Deadline int64
}

// New creates a fresh handler state container.
func New() *State { return &State{} }

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
