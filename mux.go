package relq

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// HandlerFunc is the function signature for processing a job payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// HandlerOption customizes a single registration.
type HandlerOption func(*handler)

// WithRetryPolicy attaches a retry policy to the task type, overriding the server default.
func WithRetryPolicy(p RetryPolicy) HandlerOption {
	return func(h *handler) {
		np := p.withDefaults()
		h.policy = &np
	}
}

// WithTimeout sets the soft execution limit for the task type.
func WithTimeout(d time.Duration) HandlerOption {
	return func(h *handler) {
		h.timeout = &d
	}
}

type handler struct {
	exec    HandlerFunc
	policy  *RetryPolicy
	timeout *time.Duration
}

// Mux routes jobs to their respective handlers based on task type.
// Registrations are expected at startup; the mux is safe for concurrent
// lookups while the server runs.
type Mux struct {
	mu          sync.RWMutex
	handlers    map[string]handler
	middlewares []Middleware
	log         Logger
}

// NewMux creates a new job Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[string]handler),
		middlewares: []Middleware{},
		log:         noopLogger{},
	}
}

// useLogger routes routing warnings to l unless a logger is already set.
func (m *Mux) useLogger(l Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.log.(noopLogger); ok && l != nil {
		m.log = l
	}
}

// Handle registers a handler for a specific task type. Registering the same
// type again replaces the previous handler.
func (m *Mux) Handle(taskType string, fn func(context.Context, []byte) error, opts ...HandlerOption) {
	h := handler{exec: fn}
	for _, opt := range opts {
		opt(&h)
	}
	m.mu.Lock()
	m.handlers[taskType] = h
	m.mu.Unlock()
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	m.middlewares = append(m.middlewares, mw)
	m.mu.Unlock()
}

// Types returns the registered task types in sorted order.
func (m *Mux) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate reports an UnroutableError for every listed task type that has no handler.
func (m *Mux) Validate(taskTypes ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for _, t := range taskTypes {
		if _, ok := m.handlers[t]; !ok {
			errs = append(errs, &UnroutableError{TaskType: t})
		}
	}
	return errors.Join(errs...)
}

// Dispatch runs the handler registered for job.Type with the middleware chain.
// It returns an UnroutableError and logs a warning when no handler exists.
func (m *Mux) Dispatch(ctx context.Context, job *Job) error {
	r, err := m.route(job)
	if err != nil {
		return err
	}
	return r.exec(ctx, job.Payload)
}

// route resolves a job to its wrapped handler and per-type settings.
func (m *Mux) route(job *Job) (route, error) {
	m.mu.RLock()
	h, ok := m.handlers[job.Type]
	mws := m.middlewares
	m.mu.RUnlock()
	if !ok {
		m.log.Warnf("no handler for job: id=%s type=%s queue=%s", job.ID, job.Type, job.Queue)
		return route{}, &UnroutableError{TaskType: job.Type}
	}
	return route{exec: wrap(h.exec, mws), policy: h.policy, timeout: h.timeout}, nil
}

type route struct {
	exec    HandlerFunc
	policy  *RetryPolicy
	timeout *time.Duration
}

func wrap(h HandlerFunc, mws []Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
