package relq

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes job lifecycle counters and handler latency to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	received     *prometheus.CounterVec
	succeeded    *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deferred     *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	duplicates   *prometheus.CounterVec
	ledgerErrors *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

func newJobCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relq",
			Subsystem: "jobs",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer uses prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	qt := []string{"queue", "type"}
	return &Metrics{
		registerer:   registerer,
		received:     newJobCounterVec("received_total", "Deliveries received by workers", qt),
		succeeded:    newJobCounterVec("succeeded_total", "Jobs acknowledged as succeeded", qt),
		retried:      newJobCounterVec("retried_total", "Failed attempts scheduled for retry", qt),
		deferred:     newJobCounterVec("deferred_total", "Deliveries requeued because another worker held the job", qt),
		deadLettered: newJobCounterVec("dead_lettered_total", "Jobs moved to the dead-letter store", []string{"queue", "type", "reason"}),
		duplicates:   newJobCounterVec("duplicates_total", "Redeliveries of already completed jobs skipped without execution", qt),
		ledgerErrors: newJobCounterVec("ledger_errors_total", "Idempotency ledger failures", []string{"op"}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relq",
				Subsystem: "jobs",
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time",
				Buckets:   prometheus.DefBuckets,
			},
			qt,
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.received, m.succeeded, m.retried, m.deferred,
		m.deadLettered, m.duplicates, m.ledgerErrors, m.duration,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) jobReceived(j *Job) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(j.Queue, j.Type).Inc()
}

func (m *Metrics) jobSucceeded(j *Job) {
	if m == nil {
		return
	}
	m.succeeded.WithLabelValues(j.Queue, j.Type).Inc()
}

func (m *Metrics) jobRetried(j *Job) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(j.Queue, j.Type).Inc()
}

func (m *Metrics) jobDeferred(j *Job) {
	if m == nil {
		return
	}
	m.deferred.WithLabelValues(j.Queue, j.Type).Inc()
}

func (m *Metrics) jobDeadLettered(j *Job, reason DeadLetterReason) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(j.Queue, j.Type, string(reason)).Inc()
}

func (m *Metrics) jobDuplicate(j *Job) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(j.Queue, j.Type).Inc()
}

func (m *Metrics) ledgerError(op string) {
	if m == nil {
		return
	}
	m.ledgerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) handlerDone(j *Job, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(j.Queue, j.Type).Observe(d.Seconds())
}
