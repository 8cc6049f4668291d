// Package metrics exports lock, job and workflow activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/davidroman0O/refsetlite/internal/jobs"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "refsetlite"

// Metrics implements jobs.Observer and workflow.Observer.
type Metrics struct {
	locksHeld     prometheus.Gauge
	lockAcquired  *prometheus.CounterVec
	lockConflicts *prometheus.CounterVec
	lockDuration  *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
}

// New registers every collector on reg. A nil reg registers on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		locksHeld: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "locks_held",
			Help:      "Keys currently held by a running job",
		}),
		lockAcquired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "locks_acquired_total",
			Help:      "Keys acquired by kind (refset, batch, comparison)",
		}, []string{"kind"}),
		lockConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "lock_conflicts_total",
			Help:      "Jobs rejected because their key was already held",
		}, []string{"kind"}),
		lockDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "lock_held_seconds",
			Help:      "How long keys stay held",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"kind"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Applied workflow actions",
		}, []string{"action", "from", "to"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Finished jobs by name and outcome",
		}, []string{"job", "outcome"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upgrade",
			Name:      "queue_depth",
			Help:      "Upgrade compilations waiting or running on the worker pool",
		}),
	}
}

// Kind is the label of a job key.
func Kind(key jobs.Key) string {
	if prefix, _, ok := strings.Cut(string(key), ":"); ok {
		return prefix
	}
	return "refset"
}

func (m *Metrics) LockAcquired(key jobs.Key) {
	m.locksHeld.Inc()
	m.lockAcquired.WithLabelValues(Kind(key)).Inc()
}

func (m *Metrics) LockReleased(key jobs.Key, held time.Duration) {
	m.locksHeld.Dec()
	m.lockDuration.WithLabelValues(Kind(key)).Observe(held.Seconds())
}

func (m *Metrics) LockConflict(key jobs.Key) {
	m.lockConflicts.WithLabelValues(Kind(key)).Inc()
}

func (m *Metrics) Transition(action types.WorkflowAction, from, to types.WorkflowStatus) {
	m.transitions.WithLabelValues(string(action), string(from), string(to)).Inc()
}

// JobFinished records one job. The outcome label is the error kind, or "ok".
func (m *Metrics) JobFinished(job string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = types.Classify(err).String()
	}
	m.jobs.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Handler serves the collectors of g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
