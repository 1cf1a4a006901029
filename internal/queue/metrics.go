package queue

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics is the prometheus/client_golang instrumentation for the
// queue's lifecycle events.
type PromMetrics struct {
	TasksStarted   prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksRetried   prometheus.Counter
	ProcessingTime prometheus.Histogram
	Concurrency    prometheus.Gauge
	QueueLength    prometheus.Gauge
}

// NewPromMetrics registers the queue's collectors against reg.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		TasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refractor_finalization_tasks_started_total",
			Help: "Finalization tasks started.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refractor_finalization_tasks_completed_total",
			Help: "Finalization tasks that completed successfully.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refractor_finalization_tasks_failed_total",
			Help: "Finalization tasks that failed with a non-retryable error or exhausted their retry budget.",
		}),
		TasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refractor_finalization_tasks_retried_total",
			Help: "Finalization task retry attempts.",
		}),
		ProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "refractor_finalization_task_duration_seconds",
			Help:    "Finalization task processing duration.",
			Buckets: prometheus.DefBuckets,
		}),
		Concurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refractor_finalization_queue_concurrency",
			Help: "Current adaptive worker concurrency.",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refractor_finalization_queue_length",
			Help: "Tasks currently waiting in the queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TasksStarted, m.TasksCompleted, m.TasksFailed, m.TasksRetried, m.ProcessingTime, m.Concurrency, m.QueueLength)
	}
	return m
}

// rollingStats tracks the last 100 task outcomes for the adaptive
// control loop's successRate/errorRate/avgProcessingTime inputs: one
// lock guarding a sliding window, no lock-free tricks.
type rollingStats struct {
	mu       sync.Mutex
	outcomes []bool
	durs     []time.Duration
	cap      int
}

func newRollingStats(capacity int) *rollingStats {
	return &rollingStats{cap: capacity}
}

func (r *rollingStats) record(success bool, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, success)
	r.durs = append(r.durs, d)
	if len(r.outcomes) > r.cap {
		r.outcomes = r.outcomes[1:]
		r.durs = r.durs[1:]
	}
}

// snapshot returns successRate, errorRate, and avgProcessingTime over
// the current window.
func (r *rollingStats) snapshot() (successRate, errorRate float64, avg time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return 1, 0, 0
	}
	var successes int
	var total time.Duration
	for i, ok := range r.outcomes {
		if ok {
			successes++
		}
		total += r.durs[i]
	}
	n := len(r.outcomes)
	successRate = float64(successes) / float64(n)
	errorRate = 1 - successRate
	avg = total / time.Duration(n)
	return
}
