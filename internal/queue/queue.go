// Package queue implements the adaptive-concurrency finalization
// worker pool: a FIFO of finalization tasks drained by N workers, with
// retry/backoff, an adaptive control loop that resizes N from observed
// throughput, and pause/resume/drain controls. Instrumented with
// prometheus/client_golang and driven by golang.org/x/sync/errgroup,
// since Refractor runs as a long-lived service rather than a one-shot
// CLI.
package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// EventKind identifies one of the queue's observable lifecycle events.
type EventKind string

const (
	EventTaskStart           EventKind = "task-start"
	EventTaskComplete        EventKind = "task-complete"
	EventTaskError           EventKind = "task-error"
	EventTaskRetry           EventKind = "task-retry"
	EventTaskFailed          EventKind = "task-failed"
	EventConcurrencyAdjusted EventKind = "concurrency-adjusted"
	EventMetricsTick         EventKind = "metrics-tick"
	EventPaused              EventKind = "paused"
	EventResumed             EventKind = "resumed"
)

// Event is one observable queue lifecycle occurrence.
type Event struct {
	Kind   EventKind
	TaskID string
	Err    error
	N      int // new concurrency, for EventConcurrencyAdjusted
	Time   time.Time
}

// Config tunes the queue's behavior.
type Config struct {
	MinConcurrency  int
	MaxConcurrency  int
	InitialN        int
	MetricsInterval time.Duration // default 30s
	RetryDelay      time.Duration // base backoff unit
	DefaultAttempts int           // default 5
}

func (c Config) withDefaults() Config {
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 30 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.DefaultAttempts == 0 {
		c.DefaultAttempts = 5
	}
	if c.InitialN == 0 {
		c.InitialN = c.MinConcurrency
	}
	return c
}

// Queue is the adaptive-concurrency finalization worker pool.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	tasks    []*Task
	retrying int // tasks waiting out a retry backoff, not yet re-enqueued
	paused   bool
	notify   chan struct{}

	sem     *resizableSemaphore
	stats   *rollingStats
	metrics *PromMetrics

	events chan Event

	wg     sync.WaitGroup
	done   chan struct{}
	cancel context.CancelFunc
}

// New builds a Queue. metrics may be nil to skip prometheus
// instrumentation (e.g. in tests).
func New(cfg Config, metrics *PromMetrics) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:     cfg,
		sem:     newResizableSemaphore(cfg.InitialN),
		stats:   newRollingStats(100),
		metrics: metrics,
		events:  make(chan Event, 256),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Events returns the channel of lifecycle events for observers
// (logging, metrics bridges) to consume.
func (q *Queue) Events() <-chan Event { return q.events }

func (q *Queue) emit(e Event) {
	e.Time = time.Now()
	select {
	case q.events <- e:
	default: // drop if no observer is keeping up; events are diagnostic, not authoritative
	}
}

// Enqueue adds task to the FIFO (priority 0 is the only value the core
// uses; lower Priority values are dequeued first). Tasks enqueued
// without an ID get a generated one so lifecycle events stay
// attributable.
func (q *Queue) Enqueue(t *Task) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = q.cfg.DefaultAttempts
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	sortByPriority(q.tasks)
	if q.metrics != nil {
		q.metrics.QueueLength.Set(float64(len(q.tasks)))
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func sortByPriority(tasks []*Task) {
	for i := len(tasks) - 1; i > 0; i-- {
		if tasks[i].Priority < tasks[i-1].Priority {
			tasks[i], tasks[i-1] = tasks[i-1], tasks[i]
		} else {
			break
		}
	}
}

// Len reports the number of tasks currently waiting (not counting
// in-flight tasks a worker already claimed).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	if q.metrics != nil {
		q.metrics.QueueLength.Set(float64(len(q.tasks)))
	}
	return t
}

// Pause stops new tasks from being dequeued; in-flight tasks complete.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.emit(Event{Kind: EventPaused})
}

// Resume re-enables dequeuing.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.emit(Event{Kind: EventResumed})
}

// SetConcurrency manually overrides the current worker concurrency,
// clamped to [MinConcurrency, MaxConcurrency].
func (q *Queue) SetConcurrency(n int) {
	n = clamp(n, q.cfg.MinConcurrency, q.cfg.MaxConcurrency)
	q.sem.setLimit(n)
	if q.metrics != nil {
		q.metrics.Concurrency.Set(float64(n))
	}
	q.emit(Event{Kind: EventConcurrencyAdjusted, N: n})
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if hi > 0 && n > hi {
		return hi
	}
	return n
}

// Drain blocks until the queue is empty, no task is waiting out a retry
// backoff, and no task is in flight, or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		empty := len(q.tasks) == 0 && q.retrying == 0
		q.mu.Unlock()
		empty = empty && q.sem.inFlight() == 0
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run starts the dispatcher loop and the adaptive control loop, both
// bound to ctx via an errgroup, and returns once both have stopped
// after ctx is canceled (or Stop is called).
func (q *Queue) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	defer close(q.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.dispatchLoop(gctx) })
	g.Go(func() error { return q.adaptiveLoop(gctx) })
	return g.Wait()
}

// Stop cancels Run's context; call after Drain for a graceful shutdown.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

// Snapshot is a point-in-time view of queue health, for the
// /monitoring/metrics and /monitoring/health endpoints.
type Snapshot struct {
	Concurrency       int
	QueueLength       int
	Paused            bool
	SuccessRate       float64
	ErrorRate         float64
	AvgProcessingTime time.Duration
}

// Snapshot reports the queue's current concurrency, backlog, and
// rolling success/error/latency stats.
func (q *Queue) Snapshot() Snapshot {
	successRate, errorRate, avg := q.stats.snapshot()
	q.mu.Lock()
	paused := q.paused
	q.mu.Unlock()
	return Snapshot{
		Concurrency:       q.sem.currentLimit(),
		QueueLength:       q.Len(),
		Paused:            paused,
		SuccessRate:       successRate,
		ErrorRate:         errorRate,
		AvgProcessingTime: avg,
	}
}

func (q *Queue) dispatchLoop(ctx context.Context) error {
	done := ctx.Done()
	for {
		select {
		case <-done:
			return nil
		default:
		}

		t := q.dequeue()
		if t == nil {
			select {
			case <-done:
				return nil
			case <-q.notify:
				continue
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		if !q.sem.acquire(done) {
			return nil
		}
		q.wg.Add(1)
		go func(t *Task) {
			defer q.wg.Done()
			defer q.sem.release()
			q.runTask(ctx, t)
		}(t)
	}
}

func (q *Queue) runTask(ctx context.Context, t *Task) {
	t.attempt++
	q.emit(Event{Kind: EventTaskStart, TaskID: t.ID})
	if q.metrics != nil {
		q.metrics.TasksStarted.Inc()
	}

	start := time.Now()
	err := t.Run(ctx)
	elapsed := time.Since(start)

	q.stats.record(err == nil, elapsed)
	if q.metrics != nil {
		q.metrics.ProcessingTime.Observe(elapsed.Seconds())
	}

	if err == nil {
		q.emit(Event{Kind: EventTaskComplete, TaskID: t.ID})
		if q.metrics != nil {
			q.metrics.TasksCompleted.Inc()
		}
		return
	}

	q.emit(Event{Kind: EventTaskError, TaskID: t.ID, Err: err})

	if shouldRetry(err) && t.attempt < t.MaxAttempts {
		if isRateLimit(err) {
			q.onRateLimit()
		}
		delay := backoffFor(err, t.attempt, q.cfg.RetryDelay)
		q.emit(Event{Kind: EventTaskRetry, TaskID: t.ID, Err: err})
		if q.metrics != nil {
			q.metrics.TasksRetried.Inc()
		}
		q.mu.Lock()
		q.retrying++
		q.mu.Unlock()
		time.AfterFunc(delay, func() {
			q.Enqueue(t)
			q.mu.Lock()
			q.retrying--
			q.mu.Unlock()
		})
		return
	}

	q.emit(Event{Kind: EventTaskFailed, TaskID: t.ID, Err: err})
	if q.metrics != nil {
		q.metrics.TasksFailed.Inc()
	}
}

// onRateLimit applies a temporary 30% concurrency cut on a
// rate-limit error, floored at MinConcurrency.
func (q *Queue) onRateLimit() {
	current := q.sem.currentLimit()
	reduced := clamp(int(float64(current)*0.7), q.cfg.MinConcurrency, q.cfg.MaxConcurrency)
	if reduced != current {
		q.sem.setLimit(reduced)
		if q.metrics != nil {
			q.metrics.Concurrency.Set(float64(reduced))
		}
		q.emit(Event{Kind: EventConcurrencyAdjusted, N: reduced})
	}
}

// backoffFor computes the retry delay for attempt, using the steeper
// rate-limit schedule when err is a RateLimitError.
func backoffFor(err error, attempt int, base time.Duration) time.Duration {
	if isRateLimit(err) {
		d := time.Duration(float64(base) * pow(3, attempt-1))
		d += time.Duration(rand.Intn(2000)) * time.Millisecond
		if d > 30*time.Second {
			d = 30 * time.Second
		}
		return d
	}
	d := time.Duration(float64(base) * pow(2, attempt-1))
	d += time.Duration(rand.Intn(1000)) * time.Millisecond
	return d
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// adaptiveLoop runs the concurrency control loop every MetricsInterval,
// resizing concurrency from the observed successRate/errorRate/avgTime
// and the current regime (bulk vs normal).
func (q *Queue) adaptiveLoop(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.adjustConcurrency()
			q.emit(Event{Kind: EventMetricsTick})
		}
	}
}

func (q *Queue) adjustConcurrency() {
	successRate, errorRate, avg := q.stats.snapshot()
	queueLen := q.Len()
	n := q.sem.currentLimit()
	newN := n

	switch {
	case errorRate > 0.10:
		newN = clamp(int(float64(n)*0.8), q.cfg.MinConcurrency, q.cfg.MaxConcurrency)
	case queueLen > 50:
		bulkCap := clamp(int(float64(q.cfg.MaxConcurrency)*0.7), q.cfg.MinConcurrency, q.cfg.MaxConcurrency)
		if n > bulkCap {
			newN = bulkCap
		} else if successRate > 0.98 && avg < 3*time.Second {
			newN = clamp(n+1, q.cfg.MinConcurrency, bulkCap)
		} else if avg > 8*time.Second || successRate < 0.95 {
			newN = clamp(n-1, q.cfg.MinConcurrency, q.cfg.MaxConcurrency)
		}
	default:
		if queueLen > 2*n && successRate > 0.98 && avg < 4*time.Second {
			newN = clamp(n+1, q.cfg.MinConcurrency, q.cfg.MaxConcurrency)
		} else if avg > 10*time.Second || successRate < 0.90 {
			newN = clamp(n-1, q.cfg.MinConcurrency, q.cfg.MaxConcurrency)
		}
	}

	if newN != n {
		q.sem.setLimit(newN)
		if q.metrics != nil {
			q.metrics.Concurrency.Set(float64(newN))
		}
		q.emit(Event{Kind: EventConcurrencyAdjusted, N: newN})
	}
}
