package finalizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blocktimefinancial/refractor/internal/queue"
	"github.com/blocktimefinancial/refractor/internal/store"
	"github.com/blocktimefinancial/refractor/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Errorw(string, ...interface{}) {}
func (nopLogger) Infow(string, ...interface{})  {}

type fakeSubmitter struct {
	mu     sync.Mutex
	calls  int
	err    error
	retryN int // fail with a retryable error this many times before succeeding
}

func (s *fakeSubmitter) Submit(ctx context.Context, record *store.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.retryN > 0 {
		s.retryN--
		return &queue.RetryableError{Cause: errors.New("temporarily unavailable")}
	}
	return s.err
}

func (s *fakeSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeCallback struct {
	mu    sync.Mutex
	calls int32
	err   error
}

func (c *fakeCallback) Deliver(ctx context.Context, record *store.TransactionRecord) error {
	atomic.AddInt32(&c.calls, 1)
	return c.err
}

func newTestFinalizer(t *testing.T, st store.Provider, submitters map[string]Submitter, cb CallbackClient) (*Finalizer, *queue.Queue) {
	t.Helper()
	q := queue.New(queue.Config{MinConcurrency: 1, MaxConcurrency: 4, InitialN: 2, MetricsInterval: time.Hour, RetryDelay: 5 * time.Millisecond, DefaultAttempts: 3}, nil)
	f := New(Config{TickInterval: 20 * time.Millisecond, TargetQueueSize: 50}, st, q, submitters, cb, nopLogger{})
	return f, q
}

func readyRecord(hash string) *store.TransactionRecord {
	return &store.TransactionRecord{
		Hash:        hash,
		Blockchain:  "stellar",
		NetworkName: "testnet",
		Payload:     "payload",
		Encoding:    "base64",
		Status:      store.StatusReady,
		Submit:      true,
	}
}

func runUntil(ctx context.Context, q *queue.Queue, f *Finalizer) {
	go q.Run(ctx)
	go f.Run(ctx)
}

func TestTick_ClaimsReadyAndFinalizesSuccessfully(t *testing.T) {
	st := memory.New()
	_, err := st.SaveTransaction(context.Background(), readyRecord("h1"))
	require.NoError(t, err)

	sub := &fakeSubmitter{}
	cb := &fakeCallback{}
	f, q := newTestFinalizer(t, st, map[string]Submitter{"stellar": sub}, cb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runUntil(ctx, q, f)

	require.Eventually(t, func() bool {
		rec, _ := st.FindTransaction(context.Background(), "h1")
		return rec != nil && rec.Status == store.StatusProcessed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, sub.callCount())
	rec, _ := st.FindTransaction(context.Background(), "h1")
	assert.NotZero(t, rec.SubmittedAt)
}

func TestTick_CallbackInvokedWhenURLSet(t *testing.T) {
	st := memory.New()
	rec := readyRecord("h1")
	rec.Submit = false
	rec.CallbackURL = "http://example.test/cb"
	_, err := st.SaveTransaction(context.Background(), rec)
	require.NoError(t, err)

	cb := &fakeCallback{}
	f, q := newTestFinalizer(t, st, map[string]Submitter{}, cb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runUntil(ctx, q, f)

	require.Eventually(t, func() bool {
		r, _ := st.FindTransaction(context.Background(), "h1")
		return r != nil && r.Status == store.StatusProcessed
	}, 2*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt32(&cb.calls))
}

func TestTick_RetryableSubmitErrorIsRetried(t *testing.T) {
	st := memory.New()
	_, err := st.SaveTransaction(context.Background(), readyRecord("h1"))
	require.NoError(t, err)

	sub := &fakeSubmitter{retryN: 2}
	cb := &fakeCallback{}
	f, q := newTestFinalizer(t, st, map[string]Submitter{"stellar": sub}, cb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runUntil(ctx, q, f)

	require.Eventually(t, func() bool {
		r, _ := st.FindTransaction(context.Background(), "h1")
		return r != nil && r.Status == store.StatusProcessed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, sub.callCount())
}

func TestTick_PermanentSubmitFailureMarksFailed(t *testing.T) {
	st := memory.New()
	_, err := st.SaveTransaction(context.Background(), readyRecord("h1"))
	require.NoError(t, err)

	sub := &fakeSubmitter{err: errors.New("chain rejected transaction")}
	cb := &fakeCallback{}
	f, q := newTestFinalizer(t, st, map[string]Submitter{"stellar": sub}, cb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runUntil(ctx, q, f)

	require.Eventually(t, func() bool {
		r, _ := st.FindTransaction(context.Background(), "h1")
		return r != nil && r.Status == store.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	rec, _ := st.FindTransaction(context.Background(), "h1")
	assert.Equal(t, "chain rejected transaction", rec.LastError)
}

func TestTick_MissingSubmitterIsPermanentFailure(t *testing.T) {
	st := memory.New()
	_, err := st.SaveTransaction(context.Background(), readyRecord("h1"))
	require.NoError(t, err)

	f, q := newTestFinalizer(t, st, map[string]Submitter{}, &fakeCallback{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runUntil(ctx, q, f)

	require.Eventually(t, func() bool {
		r, _ := st.FindTransaction(context.Background(), "h1")
		return r != nil && r.Status == store.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTick_SkipsWhenQueueAtTarget(t *testing.T) {
	st := memory.New()
	_, err := st.SaveTransaction(context.Background(), readyRecord("h1"))
	require.NoError(t, err)

	q := queue.New(queue.Config{MinConcurrency: 1, MaxConcurrency: 4, InitialN: 1, MetricsInterval: time.Hour}, nil)
	q.Pause() // keep enqueued filler tasks from draining
	f := New(Config{TickInterval: 20 * time.Millisecond, TargetQueueSize: 1}, st, q, nil, nil, nopLogger{})

	q.Enqueue(&queue.Task{ID: "filler", Run: func(context.Context) error { return nil }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	rec, _ := st.FindTransaction(context.Background(), "h1")
	assert.Equal(t, store.StatusReady, rec.Status, "finalizer must skip the tick when the queue is already at its target size")
}

func TestTick_SkipsAlreadyClaimedRecords(t *testing.T) {
	// Simulates two finalizer instances racing for the same record: the
	// CAS in UpdateTxStatus ensures only one claims it.
	st := memory.New()
	_, err := st.SaveTransaction(context.Background(), readyRecord("h1"))
	require.NoError(t, err)

	matched, err := st.UpdateTxStatus(context.Background(), "h1", store.StatusProcessing, store.StatusReady, "")
	require.NoError(t, err)
	require.True(t, matched)

	sub := &fakeSubmitter{}
	f, q := newTestFinalizer(t, st, map[string]Submitter{"stellar": sub}, &fakeCallback{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runUntil(ctx, q, f)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, sub.callCount(), "a record already claimed by another worker must not be re-enqueued")
}
