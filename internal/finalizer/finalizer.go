// Package finalizer implements the periodic tick that claims ready
// transaction records and dispatches them to submission and callback
// delivery.
package finalizer

import (
	"context"
	"fmt"
	"time"

	"github.com/blocktimefinancial/refractor/internal/queue"
	"github.com/blocktimefinancial/refractor/internal/store"
)

// Submitter dispatches a fully-signed record to its target network.
type Submitter interface {
	Submit(ctx context.Context, record *store.TransactionRecord) error
}

// CallbackClient posts the record JSON to its callback URL.
type CallbackClient interface {
	Deliver(ctx context.Context, record *store.TransactionRecord) error
}

// Logger is the minimal logging capability the finalizer needs.
type Logger interface {
	Errorw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
}

// Config tunes the finalizer loop.
type Config struct {
	TickInterval    time.Duration // default 3s
	TargetQueueSize int
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 3 * time.Second
	}
	if c.TargetQueueSize == 0 {
		c.TargetQueueSize = 50
	}
	return c
}

// Finalizer periodically claims ready records and enqueues finalization
// tasks for them.
type Finalizer struct {
	cfg        Config
	store      store.Provider
	queue      *queue.Queue
	submitters map[string]Submitter
	callback   CallbackClient
	logger     Logger

	trigger chan struct{}
}

// New builds a Finalizer. submitters maps blockchain id to its
// Submitter; when record.Submit is true and its blockchain has no
// entry, the record is marked failed (a permanent failure).
func New(cfg Config, provider store.Provider, q *queue.Queue, submitters map[string]Submitter, callback CallbackClient, logger Logger) *Finalizer {
	return &Finalizer{
		cfg:        cfg.withDefaults(),
		store:      provider,
		queue:      q,
		submitters: submitters,
		callback:   callback,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
	}
}

// NotifyReady implements signer.FinalizerNotifier: a best-effort signal
// that a hash just became ready, prompting an out-of-band tick. This
// trigger is not relied upon for liveness — the periodic tick always
// eventually finds the record.
func (f *Finalizer) NotifyReady(hash string) {
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

// Run drives the periodic tick until ctx is done.
func (f *Finalizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.tick(ctx)
		case <-f.trigger:
			f.tick(ctx)
		}
	}
}

func (f *Finalizer) tick(ctx context.Context) {
	if f.queue.Len() >= f.cfg.TargetQueueSize {
		return
	}

	deficit := f.cfg.TargetQueueSize - f.queue.Len()
	now := time.Now().Unix()
	records, err := f.store.ListTransactions(ctx, store.ListFilter{
		Status:    store.StatusReady,
		MinTimeLE: now,
		Now:       now,
		Limit:     deficit,
	})
	if err != nil {
		f.logger.Errorw("finalizer: list ready transactions failed", "error", err)
		return
	}

	for _, record := range records {
		if record.MaxTime != 0 && record.MaxTime <= now {
			continue // the expiration sweep owns this record now
		}

		matched, err := f.store.UpdateTxStatus(ctx, record.Hash, store.StatusProcessing, store.StatusReady, "")
		if err != nil {
			f.logger.Errorw("finalizer: claim failed", "hash", record.Hash, "error", err)
			continue
		}
		if !matched {
			continue // another worker claimed it first
		}

		rec := record
		f.queue.Enqueue(&queue.Task{
			ID: rec.Hash,
			Run: func(taskCtx context.Context) error {
				return f.finalize(taskCtx, rec)
			},
		})
	}
}

// finalize runs the finalization task body: submit, then callback,
// then record the terminal outcome.
func (f *Finalizer) finalize(ctx context.Context, record *store.TransactionRecord) error {
	if record.Submit {
		submitter, ok := f.submitters[record.Blockchain]
		if !ok {
			return f.fail(ctx, record.Hash, fmt.Sprintf("no submitter configured for blockchain %q", record.Blockchain))
		}
		if err := submitter.Submit(ctx, record); err != nil {
			if queue.IsRetryable(err) {
				return err // let the queue reschedule; status stays processing
			}
			return f.fail(ctx, record.Hash, err.Error())
		}
	}

	if record.CallbackURL != "" {
		if err := f.callback.Deliver(ctx, record); err != nil {
			if queue.IsRetryable(err) {
				return err
			}
			return f.fail(ctx, record.Hash, err.Error())
		}
	}

	if _, err := f.store.UpdateTxStatus(ctx, record.Hash, store.StatusProcessed, store.StatusProcessing, ""); err != nil {
		return err
	}
	return nil
}

func (f *Finalizer) fail(ctx context.Context, hash, msg string) error {
	if _, err := f.store.UpdateTxStatus(ctx, hash, store.StatusFailed, store.StatusProcessing, msg); err != nil {
		f.logger.Errorw("finalizer: failed to record terminal failure", "hash", hash, "error", err)
	}
	return nil // terminal: the queue must not retry a task already marked failed
}
