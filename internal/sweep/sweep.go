// Package sweep implements the periodic expiration sweep: an every-60s
// job that fails any pending or ready record whose maxTime has elapsed.
// Safe to run concurrently with the finalizer since both rely on the
// store's CAS-on-status discipline.
package sweep

import (
	"context"
	"time"

	"github.com/blocktimefinancial/refractor/internal/store"
)

// Logger is the minimal logging capability the sweep needs.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// Sweep periodically calls store.CleanupExpired.
type Sweep struct {
	interval time.Duration
	store    store.Provider
	logger   Logger
}

// New builds a Sweep with interval (0 defaults to 60s).
func New(interval time.Duration, provider store.Provider, logger Logger) *Sweep {
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &Sweep{interval: interval, store: provider, logger: logger}
}

// Run drives the periodic sweep until ctx is done.
func (s *Sweep) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweep) tick(ctx context.Context) {
	count, err := s.store.CleanupExpired(ctx, time.Now().Unix())
	if err != nil {
		s.logger.Errorw("sweep: cleanup expired failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Infow("sweep: expired transactions failed", "count", count)
	}
}
