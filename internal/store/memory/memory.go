// Package memory implements store.Provider with an in-memory map:
// sync.RWMutex guarding a map, every read/write operating on a
// defensive copy, with compare-and-swap status transitions and
// additive signature merge.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blocktimefinancial/refractor/internal/store"
)

// Store is a thread-safe in-memory store.Provider.
type Store struct {
	mu      sync.RWMutex
	records map[string]*store.TransactionRecord
}

// New builds an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]*store.TransactionRecord)}
}

func (s *Store) FindTransaction(ctx context.Context, hash string) (*store.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[hash]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// SaveTransaction upserts record, merging signatures additively and
// rejecting immutable-field drift as a hash collision.
func (s *Store) SaveTransaction(ctx context.Context, record *store.TransactionRecord) (*store.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	existing, ok := s.records[record.Hash]
	if !ok {
		cp := record.Clone()
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		s.records[record.Hash] = cp
		return cp.Clone(), nil
	}

	if existing.Blockchain != record.Blockchain || existing.NetworkName != record.NetworkName ||
		existing.Payload != record.Payload || existing.Encoding != record.Encoding {
		return nil, &store.ErrHashCollision{Hash: record.Hash, Reason: "immutable fields differ from stored record"}
	}

	merged := existing.Clone()
	for _, sig := range record.Signatures {
		if !merged.HasSigner(sig.SignerKey) {
			merged.Signatures = append(merged.Signatures, sig)
		}
	}
	if statusRank(record.Status) > statusRank(merged.Status) {
		merged.Status = record.Status
	}
	if record.Submit {
		merged.Submit = true
	}
	if record.CallbackURL != "" {
		merged.CallbackURL = record.CallbackURL
	}
	if record.MinTime > 0 {
		merged.MinTime = record.MinTime
	}
	if record.MaxTime > 0 {
		merged.MaxTime = record.MaxTime
	}
	if record.TxURI != "" {
		merged.TxURI = record.TxURI
	}
	if record.Legacy != nil {
		merged.Legacy = record.Legacy
	}
	merged.UpdatedAt = now

	s.records[record.Hash] = merged
	return merged.Clone(), nil
}

func statusRank(s store.Status) int {
	switch s {
	case store.StatusPending:
		return 0
	case store.StatusReady:
		return 1
	case store.StatusProcessing:
		return 2
	case store.StatusProcessed, store.StatusFailed:
		return 3
	default:
		return -1
	}
}

func (s *Store) UpdateTransaction(ctx context.Context, hash string, patch func(*store.TransactionRecord), expectedStatus store.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hash]
	if !ok || rec.Status != expectedStatus {
		return false, nil
	}
	cp := rec.Clone()
	patch(cp)
	cp.UpdatedAt = time.Now()
	s.records[hash] = cp
	return true, nil
}

func (s *Store) UpdateTxStatus(ctx context.Context, hash string, newStatus, expectedStatus store.Status, lastErr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[hash]
	if !ok || rec.Status != expectedStatus {
		return false, nil
	}
	cp := rec.Clone()
	cp.Status = newStatus
	cp.UpdatedAt = time.Now()
	if lastErr != "" {
		cp.LastError = lastErr
		cp.RetryCount++
	}
	if newStatus == store.StatusProcessing {
		cp.SubmittedAt = time.Now().Unix()
	}
	s.records[hash] = cp
	return true, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter store.ListFilter) ([]*store.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.TransactionRecord
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.MinTimeLE > 0 && rec.MinTime > filter.MinTimeLE {
			continue
		}
		if filter.HasMax && rec.MaxTime == 0 {
			continue
		}
		if filter.HasMax && rec.MaxTime > 0 && rec.MaxTime <= filter.Now {
			continue
		}
		out = append(out, rec.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CleanupExpired(ctx context.Context, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for hash, rec := range s.records {
		if rec.Status != store.StatusPending && rec.Status != store.StatusReady {
			continue
		}
		if rec.MaxTime != 0 && rec.MaxTime <= now {
			cp := rec.Clone()
			cp.Status = store.StatusFailed
			cp.LastError = "expired"
			cp.UpdatedAt = time.Now()
			s.records[hash] = cp
			count++
		}
	}
	return count, nil
}

func (s *Store) HealthCheck(ctx context.Context) store.HealthStatus {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.HealthStatus{Connected: true, LatencyMs: time.Since(start).Milliseconds()}
}
