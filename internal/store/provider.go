package store

import "context"

// Provider is the abstract persistence capability set. Any backing
// store (memory, postgres, ...) must implement it.
type Provider interface {
	// FindTransaction returns the record for hash, nil if absent.
	FindTransaction(ctx context.Context, hash string) (*TransactionRecord, error)

	// SaveTransaction upserts record keyed by its Hash. Signatures merge
	// additively with whatever is already stored; immutable fields
	// (Blockchain, NetworkName, Payload, Encoding) are rejected if they
	// would change on an existing row; Status is never demoted.
	SaveTransaction(ctx context.Context, record *TransactionRecord) (*TransactionRecord, error)

	// UpdateTransaction applies patch to the row at hash iff its current
	// status equals expectedStatus. Returns whether the row was matched.
	UpdateTransaction(ctx context.Context, hash string, patch func(*TransactionRecord), expectedStatus Status) (bool, error)

	// UpdateTxStatus CAS-transitions hash from expectedStatus to
	// newStatus, optionally recording lastErr and incrementing
	// RetryCount. Returns whether the row was matched.
	UpdateTxStatus(ctx context.Context, hash string, newStatus, expectedStatus Status, lastErr string) (bool, error)

	// ListTransactions returns records matching filter.
	ListTransactions(ctx context.Context, filter ListFilter) ([]*TransactionRecord, error)

	// CleanupExpired fails every pending or ready record whose MaxTime
	// has elapsed, returning the count updated.
	CleanupExpired(ctx context.Context, now int64) (int, error)

	// HealthCheck reports store connectivity and latency.
	HealthCheck(ctx context.Context) HealthStatus
}

// ErrHashCollision is returned by SaveTransaction when an existing
// record's immutable fields disagree with the incoming one.
type ErrHashCollision struct {
	Hash   string
	Reason string
}

func (e *ErrHashCollision) Error() string {
	return "hash collision for " + e.Hash + ": " + e.Reason
}
