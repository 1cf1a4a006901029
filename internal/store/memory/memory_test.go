package memory

import (
	"context"
	"testing"
	"time"

	"github.com/blocktimefinancial/refractor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseRecord(hash string) *store.TransactionRecord {
	return &store.TransactionRecord{
		Hash:        hash,
		Blockchain:  "stellar",
		NetworkName: "testnet",
		Payload:     "unsigned-payload",
		Encoding:    "base64",
		Status:      store.StatusPending,
	}
}

func TestFindTransaction_NotFound(t *testing.T) {
	s := New()
	rec, err := s.FindTransaction(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSaveTransaction_CreatesNewRecord(t *testing.T) {
	s := New()
	rec := baseRecord("h1")

	saved, err := s.SaveTransaction(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "h1", saved.Hash)
	assert.False(t, saved.CreatedAt.IsZero())
	assert.False(t, saved.UpdatedAt.IsZero())

	found, err := s.FindTransaction(context.Background(), "h1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, saved.Hash, found.Hash)
}

func TestSaveTransaction_FindReturnsIndependentCopies(t *testing.T) {
	s := New()
	rec := baseRecord("h1")
	_, err := s.SaveTransaction(context.Background(), rec)
	require.NoError(t, err)

	a, err := s.FindTransaction(context.Background(), "h1")
	require.NoError(t, err)
	b, err := s.FindTransaction(context.Background(), "h1")
	require.NoError(t, err)

	a.Status = store.StatusReady
	assert.Equal(t, store.StatusPending, b.Status, "mutating one returned record must not affect another")
}

func TestSaveTransaction_MergesSignaturesAdditively(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := baseRecord("h1")
	_, err := s.SaveTransaction(ctx, rec)
	require.NoError(t, err)

	withSig1 := baseRecord("h1")
	withSig1.Signatures = []store.SignaturePair{{SignerKey: "K1", SignatureBytes: []byte("sig1")}}
	saved, err := s.SaveTransaction(ctx, withSig1)
	require.NoError(t, err)
	assert.Len(t, saved.Signatures, 1)

	withSig2 := baseRecord("h1")
	withSig2.Signatures = []store.SignaturePair{{SignerKey: "K2", SignatureBytes: []byte("sig2")}}
	saved, err = s.SaveTransaction(ctx, withSig2)
	require.NoError(t, err)
	require.Len(t, saved.Signatures, 2)
	assert.Equal(t, "K1", saved.Signatures[0].SignerKey)
	assert.Equal(t, "K2", saved.Signatures[1].SignerKey)

	// Re-saving a duplicate signer key does not duplicate the entry.
	dup := baseRecord("h1")
	dup.Signatures = []store.SignaturePair{{SignerKey: "K1", SignatureBytes: []byte("sig1-again")}}
	saved, err = s.SaveTransaction(ctx, dup)
	require.NoError(t, err)
	assert.Len(t, saved.Signatures, 2)
}

func TestSaveTransaction_RejectsImmutableFieldDrift(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.SaveTransaction(ctx, baseRecord("h1"))
	require.NoError(t, err)

	drifted := baseRecord("h1")
	drifted.Payload = "different-payload"
	_, err = s.SaveTransaction(ctx, drifted)
	require.Error(t, err)
	var collisionErr *store.ErrHashCollision
	assert.ErrorAs(t, err, &collisionErr)
}

func TestSaveTransaction_NeverDemotesStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := baseRecord("h1")
	rec.Status = store.StatusReady
	_, err := s.SaveTransaction(ctx, rec)
	require.NoError(t, err)

	demote := baseRecord("h1")
	demote.Status = store.StatusPending
	saved, err := s.SaveTransaction(ctx, demote)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, saved.Status)
}

func TestUpdateTransaction_CAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := baseRecord("h1")
	_, err := s.SaveTransaction(ctx, rec)
	require.NoError(t, err)

	ok, err := s.UpdateTransaction(ctx, "h1", func(r *store.TransactionRecord) {
		r.Status = store.StatusReady
	}, store.StatusPending)
	require.NoError(t, err)
	assert.True(t, ok)

	// Wrong expected status: CAS fails, no change.
	ok, err = s.UpdateTransaction(ctx, "h1", func(r *store.TransactionRecord) {
		r.Status = store.StatusProcessing
	}, store.StatusPending)
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := s.FindTransaction(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, found.Status)
}

func TestUpdateTxStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := baseRecord("h1")
	rec.Status = store.StatusReady
	_, err := s.SaveTransaction(ctx, rec)
	require.NoError(t, err)

	ok, err := s.UpdateTxStatus(ctx, "h1", store.StatusProcessing, store.StatusReady, "")
	require.NoError(t, err)
	assert.True(t, ok)

	found, _ := s.FindTransaction(ctx, "h1")
	assert.Equal(t, store.StatusProcessing, found.Status)
	assert.NotZero(t, found.SubmittedAt)

	ok, err = s.UpdateTxStatus(ctx, "h1", store.StatusFailed, store.StatusProcessing, "network error")
	require.NoError(t, err)
	assert.True(t, ok)

	found, _ = s.FindTransaction(ctx, "h1")
	assert.Equal(t, store.StatusFailed, found.Status)
	assert.Equal(t, "network error", found.LastError)
	assert.Equal(t, 1, found.RetryCount)
}

func TestUpdateTxStatus_CASRejectsStaleExpectedStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := baseRecord("h1")
	rec.Status = store.StatusReady
	_, err := s.SaveTransaction(ctx, rec)
	require.NoError(t, err)

	ok, err := s.UpdateTxStatus(ctx, "h1", store.StatusProcessing, store.StatusReady, "")
	require.NoError(t, err)
	require.True(t, ok)

	// A second concurrent claim attempt with the same expected status fails.
	ok, err = s.UpdateTxStatus(ctx, "h1", store.StatusProcessing, store.StatusReady, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListTransactions_FiltersByStatusAndTime(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().Unix()

	ready := baseRecord("ready-1")
	ready.Status = store.StatusReady
	ready.MinTime = now - 100
	_, err := s.SaveTransaction(ctx, ready)
	require.NoError(t, err)

	futureReady := baseRecord("ready-2")
	futureReady.Status = store.StatusReady
	futureReady.MinTime = now + 10000
	_, err = s.SaveTransaction(ctx, futureReady)
	require.NoError(t, err)

	pending := baseRecord("pending-1")
	pending.Status = store.StatusPending
	_, err = s.SaveTransaction(ctx, pending)
	require.NoError(t, err)

	out, err := s.ListTransactions(ctx, store.ListFilter{Status: store.StatusReady, MinTimeLE: now})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ready-1", out[0].Hash)
}

func TestListTransactions_HasMaxFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().Unix()

	noMax := baseRecord("no-max")
	noMax.Status = store.StatusReady
	_, err := s.SaveTransaction(ctx, noMax)
	require.NoError(t, err)

	withFutureMax := baseRecord("future-max")
	withFutureMax.Status = store.StatusReady
	withFutureMax.MaxTime = now + 10000
	_, err = s.SaveTransaction(ctx, withFutureMax)
	require.NoError(t, err)

	out, err := s.ListTransactions(ctx, store.ListFilter{Status: store.StatusReady, HasMax: true, Now: now})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "future-max", out[0].Hash)
}

func TestCleanupExpired(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().Unix()

	expired := baseRecord("expired")
	expired.Status = store.StatusReady
	expired.MaxTime = now - 100
	_, err := s.SaveTransaction(ctx, expired)
	require.NoError(t, err)

	notExpired := baseRecord("not-expired")
	notExpired.Status = store.StatusReady
	notExpired.MaxTime = now + 10000
	_, err = s.SaveTransaction(ctx, notExpired)
	require.NoError(t, err)

	terminal := baseRecord("terminal")
	terminal.Status = store.StatusProcessed
	terminal.MaxTime = now - 100
	_, err = s.SaveTransaction(ctx, terminal)
	require.NoError(t, err)

	count, err := s.CleanupExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	found, _ := s.FindTransaction(ctx, "expired")
	assert.Equal(t, store.StatusFailed, found.Status)
	assert.Equal(t, "expired", found.LastError)

	foundTerminal, _ := s.FindTransaction(ctx, "terminal")
	assert.Equal(t, store.StatusProcessed, foundTerminal.Status, "terminal records are never revisited")

	// Running cleanup twice back to back is a no-op the second time.
	count, err = s.CleanupExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestHealthCheck(t *testing.T) {
	s := New()
	h := s.HealthCheck(context.Background())
	assert.True(t, h.Connected)
}

func TestConcurrentSignatureMergeConverges(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.SaveTransaction(ctx, baseRecord("h1"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r := baseRecord("h1")
		r.Signatures = []store.SignaturePair{{SignerKey: "K1", SignatureBytes: []byte("s1")}}
		_, _ = s.SaveTransaction(ctx, r)
		close(done)
	}()

	r := baseRecord("h1")
	r.Signatures = []store.SignaturePair{{SignerKey: "K2", SignatureBytes: []byte("s2")}}
	_, err = s.SaveTransaction(ctx, r)
	require.NoError(t, err)
	<-done

	found, err := s.FindTransaction(ctx, "h1")
	require.NoError(t, err)
	assert.Len(t, found.Signatures, 2)
	keys := found.SignerKeys()
	assert.ElementsMatch(t, []string{"K1", "K2"}, keys)
}
