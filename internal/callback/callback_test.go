package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocktimefinancial/refractor/internal/queue"
	"github.com/blocktimefinancial/refractor/internal/store"
)

func TestDeliver_RejectsRecordWithNoCallbackURL(t *testing.T) {
	c := New(nil)
	err := c.Deliver(context.Background(), &store.TransactionRecord{Hash: "h1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "h1")
}

func TestDeliver_PostsRecordAsJSON(t *testing.T) {
	var gotHash string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var rec store.TransactionRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		gotHash = rec.Hash
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(nil)
	record := &store.TransactionRecord{Hash: "abc123", CallbackURL: srv.URL, Blockchain: "stellar"}
	require.NoError(t, c.Deliver(context.Background(), record))
	assert.Equal(t, "abc123", gotHash)
}

func TestDeliver_RateLimitedResponseIsClassifiedRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(nil)
	err := c.Deliver(context.Background(), &store.TransactionRecord{Hash: "h1", CallbackURL: srv.URL})
	require.Error(t, err)
	assert.True(t, queue.IsRetryable(err))
	var rl *queue.RateLimitError
	require.ErrorAs(t, err, &rl)
}

func TestDeliver_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(nil)
	err := c.Deliver(context.Background(), &store.TransactionRecord{Hash: "h1", CallbackURL: srv.URL})
	require.Error(t, err)
	assert.True(t, queue.IsRetryable(err))
}

func TestDeliver_ClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(nil)
	err := c.Deliver(context.Background(), &store.TransactionRecord{Hash: "h1", CallbackURL: srv.URL})
	require.Error(t, err)
	assert.False(t, queue.IsRetryable(err))
}

func TestDeliver_RedirectStatusIsTreatedAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultipleChoices)
	}))
	defer srv.Close()

	c := New(nil)
	err := c.Deliver(context.Background(), &store.TransactionRecord{Hash: "h1", CallbackURL: srv.URL})
	require.Error(t, err)
	assert.False(t, queue.IsRetryable(err))
}
