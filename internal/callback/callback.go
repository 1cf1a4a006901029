// Package callback delivers finalized transaction records to the
// caller-supplied CallbackURL via a simple POST-and-expect-2xx client,
// sharing the submitter package's timeout and error-classification
// conventions so the finalizer can treat both the same way.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/blocktimefinancial/refractor/internal/queue"
	"github.com/blocktimefinancial/refractor/internal/store"
)

// Client posts a TransactionRecord to a caller's webhook.
type Client struct {
	HTTP *http.Client
}

// New builds a Client with a 30s request timeout unless httpClient
// overrides it.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{HTTP: httpClient}
}

// Deliver POSTs the record as JSON to its CallbackURL and requires a
// 2xx response. Network failures and 5xx/429 responses are classified
// retryable so the finalizer can decide whether to requeue.
func (c *Client) Deliver(ctx context.Context, record *store.TransactionRecord) error {
	if record.CallbackURL == "" {
		return fmt.Errorf("record %s has no callback url", record.Hash)
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, record.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &queue.RetryableError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &queue.RateLimitError{Cause: fmt.Errorf("callback endpoint rate limited (429)")}
	}
	if resp.StatusCode >= 500 {
		return &queue.RetryableError{Cause: fmt.Errorf("callback endpoint returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
