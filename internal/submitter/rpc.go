// Package submitter provides chain-specific network submission clients
// implementing finalizer.Submitter: a Stellar Horizon client and an
// EVM JSON-RPC client.
package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/blocktimefinancial/refractor/internal/queue"
)

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

// HTTPRPCClient is a minimal JSON-RPC 2.0 client over net/http. Single
// calls only; Refractor never batches and never subscribes.
type HTTPRPCClient struct {
	Endpoint string
	HTTP     *http.Client
}

// NewHTTPRPCClient builds a client with a 30s request timeout unless
// httpClient overrides it.
func NewHTTPRPCClient(endpoint string, httpClient *http.Client) *HTTPRPCClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRPCClient{Endpoint: endpoint, HTTP: httpClient}
}

// Call executes a single JSON-RPC method call and returns its raw
// result. Network failures and 5xx/429 responses come back wrapped in
// the queue's retryable error types.
func (c *HTTPRPCClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &queue.RetryableError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &queue.RateLimitError{Cause: fmt.Errorf("rpc endpoint rate limited (429)")}
	}
	if resp.StatusCode >= 500 {
		return nil, &queue.RetryableError{Cause: fmt.Errorf("rpc endpoint returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("rpc endpoint returned %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}
	return decoded.Result, nil
}
