package submitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocktimefinancial/refractor/internal/queue"
)

func TestHTTPRPCClient_Call_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "eth_sendRawTransaction", req.Method)

		resp := rpcResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`"0xabc123"`)}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := NewHTTPRPCClient(srv.URL, nil)
	result, err := c.Call(context.Background(), "eth_sendRawTransaction", []string{"0xdead"})
	require.NoError(t, err)

	var txHash string
	require.NoError(t, json.Unmarshal(result, &txHash))
	assert.Equal(t, "0xabc123", txHash)
}

func TestHTTPRPCClient_Call_RPCLevelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := rpcResponse{JSONRPC: "2.0", ID: 1, Error: &rpcError{Code: -32000, Message: "nonce too low"}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := NewHTTPRPCClient(srv.URL, nil)
	_, err := c.Call(context.Background(), "eth_sendRawTransaction", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")
}

func TestHTTPRPCClient_Call_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPRPCClient(srv.URL, nil)
	_, err := c.Call(context.Background(), "eth_call", nil)
	require.Error(t, err)
	assert.True(t, queue.IsRetryable(err))

	var rl *queue.RateLimitError
	require.ErrorAs(t, err, &rl)
}

func TestHTTPRPCClient_Call_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPRPCClient(srv.URL, nil)
	_, err := c.Call(context.Background(), "eth_call", nil)
	require.Error(t, err)
	assert.True(t, queue.IsRetryable(err))
}

func TestHTTPRPCClient_Call_ClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPRPCClient(srv.URL, nil)
	_, err := c.Call(context.Background(), "eth_call", nil)
	require.Error(t, err)
	assert.False(t, queue.IsRetryable(err))
}
