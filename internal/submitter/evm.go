package submitter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/store"
)

// EVMSubmitter submits fully-signed EVM transactions via
// eth_sendRawTransaction against a per-network JSON-RPC endpoint.
type EVMSubmitter struct {
	chains  *chain.Registry
	clients map[string]*HTTPRPCClient // network name -> client
}

// NewEVMSubmitter builds a submitter with one RPC client per network
// endpoint, keyed by network name (e.g. "mainnet", "sepolia").
func NewEVMSubmitter(chains *chain.Registry, endpoints map[string]string) *EVMSubmitter {
	clients := make(map[string]*HTTPRPCClient, len(endpoints))
	for network, url := range endpoints {
		clients[network] = NewHTTPRPCClient(url, nil)
	}
	return &EVMSubmitter{chains: chains, clients: clients}
}

// Submit reconstructs the signed transaction and broadcasts it.
func (s *EVMSubmitter) Submit(ctx context.Context, record *store.TransactionRecord) error {
	signed, err := buildSignedPayload(ctx, s.chains, record)
	if err != nil {
		return err
	}

	client, ok := s.clients[record.NetworkName]
	if !ok {
		return fmt.Errorf("no json-rpc endpoint configured for ethereum network %q", record.NetworkName)
	}

	result, err := client.Call(ctx, "eth_sendRawTransaction", []string{signed})
	if err != nil {
		return err
	}

	var txHash string
	if err := json.Unmarshal(result, &txHash); err != nil {
		return fmt.Errorf("malformed eth_sendRawTransaction result: %w", err)
	}
	return nil
}
