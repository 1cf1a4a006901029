package submitter

import (
	"context"
	"fmt"

	"github.com/stellar/go/clients/horizonclient"

	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/queue"
	"github.com/blocktimefinancial/refractor/internal/store"
)

// StellarSubmitter submits fully-signed Stellar (and 1Money, which
// shares Stellar's envelope shape) transactions to a Horizon-compatible
// endpoint per network.
type StellarSubmitter struct {
	chains  *chain.Registry
	clients map[string]*horizonclient.Client // "blockchain:network" -> client
}

// NewStellarSubmitter builds a submitter with one Horizon client per
// network endpoint, keyed "blockchain:network" (e.g. "stellar:public").
// Entries with an empty URL are skipped so submission against them
// fails loudly rather than against a blank base URL.
func NewStellarSubmitter(chains *chain.Registry, endpoints map[string]string) *StellarSubmitter {
	clients := make(map[string]*horizonclient.Client, len(endpoints))
	for key, url := range endpoints {
		if url == "" {
			continue
		}
		clients[key] = &horizonclient.Client{HorizonURL: url}
	}
	return &StellarSubmitter{chains: chains, clients: clients}
}

// Submit reconstructs the signed envelope and submits it to Horizon.
func (s *StellarSubmitter) Submit(ctx context.Context, record *store.TransactionRecord) error {
	signed, err := buildSignedPayload(ctx, s.chains, record)
	if err != nil {
		return err
	}

	client, ok := s.clients[record.Blockchain+":"+record.NetworkName]
	if !ok {
		return fmt.Errorf("no horizon endpoint configured for %s:%s", record.Blockchain, record.NetworkName)
	}

	_, err = client.SubmitTransactionXDR(signed)
	if err != nil {
		if isHorizonRetryable(err) {
			return &queue.RetryableError{Cause: err}
		}
		return err
	}
	return nil
}

// isHorizonRetryable reports whether a Horizon submission error is a
// transient 5xx/timeout rather than a permanent chain rejection
// (tx_bad_seq, tx_bad_auth, insufficient fee, etc.).
func isHorizonRetryable(err error) bool {
	hErr, ok := err.(*horizonclient.Error)
	if !ok {
		return true // connection-level failure: treat as transient
	}
	return hErr.Response != nil && hErr.Response.StatusCode >= 500
}
