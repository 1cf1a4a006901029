package submitter

import (
	"context"

	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/store"
)

// buildSignedPayload reconstructs a record's signed transaction by
// reparsing its stored unsigned payload and reapplying every recorded
// signature in insertion order, then serializing the result back to
// wire form — the finalizer's only use of the chain handler registry.
func buildSignedPayload(ctx context.Context, chains *chain.Registry, record *store.TransactionRecord) (string, error) {
	handler, err := chains.Get(record.Blockchain)
	if err != nil {
		return "", err
	}

	txObj, err := handler.ParseTransaction(ctx, record.Payload, record.Encoding, record.NetworkName)
	if err != nil {
		return "", err
	}
	for _, sig := range record.Signatures {
		txObj, err = handler.AddSignature(txObj, sig.SignerKey, sig.SignatureBytes)
		if err != nil {
			return "", err
		}
	}
	return handler.SerializeTransaction(txObj, record.Encoding)
}
