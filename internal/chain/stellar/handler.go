// Package stellar implements chain.Handler for the Stellar network,
// built on stellar/go's xdr, txnbuild, and keypair packages.
package stellar

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/registry"
)

// txData is the chain.TxObject.Data payload for Kind "stellar".
type txData struct {
	tx      *txnbuild.Transaction
	network string
}

// Handler implements chain.Handler for Stellar classic transactions.
type Handler struct {
	reg    *registry.Registry
	schema SchemaProvider
}

// New builds a Stellar Handler. schema resolves account signer policy;
// pass nil to fall back to a StaticSchemaProvider (single-signer,
// weight-1/threshold-1 accounts), suitable for tests and for deployments
// that haven't wired a Horizon endpoint.
func New(reg *registry.Registry, schema SchemaProvider) (*Handler, error) {
	if schema == nil {
		schema = NewStaticSchemaProvider(nil)
	}
	return &Handler{reg: reg, schema: schema}, nil
}

// Factory adapts New to chain.Factory for registration with
// chain.Registry.
func Factory(schema SchemaProvider) chain.Factory {
	return func(reg *registry.Registry) (chain.Handler, error) {
		return New(reg, schema)
	}
}

func (h *Handler) BlockchainID() string { return "stellar" }

// ParseTransaction decodes a base64 XDR transaction envelope bound to
// network's passphrase. Fee-bump envelopes are rejected as
// KindUnsupportedFeature: Refractor aggregates signatures on the inner
// transaction only.
func (h *Handler) ParseTransaction(ctx context.Context, payload, encoding, network_ string) (*chain.TxObject, error) {
	if encoding != "base64" {
		return nil, chain.NewError(chain.KindValidation, fmt.Sprintf("stellar requires base64 encoding, got %q", encoding), nil)
	}

	if !h.reg.IsValidNetwork("stellar", network_) {
		return nil, chain.NewError(chain.KindValidation, fmt.Sprintf("unknown stellar network %q", network_), nil)
	}

	generic, err := txnbuild.TransactionFromXDR(payload)
	if err != nil {
		return nil, chain.NewError(chain.KindValidation, "malformed stellar transaction envelope", err)
	}

	if _, isFeeBump := generic.FeeBump(); isFeeBump {
		return nil, chain.NewError(chain.KindUnsupportedFeature, "fee-bump envelopes are not supported", nil)
	}

	// An envelope carries no network tag of its own; the requested
	// network binds at hash time via its passphrase.
	tx, ok := generic.Transaction()
	if !ok {
		return nil, chain.NewError(chain.KindValidation, "envelope does not contain a simple transaction", nil)
	}

	return &chain.TxObject{Kind: "stellar", Data: &txData{tx: tx, network: network_}}, nil
}

func (h *Handler) cast(tx *chain.TxObject) (*txData, error) {
	if tx == nil || tx.Kind != "stellar" {
		return nil, chain.NewError(chain.KindValidation, "tx object is not a stellar transaction", nil)
	}
	data, ok := tx.Data.(*txData)
	if !ok {
		return nil, chain.NewError(chain.KindValidation, "malformed stellar tx object", nil)
	}
	return data, nil
}

// ComputeHash returns the transaction hash exactly as Stellar nodes
// compute it for signing: SHA-256 over the network-id-prefixed,
// XDR-encoded transaction envelope.
func (h *Handler) ComputeHash(tx *chain.TxObject) (string, []byte, error) {
	data, err := h.cast(tx)
	if err != nil {
		return "", nil, err
	}
	netCfg, ok := h.reg.GetNetworkConfig("stellar", data.network)
	if !ok {
		return "", nil, chain.NewError(chain.KindValidation, fmt.Sprintf("unknown stellar network %q", data.network), nil)
	}

	hash, err := data.tx.Hash(netCfg.Passphrase)
	if err != nil {
		return "", nil, chain.NewError(chain.KindValidation, "failed to compute transaction hash", err)
	}
	return hex.EncodeToString(hash[:]), hash[:], nil
}

// ExtractSignatures returns the decorated signatures already attached to
// the envelope, converted to the chain-agnostic RawSig shape.
func (h *Handler) ExtractSignatures(tx *chain.TxObject) ([]chain.RawSig, error) {
	data, err := h.cast(tx)
	if err != nil {
		return nil, err
	}
	sigs := data.tx.Signatures()
	out := make([]chain.RawSig, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, chain.RawSig{
			Hint:      append([]byte(nil), s.Hint[:]...),
			Signature: append([]byte(nil), s.Signature...),
		})
	}
	return out, nil
}

// ClearSignatures returns tx with its envelope's signature list emptied.
func (h *Handler) ClearSignatures(tx *chain.TxObject) (*chain.TxObject, error) {
	data, err := h.cast(tx)
	if err != nil {
		return nil, err
	}
	clearedTx, err := data.tx.ClearSignatures()
	if err != nil {
		return nil, chain.NewError(chain.KindValidation, "failed to clear envelope signatures", err)
	}
	return &chain.TxObject{Kind: "stellar", Data: &txData{tx: clearedTx, network: data.network}}, nil
}

// VerifySignature verifies an ed25519 signature under signerKey's
// Stellar StrKey-encoded public key.
func (h *Handler) VerifySignature(signerKey string, sigBytes, message []byte) (bool, error) {
	kp, err := keypair.ParseAddress(signerKey)
	if err != nil {
		return false, chain.NewError(chain.KindValidation, fmt.Sprintf("invalid stellar public key %q", signerKey), err)
	}
	if err := kp.Verify(message, sigBytes); err != nil {
		return false, nil
	}
	return true, nil
}

// AddSignature appends a decorated signature (hint derived from
// signerKey) to tx's envelope.
func (h *Handler) AddSignature(tx *chain.TxObject, signerKey string, sigBytes []byte) (*chain.TxObject, error) {
	data, err := h.cast(tx)
	if err != nil {
		return nil, err
	}
	kp, err := keypair.ParseAddress(signerKey)
	if err != nil {
		return nil, chain.NewError(chain.KindValidation, fmt.Sprintf("invalid stellar public key %q", signerKey), err)
	}

	hint := kp.Hint()
	decorated := xdr.DecoratedSignature{
		Hint:      xdr.SignatureHint(hint),
		Signature: xdr.Signature(sigBytes),
	}

	updated, err := data.tx.AddSignatureDecorated(decorated)
	if err != nil {
		return nil, chain.NewError(chain.KindValidation, "failed to attach signature", err)
	}
	return &chain.TxObject{Kind: "stellar", Data: &txData{tx: updated, network: data.network}}, nil
}

// SerializeTransaction re-encodes tx's envelope as base64 XDR.
func (h *Handler) SerializeTransaction(tx *chain.TxObject, encoding string) (string, error) {
	if encoding != "base64" {
		return "", chain.NewError(chain.KindValidation, fmt.Sprintf("stellar only serializes to base64, got %q", encoding), nil)
	}
	data, err := h.cast(tx)
	if err != nil {
		return "", err
	}
	out, err := data.tx.Base64()
	if err != nil {
		return "", chain.NewError(chain.KindValidation, "failed to serialize transaction", err)
	}
	return out, nil
}

// sourceAccounts collects the transaction-level source account plus
// every operation-level source account override, the candidate pool a
// multi-operation Stellar transaction may need signatures from.
func sourceAccounts(tx *txnbuild.Transaction) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(acc string) {
		if acc != "" && !seen[acc] {
			seen[acc] = true
			out = append(out, acc)
		}
	}
	add(tx.SourceAccount().AccountID)
	for _, op := range tx.Operations() {
		if src := op.GetSourceAccount(); src != "" {
			add(src)
		}
	}
	return out
}

// GetPotentialSigners resolves every source account on tx against the
// schema provider and unions their signer sets.
func (h *Handler) GetPotentialSigners(ctx context.Context, tx *chain.TxObject, network_ string) ([]string, error) {
	data, err := h.cast(tx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, acc := range sourceAccounts(data.tx) {
		schema, err := h.schema.GetSchema(ctx, network_, acc)
		if err != nil {
			return nil, chain.NewError(chain.KindTransientBackend, fmt.Sprintf("failed to resolve signer schema for %q", acc), err)
		}
		for _, key := range schema.Keys() {
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	return out, nil
}

// MatchSignatureToSigner narrows candidates to those whose key hint
// matches sig.Hint, then verifies sig against hash under each surviving
// candidate. The first verified match wins; Stellar hints are only
// advisory collision-prone prefixes, not unique identifiers.
func (h *Handler) MatchSignatureToSigner(sig chain.RawSig, candidates []string, hash []byte) (chain.MatchedSignature, error) {
	for _, candidate := range candidates {
		kp, err := keypair.ParseAddress(candidate)
		if err != nil {
			continue
		}
		hint := kp.Hint()
		if len(sig.Hint) == 4 && !bytesEqual(hint[:], sig.Hint) {
			continue
		}
		if err := kp.Verify(hash, sig.Signature); err == nil {
			return chain.MatchedSignature{SignerKey: candidate, Signature: sig.Signature, Matched: true}, nil
		}
	}
	return chain.MatchedSignature{
		Matched: false,
	}, chain.NewError(chain.KindValidation, fmt.Sprintf("signature hint %x matches no candidate signer", sig.Hint), nil)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IsValidPublicKey reports whether key parses as a Stellar "G..." StrKey
// address.
func (h *Handler) IsValidPublicKey(key string) bool {
	if !strings.HasPrefix(key, "G") {
		return false
	}
	_, err := keypair.ParseAddress(key)
	return err == nil
}

// ParseTransactionParams extracts tx's time bounds and combines them
// with the request-level callback URL, dropping desired-signer entries
// that are not well-formed Stellar keys.
func (h *Handler) ParseTransactionParams(tx *chain.TxObject, desiredSigners []string, minTime, maxTime int64, callbackURL string) (chain.TxInfoFragment, error) {
	data, err := h.cast(tx)
	if err != nil {
		return chain.TxInfoFragment{}, err
	}

	bounds := data.tx.Timebounds()
	frag := chain.TxInfoFragment{
		MinTime:     bounds.MinTime,
		MaxTime:     bounds.MaxTime,
		CallbackURL: callbackURL,
	}
	for _, key := range desiredSigners {
		if h.IsValidPublicKey(key) {
			frag.DesiredSigners = append(frag.DesiredSigners, key)
		}
	}
	if minTime > 0 {
		frag.MinTime = minTime
	}
	if maxTime > 0 {
		frag.MaxTime = maxTime
	}
	return frag, nil
}

// CheckFeasibility reports whether signedKeys' combined weight meets or
// exceeds the medium threshold of every source account on tx.
func (h *Handler) CheckFeasibility(ctx context.Context, tx *chain.TxObject, signedKeys []string) (bool, error) {
	data, err := h.cast(tx)
	if err != nil {
		return false, err
	}

	signed := make(map[string]bool, len(signedKeys))
	for _, k := range signedKeys {
		signed[k] = true
	}

	for _, acc := range sourceAccounts(data.tx) {
		schema, err := h.schema.GetSchema(ctx, data.network, acc)
		if err != nil {
			return false, chain.NewError(chain.KindTransientBackend, fmt.Sprintf("failed to resolve signer schema for %q", acc), err)
		}
		var total int32
		for _, key := range schema.Keys() {
			if signed[key] {
				total += schema.Weight(key)
			}
		}
		if total < schema.MedThreshold {
			return false, nil
		}
	}
	return true, nil
}
