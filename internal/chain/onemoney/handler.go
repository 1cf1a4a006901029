// Package onemoney implements chain.Handler for the 1Money network.
// 1Money envelopes are structurally Stellar-family (ed25519 keys,
// operation-level source accounts, 4-byte signature hints), so this
// handler wraps the same stellar/go xdr codec the stellar package
// uses, substituting 1Money's own hash domain-separation tag and a
// trivial any-valid-signer feasibility rule in place of Stellar's
// weighted threshold.
package onemoney

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/registry"
)

// domainTag prefixes the envelope bytes before hashing, standing in for
// 1Money's network passphrase in the absence of a published one;
// distinguishes a 1Money hash from a Stellar hash of the same envelope.
const domainTag = "1money/envelope-hash\x00"

// txData is the chain.TxObject.Data payload for Kind "onemoney".
type txData struct {
	tx      *txnbuild.Transaction
	network string
}

// Handler implements chain.Handler for 1Money.
type Handler struct {
	reg *registry.Registry
}

// New builds a 1Money Handler.
func New(reg *registry.Registry) (*Handler, error) {
	return &Handler{reg: reg}, nil
}

// Factory adapts New to chain.Factory for registration with
// chain.Registry.
func Factory() chain.Factory {
	return func(reg *registry.Registry) (chain.Handler, error) {
		return New(reg)
	}
}

func (h *Handler) BlockchainID() string { return "onemoney" }

// ParseTransaction decodes a base64 envelope using the same XDR shape
// as Stellar; 1Money has no distinct network passphrase so only the
// registered network name is validated, not a bound passphrase.
func (h *Handler) ParseTransaction(ctx context.Context, payload, encoding, network_ string) (*chain.TxObject, error) {
	if encoding != "base64" {
		return nil, chain.NewError(chain.KindValidation, fmt.Sprintf("onemoney requires base64 encoding, got %q", encoding), nil)
	}
	if !h.reg.IsValidNetwork("onemoney", network_) {
		return nil, chain.NewError(chain.KindValidation, fmt.Sprintf("unknown onemoney network %q", network_), nil)
	}

	generic, err := txnbuild.TransactionFromXDR(payload)
	if err != nil {
		return nil, chain.NewError(chain.KindValidation, "malformed onemoney transaction envelope", err)
	}
	if _, isFeeBump := generic.FeeBump(); isFeeBump {
		return nil, chain.NewError(chain.KindUnsupportedFeature, "fee-bump envelopes are not supported", nil)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return nil, chain.NewError(chain.KindValidation, "envelope does not contain a simple transaction", nil)
	}

	return &chain.TxObject{Kind: "onemoney", Data: &txData{tx: tx, network: network_}}, nil
}

func (h *Handler) cast(tx *chain.TxObject) (*txData, error) {
	if tx == nil || tx.Kind != "onemoney" {
		return nil, chain.NewError(chain.KindValidation, "tx object is not a onemoney transaction", nil)
	}
	data, ok := tx.Data.(*txData)
	if !ok {
		return nil, chain.NewError(chain.KindValidation, "malformed onemoney tx object", nil)
	}
	return data, nil
}

// ComputeHash hashes the domain tag concatenated with the raw envelope
// bytes, 1Money's substitute for Stellar's network-passphrase prefix.
func (h *Handler) ComputeHash(tx *chain.TxObject) (string, []byte, error) {
	data, err := h.cast(tx)
	if err != nil {
		return "", nil, err
	}
	envelope := data.tx.ToXDR()
	raw, err := envelope.MarshalBinary()
	if err != nil {
		return "", nil, chain.NewError(chain.KindValidation, "failed to marshal envelope", err)
	}
	sum := sha256.Sum256(append([]byte(domainTag), raw...))
	return hex.EncodeToString(sum[:]), sum[:], nil
}

// ExtractSignatures returns the envelope's decorated signatures.
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
	return &chain.TxObject{Kind: "onemoney", Data: &txData{tx: clearedTx, network: data.network}}, nil
}

// VerifySignature verifies an ed25519 signature under signerKey's
// StrKey-encoded public key, the same key encoding 1Money shares with
// Stellar.
func (h *Handler) VerifySignature(signerKey string, sigBytes, message []byte) (bool, error) {
	kp, err := keypair.ParseAddress(signerKey)
	if err != nil {
		return false, chain.NewError(chain.KindValidation, fmt.Sprintf("invalid onemoney public key %q", signerKey), err)
	}
	if err := kp.Verify(message, sigBytes); err != nil {
		return false, nil
	}
	return true, nil
}

// AddSignature appends a decorated signature to tx's envelope.
func (h *Handler) AddSignature(tx *chain.TxObject, signerKey string, sigBytes []byte) (*chain.TxObject, error) {
	data, err := h.cast(tx)
	if err != nil {
		return nil, err
	}
	kp, err := keypair.ParseAddress(signerKey)
	if err != nil {
		return nil, chain.NewError(chain.KindValidation, fmt.Sprintf("invalid onemoney public key %q", signerKey), err)
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
	return &chain.TxObject{Kind: "onemoney", Data: &txData{tx: updated, network: data.network}}, nil
}

// SerializeTransaction re-encodes tx's envelope as base64.
func (h *Handler) SerializeTransaction(tx *chain.TxObject, encoding string) (string, error) {
	if encoding != "base64" {
		return "", chain.NewError(chain.KindValidation, fmt.Sprintf("onemoney only serializes to base64, got %q", encoding), nil)
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

// GetPotentialSigners returns the transaction-level source account plus
// every operation-level source account override. 1Money has no
// published schema service, so every source account is itself treated
// as one potential signer (no weighted multi-signer delegation).
func (h *Handler) GetPotentialSigners(ctx context.Context, tx *chain.TxObject, network_ string) ([]string, error) {
	data, err := h.cast(tx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	add := func(acc string) {
		if acc != "" && !seen[acc] {
			seen[acc] = true
			out = append(out, acc)
		}
	}
	add(data.tx.SourceAccount().AccountID)
	for _, op := range data.tx.Operations() {
		if src := op.GetSourceAccount(); src != "" {
			add(src)
		}
	}
	return out, nil
}

// MatchSignatureToSigner matches sig against candidates by hint then
// verifies it, identically to the Stellar handler.
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
	return chain.MatchedSignature{}, chain.NewError(chain.KindValidation, fmt.Sprintf("signature hint %x matches no candidate signer", sig.Hint), nil)
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

// IsValidPublicKey reports whether key parses as a StrKey address.
func (h *Handler) IsValidPublicKey(key string) bool {
	if !strings.HasPrefix(key, "G") {
		return false
	}
	_, err := keypair.ParseAddress(key)
	return err == nil
}

// ParseTransactionParams extracts tx's time bounds the same way the
// Stellar handler does, dropping desired-signer entries that are not
// well-formed keys.
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

// CheckFeasibility reports true once at least one candidate signer has
// signed, 1Money's trivial any-valid-signer rule.
func (h *Handler) CheckFeasibility(ctx context.Context, tx *chain.TxObject, signedKeys []string) (bool, error) {
	return len(signedKeys) >= 1, nil
}
