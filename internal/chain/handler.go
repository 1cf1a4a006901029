// Package chain defines the unified capability set every blockchain
// handler implements (Stellar, EVM family, 1Money, ...): concrete
// per-chain structs selected through a registry, not inheritance.
package chain

import (
	"context"

	"github.com/blocktimefinancial/refractor/internal/registry"
)

// TxObject is a tagged variant wrapping a chain-specific parsed
// transaction. Each Handler implementation only accepts its own Kind and
// rejects every other one with a KindValidation error.
type TxObject struct {
	Kind string // "stellar", "evm", "onemoney"
	Data interface{}
}

// RawSig is a signature as extracted directly from a submitted payload,
// before it has been matched to a signer.
type RawSig struct {
	// Hint is the chain's short opaque signer hint, if any (Stellar's
	// 4-byte public key suffix). Empty when the chain has no hint
	// mechanism (EVM recovers the signer from the signature itself).
	Hint []byte
	// Signature is the raw signature bytes.
	Signature []byte
}

// MatchedSignature is the result of matching a RawSig against a set of
// potential signers.
type MatchedSignature struct {
	SignerKey string // empty if unmatched
	Signature []byte
	Matched   bool
}

// TxInfoFragment carries the pieces of request/transaction data that
// ParseTransactionParams extracts, to be merged into the stored record.
type TxInfoFragment struct {
	MinTime        int64
	MaxTime        int64
	CallbackURL    string
	DesiredSigners []string
}

// Handler is the capability set every chain implementation provides.
// Operations may fail with a *Error carrying one of the ErrorKinds
// below; callers switch on Kind rather than matching error strings.
type Handler interface {
	// BlockchainID returns the registry key this handler serves, e.g. "stellar".
	BlockchainID() string

	// ParseTransaction decodes payload (in encoding) against network's
	// passphrase/chain-id into a TxObject. MUST reject wrong encodings,
	// fee-bump envelopes (Stellar family), and chain-id mismatches (EVM).
	ParseTransaction(ctx context.Context, payload, encoding, network string) (*TxObject, error)

	// ComputeHash returns the deterministic canonical hash of tx, using
	// the pre-image that signing actually covers for this chain.
	ComputeHash(tx *TxObject) (hexHash string, rawBytes []byte, err error)

	// ExtractSignatures returns the signatures already carried by tx as
	// submitted.
	ExtractSignatures(tx *TxObject) ([]RawSig, error)

	// ClearSignatures returns the unsigned form of tx, for storage and
	// re-serialization.
	ClearSignatures(tx *TxObject) (*TxObject, error)

	// VerifySignature performs chain-native verification of sigBytes
	// over message under signerKey.
	VerifySignature(signerKey string, sigBytes, message []byte) (bool, error)

	// AddSignature appends signerKey/sigBytes to tx. Order-independent
	// for multi-sig chains; EVM accepts only a single signer.
	AddSignature(tx *TxObject, signerKey string, sigBytes []byte) (*TxObject, error)

	// SerializeTransaction is the byte-exact inverse of ParseTransaction
	// when signatures are unchanged.
	SerializeTransaction(tx *TxObject, encoding string) (string, error)

	// GetPotentialSigners discovers the signer keys that could satisfy
	// tx's policy on network.
	GetPotentialSigners(ctx context.Context, tx *TxObject, network string) ([]string, error)

	// MatchSignatureToSigner identifies which of candidates produced sig
	// (if any), using the chain's native hint/recovery mechanism.
	MatchSignatureToSigner(sig RawSig, candidates []string, hash []byte) (MatchedSignature, error)

	// IsValidPublicKey reports whether key is a well-formed signer key
	// for this chain.
	IsValidPublicKey(key string) bool

	// ParseTransactionParams extracts time bounds, callback URL, and
	// desired-signer filtering from tx plus the raw request fields.
	ParseTransactionParams(tx *TxObject, desiredSigners []string, minTime, maxTime int64, callbackURL string) (TxInfoFragment, error)

	// CheckFeasibility reports whether signedKeys satisfies tx's signing
	// policy (Stellar: weighted threshold; EVM: tx.From present; 1Money:
	// at least one valid signer).
	CheckFeasibility(ctx context.Context, tx *TxObject, signedKeys []string) (bool, error)
}

// Factory builds a Handler bound to reg (for network/passphrase/chain-id
// lookups).
type Factory func(reg *registry.Registry) (Handler, error)
