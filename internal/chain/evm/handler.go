// Package evm implements chain.Handler for EVM-family chains (Ethereum
// mainnet and testnets), built on go-ethereum's core/types and crypto
// packages.
package evm

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/registry"
)

// zeroSig is a 65-byte placeholder signature used to represent an
// unsigned transaction body; EVM's RLP encoding has no "absent
// signature" form distinct from a zero one.
var zeroSig = make([]byte, 65)

// txData is the chain.TxObject.Data payload for Kind "evm".
type txData struct {
	tx      *types.Transaction
	signer  types.Signer
	network string
}

// Handler implements chain.Handler for EVM-family chains.
type Handler struct {
	reg *registry.Registry
}

// New builds an EVM Handler.
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

func (h *Handler) BlockchainID() string { return "ethereum" }

// ParseTransaction decodes a hex-encoded RLP transaction (legacy or
// EIP-2718 typed) bound to network's chain id.
func (h *Handler) ParseTransaction(ctx context.Context, payload, encoding, network_ string) (*chain.TxObject, error) {
	if encoding != "hex" {
		return nil, chain.NewError(chain.KindValidation, fmt.Sprintf("ethereum requires hex encoding, got %q", encoding), nil)
	}

	netCfg, ok := h.reg.GetNetworkConfig("ethereum", network_)
	if !ok {
		return nil, chain.NewError(chain.KindValidation, fmt.Sprintf("unknown ethereum network %q", network_), nil)
	}

	raw, err := decodeHex(payload)
	if err != nil {
		return nil, chain.NewError(chain.KindValidation, "malformed hex payload", err)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, chain.NewError(chain.KindValidation, "malformed rlp transaction", err)
	}

	chainID := big.NewInt(netCfg.ChainID)
	// An unsigned (or pre-EIP-155) legacy transaction carries no chain
	// id; tx.ChainId() would derive a meaningless one from its v value.
	if tx.Protected() {
		if txChainID := tx.ChainId(); txChainID != nil && txChainID.Sign() != 0 && txChainID.Cmp(chainID) != 0 {
			return nil, chain.NewError(chain.KindValidation, fmt.Sprintf("transaction chain id %s does not match network %q (chain id %s)", txChainID, network_, chainID), nil)
		}
	}

	signer := types.LatestSignerForChainID(chainID)
	return &chain.TxObject{Kind: "evm", Data: &txData{tx: tx, signer: signer, network: network_}}, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return hex.DecodeString(s)
}

func (h *Handler) cast(tx *chain.TxObject) (*txData, error) {
	if tx == nil || tx.Kind != "evm" {
		return nil, chain.NewError(chain.KindValidation, "tx object is not an evm transaction", nil)
	}
	data, ok := tx.Data.(*txData)
	if !ok {
		return nil, chain.NewError(chain.KindValidation, "malformed evm tx object", nil)
	}
	return data, nil
}

// ComputeHash returns the EIP-155/EIP-2718 signing hash: the keccak256
// of the RLP-encoded transaction fields excluding the signature.
// Rendered as lowercase hex without the "0x" prefix, the same 64-char
// digest form every 32-byte-digest chain stores under.
func (h *Handler) ComputeHash(tx *chain.TxObject) (string, []byte, error) {
	data, err := h.cast(tx)
	if err != nil {
		return "", nil, err
	}
	hash := data.signer.Hash(data.tx)
	return hex.EncodeToString(hash.Bytes()), hash.Bytes(), nil
}

// ExtractSignatures returns the transaction's single v/r/s signature as
// a RawSig (R||S||V, 65 bytes), empty if unsigned.
func (h *Handler) ExtractSignatures(tx *chain.TxObject) ([]chain.RawSig, error) {
	data, err := h.cast(tx)
	if err != nil {
		return nil, err
	}
	v, r, s := data.tx.RawSignatureValues()
	if r.Sign() == 0 && s.Sign() == 0 {
		return nil, nil
	}
	sig, err := encodeSignature(v, r, s, data.signer)
	if err != nil {
		return nil, chain.NewError(chain.KindValidation, "failed to encode transaction signature", err)
	}
	return []chain.RawSig{{Signature: sig}}, nil
}

// ClearSignatures returns tx with its v/r/s fields zeroed.
func (h *Handler) ClearSignatures(tx *chain.TxObject) (*chain.TxObject, error) {
	data, err := h.cast(tx)
	if err != nil {
		return nil, err
	}
	cleared, err := data.tx.WithSignature(data.signer, zeroSig)
	if err != nil {
		return nil, chain.NewError(chain.KindValidation, "failed to clear transaction signature", err)
	}
	return &chain.TxObject{Kind: "evm", Data: &txData{tx: cleared, signer: data.signer, network: data.network}}, nil
}

// VerifySignature recovers the address behind sigBytes over message and
// compares it against signerKey.
func (h *Handler) VerifySignature(signerKey string, sigBytes, message []byte) (bool, error) {
	if !common.IsHexAddress(signerKey) {
		return false, chain.NewError(chain.KindValidation, fmt.Sprintf("invalid ethereum address %q", signerKey), nil)
	}
	pub, err := crypto.SigToPub(message, normalizeRecoveryID(sigBytes))
	if err != nil {
		return false, nil
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return strings.EqualFold(recovered.Hex(), common.HexToAddress(signerKey).Hex()), nil
}

// normalizeRecoveryID rewrites a 65-byte r||s||v signature's trailing
// recovery byte to the 0/1 form go-ethereum's crypto package expects,
// accepting both the 0/1 and legacy 27/28 conventions.
func normalizeRecoveryID(sig []byte) []byte {
	if len(sig) != 65 {
		return sig
	}
	out := append([]byte(nil), sig...)
	if out[64] >= 27 {
		out[64] -= 27
	}
	return out
}

// AddSignature attaches sigBytes as tx's v/r/s signature.
func (h *Handler) AddSignature(tx *chain.TxObject, signerKey string, sigBytes []byte) (*chain.TxObject, error) {
	data, err := h.cast(tx)
	if err != nil {
		return nil, err
	}
	signed, err := data.tx.WithSignature(data.signer, normalizeRecoveryID(sigBytes))
	if err != nil {
		return nil, chain.NewError(chain.KindValidation, "failed to attach signature", err)
	}
	return &chain.TxObject{Kind: "evm", Data: &txData{tx: signed, signer: data.signer, network: data.network}}, nil
}

// SerializeTransaction re-encodes tx as hex RLP.
func (h *Handler) SerializeTransaction(tx *chain.TxObject, encoding string) (string, error) {
	if encoding != "hex" {
		return "", chain.NewError(chain.KindValidation, fmt.Sprintf("ethereum only serializes to hex, got %q", encoding), nil)
	}
	data, err := h.cast(tx)
	if err != nil {
		return "", err
	}
	raw, err := data.tx.MarshalBinary()
	if err != nil {
		return "", chain.NewError(chain.KindValidation, "failed to serialize transaction", err)
	}
	return "0x" + common.Bytes2Hex(raw), nil
}

// GetPotentialSigners returns nil: an unsigned EVM transaction carries
// no declared sender, so the candidate set is resolved only once a
// signature recovers one (see MatchSignatureToSigner).
func (h *Handler) GetPotentialSigners(ctx context.Context, tx *chain.TxObject, network_ string) ([]string, error) {
	return nil, nil
}

// MatchSignatureToSigner recovers the address behind sig over hash. If
// candidates is non-empty, the recovered address must be a member;
// otherwise any successfully recovered address is accepted as the
// transaction's de facto sender.
func (h *Handler) MatchSignatureToSigner(sig chain.RawSig, candidates []string, hash []byte) (chain.MatchedSignature, error) {
	pub, err := crypto.SigToPub(hash, normalizeRecoveryID(sig.Signature))
	if err != nil {
		return chain.MatchedSignature{}, chain.NewError(chain.KindValidation, "signature does not recover to a valid public key", err)
	}
	recovered := crypto.PubkeyToAddress(*pub).Hex()

	if len(candidates) == 0 {
		return chain.MatchedSignature{SignerKey: recovered, Signature: sig.Signature, Matched: true}, nil
	}
	for _, candidate := range candidates {
		if strings.EqualFold(candidate, recovered) {
			return chain.MatchedSignature{SignerKey: recovered, Signature: sig.Signature, Matched: true}, nil
		}
	}
	return chain.MatchedSignature{}, chain.NewError(chain.KindValidation, fmt.Sprintf("recovered signer %s is not a desired signer", recovered), nil)
}

// IsValidPublicKey reports whether key is a well-formed 20-byte hex
// Ethereum address.
func (h *Handler) IsValidPublicKey(key string) bool {
	return common.IsHexAddress(key)
}

// ParseTransactionParams has no native time-bounds equivalent on EVM;
// it passes the request-supplied bounds through and drops
// desired-signer entries that are not well-formed addresses.
func (h *Handler) ParseTransactionParams(tx *chain.TxObject, desiredSigners []string, minTime, maxTime int64, callbackURL string) (chain.TxInfoFragment, error) {
	frag := chain.TxInfoFragment{
		MinTime:     minTime,
		MaxTime:     maxTime,
		CallbackURL: callbackURL,
	}
	for _, key := range desiredSigners {
		if h.IsValidPublicKey(key) {
			frag.DesiredSigners = append(frag.DesiredSigners, key)
		}
	}
	return frag, nil
}

// CheckFeasibility reports true once at least one signature has
// recovered a signer: EVM transactions require exactly one signer, the
// de facto "from" address.
func (h *Handler) CheckFeasibility(ctx context.Context, tx *chain.TxObject, signedKeys []string) (bool, error) {
	return len(signedKeys) >= 1, nil
}

// encodeSignature packs a transaction's (v, r, s) big.Ints into the
// 65-byte R||S||V wire form RawSig carries, normalizing v to a single
// byte via the signer's chain-id-aware convention.
func encodeSignature(v, r, s *big.Int, signer types.Signer) ([]byte, error) {
	var buf bytes.Buffer
	rBytes := leftPad(r.Bytes(), 32)
	sBytes := leftPad(s.Bytes(), 32)
	buf.Write(rBytes)
	buf.Write(sBytes)

	recoveryID := normalizedV(v, signer)
	buf.WriteByte(recoveryID)
	return buf.Bytes(), nil
}

func normalizedV(v *big.Int, signer types.Signer) byte {
	vCopy := new(big.Int).Set(v)
	if chainID := signer.ChainID(); chainID != nil && chainID.Sign() != 0 {
		// EIP-155: v = recoveryID + chainID*2 + 35
		adjusted := new(big.Int).Sub(vCopy, new(big.Int).Mul(chainID, big.NewInt(2)))
		adjusted.Sub(adjusted, big.NewInt(35))
		return byte(adjusted.Uint64())
	}
	if vCopy.Cmp(big.NewInt(27)) >= 0 {
		vCopy.Sub(vCopy, big.NewInt(27))
	}
	return byte(vCopy.Uint64())
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
