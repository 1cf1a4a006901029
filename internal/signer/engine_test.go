package signer

import (
	"context"
	"testing"

	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/normalizer"
	"github.com/blocktimefinancial/refractor/internal/registry"
	"github.com/blocktimefinancial/refractor/internal/store"
	"github.com/blocktimefinancial/refractor/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx is the fake chain's TxObject payload: a list of signer keys
// potentially able to sign, the signatures already on the wire, and the
// weight threshold required for feasibility.
type fakeTx struct {
	payload    string
	signatures []chain.RawSig
	signers    []string
	threshold  int
}

// fakeHandler is a minimal, deterministic stand-in for a real chain
// handler, letting the signer engine's orchestration be exercised
// without any real chain cryptography. Signatures are plain
// "<signerKey>:<hash>" strings; "matching" just looks the signer key
// up among the candidates.
type fakeHandler struct {
	signerWeights map[string]int
	threshold     int
}

func (h *fakeHandler) BlockchainID() string { return "fake" }

func (h *fakeHandler) ParseTransaction(ctx context.Context, payload, encoding, network string) (*chain.TxObject, error) {
	return &chain.TxObject{Kind: "fake", Data: &fakeTx{payload: payload}}, nil
}

func (h *fakeHandler) ComputeHash(tx *chain.TxObject) (string, []byte, error) {
	t := tx.Data.(*fakeTx)
	return "hash-" + t.payload, []byte("hash-" + t.payload), nil
}

func (h *fakeHandler) ExtractSignatures(tx *chain.TxObject) ([]chain.RawSig, error) {
	t := tx.Data.(*fakeTx)
	return t.signatures, nil
}

func (h *fakeHandler) ClearSignatures(tx *chain.TxObject) (*chain.TxObject, error) {
	t := tx.Data.(*fakeTx)
	cp := *t
	cp.signatures = nil
	return &chain.TxObject{Kind: "fake", Data: &cp}, nil
}

func (h *fakeHandler) VerifySignature(signerKey string, sigBytes, message []byte) (bool, error) {
	return string(sigBytes) == signerKey+":"+string(message), nil
}

func (h *fakeHandler) AddSignature(tx *chain.TxObject, signerKey string, sigBytes []byte) (*chain.TxObject, error) {
	t := tx.Data.(*fakeTx)
	cp := *t
	cp.signatures = append(append([]chain.RawSig(nil), t.signatures...), chain.RawSig{Signature: sigBytes})
	return &chain.TxObject{Kind: "fake", Data: &cp}, nil
}

func (h *fakeHandler) SerializeTransaction(tx *chain.TxObject, encoding string) (string, error) {
	t := tx.Data.(*fakeTx)
	return t.payload, nil
}

func (h *fakeHandler) GetPotentialSigners(ctx context.Context, tx *chain.TxObject, network string) ([]string, error) {
	keys := make([]string, 0, len(h.signerWeights))
	for k := range h.signerWeights {
		keys = append(keys, k)
	}
	return keys, nil
}

// MatchSignatureToSigner treats sig.Hint as the plaintext claimed signer
// key (the fake chain has no real hint scheme) and verifies it is one
// of candidates, with its Signature expected to equal "<key>:<hash>".
func (h *fakeHandler) MatchSignatureToSigner(sig chain.RawSig, candidates []string, hash []byte) (chain.MatchedSignature, error) {
	claimed := string(sig.Hint)
	for _, c := range candidates {
		if c == claimed {
			return chain.MatchedSignature{SignerKey: c, Signature: sig.Signature, Matched: true}, nil
		}
	}
	return chain.MatchedSignature{}, nil
}

func (h *fakeHandler) IsValidPublicKey(key string) bool {
	_, ok := h.signerWeights[key]
	return ok
}

func (h *fakeHandler) ParseTransactionParams(tx *chain.TxObject, desiredSigners []string, minTime, maxTime int64, callbackURL string) (chain.TxInfoFragment, error) {
	return chain.TxInfoFragment{MinTime: minTime, MaxTime: maxTime, CallbackURL: callbackURL, DesiredSigners: desiredSigners}, nil
}

func (h *fakeHandler) CheckFeasibility(ctx context.Context, tx *chain.TxObject, signedKeys []string) (bool, error) {
	sum := 0
	for _, k := range signedKeys {
		sum += h.signerWeights[k]
	}
	return sum >= h.threshold, nil
}

func sigRequest(payload string) *normalizer.Normalized {
	return &normalizer.Normalized{
		Blockchain:  "fake",
		NetworkName: "test",
		Payload:     payload,
		Encoding:    "base64",
	}
}

// engineWithSigs lets each test control exactly which raw signatures
// ParseTransaction reports as already present on the submitted payload.
type engineWithSigs struct {
	*fakeHandler
	sigs []chain.RawSig
}

func (h *engineWithSigs) ParseTransaction(ctx context.Context, payload, encoding, network string) (*chain.TxObject, error) {
	return &chain.TxObject{Kind: "fake", Data: &fakeTx{payload: payload, signatures: h.sigs}}, nil
}

func newEngineWithSigs(t *testing.T, threshold int, weights map[string]int, sigs []chain.RawSig) (*Engine, *memory.Store) {
	t.Helper()
	reg := registry.New()
	chains := chain.NewRegistry(reg)
	h := &engineWithSigs{fakeHandler: &fakeHandler{signerWeights: weights, threshold: threshold}, sigs: sigs}
	require.NoError(t, chains.Register("fake", func(*registry.Registry) (chain.Handler, error) { return h, nil }))
	st := memory.New()
	return New(chains, st, nil), st
}

func sig(key, hash string) chain.RawSig {
	return chain.RawSig{Hint: []byte(key), Signature: []byte(key + ":" + hash)}
}

func TestEngine_Submit_CreatesNewPendingRecord(t *testing.T) {
	eng, _ := newEngineWithSigs(t, 2, map[string]int{"K1": 1, "K2": 1}, nil)

	out, err := eng.Submit(context.Background(), sigRequest("payload-1"))
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, store.StatusPending, out.Record.Status)
	assert.Empty(t, out.Record.Signatures)
}

func TestEngine_Submit_SingleSignerBelowThreshold(t *testing.T) {
	eng, _ := newEngineWithSigs(t, 2, map[string]int{"K1": 1, "K2": 1}, []chain.RawSig{
		sig("K1", "hash-payload-1"),
	})

	out, err := eng.Submit(context.Background(), sigRequest("payload-1"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, out.Record.Status)
	assert.Equal(t, []string{"K1"}, out.Changes.Accepted)
	assert.False(t, out.ReadyNow)
}

func TestEngine_Submit_MultiSigThresholdReached(t *testing.T) {
	reg := registry.New()
	chains := chain.NewRegistry(reg)
	h1 := &engineWithSigs{fakeHandler: &fakeHandler{signerWeights: map[string]int{"K1": 1, "K2": 1}, threshold: 2}, sigs: []chain.RawSig{sig("K1", "hash-payload-1")}}
	require.NoError(t, chains.Register("fake", func(*registry.Registry) (chain.Handler, error) { return h1, nil }))
	st := memory.New()
	eng := New(chains, st, nil)

	out, err := eng.Submit(context.Background(), sigRequest("payload-1"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, out.Record.Status, "weight 1 does not meet threshold 2")

	h1.sigs = []chain.RawSig{sig("K2", "hash-payload-1")}
	out, err = eng.Submit(context.Background(), sigRequest("payload-1"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, out.Record.Status)
	assert.True(t, out.ReadyNow)
	assert.ElementsMatch(t, []string{"K1", "K2"}, out.Record.SignerKeys())
}

func TestEngine_Submit_DuplicateSignatureIsNoOp(t *testing.T) {
	reg := registry.New()
	chains := chain.NewRegistry(reg)
	h1 := &engineWithSigs{fakeHandler: &fakeHandler{signerWeights: map[string]int{"K1": 1}, threshold: 1}, sigs: []chain.RawSig{sig("K1", "hash-payload-1")}}
	require.NoError(t, chains.Register("fake", func(*registry.Registry) (chain.Handler, error) { return h1, nil }))
	st := memory.New()
	eng := New(chains, st, nil)

	out1, err := eng.Submit(context.Background(), sigRequest("payload-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"K1"}, out1.Changes.Accepted)

	out2, err := eng.Submit(context.Background(), sigRequest("payload-1"))
	require.NoError(t, err)
	assert.Empty(t, out2.Changes.Accepted, "resubmitting the same signature reports no new accepted changes")
	assert.Equal(t, out1.Record.Signatures, out2.Record.Signatures)
}

func TestEngine_Submit_UnmatchedSignatureRejected(t *testing.T) {
	eng, _ := newEngineWithSigs(t, 1, map[string]int{"K1": 1}, []chain.RawSig{
		sig("nobody", "hash-payload-1"),
	})

	out, err := eng.Submit(context.Background(), sigRequest("payload-1"))
	require.NoError(t, err)
	assert.Empty(t, out.Changes.Accepted)
	require.Len(t, out.Changes.Rejected, 1)
	assert.NotEmpty(t, out.Changes.Rejected[0].MaskedHint)
}

func TestEngine_Submit_HashCollisionOnImmutableFieldDrift(t *testing.T) {
	reg := registry.New()
	chains := chain.NewRegistry(reg)
	h1 := &engineWithSigs{fakeHandler: &fakeHandler{signerWeights: map[string]int{"K1": 1}, threshold: 1}}
	require.NoError(t, chains.Register("fake", func(*registry.Registry) (chain.Handler, error) { return h1, nil }))
	st := memory.New()
	eng := New(chains, st, nil)

	_, err := eng.Submit(context.Background(), sigRequest("payload-1"))
	require.NoError(t, err)

	drifted := &normalizer.Normalized{Blockchain: "fake", NetworkName: "test", Payload: "payload-1", Encoding: "different-encoding"}
	_, err = eng.Submit(context.Background(), drifted)
	require.Error(t, err)

	var ce *chain.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, chain.KindHashCollision, ce.Kind)
}

func TestEngine_Submit_NotifiesOnReadyTransition(t *testing.T) {
	var notified []string
	notifier := notifierFunc(func(hash string) { notified = append(notified, hash) })

	reg := registry.New()
	chains := chain.NewRegistry(reg)
	h1 := &engineWithSigs{fakeHandler: &fakeHandler{signerWeights: map[string]int{"K1": 1}, threshold: 1}, sigs: []chain.RawSig{sig("K1", "hash-payload-1")}}
	require.NoError(t, chains.Register("fake", func(*registry.Registry) (chain.Handler, error) { return h1, nil }))
	st := memory.New()
	eng := New(chains, st, notifier)

	out, err := eng.Submit(context.Background(), sigRequest("payload-1"))
	require.NoError(t, err)
	assert.True(t, out.ReadyNow)
	assert.Equal(t, []string{"hash-payload-1"}, notified)
}

type notifierFunc func(hash string)

func (f notifierFunc) NotifyReady(hash string) { f(hash) }
