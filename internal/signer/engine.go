// Package signer orchestrates one submission end to end: parse, hash,
// lookup-or-create the stored record, merge new signatures, evaluate
// feasibility, and persist.
package signer

import (
	"context"
	"fmt"

	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/normalizer"
	"github.com/blocktimefinancial/refractor/internal/store"
)

// RejectedSignature records a signature the engine could not attribute
// to a known signer, with the hint masked for diagnostics.
type RejectedSignature struct {
	MaskedHint string `json:"maskedHint"`
	Reason     string `json:"reason"`
}

// Changes captures one submission's deltas, returned to the HTTP layer
// alongside the stored record.
type Changes struct {
	Accepted []string
	Rejected []RejectedSignature
}

// Outcome is the result of one Submit call.
type Outcome struct {
	Record  *store.TransactionRecord
	Created bool // true: this hash was first seen on this submission
	Changes Changes
	// ReadyNow is true if this submission is what flipped the record to
	// store.StatusReady; the finalizer's best-effort out-of-band tick
	// trigger keys off this.
	ReadyNow bool
}

// FinalizerNotifier receives a best-effort signal that a hash just
// became ready. The finalizer's periodic tick remains the correctness
// path; this trigger is not required for liveness.
type FinalizerNotifier interface {
	NotifyReady(hash string)
}

// noopNotifier discards notifications; used when no notifier is wired.
type noopNotifier struct{}

func (noopNotifier) NotifyReady(string) {}

// Engine orchestrates submissions against a chain registry and a
// backing store.
type Engine struct {
	chains   *chain.Registry
	store    store.Provider
	notifier FinalizerNotifier
}

// New builds an Engine. notifier may be nil, in which case finalizer
// notifications are silently dropped (the periodic tick still finds
// the record).
func New(chains *chain.Registry, provider store.Provider, notifier FinalizerNotifier) *Engine {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Engine{chains: chains, store: provider, notifier: notifier}
}

// Submit runs the full signer-engine algorithm for one normalized
// request.
func (e *Engine) Submit(ctx context.Context, req *normalizer.Normalized) (*Outcome, error) {
	handler, err := e.chains.Get(req.Blockchain)
	if err != nil {
		return nil, err
	}

	// Step 1: parse + hash.
	txObj, err := handler.ParseTransaction(ctx, req.Payload, req.Encoding, req.NetworkName)
	if err != nil {
		return nil, err
	}
	hexHash, rawHash, err := handler.ComputeHash(txObj)
	if err != nil {
		return nil, err
	}

	// Step 2: extract signatures from the submitted payload, then
	// clear them from the stored form — storage always holds the
	// unsigned payload plus a separate signatures array.
	extracted, err := handler.ExtractSignatures(txObj)
	if err != nil {
		return nil, err
	}
	unsignedObj, err := handler.ClearSignatures(txObj)
	if err != nil {
		return nil, err
	}
	unsignedPayload, err := handler.SerializeTransaction(unsignedObj, req.Encoding)
	if err != nil {
		return nil, err
	}

	// Step 3: lookup-or-create.
	existing, err := e.store.FindTransaction(ctx, hexHash)
	if err != nil {
		return nil, chain.NewError(chain.KindTransientBackend, "failed to look up transaction", err)
	}

	created := existing == nil
	var record *store.TransactionRecord
	if created {
		// Transaction-level time bounds and the filtered desired-signer
		// list come from the handler; request fields override bounds.
		params, err := handler.ParseTransactionParams(txObj, req.DesiredSigners, req.MinTime, req.MaxTime, req.CallbackURL)
		if err != nil {
			return nil, err
		}
		record = &store.TransactionRecord{
			Hash:           hexHash,
			Blockchain:     req.Blockchain,
			NetworkName:    req.NetworkName,
			Payload:        unsignedPayload,
			Encoding:       req.Encoding,
			TxURI:          req.TxURI,
			DesiredSigners: params.DesiredSigners,
			Submit:         req.Submit,
			CallbackURL:    params.CallbackURL,
			MinTime:        params.MinTime,
			MaxTime:        params.MaxTime,
			Status:         store.StatusPending,
			Legacy:         toStoreLegacy(req.Legacy),
		}
	} else {
		if existing.Blockchain != req.Blockchain || existing.NetworkName != req.NetworkName ||
			existing.Payload != unsignedPayload || existing.Encoding != req.Encoding {
			return nil, chain.NewError(chain.KindHashCollision, fmt.Sprintf("hash %s resolves to inconsistent immutable fields", hexHash), nil)
		}
		record = existing
	}

	// Step 4: potential signers, computed once per load.
	potential, err := handler.GetPotentialSigners(ctx, txObj, req.NetworkName)
	if err != nil {
		return nil, err
	}

	// Step 5: match each newly extracted signature.
	var changes Changes
	for _, sig := range extracted {
		matched, matchErr := handler.MatchSignatureToSigner(sig, potential, rawHash)
		if matchErr != nil || !matched.Matched {
			changes.Rejected = append(changes.Rejected, RejectedSignature{
				MaskedHint: maskHint(sig.Hint),
				Reason:     rejectReason(matchErr),
			})
			continue
		}
		if record.HasSigner(matched.SignerKey) {
			continue // already recorded; silently de-duplicated
		}
		ok, verifyErr := handler.VerifySignature(matched.SignerKey, matched.Signature, rawHash)
		if verifyErr != nil || !ok {
			changes.Rejected = append(changes.Rejected, RejectedSignature{
				MaskedHint: maskHint(sig.Hint),
				Reason:     "signature failed verification",
			})
			continue
		}
		record.Signatures = append(record.Signatures, store.SignaturePair{
			SignerKey:      matched.SignerKey,
			SignatureBytes: matched.Signature,
		})
		changes.Accepted = append(changes.Accepted, matched.SignerKey)
	}

	// Step 7: feasibility.
	wasReady := record.Status != store.StatusPending
	if record.Status == store.StatusPending {
		feasible, err := handler.CheckFeasibility(ctx, txObj, record.SignerKeys())
		if err != nil {
			return nil, err
		}
		if feasible {
			record.Status = store.StatusReady
		}
	}
	readyNow := !wasReady && record.Status == store.StatusReady

	// Step 8: persist.
	saved, err := e.store.SaveTransaction(ctx, record)
	if err != nil {
		return nil, chain.NewError(chain.KindTransientBackend, "failed to persist transaction", err)
	}

	if readyNow {
		e.notifier.NotifyReady(hexHash)
	}

	return &Outcome{Record: saved, Created: created, Changes: changes, ReadyNow: readyNow}, nil
}

func toStoreLegacy(l *normalizer.LegacyInfo) *store.LegacyStellar {
	if l == nil {
		return nil
	}
	return &store.LegacyStellar{NetworkID: l.NetworkID, XDR: l.XDR}
}

func maskHint(hint []byte) string {
	if len(hint) == 0 {
		return "****"
	}
	return fmt.Sprintf("%x**", hint[:1])
}

func rejectReason(err error) string {
	if err == nil {
		return "signature hint matched no candidate signer"
	}
	return err.Error()
}
