// Package store defines the persistent transaction record and the
// Provider interface every backing store implements, covering the
// full lifecycle Refractor's signer engine and finalizer require.
package store

import (
	"encoding/json"
	"time"
)

// Status is a TransactionRecord's lifecycle stage. Transitions are
// monotonic: pending -> ready -> processing -> processed|failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a terminal status (processed or failed).
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// SignaturePair is one signer's contribution to a record, in the order
// it was accepted.
type SignaturePair struct {
	SignerKey      string `json:"signerKey"`
	SignatureBytes []byte `json:"signatureBytes"`
}

// LegacyStellar carries the dual-identity fields a legacy-form Stellar
// submission must round-trip on its way back out to the client.
type LegacyStellar struct {
	NetworkID int // 0=public, 1=testnet, 2=futurenet
	XDR       string
}

// TransactionRecord is Refractor's primary entity, keyed by Hash.
type TransactionRecord struct {
	Hash           string
	Blockchain     string
	NetworkName    string
	Payload        string
	Encoding       string
	TxURI          string
	Signatures     []SignaturePair
	DesiredSigners []string
	Submit         bool
	CallbackURL    string
	MinTime        int64
	MaxTime        int64
	Status         Status
	SubmittedAt    int64
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Legacy *LegacyStellar
}

// wireRecord is TransactionRecord's wire shape: camelCase fields,
// plus the legacy xdr/network fields echoed only for records created
// via the legacy Stellar bridge.
type wireRecord struct {
	Hash           string          `json:"hash"`
	Blockchain     string          `json:"blockchain"`
	NetworkName    string          `json:"networkName"`
	Payload        string          `json:"payload"`
	Encoding       string          `json:"encoding"`
	TxURI          string          `json:"txUri,omitempty"`
	Signatures     []SignaturePair `json:"signatures"`
	DesiredSigners []string        `json:"desiredSigners,omitempty"`
	Submit         bool            `json:"submit"`
	CallbackURL    string          `json:"callbackUrl,omitempty"`
	MinTime        int64           `json:"minTime,omitempty"`
	MaxTime        int64           `json:"maxTime,omitempty"`
	Status         Status          `json:"status"`
	SubmittedAt    int64           `json:"submittedAt,omitempty"`
	RetryCount     int             `json:"retryCount"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`

	// Network is a pointer so the legacy id 0 ("public") still
	// marshals; omitempty would otherwise drop it.
	XDR     string `json:"xdr,omitempty"`
	Network *int   `json:"network,omitempty"`
}

// MarshalJSON renders r in its wire shape, echoing xdr/network
// alongside payload/blockchain for records created via the legacy
// Stellar bridge.
func (r *TransactionRecord) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		Hash:           r.Hash,
		Blockchain:     r.Blockchain,
		NetworkName:    r.NetworkName,
		Payload:        r.Payload,
		Encoding:       r.Encoding,
		TxURI:          r.TxURI,
		Signatures:     r.Signatures,
		DesiredSigners: r.DesiredSigners,
		Submit:         r.Submit,
		CallbackURL:    r.CallbackURL,
		MinTime:        r.MinTime,
		MaxTime:        r.MaxTime,
		Status:         r.Status,
		SubmittedAt:    r.SubmittedAt,
		RetryCount:     r.RetryCount,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if w.Signatures == nil {
		w.Signatures = []SignaturePair{}
	}
	if r.Legacy != nil {
		w.XDR = r.Legacy.XDR
		networkID := r.Legacy.NetworkID
		w.Network = &networkID
	}
	return json.Marshal(w)
}

// HasSigner reports whether key already has a recorded signature.
func (r *TransactionRecord) HasSigner(key string) bool {
	for _, s := range r.Signatures {
		if s.SignerKey == key {
			return true
		}
	}
	return false
}

// SignerKeys returns the signer keys currently recorded, in insertion
// order.
func (r *TransactionRecord) SignerKeys() []string {
	out := make([]string, len(r.Signatures))
	for i, s := range r.Signatures {
		out[i] = s.SignerKey
	}
	return out
}

// Clone returns a deep copy of r, so callers (and store implementations
// guarding against external mutation) never share backing arrays.
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Signatures = append([]SignaturePair(nil), r.Signatures...)
	cp.DesiredSigners = append([]string(nil), r.DesiredSigners...)
	if r.Legacy != nil {
		legacy := *r.Legacy
		cp.Legacy = &legacy
	}
	return &cp
}

// ListFilter shapes a listTransactions query.
type ListFilter struct {
	Status    Status
	MinTimeLE int64 // minTime <= this value; 0 disables the filter
	HasMax    bool  // true: only records with maxTime > 0
	Now       int64
	Limit     int
}

// HealthStatus is the result of a store health check.
type HealthStatus struct {
	Connected bool
	LatencyMs int64
	Error     string
}
