package api

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/julienschmidt/httprouter"

	"github.com/blocktimefinancial/refractor/internal/normalizer"
	"github.com/blocktimefinancial/refractor/internal/signer"
)

// submitBody accepts any of the three request shapes the normalizer
// understands; exactly one should be populated by the caller.
type submitBody struct {
	XDR     string      `json:"xdr"`
	Network interface{} `json:"network"`

	TxURI string `json:"txUri"`

	Blockchain  string `json:"blockchain"`
	NetworkName string `json:"networkName"`
	Payload     string `json:"payload"`
	Encoding    string `json:"encoding"`

	CallbackURL    string   `json:"callbackUrl"`
	Submit         bool     `json:"submit"`
	DesiredSigners []string `json:"desiredSigners"`
	MinTime        int64    `json:"minTime"`
	MaxTime        int64    `json:"maxTime"`
}

// handleSubmit implements POST /tx.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body: "+err.Error())
		return
	}

	req := normalizer.Request{
		XDR:            body.XDR,
		Network:        body.Network,
		TxURI:          body.TxURI,
		Blockchain:     body.Blockchain,
		NetworkName:    body.NetworkName,
		Payload:        body.Payload,
		Encoding:       body.Encoding,
		CallbackURL:    body.CallbackURL,
		Submit:         body.Submit,
		DesiredSigners: body.DesiredSigners,
		MinTime:        body.MinTime,
		MaxTime:        body.MaxTime,
	}

	normalized, err := normalizer.Normalize(req, s.registry)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	outcome, err := s.engine.Submit(r.Context(), normalized)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	resp, err := submitResponse(outcome)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render response: "+err.Error())
		return
	}

	status := http.StatusOK
	if outcome.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// handleGet implements GET /tx/:hash.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	hash := ps.ByName("hash")
	if !hexPattern.MatchString(hash) {
		writeError(w, http.StatusBadRequest, "hash must be a 64-character lowercase hex string")
		return
	}

	record, err := s.store.FindTransaction(r.Context(), hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "no transaction with that hash")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

var hexPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

type submitChanges struct {
	Accepted []string                   `json:"accepted"`
	Rejected []signer.RejectedSignature `json:"rejected"`
}

// submitResponse renders outcome as the stored record's own wire JSON
// with a "changes" key merged in, so the response is the record plus
// this submission's accepted/rejected deltas, not the record nested
// under a field.
func submitResponse(outcome *signer.Outcome) (json.RawMessage, error) {
	recordJSON, err := json.Marshal(outcome.Record)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(recordJSON, &fields); err != nil {
		return nil, err
	}

	accepted := outcome.Changes.Accepted
	if accepted == nil {
		accepted = []string{}
	}
	rejected := outcome.Changes.Rejected
	if rejected == nil {
		rejected = []signer.RejectedSignature{}
	}
	changesJSON, err := json.Marshal(submitChanges{Accepted: accepted, Rejected: rejected})
	if err != nil {
		return nil, err
	}
	fields["changes"] = changesJSON

	return json.Marshal(fields)
}
