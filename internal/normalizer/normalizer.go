// Package normalizer accepts the three request shapes
// (legacy Stellar, URI, components) and produces one internal request
// record, detecting shape ambiguity and synthesizing the legacy
// sub-record Stellar round-tripping needs.
package normalizer

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/registry"
	"github.com/blocktimefinancial/refractor/internal/txuri"
)

// Request is the raw, wire-shaped input before normalization. Exactly
// one of the three shapes should be populated; callers building it from
// JSON leave the other fields at their zero value.
type Request struct {
	// Legacy Stellar shape.
	XDR     string
	Network interface{} // int (0/1/2) or string ("public"/"testnet"/"futurenet")

	// URI shape.
	TxURI string

	// Components shape.
	Blockchain  string
	NetworkName string
	Payload     string
	Encoding    string

	// Common, shape-independent fields.
	CallbackURL    string
	Submit         bool
	DesiredSigners []string
	MinTime        int64
	MaxTime        int64
}

// Normalized is the single internal shape every downstream component
// consumes, regardless of which wire shape the client used.
type Normalized struct {
	Blockchain     string
	NetworkName    string
	Payload        string
	Encoding       string
	TxURI          string
	CallbackURL    string
	Submit         bool
	DesiredSigners []string
	MinTime        int64
	MaxTime        int64
	Legacy         *LegacyInfo
}

// LegacyInfo retains the legacy numeric network id so a response can be
// rendered back in the original legacy shape.
type LegacyInfo struct {
	NetworkID int
	XDR       string
}

var legacyNetworkNames = map[int]string{0: "public", 1: "testnet", 2: "futurenet"}
var legacyNetworkIDs = map[string]int{"public": 0, "testnet": 1, "futurenet": 2}

// maxUnixTime is the largest time bound accepted on the wire
// (2038-01-19, the 32-bit unix epoch rollover).
const maxUnixTime = 2147483647

// validateCommon checks the shape-independent request fields: time
// bounds within the accepted range, maxTime not already elapsed, and a
// well-formed http(s) callback URL.
func validateCommon(req Request) error {
	if req.MinTime < 0 || req.MaxTime < 0 {
		return chain.NewError(chain.KindValidation, "time bounds must not be negative", nil)
	}
	if req.MinTime > maxUnixTime || req.MaxTime > maxUnixTime {
		return chain.NewError(chain.KindValidation, "time bound exceeds the maximum unix timestamp", nil)
	}
	if req.MaxTime > 0 && req.MaxTime <= time.Now().Unix() {
		return chain.NewError(chain.KindValidation, "maxTime is already in the past", nil)
	}
	if req.CallbackURL != "" {
		u, err := url.ParseRequestURI(req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return chain.NewError(chain.KindValidation, "invalid callback url", nil)
		}
	}
	return nil
}

// Normalize detects req's shape (URI, then components, then legacy, in
// that precedence) and produces a Normalized record. reg is used to
// validate blockchain/network names and encodings.
func Normalize(req Request, reg *registry.Registry) (*Normalized, error) {
	shapes := 0
	if req.TxURI != "" {
		shapes++
	}
	if req.Blockchain != "" || req.Payload != "" {
		shapes++
	}
	if req.XDR != "" {
		shapes++
	}
	if shapes > 1 {
		return nil, chain.NewError(chain.KindValidation, "ambiguous request: more than one of uri/components/legacy shape present", nil)
	}
	if err := validateCommon(req); err != nil {
		return nil, err
	}

	switch {
	case req.TxURI != "":
		return normalizeURI(req, reg)
	case req.Blockchain != "" || req.Payload != "":
		return normalizeComponents(req, reg)
	case req.XDR != "":
		return normalizeLegacy(req, reg)
	default:
		return nil, chain.NewError(chain.KindValidation, "request matches none of the supported shapes", nil)
	}
}

func normalizeURI(req Request, reg *registry.Registry) (*Normalized, error) {
	c, err := txuri.Parse(req.TxURI, reg)
	if err != nil {
		var unimplemented *txuri.ErrUnimplementedNamespace
		if errors.As(err, &unimplemented) {
			return nil, chain.NewError(chain.KindUnimplemented, err.Error(), err)
		}
		return nil, chain.NewError(chain.KindValidation, err.Error(), err)
	}

	n := &Normalized{
		Blockchain:     c.Blockchain,
		NetworkName:    c.Network,
		Payload:        c.Payload,
		Encoding:       c.Encoding,
		TxURI:          req.TxURI,
		CallbackURL:    req.CallbackURL,
		Submit:         req.Submit,
		DesiredSigners: req.DesiredSigners,
		MinTime:        req.MinTime,
		MaxTime:        req.MaxTime,
	}
	if c.Blockchain == "stellar" && c.Network != "" {
		if id, ok := legacyNetworkIDs[c.Network]; ok {
			n.Legacy = &LegacyInfo{NetworkID: id, XDR: c.Payload}
		}
	}
	return n, nil
}

func normalizeComponents(req Request, reg *registry.Registry) (*Normalized, error) {
	blockchain := strings.ToLower(req.Blockchain)
	network := strings.ToLower(req.NetworkName)
	encoding := strings.ToLower(req.Encoding)
	if encoding == "" {
		cfg, ok := reg.GetChainConfig(blockchain)
		if ok {
			encoding = cfg.DefaultEncoding
		}
	}

	if !reg.IsValidBlockchain(blockchain) {
		return nil, chain.NewError(chain.KindValidation, "unknown blockchain \""+blockchain+"\"", nil)
	}
	if network != "" && !reg.IsValidNetwork(blockchain, network) {
		return nil, chain.NewError(chain.KindValidation, "unknown network \""+network+"\" for blockchain \""+blockchain+"\"", nil)
	}
	if req.Payload == "" {
		return nil, chain.NewError(chain.KindValidation, "empty payload", nil)
	}
	if err := txuri.ValidateEncodingPayload(encoding, req.Payload); err != nil {
		return nil, chain.NewError(chain.KindValidation, err.Error(), err)
	}

	uri, _ := txuri.FormatURI(&txuri.Components{
		Blockchain: blockchain,
		Network:    network,
		Encoding:   encoding,
		Payload:    req.Payload,
		Format:     txuri.FormatSimple,
	})

	n := &Normalized{
		Blockchain:     blockchain,
		NetworkName:    network,
		Payload:        req.Payload,
		Encoding:       encoding,
		TxURI:          uri,
		CallbackURL:    req.CallbackURL,
		Submit:         req.Submit,
		DesiredSigners: req.DesiredSigners,
		MinTime:        req.MinTime,
		MaxTime:        req.MaxTime,
	}
	if blockchain == "stellar" && network != "" {
		if id, ok := legacyNetworkIDs[network]; ok {
			n.Legacy = &LegacyInfo{NetworkID: id, XDR: req.Payload}
		}
	}
	return n, nil
}

// normalizeLegacy handles the {xdr, network} shape, where network is
// either a legacy integer id (0/1/2) or its string form.
func normalizeLegacy(req Request, reg *registry.Registry) (*Normalized, error) {
	networkName, networkID, err := resolveLegacyNetwork(req.Network)
	if err != nil {
		return nil, err
	}
	if !reg.IsValidNetwork("stellar", networkName) {
		return nil, chain.NewError(chain.KindValidation, "unknown stellar network \""+networkName+"\"", nil)
	}
	if err := txuri.ValidateEncodingPayload("base64", req.XDR); err != nil {
		return nil, chain.NewError(chain.KindValidation, err.Error(), err)
	}

	uri, _ := txuri.FormatURI(&txuri.Components{
		Blockchain: "stellar",
		Network:    networkName,
		Encoding:   "base64",
		Payload:    req.XDR,
		Format:     txuri.FormatSimple,
	})

	return &Normalized{
		Blockchain:     "stellar",
		NetworkName:    networkName,
		Payload:        req.XDR,
		Encoding:       "base64",
		TxURI:          uri,
		CallbackURL:    req.CallbackURL,
		Submit:         req.Submit,
		DesiredSigners: req.DesiredSigners,
		MinTime:        req.MinTime,
		MaxTime:        req.MaxTime,
		Legacy:         &LegacyInfo{NetworkID: networkID, XDR: req.XDR},
	}, nil
}

func resolveLegacyNetwork(network interface{}) (name string, id int, err error) {
	switch v := network.(type) {
	case nil:
		return "public", 0, nil
	case int:
		name, ok := legacyNetworkNames[v]
		if !ok {
			return "", 0, chain.NewError(chain.KindValidation, "unknown legacy network id", nil)
		}
		return name, v, nil
	case float64:
		return resolveLegacyNetwork(int(v))
	case string:
		if id, ok := legacyNetworkIDs[strings.ToLower(v)]; ok {
			return strings.ToLower(v), id, nil
		}
		if n, convErr := strconv.Atoi(v); convErr == nil {
			return resolveLegacyNetwork(n)
		}
		return "", 0, chain.NewError(chain.KindValidation, "unknown legacy network \""+v+"\"", nil)
	default:
		return "", 0, chain.NewError(chain.KindValidation, "malformed legacy network field", nil)
	}
}

// ToLegacyFormat reproduces the original legacy request's xdr/network
// fields from a Normalized record carrying legacy info, satisfying the
// round-trip property tests exercise.
func ToLegacyFormat(n *Normalized) (xdr string, network int, ok bool) {
	if n.Legacy == nil {
		return "", 0, false
	}
	return n.Legacy.XDR, n.Legacy.NetworkID, true
}
