// Package txuri parses and formats the two transaction-URI surface forms
// Refractor accepts: a simple "tx:" scheme and a CAIP-2-flavored
// "blockchain://" scheme, plus a legacy-Stellar raw-payload detector.
package txuri

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/blocktimefinancial/refractor/internal/registry"
)

// Components is the parsed form of a transaction URI.
type Components struct {
	Blockchain string
	Network    string // empty for legacy-detected input; caller must supply separately
	Encoding   string
	Payload    string
	Format     Format
	CAIP       *CAIPInfo // non-nil only when Format == FormatCAIP
}

// Format identifies which surface form a URI was parsed from.
type Format int

const (
	FormatSimple Format = iota
	FormatCAIP
	FormatLegacy
)

// CAIPInfo carries the CAIP-2 namespace/reference fields that don't fit
// the simple blockchain/network model directly.
type CAIPInfo struct {
	Namespace string // "eip155", "stellar", "solana", "bip122", "algorand", "aptos", "onemoney"
	Reference string // chain-id, genesis hash, or network name depending on namespace
}

var (
	encodingPatterns = map[string]*regexp.Regexp{
		"base64":  regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`),
		"hex":     regexp.MustCompile(`^(0x)?([0-9a-fA-F]{2})+$`),
		"base58":  regexp.MustCompile(`^[123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz]+$`),
		"base32":  regexp.MustCompile(`^[A-Z2-7]+=*$`),
		"msgpack": regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`), // msgpack payloads travel base64-wrapped
	}

	// caipNamespaceToBlockchain maps a CAIP namespace to a registry blockchain
	// identifier. eip155 is resolved via chain-id, not via this table.
	caipNamespaceToBlockchain = map[string]string{
		"stellar":  "stellar",
		"onemoney": "onemoney",
	}
)

// ErrInvalidURI is returned (wrapped with detail) for any malformed input.
type ErrInvalidURI struct {
	Reason string
}

func (e *ErrInvalidURI) Error() string { return "invalid transaction uri: " + e.Reason }

// ErrUnimplementedNamespace marks a CAIP namespace the codec
// recognizes but has no handler for; callers surface it as
// "unimplemented blockchain" rather than a validation failure.
type ErrUnimplementedNamespace struct {
	Namespace string
}

func (e *ErrUnimplementedNamespace) Error() string {
	return "caip namespace " + e.Namespace + " is recognized but not implemented"
}

func invalid(format string, args ...interface{}) error {
	return &ErrInvalidURI{Reason: fmt.Sprintf(format, args...)}
}

// Parse parses uri against reg, the blockchain registry, in this order:
// simple "tx:" prefix, CAIP "blockchain://" prefix, then the legacy
// Stellar raw-payload detector. Returns ErrInvalidURI on any validation
// failure.
func Parse(uri string, reg *registry.Registry) (*Components, error) {
	switch {
	case strings.HasPrefix(uri, "tx:"):
		return parseSimple(uri, reg)
	case strings.Contains(uri, "://") && strings.Contains(uri, "/tx/"):
		return parseCAIP(uri, reg)
	default:
		if c, ok := detectLegacy(uri); ok {
			return c, nil
		}
		return nil, invalid("unrecognized uri form")
	}
}

// parseSimple parses "tx:<blockchain>[:<network>];<encoding>,<payload>".
func parseSimple(uri string, reg *registry.Registry) (*Components, error) {
	rest := strings.TrimPrefix(uri, "tx:")

	semi := strings.Index(rest, ";")
	if semi < 0 {
		return nil, invalid("missing ';' separator")
	}
	head := rest[:semi]
	tail := rest[semi+1:]

	comma := strings.Index(tail, ",")
	if comma < 0 {
		return nil, invalid("missing ',' separator")
	}
	encoding := strings.ToLower(tail[:comma])
	payload := tail[comma+1:]

	var blockchain, network string
	if idx := strings.Index(head, ":"); idx >= 0 {
		blockchain = strings.ToLower(head[:idx])
		network = strings.ToLower(head[idx+1:])
	} else {
		blockchain = strings.ToLower(head)
	}

	if payload == "" {
		return nil, invalid("empty payload")
	}
	if blockchain == "" {
		return nil, invalid("missing blockchain")
	}
	if !reg.IsValidBlockchain(blockchain) {
		return nil, invalid("unknown blockchain %q", blockchain)
	}
	if network != "" && !reg.IsValidNetwork(blockchain, network) {
		return nil, invalid("unknown network %q for blockchain %q", network, blockchain)
	}
	if err := validateEncoding(encoding, payload); err != nil {
		return nil, err
	}

	return &Components{
		Blockchain: blockchain,
		Network:    network,
		Encoding:   encoding,
		Payload:    payload,
		Format:     FormatSimple,
	}, nil
}

// parseCAIP parses "blockchain://<namespace>:<chainId>/tx/<encoding>;<payload>".
func parseCAIP(uri string, reg *registry.Registry) (*Components, error) {
	const prefix = "blockchain://"
	if !strings.HasPrefix(uri, prefix) {
		return nil, invalid("missing blockchain:// prefix")
	}
	rest := strings.TrimPrefix(uri, prefix)

	slashTx := strings.Index(rest, "/tx/")
	if slashTx < 0 {
		return nil, invalid("missing /tx/ path segment")
	}
	nsRef := rest[:slashTx]
	tail := rest[slashTx+len("/tx/"):]

	colon := strings.Index(nsRef, ":")
	if colon < 0 {
		return nil, invalid("missing namespace:reference")
	}
	namespace := strings.ToLower(nsRef[:colon])
	reference := nsRef[colon+1:]

	semi := strings.Index(tail, ";")
	if semi < 0 {
		return nil, invalid("missing ';' separator")
	}
	encoding := strings.ToLower(tail[:semi])
	payload := tail[semi+1:]

	if payload == "" {
		return nil, invalid("empty payload")
	}
	if err := validateEncoding(encoding, payload); err != nil {
		return nil, err
	}

	var blockchain, network string
	switch namespace {
	case "eip155":
		blockchain = "ethereum"
		var chainID int64
		if _, err := fmt.Sscanf(reference, "%d", &chainID); err != nil {
			return nil, invalid("invalid eip155 chain id %q", reference)
		}
		net, ok := reg.GetNetworkByChainID(blockchain, chainID)
		if !ok {
			return nil, invalid("no ethereum network for chain id %d", chainID)
		}
		network = net.Name
	case "onemoney":
		blockchain = "onemoney"
		var chainID int64
		if _, err := fmt.Sscanf(reference, "%d", &chainID); err == nil {
			if net, ok := reg.GetNetworkByChainID(blockchain, chainID); ok {
				network = net.Name
			}
		}
		if network == "" {
			network = strings.ToLower(reference)
		}
	case "stellar":
		blockchain = "stellar"
		network = strings.ToLower(reference)
	case "solana", "bip122", "algorand", "aptos":
		return nil, &ErrUnimplementedNamespace{Namespace: namespace}
	default:
		return nil, invalid("unknown caip namespace %q", namespace)
	}

	if !reg.IsValidBlockchain(blockchain) {
		return nil, invalid("unknown blockchain %q", blockchain)
	}
	if network != "" && !reg.IsValidNetwork(blockchain, network) {
		return nil, invalid("unknown network %q for blockchain %q", network, blockchain)
	}

	return &Components{
		Blockchain: blockchain,
		Network:    network,
		Encoding:   encoding,
		Payload:    payload,
		Format:     FormatCAIP,
		CAIP:       &CAIPInfo{Namespace: namespace, Reference: reference},
	}, nil
}

// detectLegacy recognizes a raw Stellar-style base64 envelope: prefix
// "AAAA" and length >= 100. The caller must supply the network
// separately since legacy payloads carry no network tag.
func detectLegacy(payload string) (*Components, bool) {
	if len(payload) >= 100 && strings.HasPrefix(payload, "AAAA") {
		if encodingPatterns["base64"].MatchString(payload) {
			return &Components{
				Blockchain: "stellar",
				Encoding:   "base64",
				Payload:    payload,
				Format:     FormatLegacy,
			}, true
		}
	}
	return nil, false
}

// validateEncoding checks payload against the regex-level validator for
// encoding. base58 payloads are additionally round-tripped through a
// real decode, since the Bitcoin alphabet regex alone cannot catch
// multi-byte decode failures.
func validateEncoding(encoding, payload string) error {
	pattern, ok := encodingPatterns[encoding]
	if !ok {
		return invalid("unsupported encoding %q", encoding)
	}
	if !pattern.MatchString(payload) {
		return invalid("payload does not match %s encoding", encoding)
	}
	if encoding == "base58" {
		if _, err := base58.Decode(payload); err != nil {
			return invalid("payload does not decode as base58: %v", err)
		}
	}
	return nil
}

// FormatURI renders Components back into its exact original URI form.
// FormatURI(Parse(uri)) == uri is a required round-trip property for valid
// simple and CAIP inputs; legacy-detected Components have no canonical
// URI and FormatURI returns an error for them.
func FormatURI(c *Components) (string, error) {
	switch c.Format {
	case FormatSimple:
		if c.Network != "" {
			return fmt.Sprintf("tx:%s:%s;%s,%s", c.Blockchain, c.Network, c.Encoding, c.Payload), nil
		}
		return fmt.Sprintf("tx:%s;%s,%s", c.Blockchain, c.Encoding, c.Payload), nil
	case FormatCAIP:
		if c.CAIP == nil {
			return "", invalid("missing caip info for CAIP-format components")
		}
		return fmt.Sprintf("blockchain://%s:%s/tx/%s;%s", c.CAIP.Namespace, c.CAIP.Reference, c.Encoding, c.Payload), nil
	default:
		return "", invalid("legacy-detected components have no canonical uri")
	}
}

// ValidateEncodingPayload exposes the encoding validators for reuse by
// the normalizer and handler layers (e.g. validating a component-form
// request's encoding before constructing a Components value).
func ValidateEncodingPayload(encoding, payload string) error {
	return validateEncoding(strings.ToLower(encoding), payload)
}

// CaipNamespaceForBlockchain returns the CAIP namespace to render for a
// non-eip155 blockchain, used by a future "compose a CAIP uri from
// components" helper. eip155 is intentionally absent — it is chain-id
// routed and resolved by FormatURI's caller supplying c.CAIP directly.
func CaipNamespaceForBlockchain(blockchain string) (string, bool) {
	for ns, bc := range caipNamespaceToBlockchain {
		if bc == blockchain {
			return ns, true
		}
	}
	return "", false
}
