// Package registry holds the static, read-only catalog of blockchains and
// networks Refractor knows how to handle. It never mutates after process
// start and fails closed: unknown names produce a nil/false result, never
// a panic or an error that the caller must special-case.
package registry

import "strings"

// NetworkConfig describes one named network within a blockchain.
type NetworkConfig struct {
	Name       string // canonical network id, lowercase
	Passphrase string // Stellar network passphrase, empty for non-Stellar chains
	ChainID    int64  // EVM/1Money chain id, 0 where not applicable
	Endpoint   string // default RPC/Horizon endpoint, overridable by env
	IsTestnet  bool
}

// ChainConfig describes one blockchain entry in the registry.
type ChainConfig struct {
	Name               string
	DefaultEncoding    string
	SupportedEncodings []string
	KeyFormat          string // human-readable description of the key format
	Networks           map[string]NetworkConfig
}

// Registry is the process-wide, immutable-after-init blockchain catalog.
type Registry struct {
	chains map[string]ChainConfig
}

// New builds the registry with the chains Refractor supports out of the
// box. It is cheap and deterministic; callers normally call this once at
// startup and share the result.
func New() *Registry {
	r := &Registry{chains: make(map[string]ChainConfig)}

	r.add(ChainConfig{
		Name:               "stellar",
		DefaultEncoding:    "base64",
		SupportedEncodings: []string{"base64"},
		KeyFormat:          "ed25519 (StrKey, 56 chars, starts with G)",
		Networks: map[string]NetworkConfig{
			"public": {
				Name:       "public",
				Passphrase: "Public Global Stellar Network ; September 2015",
				Endpoint:   "https://horizon.stellar.org",
			},
			"testnet": {
				Name:       "testnet",
				Passphrase: "Test SDF Network ; September 2015",
				Endpoint:   "https://horizon-testnet.stellar.org",
				IsTestnet:  true,
			},
			"futurenet": {
				Name:       "futurenet",
				Passphrase: "Test SDF Future Network ; October 2022",
				Endpoint:   "https://horizon-futurenet.stellar.org",
				IsTestnet:  true,
			},
		},
	})

	r.add(ChainConfig{
		Name:               "ethereum",
		DefaultEncoding:    "hex",
		SupportedEncodings: []string{"hex"},
		KeyFormat:          "secp256k1 (0x-prefixed 20-byte address)",
		Networks: map[string]NetworkConfig{
			"mainnet": {
				Name:     "mainnet",
				ChainID:  1,
				Endpoint: "https://cloudflare-eth.com",
			},
			"sepolia": {
				Name:      "sepolia",
				ChainID:   11155111,
				Endpoint:  "https://rpc.sepolia.org",
				IsTestnet: true,
			},
			"goerli": {
				Name:      "goerli",
				ChainID:   5,
				Endpoint:  "https://rpc.goerli.mudit.blog",
				IsTestnet: true,
			},
		},
	})

	r.add(ChainConfig{
		Name:               "onemoney",
		DefaultEncoding:    "base64",
		SupportedEncodings: []string{"base64"},
		KeyFormat:          "ed25519 (StrKey, 56 chars, starts with G)",
		Networks: map[string]NetworkConfig{
			"mainnet": {
				Name:     "mainnet",
				ChainID:  1,
				Endpoint: "https://rpc.1money.network",
			},
			"testnet": {
				Name:      "testnet",
				ChainID:   1001,
				Endpoint:  "https://rpc-testnet.1money.network",
				IsTestnet: true,
			},
		},
	})

	return r
}

func (r *Registry) add(c ChainConfig) {
	r.chains[c.Name] = c
}

// IsValidBlockchain reports whether blockchain is a known, registered
// chain. Lookup is case-insensitive.
func (r *Registry) IsValidBlockchain(blockchain string) bool {
	_, ok := r.chains[strings.ToLower(blockchain)]
	return ok
}

// IsValidNetwork reports whether network is a known network of blockchain.
// Lookup is case-insensitive on both arguments.
func (r *Registry) IsValidNetwork(blockchain, network string) bool {
	chain, ok := r.chains[strings.ToLower(blockchain)]
	if !ok {
		return false
	}
	_, ok = chain.Networks[strings.ToLower(network)]
	return ok
}

// GetChainConfig returns the chain config for blockchain, or false if it
// is not registered.
func (r *Registry) GetChainConfig(blockchain string) (ChainConfig, bool) {
	c, ok := r.chains[strings.ToLower(blockchain)]
	return c, ok
}

// GetNetworkConfig returns the network config for blockchain/network, or
// false if either is unknown.
func (r *Registry) GetNetworkConfig(blockchain, network string) (NetworkConfig, bool) {
	chain, ok := r.chains[strings.ToLower(blockchain)]
	if !ok {
		return NetworkConfig{}, false
	}
	n, ok := chain.Networks[strings.ToLower(network)]
	return n, ok
}

// GetNetworkByChainID finds the (blockchain, network) pair whose ChainID
// matches id, restricted to blockchain (EVM-family and 1Money networks are
// routed by chain id in the CAIP eip155/onemoney namespaces).
func (r *Registry) GetNetworkByChainID(blockchain string, id int64) (NetworkConfig, bool) {
	chain, ok := r.chains[strings.ToLower(blockchain)]
	if !ok {
		return NetworkConfig{}, false
	}
	for _, n := range chain.Networks {
		if n.ChainID == id {
			return n, true
		}
	}
	return NetworkConfig{}, false
}

// SupportsEncoding reports whether blockchain accepts encoding as a valid
// payload encoding.
func (r *Registry) SupportsEncoding(blockchain, encoding string) bool {
	chain, ok := r.chains[strings.ToLower(blockchain)]
	if !ok {
		return false
	}
	encoding = strings.ToLower(encoding)
	for _, e := range chain.SupportedEncodings {
		if e == encoding {
			return true
		}
	}
	return false
}

// Blockchains returns the registered blockchain identifiers.
func (r *Registry) Blockchains() []string {
	out := make([]string, 0, len(r.chains))
	for name := range r.chains {
		out = append(out, name)
	}
	return out
}

// Testnets returns {blockchain, network} pairs flagged IsTestnet.
func (r *Registry) Testnets() []NetworkRef {
	return r.filterByTestnet(true)
}

// Prodnets returns {blockchain, network} pairs not flagged IsTestnet.
func (r *Registry) Prodnets() []NetworkRef {
	return r.filterByTestnet(false)
}

// NetworkRef identifies a network within a blockchain.
type NetworkRef struct {
	Blockchain string
	Network    string
}

func (r *Registry) filterByTestnet(testnet bool) []NetworkRef {
	var out []NetworkRef
	for chainName, chain := range r.chains {
		for netName, net := range chain.Networks {
			if net.IsTestnet == testnet {
				out = append(out, NetworkRef{Blockchain: chainName, Network: netName})
			}
		}
	}
	return out
}
