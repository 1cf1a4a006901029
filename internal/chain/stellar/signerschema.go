package stellar

import (
	"context"
	"fmt"

	"github.com/stellar/go/clients/horizonclient"
)

// Signer is one entry of an account's signer schema: a key and its
// weight toward the account's signing thresholds.
type Signer struct {
	Key    string
	Weight int32
}

// Schema is the signer-weight-and-threshold policy for one Stellar
// account.
type Schema struct {
	Signers          []Signer
	MedThreshold     int32
	masterKeyWeight  int32
	masterKeyAccount string
}

// Weight returns the configured weight for key (0 if key is not a
// signer on the account).
func (s Schema) Weight(key string) int32 {
	if key == s.masterKeyAccount {
		return s.masterKeyWeight
	}
	for _, signer := range s.Signers {
		if signer.Key == key {
			return signer.Weight
		}
	}
	return 0
}

// Keys returns every signer key in the schema, including the account's
// own master key if it retains signing weight.
func (s Schema) Keys() []string {
	out := make([]string, 0, len(s.Signers)+1)
	if s.masterKeyWeight > 0 {
		out = append(out, s.masterKeyAccount)
	}
	for _, signer := range s.Signers {
		out = append(out, signer.Key)
	}
	return out
}

// SchemaProvider retrieves an account's signer schema. Refractor does
// not maintain ledger state itself; signer policy always comes from an
// external chain-info source.
type SchemaProvider interface {
	GetSchema(ctx context.Context, network, account string) (Schema, error)
}

// HorizonSchemaProvider implements SchemaProvider against a Horizon
// instance via stellar/go's horizonclient.
type HorizonSchemaProvider struct {
	clients map[string]*horizonclient.Client // network -> client
}

// NewHorizonSchemaProvider builds a provider with one Horizon client per
// network endpoint.
func NewHorizonSchemaProvider(endpoints map[string]string) *HorizonSchemaProvider {
	clients := make(map[string]*horizonclient.Client, len(endpoints))
	for network, url := range endpoints {
		clients[network] = &horizonclient.Client{HorizonURL: url}
	}
	return &HorizonSchemaProvider{clients: clients}
}

// GetSchema fetches account's current signers and medium threshold from
// Horizon.
func (p *HorizonSchemaProvider) GetSchema(ctx context.Context, network, account string) (Schema, error) {
	client, ok := p.clients[network]
	if !ok {
		return Schema{}, fmt.Errorf("no horizon client configured for network %q", network)
	}

	acc, err := client.AccountDetail(horizonclient.AccountRequest{AccountID: account})
	if err != nil {
		return Schema{}, err
	}

	schema := Schema{
		MedThreshold:     int32(acc.Thresholds.MedThreshold),
		masterKeyAccount: account,
	}
	for _, s := range acc.Signers {
		if s.Key == account {
			schema.masterKeyWeight = int32(s.Weight)
			continue
		}
		schema.Signers = append(schema.Signers, Signer{Key: s.Key, Weight: int32(s.Weight)})
	}
	return schema, nil
}

// StaticSchemaProvider serves a fixed, in-memory schema set, used for
// tests and for chains/networks where a Horizon endpoint isn't
// configured.
type StaticSchemaProvider struct {
	byAccount map[string]Schema
}

// NewStaticSchemaProvider builds a provider from a pre-populated map.
func NewStaticSchemaProvider(byAccount map[string]Schema) *StaticSchemaProvider {
	return &StaticSchemaProvider{byAccount: byAccount}
}

// GetSchema returns the configured schema for account, defaulting to a
// single-signer weight-1/threshold-1 schema (the account signs for
// itself) when no override is configured.
func (p *StaticSchemaProvider) GetSchema(ctx context.Context, network, account string) (Schema, error) {
	if schema, ok := p.byAccount[account]; ok {
		return schema, nil
	}
	return Schema{MedThreshold: 1, masterKeyWeight: 1, masterKeyAccount: account}, nil
}
