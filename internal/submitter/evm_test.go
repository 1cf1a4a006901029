package submitter

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/blocktimefinancial/refractor/internal/chain"
	"github.com/blocktimefinancial/refractor/internal/chain/evm"
	"github.com/blocktimefinancial/refractor/internal/registry"
	"github.com/blocktimefinancial/refractor/internal/store"
)

func newEVMRegistry(t *testing.T) (*chain.Registry, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	chains := chain.NewRegistry(reg)
	require.NoError(t, chains.Register("ethereum", evm.Factory()))
	return chains, reg
}

func signedRecordPayload(t *testing.T) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	tx := types.NewTransaction(0, to, big.NewInt(1e18), 21000, big.NewInt(20e9), nil)
	signer := types.NewEIP155Signer(big.NewInt(1))
	signedTx, err := types.SignTx(tx, signer, key)
	require.NoError(t, err)
	raw, err := signedTx.MarshalBinary()
	require.NoError(t, err)
	return "0x" + common.Bytes2Hex(raw), crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestEVMSubmitter_Submit_BroadcastsSignedPayload(t *testing.T) {
	chains, _ := newEVMRegistry(t)
	payload, _ := signedRecordPayload(t)

	var gotMethod string
	var gotParam string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotMethod = req.Method
		params, ok := req.Params.([]interface{})
		require.True(t, ok)
		gotParam, _ = params[0].(string)

		resp := rpcResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`"0xtxhash"`)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	sub := NewEVMSubmitter(chains, map[string]string{"mainnet": srv.URL})
	record := &store.TransactionRecord{
		Hash: "h1", Blockchain: "ethereum", NetworkName: "mainnet",
		Payload: payload, Encoding: "hex", Status: store.StatusReady,
	}

	err := sub.Submit(context.Background(), record)
	require.NoError(t, err)
	require.Equal(t, "eth_sendRawTransaction", gotMethod)
	require.Equal(t, payload, gotParam)
}

func TestEVMSubmitter_Submit_MissingEndpointIsPermanentError(t *testing.T) {
	chains, _ := newEVMRegistry(t)
	payload, _ := signedRecordPayload(t)

	sub := NewEVMSubmitter(chains, map[string]string{})
	record := &store.TransactionRecord{
		Blockchain: "ethereum", NetworkName: "mainnet", Payload: payload, Encoding: "hex",
	}

	err := sub.Submit(context.Background(), record)
	require.Error(t, err)
}

func TestEVMSubmitter_Submit_UnregisteredChainErrors(t *testing.T) {
	reg := registry.New()
	chains := chain.NewRegistry(reg)
	sub := NewEVMSubmitter(chains, map[string]string{"mainnet": "http://unused"})

	record := &store.TransactionRecord{Blockchain: "ethereum", NetworkName: "mainnet", Payload: "0xdead", Encoding: "hex"}
	err := sub.Submit(context.Background(), record)
	require.Error(t, err)
}
