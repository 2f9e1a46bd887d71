package provider

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/walletlink-client/internal/jsonrpc"
	"github.com/quantumauth-io/walletlink-client/internal/relay/connection"
	"github.com/quantumauth-io/walletlink-client/internal/relay/web3"
	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
)

func request(t *testing.T, p *Provider, method string, params any) (any, error) {
	t.Helper()
	return p.Send(testContext(t), method, params)
}

func TestSigningRequiresAuthorizationBeforeIO(t *testing.T) {
	h := newHarness(t)

	_, err := request(t, h.provider, "personal_sign", []string{"0x68656c6c6f", alice})
	require.Error(t, err)
	assert.Equal(t, rpcerr.CodeUnauthorized, rpcerr.CodeOf(err))

	_, err = request(t, h.provider, "eth_sendTransaction", []map[string]string{{"to": bob}})
	assert.Equal(t, rpcerr.CodeUnauthorized, rpcerr.CodeOf(err))

	assert.Empty(t, h.wallet.sent())
}

func TestUnknownAddressRejectedBeforeIO(t *testing.T) {
	h := newHarness(t, alice)

	_, err := request(t, h.provider, "eth_sign", []string{bob, "0x68656c6c6f"})
	require.Error(t, err)
	assert.Equal(t, "Unknown Ethereum address", err.Error())

	_, err = request(t, h.provider, "eth_signTransaction", []map[string]string{{"from": bob, "to": alice}})
	require.Error(t, err)
	assert.Equal(t, "Unknown Ethereum address", err.Error())

	assert.Empty(t, h.wallet.sent())
}

func TestPersonalSignSendsPrefixedMessage(t *testing.T) {
	h := newHarness(t, alice)
	h.wallet.respond = func(req web3.Request) (web3.Response, bool) {
		return success(req.Method, "0xsignature"), true
	}

	got, err := request(t, h.provider, "personal_sign", []string{"0x68656c6c6f", "0x00000000000000000000000000000000000A11CE"})
	require.NoError(t, err)
	assert.JSONEq(t, `"0xsignature"`, string(got.(json.RawMessage)))

	sent := h.wallet.sent()
	require.Len(t, sent, 1)
	params, ok := sent[0].Request.Params.(web3.SignEthereumMessageParams)
	require.True(t, ok)
	assert.Equal(t, "0x68656c6c6f", params.Message)
	assert.Equal(t, alice, params.Address)
	assert.True(t, params.AddPrefix)
}

func TestRequestAccountsStoresAddressesAndSwitchesChain(t *testing.T) {
	h := newHarness(t)
	accountsChanged := h.record(EventAccountsChanged)
	chainChanged := h.record(EventChainChanged)
	h.wallet.respond = func(req web3.Request) (web3.Response, bool) {
		switch req.Method {
		case web3.RequestEthereumAccounts:
			return success(req.Method, []string{"0x00000000000000000000000000000000000A11CE"}), true
		case web3.SwitchEthereumChain:
			return success(req.Method, web3.SwitchResult{IsApproved: true, RPCURL: "https://rpc.example/1"}), true
		}
		return web3.Response{}, false
	}

	got, err := request(t, h.provider, "eth_requestAccounts", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{alice}, got)
	assert.Equal(t, alice, h.provider.SelectedAddress())

	stored, ok := h.store.Get("Addresses")
	require.True(t, ok)
	assert.Equal(t, alice, stored)

	assert.Equal(t, []any{[]string{alice}}, accountsChanged.all())
	assert.Equal(t, []any{"0x1"}, chainChanged.all())
	assert.Equal(t, []string{"https://rpc.example/1"}, h.chain.switched())

	// Already authorized: answered locally.
	got, err = request(t, h.provider, "eth_requestAccounts", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{alice}, got)
	assert.Len(t, h.wallet.sent(), 2)
}

func TestRequestAccountsDenied(t *testing.T) {
	h := newHarness(t)
	h.wallet.respond = func(req web3.Request) (web3.Response, bool) {
		return web3.Failure(req.Method, "User rejected the request", nil), true
	}

	_, err := request(t, h.provider, "eth_requestAccounts", nil)
	require.Error(t, err)
	assert.Equal(t, rpcerr.CodeUserRejectedRequest, rpcerr.CodeOf(err))
	assert.Equal(t, msgAccountsDenied, rpcerr.From(err).Message)
	assert.Empty(t, h.provider.Accounts())
}

func TestCanceledSignatureIsUserRejection(t *testing.T) {
	h := newHarness(t, alice)

	done := make(chan error, 1)
	go func() {
		_, err := h.provider.Send(context.Background(), "eth_sign", []string{alice, "0x01"})
		done <- err
	}()

	var sent []web3.EventData
	require.Eventually(t, func() bool {
		sent = h.wallet.sent()
		return len(sent) == 1 && len(h.ui.cancels()) == 1
	}, time.Second, 5*time.Millisecond)

	h.ui.cancels()[0](nil)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, rpcerr.CodeUserRejectedRequest, rpcerr.CodeOf(err))
		assert.Equal(t, msgSignatureDenied, rpcerr.From(err).Message)
	case <-time.After(time.Second):
		t.Fatal("request was not resolved by cancel")
	}

	// A response arriving after the cancel is dropped.
	assert.NotPanics(t, func() {
		h.wallet.push(sent[0].ID, success(web3.SignEthereumMessage, "0xlate"))
	})
	require.Eventually(t, func() bool {
		h.wallet.mu.Lock()
		defer h.wallet.mu.Unlock()
		return len(h.wallet.canceled) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestChainChangedOnFirstUpdateAndOnChangeOnly(t *testing.T) {
	h := newHarness(t)
	chainChanged := h.record(EventChainChanged)
	ctx := testContext(t)

	h.provider.SetProviderInfo(ctx, "https://rpc.example/1", 1)
	h.provider.SetProviderInfo(ctx, "https://rpc.example/1", 1)
	h.provider.SetProviderInfo(ctx, "https://rpc.example/137", 137)

	assert.Equal(t, []any{"0x1", "0x89"}, chainChanged.all())
	assert.Equal(t, int64(137), h.provider.ChainID())

	stored, ok := h.store.Get("DefaultChainId")
	require.True(t, ok)
	assert.Equal(t, "137", stored)
	stored, _ = h.store.Get("DefaultJsonRpcUrl")
	assert.Equal(t, "https://rpc.example/137", stored)
}

func TestWalletChainUpdateSwitchesEndpoint(t *testing.T) {
	h := newHarness(t)
	chainChanged := h.record(EventChainChanged)

	h.wallet.pushChain(connection.ChainUpdate{ChainID: "10", JSONRPCURL: "https://rpc.example/10"})

	assert.Equal(t, []any{"0xa"}, chainChanged.all())
	assert.Equal(t, []string{"https://rpc.example/10"}, h.chain.switched())

	got, err := request(t, h.provider, "net_version", nil)
	require.NoError(t, err)
	assert.Equal(t, "10", got)
}

func TestStartEmitsConnectAndCachedAccounts(t *testing.T) {
	h := newHarness(t, alice)
	connects := h.record(EventConnect)
	accounts := h.record(EventAccountsChanged)

	require.NoError(t, h.provider.Start(testContext(t)))

	assert.Equal(t, []any{map[string]string{"chainId": "0x1"}}, connects.all())
	assert.Equal(t, []any{[]string{alice}}, accounts.all())
	assert.Equal(t, []string{"https://rpc.example/1"}, h.chain.switched())
}

func TestSyncMethods(t *testing.T) {
	h := newHarness(t, alice, bob)

	resp, err := h.provider.SendSync(jsonrpc.Request{ID: json.RawMessage("7"), Method: "eth_accounts"})
	require.NoError(t, err)
	assert.Equal(t, []string{alice, bob}, resp.Result)
	assert.Equal(t, json.RawMessage("7"), resp.ID)

	resp, err = h.provider.SendSync(jsonrpc.Request{Method: "eth_coinbase"})
	require.NoError(t, err)
	assert.Equal(t, alice, resp.Result)

	resp, err = h.provider.SendSync(jsonrpc.Request{Method: "eth_chainId"})
	require.NoError(t, err)
	assert.Equal(t, "0x1", resp.Result)

	_, err = h.provider.SendSync(jsonrpc.Request{Method: "eth_blockNumber"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eth_blockNumber")
}

func TestFilterMethodsUseThePolyfill(t *testing.T) {
	h := newHarness(t)

	id, err := request(t, h.provider, "eth_newBlockFilter", nil)
	require.NoError(t, err)
	assert.Equal(t, "0x1", id)

	h.chain.mu.Lock()
	h.chain.height = 0x12
	h.chain.mu.Unlock()

	changes, err := request(t, h.provider, "eth_getFilterChanges", []any{id})
	require.NoError(t, err)
	assert.NotEmpty(t, changes)

	resp, err := h.provider.SendSync(jsonrpc.Request{Method: "eth_uninstallFilter", Params: json.RawMessage(`["0x1"]`)})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Result)

	_, err = request(t, h.provider, "eth_getFilterChanges", []any{id})
	require.Error(t, err)
	assert.Equal(t, rpcerr.CodeInvalidInput, rpcerr.CodeOf(err))

	assert.Empty(t, h.chain.calls())
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	h := newHarness(t)

	id, err := request(t, h.provider, "eth_subscribe", []string{"newHeads"})
	require.NoError(t, err)
	assert.Regexp(t, `^0x[0-9a-f]{32}$`, id)

	ok, err := request(t, h.provider, "eth_unsubscribe", []any{id})
	require.NoError(t, err)
	assert.Equal(t, true, ok)

	_, err = request(t, h.provider, "eth_subscribe", []string{"syncing"})
	assert.Equal(t, rpcerr.CodeInvalidParams, rpcerr.CodeOf(err))
}

func TestUnknownMethodsPassThroughToChain(t *testing.T) {
	h := newHarness(t)

	got, err := h.provider.Request(testContext(t), RequestArguments{
		Method: "eth_getBalance",
		Params: json.RawMessage(`["` + alice + `","latest"]`),
	})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"0x1"`), got)

	calls := h.chain.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "eth_getBalance", calls[0].method)
	assert.JSONEq(t, `["`+alice+`","latest"]`, calls[0].params)
	assert.Empty(t, h.wallet.sent())
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	_, err := h.provider.Request(ctx, RequestArguments{})
	assert.Equal(t, rpcerr.CodeInvalidRequest, rpcerr.CodeOf(err))

	_, err = h.provider.Request(ctx, RequestArguments{Method: "eth_chainId", Params: json.RawMessage(`5`)})
	assert.Equal(t, rpcerr.CodeInvalidRequest, rpcerr.CodeOf(err))

	_, err = h.provider.Request(ctx, RequestArguments{Method: "eth_signTypedData_v2", Params: json.RawMessage(`[]`)})
	assert.Equal(t, rpcerr.CodeUnsupportedMethod, rpcerr.CodeOf(err))
}

func TestSendBatchKeepsOrder(t *testing.T) {
	h := newHarness(t, alice)

	out := h.provider.SendBatch(testContext(t), []jsonrpc.Request{
		{ID: json.RawMessage("1"), Method: "eth_chainId"},
		{ID: json.RawMessage("2"), Method: ""},
		{ID: json.RawMessage("3"), Method: "eth_accounts"},
	})
	require.Len(t, out, 3)
	assert.Equal(t, "0x1", out[0].Result)
	require.NotNil(t, out[1].Error)
	assert.Equal(t, rpcerr.CodeInvalidRequest, out[1].Error.Code)
	assert.Equal(t, json.RawMessage("3"), out[2].ID)
	assert.Equal(t, []string{alice}, out[2].Result)
}

func TestSendTransactionNormalizesParams(t *testing.T) {
	h := newHarness(t, alice)
	h.wallet.respond = func(req web3.Request) (web3.Response, bool) {
		return success(req.Method, "0xhash"), true
	}

	_, err := request(t, h.provider, "eth_sendTransaction", []map[string]any{{
		"to":    bob,
		"value": "0x10",
		"gas":   21000,
		"nonce": "0x2",
		"data":  "0xdeadbeef",
	}})
	require.NoError(t, err)

	sent := h.wallet.sent()
	require.Len(t, sent, 1)
	params, ok := sent[0].Request.Params.(web3.SignEthereumTransactionParams)
	require.True(t, ok)
	assert.Equal(t, alice, params.FromAddress)
	require.NotNil(t, params.ToAddress)
	assert.Equal(t, bob, *params.ToAddress)
	assert.Equal(t, "16", params.WeiValue)
	require.NotNil(t, params.GasLimit)
	assert.Equal(t, "21000", *params.GasLimit)
	require.NotNil(t, params.Nonce)
	assert.Equal(t, int64(2), *params.Nonce)
	assert.Equal(t, "0xdeadbeef", params.Data)
	assert.Equal(t, int64(1), params.ChainID)
	assert.True(t, params.ShouldSubmit)
}

func TestSendRawTransactionRejectsGarbage(t *testing.T) {
	h := newHarness(t)

	_, err := request(t, h.provider, "eth_sendRawTransaction", []string{"0x1234"})
	assert.Equal(t, rpcerr.CodeInvalidParams, rpcerr.CodeOf(err))
	assert.Empty(t, h.wallet.sent())
}

func TestWalletMethodValidation(t *testing.T) {
	h := newHarness(t, alice)

	_, err := request(t, h.provider, "wallet_watchAsset", map[string]any{"type": "ERC721", "options": map[string]any{"address": bob}})
	assert.Equal(t, rpcerr.CodeInvalidParams, rpcerr.CodeOf(err))

	_, err = request(t, h.provider, "wallet_addEthereumChain", []map[string]any{{"chainId": "0x89", "rpcUrls": []string{}}})
	assert.Equal(t, codeAddEthereumChain, rpcerr.CodeOf(err))

	_, err = request(t, h.provider, "wallet_addEthereumChain", []map[string]any{{"chainId": "0x89", "rpcUrls": []string{"https://rpc"}}})
	assert.Equal(t, rpcerr.CodeInvalidParams, rpcerr.CodeOf(err))

	assert.Empty(t, h.wallet.sent())
}

func TestSwitchChainUnsupported(t *testing.T) {
	h := newHarness(t, alice)
	h.wallet.respond = func(req web3.Request) (web3.Response, bool) {
		return web3.Failure(req.Method, "unknown chain", web3.Code(rpcerr.CodeUnsupportedChain)), true
	}

	_, err := request(t, h.provider, "wallet_switchEthereumChain", []map[string]string{{"chainId": "0x89"}})
	assert.Equal(t, rpcerr.CodeUnsupportedChain, rpcerr.CodeOf(err))

	sent := h.wallet.sent()
	require.Len(t, sent, 1)
	params, ok := sent[0].Request.Params.(web3.SwitchEthereumChainParams)
	require.True(t, ok)
	assert.Equal(t, "137", params.ChainID)
	assert.Equal(t, alice, params.Address)
}

func TestAddEthereumChainApproved(t *testing.T) {
	h := newHarness(t, alice)
	chainChanged := h.record(EventChainChanged)
	h.wallet.respond = func(req web3.Request) (web3.Response, bool) {
		return success(req.Method, web3.SwitchResult{IsApproved: true}), true
	}

	got, err := request(t, h.provider, "wallet_addEthereumChain", []map[string]any{{
		"chainId":        "0x89",
		"chainName":      "Polygon",
		"rpcUrls":        []string{"https://polygon.example"},
		"nativeCurrency": map[string]any{"name": "POL", "symbol": "POL", "decimals": 18},
	}})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(137), h.provider.ChainID())
	assert.Equal(t, []any{"0x89"}, chainChanged.all())
}

func TestLegacyTypedDataHash(t *testing.T) {
	data := json.RawMessage(`[
		{"type":"string","name":"message","value":"Hi, Alice!"},
		{"type":"uint32","name":"value","value":42}
	]`)
	got, err := legacyTypedDataHash(data)
	require.NoError(t, err)

	want := crypto.Keccak256(
		crypto.Keccak256([]byte("string messageuint32 value")),
		crypto.Keccak256(append([]byte("Hi, Alice!"), 0, 0, 0, 42)),
	)
	assert.Equal(t, want, got)

	_, err = legacyTypedDataHash(json.RawMessage(`[{"type":"uint8","name":"x","value":300}]`))
	assert.Error(t, err)
}

func TestSignTypedDataV4(t *testing.T) {
	h := newHarness(t, alice)
	h.wallet.respond = func(req web3.Request) (web3.Response, bool) {
		return success(req.Method, "0xsig"), true
	}

	typed := `{
		"types": {
			"EIP712Domain": [{"name":"name","type":"string"},{"name":"chainId","type":"uint256"}],
			"Mail": [{"name":"contents","type":"string"}]
		},
		"primaryType": "Mail",
		"domain": {"name":"Ether Mail","chainId":1},
		"message": {"contents":"Hello, Bob!"}
	}`
	_, err := request(t, h.provider, "eth_signTypedData_v4", []any{alice, typed})
	require.NoError(t, err)

	sent := h.wallet.sent()
	require.Len(t, sent, 1)
	params := sent[0].Request.Params.(web3.SignEthereumMessageParams)
	require.NotNil(t, params.TypedDataJSON)
	assert.JSONEq(t, typed, *params.TypedDataJSON)
	assert.Len(t, params.Message, 66)
	assert.False(t, params.AddPrefix)
}
