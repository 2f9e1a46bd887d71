package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/walletlink-client/internal/filters"
	"github.com/quantumauth-io/walletlink-client/internal/jsonrpc"
	"github.com/quantumauth-io/walletlink-client/internal/relay"
	"github.com/quantumauth-io/walletlink-client/internal/relay/web3"
	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
)

// Routes reported to metrics.
const (
	routeSync         = "sync"
	routeFilter       = "filter"
	routeSubscription = "subscription"
	routeRelay        = "relay"
	routePassthrough  = "passthrough"
)

// codeAddEthereumChain is the non-standard error code of wallet_addEthereumChain.
const codeAddEthereumChain = 2

func route(method string) string {
	switch method {
	case "eth_accounts", "eth_coinbase", "net_version", "eth_chainId", "eth_uninstallFilter":
		return routeSync
	case "eth_newFilter", "eth_newBlockFilter", "eth_newPendingTransactionFilter",
		"eth_getFilterChanges", "eth_getFilterLogs":
		return routeFilter
	case "eth_subscribe", "eth_unsubscribe":
		return routeSubscription
	case "eth_requestAccounts", "eth_sign", "eth_ecRecover", "personal_sign", "personal_ecRecover",
		"eth_signTransaction", "eth_sendRawTransaction", "eth_sendTransaction",
		"eth_signTypedData_v1", "eth_signTypedData_v2", "eth_signTypedData_v3",
		"eth_signTypedData_v4", "eth_signTypedData",
		"cbWallet_arbitrary", "wallet_addEthereumChain", "wallet_switchEthereumChain", "wallet_watchAsset":
		return routeRelay
	default:
		return routePassthrough
	}
}

// Request is the EIP-1193 entry point.
func (p *Provider) Request(ctx context.Context, args RequestArguments) (any, error) {
	if strings.TrimSpace(args.Method) == "" {
		return nil, rpcerr.InvalidRequest("'args.method' must be a non-empty string.", args)
	}
	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage("0"), Method: args.Method, Params: args.Params}
	if !req.ParamsShapeValid() {
		return nil, rpcerr.InvalidRequest("'args.params' must be an object or array if provided.", args)
	}
	return p.dispatch(ctx, req)
}

// Send marshals params and calls Request.
func (p *Provider) Send(ctx context.Context, method string, params any) (any, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, rpcerr.InvalidParams(err.Error())
		}
		raw = b
	}
	return p.Request(ctx, RequestArguments{Method: method, Params: raw})
}

// SendRequest answers a JSON-RPC request with a response carrying its id.
func (p *Provider) SendRequest(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	if strings.TrimSpace(req.Method) == "" || !req.ParamsShapeValid() {
		return jsonrpc.ErrorResponse(req.ID, rpcerr.InvalidRequest("", nil))
	}
	result, err := p.dispatch(ctx, req)
	if err != nil {
		return jsonrpc.ErrorResponse(req.ID, err)
	}
	return jsonrpc.Result(req.ID, result)
}

// SendBatch answers every request concurrently and keeps their order.
func (p *Provider) SendBatch(ctx context.Context, reqs []jsonrpc.Request) []jsonrpc.Response {
	out := make([]jsonrpc.Response, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = p.SendRequest(ctx, req)
		}()
	}
	wg.Wait()
	return out
}

// SendSync answers only the methods that need no I/O.
func (p *Provider) SendSync(req jsonrpc.Request) (jsonrpc.Response, error) {
	if route(req.Method) != routeSync {
		return jsonrpc.Response{}, errors.Newf(
			"The provider does not support synchronous method %s. Use Request instead.", req.Method)
	}
	params, err := req.ParamList()
	if err != nil {
		return jsonrpc.ErrorResponse(req.ID, rpcerr.InvalidRequest(err.Error(), nil)), nil
	}
	result, err := p.handleSync(req.Method, params)
	if err != nil {
		return jsonrpc.ErrorResponse(req.ID, err), nil
	}
	return jsonrpc.Result(req.ID, result), nil
}

func (p *Provider) dispatch(ctx context.Context, req jsonrpc.Request) (any, error) {
	list, err := req.ParamList()
	if err != nil {
		return nil, rpcerr.InvalidRequest(err.Error(), nil)
	}
	ps := params(list)

	r := route(req.Method)
	p.metrics.IncProviderRequest(r)

	switch r {
	case routeSync:
		return p.handleSync(req.Method, ps)
	case routeFilter:
		return p.handleFilter(ctx, req.Method, ps)
	case routeSubscription:
		return p.handleSubscription(req.Method, ps)
	case routeRelay:
		return p.handleRelay(ctx, req.Method, ps)
	default:
		res, err := p.chain.CallRaw(ctx, req.Method, req.Params)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func (p *Provider) handleSync(method string, ps params) (any, error) {
	switch method {
	case "eth_accounts":
		return p.Accounts(), nil
	case "eth_coinbase":
		if addr := p.SelectedAddress(); addr != "" {
			return addr, nil
		}
		return nil, nil
	case "net_version":
		return strconv.FormatInt(p.chainID(), 10), nil
	case "eth_chainId":
		return hexutil.EncodeUint64(uint64(p.chainID())), nil
	case "eth_uninstallFilter":
		id, err := ps.string(0)
		if err != nil {
			return nil, err
		}
		return p.filters.UninstallFilter(id), nil
	}
	return nil, rpcerr.UnsupportedMethod("")
}

func (p *Provider) handleFilter(ctx context.Context, method string, ps params) (any, error) {
	switch method {
	case "eth_newFilter":
		var param filters.Param
		if err := ps.decode(0, &param); err != nil {
			return nil, err
		}
		return p.filters.NewFilter(ctx, param)
	case "eth_newBlockFilter":
		return p.filters.NewBlockFilter(ctx)
	case "eth_newPendingTransactionFilter":
		return p.filters.NewPendingTransactionFilter(ctx)
	case "eth_getFilterChanges":
		id, err := ps.string(0)
		if err != nil {
			return nil, err
		}
		return p.filters.GetFilterChanges(ctx, id)
	case "eth_getFilterLogs":
		id, err := ps.string(0)
		if err != nil {
			return nil, err
		}
		return p.filters.GetFilterLogs(ctx, id)
	}
	return nil, rpcerr.UnsupportedMethod("")
}

func (p *Provider) handleSubscription(method string, ps params) (any, error) {
	if method == "eth_subscribe" {
		return p.subs.Subscribe(ps)
	}
	id, err := ps.string(0)
	if err != nil {
		return nil, err
	}
	return p.subs.Unsubscribe(id), nil
}

func (p *Provider) handleRelay(ctx context.Context, method string, ps params) (any, error) {
	switch method {
	case "eth_requestAccounts":
		return p.ethRequestAccounts(ctx)
	case "eth_sign":
		return p.signMessage(ctx, ps, 1, 0, false)
	case "personal_sign":
		return p.signMessage(ctx, ps, 0, 1, true)
	case "eth_ecRecover":
		return p.ecRecover(ctx, ps, false)
	case "personal_ecRecover":
		return p.ecRecover(ctx, ps, true)
	case "eth_signTransaction":
		return p.signTransaction(ctx, ps, false)
	case "eth_sendTransaction":
		return p.signTransaction(ctx, ps, true)
	case "eth_sendRawTransaction":
		return p.sendRawTransaction(ctx, ps)
	case "eth_signTypedData_v1":
		return p.signTypedDataV1(ctx, ps)
	case "eth_signTypedData_v3", "eth_signTypedData_v4", "eth_signTypedData":
		return p.signTypedData(ctx, ps)
	case "cbWallet_arbitrary":
		return p.arbitrary(ctx, ps)
	case "wallet_addEthereumChain":
		return p.walletAddEthereumChain(ctx, ps)
	case "wallet_switchEthereumChain":
		return p.walletSwitchEthereumChain(ctx, ps)
	case "wallet_watchAsset":
		return p.walletWatchAsset(ctx, ps)
	}
	return nil, rpcerr.UnsupportedMethod("")
}

func (p *Provider) ethRequestAccounts(ctx context.Context) (any, error) {
	if accounts := p.Accounts(); len(accounts) > 0 {
		return accounts, nil
	}

	resp, err := p.relay.RequestEthereumAccounts().Wait(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := decodeResult[[]string](resp, msgAccountsDenied)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, rpcerr.Internal("accounts received is empty")
	}

	p.setAddresses(accounts, false)
	if err := p.switchEthereumChain(ctx, p.chainID()); err != nil {
		return nil, err
	}
	return p.Accounts(), nil
}

// signMessage serves eth_sign and personal_sign, which differ in parameter order and
// the message prefix.
func (p *Provider) signMessage(ctx context.Context, ps params, messageAt, addressAt int, addPrefix bool) (any, error) {
	if err := p.requireAuthorization(); err != nil {
		return nil, err
	}
	address, err := ps.address(addressAt)
	if err != nil {
		return nil, err
	}
	message, err := ps.buffer(messageAt)
	if err != nil {
		return nil, err
	}
	return p.sign(ctx, message, address, addPrefix, "")
}

func (p *Provider) sign(ctx context.Context, message []byte, address string, addPrefix bool, typedDataJSON string) (any, error) {
	if err := p.ensureKnownAddress(address); err != nil {
		return nil, err
	}
	resp, err := p.relay.SignEthereumMessage(message, common.HexToAddress(address), addPrefix, typedDataJSON).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return decodeResult[json.RawMessage](resp, msgSignatureDenied)
}

func (p *Provider) ecRecover(ctx context.Context, ps params, addPrefix bool) (any, error) {
	message, err := ps.buffer(0)
	if err != nil {
		return nil, err
	}
	signature, err := ps.buffer(1)
	if err != nil {
		return nil, err
	}
	resp, err := p.relay.EthereumAddressFromSignedMessage(message, signature, addPrefix).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return decodeResult[json.RawMessage](resp, msgSignatureDenied)
}

func (p *Provider) signTransaction(ctx context.Context, ps params, submit bool) (any, error) {
	if err := p.requireAuthorization(); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if len(ps) > 0 {
		raw = ps[0]
	}
	tx, err := p.prepareTransactionParams(raw)
	if err != nil {
		return nil, err
	}

	var pending *relay.Pending
	if submit {
		pending = p.relay.SignAndSubmitEthereumTransaction(tx)
	} else {
		pending = p.relay.SignEthereumTransaction(tx)
	}
	resp, err := pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return decodeResult[json.RawMessage](resp, msgTransactionDenied)
}

func (p *Provider) sendRawTransaction(ctx context.Context, ps params) (any, error) {
	signed, err := ps.buffer(0)
	if err != nil {
		return nil, err
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(signed); err != nil {
		return nil, rpcerr.InvalidParams("invalid signed transaction: " + err.Error())
	}
	resp, err := p.relay.SubmitEthereumTransaction(signed, p.chainID()).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return decodeResult[json.RawMessage](resp, "")
}

func (p *Provider) signTypedDataV1(ctx context.Context, ps params) (any, error) {
	if err := p.requireAuthorization(); err != nil {
		return nil, err
	}
	data, err := ps.jsonObject(0)
	if err != nil {
		return nil, err
	}
	address, err := ps.address(1)
	if err != nil {
		return nil, err
	}
	if err := p.ensureKnownAddress(address); err != nil {
		return nil, err
	}
	hash, err := legacyTypedDataHash(data)
	if err != nil {
		return nil, err
	}
	return p.sign(ctx, hash, address, false, string(data))
}

func (p *Provider) signTypedData(ctx context.Context, ps params) (any, error) {
	if err := p.requireAuthorization(); err != nil {
		return nil, err
	}
	address, err := ps.address(0)
	if err != nil {
		return nil, err
	}
	data, err := ps.jsonObject(1)
	if err != nil {
		return nil, err
	}
	if err := p.ensureKnownAddress(address); err != nil {
		return nil, err
	}
	hash, typedDataJSON, err := typedDataHash(data)
	if err != nil {
		return nil, err
	}
	return p.sign(ctx, hash, address, false, typedDataJSON)
}

func (p *Provider) arbitrary(ctx context.Context, ps params) (any, error) {
	data, err := ps.jsonObject(0)
	if err != nil {
		return nil, rpcerr.InvalidParams("parameter must be an object")
	}
	action, err := ps.string(1)
	if err != nil {
		return nil, rpcerr.InvalidParams("parameter must be a string")
	}
	return p.GenericRequest(ctx, data, action)
}

type addEthereumChainArgs struct {
	ChainID           string               `json:"chainId"`
	RPCURLs           []string             `json:"rpcUrls"`
	BlockExplorerURLs []string             `json:"blockExplorerUrls"`
	ChainName         string               `json:"chainName"`
	IconURLs          []string             `json:"iconUrls"`
	NativeCurrency    *web3.NativeCurrency `json:"nativeCurrency"`
}

func (p *Provider) walletAddEthereumChain(ctx context.Context, ps params) (any, error) {
	var args addEthereumChainArgs
	if err := ps.decode(0, &args); err != nil {
		return nil, err
	}
	if args.RPCURLs != nil && len(args.RPCURLs) == 0 {
		return nil, rpcerr.New(codeAddEthereumChain, "please pass in at least 1 rpcUrl")
	}
	if strings.TrimSpace(args.ChainName) == "" {
		return nil, rpcerr.InvalidParams("chainName is a required field")
	}
	if args.NativeCurrency == nil {
		return nil, rpcerr.InvalidParams("nativeCurrency is a required field")
	}
	chainID, err := parseChainID(args.ChainID)
	if err != nil {
		return nil, err
	}

	ok, err := p.addEthereumChain(ctx, chainID, args)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rpcerr.New(codeAddEthereumChain, "unable to add ethereum chain")
	}
	return nil, nil
}

// addEthereumChain reports whether the wallet approved the chain. The current chain is
// never re-added.
func (p *Provider) addEthereumChain(ctx context.Context, chainID int64, args addEthereumChainArgs) (bool, error) {
	if chainID == p.chainID() {
		return false, nil
	}
	decimalID := strconv.FormatInt(chainID, 10)

	if !p.isAuthorized() && !p.relay.InlineAddEthereumChain(decimalID) {
		if _, err := p.relay.RequestEthereumAccounts().Wait(ctx); err != nil {
			return false, err
		}
	}

	resp, err := p.relay.AddEthereumChain(web3.AddEthereumChainParams{
		ChainID:           decimalID,
		RPCURLs:           args.RPCURLs,
		BlockExplorerURLs: args.BlockExplorerURLs,
		ChainName:         args.ChainName,
		IconURLs:          args.IconURLs,
		NativeCurrency:    args.NativeCurrency,
	}).Wait(ctx)
	if err != nil {
		return false, err
	}
	if resp.IsError() {
		log.Warn("wallet failed to add chain", "chainId", chainID, "error", resp.Error.ErrorMessage)
		return false, nil
	}
	result, err := web3.Decode[web3.SwitchResult](resp)
	if err != nil || !result.IsApproved {
		return false, nil
	}
	rpcURL := ""
	if len(args.RPCURLs) > 0 {
		rpcURL = args.RPCURLs[0]
	}
	p.updateProviderInfo(ctx, rpcURL, chainID)
	return true, nil
}

func (p *Provider) walletSwitchEthereumChain(ctx context.Context, ps params) (any, error) {
	var args struct {
		ChainID string `json:"chainId"`
	}
	if err := ps.decode(0, &args); err != nil {
		return nil, err
	}
	chainID, err := parseChainID(args.ChainID)
	if err != nil {
		return nil, err
	}
	if err := p.switchEthereumChain(ctx, chainID); err != nil {
		return nil, err
	}
	return nil, nil
}

// switchEthereumChain asks the wallet to switch. An uncoded wallet error is ignored.
func (p *Provider) switchEthereumChain(ctx context.Context, chainID int64) error {
	resp, err := p.relay.SwitchEthereumChain(strconv.FormatInt(chainID, 10), p.SelectedAddress()).Wait(ctx)
	if err != nil {
		return err
	}
	if resp.IsError() {
		code := resp.Error.ErrorCode
		switch {
		case code == nil:
			return nil
		case *code == rpcerr.CodeUnsupportedChain:
			return rpcerr.UnsupportedChain("")
		default:
			return rpcerr.New(*code, resp.Error.ErrorMessage)
		}
	}
	result, err := web3.Decode[web3.SwitchResult](resp)
	if err != nil {
		return rpcerr.Internal(err.Error())
	}
	if result.IsApproved && result.RPCURL != "" {
		p.updateProviderInfo(ctx, result.RPCURL, chainID)
	}
	return nil
}

func (p *Provider) walletWatchAsset(ctx context.Context, ps params) (any, error) {
	var args web3.WatchAssetParams
	if err := ps.decode(0, &args); err != nil {
		return nil, err
	}
	switch {
	case args.Type == "":
		return nil, rpcerr.InvalidParams("Type is required")
	case args.Type != "ERC20":
		return nil, rpcerr.InvalidParams(fmt.Sprintf("Asset of type '%s' is not supported", args.Type))
	case args.Options.Address == "":
		return nil, rpcerr.InvalidParams("Address is required")
	}
	args.ChainID = strconv.FormatInt(p.chainID(), 10)

	resp, err := p.relay.WatchAsset(args).Wait(ctx)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return false, nil
	}
	var approved bool
	if err := json.Unmarshal(resp.Result, &approved); err != nil {
		return false, nil
	}
	return approved, nil
}
