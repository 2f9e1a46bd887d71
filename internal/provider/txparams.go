package provider

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"

	"github.com/quantumauth-io/walletlink-client/internal/relay"
	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
)

// transactionArgs is the dapp's eth_sendTransaction object. Numeric fields may be hex
// strings, decimal strings or JSON numbers.
type transactionArgs struct {
	From                 *string         `json:"from"`
	To                   *string         `json:"to"`
	Value                json.RawMessage `json:"value"`
	Data                 *string         `json:"data"`
	Nonce                json.RawMessage `json:"nonce"`
	GasPrice             json.RawMessage `json:"gasPrice"`
	MaxFeePerGas         json.RawMessage `json:"maxFeePerGas"`
	MaxPriorityFeePerGas json.RawMessage `json:"maxPriorityFeePerGas"`
	Gas                  json.RawMessage `json:"gas"`
	ChainID              json.RawMessage `json:"chainId"`
}

var errAddressUnavailable = errors.New("Ethereum address is unavailable")

func (p *Provider) prepareTransactionParams(raw json.RawMessage) (relay.EthereumTransactionParams, error) {
	var out relay.EthereumTransactionParams
	var tx transactionArgs
	if !isNull(raw) {
		if err := json.Unmarshal(raw, &tx); err != nil {
			return out, rpcerr.InvalidParams("invalid transaction: " + err.Error())
		}
	}

	from := p.SelectedAddress()
	if tx.From != nil && *tx.From != "" {
		addr, err := ensureAddress(*tx.From)
		if err != nil {
			return out, err
		}
		from = addr
	}
	if from == "" {
		return out, errAddressUnavailable
	}
	if err := p.ensureKnownAddress(from); err != nil {
		return out, err
	}
	out.FromAddress = common.HexToAddress(from)

	if tx.To != nil && *tx.To != "" {
		to, err := ensureAddress(*tx.To)
		if err != nil {
			return out, err
		}
		addr := common.HexToAddress(to)
		out.ToAddress = &addr
	}
	if tx.Data != nil {
		out.Data = ensureBuffer(*tx.Data)
	}

	bigFields := []struct {
		name string
		raw  json.RawMessage
		dst  **big.Int
	}{
		{"value", tx.Value, &out.WeiValue},
		{"gasPrice", tx.GasPrice, &out.GasPriceInWei},
		{"maxFeePerGas", tx.MaxFeePerGas, &out.MaxFeePerGas},
		{"maxPriorityFeePerGas", tx.MaxPriorityFeePerGas, &out.MaxPriorityFeePerGas},
		{"gas", tx.Gas, &out.GasLimit},
	}
	for _, f := range bigFields {
		if isNull(f.raw) {
			continue
		}
		n, err := parseBig(f.raw)
		if err != nil {
			return out, rpcerr.InvalidParams(fmt.Sprintf("invalid %s: %v", f.name, err))
		}
		*f.dst = n
	}
	if out.WeiValue == nil {
		out.WeiValue = new(big.Int)
	}

	if !isNull(tx.Nonce) {
		n, err := parseInt64(tx.Nonce)
		if err != nil {
			return out, rpcerr.InvalidParams(fmt.Sprintf("invalid nonce: %v", err))
		}
		out.Nonce = &n
	}

	out.ChainID = p.chainID()
	if !isNull(tx.ChainID) {
		n, err := parseInt64(tx.ChainID)
		if err != nil {
			return out, rpcerr.InvalidParams(fmt.Sprintf("invalid chainId: %v", err))
		}
		if n != 0 {
			out.ChainID = n
		}
	}
	return out, nil
}
