// Package web3 holds the payloads exchanged with the wallet inside the encrypted relay
// envelope.
package web3

import (
	"encoding/json"
	"fmt"
)

type Method string

const (
	RequestEthereumAccounts          Method = "requestEthereumAccounts"
	SignEthereumMessage              Method = "signEthereumMessage"
	SignEthereumTransaction          Method = "signEthereumTransaction"
	SubmitEthereumTransaction        Method = "submitEthereumTransaction"
	EthereumAddressFromSignedMessage Method = "ethereumAddressFromSignedMessage"
	SwitchEthereumChain              Method = "switchEthereumChain"
	AddEthereumChain                 Method = "addEthereumChain"
	WatchAsset                       Method = "watchAsset"
	SelectProvider                   Method = "selectProvider"
	ScanQRCode                       Method = "scanQRCode"
	Generic                          Method = "generic"
)

func (m Method) Valid() bool {
	switch m {
	case RequestEthereumAccounts, SignEthereumMessage, SignEthereumTransaction,
		SubmitEthereumTransaction, EthereumAddressFromSignedMessage, SwitchEthereumChain,
		AddEthereumChain, WatchAsset, SelectProvider, ScanQRCode, Generic:
		return true
	}
	return false
}

// Request is a wallet request. Params holds one of the *Params types below.
type Request struct {
	Method Method `json:"method"`
	Params any    `json:"params"`
}

type RequestEthereumAccountsParams struct {
	AppName    string  `json:"appName"`
	AppLogoURL *string `json:"appLogoUrl"`
}

type SignEthereumMessageParams struct {
	Message       string  `json:"message"`
	Address       string  `json:"address"`
	AddPrefix     bool    `json:"addPrefix"`
	TypedDataJSON *string `json:"typedDataJson"`
}

// SignEthereumTransactionParams carries big integers as decimal strings.
type SignEthereumTransactionParams struct {
	FromAddress          string  `json:"fromAddress"`
	ToAddress            *string `json:"toAddress"`
	WeiValue             string  `json:"weiValue"`
	Data                 string  `json:"data"`
	Nonce                *int64  `json:"nonce"`
	GasPriceInWei        *string `json:"gasPriceInWei"`
	MaxFeePerGas         *string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *string `json:"maxPriorityFeePerGas"`
	GasLimit             *string `json:"gasLimit"`
	ChainID              int64   `json:"chainId"`
	ShouldSubmit         bool    `json:"shouldSubmit"`
}

type SubmitEthereumTransactionParams struct {
	SignedTransaction string `json:"signedTransaction"`
	ChainID           int64  `json:"chainId"`
}

type EthereumAddressFromSignedMessageParams struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	AddPrefix bool   `json:"addPrefix"`
}

type SwitchEthereumChainParams struct {
	ChainID string `json:"chainId"`
	Address string `json:"address,omitempty"`
}

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type AddEthereumChainParams struct {
	ChainID           string          `json:"chainId"`
	BlockExplorerURLs []string        `json:"blockExplorerUrls,omitempty"`
	ChainName         string          `json:"chainName,omitempty"`
	IconURLs          []string        `json:"iconUrls,omitempty"`
	RPCURLs           []string        `json:"rpcUrls"`
	NativeCurrency    *NativeCurrency `json:"nativeCurrency,omitempty"`
}

type WatchAssetOptions struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals *int   `json:"decimals,omitempty"`
	Image    string `json:"image,omitempty"`
}

type WatchAssetParams struct {
	Type    string            `json:"type"`
	Options WatchAssetOptions `json:"options"`
	ChainID string            `json:"chainId,omitempty"`
}

type SelectProviderParams struct {
	ProviderOptions []string `json:"providerOptions"`
}

type ScanQRCodeParams struct {
	RegExp string `json:"regExp"`
}

type GenericParams struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes params into the concrete type for the method.
func (r *Request) UnmarshalJSON(b []byte) error {
	var wire struct {
		Method Method          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}

	var params any
	switch wire.Method {
	case RequestEthereumAccounts:
		params = &RequestEthereumAccountsParams{}
	case SignEthereumMessage:
		params = &SignEthereumMessageParams{}
	case SignEthereumTransaction:
		params = &SignEthereumTransactionParams{}
	case SubmitEthereumTransaction:
		params = &SubmitEthereumTransactionParams{}
	case EthereumAddressFromSignedMessage:
		params = &EthereumAddressFromSignedMessageParams{}
	case SwitchEthereumChain:
		params = &SwitchEthereumChainParams{}
	case AddEthereumChain:
		params = &AddEthereumChainParams{}
	case WatchAsset:
		params = &WatchAssetParams{}
	case SelectProvider:
		params = &SelectProviderParams{}
	case ScanQRCode:
		params = &ScanQRCodeParams{}
	case Generic:
		params = &GenericParams{}
	default:
		return fmt.Errorf("unknown web3 method %q", wire.Method)
	}
	if len(wire.Params) > 0 && string(wire.Params) != "null" {
		if err := json.Unmarshal(wire.Params, params); err != nil {
			return fmt.Errorf("decode %s params: %w", wire.Method, err)
		}
	}
	r.Method = wire.Method
	r.Params = params
	return nil
}
