package provider

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
)

// legacyTypedField is one entry of eth_signTypedData_v1 data.
type legacyTypedField struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// legacyTypedDataHash hashes v1 typed data:
// keccak(keccak(packed "type name" strings) ++ keccak(packed values)).
func legacyTypedDataHash(raw json.RawMessage) ([]byte, error) {
	var fields []legacyTypedField
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, rpcerr.InvalidParams("invalid typed data: " + err.Error())
	}
	if len(fields) == 0 {
		return nil, rpcerr.InvalidParams("typed data must not be empty")
	}

	var schema, values []byte
	for _, f := range fields {
		schema = append(schema, f.Type+" "+f.Name...)
		packed, err := packLegacyValue(f.Type, f.Value)
		if err != nil {
			return nil, rpcerr.InvalidParams(fmt.Sprintf("typed data field %q: %v", f.Name, err))
		}
		values = append(values, packed...)
	}
	return crypto.Keccak256(crypto.Keccak256(schema), crypto.Keccak256(values)), nil
}

func packLegacyValue(typ string, raw json.RawMessage) ([]byte, error) {
	switch {
	case typ == "string":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	case typ == "bytes":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return ensureBuffer(s), nil
	case typ == "bool":
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case typ == "address":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s).Bytes(), nil
	case strings.HasPrefix(typ, "bytes"):
		size, err := strconv.Atoi(strings.TrimPrefix(typ, "bytes"))
		if err != nil || size < 1 || size > 32 {
			return nil, fmt.Errorf("unsupported type %s", typ)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) > size {
			return nil, fmt.Errorf("value longer than %s", typ)
		}
		return common.RightPadBytes(b, size), nil
	case strings.HasPrefix(typ, "uint"), strings.HasPrefix(typ, "int"):
		return packLegacyInteger(typ, raw)
	default:
		return nil, fmt.Errorf("unsupported type %s", typ)
	}
}

func packLegacyInteger(typ string, raw json.RawMessage) ([]byte, error) {
	signed := strings.HasPrefix(typ, "int")
	bits := 256
	if digits := strings.TrimLeft(typ, "uint"); digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil || n%8 != 0 || n < 8 || n > 256 {
			return nil, fmt.Errorf("unsupported type %s", typ)
		}
		bits = n
	}

	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	negative := strings.HasPrefix(text, "-")
	if negative && !signed {
		return nil, fmt.Errorf("negative value for %s", typ)
	}
	n, err := parseBig(json.RawMessage(strconv.Quote(strings.TrimPrefix(text, "-"))))
	if err != nil {
		return nil, err
	}
	if negative {
		n.Neg(n)
	}
	if n.BitLen() > bits {
		return nil, fmt.Errorf("value overflows %s", typ)
	}
	word := math.U256Bytes(new(big.Int).Set(n))
	return word[32-bits/8:], nil
}

// typedDataHash decodes EIP-712 data, given as an object or a JSON string, and returns
// the digest to sign with the canonical JSON sent along to the wallet.
func typedDataHash(raw json.RawMessage) ([]byte, string, error) {
	var td apitypes.TypedData
	if err := json.Unmarshal(raw, &td); err != nil {
		return nil, "", rpcerr.InvalidParams("invalid typed data: " + err.Error())
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, "", rpcerr.InvalidParams("invalid typed data: " + err.Error())
	}
	return hash, string(raw), nil
}
