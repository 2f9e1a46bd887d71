package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
)

// params is the positional argument list of a request.
type params []json.RawMessage

func (p params) has(i int) bool {
	return i < len(p) && !isNull(p[i])
}

func (p params) string(i int) (string, error) {
	if !p.has(i) {
		return "", rpcerr.InvalidParams(fmt.Sprintf("missing parameter %d", i))
	}
	var s string
	if err := json.Unmarshal(p[i], &s); err != nil {
		return "", rpcerr.InvalidParams(fmt.Sprintf("parameter %d must be a string", i))
	}
	return s, nil
}

func (p params) address(i int) (string, error) {
	s, err := p.string(i)
	if err != nil {
		return "", err
	}
	return ensureAddress(s)
}

func (p params) buffer(i int) ([]byte, error) {
	s, err := p.string(i)
	if err != nil {
		return nil, err
	}
	return ensureBuffer(s), nil
}

func (p params) decode(i int, v any) error {
	if !p.has(i) {
		return rpcerr.InvalidParams(fmt.Sprintf("missing parameter %d", i))
	}
	if err := json.Unmarshal(p[i], v); err != nil {
		return rpcerr.InvalidParams(fmt.Sprintf("invalid parameter %d: %v", i, err))
	}
	return nil
}

// jsonObject accepts a JSON object or a string holding one.
func (p params) jsonObject(i int) (json.RawMessage, error) {
	if !p.has(i) {
		return nil, rpcerr.InvalidParams(fmt.Sprintf("missing parameter %d", i))
	}
	raw := bytes.TrimSpace(p[i])
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, rpcerr.InvalidParams(err.Error())
		}
		raw = bytes.TrimSpace([]byte(s))
	}
	if len(raw) == 0 || (raw[0] != '{' && raw[0] != '[') || !json.Valid(raw) {
		return nil, rpcerr.InvalidParams(fmt.Sprintf("parameter %d must be a JSON object", i))
	}
	return json.RawMessage(raw), nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// ensureAddress validates a hex address and returns it lowercased.
func ensureAddress(s string) (string, error) {
	if !common.IsHexAddress(s) || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return "", rpcerr.InvalidParams(fmt.Sprintf("invalid address: %q", s))
	}
	return strings.ToLower(s), nil
}

// ensureBuffer decodes 0x-prefixed hex and treats anything else as UTF-8 text.
func ensureBuffer(s string) []byte {
	if b, err := hexutil.Decode(s); err == nil {
		return b
	}
	return []byte(s)
}

// parseBig accepts a JSON number, a decimal string or a 0x hex string.
func parseBig(raw json.RawMessage) (*big.Int, error) {
	raw = bytes.TrimSpace(raw)
	text := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
	}
	text = strings.TrimSpace(text)
	n := new(big.Int)
	var ok bool
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		digits := text[2:]
		if digits == "" {
			digits = "0"
		}
		_, ok = n.SetString(digits, 16)
	} else {
		_, ok = n.SetString(text, 10)
	}
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid number: %s", text)
	}
	return n, nil
}

func parseInt64(raw json.RawMessage) (int64, error) {
	n, err := parseBig(raw)
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() {
		return 0, fmt.Errorf("number out of range: %s", n)
	}
	return n.Int64(), nil
}

// parseChainID reads a hex chain id as used by wallet_* methods.
func parseChainID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, rpcerr.InvalidParams(fmt.Sprintf("invalid chain id: %q", s))
	}
	n, err := strconv.ParseInt(s[2:], 16, 64)
	if err != nil || n <= 0 {
		return 0, rpcerr.InvalidParams(fmt.Sprintf("invalid chain id: %q", s))
	}
	return n, nil
}
