package filters

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// blockHeight is a concrete block number or the moving "latest" tag.
type blockHeight struct {
	latest bool
	number uint64
}

var latest = blockHeight{latest: true}

func parseBlockHeight(raw *string) (blockHeight, error) {
	if raw == nil {
		return latest, nil
	}
	switch v := strings.TrimSpace(*raw); v {
	case "", "latest", "pending":
		return latest, nil
	case "earliest":
		return blockHeight{}, nil
	default:
		n, err := parseQuantity(v)
		if err != nil {
			return blockHeight{}, fmt.Errorf("invalid block option: %s", v)
		}
		return blockHeight{number: n}, nil
	}
}

func (b blockHeight) String() string {
	if b.latest {
		return "latest"
	}
	return hexutil.EncodeUint64(b.number)
}

// parseQuantity accepts 0x-prefixed hex with or without leading zeros.
func parseQuantity(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("missing 0x prefix: %q", s)
	}
	digits := s[2:]
	if digits == "" {
		return 0, fmt.Errorf("empty hex number")
	}
	return strconv.ParseUint(digits, 16, 64)
}

// Param is the eth_newFilter argument.
type Param struct {
	FromBlock *string           `json:"fromBlock,omitempty"`
	ToBlock   *string           `json:"toBlock,omitempty"`
	Address   addressList       `json:"address,omitempty"`
	Topics    []json.RawMessage `json:"topics,omitempty"`
}

// addressList accepts a single address or a list. nil means "any address".
type addressList []string

func (a *addressList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*a = addressList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("address must be a string or a list of strings")
	}
	*a = many
	return nil
}

type logFilter struct {
	fromBlock blockHeight
	toBlock   blockHeight
	addresses []string
	topics    []json.RawMessage
}

func filterFromParam(p Param) (logFilter, error) {
	from, err := parseBlockHeight(p.FromBlock)
	if err != nil {
		return logFilter{}, err
	}
	to, err := parseBlockHeight(p.ToBlock)
	if err != nil {
		return logFilter{}, err
	}
	topics := p.Topics
	if topics == nil {
		topics = []json.RawMessage{}
	}
	return logFilter{fromBlock: from, toBlock: to, addresses: p.Address, topics: topics}, nil
}

// query builds the eth_getLogs argument, optionally overriding the range.
func (f logFilter) query(from, to blockHeight) map[string]interface{} {
	q := map[string]interface{}{
		"fromBlock": from.String(),
		"toBlock":   to.String(),
		"topics":    f.topics,
	}
	if f.addresses != nil {
		q["address"] = f.addresses
	}
	return q
}
