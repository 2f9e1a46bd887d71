// Package jsonrpc defines the JSON-RPC 2.0 envelopes exchanged with dapps and chain
// endpoints.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
)

const Version = "2.0"

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string
	ID      json.RawMessage
	Result  any
	Error   *rpcerr.Error
}

// NewRequest marshals params (nil, slice or struct) into a request.
func NewRequest(id any, method string, params any) (Request, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return Request{}, fmt.Errorf("marshal id: %w", err)
	}
	req := Request{JSONRPC: Version, ID: rawID, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// ParamList returns the positional params. A single object is treated as a
// one-element list and absent params as an empty list.
func (r Request) ParamList() ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(r.Params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return list, nil
	case '{':
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	default:
		return nil, fmt.Errorf("params must be an array or object")
	}
}

// ParamsShapeValid reports whether params is absent, an array or an object.
func (r Request) ParamsShapeValid() bool {
	trimmed := bytes.TrimSpace(r.Params)
	if len(trimmed) == 0 {
		return true
	}
	return trimmed[0] == '[' || trimmed[0] == '{'
}

func Result(id json.RawMessage, result any) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

func ErrorResponse(id json.RawMessage, err error) Response {
	return Response{JSONRPC: Version, ID: id, Error: rpcerr.From(err)}
}

// MarshalJSON emits exactly one of result or error.
func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *rpcerr.Error   `json:"error"`
		}{Version, id, r.Error})
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{Version, id, r.Result})
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcerr.Error   `json:"error"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	r.JSONRPC = wire.JSONRPC
	r.ID = wire.ID
	r.Error = wire.Error
	if len(wire.Result) > 0 {
		r.Result = wire.Result
	}
	return nil
}
