package web3

import (
	"encoding/json"
	"fmt"
)

// Response is either a success (Result set) or an error (Error set) from the wallet.
type Response struct {
	Method Method
	Result json.RawMessage
	Error  *ErrorResponse
}

// ErrorResponse is the wallet's failure shape. It is also synthesized locally on cancel
// and on publish failure.
type ErrorResponse struct {
	Method       Method `json:"method,omitempty"`
	ErrorCode    *int   `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *ErrorResponse) Error() string { return e.ErrorMessage }

func (r Response) IsError() bool { return r.Error != nil }

// Success builds a success response, marshalling v as the result.
func Success(method Method, v any) (Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Response{}, fmt.Errorf("marshal %s result: %w", method, err)
	}
	return Response{Method: method, Result: b}, nil
}

// Failure builds an error response. code may be nil.
func Failure(method Method, message string, code *int) Response {
	return Response{Method: method, Error: &ErrorResponse{Method: method, ErrorCode: code, ErrorMessage: message}}
}

// Code is a helper for the optional error code.
func Code(c int) *int { return &c }

// Decode unmarshals the success result into T. An error response is returned as error.
func Decode[T any](r Response) (T, error) {
	var out T
	if r.Error != nil {
		return out, r.Error
	}
	if len(r.Result) == 0 {
		return out, fmt.Errorf("%s response has no result", r.Method)
	}
	if err := json.Unmarshal(r.Result, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", r.Method, err)
	}
	return out, nil
}

type wireResponse struct {
	Method       Method          `json:"method"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    *int            `json:"errorCode,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{Method: r.Method}
	if r.Error != nil {
		msg := r.Error.ErrorMessage
		w.ErrorMessage = &msg
		w.ErrorCode = r.Error.ErrorCode
	} else {
		w.Result = r.Result
		if len(w.Result) == 0 {
			w.Result = json.RawMessage("null")
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON treats any payload carrying errorMessage as an error response.
func (r *Response) UnmarshalJSON(b []byte) error {
	var w wireResponse
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Response{Method: w.Method}
	if w.ErrorMessage != nil {
		r.Error = &ErrorResponse{Method: w.Method, ErrorCode: w.ErrorCode, ErrorMessage: *w.ErrorMessage}
		return nil
	}
	r.Result = w.Result
	return nil
}

// SwitchResult is the result of addEthereumChain and switchEthereumChain.
type SwitchResult struct {
	IsApproved bool   `json:"isApproved"`
	RPCURL     string `json:"rpcUrl"`
}
