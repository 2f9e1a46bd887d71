// Package rpcerr holds the EIP-1193 / EIP-1474 error codes and the error value that
// crosses the provider boundary.
package rpcerr

import (
	"errors"
	"fmt"
	"regexp"
)

// JSON-RPC 2.0 and EIP-1474.
const (
	CodeInvalidInput        = -32000
	CodeResourceNotFound    = -32001
	CodeResourceUnavailable = -32002
	CodeTransactionRejected = -32003
	CodeMethodNotSupported  = -32004
	CodeLimitExceeded       = -32005
	CodeParse               = -32700
	CodeInvalidRequest      = -32600
	CodeMethodNotFound      = -32601
	CodeInvalidParams       = -32602
	CodeInternal            = -32603
)

// EIP-1193 and EIP-3085.
const (
	CodeUserRejectedRequest = 4001
	CodeUnauthorized        = 4100
	CodeUnsupportedMethod   = 4200
	CodeDisconnected        = 4900
	CodeChainDisconnected   = 4901
	CodeUnsupportedChain    = 4902
)

var standardMessages = map[int]string{
	CodeParse:               "Invalid JSON was received by the server. An error occurred on the server while parsing the JSON text.",
	CodeInvalidRequest:      "The JSON sent is not a valid Request object.",
	CodeMethodNotFound:      "The method does not exist / is not available.",
	CodeInvalidParams:       "Invalid method parameter(s).",
	CodeInternal:            "Internal JSON-RPC error.",
	CodeInvalidInput:        "Invalid input.",
	CodeResourceNotFound:    "Resource not found.",
	CodeResourceUnavailable: "Resource unavailable.",
	CodeTransactionRejected: "Transaction rejected.",
	CodeMethodNotSupported:  "Method not supported.",
	CodeLimitExceeded:       "Request limit exceeded.",
	CodeUserRejectedRequest: "User rejected the request.",
	CodeUnauthorized:        "The requested account and/or method has not been authorized by the user.",
	CodeUnsupportedMethod:   "The requested method is not supported by this Ethereum provider.",
	CodeDisconnected:        "The provider is disconnected from all chains.",
	CodeChainDisconnected:   "The provider is disconnected from the specified chain.",
	CodeUnsupportedChain:    "Unrecognized chain ID.",
}

var userRejectionPattern = regexp.MustCompile(`(?i)(denied|rejected)`)

// Error is the error shape returned to dapps.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// MessageFor returns the standard message for code, or a generic one.
func MessageFor(code int) string {
	if m, ok := standardMessages[code]; ok {
		return m
	}
	return "Unspecified error message."
}

func New(code int, message string) *Error {
	if message == "" {
		message = MessageFor(code)
	}
	return &Error{Code: code, Message: message}
}

func WithData(code int, message string, data any) *Error {
	e := New(code, message)
	e.Data = data
	return e
}

func InvalidRequest(message string, data any) *Error {
	return WithData(CodeInvalidRequest, message, data)
}

func InvalidParams(message string) *Error { return New(CodeInvalidParams, message) }

func InvalidInput(message string) *Error { return New(CodeInvalidInput, message) }

func MethodNotFound(message string) *Error { return New(CodeMethodNotFound, message) }

func Internal(message string) *Error { return New(CodeInternal, message) }

func UserRejectedRequest(message string) *Error { return New(CodeUserRejectedRequest, message) }

func Unauthorized(message string) *Error { return New(CodeUnauthorized, message) }

func UnsupportedMethod(message string) *Error { return New(CodeUnsupportedMethod, message) }

func Disconnected(message string) *Error { return New(CodeDisconnected, message) }

func UnsupportedChain(chainID string) *Error {
	msg := MessageFor(CodeUnsupportedChain)
	if chainID != "" {
		msg = fmt.Sprintf("Unrecognized chain ID %q. Try adding the chain using wallet_addEthereumChain first.", chainID)
	}
	return New(CodeUnsupportedChain, msg)
}

// IsUserRejection reports whether a wallet-side message describes a denial.
func IsUserRejection(message string) bool {
	return userRejectionPattern.MatchString(message)
}

// From converts any error into an *Error. Errors that are not already typed become
// internal errors carrying the original message.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// CodeOf returns the code carried by err, or 0 if it has none.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
