package provider

import (
	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/walletlink-client/internal/relay/web3"
	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
)

var errUnknownAddress = errors.New("Unknown Ethereum address")

// Rejection messages reported instead of the wallet's own wording.
const (
	msgAccountsDenied    = "User denied account authorization"
	msgSignatureDenied   = "User denied message signature"
	msgTransactionDenied = "User denied transaction signature"
)

// relayError maps a wallet error response. Coded errors keep their code, denials become
// user rejections with the method's rejection message, and anything else is internal.
func relayError(e *web3.ErrorResponse, rejection string) error {
	if e.ErrorCode != nil {
		msg := e.ErrorMessage
		if *e.ErrorCode == rpcerr.CodeUserRejectedRequest && rejection != "" {
			msg = rejection
		}
		return rpcerr.New(*e.ErrorCode, msg)
	}
	if rpcerr.IsUserRejection(e.ErrorMessage) {
		if rejection == "" {
			rejection = e.ErrorMessage
		}
		return rpcerr.UserRejectedRequest(rejection)
	}
	return rpcerr.Internal(e.ErrorMessage)
}

// decodeResult returns the typed result of a wallet response or its mapped error.
func decodeResult[T any](resp web3.Response, rejection string) (T, error) {
	if resp.Error != nil {
		var zero T
		return zero, relayError(resp.Error, rejection)
	}
	out, err := web3.Decode[T](resp)
	if err != nil {
		return out, rpcerr.Internal(err.Error())
	}
	return out, nil
}
