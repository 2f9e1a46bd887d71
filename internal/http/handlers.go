package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/walletlink-client/internal/jsonrpc"
	"github.com/quantumauth-io/walletlink-client/internal/relay/connection"
	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
	"github.com/quantumauth-io/walletlink-client/internal/session"
)

// RPCProvider answers JSON-RPC on behalf of the dapp.
type RPCProvider interface {
	SendRequest(ctx context.Context, req jsonrpc.Request) jsonrpc.Response
	SendBatch(ctx context.Context, reqs []jsonrpc.Request) []jsonrpc.Response
	Accounts() []string
	ChainID() int64
	On(event string, fn func(payload any)) (off func())
}

// RelayInfo reports the state of the wallet link.
type RelayInfo interface {
	LinkingURL() string
	Session() *session.Session
	IsLinked() bool
	ConnectionState() connection.State
}

type Handler struct {
	provider RPCProvider
	relay    RelayInfo
}

func NewHandler(provider RPCProvider, relay RelayInfo) *Handler {
	return &Handler{provider: provider, relay: relay}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusResponse struct {
	ConnectionState string   `json:"connectionState"`
	Linked          bool     `json:"linked"`
	ChainID         int64    `json:"chainId"`
	Accounts        []string `json:"accounts"`
}

func (h *Handler) Status(c *gin.Context) {
	accounts := h.provider.Accounts()
	if accounts == nil {
		accounts = []string{}
	}
	c.JSON(http.StatusOK, statusResponse{
		ConnectionState: h.relay.ConnectionState().String(),
		Linked:          h.relay.IsLinked(),
		ChainID:         h.provider.ChainID(),
		Accounts:        accounts,
	})
}

type linkResponse struct {
	LinkingURL    string `json:"linkingUrl"`
	SessionIDHash string `json:"sessionIdHash"`
	Linked        bool   `json:"linked"`
}

// Link hands out the URL the wallet scans. It carries the session secret.
func (h *Handler) Link(c *gin.Context) {
	s := h.relay.Session()
	c.JSON(http.StatusOK, linkResponse{
		LinkingURL:    h.relay.LinkingURL(),
		SessionIDHash: session.Hash(s.ID()),
		Linked:        h.relay.IsLinked(),
	})
}

// RPC accepts a single JSON-RPC request or a batch.
func (h *Handler) RPC(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(c, http.StatusRequestEntityTooLarge, rpcerr.InvalidRequest("request body too large", nil))
			return
		}
		writeRPCError(c, http.StatusBadRequest, rpcerr.New(rpcerr.CodeParse, "failed to read request body"))
		return
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		h.rpcBatch(c, body)
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(c, http.StatusBadRequest, rpcerr.New(rpcerr.CodeParse, "Parse error"))
		return
	}
	c.JSON(http.StatusOK, h.provider.SendRequest(c.Request.Context(), req))
}

func (h *Handler) rpcBatch(c *gin.Context, body []byte) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		writeRPCError(c, http.StatusBadRequest, rpcerr.New(rpcerr.CodeParse, "Parse error"))
		return
	}
	if len(items) == 0 {
		writeRPCError(c, http.StatusBadRequest, rpcerr.InvalidRequest("empty batch", nil))
		return
	}
	if len(items) > MaxBatchSize {
		writeRPCError(c, http.StatusBadRequest, rpcerr.InvalidRequest("batch too large", nil))
		return
	}

	out := make([]jsonrpc.Response, len(items))
	valid := make([]jsonrpc.Request, 0, len(items))
	index := make([]int, 0, len(items))
	for i, item := range items {
		var req jsonrpc.Request
		if err := json.Unmarshal(item, &req); err != nil {
			out[i] = jsonrpc.ErrorResponse(nil, rpcerr.InvalidRequest("", nil))
			continue
		}
		valid = append(valid, req)
		index = append(index, i)
	}

	for j, resp := range h.provider.SendBatch(c.Request.Context(), valid) {
		out[index[j]] = resp
	}
	c.JSON(http.StatusOK, out)
}

func writeRPCError(c *gin.Context, status int, err *rpcerr.Error) {
	log.Warn("rpc request rejected", "status", status, "code", err.Code, "message", err.Message)
	c.AbortWithStatusJSON(status, jsonrpc.ErrorResponse(nil, err))
}
