// Package chains talks JSON-RPC to the dapp's current chain. Calls go through a circuit
// breaker and are retried on transport failures only.
package chains

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"
	"github.com/sony/gobreaker/v2"

	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
	defaultCallTimeout               = 15 * time.Second
)

var ErrNoEndpoint = errors.New("no json-rpc url configured")

// Caller provides CallContext as go-ethereum's rpc.Client does.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Dialer opens a Caller for url.
type Dialer func(ctx context.Context, url string) (Caller, error)

func dialRPC(ctx context.Context, url string) (Caller, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Options struct {
	Dial               Dialer
	CallTimeout        time.Duration
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
	BreakerInterval    time.Duration
	InitialRetryDelay  time.Duration
	MaxRetryDelay      time.Duration
}

type endpoint struct {
	url    string
	caller Caller
}

type Client struct {
	dial        Dialer
	callTimeout time.Duration
	retryCfg    *retry.Config
	breaker     *gobreaker.CircuitBreaker[json.RawMessage]

	mu     sync.Mutex
	active atomic.Pointer[endpoint]
}

// New prepares a client. An empty url leaves the client without an endpoint until
// SetURL is called.
func New(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Dial == nil {
		opts.Dial = dialRPC
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	maxFailures := opts.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	if opts.BreakerTimeout == 0 {
		opts.BreakerTimeout = defaultBreakerTimeout
	}
	if opts.BreakerInterval == 0 {
		opts.BreakerInterval = defaultBreakerInterval
	}

	cfg := retry.DefaultConfig()
	if opts.InitialRetryDelay > 0 {
		cfg.InitialDelayBeforeRetrying = opts.InitialRetryDelay
	}
	if opts.MaxRetryDelay > 0 {
		cfg.MaxDelayBeforeRetrying = opts.MaxRetryDelay
	}

	c := &Client{
		dial:        opts.Dial,
		callTimeout: opts.CallTimeout,
		retryCfg:    cfg,
	}
	c.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "chain-rpc",
		MaxRequests: 1,
		Interval:    opts.BreakerInterval,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// The node answering with a JSON-RPC error is still a healthy node.
		IsSuccessful: func(err error) bool {
			var rpcErr rpc.Error
			return err == nil || errors.As(err, &rpcErr)
		},
	})

	if url != "" {
		if err := c.SetURL(ctx, url); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) URL() string {
	if ep := c.active.Load(); ep != nil {
		return ep.url
	}
	return ""
}

// SetURL switches the upstream. Setting the current url again is a no-op.
func (c *Client) SetURL(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return ErrNoEndpoint
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.active.Load()
	if current != nil && current.url == url {
		return nil
	}
	caller, err := c.dial(ctx, url)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to json-rpc endpoint at %s", url)
	}
	c.active.Store(&endpoint{url: url, caller: caller})
	if current != nil {
		closeCaller(current.caller)
	}
	log.Info("chain json-rpc endpoint set", "url", url)
	return nil
}

func closeCaller(caller Caller) {
	if cl, ok := caller.(interface{ Close() }); ok {
		cl.Close()
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep := c.active.Swap(nil); ep != nil {
		closeCaller(ep.caller)
	}
}

// CallRaw forwards method with already-encoded params and returns the raw result.
// JSON-RPC errors from the node come back as *rpcerr.Error with the node's code.
func (c *Client) CallRaw(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	var args []interface{}
	if len(params) > 0 && string(params) != "null" {
		var list []json.RawMessage
		if err := json.Unmarshal(params, &list); err != nil {
			// A by-name params object is passed through as a single argument.
			args = []interface{}{params}
		} else {
			for _, p := range list {
				args = append(args, p)
			}
		}
	}
	return c.call(ctx, method, args...)
}

// Call decodes the result into result.
func (c *Client) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	raw, err := c.call(ctx, method, args...)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return errors.Wrapf(err, "decode %s result", method)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	ep := c.active.Load()
	if ep == nil {
		return nil, ErrNoEndpoint
	}

	var (
		out   json.RawMessage
		final error
	)
	_, err := retry.Retry(ctx, c.retryCfg,
		func(ctx context.Context) ([]interface{}, error) {
			res, err := c.breaker.Execute(func() (json.RawMessage, error) {
				callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
				defer cancel()
				var res json.RawMessage
				err := ep.caller.CallContext(callCtx, &res, method, args...)
				return res, err
			})
			var rpcErr rpc.Error
			switch {
			case err == nil:
				out = res
				return nil, nil
			case errors.As(err, &rpcErr):
				final = fromRPCError(rpcErr)
				return nil, nil
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				final = rpcerr.Internal("chain rpc unavailable: " + err.Error())
				return nil, nil
			}
			return nil, err
		},
		nil,
		"chain rpc "+method)
	if err != nil {
		return nil, errors.Wrapf(err, "chain rpc %s", method)
	}
	if final != nil {
		return nil, final
	}
	return out, nil
}

func fromRPCError(err rpc.Error) *rpcerr.Error {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return rpcerr.WithData(err.ErrorCode(), err.Error(), dataErr.ErrorData())
	}
	return rpcerr.New(err.ErrorCode(), err.Error())
}

// BlockNumber returns the current height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.Call(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// GetLogs runs eth_getLogs with an already-built filter object.
func (c *Client) GetLogs(ctx context.Context, filter map[string]interface{}) ([]types.Log, error) {
	var logs []types.Log
	if err := c.Call(ctx, &logs, "eth_getLogs", filter); err != nil {
		return nil, err
	}
	return logs, nil
}

// BlockHashByNumber returns nil when the node has no such block.
func (c *Client) BlockHashByNumber(ctx context.Context, number uint64) (*common.Hash, error) {
	var block *struct {
		Hash common.Hash `json:"hash"`
	}
	if err := c.Call(ctx, &block, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}
	return &block.Hash, nil
}

// HeaderByNumber returns the latest header for a nil number.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	arg := "latest"
	if number != nil {
		arg = hexutil.EncodeBig(number)
	}
	var head *types.Header
	if err := c.Call(ctx, &head, "eth_getBlockByNumber", arg, false); err != nil {
		return nil, err
	}
	if head == nil {
		return nil, errors.Newf("block %s not found", arg)
	}
	return head, nil
}
