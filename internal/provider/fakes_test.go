package provider

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/walletlink-client/internal/cipher"
	"github.com/quantumauth-io/walletlink-client/internal/relay"
	"github.com/quantumauth-io/walletlink-client/internal/relay/connection"
	"github.com/quantumauth-io/walletlink-client/internal/relay/web3"
	"github.com/quantumauth-io/walletlink-client/internal/session"
	"github.com/quantumauth-io/walletlink-client/internal/storage"
)

// wallet is a relay connection whose far end answers requests through respond.
// Returning false leaves the request unanswered.
type wallet struct {
	mu        sync.Mutex
	requests  []web3.EventData
	canceled  []string
	respond   func(req web3.Request) (web3.Response, bool)
	responses []func(connection.Web3ResponseMessage)
	chains    []func(connection.ChainUpdate)
}

func (w *wallet) Connect(context.Context) error { return nil }
func (w *wallet) Destroy(context.Context)       {}
func (w *wallet) State() connection.State       { return connection.Connected }
func (w *wallet) IsLinked() bool                { return true }

func (w *wallet) PublishEvent(_ context.Context, event string, data web3.EventData, _ bool) (string, error) {
	w.mu.Lock()
	if event == web3.EventNameRequestCanceled {
		w.canceled = append(w.canceled, data.ID)
		w.mu.Unlock()
		return "evt", nil
	}
	w.requests = append(w.requests, data)
	respond := w.respond
	w.mu.Unlock()

	if respond != nil && data.Request != nil {
		if resp, ok := respond(*data.Request); ok {
			go w.push(data.ID, resp)
		}
	}
	return "evt", nil
}

func (w *wallet) push(id string, resp web3.Response) {
	w.mu.Lock()
	fns := append([]func(connection.Web3ResponseMessage){}, w.responses...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(connection.Web3ResponseMessage{ID: id, Response: resp})
	}
}

func (w *wallet) pushChain(u connection.ChainUpdate) {
	w.mu.Lock()
	fns := append([]func(connection.ChainUpdate){}, w.chains...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (w *wallet) sent() []web3.EventData {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]web3.EventData(nil), w.requests...)
}

func (w *wallet) OnStateChange(func(connection.State)) func()      { return func() {} }
func (w *wallet) OnLinked(func(bool)) func()                       { return func() {} }
func (w *wallet) OnAccount(func(string)) func()                    { return func() {} }
func (w *wallet) OnMetadata(func(connection.MetadataUpdate)) func() { return func() {} }
func (w *wallet) OnRemoteDestroy(func()) func()                    { return func() {} }

func (w *wallet) OnChain(fn func(connection.ChainUpdate)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chains = append(w.chains, fn)
	return func() {}
}

func (w *wallet) OnWeb3Response(fn func(connection.Web3ResponseMessage)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.responses = append(w.responses, fn)
	return func() {}
}

// ui records the cancel hook of the progress indicator.
type ui struct {
	relay.HeadlessUI

	mu       sync.Mutex
	onCancel []func(error)
}

func (u *ui) ShowConnecting(opts relay.ConnectingOptions) func() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onCancel = append(u.onCancel, opts.OnCancel)
	return func() {}
}

func (u *ui) cancels() []func(error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]func(error){}, u.onCancel...)
}

type rawCall struct {
	method string
	params string
}

// chain fakes the node. Heights and logs are fixed, raw calls are recorded.
type chain struct {
	mu     sync.Mutex
	url    string
	urls   []string
	height uint64
	raw    []rawCall
	result json.RawMessage
}

func (c *chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *chain) GetLogs(context.Context, map[string]interface{}) ([]types.Log, error) {
	return []types.Log{}, nil
}

func (c *chain) BlockHashByNumber(_ context.Context, n uint64) (*common.Hash, error) {
	h := common.BigToHash(new(big.Int).SetUint64(n + 1000))
	return &h, nil
}

func (c *chain) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n == nil {
		n = new(big.Int).SetUint64(c.height)
	}
	return &types.Header{Number: n}, nil
}

func (c *chain) CallRaw(_ context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = append(c.raw, rawCall{method: method, params: string(params)})
	return c.result, nil
}

func (c *chain) SetURL(_ context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if url != c.url {
		c.url = url
		c.urls = append(c.urls, url)
	}
	return nil
}

func (c *chain) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *chain) calls() []rawCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rawCall(nil), c.raw...)
}

func (c *chain) switched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.urls...)
}

type harness struct {
	provider *Provider
	wallet   *wallet
	ui       *ui
	chain    *chain
	store    storage.KeyValueStore
}

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
)

func newHarness(t *testing.T, accounts ...string) *harness {
	t.Helper()
	w := &wallet{}
	u := &ui{}
	c := &chain{height: 0x10, result: json.RawMessage(`"0x1"`)}
	store := storage.NewScoped(storage.NewMemory(), "https://relay.example")
	if len(accounts) > 0 {
		require.NoError(t, store.Set("Addresses", strings.Join(accounts, " ")))
	}

	r, err := relay.New(context.Background(), relay.Options{
		LinkAPIURL: "https://relay.example",
		Storage:    store,
		UI:         u,
		NewConn:    func(*session.Session, cipher.Cipher) relay.Conn { return w },
	})
	require.NoError(t, err)

	p := New(Options{Relay: r, Chain: c, ChainID: 1, JSONRPCURL: "https://rpc.example/1"})
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return &harness{provider: p, wallet: w, ui: u, chain: c, store: store}
}

// record collects every payload of event.
type record struct {
	mu       sync.Mutex
	payloads []any
}

func (h *harness) record(event string) *record {
	r := &record{}
	h.provider.On(event, func(payload any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.payloads = append(r.payloads, payload)
	})
	return r
}

func (r *record) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.payloads...)
}

func success(method web3.Method, v any) web3.Response {
	resp, err := web3.Success(method, v)
	if err != nil {
		panic(err)
	}
	return resp
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
