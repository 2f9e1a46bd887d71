package relay

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/walletlink-client/internal/cipher"
	"github.com/quantumauth-io/walletlink-client/internal/relay/connection"
	"github.com/quantumauth-io/walletlink-client/internal/relay/web3"
	"github.com/quantumauth-io/walletlink-client/internal/session"
)

type published struct {
	event       string
	data        web3.EventData
	hasDeadline bool
}

type fakeConn struct {
	mu         sync.Mutex
	sessionID  string
	published  []published
	publishErr error
	connected  bool
	destroyed  bool
	// linkGate, when set, holds every publish until link closes it.
	linkGate chan struct{}

	state    []func(connection.State)
	linked   []func(bool)
	account  []func(string)
	chain    []func(connection.ChainUpdate)
	metadata []func(connection.MetadataUpdate)
	response []func(connection.Web3ResponseMessage)
	destroy  []func()
}

func (c *fakeConn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeConn) Destroy(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
}

func (c *fakeConn) PublishEvent(ctx context.Context, event string, data web3.EventData, _ bool) (string, error) {
	c.mu.Lock()
	gate := c.linkGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return "", c.publishErr
	}
	_, hasDeadline := ctx.Deadline()
	c.published = append(c.published, published{event: event, data: data, hasDeadline: hasDeadline})
	return "evt", nil
}

func (c *fakeConn) link() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.linkGate)
}

func (c *fakeConn) State() connection.State { return connection.Connected }
func (c *fakeConn) IsLinked() bool          { return true }

func (c *fakeConn) OnStateChange(fn func(connection.State)) func() {
	c.state = append(c.state, fn)
	return func() {}
}
func (c *fakeConn) OnLinked(fn func(bool)) func() { c.linked = append(c.linked, fn); return func() {} }
func (c *fakeConn) OnAccount(fn func(string)) func() {
	c.account = append(c.account, fn)
	return func() {}
}
func (c *fakeConn) OnChain(fn func(connection.ChainUpdate)) func() {
	c.chain = append(c.chain, fn)
	return func() {}
}
func (c *fakeConn) OnMetadata(fn func(connection.MetadataUpdate)) func() {
	c.metadata = append(c.metadata, fn)
	return func() {}
}
func (c *fakeConn) OnWeb3Response(fn func(connection.Web3ResponseMessage)) func() {
	c.response = append(c.response, fn)
	return func() {}
}
func (c *fakeConn) OnRemoteDestroy(fn func()) func() {
	c.destroy = append(c.destroy, fn)
	return func() {}
}

func (c *fakeConn) pushLinked(v bool) {
	for _, fn := range c.linked {
		fn(v)
	}
}

func (c *fakeConn) pushAccount(a string) {
	for _, fn := range c.account {
		fn(a)
	}
}

func (c *fakeConn) pushChain(u connection.ChainUpdate) {
	for _, fn := range c.chain {
		fn(u)
	}
}

func (c *fakeConn) pushResponse(id string, resp web3.Response) {
	for _, fn := range c.response {
		fn(connection.Web3ResponseMessage{ID: id, Response: resp})
	}
}

func (c *fakeConn) events() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func (c *fakeConn) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// conns records every connection a relay creates.
type conns struct {
	mu    sync.Mutex
	all   []*fakeConn
	onNew func(*fakeConn)
}

func (cs *conns) factory(s *session.Session, _ cipher.Cipher) Conn {
	c := &fakeConn{sessionID: s.ID()}
	if cs.onNew != nil {
		cs.onNew(c)
	}
	cs.mu.Lock()
	cs.all = append(cs.all, c)
	cs.mu.Unlock()
	return c
}

func (cs *conns) last() *fakeConn {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.all[len(cs.all)-1]
}

func (cs *conns) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.all)
}

// fakeUI behaves like HeadlessUI unless a field switches on inline handling.
type fakeUI struct {
	HeadlessUI

	mu         sync.Mutex
	inline     bool
	standalone bool
	reloads    int
	shown      int
	hidden     int

	accounts    []AccountsPrompt
	watchAssets []WatchAssetPrompt
	addChains   []AddChainPrompt
	switches    []SwitchChainPrompt
	standalones []StandaloneRequest
}

func (u *fakeUI) ShowConnecting(ConnectingOptions) func() {
	u.mu.Lock()
	u.shown++
	u.mu.Unlock()
	return func() {
		u.mu.Lock()
		u.hidden++
		u.mu.Unlock()
	}
}

func (u *fakeUI) RequestEthereumAccounts(p AccountsPrompt) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.accounts = append(u.accounts, p)
}

func (u *fakeUI) WatchAsset(p WatchAssetPrompt) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.watchAssets = append(u.watchAssets, p)
}

func (u *fakeUI) AddEthereumChain(p AddChainPrompt) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.addChains = append(u.addChains, p)
}

func (u *fakeUI) SwitchEthereumChain(p SwitchChainPrompt) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.switches = append(u.switches, p)
}

func (u *fakeUI) SignStandalone(req StandaloneRequest) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.standalones = append(u.standalones, req)
}

func (u *fakeUI) InlineAccountsResponse() bool       { return u.inline }
func (u *fakeUI) InlineWatchAsset() bool             { return u.inline }
func (u *fakeUI) InlineAddEthereumChain(string) bool { return u.inline }
func (u *fakeUI) InlineSwitchEthereumChain() bool    { return u.inline }
func (u *fakeUI) IsStandalone() bool                 { return u.standalone }

func (u *fakeUI) Reload() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reloads++
}

func (u *fakeUI) counts() (shown, hidden, reloads int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.shown, u.hidden, u.reloads
}

var errPublish = errors.New("relay unavailable")
