// Package provider is the EIP-1193 surface handed to dapps. It answers what it can
// from local state, polyfills filters and subscriptions over the chain RPC, and sends
// everything that needs the user's wallet through the relay.
package provider

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/walletlink-client/internal/constants"
	"github.com/quantumauth-io/walletlink-client/internal/filters"
	"github.com/quantumauth-io/walletlink-client/internal/metrics"
	"github.com/quantumauth-io/walletlink-client/internal/relay"
	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
	"github.com/quantumauth-io/walletlink-client/internal/storage"
	"github.com/quantumauth-io/walletlink-client/internal/subscriptions"
)

const defaultChainID = 1

// Chain is the node access the provider needs: filter and subscription polling plus
// raw forwarding of everything the wallet is not involved in.
type Chain interface {
	filters.Chain
	subscriptions.Chain
	CallRaw(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	SetURL(ctx context.Context, url string) error
	URL() string
}

type Options struct {
	Relay *relay.Relay
	Chain Chain
	// Storage defaults to the relay's storage.
	Storage storage.KeyValueStore

	// ChainID and JSONRPCURL apply until the wallet reports its own.
	ChainID    int64
	JSONRPCURL string

	Clock                    clock.Clock
	FilterTimeout            time.Duration
	SubscriptionPollInterval time.Duration
	Metrics                  *metrics.Metrics
}

// RequestArguments is the EIP-1193 request object.
type RequestArguments struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Provider struct {
	events  *Emitter
	relay   *relay.Relay
	chain   Chain
	storage storage.KeyValueStore
	filters *filters.Polyfill
	subs    *subscriptions.Manager
	metrics *metrics.Metrics

	defaultChainID int64
	defaultRPCURL  string

	mu                sync.Mutex
	addresses         []string
	emittedFirstChain bool
}

func New(opts Options) *Provider {
	if opts.Storage == nil {
		opts.Storage = opts.Relay.Storage()
	}
	if opts.ChainID == 0 {
		opts.ChainID = defaultChainID
	}

	p := &Provider{
		events:         NewEmitter(),
		relay:          opts.Relay,
		chain:          opts.Chain,
		storage:        opts.Storage,
		metrics:        opts.Metrics,
		defaultChainID: opts.ChainID,
		defaultRPCURL:  opts.JSONRPCURL,
	}
	p.filters = filters.New(opts.Chain, filters.Options{
		Clock:   opts.Clock,
		Timeout: opts.FilterTimeout,
		Metrics: opts.Metrics,
	})
	p.subs = subscriptions.NewManager(opts.Chain, func(n subscriptions.Notification) {
		p.events.emit(EventMessage, n)
	}, subscriptions.Options{
		PollInterval: opts.SubscriptionPollInterval,
		Clock:        opts.Clock,
		Metrics:      opts.Metrics,
	})

	if cached, ok := p.storage.Get(constants.AddressesKey); ok && cached != "" {
		for _, a := range strings.Fields(cached) {
			if addr, err := ensureAddress(a); err == nil {
				p.addresses = append(p.addresses, addr)
			}
		}
	}

	p.relay.SetDappDefaultChain(opts.ChainID)
	p.relay.SetAccountsCallback(p.setAddresses)
	p.relay.SetChainCallback(func(chainID, jsonRPCURL string) {
		id, err := strconv.ParseInt(chainID, 0, 64)
		if err != nil || id <= 0 {
			log.Warn("ignoring invalid chain id from wallet", "chainId", chainID)
			return
		}
		p.updateProviderInfo(context.Background(), jsonRPCURL, id)
	})
	return p
}

// Start points the chain client at the current RPC URL and emits the initial connect
// and cached accounts.
func (p *Provider) Start(ctx context.Context) error {
	if url := p.jsonRPCURL(); url != "" && url != p.chain.URL() {
		if err := p.chain.SetURL(ctx, url); err != nil {
			return err
		}
	}
	p.events.emit(EventConnect, map[string]string{"chainId": hexutil.EncodeUint64(uint64(p.chainID()))})
	if accounts := p.Accounts(); len(accounts) > 0 {
		p.events.emit(EventAccountsChanged, accounts)
	}
	return nil
}

func (p *Provider) On(event string, fn func(payload any)) (off func()) {
	return p.events.On(event, fn)
}

func (p *Provider) Off(event string) { p.events.Off(event) }

// Accounts returns a copy of the authorized addresses.
func (p *Provider) Accounts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.addresses)
}

// SelectedAddress is the first authorized address, or "".
func (p *Provider) SelectedAddress() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.addresses) == 0 {
		return ""
	}
	return p.addresses[0]
}

func (p *Provider) IsConnected() bool { return true }

func (p *Provider) ChainID() int64 { return p.chainID() }

func (p *Provider) chainID() int64 {
	if v, ok := p.storage.Get(constants.DefaultChainIDKey); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return p.defaultChainID
}

func (p *Provider) jsonRPCURL() string {
	if v, ok := p.storage.Get(constants.DefaultJSONRPCURLKey); ok && v != "" {
		return v
	}
	return p.defaultRPCURL
}

func (p *Provider) isAuthorized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.addresses) > 0
}

func (p *Provider) requireAuthorization() error {
	if !p.isAuthorized() {
		return rpcerr.Unauthorized("")
	}
	return nil
}

func (p *Provider) ensureKnownAddress(address string) error {
	lower := strings.ToLower(address)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !slices.Contains(p.addresses, lower) {
		return errUnknownAddress
	}
	return nil
}

// setAddresses replaces the authorized accounts. A disconnect also emits the
// disconnect event.
func (p *Provider) setAddresses(accounts []string, isDisconnect bool) {
	next := make([]string, 0, len(accounts))
	for _, a := range accounts {
		addr, err := ensureAddress(a)
		if err != nil {
			log.Warn("ignoring invalid account from wallet", "account", a)
			continue
		}
		if !slices.Contains(next, addr) {
			next = append(next, addr)
		}
	}

	p.mu.Lock()
	changed := !slices.Equal(next, p.addresses)
	if changed {
		p.addresses = next
	}
	p.mu.Unlock()

	if changed {
		if err := p.storage.Set(constants.AddressesKey, strings.Join(next, " ")); err != nil {
			log.Error("failed to persist addresses", "error", err)
		}
		p.events.emit(EventAccountsChanged, slices.Clone(next))
	}
	if isDisconnect {
		p.events.emit(EventDisconnect, rpcerr.Disconnected(""))
	}
}

// updateProviderInfo records the wallet's chain. chainChanged fires on a change and
// always on the first call.
func (p *Provider) updateProviderInfo(ctx context.Context, jsonRPCURL string, chainID int64) {
	previous := p.chainID()

	if jsonRPCURL != "" {
		if err := p.storage.Set(constants.DefaultJSONRPCURLKey, jsonRPCURL); err != nil {
			log.Error("failed to persist json rpc url", "error", err)
		}
	}
	if err := p.storage.Set(constants.DefaultChainIDKey, strconv.FormatInt(chainID, 10)); err != nil {
		log.Error("failed to persist chain id", "error", err)
	}
	if url := p.jsonRPCURL(); url != "" {
		if err := p.chain.SetURL(ctx, url); err != nil {
			log.Warn("failed to switch chain endpoint", "url", url, "error", err)
		}
	}

	p.mu.Lock()
	emit := previous != chainID || !p.emittedFirstChain
	p.emittedFirstChain = true
	p.mu.Unlock()

	if emit {
		log.Info("chain changed", "chainId", chainID, "previous", previous)
		p.events.emit(EventChainChanged, hexutil.EncodeUint64(uint64(chainID)))
	}
}

// SetProviderInfo overrides the chain the provider talks to.
func (p *Provider) SetProviderInfo(ctx context.Context, jsonRPCURL string, chainID int64) {
	p.relay.SetDappDefaultChain(chainID)
	p.updateProviderInfo(ctx, jsonRPCURL, chainID)
}

func (p *Provider) SetAppInfo(appName, appLogoURL string) {
	p.relay.SetAppInfo(appName, appLogoURL)
}

func (p *Provider) DisableReloadOnDisconnect() {
	p.relay.SetReloadOnDisconnect(false)
}

// Enable returns the authorized accounts, requesting them first if there are none.
func (p *Provider) Enable(ctx context.Context) ([]string, error) {
	if accounts := p.Accounts(); len(accounts) > 0 {
		return accounts, nil
	}
	if _, err := p.Request(ctx, RequestArguments{Method: "eth_requestAccounts"}); err != nil {
		return nil, err
	}
	return p.Accounts(), nil
}

// Close resets the relay session and releases polling resources.
func (p *Provider) Close(ctx context.Context) error {
	p.filters.Close()
	p.subs.Close()
	return p.relay.ResetAndReload(ctx)
}

// Shutdown releases polling resources and closes the relay without touching the
// session.
func (p *Provider) Shutdown(ctx context.Context) {
	p.filters.Close()
	p.subs.Close()
	p.relay.Close(ctx)
}

func (p *Provider) ScanQRCode(ctx context.Context, regExp string) (string, error) {
	resp, err := p.relay.ScanQRCode(regExp).Wait(ctx)
	if err != nil {
		return "", err
	}
	return decodeResult[string](resp, "")
}

func (p *Provider) GenericRequest(ctx context.Context, data json.RawMessage, action string) (string, error) {
	resp, err := p.relay.GenericRequest(data, action).Wait(ctx)
	if err != nil {
		return "", err
	}
	return decodeResult[string](resp, "")
}

func (p *Provider) SelectProvider(ctx context.Context, options []string) (string, error) {
	resp, err := p.relay.SelectProvider(options).Wait(ctx)
	if err != nil {
		return "", err
	}
	return decodeResult[string](resp, "")
}
