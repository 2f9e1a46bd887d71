package relay

import (
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/walletlink-client/internal/relay/web3"
)

type ConnectingOptions struct {
	IsUnlinkedErrorState bool
	OnCancel             func(err error)
	OnResetConnection    func()
}

// AccountsPrompt asks the user to connect a wallet. OnAccounts is only set when the UI
// answers inline.
type AccountsPrompt struct {
	OnAccounts func(accounts []string)
	OnCancel   func(err error)
}

type WatchAssetPrompt struct {
	Params    web3.WatchAssetParams
	OnApprove func()
	OnCancel  func()
}

type AddChainPrompt struct {
	Params    web3.AddEthereumChainParams
	OnApprove func(rpcURL string)
	OnCancel  func()
}

// SwitchChainPrompt.OnCancel takes a nil error for a plain decline. A non-nil error is
// reported to the dapp, as an unsupported chain unless it carries its own code.
type SwitchChainPrompt struct {
	ChainID   string
	Address   string
	OnApprove func(rpcURL string)
	OnCancel  func(err error)
}

type SelectProviderPrompt struct {
	Options   []string
	OnApprove func(provider string)
	OnCancel  func()
}

// StandaloneRequest hands a signing request to a wallet running in the same process.
type StandaloneRequest struct {
	ID        string
	Request   web3.Request
	OnSuccess func(web3.Response)
	OnCancel  func(err error)
}

// UI is everything the relay needs from the user-facing layer. Rendering is up to the
// implementation.
type UI interface {
	SetConnected(connected bool)
	ShowConnecting(opts ConnectingOptions) (hide func())

	RequestEthereumAccounts(p AccountsPrompt)
	HideRequestEthereumAccounts()
	WatchAsset(p WatchAssetPrompt)
	AddEthereumChain(p AddChainPrompt)
	SwitchEthereumChain(p SwitchChainPrompt)
	SelectProvider(p SelectProviderPrompt)
	SignStandalone(req StandaloneRequest)

	InlineAccountsResponse() bool
	InlineWatchAsset() bool
	InlineAddEthereumChain(chainID string) bool
	InlineSwitchEthereumChain() bool
	IsStandalone() bool

	Reload()
}

// HeadlessUI logs instead of rendering. Every request goes through the relay.
type HeadlessUI struct {
	// LinkingURL is logged when the user has to link a wallet.
	LinkingURL func() string
}

func (u HeadlessUI) SetConnected(connected bool) {
	log.Info("relay connection changed", "connected", connected)
}

func (u HeadlessUI) ShowConnecting(opts ConnectingOptions) func() {
	if opts.IsUnlinkedErrorState {
		log.Warn("wallet unlinked; reset the connection and link again")
	}
	return func() {}
}

func (u HeadlessUI) RequestEthereumAccounts(AccountsPrompt) {
	if u.LinkingURL != nil {
		log.Info("open this link in your wallet to connect", "url", u.LinkingURL())
	}
}

func (HeadlessUI) HideRequestEthereumAccounts()          {}
func (HeadlessUI) WatchAsset(WatchAssetPrompt)           {}
func (HeadlessUI) AddEthereumChain(AddChainPrompt)       {}
func (HeadlessUI) SwitchEthereumChain(SwitchChainPrompt) {}
func (HeadlessUI) InlineAccountsResponse() bool          { return false }
func (HeadlessUI) InlineWatchAsset() bool                { return false }
func (HeadlessUI) InlineAddEthereumChain(string) bool    { return false }
func (HeadlessUI) InlineSwitchEthereumChain() bool       { return false }
func (HeadlessUI) IsStandalone() bool                    { return false }

// SelectProvider has no chooser, so it answers with the unselected provider.
func (HeadlessUI) SelectProvider(p SelectProviderPrompt) {
	if p.OnCancel != nil {
		p.OnCancel()
	}
}

func (HeadlessUI) SignStandalone(req StandaloneRequest) {
	if req.OnCancel != nil {
		req.OnCancel(nil)
	}
}

func (HeadlessUI) Reload() {
	log.Info("session reset; restart the client to link again")
}
