// Package relay turns dapp-level wallet actions into encrypted requests over the relay
// connection and correlates the wallet's responses.
package relay

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/walletlink-client/internal/cipher"
	"github.com/quantumauth-io/walletlink-client/internal/constants"
	"github.com/quantumauth-io/walletlink-client/internal/metrics"
	"github.com/quantumauth-io/walletlink-client/internal/relay/connection"
	"github.com/quantumauth-io/walletlink-client/internal/relay/web3"
	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
	"github.com/quantumauth-io/walletlink-client/internal/session"
	"github.com/quantumauth-io/walletlink-client/internal/storage"
)

// ProviderUnselected is the selectProvider answer when the user picks nothing.
const ProviderUnselected = "Unselected"

// Conn is the relay transport as seen by the orchestrator.
type Conn interface {
	Connect(ctx context.Context) error
	Destroy(ctx context.Context)
	PublishEvent(ctx context.Context, event string, data web3.EventData, callWebhook bool) (string, error)
	State() connection.State
	IsLinked() bool

	OnStateChange(fn func(connection.State)) func()
	OnLinked(fn func(bool)) func()
	OnAccount(fn func(address string)) func()
	OnChain(fn func(connection.ChainUpdate)) func()
	OnMetadata(fn func(connection.MetadataUpdate)) func()
	OnWeb3Response(fn func(connection.Web3ResponseMessage)) func()
	OnRemoteDestroy(fn func()) func()
}

// ConnFactory builds the transport for a session.
type ConnFactory func(s *session.Session, c cipher.Cipher) Conn

type Options struct {
	LinkAPIURL string
	Storage    storage.KeyValueStore

	// Optional.
	UI                 UI
	NewConn            ConnFactory
	Connection         connection.Options
	ReloadOnDisconnect bool
	Metrics            *metrics.Metrics
}

// EthereumTransactionParams is a normalized transaction ready for the wallet.
type EthereumTransactionParams struct {
	FromAddress          common.Address
	ToAddress            *common.Address
	WeiValue             *big.Int
	Data                 []byte
	Nonce                *int64
	GasPriceInWei        *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             *big.Int
	ChainID              int64
}

type Relay struct {
	linkAPIURL string
	storage    storage.KeyValueStore
	ui         UI
	newConn    ConnFactory
	registry   *Registry
	metrics    *metrics.Metrics

	// accountRequestIDs tracks every outstanding requestEthereumAccounts; one answer
	// resolves them all.
	accountRequestIDs mapset.Set[string]

	resetMu sync.Mutex

	publishMu    sync.Mutex
	publishQueue []publishJob
	publishing   bool

	mu                   sync.Mutex
	session              *session.Session
	conn                 Conn
	unsubscribe          []func()
	appName              string
	appLogoURL           *string
	isLinked             bool
	isUnlinkedErrorState bool
	reloadOnDisconnect   bool
	accountsCallback     func(accounts []string, isDisconnect bool)
	chainCallback        func(chainID, jsonRPCURL string)
	lastChain            connection.ChainUpdate
	dappDefaultChain     int64
}

// New loads or creates the session and starts connecting.
func New(ctx context.Context, opts Options) (*Relay, error) {
	if opts.Storage == nil {
		return nil, errors.New("relay storage is required")
	}
	r := &Relay{
		linkAPIURL:         strings.TrimRight(opts.LinkAPIURL, "/"),
		storage:            opts.Storage,
		ui:                 opts.UI,
		newConn:            opts.NewConn,
		registry:           NewRegistry(),
		metrics:            opts.Metrics,
		accountRequestIDs:  mapset.NewSet[string](),
		reloadOnDisconnect: opts.ReloadOnDisconnect,
		dappDefaultChain:   1,
	}
	if r.ui == nil {
		r.ui = HeadlessUI{LinkingURL: r.LinkingURL}
	}
	if r.newConn == nil {
		template := opts.Connection
		template.LinkAPIURL = r.linkAPIURL
		if template.Metrics == nil {
			template.Metrics = opts.Metrics
		}
		r.newConn = func(s *session.Session, c cipher.Cipher) Conn {
			o := template
			o.Cipher = c
			return connection.New(s, o)
		}
	}
	if err := r.subscribe(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Relay) subscribe(ctx context.Context) error {
	s, err := session.Load(r.storage)
	if err != nil {
		log.Warn("discarding stored session", "error", err)
		s = nil
	}
	if s == nil {
		if s, err = session.New(r.storage); err != nil {
			return err
		}
		if err := s.Save(); err != nil {
			return err
		}
	}
	c, err := cipher.New(s.Secret())
	if err != nil {
		return err
	}

	conn := r.newConn(s, c)
	unsubscribe := []func(){
		conn.OnStateChange(func(st connection.State) { r.ui.SetConnected(st == connection.Connected) }),
		conn.OnLinked(r.linkedUpdated),
		conn.OnAccount(r.accountUpdated),
		conn.OnChain(r.chainUpdated),
		conn.OnMetadata(func(m connection.MetadataUpdate) {
			if err := r.storage.Set(m.Key, m.Value); err != nil {
				log.Warn("unable to store session metadata", "key", m.Key, "error", err)
			}
		}),
		conn.OnWeb3Response(func(m connection.Web3ResponseMessage) { r.handleWeb3Response(m.ID, m.Response) }),
		// Destroy waits on the connection's own read loop, so it cannot run inline.
		conn.OnRemoteDestroy(func() { go r.resetFromRemote() }),
	}

	r.mu.Lock()
	r.session = s
	r.conn = conn
	r.unsubscribe = unsubscribe
	r.isLinked = false
	r.mu.Unlock()

	log.Info("relay session ready", "sessionIdHash", session.Hash(s.ID()), "linked", s.Linked())
	if err := conn.Connect(ctx); err != nil {
		log.Warn("relay connect failed; retrying in background", "error", err)
	}
	return nil
}

func (r *Relay) resetFromRemote() {
	if err := r.ResetAndReload(context.Background()); err != nil {
		log.Error("failed to reset and reload", "error", err)
	}
}

func (r *Relay) connection() Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Session returns the current session. It changes after ResetAndReload.
func (r *Relay) Session() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Relay) Storage() storage.KeyValueStore { return r.storage }

func (r *Relay) LinkingURL() string {
	return r.Session().LinkingURL(r.linkAPIURL)
}

func (r *Relay) ConnectionState() connection.State { return r.connection().State() }

func (r *Relay) IsLinked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isLinked
}

func (r *Relay) IsUnlinkedErrorState() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isUnlinkedErrorState
}

func (r *Relay) SetAppInfo(appName string, appLogoURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appName = appName
	r.appLogoURL = nil
	if appLogoURL != "" {
		r.appLogoURL = &appLogoURL
	}
}

func (r *Relay) SetAccountsCallback(fn func(accounts []string, isDisconnect bool)) {
	r.mu.Lock()
	r.accountsCallback = fn
	r.mu.Unlock()
}

func (r *Relay) SetChainCallback(fn func(chainID, jsonRPCURL string)) {
	r.mu.Lock()
	r.chainCallback = fn
	r.mu.Unlock()
}

func (r *Relay) SetDappDefaultChain(chainID int64) {
	r.mu.Lock()
	r.dappDefaultChain = chainID
	r.mu.Unlock()
}

func (r *Relay) SetReloadOnDisconnect(reload bool) {
	r.mu.Lock()
	r.reloadOnDisconnect = reload
	r.mu.Unlock()
}

func (r *Relay) InlineAddEthereumChain(chainID string) bool {
	return r.ui.InlineAddEthereumChain(chainID)
}

func (r *Relay) linkedUpdated(linked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.isLinked = linked
	s := r.session
	// The session flag only ever moves from unlinked to linked.
	if linked && !s.Linked() {
		if err := s.SetLinked(true).Save(); err != nil {
			log.Warn("unable to persist linked session", "error", err)
		}
	}

	r.isUnlinkedErrorState = false
	cached, ok := r.storage.Get(constants.AddressesKey)
	if !ok {
		return
	}
	addresses := strings.Split(cached, " ")
	standalone, _ := r.storage.Get(constants.IsStandaloneSigningKey)
	if addresses[0] != "" && !linked && s.Linked() && standalone != "true" {
		r.isUnlinkedErrorState = true
		log.Warn("wallet unlinked from an established session", "sessionIdHash", session.Hash(s.ID()))
	}
}

func (r *Relay) accountUpdated(address string) {
	r.mu.Lock()
	cb := r.accountsCallback
	r.mu.Unlock()
	if cb != nil {
		cb([]string{address}, false)
	}

	// The address pushed through session metadata also answers pending account
	// requests whose explicit response never arrived.
	resp, err := web3.Success(web3.RequestEthereumAccounts, []string{address})
	if err != nil {
		return
	}
	for _, id := range r.drainAccountRequests() {
		r.registry.Resolve(id, resp)
	}
}

func (r *Relay) drainAccountRequests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.accountRequestIDs.ToSlice()
	r.accountRequestIDs.Clear()
	return ids
}

// chainUpdated hands u to the chain callback unless it already saw u. Updates that
// arrive with no callback registered are not remembered.
func (r *Relay) chainUpdated(u connection.ChainUpdate) {
	r.mu.Lock()
	cb := r.chainCallback
	if cb == nil || u == r.lastChain {
		r.mu.Unlock()
		return
	}
	r.lastChain = u
	r.mu.Unlock()
	cb(u.ChainID, u.JSONRPCURL)
}

func (r *Relay) handleWeb3Response(id string, resp web3.Response) {
	if resp.Method == web3.RequestEthereumAccounts {
		for _, accountID := range r.drainAccountRequests() {
			r.registry.Resolve(accountID, resp)
		}
		return
	}
	r.registry.Resolve(id, resp)
}

// handleErrorResponse resolves id with an error response. A nil err is a user
// rejection.
func (r *Relay) handleErrorResponse(id string, method web3.Method, err error, code *int) {
	var message string
	var rpcErr *rpcerr.Error
	switch {
	case err == nil && code == nil:
		code = web3.Code(rpcerr.CodeUserRejectedRequest)
		message = rpcerr.MessageFor(rpcerr.CodeUserRejectedRequest)
	case err == nil:
		message = rpcerr.MessageFor(*code)
	case errors.As(err, &rpcErr):
		message = rpcErr.Message
		if code == nil {
			code = web3.Code(rpcErr.Code)
		}
	default:
		message = err.Error()
	}
	r.handleWeb3Response(id, web3.Failure(method, message, code))
}

// publishJob is one event bound for the wallet on the connection that was current
// when it was queued.
type publishJob struct {
	conn        Conn
	event       string
	data        web3.EventData
	callWebhook bool
	onError     func(error)
}

// enqueuePublish hands job to the relay's publisher. Jobs go out one at a time in
// queue order, so a cancellation never overtakes the request it cancels.
func (r *Relay) enqueuePublish(job publishJob) {
	r.publishMu.Lock()
	r.publishQueue = append(r.publishQueue, job)
	if r.publishing {
		r.publishMu.Unlock()
		return
	}
	r.publishing = true
	r.publishMu.Unlock()
	go r.drainPublishQueue()
}

func (r *Relay) drainPublishQueue() {
	for {
		r.publishMu.Lock()
		if len(r.publishQueue) == 0 {
			r.publishing = false
			r.publishMu.Unlock()
			return
		}
		job := r.publishQueue[0]
		r.publishQueue = r.publishQueue[1:]
		r.publishMu.Unlock()

		// Waits for the wallet to link. A destroyed connection returns at once.
		if _, err := job.conn.PublishEvent(context.Background(), job.event, job.data, job.callWebhook); err != nil {
			job.onError(err)
		}
	}
}

func (r *Relay) publishRequest(id string, req web3.Request) {
	r.enqueuePublish(publishJob{
		conn:        r.connection(),
		event:       web3.EventNameRequest,
		data:        web3.NewRequestEvent(id, req, ""),
		callWebhook: true,
		onError: func(err error) {
			log.Warn("unable to publish wallet request", "method", req.Method, "error", err)
			r.handleWeb3Response(id, web3.Failure(req.Method, err.Error(), nil))
		},
	})
}

func (r *Relay) publishCanceled(id string) {
	r.enqueuePublish(publishJob{
		conn:  r.connection(),
		event: web3.EventNameRequestCanceled,
		data:  web3.NewCanceledEvent(id, ""),
		onError: func(err error) {
			log.Info("unable to publish request cancellation", "error", err)
		},
	})
}

// Pending is an outstanding wallet request.
type Pending struct {
	id       string
	method   web3.Method
	done     chan struct{}
	resp     web3.Response
	cancel   func(err error)
	canceled atomic.Bool
}

func newPending(id string, method web3.Method) *Pending {
	return &Pending{id: id, method: method, done: make(chan struct{})}
}

func (p *Pending) ID() string          { return p.id }
func (p *Pending) Method() web3.Method { return p.method }

// Wait blocks until the request resolves. If ctx ends first the request is canceled
// and the synthesized response is returned alongside ctx's error.
func (p *Pending) Wait(ctx context.Context) (web3.Response, error) {
	select {
	case <-p.done:
		return p.resp, nil
	case <-ctx.Done():
		p.Cancel(nil)
		<-p.done
		return p.resp, ctx.Err()
	}
}

// Cancel tells the wallet to drop the request and resolves it locally. A nil err
// resolves with a user rejection. Canceling a resolved request does nothing.
func (p *Pending) Cancel(err error) {
	select {
	case <-p.done:
		return
	default:
	}
	p.canceled.Store(true)
	p.cancel(err)
}

// newRequest wires id, callback, and the default cancel path for req.
func (r *Relay) newRequest(req web3.Request, hide func(), onResolve func()) *Pending {
	id, err := session.RandomHex(8)
	if err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	p := newPending(id, req.Method)

	var hideOnce sync.Once
	hideFn := func() {
		hideOnce.Do(func() {
			if hide != nil {
				hide()
			}
		})
	}
	p.cancel = func(err error) {
		r.publishCanceled(id)
		r.handleErrorResponse(id, req.Method, err, nil)
		hideFn()
	}
	r.registry.Register(id, req.Method, func(resp web3.Response) {
		hideFn()
		if onResolve != nil {
			onResolve()
		}
		p.resp = resp
		close(p.done)

		outcome := "ok"
		switch {
		case p.canceled.Load():
			outcome = "canceled"
		case resp.IsError():
			outcome = "error"
		}
		r.metrics.ObserveRelayRequest(string(req.Method), outcome)
	})
	return p
}

// sendRequest is the common path: show progress, then publish or sign standalone.
func (r *Relay) sendRequest(req web3.Request) *Pending {
	var hideConnecting func()
	p := r.newRequest(req, func() {
		if hideConnecting != nil {
			hideConnecting()
		}
	}, nil)

	if !r.ui.IsStandalone() {
		hideConnecting = r.ui.ShowConnecting(ConnectingOptions{
			IsUnlinkedErrorState: r.IsUnlinkedErrorState(),
			OnCancel:             p.Cancel,
			OnResetConnection:    func() { go r.resetFromRemote() },
		})
		r.publishRequest(p.id, req)
		return p
	}
	r.sendRequestStandalone(p.id, req)
	return p
}

func (r *Relay) sendRequestStandalone(id string, req web3.Request) {
	switch req.Method {
	case web3.SignEthereumMessage, web3.SignEthereumTransaction,
		web3.SubmitEthereumTransaction, web3.EthereumAddressFromSignedMessage:
		r.ui.SignStandalone(StandaloneRequest{
			ID:        id,
			Request:   req,
			OnSuccess: func(resp web3.Response) { r.handleWeb3Response(id, resp) },
			OnCancel:  func(err error) { r.handleErrorResponse(id, req.Method, err, nil) },
		})
	default:
		r.handleErrorResponse(id, req.Method, nil, nil)
	}
}

func (r *Relay) succeed(id string, method web3.Method, result any) {
	resp, err := web3.Success(method, result)
	if err != nil {
		r.handleErrorResponse(id, method, err, nil)
		return
	}
	r.handleWeb3Response(id, resp)
}

func (r *Relay) RequestEthereumAccounts() *Pending {
	r.mu.Lock()
	params := web3.RequestEthereumAccountsParams{AppName: r.appName, AppLogoURL: r.appLogoURL}
	r.mu.Unlock()
	req := web3.Request{Method: web3.RequestEthereumAccounts, Params: params}

	p := r.newRequest(req, nil, r.ui.HideRequestEthereumAccounts)

	r.mu.Lock()
	r.accountRequestIDs.Add(p.id)
	r.mu.Unlock()

	inline := r.ui.InlineAccountsResponse()
	if inline {
		r.ui.RequestEthereumAccounts(AccountsPrompt{
			OnAccounts: func(accounts []string) { r.succeed(p.id, req.Method, accounts) },
			OnCancel:   p.Cancel,
		})
	} else {
		r.ui.RequestEthereumAccounts(AccountsPrompt{
			OnCancel: func(error) {
				p.Cancel(rpcerr.UserRejectedRequest("User denied account authorization"))
			},
		})
	}

	if !inline && !r.ui.IsStandalone() {
		r.publishRequest(p.id, req)
	}
	return p
}

func (r *Relay) SignEthereumMessage(message []byte, address common.Address, addPrefix bool, typedDataJSON string) *Pending {
	params := web3.SignEthereumMessageParams{
		Message:   hexutil.Encode(message),
		Address:   strings.ToLower(address.Hex()),
		AddPrefix: addPrefix,
	}
	if typedDataJSON != "" {
		params.TypedDataJSON = &typedDataJSON
	}
	return r.sendRequest(web3.Request{Method: web3.SignEthereumMessage, Params: params})
}

func (r *Relay) EthereumAddressFromSignedMessage(message, signature []byte, addPrefix bool) *Pending {
	return r.sendRequest(web3.Request{Method: web3.EthereumAddressFromSignedMessage, Params: web3.EthereumAddressFromSignedMessageParams{
		Message:   hexutil.Encode(message),
		Signature: hexutil.Encode(signature),
		AddPrefix: addPrefix,
	}})
}

func (r *Relay) SignEthereumTransaction(tx EthereumTransactionParams) *Pending {
	return r.sendRequest(web3.Request{Method: web3.SignEthereumTransaction, Params: transactionParams(tx, false)})
}

func (r *Relay) SignAndSubmitEthereumTransaction(tx EthereumTransactionParams) *Pending {
	return r.sendRequest(web3.Request{Method: web3.SignEthereumTransaction, Params: transactionParams(tx, true)})
}

func transactionParams(tx EthereumTransactionParams, submit bool) web3.SignEthereumTransactionParams {
	decimal := func(v *big.Int) *string {
		if v == nil {
			return nil
		}
		s := v.String()
		return &s
	}
	wei := "0"
	if tx.WeiValue != nil {
		wei = tx.WeiValue.String()
	}
	var to *string
	if tx.ToAddress != nil {
		s := strings.ToLower(tx.ToAddress.Hex())
		to = &s
	}
	return web3.SignEthereumTransactionParams{
		FromAddress:          strings.ToLower(tx.FromAddress.Hex()),
		ToAddress:            to,
		WeiValue:             wei,
		Data:                 hexutil.Encode(tx.Data),
		Nonce:                tx.Nonce,
		GasPriceInWei:        decimal(tx.GasPriceInWei),
		MaxFeePerGas:         decimal(tx.MaxFeePerGas),
		MaxPriorityFeePerGas: decimal(tx.MaxPriorityFeePerGas),
		GasLimit:             decimal(tx.GasLimit),
		ChainID:              tx.ChainID,
		ShouldSubmit:         submit,
	}
}

func (r *Relay) SubmitEthereumTransaction(signedTransaction []byte, chainID int64) *Pending {
	return r.sendRequest(web3.Request{Method: web3.SubmitEthereumTransaction, Params: web3.SubmitEthereumTransactionParams{
		SignedTransaction: hexutil.Encode(signedTransaction),
		ChainID:           chainID,
	}})
}

func (r *Relay) ScanQRCode(regExp string) *Pending {
	return r.sendRequest(web3.Request{Method: web3.ScanQRCode, Params: web3.ScanQRCodeParams{RegExp: regExp}})
}

func (r *Relay) GenericRequest(data json.RawMessage, action string) *Pending {
	return r.sendRequest(web3.Request{Method: web3.Generic, Params: web3.GenericParams{Action: action, Data: data}})
}

func (r *Relay) SelectProvider(options []string) *Pending {
	req := web3.Request{Method: web3.SelectProvider, Params: web3.SelectProviderParams{ProviderOptions: options}}
	p := r.newRequest(req, nil, nil)
	r.ui.SelectProvider(SelectProviderPrompt{
		Options:   options,
		OnApprove: func(provider string) { r.succeed(p.id, req.Method, provider) },
		OnCancel:  func() { r.succeed(p.id, req.Method, ProviderUnselected) },
	})
	return p
}

func (r *Relay) WatchAsset(params web3.WatchAssetParams) *Pending {
	req := web3.Request{Method: web3.WatchAsset, Params: params}
	inline := r.ui.InlineWatchAsset()
	return r.sendPrompted(req, inline, func(p *Pending) {
		r.ui.WatchAsset(WatchAssetPrompt{
			Params:    params,
			OnApprove: func() { r.succeed(p.id, req.Method, true) },
			OnCancel:  func() { r.succeed(p.id, req.Method, false) },
		})
	})
}

func (r *Relay) AddEthereumChain(params web3.AddEthereumChainParams) *Pending {
	req := web3.Request{Method: web3.AddEthereumChain, Params: params}
	inline := r.ui.InlineAddEthereumChain(params.ChainID)
	return r.sendPrompted(req, inline, func(p *Pending) {
		r.ui.AddEthereumChain(AddChainPrompt{
			Params: params,
			OnApprove: func(rpcURL string) {
				r.succeed(p.id, req.Method, web3.SwitchResult{IsApproved: true, RPCURL: rpcURL})
			},
			OnCancel: func() { r.succeed(p.id, req.Method, web3.SwitchResult{}) },
		})
	})
}

// sendPrompted shows progress unless the UI answers inline, then either prompts inline
// or publishes to the wallet.
func (r *Relay) sendPrompted(req web3.Request, inline bool, prompt func(p *Pending)) *Pending {
	var hideConnecting func()
	p := r.newRequest(req, func() {
		if hideConnecting != nil {
			hideConnecting()
		}
	}, nil)
	if !inline {
		hideConnecting = r.ui.ShowConnecting(ConnectingOptions{
			IsUnlinkedErrorState: r.IsUnlinkedErrorState(),
			OnCancel:             p.Cancel,
			OnResetConnection:    func() { go r.resetFromRemote() },
		})
	}
	if inline {
		prompt(p)
	}
	if !inline && !r.ui.IsStandalone() {
		r.publishRequest(p.id, req)
	}
	return p
}

func (r *Relay) SwitchEthereumChain(chainID string, address string) *Pending {
	req := web3.Request{Method: web3.SwitchEthereumChain, Params: web3.SwitchEthereumChainParams{ChainID: chainID, Address: address}}
	p := r.newRequest(req, nil, nil)

	r.ui.SwitchEthereumChain(SwitchChainPrompt{
		ChainID: chainID,
		Address: address,
		OnApprove: func(rpcURL string) {
			r.succeed(p.id, req.Method, web3.SwitchResult{IsApproved: true, RPCURL: rpcURL})
		},
		OnCancel: func(err error) {
			if err == nil {
				r.succeed(p.id, req.Method, web3.SwitchResult{})
				return
			}
			code := rpcerr.CodeUnsupportedChain
			var rpcErr *rpcerr.Error
			if errors.As(err, &rpcErr) {
				code = rpcErr.Code
			} else {
				err = rpcerr.UnsupportedChain(chainID)
			}
			r.handleErrorResponse(p.id, req.Method, err, web3.Code(code))
		},
	})

	if !r.ui.InlineSwitchEthereumChain() && !r.ui.IsStandalone() {
		r.publishRequest(p.id, req)
	}
	return p
}

// ResetAndReload destroys the session. Stored state is cleared only if it still belongs
// to this session, since another process may already have replaced it.
func (r *Relay) ResetAndReload(ctx context.Context) error {
	r.resetMu.Lock()
	defer r.resetMu.Unlock()

	r.mu.Lock()
	conn := r.conn
	current := r.session
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	reload := r.reloadOnDisconnect
	cb := r.accountsCallback
	r.lastChain = connection.ChainUpdate{}
	r.mu.Unlock()

	log.Info("resetting relay session", "sessionIdHash", session.Hash(current.ID()))
	conn.Destroy(ctx)
	for _, u := range unsubscribe {
		u()
	}

	stored, err := session.Load(r.storage)
	switch {
	case err != nil:
		log.Warn("unable to read stored session", "error", err)
	case stored != nil && stored.ID() == current.ID():
		if err := r.storage.Clear(); err != nil {
			log.Warn("unable to clear storage", "error", err)
		}
	case stored != nil:
		log.Info("skipped clearing session",
			"sessionIdHash", session.Hash(current.ID()),
			"storedSessionIdHash", session.Hash(stored.ID()))
	}

	r.drainAccountRequests()
	r.registry.Abandon(func(m web3.Method) web3.Response {
		return web3.Failure(m, rpcerr.MessageFor(rpcerr.CodeDisconnected), web3.Code(rpcerr.CodeDisconnected))
	})

	if reload {
		r.ui.Reload()
		return nil
	}
	if cb != nil {
		cb([]string{}, true)
	}
	return r.subscribe(ctx)
}

// Close destroys the connection without starting a new session.
func (r *Relay) Close(ctx context.Context) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	conn.Destroy(ctx)
}
