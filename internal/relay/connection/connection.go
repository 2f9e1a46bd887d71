// Package connection is the relay transport: one authenticated WebSocket per session,
// kept alive with heartbeats and re-dialed forever until destroyed.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/walletlink-client/internal/cipher"
	"github.com/quantumauth-io/walletlink-client/internal/constants"
	"github.com/quantumauth-io/walletlink-client/internal/metrics"
	"github.com/quantumauth-io/walletlink-client/internal/relay/web3"
	"github.com/quantumauth-io/walletlink-client/internal/session"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// destroyedKey marks a session the other side has torn down.
const destroyedKey = "__destroyed"

var (
	ErrDestroyed        = errors.New("connection is destroyed")
	ErrAlreadyConnected = errors.New("connection already started")
	ErrRequestTimeout   = errors.New("request timed out")
)

// Credentials is the part of a session the transport reads.
type Credentials interface {
	ID() string
	Key() string
}

// Web3ResponseMessage is a decrypted wallet response.
type Web3ResponseMessage struct {
	ID       string
	Response web3.Response
}

type ChainUpdate struct {
	ChainID    string
	JSONRPCURL string
}

// MetadataUpdate carries decrypted session metadata under its storage key.
type MetadataUpdate struct {
	Key   string
	Value string
}

type Options struct {
	LinkAPIURL string
	Cipher     cipher.Cipher

	// Optional.
	Sockets           SocketFactory
	Events            EventsFetcher
	Clock             clock.Clock
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	DestroyTimeout    time.Duration
	Reconnect         backoff.BackOff
	Origin            string
	Metrics           *metrics.Metrics
}

type Connection struct {
	creds   Credentials
	opts    Options
	rpcURL  string
	clock   clock.Clock
	cipher  cipher.Cipher
	events  EventsFetcher
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	nextID atomic.Int64

	mu             sync.Mutex
	state          State
	destroyed      bool
	sock           Socket
	authenticated  bool
	linked         bool
	linkWaiters    []chan struct{}
	lastHeartbeat  time.Time
	heartbeatTimer *clock.Timer
	reconnectTimer *clock.Timer
	pending        map[int64]chan ServerMessage

	stateObs     observer[State]
	linkedObs    observer[bool]
	accountObs   observer[string]
	chainObs     observer[ChainUpdate]
	metadataObs  observer[MetadataUpdate]
	destroyedObs observer[struct{}]
	responseObs  observer[Web3ResponseMessage]
}

func New(creds Credentials, opts Options) *Connection {
	base := strings.TrimRight(opts.LinkAPIURL, "/")
	if opts.Sockets == nil {
		opts.Sockets = GorillaSockets
	}
	if opts.Events == nil {
		opts.Events = NewHTTPEventsFetcher(base, creds.ID(), creds.Key(), nil)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = constants.HeartbeatInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = constants.RequestTimeout
	}
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = constants.DestroyTimeout
	}
	if opts.Reconnect == nil {
		opts.Reconnect = backoff.NewConstantBackOff(constants.ReconnectDelay)
	}
	if opts.Origin == "" {
		opts.Origin = constants.AppName
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		creds:   creds,
		opts:    opts,
		rpcURL:  base + "/rpc",
		clock:   opts.Clock,
		cipher:  opts.Cipher,
		events:  opts.Events,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: map[int64]chan ServerMessage{},
	}
}

func (c *Connection) OnStateChange(fn func(State)) func()                { return c.stateObs.subscribe(fn) }
func (c *Connection) OnLinked(fn func(bool)) func()                      { return c.linkedObs.subscribe(fn) }
func (c *Connection) OnAccount(fn func(address string)) func()           { return c.accountObs.subscribe(fn) }
func (c *Connection) OnChain(fn func(ChainUpdate)) func()                { return c.chainObs.subscribe(fn) }
func (c *Connection) OnMetadata(fn func(MetadataUpdate)) func()          { return c.metadataObs.subscribe(fn) }
func (c *Connection) OnWeb3Response(fn func(Web3ResponseMessage)) func() { return c.responseObs.subscribe(fn) }

// OnRemoteDestroy fires when the wallet marks the session destroyed.
func (c *Connection) OnRemoteDestroy(fn func()) func() {
	return c.destroyedObs.subscribe(func(struct{}) { fn() })
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsLinked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linked
}

// Connect dials the relay. Authentication continues in the background once the socket
// is open; a failed dial schedules a reconnect like any other drop.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	sock := c.opts.Sockets(c.rpcURL)
	c.sock = sock
	c.state = Connecting
	c.mu.Unlock()
	c.publishState(Connecting)

	if err := sock.Open(ctx); err != nil {
		log.Warn("relay connection failed", "url", c.rpcURL, "error", err)
		c.handleClosed(sock)
		return err
	}

	c.mu.Lock()
	if c.destroyed || c.sock != sock {
		c.mu.Unlock()
		_ = sock.Close()
		return ErrDestroyed
	}
	c.state = Connected
	c.mu.Unlock()
	c.publishState(Connected)

	go c.readLoop(sock)
	go c.authenticate(sock)
	return nil
}

func (c *Connection) publishState(s State) {
	c.metrics.SetConnectionState(int(s))
	c.stateObs.emit(s)
}

func (c *Connection) readLoop(sock Socket) {
	for {
		frame, err := sock.Read()
		if err != nil {
			c.handleClosed(sock)
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Connection) authenticate(sock Socket) {
	res, err := c.makeRequest(c.ctx, HostSession{
		ID:         c.nextRequestID(),
		SessionID:  c.creds.ID(),
		SessionKey: c.creds.Key(),
	}, c.opts.RequestTimeout)
	if err == nil {
		if fail, ok := res.(Fail); ok {
			err = fmt.Errorf("host session rejected: %s", fail.Error)
		}
	}
	if err != nil {
		log.Warn("relay authentication failed", "sessionIdHash", session.Hash(c.creds.ID()), "error", err)
		c.handleClosed(sock)
		return
	}

	c.mu.Lock()
	if c.destroyed || c.sock != sock {
		c.mu.Unlock()
		return
	}
	c.authenticated = true
	c.lastHeartbeat = c.clock.Now()
	c.opts.Reconnect.Reset()
	c.heartbeatTimer = c.clock.AfterFunc(c.opts.HeartbeatInterval, c.heartbeat)
	c.mu.Unlock()

	if err := c.send(IsLinked{ID: c.nextRequestID(), SessionID: c.creds.ID()}); err != nil {
		log.Warn("relay IsLinked send failed", "error", err)
	}
	if err := c.send(GetSessionConfig{ID: c.nextRequestID(), SessionID: c.creds.ID()}); err != nil {
		log.Warn("relay GetSessionConfig send failed", "error", err)
	}
	_ = c.CheckUnseenEvents(c.ctx)
}

// handleClosed moves to Disconnected if sock is still current and, unless destroyed,
// schedules the next attempt.
func (c *Connection) handleClosed(sock Socket) {
	c.mu.Lock()
	if c.sock != sock {
		c.mu.Unlock()
		return
	}
	c.sock = nil
	c.state = Disconnected
	c.authenticated = false
	c.lastHeartbeat = time.Time{}
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	var delay time.Duration
	scheduled := false
	if !c.destroyed {
		delay = c.opts.Reconnect.NextBackOff()
		if delay == backoff.Stop {
			delay = constants.ReconnectDelay
		}
		c.reconnectTimer = c.clock.AfterFunc(delay, c.reconnect)
		scheduled = true
	}
	c.mu.Unlock()

	_ = sock.Close()
	c.publishState(Disconnected)
	if scheduled {
		c.metrics.IncReconnects()
		log.Info("relay disconnected, reconnect scheduled", "delay", delay)
	}
}

func (c *Connection) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}
	if err := c.Connect(c.ctx); err != nil && !errors.Is(err, ErrDestroyed) && !errors.Is(err, ErrAlreadyConnected) {
		log.Warn("relay reconnect failed", "error", err)
	}
}

func (c *Connection) heartbeat() {
	c.mu.Lock()
	if c.destroyed || c.sock == nil {
		c.mu.Unlock()
		return
	}
	sock := c.sock
	if c.clock.Now().Sub(c.lastHeartbeat) > 2*c.opts.HeartbeatInterval {
		c.mu.Unlock()
		c.metrics.IncHeartbeatTimeouts()
		log.Warn("relay heartbeat timed out", "sessionIdHash", session.Hash(c.creds.ID()))
		c.handleClosed(sock)
		return
	}
	authenticated := c.authenticated
	c.heartbeatTimer = c.clock.AfterFunc(c.opts.HeartbeatInterval, c.heartbeat)
	c.mu.Unlock()

	if !authenticated {
		return
	}
	if err := sock.Write("h"); err != nil {
		log.Warn("relay heartbeat send failed", "error", err)
	}
}

// handleFrame counts any inbound frame as liveness, even one that fails to decode.
func (c *Connection) handleFrame(frame string) {
	c.mu.Lock()
	c.lastHeartbeat = c.clock.Now()
	c.mu.Unlock()

	msg, err := DecodeServerMessage(frame)
	if err != nil {
		log.Warn("dropping relay frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case IsLinkedOK:
		c.setLinked(m.Linked || m.OnlineGuests > 0)
	case Linked:
		c.setLinked(m.OnlineGuests > 0)
	case GetSessionConfigOK:
		c.handleMetadata(m.Metadata)
	case SessionConfigUpdated:
		c.handleMetadata(m.Metadata)
	case Event:
		c.handleEvent(m)
	}

	if id, ok := msg.RequestID(); ok {
		c.resolve(id, msg)
	}
}

func (c *Connection) setLinked(linked bool) {
	c.mu.Lock()
	c.linked = linked
	var waiters []chan struct{}
	if linked {
		waiters, c.linkWaiters = c.linkWaiters, nil
	}
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	c.linkedObs.emit(linked)
}

func (c *Connection) handleMetadata(md map[string]string) {
	if md == nil {
		return
	}
	if v, ok := md[destroyedKey]; ok && v == "1" {
		c.destroyedObs.emit(struct{}{})
	}
	if v, ok := md["EthereumAddress"]; ok {
		if address, err := c.cipher.Decrypt(v); err != nil {
			log.Warn("unable to decrypt EthereumAddress", "error", err)
		} else {
			c.accountObs.emit(address)
		}
	}
	for _, pair := range [][2]string{{"WalletUsername", constants.WalletUsernameKey}, {"AppVersion", constants.AppVersionKey}} {
		v, ok := md[pair[0]]
		if !ok {
			continue
		}
		value, err := c.cipher.Decrypt(v)
		if err != nil {
			log.Warn("unable to decrypt session metadata", "key", pair[0], "error", err)
			continue
		}
		c.metadataObs.emit(MetadataUpdate{Key: pair[1], Value: value})
	}
	// ChainId and JsonRpcUrl are always updated together.
	if v, ok := md["ChainId"]; ok && md["JsonRpcUrl"] != "" {
		chainID, err := c.cipher.Decrypt(v)
		if err != nil {
			log.Warn("unable to decrypt ChainId", "error", err)
			return
		}
		rpcURL, err := c.cipher.Decrypt(md["JsonRpcUrl"])
		if err != nil {
			log.Warn("unable to decrypt JsonRpcUrl", "error", err)
			return
		}
		c.chainObs.emit(ChainUpdate{ChainID: chainID, JSONRPCURL: rpcURL})
	}
}

func (c *Connection) handleEvent(m Event) {
	if m.Event != web3.EventNameResponse {
		return
	}
	plain, err := c.cipher.Decrypt(m.Data)
	if err != nil {
		log.Warn("unable to decrypt relay event", "eventId", m.EventID, "error", err)
		return
	}
	var data web3.EventData
	if err := json.Unmarshal([]byte(plain), &data); err != nil {
		log.Warn("unable to decode relay event", "eventId", m.EventID, "error", err)
		return
	}
	if data.Type != web3.EventResponse || data.Response == nil {
		return
	}
	c.responseObs.emit(Web3ResponseMessage{ID: data.ID, Response: *data.Response})
}

// CheckUnseenEvents replays Web3Response events published while offline.
func (c *Connection) CheckUnseenEvents(ctx context.Context) error {
	events, err := c.events.FetchUnseenEvents(ctx)
	if err != nil {
		log.Warn("unable to check for unseen events", "error", err)
		return err
	}
	for _, e := range events {
		c.handleEvent(e)
	}
	return nil
}

func (c *Connection) nextRequestID() int64 { return c.nextID.Add(1) }

func (c *Connection) send(msg ClientMessage) error {
	frame, err := EncodeClientMessage(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return ErrSocketNotOpen
	}
	return sock.Write(frame)
}

// makeRequest sends msg and waits for the first server message carrying its id.
func (c *Connection) makeRequest(ctx context.Context, msg ClientMessage, timeout time.Duration) (ServerMessage, error) {
	id := msg.messageID()
	ch := make(chan ServerMessage, 1)
	expired := make(chan struct{})

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	timer := c.clock.AfterFunc(timeout, func() { close(expired) })
	defer timer.Stop()

	if err := c.send(msg); err != nil {
		return nil, fmt.Errorf("send %s: %w", msg.messageType(), err)
	}

	select {
	case m := <-ch:
		return m, nil
	case <-expired:
		return nil, fmt.Errorf("request %d: %w", id, ErrRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrDestroyed
	}
}

func (c *Connection) resolve(id int64, msg ServerMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Connection) waitLinked(ctx context.Context) error {
	c.mu.Lock()
	if c.linked {
		c.mu.Unlock()
		return nil
	}
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	w := make(chan struct{})
	c.linkWaiters = append(c.linkWaiters, w)
	c.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrDestroyed
	}
}

// PublishEvent encrypts data, waits for a linked wallet, and returns the event id the
// server assigned.
func (c *Connection) PublishEvent(ctx context.Context, event string, data web3.EventData, callWebhook bool) (string, error) {
	if data.Origin == "" {
		data.Origin = c.opts.Origin
	}
	plain, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal event data: %w", err)
	}
	encrypted, err := c.cipher.Encrypt(string(plain))
	if err != nil {
		return "", fmt.Errorf("encrypt event data: %w", err)
	}

	if err := c.waitLinked(ctx); err != nil {
		return "", err
	}

	res, err := c.makeRequest(ctx, PublishEvent{
		ID:          c.nextRequestID(),
		SessionID:   c.creds.ID(),
		Event:       event,
		Data:        encrypted,
		CallWebhook: callWebhook,
	}, c.opts.RequestTimeout)
	if err != nil {
		return "", err
	}
	switch r := res.(type) {
	case PublishEventOK:
		return r.EventID, nil
	case Fail:
		if r.Error == "" {
			return "", errors.New("failed to publish event")
		}
		return "", errors.New(r.Error)
	default:
		return "", fmt.Errorf("unexpected reply %T to PublishEvent", res)
	}
}

// SetSessionMetadata stores one metadata entry on the relay session.
func (c *Connection) SetSessionMetadata(ctx context.Context, key, value string) error {
	res, err := c.makeRequest(ctx, SetSessionConfig{
		ID:        c.nextRequestID(),
		SessionID: c.creds.ID(),
		Metadata:  map[string]string{key: value},
	}, c.opts.RequestTimeout)
	if err != nil {
		return err
	}
	if fail, ok := res.(Fail); ok {
		return fmt.Errorf("set session config: %s", fail.Error)
	}
	return nil
}

// Destroy tells the wallet the session is gone (best effort), then tears the
// connection down for good. Listeners are dropped.
func (c *Connection) Destroy(ctx context.Context) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.opts.DestroyTimeout)
	err := c.SetSessionMetadata(dctx, destroyedKey, "1")
	cancel()
	if err != nil {
		log.Info("relay did not acknowledge session destroy", "error", err)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	sock := c.sock
	c.sock = nil
	c.state = Disconnected
	c.authenticated = false
	c.mu.Unlock()

	close(c.done)
	c.cancel()
	if sock != nil {
		_ = sock.Close()
	}
	c.metrics.SetConnectionState(int(Disconnected))

	c.stateObs.clear()
	c.linkedObs.clear()
	c.accountObs.clear()
	c.chainObs.clear()
	c.metadataObs.clear()
	c.destroyedObs.clear()
	c.responseObs.clear()
}
