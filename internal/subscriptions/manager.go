// Package subscriptions serves eth_subscribe over a polling block tracker, for
// transports that cannot push notifications.
package subscriptions

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/walletlink-client/internal/metrics"
	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
)

const (
	NewHeads = "newHeads"
	Logs     = "logs"

	// NotificationType is the type of every message a subscription emits.
	NotificationType = "eth_subscription"

	DefaultPollInterval = 15 * time.Second
)

type Chain interface {
	HeaderSource
	GetLogs(ctx context.Context, filter map[string]interface{}) ([]types.Log, error)
}

type Notification struct {
	Type string           `json:"type"`
	Data NotificationData `json:"data"`
}

type NotificationData struct {
	Subscription string      `json:"subscription"`
	Result       interface{} `json:"result"`
}

// logsParams is forwarded to eth_getLogs as given.
type logsParams struct {
	Address json.RawMessage `json:"address,omitempty"`
	Topics  json.RawMessage `json:"topics,omitempty"`
}

type subscription struct {
	id     string
	kind   string
	params logsParams
	quit   chan struct{}
}

type Options struct {
	PollInterval time.Duration
	Clock        clock.Clock
	Metrics      *metrics.Metrics
}

type Manager struct {
	chain   Chain
	tracker *BlockTracker
	notify  func(Notification)
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[string]*subscription
	wg   sync.WaitGroup

	trackerMu sync.Mutex
}

// NewManager delivers notifications through notify, from the subscription's own
// goroutine.
func NewManager(chain Chain, notify func(Notification), opts Options) *Manager {
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Manager{
		chain:   chain,
		tracker: NewBlockTracker(chain, opts.PollInterval, opts.Clock),
		notify:  notify,
		metrics: opts.Metrics,
		subs:    map[string]*subscription{},
	}
}

func newSubscriptionID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// Subscribe handles eth_subscribe params: the type and, for logs, a filter object.
func (m *Manager) Subscribe(params []json.RawMessage) (string, error) {
	if len(params) == 0 {
		return "", rpcerr.InvalidParams("missing subscription type")
	}
	var kind string
	if err := json.Unmarshal(params[0], &kind); err != nil {
		return "", rpcerr.InvalidParams("subscription type must be a string")
	}

	s := &subscription{id: newSubscriptionID(), kind: kind, quit: make(chan struct{})}
	switch kind {
	case NewHeads:
	case Logs:
		if len(params) > 1 {
			if err := json.Unmarshal(params[1], &s.params); err != nil {
				return "", rpcerr.InvalidParams("invalid logs filter: " + err.Error())
			}
		}
	default:
		return "", rpcerr.InvalidParams("unsupported subscription type: " + kind)
	}

	heads := make(chan *types.Header, 16)
	feedSub := m.tracker.Subscribe(heads)

	m.mu.Lock()
	m.subs[s.id] = s
	n := len(m.subs)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(s, heads, feedSub)
	m.syncTracker()
	m.metrics.SetActiveSubscriptions(n)
	log.Info("subscription installed", "id", s.id, "type", kind)
	return s.id, nil
}

// Unsubscribe reports whether id was active. The tracker stops with the last one.
func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	s, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		close(s.quit)
	}
	n := len(m.subs)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.syncTracker()
	m.metrics.SetActiveSubscriptions(n)
	log.Info("subscription removed", "id", id)
	return true
}

// syncTracker runs the tracker exactly while subscriptions exist.
func (m *Manager) syncTracker() {
	m.trackerMu.Lock()
	defer m.trackerMu.Unlock()
	if m.Len() > 0 {
		m.tracker.Start(context.Background())
	} else {
		m.tracker.Stop()
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close drops every subscription and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, s := range m.subs {
		close(s.quit)
		delete(m.subs, id)
	}
	m.mu.Unlock()
	m.syncTracker()
	m.wg.Wait()
	m.metrics.SetActiveSubscriptions(0)
}

func (m *Manager) run(s *subscription, heads chan *types.Header, feedSub event.Subscription) {
	defer m.wg.Done()
	defer feedSub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.quit
		cancel()
	}()

	for {
		select {
		case <-s.quit:
			return
		case <-feedSub.Err():
			return
		case h := <-heads:
			switch s.kind {
			case NewHeads:
				m.emit(s, h)
			case Logs:
				m.emitLogs(ctx, s, h.Number)
			}
		}
	}
}

func (m *Manager) emitLogs(ctx context.Context, s *subscription, number *big.Int) {
	q := map[string]interface{}{
		"fromBlock": hexutil.EncodeBig(number),
		"toBlock":   hexutil.EncodeBig(number),
	}
	if len(s.params.Address) > 0 {
		q["address"] = s.params.Address
	}
	if len(s.params.Topics) > 0 {
		q["topics"] = s.params.Topics
	}
	logs, err := m.chain.GetLogs(ctx, q)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to fetch logs for subscription", "id", s.id, "block", number, "error", err)
		}
		return
	}
	for i := range logs {
		m.emit(s, &logs[i])
	}
}

func (m *Manager) emit(s *subscription, result interface{}) {
	select {
	case <-s.quit:
		return
	default:
	}
	m.notify(Notification{
		Type: NotificationType,
		Data: NotificationData{Subscription: s.id, Result: result},
	})
}
