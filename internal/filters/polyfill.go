// Package filters emulates eth_newFilter and friends on top of plain JSON-RPC reads,
// for wallets whose node does not keep filters for the dapp.
package filters

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"golang.org/x/time/rate"

	"github.com/quantumauth-io/walletlink-client/internal/constants"
	"github.com/quantumauth-io/walletlink-client/internal/metrics"
	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
)

// Chain is the read access the polyfill needs. chains.Client implements it.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, filter map[string]interface{}) ([]types.Log, error)
	BlockHashByNumber(ctx context.Context, number uint64) (*common.Hash, error)
}

type kind int

const (
	logKind kind = iota
	blockKind
	pendingTransactionKind
)

type filter struct {
	kind   kind
	log    logFilter
	cursor uint64
	timer  *clock.Timer
}

type Options struct {
	Clock clock.Clock
	// Timeout is the inactivity period after which a filter is dropped.
	Timeout time.Duration
	// HeightInterval is the minimum time between eth_blockNumber calls.
	HeightInterval time.Duration
	Metrics        *metrics.Metrics
}

type Polyfill struct {
	chain   Chain
	clock   clock.Clock
	timeout time.Duration
	metrics *metrics.Metrics

	mu      sync.Mutex
	nextID  uint64
	filters map[uint64]*filter

	// heightMu also coalesces concurrent height lookups into one call.
	heightMu  sync.Mutex
	limiter   *rate.Limiter
	height    uint64
	hasHeight bool
}

func New(chain Chain, opts Options) *Polyfill {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Timeout == 0 {
		opts.Timeout = constants.FilterTimeout
	}
	if opts.HeightInterval == 0 {
		opts.HeightInterval = constants.BlockNumberThrottle
	}
	return &Polyfill{
		chain:   chain,
		clock:   opts.Clock,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		filters: map[uint64]*filter{},
		limiter: rate.NewLimiter(rate.Every(opts.HeightInterval), 1),
	}
}

func errFilterNotFound() error {
	return rpcerr.New(rpcerr.CodeInvalidInput, "filter not found")
}

// NewFilter installs a log filter. The cursor starts at an explicit fromBlock in the
// future, or at the current height otherwise.
func (p *Polyfill) NewFilter(ctx context.Context, param Param) (string, error) {
	lf, err := filterFromParam(param)
	if err != nil {
		return "", rpcerr.InvalidParams(err.Error())
	}
	cursor, err := p.currentHeight(ctx)
	if err != nil {
		return "", err
	}
	if !lf.fromBlock.latest && lf.fromBlock.number > cursor {
		cursor = lf.fromBlock.number
	}
	id := p.install(&filter{kind: logKind, log: lf, cursor: cursor})
	log.Info("installed log filter", "id", id, "from", lf.fromBlock.String(), "to", lf.toBlock.String(), "cursor", cursor)
	return id, nil
}

func (p *Polyfill) NewBlockFilter(ctx context.Context) (string, error) {
	cursor, err := p.currentHeight(ctx)
	if err != nil {
		return "", err
	}
	id := p.install(&filter{kind: blockKind, cursor: cursor})
	log.Info("installed block filter", "id", id, "cursor", cursor)
	return id, nil
}

func (p *Polyfill) NewPendingTransactionFilter(ctx context.Context) (string, error) {
	cursor, err := p.currentHeight(ctx)
	if err != nil {
		return "", err
	}
	id := p.install(&filter{kind: pendingTransactionKind, cursor: cursor})
	log.Info("installed pending transaction filter", "id", id)
	return id, nil
}

func (p *Polyfill) install(f *filter) string {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.filters[id] = f
	p.resetTimerLocked(id, f)
	n := len(p.filters)
	p.mu.Unlock()

	p.metrics.SetActiveFilters(n)
	return hexutil.EncodeUint64(id)
}

func (p *Polyfill) resetTimerLocked(id uint64, f *filter) {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = p.clock.AfterFunc(p.timeout, func() {
		if p.remove(id, f) {
			log.Info("filter timed out", "id", hexutil.EncodeUint64(id))
		}
	})
}

// remove deletes id only if it still maps to f.
func (p *Polyfill) remove(id uint64, f *filter) bool {
	p.mu.Lock()
	current, ok := p.filters[id]
	if !ok || current != f {
		p.mu.Unlock()
		return false
	}
	delete(p.filters, id)
	n := len(p.filters)
	p.mu.Unlock()

	p.metrics.SetActiveFilters(n)
	return true
}

// touch resets the inactivity timer and returns a snapshot of the filter.
func (p *Polyfill) touch(rawID string) (uint64, filter, bool) {
	id, err := parseQuantity(rawID)
	if err != nil {
		return 0, filter{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.filters[id]
	if !ok {
		return 0, filter{}, false
	}
	p.resetTimerLocked(id, f)
	return id, *f, true
}

// UninstallFilter reports whether the filter existed.
func (p *Polyfill) UninstallFilter(rawID string) bool {
	id, err := parseQuantity(rawID)
	if err != nil {
		return false
	}
	p.mu.Lock()
	f, ok := p.filters[id]
	if ok {
		f.timer.Stop()
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	log.Info("uninstalling filter", "id", rawID)
	return p.remove(id, f)
}

// GetFilterChanges returns what happened since the last poll: logs for log filters,
// block hashes for block filters, and always nothing for pending transaction filters.
func (p *Polyfill) GetFilterChanges(ctx context.Context, rawID string) (interface{}, error) {
	id, f, ok := p.touch(rawID)
	if !ok {
		return nil, errFilterNotFound()
	}
	switch f.kind {
	case logKind:
		return p.logChanges(ctx, id, f)
	case blockKind:
		return p.blockChanges(ctx, id, f)
	default:
		return []interface{}{}, nil
	}
}

// GetFilterLogs re-runs the full query of a log filter.
func (p *Polyfill) GetFilterLogs(ctx context.Context, rawID string) ([]types.Log, error) {
	_, f, ok := p.touch(rawID)
	if !ok || f.kind != logKind {
		return nil, errFilterNotFound()
	}
	logs, err := p.chain.GetLogs(ctx, f.log.query(f.log.fromBlock, f.log.toBlock))
	if err != nil {
		return nil, err
	}
	return nonNilLogs(logs), nil
}

func (p *Polyfill) logChanges(ctx context.Context, id uint64, f filter) ([]types.Log, error) {
	height, err := p.currentHeight(ctx)
	if err != nil {
		return nil, err
	}
	to := height
	if !f.log.toBlock.latest {
		to = f.log.toBlock.number
	}
	if f.cursor > height || f.cursor > to {
		return []types.Log{}, nil
	}

	logs, err := p.chain.GetLogs(ctx, f.log.query(blockHeight{number: f.cursor}, blockHeight{number: to}))
	if err != nil {
		return nil, err
	}
	if len(logs) > 0 {
		var highest uint64
		for _, l := range logs {
			if l.BlockNumber > highest {
				highest = l.BlockNumber
			}
		}
		if highest >= f.cursor {
			p.advance(id, highest+1)
		}
	}
	return nonNilLogs(logs), nil
}

func (p *Polyfill) blockChanges(ctx context.Context, id uint64, f filter) ([]common.Hash, error) {
	height, err := p.currentHeight(ctx)
	if err != nil {
		return nil, err
	}
	hashes := []common.Hash{}
	if f.cursor > height {
		return hashes, nil
	}
	for n := f.cursor; n <= height; n++ {
		hash, err := p.chain.BlockHashByNumber(ctx, n)
		if err != nil {
			return nil, err
		}
		if hash != nil {
			hashes = append(hashes, *hash)
		}
	}
	p.advance(id, f.cursor+uint64(len(hashes)))
	return hashes, nil
}

// advance moves the cursor forward. It never rewinds, even when polls race.
func (p *Polyfill) advance(id uint64, cursor uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.filters[id]; ok && cursor > f.cursor {
		log.Info("moving filter cursor", "id", hexutil.EncodeUint64(id), "from", f.cursor, "to", cursor)
		f.cursor = cursor
	}
}

// currentHeight calls eth_blockNumber at most once per HeightInterval and serves the
// cached height in between.
func (p *Polyfill) currentHeight(ctx context.Context) (uint64, error) {
	p.heightMu.Lock()
	defer p.heightMu.Unlock()

	if !p.limiter.AllowN(p.clock.Now(), 1) && p.hasHeight {
		return p.height, nil
	}
	n, err := p.chain.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	p.height, p.hasHeight = n, true
	return n, nil
}

// Len is the number of installed filters.
func (p *Polyfill) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.filters)
}

// Close drops every filter.
func (p *Polyfill) Close() {
	p.mu.Lock()
	for id, f := range p.filters {
		f.timer.Stop()
		delete(p.filters, id)
	}
	p.mu.Unlock()
	p.metrics.SetActiveFilters(0)
}

func nonNilLogs(logs []types.Log) []types.Log {
	if logs == nil {
		return []types.Log{}
	}
	return logs
}
