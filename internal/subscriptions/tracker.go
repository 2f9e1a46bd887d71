package subscriptions

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"
)

// maxCatchUp bounds how many skipped heads are fetched after a long pause.
const maxCatchUp = 64

type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// BlockTracker polls the chain head and publishes every new header, in order, on a
// feed. Gaps between polls are filled by fetching the skipped headers.
type BlockTracker struct {
	source   HeaderSource
	interval time.Duration
	clock    clock.Clock
	feed     event.Feed

	latestHeader atomic.Pointer[types.Header]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBlockTracker(source HeaderSource, interval time.Duration, clk clock.Clock) *BlockTracker {
	return &BlockTracker{source: source, interval: interval, clock: clk}
}

func (t *BlockTracker) Subscribe(ch chan<- *types.Header) event.Subscription {
	return t.feed.Subscribe(ch)
}

func (t *BlockTracker) Latest() *types.Header { return t.latestHeader.Load() }

func (t *BlockTracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// Start begins polling. Starting a running tracker does nothing.
func (t *BlockTracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.maintainLatestHeader(ctx, t.done)
}

// Stop ends polling and waits for the loop to exit.
func (t *BlockTracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *BlockTracker) maintainLatestHeader(ctx context.Context, done chan struct{}) {
	defer close(done)

	cfg := retry.DefaultConfig()
	cfg.MaxDelayBeforeRetrying = t.interval
	cfg.InitialDelayBeforeRetrying = t.interval / 10

	poll := func() {
		_, _ = retry.Retry(ctx, cfg,
			func(ctx context.Context) ([]interface{}, error) {
				return nil, t.poll(ctx)
			},
			nil,
			"get latest header from chain")
	}

	poll()
	timer := t.clock.Timer(t.interval)
	defer timer.Stop()
	numPolls := 1
	for {
		select {
		case <-ctx.Done():
			log.Info("block tracker exiting", "numPolls", numPolls)
			return
		case <-timer.C:
			poll()
			numPolls++
			timer.Reset(t.interval)
		}
	}
}

func (t *BlockTracker) poll(ctx context.Context) error {
	head, err := t.source.HeaderByNumber(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to get latest header from chain")
	}
	prev := t.latestHeader.Load()
	if prev != nil && head.Number.Cmp(prev.Number) <= 0 {
		return nil
	}

	if prev != nil {
		from := new(big.Int).Add(prev.Number, big.NewInt(1))
		if gap := new(big.Int).Sub(head.Number, from); gap.Cmp(big.NewInt(maxCatchUp)) > 0 {
			from.Sub(head.Number, big.NewInt(maxCatchUp))
		}
		for n := from; n.Cmp(head.Number) < 0; n = new(big.Int).Add(n, big.NewInt(1)) {
			h, err := t.source.HeaderByNumber(ctx, n)
			if err != nil {
				return errors.Wrapf(err, "failed to get header %s", n)
			}
			t.publish(h)
		}
	}
	t.publish(head)
	return nil
}

func (t *BlockTracker) publish(h *types.Header) {
	t.latestHeader.Store(h)
	t.feed.Send(h)
}
