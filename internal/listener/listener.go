// Package listener ingests escrow ledger events and projects them onto the
// database state machine.
//
// It polls the ledger for FundLocked, FundReleased and FundCancelled logs,
// holds events back until they are confirmation-depth deep, orders them by
// (block, log index), deduplicates redeliveries, and applies each surviving
// event through the store's atomic compare-and-set. The ledger is the source
// of truth: the database only ever moves toward what the chain says.
package listener

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nutripay/escrowsync/internal/chain"
	"github.com/nutripay/escrowsync/internal/escrow"
)

// ChainSource is the slice of the ledger client the listener needs.
type ChainSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*chain.Event, error)
}

// Notifier receives transactions whose status just changed. Implemented by
// notify.Fanout; nil disables notifications.
type Notifier interface {
	Publish(tx *escrow.Transaction)
}

// WatermarkStore persists the highest fully processed block so restarts
// resume where the previous run stopped instead of from the chain head.
type WatermarkStore interface {
	Get(ctx context.Context, name string) (uint64, bool, error)
	Set(ctx context.Context, name string, block uint64) error
}

// DedupStore remembers which event deliveries have already been applied.
type DedupStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, block uint64) error
	PruneBefore(ctx context.Context, block uint64) (int64, error)
}

// WatermarkName is the key under which the listener stores its progress.
const WatermarkName = "escrow_listener"

// maxDeferrals bounds how many polls an out-of-order event may wait for its
// predecessor before being dropped as orphaned.
const maxDeferrals = 10

// Config for the event listener.
type Config struct {
	ConfirmationDepth uint64        // blocks an event must be buried under before it is applied
	PollInterval      time.Duration
	StartBlock        uint64 // first block to scan when no watermark exists; 0 = current safe head
	Workers           int
	QueueSize         int
	MaxBlockRange     uint64 // largest [from, to] window per FilterEvents call
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmationDepth: 3,
		PollInterval:      15 * time.Second,
		Workers:           4,
		QueueSize:         256,
		MaxBlockRange:     2000,
	}
}

type job struct {
	ev       *chain.Event
	attempts int
	wg       *sync.WaitGroup
}

type deferredEvent struct {
	ev       *chain.Event
	attempts int
}

// Listener drives the event ingestion pipeline.
type Listener struct {
	chain      ChainSource
	watermarks WatermarkStore
	proc       *processor
	config     Config
	logger     *slog.Logger

	lastBlock atomic.Uint64 // highest block committed to the watermark

	// Out-of-order events parked until a later poll.
	deferredMu sync.Mutex
	deferred   []deferredEvent

	queues      []chan job
	workersDone sync.WaitGroup

	stop chan struct{}
	done chan struct{}
}

// New creates a listener. notifier may be nil.
func New(cfg Config, source ChainSource, store escrow.Store, watermarks WatermarkStore, dedup DedupStore, notifier Notifier, logger *slog.Logger) *Listener {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = DefaultConfig().MaxBlockRange
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	return &Listener{
		chain:      source,
		watermarks: watermarks,
		proc: &processor{
			store:    store,
			dedup:    dedup,
			notifier: notifier,
			logger:   logger,
		},
		config: cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start resolves the starting watermark and begins polling.
func (l *Listener) Start(ctx context.Context) error {
	wm, ok, err := l.watermarks.Get(ctx, WatermarkName)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}

	switch {
	case ok:
		l.lastBlock.Store(wm)
	case l.config.StartBlock > 0:
		l.lastBlock.Store(l.config.StartBlock - 1)
	default:
		head, err := l.chain.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get block number: %w", err)
		}
		if head > l.config.ConfirmationDepth {
			l.lastBlock.Store(head - l.config.ConfirmationDepth)
		}
	}

	l.queues = make([]chan job, l.config.Workers)
	for i := range l.queues {
		l.queues[i] = make(chan job, l.config.QueueSize)
		l.workersDone.Add(1)
		go l.worker(ctx, l.queues[i])
	}

	l.logger.Info("event listener started",
		"start_block", l.lastBlock.Load()+1,
		"confirmation_depth", l.config.ConfirmationDepth,
		"workers", l.config.Workers,
	)

	go l.pollLoop(ctx)
	return nil
}

// Stop shuts the listener down and waits for in-flight events to finish.
func (l *Listener) Stop() {
	close(l.stop)
	<-l.done
}

// Watermark returns the highest block the listener has fully processed.
func (l *Listener) Watermark() uint64 { return l.lastBlock.Load() }

func (l *Listener) pollLoop(ctx context.Context) {
	defer func() {
		for _, q := range l.queues {
			close(q)
		}
		l.workersDone.Wait()
		close(l.done)
	}()

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.poll(ctx); err != nil {
				pollErrorsTotal.Inc()
				l.logger.Error("event poll failed", "error", err)
			}
		}
	}
}

// poll processes one confirmed block window and advances the watermark.
func (l *Listener) poll(ctx context.Context) error {
	head, err := l.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get block number: %w", err)
	}

	last := l.lastBlock.Load()
	if head < last {
		// The RPC answered from a node behind our watermark, or the chain
		// reorganized below it. Do not rewind; wait for the head to catch up.
		l.logger.Warn("chain head behind watermark",
			"head", head, "watermark", last)
		return nil
	}

	if head <= l.config.ConfirmationDepth {
		return nil
	}
	safe := head - l.config.ConfirmationDepth
	if safe <= last {
		return l.flushDeferred(ctx)
	}

	from := last + 1
	to := safe
	if to-from+1 > l.config.MaxBlockRange {
		to = from + l.config.MaxBlockRange - 1
		l.logger.Info("catching up on event backlog",
			"from", from, "to", to, "safe_head", safe)
	}

	events, err := l.chain.FilterEvents(ctx, from, to)
	if err != nil {
		return fmt.Errorf("filter events [%d, %d]: %w", from, to, err)
	}

	batch := l.takeDeferred()
	for _, ev := range events {
		batch = append(batch, deferredEvent{ev: ev})
	}
	l.dispatch(ctx, batch)

	l.lastBlock.Store(to)
	if err := l.watermarks.Set(ctx, WatermarkName, to); err != nil {
		return fmt.Errorf("commit watermark %d: %w", to, err)
	}
	watermarkBlock.Set(float64(to))
	return nil
}

// flushDeferred retries parked out-of-order events when no new blocks are
// available, so a predecessor applied via reconciliation unblocks them
// without waiting for chain progress.
func (l *Listener) flushDeferred(ctx context.Context) error {
	batch := l.takeDeferred()
	if len(batch) == 0 {
		return nil
	}
	l.dispatch(ctx, batch)
	return nil
}

func (l *Listener) takeDeferred() []deferredEvent {
	l.deferredMu.Lock()
	defer l.deferredMu.Unlock()
	batch := l.deferred
	l.deferred = nil
	return batch
}

// dispatch fans a sorted batch out to the workers and waits for it to drain.
// Hashing by escrow ID pins all events of one escrow to one worker, which
// preserves their (block, log index) order end to end.
func (l *Listener) dispatch(ctx context.Context, batch []deferredEvent) {
	sort.SliceStable(batch, func(i, j int) bool {
		a, b := batch[i].ev, batch[j].ev
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})

	var wg sync.WaitGroup
	for _, d := range batch {
		wg.Add(1)
		j := job{ev: d.ev, attempts: d.attempts, wg: &wg}
		select {
		case l.queues[l.shard(d.ev)] <- j:
		case <-ctx.Done():
			wg.Done()
			return
		}
	}
	wg.Wait()
}

func (l *Listener) shard(ev *chain.Event) int {
	h := fnv.New32a()
	_, _ = h.Write(ev.EscrowID.Bytes())
	return int(h.Sum32() % uint32(len(l.queues)))
}

func (l *Listener) worker(ctx context.Context, queue <-chan job) {
	defer l.workersDone.Done()

	for j := range queue {
		l.handle(ctx, j)
		j.wg.Done()
	}
}

func (l *Listener) handle(ctx context.Context, j job) {
	outcome := l.proc.process(ctx, j.ev)
	switch outcome {
	case outcomeDeferred:
		if j.attempts+1 >= maxDeferrals {
			eventsOrphanedTotal.Inc()
			l.logger.Error("dropping event with no applicable predecessor",
				"event", j.ev.Name,
				"escrow_id", j.ev.EscrowID.Hex(),
				"block", j.ev.BlockNumber,
				"attempts", j.attempts+1,
			)
			l.proc.markProcessed(ctx, j.ev)
			return
		}
		eventsDeferredTotal.Inc()
		l.deferredMu.Lock()
		l.deferred = append(l.deferred, deferredEvent{ev: j.ev, attempts: j.attempts + 1})
		l.deferredMu.Unlock()

	case outcomeRetry:
		// Transient store failure. The event was not marked processed, so
		// leaving it deferred retries it on the next poll.
		l.deferredMu.Lock()
		l.deferred = append(l.deferred, deferredEvent{ev: j.ev, attempts: j.attempts})
		l.deferredMu.Unlock()
	}
}
