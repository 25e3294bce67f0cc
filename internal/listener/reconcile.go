package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nutripay/escrowsync/internal/chain"
	"github.com/nutripay/escrowsync/internal/escrow"
)

// EscrowReader reads current escrow records off the ledger.
type EscrowReader interface {
	ReadEscrow(ctx context.Context, escrowID common.Hash) (*chain.EscrowView, error)
}

// ReplayResult summarizes one reconciliation pass over a block range.
type ReplayResult struct {
	FromBlock  uint64 `json:"fromBlock"`
	ToBlock    uint64 `json:"toBlock"`
	Scanned    int    `json:"scanned"`
	Applied    int    `json:"applied"`
	Duplicates int    `json:"duplicates"`
	Conflicts  int    `json:"conflicts"`
	Orphans    int    `json:"orphans"`
}

// VerifyResult compares one escrow's database row against the ledger record.
type VerifyResult struct {
	EscrowID   string `json:"escrowId"`
	DBStatus   string `json:"dbStatus"`
	OnChain    bool   `json:"onChain"`
	IsLocked   bool   `json:"isLocked"`
	IsReleased bool   `json:"isReleased"`
	Match      bool   `json:"match"`
	Detail     string `json:"detail,omitempty"`
}

// Reconciler replays historical ledger events through the same apply path
// the live listener uses, and spot-checks individual escrows against the
// contract's stored record. It recovers state after downtime, backs the
// operator-driven audit routes, and optionally sweeps the recent window on
// a timer.
type Reconciler struct {
	source ChainSource
	reader EscrowReader
	store  escrow.Store
	proc   *processor
	logger *slog.Logger

	maxBlockRange uint64
}

// NewReconciler creates a reconciler sharing the listener's stores.
// notifier may be nil to replay silently.
func NewReconciler(source ChainSource, reader EscrowReader, store escrow.Store, dedup DedupStore, notifier Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		source: source,
		reader: reader,
		store:  store,
		proc: &processor{
			store:    store,
			dedup:    dedup,
			notifier: notifier,
			logger:   logger,
		},
		logger:        logger,
		maxBlockRange: DefaultConfig().MaxBlockRange,
	}
}

// Run replays the trailing window below the listener's watermark on a timer
// until ctx is cancelled. Replays resolve already-applied events as
// duplicates, so the sweep only does work when the live path lost something
// (a dedup mark that never landed, a transition missed during a crash).
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, window uint64, watermark func() uint64) {
	if interval <= 0 || window == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			to := watermark()
			if to == 0 {
				continue
			}
			from := uint64(0)
			if to > window {
				from = to - window + 1
			}
			res, err := r.Replay(ctx, from, to)
			if err != nil {
				r.logger.Error("periodic reconciliation failed", "from", from, "to", to, "error", err)
				continue
			}
			if res.Applied > 0 || res.Conflicts > 0 {
				r.logger.Warn("periodic reconciliation repaired state",
					"from", from, "to", to,
					"applied", res.Applied,
					"conflicts", res.Conflicts,
				)
			}
		}
	}
}

// Replay re-applies all escrow events in [fromBlock, toBlock]. Events already
// applied resolve as duplicates through the dedup store and the store's
// compare-and-set, so replaying a healthy range is a no-op.
func (r *Reconciler) Replay(ctx context.Context, fromBlock, toBlock uint64) (*ReplayResult, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("invalid range [%d, %d]", fromBlock, toBlock)
	}

	result := &ReplayResult{FromBlock: fromBlock, ToBlock: toBlock}

	for from := fromBlock; from <= toBlock; {
		to := from + r.maxBlockRange - 1
		if to > toBlock {
			to = toBlock
		}

		events, err := r.source.FilterEvents(ctx, from, to)
		if err != nil {
			return result, fmt.Errorf("filter events [%d, %d]: %w", from, to, err)
		}

		// Replay is strictly sequential: FilterEvents returns logs in
		// chain order, so out-of-order deferral cannot occur here.
		for _, ev := range events {
			result.Scanned++
			switch r.proc.process(ctx, ev) {
			case outcomeApplied:
				result.Applied++
			case outcomeDuplicate, outcomeIdempotent:
				result.Duplicates++
			case outcomeConflict:
				result.Conflicts++
			case outcomeOrphan:
				result.Orphans++
			case outcomeDeferred, outcomeRetry:
				return result, fmt.Errorf("replay could not apply %s for escrow %s at block %d",
					ev.Name, ev.EscrowID.Hex(), ev.BlockNumber)
			}
		}

		from = to + 1
	}

	r.logger.Info("replay finished",
		"from", fromBlock, "to", toBlock,
		"scanned", result.Scanned,
		"applied", result.Applied,
		"duplicates", result.Duplicates,
		"conflicts", result.Conflicts,
		"orphans", result.Orphans,
	)
	return result, nil
}

// Verify compares one escrow's database row against the contract record.
func (r *Reconciler) Verify(ctx context.Context, escrowID common.Hash) (*VerifyResult, error) {
	result := &VerifyResult{EscrowID: escrowID.Hex()}

	row, err := r.store.Get(ctx, escrowID)
	if err != nil && !errors.Is(err, escrow.ErrNotFound) {
		return nil, fmt.Errorf("load escrow row: %w", err)
	}
	if row != nil {
		result.DBStatus = string(row.Status)
	}

	view, err := r.reader.ReadEscrow(ctx, escrowID)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		// Pending and Failed rows have no ledger record; that is consistent.
		if row == nil {
			result.Match = true
			result.Detail = "unknown on both sides"
			return result, nil
		}
		result.Match = row.Status == escrow.StatusPending || row.Status == escrow.StatusFailed
		if !result.Match {
			result.Detail = "row claims a ledger state but the contract has no record"
		}
		return result, nil
	case err != nil:
		return nil, fmt.Errorf("read ledger record: %w", err)
	}

	result.OnChain = true
	result.IsLocked = view.IsLocked
	result.IsReleased = view.IsReleased

	if row == nil {
		result.Detail = "ledger record exists but no database row"
		return result, nil
	}

	switch row.Status {
	case escrow.StatusLocked:
		result.Match = view.IsLocked && !view.IsReleased
	case escrow.StatusReleased:
		result.Match = view.IsReleased
	case escrow.StatusCancelled:
		result.Match = !view.IsLocked && !view.IsReleased
	default:
		// Pending or Failed with a ledger record means a FundLocked event
		// has not been applied yet; replay over the lock block repairs it.
		result.Detail = "ledger record exists ahead of database state"
	}
	if !result.Match && result.Detail == "" {
		result.Detail = "database status disagrees with ledger flags"
	}
	return result, nil
}
