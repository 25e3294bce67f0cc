package listener

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nutripay/escrowsync/internal/chain"
	"github.com/nutripay/escrowsync/internal/escrow"
	"github.com/nutripay/escrowsync/internal/metrics"
)

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeDuplicate
	outcomeIdempotent // transition already applied by an earlier delivery
	outcomeDeferred   // predecessor event not applied yet
	outcomeConflict   // database state contradicts the ledger
	outcomeOrphan     // no row for this escrow ID
	outcomeRetry      // transient failure, try again next poll
)

// processor applies one decoded ledger event to the escrow store. It is
// shared by the live listener and by reconciliation replay so both paths
// have identical semantics.
type processor struct {
	store    escrow.Store
	dedup    DedupStore
	notifier Notifier
	logger   *slog.Logger
}

// transitionFor maps an event name to the state-machine edge it drives.
func transitionFor(name string) (from, to escrow.Status, ok bool) {
	switch name {
	case chain.EventFundLocked:
		return escrow.StatusPending, escrow.StatusLocked, true
	case chain.EventFundReleased:
		return escrow.StatusLocked, escrow.StatusReleased, true
	case chain.EventFundCancelled:
		return escrow.StatusLocked, escrow.StatusCancelled, true
	}
	return "", "", false
}

func (p *processor) process(ctx context.Context, ev *chain.Event) outcome {
	seen, err := p.dedup.Seen(ctx, ev.Key())
	if err != nil {
		p.logger.Error("dedup lookup failed", "key", ev.Key(), "error", err)
		return outcomeRetry
	}
	if seen {
		eventsDuplicateTotal.Inc()
		return outcomeDuplicate
	}

	from, to, ok := transitionFor(ev.Name)
	if !ok {
		// FilterEvents only yields the three escrow events; anything else
		// is a programming error, not a chain condition.
		p.logger.Error("unmapped event name", "event", ev.Name)
		p.markProcessed(ctx, ev)
		return outcomeConflict
	}

	now := time.Now()
	fields := escrow.AdvanceFields{
		TxHash:      ev.TxHash.Hex(),
		BlockNumber: ev.BlockNumber,
	}
	switch to {
	case escrow.StatusLocked:
		fields.LockedAt = &now
	case escrow.StatusReleased:
		fields.ReleasedAt = &now
		fields.ResolvedAt = &now
	case escrow.StatusCancelled:
		fields.ResolvedAt = &now
		fields.FailureReason = ev.Reason
	}

	tx, err := p.store.Advance(ctx, ev.EscrowID, from, to, fields)
	switch {
	case err == nil:
		eventsAppliedTotal.WithLabelValues(ev.Name).Inc()
		metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
		if tx.ResolvedAt != nil {
			metrics.EscrowDuration.Observe(tx.ResolvedAt.Sub(tx.CreatedAt).Seconds())
		}
		p.markProcessed(ctx, ev)
		if p.notifier != nil {
			p.notifier.Publish(tx)
		}
		p.logger.Info("ledger event applied",
			"event", ev.Name,
			"escrow_id", ev.EscrowID.Hex(),
			"status", tx.Status,
			"block", ev.BlockNumber,
			"tx", ev.TxHash.Hex(),
		)
		return outcomeApplied

	case errors.Is(err, escrow.ErrNotFound):
		// An escrow on the contract that this database never created.
		// Nothing to project onto; record it and move on.
		eventsOrphanedTotal.Inc()
		p.logger.Warn("event for unknown escrow",
			"event", ev.Name,
			"escrow_id", ev.EscrowID.Hex(),
			"block", ev.BlockNumber,
		)
		p.markProcessed(ctx, ev)
		return outcomeOrphan

	case errors.Is(err, escrow.ErrStaleState):
		return p.resolveStale(ctx, ev, from, to)

	default:
		p.logger.Error("event apply failed",
			"event", ev.Name,
			"escrow_id", ev.EscrowID.Hex(),
			"error", err,
		)
		return outcomeRetry
	}
}

// resolveStale classifies a compare-and-set miss. The row exists but is not
// in the event's expected source status, which means one of three things:
// the transition was already applied (replay), the predecessor event has not
// arrived yet (out of order), or the database contradicts the ledger.
func (p *processor) resolveStale(ctx context.Context, ev *chain.Event, from, to escrow.Status) outcome {
	row, err := p.store.Get(ctx, ev.EscrowID)
	if err != nil {
		p.logger.Error("stale-state lookup failed", "escrow_id", ev.EscrowID.Hex(), "error", err)
		return outcomeRetry
	}

	if row.Status == to {
		eventsDuplicateTotal.Inc()
		p.markProcessed(ctx, ev)
		return outcomeIdempotent
	}

	// A lock event landing on a row that already moved past Locked was
	// simply applied earlier; the later states subsume it.
	if ev.Name == chain.EventFundLocked && row.Status.IsTerminal() && row.Status != escrow.StatusFailed {
		eventsDuplicateTotal.Inc()
		p.markProcessed(ctx, ev)
		return outcomeIdempotent
	}

	// Release or cancel observed while the row is still Pending: the
	// FundLocked event has not been applied yet. Park it.
	if row.Status == escrow.StatusPending && from == escrow.StatusLocked {
		return outcomeDeferred
	}

	eventsConflictTotal.Inc()
	p.logger.Error("database state contradicts ledger event",
		"event", ev.Name,
		"escrow_id", ev.EscrowID.Hex(),
		"db_status", row.Status,
		"block", ev.BlockNumber,
	)
	p.markProcessed(ctx, ev)
	return outcomeConflict
}

// markProcessed records the delivery in the dedup store. Failure here is
// tolerable: the event was already applied through an idempotent
// compare-and-set, so a redelivery resolves as a no-op anyway.
func (p *processor) markProcessed(ctx context.Context, ev *chain.Event) {
	if err := p.dedup.Mark(ctx, ev.Key(), ev.BlockNumber); err != nil {
		p.logger.Warn("dedup mark failed", "key", ev.Key(), "error", err)
	}
}
