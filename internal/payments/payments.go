// Package payments orchestrates the escrow lifecycle from the platform side.
//
// It owns the writes the ledger has not confirmed yet: creating the Pending
// row, submitting lockFund, releaseFund and cancelEscrow, and marking a row
// Failed when the ledger definitively rejects its lock. It never writes
// Locked, Released or Cancelled; only the listener does, from confirmed
// events.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nutripay/escrowsync/internal/chain"
	"github.com/nutripay/escrowsync/internal/escrow"
	"github.com/nutripay/escrowsync/internal/metrics"
	"github.com/nutripay/escrowsync/internal/pagination"
	"github.com/nutripay/escrowsync/internal/retry"
	"github.com/nutripay/escrowsync/internal/syncutil"
	"github.com/nutripay/escrowsync/internal/units"
	"github.com/nutripay/escrowsync/internal/validation"
)

var (
	// ErrSubmitRetryable means the ledger was unreachable; the row stays
	// Pending and the caller may retry the same request later.
	ErrSubmitRetryable = errors.New("payments: ledger temporarily unavailable")

	// ErrNotLocked means the requested operation needs a Locked escrow.
	ErrNotLocked = errors.New("payments: escrow is not locked")

	// ErrInvalidRequest covers malformed lock parameters.
	ErrInvalidRequest = errors.New("payments: invalid request")
)

var (
	submitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "payments",
		Name:      "submit_total",
		Help:      "Ledger submissions by operation and result.",
	}, []string{"op", "result"})

	lockFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "payments",
		Name:      "lock_failed_total",
		Help:      "Pending escrows marked Failed after a rejected lock.",
	})
)

func init() {
	prometheus.MustRegister(submitTotal, lockFailedTotal)
}

// Submitter is the slice of the ledger client the orchestrator needs.
type Submitter interface {
	SubmitLock(ctx context.Context, escrowID common.Hash, payee common.Address, schoolRef string, amountNative *big.Int) (*chain.SubmitResult, error)
	SubmitRelease(ctx context.Context, escrowID common.Hash) (*chain.SubmitResult, error)
	SubmitCancel(ctx context.Context, escrowID common.Hash, reason string) (*chain.SubmitResult, error)
}

// Notifier publishes locally driven transitions (Failed). Confirmed
// transitions are published by the listener instead.
type Notifier interface {
	Publish(tx *escrow.Transaction)
}

// LockRequest asks for funds to be locked for one delivery.
type LockRequest struct {
	DeliveryID   string `json:"deliveryId" binding:"required"`
	SchoolID     string `json:"schoolId" binding:"required"`
	CateringID   string `json:"cateringId" binding:"required"`
	PayeeAddress string `json:"payeeAddress" binding:"required"`
	Amount       int64  `json:"amount" binding:"required"`
}

// SubmitOutcome reports a submission the ledger accepted into its mempool.
// Acceptance is not confirmation; the row moves only when the event lands.
type SubmitOutcome struct {
	Transaction *escrow.Transaction `json:"transaction"`
	TxHash      string              `json:"txHash"`
}

// Config for the orchestrator.
type Config struct {
	MaxSubmitAttempts int
	SubmitBaseDelay   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSubmitAttempts: 3,
		SubmitBaseDelay:   500 * time.Millisecond,
	}
}

// Orchestrator drives lock, release and cancel submissions.
type Orchestrator struct {
	store     escrow.Store
	submitter Submitter
	converter *units.Converter
	notifier  Notifier
	locks     *syncutil.ContextShardedMutex
	config    Config
	logger    *slog.Logger
}

// New creates an orchestrator. notifier may be nil.
func New(store escrow.Store, submitter Submitter, converter *units.Converter, notifier Notifier, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxSubmitAttempts <= 0 {
		cfg.MaxSubmitAttempts = DefaultConfig().MaxSubmitAttempts
	}
	if cfg.SubmitBaseDelay <= 0 {
		cfg.SubmitBaseDelay = DefaultConfig().SubmitBaseDelay
	}
	return &Orchestrator{
		store:     store,
		submitter: submitter,
		converter: converter,
		notifier:  notifier,
		locks:     syncutil.NewContextShardedMutex(),
		config:    cfg,
		logger:    logger,
	}
}

// InitiateLock creates a Pending row for the delivery and submits lockFund.
//
// Outcomes:
//   - accepted: row is Pending, tx hash returned, listener will confirm
//   - ledger rejected the lock: row moves to Failed, error returned
//   - ledger unreachable: row stays Pending, ErrSubmitRetryable returned
func (o *Orchestrator) InitiateLock(ctx context.Context, req LockRequest) (*SubmitOutcome, error) {
	if err := validateLock(req); err != nil {
		return nil, err
	}

	unlock, err := o.locks.LockContext(ctx, "delivery:"+req.DeliveryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// A replayed lock request for a still-Pending row resubmits against the
	// same escrow ID instead of failing on the one-active-escrow guard. The
	// ID is derived from the row, so the ledger sees an idempotent retry.
	tx, err := o.store.ActiveByDelivery(ctx, req.DeliveryID)
	switch {
	case err == nil:
		if tx.Status != escrow.StatusPending || tx.Amount != req.Amount ||
			tx.SchoolID != req.SchoolID || tx.CateringID != req.CateringID {
			return nil, escrow.ErrDuplicateActiveEscrow
		}
	case errors.Is(err, escrow.ErrNotFound):
		tx, err = o.store.CreatePending(ctx, req.DeliveryID, req.Amount, req.SchoolID, req.CateringID)
		if err != nil {
			return nil, err
		}
		metrics.EscrowTransitionsTotal.WithLabelValues(string(escrow.StatusPending)).Inc()
	default:
		return nil, err
	}

	res, err := o.submit(ctx, "lock", func(ctx context.Context) (*chain.SubmitResult, error) {
		return o.submitter.SubmitLock(ctx, tx.EscrowID,
			common.HexToAddress(req.PayeeAddress), req.SchoolID,
			o.converter.ToNative(req.Amount))
	})
	if err != nil {
		return nil, o.resolveLockFailure(ctx, tx, err)
	}

	o.logger.Info("lock submitted",
		"delivery_id", req.DeliveryID,
		"escrow_id", tx.EscrowID.Hex(),
		"amount", req.Amount,
		"tx", res.TxHash,
	)
	return &SubmitOutcome{Transaction: tx, TxHash: res.TxHash}, nil
}

// InitiateRelease submits releaseFund for the delivery's Locked escrow.
//
// The row is NOT advanced on success; Released is written only when the
// listener sees the confirmed FundReleased event. A reverted release leaves
// the row Locked, because the funds demonstrably still are.
func (o *Orchestrator) InitiateRelease(ctx context.Context, deliveryID string) (*SubmitOutcome, error) {
	return o.resolveAndSubmit(ctx, deliveryID, "release", func(ctx context.Context, tx *escrow.Transaction) (*chain.SubmitResult, error) {
		return o.submitter.SubmitRelease(ctx, tx.EscrowID)
	})
}

// InitiateCancel submits cancelEscrow for the delivery's Locked escrow.
// Like release, the row moves only on the confirmed event.
func (o *Orchestrator) InitiateCancel(ctx context.Context, deliveryID, reason string) (*SubmitOutcome, error) {
	reason = validation.SanitizeString(reason, 500)
	if reason == "" {
		return nil, fmt.Errorf("%w: cancellation reason is required", ErrInvalidRequest)
	}
	return o.resolveAndSubmit(ctx, deliveryID, "cancel", func(ctx context.Context, tx *escrow.Transaction) (*chain.SubmitResult, error) {
		return o.submitter.SubmitCancel(ctx, tx.EscrowID, reason)
	})
}

// Status returns the delivery's active escrow, or its most recent row when
// every attempt has resolved.
func (o *Orchestrator) Status(ctx context.Context, deliveryID string) (*escrow.Transaction, error) {
	tx, err := o.store.ActiveByDelivery(ctx, deliveryID)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, escrow.ErrNotFound) {
		return nil, err
	}
	rows, err := o.store.ListByDelivery(ctx, deliveryID, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, escrow.ErrNotFound
	}
	return rows[0], nil
}

// History returns up to limit escrow rows for a delivery, newest first,
// starting after the given cursor position. Callers fetch limit+1 rows and
// use pagination.ComputePage to derive the next cursor.
func (o *Orchestrator) History(ctx context.Context, deliveryID string, cursor *pagination.Cursor, limit int) ([]*escrow.Transaction, error) {
	if cursor == nil {
		return o.store.ListByDelivery(ctx, deliveryID, limit)
	}
	return o.store.ListByDeliveryBefore(ctx, deliveryID, cursor.CreatedAt, cursor.ID, limit)
}

// Get returns the row for an on-chain escrow ID.
func (o *Orchestrator) Get(ctx context.Context, escrowID common.Hash) (*escrow.Transaction, error) {
	return o.store.Get(ctx, escrowID)
}

func (o *Orchestrator) resolveAndSubmit(ctx context.Context, deliveryID, op string, fn func(context.Context, *escrow.Transaction) (*chain.SubmitResult, error)) (*SubmitOutcome, error) {
	unlock, err := o.locks.LockContext(ctx, "delivery:"+deliveryID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := o.store.ActiveByDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if tx.Status != escrow.StatusLocked {
		return nil, fmt.Errorf("%w: delivery %s is %s", ErrNotLocked, deliveryID, tx.Status)
	}

	res, err := o.submit(ctx, op, func(ctx context.Context) (*chain.SubmitResult, error) {
		return fn(ctx, tx)
	})
	if err != nil {
		if chain.IsTransient(err) {
			return nil, fmt.Errorf("%w: %s for delivery %s", ErrSubmitRetryable, op, deliveryID)
		}
		// Reverted or unconfigured. The row stays Locked either way.
		return nil, err
	}

	o.logger.Info(op+" submitted",
		"delivery_id", deliveryID,
		"escrow_id", tx.EscrowID.Hex(),
		"tx", res.TxHash,
	)
	return &SubmitOutcome{Transaction: tx, TxHash: res.TxHash}, nil
}

// submit runs one ledger submission with backoff. Reverted and unconfigured
// errors are permanent; everything else is worth another attempt.
func (o *Orchestrator) submit(ctx context.Context, op string, fn func(context.Context) (*chain.SubmitResult, error)) (*chain.SubmitResult, error) {
	var res *chain.SubmitResult
	err := retry.Do(ctx, o.config.MaxSubmitAttempts, o.config.SubmitBaseDelay, func() error {
		var err error
		res, err = fn(ctx)
		if err != nil {
			if chain.IsReverted(err) || chain.IsUnconfigured(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		result := "transient"
		if chain.IsReverted(err) {
			result = "reverted"
		} else if chain.IsUnconfigured(err) {
			result = "unconfigured"
		}
		submitTotal.WithLabelValues(op, result).Inc()
		return nil, err
	}
	submitTotal.WithLabelValues(op, "accepted").Inc()
	return res, nil
}

// resolveLockFailure decides what a failed lock submission means for the
// Pending row it belongs to.
func (o *Orchestrator) resolveLockFailure(ctx context.Context, tx *escrow.Transaction, submitErr error) error {
	if chain.IsTransient(submitErr) {
		// The ledger never saw a definitive rejection. Leave the row
		// Pending; the caller retries against the same row later.
		o.logger.Warn("lock submission unreachable, row stays pending",
			"delivery_id", tx.DeliveryID,
			"escrow_id", tx.EscrowID.Hex(),
			"error", submitErr,
		)
		return fmt.Errorf("%w: lock for delivery %s", ErrSubmitRetryable, tx.DeliveryID)
	}

	// Rejected outright. Close the row so the delivery can try again with a
	// fresh escrow.
	failed, err := o.store.Advance(ctx, tx.EscrowID,
		escrow.StatusPending, escrow.StatusFailed,
		escrow.AdvanceFields{FailureReason: submitErr.Error()})
	if err != nil {
		o.logger.Error("could not mark rejected lock as failed",
			"escrow_id", tx.EscrowID.Hex(), "error", err)
		return submitErr
	}
	lockFailedTotal.Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(escrow.StatusFailed)).Inc()
	o.logger.Warn("lock rejected by ledger",
		"delivery_id", tx.DeliveryID,
		"escrow_id", tx.EscrowID.Hex(),
		"reason", submitErr.Error(),
	)
	if o.notifier != nil {
		o.notifier.Publish(failed)
	}
	return submitErr
}

func validateLock(req LockRequest) error {
	errs := validation.Validate(
		validation.Required("deliveryId", req.DeliveryID),
		validation.MaxLength("deliveryId", req.DeliveryID, 128),
		validation.Required("schoolId", req.SchoolID),
		validation.Required("cateringId", req.CateringID),
		validation.Required("payeeAddress", req.PayeeAddress),
		validation.ValidAddress("payeeAddress", req.PayeeAddress),
	)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}
