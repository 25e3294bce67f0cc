// Package escrow defines the escrow transaction record, its state machine,
// and the stores that persist it.
//
// One Transaction tracks one lock/release cycle for one delivery:
//
//  1. Orchestrator creates the row in Pending and submits lockFund on-chain
//  2. Listener observes a confirmed FundLocked event → row becomes Locked
//  3. FundReleased → Released, FundCancelled → Cancelled (both terminal)
//  4. A lock submission the ledger definitively rejected → Failed (terminal)
//
// Rows are never deleted; a retried lock for the same delivery creates a new
// row only after the prior one reached a terminal state.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNotFound              = errors.New("escrow: transaction not found")
	ErrDuplicateActiveEscrow = errors.New("escrow: delivery already has an active escrow")
	ErrStaleState            = errors.New("escrow: current status does not match expected status")
	ErrInvalidState          = errors.New("escrow: invalid status for this operation")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusPending   Status = "pending"   // Row created, lock submitted, awaiting ledger confirmation
	StatusLocked    Status = "locked"    // FundLocked confirmed on-chain
	StatusReleased  Status = "released"  // FundReleased confirmed, funds paid out
	StatusCancelled Status = "cancelled" // FundCancelled confirmed, funds returned
	StatusFailed    Status = "failed"    // Lock submission rejected before any ledger commit
)

// IsTerminal reports whether no further status writes are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from → to.
//
// The only edges are Pending→Locked, Pending→Failed, Locked→Released and
// Locked→Cancelled. A reverted release attempt does NOT move a Locked row:
// funds remain provably locked on-chain, so only a confirmed FundCancelled
// or FundReleased event may leave Locked.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusLocked || to == StatusFailed
	case StatusLocked:
		return to == StatusReleased || to == StatusCancelled
	}
	return false
}

// Transaction is the unit of truth for one lock/release cycle.
type Transaction struct {
	ID            string      `json:"id"`
	EscrowID      common.Hash `json:"escrowId"`
	DeliveryID    string      `json:"deliveryId"`
	SchoolID      string      `json:"schoolId"`
	CateringID    string      `json:"cateringId"`
	Amount        int64       `json:"amount"` // program base units, immutable once locked
	Status        Status      `json:"status"`
	TxHash        string      `json:"txHash,omitempty"` // set together with BlockNumber by the confirmation path
	BlockNumber   uint64      `json:"blockNumber,omitempty"`
	FailureReason string      `json:"failureReason,omitempty"`
	CreationNonce string      `json:"-"`
	LockedAt      *time.Time  `json:"lockedAt,omitempty"`
	ReleasedAt    *time.Time  `json:"releasedAt,omitempty"`
	ResolvedAt    *time.Time  `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool { return t.Status.IsTerminal() }

// DeriveEscrowID computes the deterministic on-chain escrow identifier for a
// transaction row. Hashing (deliveryID, rowID, nonce) makes the ID
// reproducible for retries of the same logical lock attempt while two
// distinct attempts (distinct rows) can never collide.
func DeriveEscrowID(deliveryID, rowID, nonce string) common.Hash {
	return crypto.Keccak256Hash(
		[]byte(deliveryID),
		[]byte(rowID),
		[]byte(nonce),
	)
}

// AdvanceFields carries the columns written alongside a status transition.
// Zero values are left untouched in the stored row.
type AdvanceFields struct {
	TxHash        string
	BlockNumber   uint64
	FailureReason string
	LockedAt      *time.Time
	ReleasedAt    *time.Time
	ResolvedAt    *time.Time
}

// Store persists escrow transactions.
//
// Advance is the concurrency contract of the whole engine: it must
// read-check fromStatus and write toStatus plus fields in ONE atomic
// operation, returning ErrStaleState when the row is no longer in
// fromStatus. Every writer (orchestrator, listener, reconciliation) goes
// through it, which is what makes replays and races self-correcting.
type Store interface {
	// CreatePending inserts a new Pending row for the delivery, assigning
	// ID, CreationNonce and EscrowID. Fails with ErrDuplicateActiveEscrow
	// if a non-terminal row already exists for the delivery.
	CreatePending(ctx context.Context, deliveryID string, amount int64, schoolID, cateringID string) (*Transaction, error)

	// Advance atomically moves the row identified by escrowID from
	// fromStatus to toStatus, writing fields in the same operation.
	Advance(ctx context.Context, escrowID common.Hash, fromStatus, toStatus Status, fields AdvanceFields) (*Transaction, error)

	// Get returns the transaction with the given on-chain escrow ID.
	Get(ctx context.Context, escrowID common.Hash) (*Transaction, error)

	// ActiveByDelivery returns the single non-terminal row for a delivery,
	// or ErrNotFound if the delivery has no active escrow.
	ActiveByDelivery(ctx context.Context, deliveryID string) (*Transaction, error)

	// ListByDelivery returns all rows for a delivery, newest first.
	ListByDelivery(ctx context.Context, deliveryID string, limit int) ([]*Transaction, error)

	// ListByDeliveryBefore returns rows for a delivery strictly older than
	// the (createdAt, id) position, newest first.
	ListByDeliveryBefore(ctx context.Context, deliveryID string, createdAt time.Time, id string, limit int) ([]*Transaction, error)
}
