package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nutripay/escrowsync/internal/idgen"
)

// MemoryStore is an in-memory escrow store for development mode and tests.
// It enforces the same invariants as the Postgres store: one active row per
// delivery, and compare-and-set semantics in Advance.
type MemoryStore struct {
	byEscrowID map[common.Hash]*Transaction
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEscrowID: make(map[common.Hash]*Transaction),
	}
}

func (m *MemoryStore) CreatePending(ctx context.Context, deliveryID string, amount int64, schoolID, cateringID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.byEscrowID {
		if t.DeliveryID == deliveryID && !t.IsTerminal() {
			return nil, ErrDuplicateActiveEscrow
		}
	}

	now := time.Now()
	id := idgen.WithPrefix("esc_")
	nonce := idgen.Hex(8)
	t := &Transaction{
		ID:            id,
		EscrowID:      DeriveEscrowID(deliveryID, id, nonce),
		DeliveryID:    deliveryID,
		SchoolID:      schoolID,
		CateringID:    cateringID,
		Amount:        amount,
		Status:        StatusPending,
		CreationNonce: nonce,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.byEscrowID[t.EscrowID] = t

	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Advance(ctx context.Context, escrowID common.Hash, fromStatus, toStatus Status, fields AdvanceFields) (*Transaction, error) {
	if !CanTransition(fromStatus, toStatus) {
		return nil, ErrInvalidState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byEscrowID[escrowID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != fromStatus {
		return nil, ErrStaleState
	}

	t.Status = toStatus
	t.UpdatedAt = time.Now()
	if fields.TxHash != "" {
		t.TxHash = fields.TxHash
		t.BlockNumber = fields.BlockNumber
	}
	if fields.FailureReason != "" {
		t.FailureReason = fields.FailureReason
	}
	if fields.LockedAt != nil {
		t.LockedAt = fields.LockedAt
	}
	if fields.ReleasedAt != nil {
		t.ReleasedAt = fields.ReleasedAt
	}
	if fields.ResolvedAt != nil {
		t.ResolvedAt = fields.ResolvedAt
	}

	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, escrowID common.Hash) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.byEscrowID[escrowID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ActiveByDelivery(ctx context.Context, deliveryID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.byEscrowID {
		if t.DeliveryID == deliveryID && !t.IsTerminal() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByDelivery(ctx context.Context, deliveryID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.byEscrowID {
		if t.DeliveryID == deliveryID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByDeliveryBefore(ctx context.Context, deliveryID string, createdAt time.Time, id string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.byEscrowID {
		if t.DeliveryID != deliveryID {
			continue
		}
		if t.CreatedAt.Before(createdAt) || (t.CreatedAt.Equal(createdAt) && t.ID < id) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
