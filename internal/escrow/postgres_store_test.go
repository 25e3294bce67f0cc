package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nutripay/escrowsync/internal/testutil"
)

// Integration tests; skipped unless POSTGRES_URL is set.

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	tx, err := store.CreatePending(ctx, "delivery-42", 5_000_000, "school-7", "catering-3")
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}

	// Partial unique index blocks a second active row.
	if _, err := store.CreatePending(ctx, "delivery-42", 5_000_000, "school-7", "catering-3"); !errors.Is(err, ErrDuplicateActiveEscrow) {
		t.Fatalf("expected ErrDuplicateActiveEscrow, got %v", err)
	}

	now := time.Now()
	locked, err := store.Advance(ctx, tx.EscrowID, StatusPending, StatusLocked, AdvanceFields{
		TxHash: "0x" + "11", BlockNumber: 1000, LockedAt: &now,
	})
	if err != nil {
		t.Fatalf("Advance to locked: %v", err)
	}
	if locked.BlockNumber != 1000 || locked.TxHash == "" {
		t.Fatalf("confirmation fields not persisted: %+v", locked)
	}

	released, err := store.Advance(ctx, tx.EscrowID, StatusLocked, StatusReleased, AdvanceFields{
		TxHash: "0x" + "22", BlockNumber: 1050, ReleasedAt: &now, ResolvedAt: &now,
	})
	if err != nil {
		t.Fatalf("Advance to released: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}

	// Terminal row frees the delivery for a fresh attempt.
	if _, err := store.CreatePending(ctx, "delivery-42", 5_000_000, "school-7", "catering-3"); err != nil {
		t.Fatalf("CreatePending after terminal: %v", err)
	}

	all, err := store.ListByDelivery(ctx, "delivery-42", 10)
	if err != nil {
		t.Fatalf("ListByDelivery: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows (audit trail), got %d", len(all))
	}

	rest, err := store.ListByDeliveryBefore(ctx, "delivery-42", all[0].CreatedAt, all[0].ID, 10)
	if err != nil {
		t.Fatalf("ListByDeliveryBefore: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != all[1].ID {
		t.Fatalf("cursor page mismatch: %+v", rest)
	}
}

func TestPostgresStore_Advance_ConcurrentCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	tx, err := store.CreatePending(ctx, "delivery-cas", 100, "school-1", "catering-1")
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}

	// Listener and reconciliation racing to apply the same FundLocked:
	// exactly one writer wins, the rest see ErrStaleState.
	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Advance(ctx, tx.EscrowID, StatusPending, StatusLocked, AdvanceFields{
				TxHash: "0xcc", BlockNumber: 1000,
			})
		}(i)
	}
	wg.Wait()

	var wins, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStaleState):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || stale != writers-1 {
		t.Fatalf("expected exactly 1 winner, got %d winners / %d stale", wins, stale)
	}
}

func TestPostgresStore_Advance_Missing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	missing := DeriveEscrowID("nope", "esc_x", "n")
	if _, err := store.Advance(ctx, missing, StatusPending, StatusLocked, AdvanceFields{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
