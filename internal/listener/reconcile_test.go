package listener

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutripay/escrowsync/internal/chain"
	"github.com/nutripay/escrowsync/internal/escrow"
)

func newTestReconciler(source *fakeChain, store escrow.Store, dedup DedupStore, notifier Notifier) *Reconciler {
	return NewReconciler(source, source, store, dedup, notifier, testLogger())
}

func TestReplay_AppliesMissedEvents(t *testing.T) {
	source := newFakeChain(100)
	store := escrow.NewMemoryStore()
	notifier := &recordingNotifier{}
	r := newTestReconciler(source, store, NewMemoryDedupStore(), notifier)

	ctx := context.Background()
	pending, err := store.CreatePending(ctx, "delivery-1", 5_000_000, "school-1", "catering-1")
	require.NoError(t, err)

	// The lock and release happened while the service was down.
	source.addEvent(lockedEvent(pending.EscrowID, 10, 0))
	source.addEvent(releasedEvent(pending.EscrowID, 20, 0))

	result, err := r.Replay(ctx, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 2, result.Applied)
	assert.Zero(t, result.Conflicts)

	row, err := store.Get(ctx, pending.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, row.Status)
	assert.Equal(t, 2, notifier.count())
}

func TestReplay_HealthyRangeIsNoop(t *testing.T) {
	source := newFakeChain(100)
	store := escrow.NewMemoryStore()
	dedup := NewMemoryDedupStore()
	notifier := &recordingNotifier{}
	p := newTestProcessor(store, dedup, notifier)

	ctx := context.Background()
	pending, err := store.CreatePending(ctx, "delivery-1", 5_000_000, "school-1", "catering-1")
	require.NoError(t, err)

	lock := lockedEvent(pending.EscrowID, 10, 0)
	source.addEvent(lock)
	require.Equal(t, outcomeApplied, p.process(ctx, lock))
	before, err := store.Get(ctx, pending.EscrowID)
	require.NoError(t, err)

	r := newTestReconciler(source, store, dedup, notifier)
	result, err := r.Replay(ctx, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Zero(t, result.Applied)
	assert.Equal(t, 1, result.Duplicates)

	after, err := store.Get(ctx, pending.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, 1, notifier.count())
}

func TestReplay_ChunksLargeRanges(t *testing.T) {
	source := newFakeChain(100)
	store := escrow.NewMemoryStore()
	r := newTestReconciler(source, store, NewMemoryDedupStore(), nil)
	r.maxBlockRange = 10

	ctx := context.Background()
	pending, err := store.CreatePending(ctx, "delivery-1", 5_000_000, "school-1", "catering-1")
	require.NoError(t, err)
	source.addEvent(lockedEvent(pending.EscrowID, 25, 0))

	result, err := r.Replay(ctx, 1, 40)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
}

func TestReconciler_PeriodicSweepRepairsMissedEvent(t *testing.T) {
	source := newFakeChain(100)
	store := escrow.NewMemoryStore()
	r := newTestReconciler(source, store, NewMemoryDedupStore(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	pending, err := store.CreatePending(ctx, "delivery-1", 5_000_000, "school-1", "catering-1")
	require.NoError(t, err)

	// Event inside the sweep window that the live path never saw.
	source.addEvent(lockedEvent(pending.EscrowID, 42, 0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, time.Millisecond, 50, func() uint64 { return 60 })
	}()

	require.Eventually(t, func() bool {
		row, err := store.Get(context.Background(), pending.EscrowID)
		return err == nil && row.Status == escrow.StatusLocked
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestReplay_RejectsInvalidRange(t *testing.T) {
	r := newTestReconciler(newFakeChain(100), escrow.NewMemoryStore(), NewMemoryDedupStore(), nil)
	_, err := r.Replay(context.Background(), 50, 10)
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	source := newFakeChain(100)
	store := escrow.NewMemoryStore()
	r := newTestReconciler(source, store, NewMemoryDedupStore(), nil)
	ctx := context.Background()

	lockRow := func(t *testing.T, deliveryID string) *escrow.Transaction {
		t.Helper()
		pending, err := store.CreatePending(ctx, deliveryID, 5_000_000, "school-1", "catering-1")
		require.NoError(t, err)
		row, err := store.Advance(ctx, pending.EscrowID, escrow.StatusPending, escrow.StatusLocked, escrow.AdvanceFields{TxHash: "0x1"})
		require.NoError(t, err)
		return row
	}

	t.Run("locked row matches locked record", func(t *testing.T) {
		row := lockRow(t, "delivery-v1")
		source.views[row.EscrowID] = &chain.EscrowView{Amount: big.NewInt(1), IsLocked: true}

		res, err := r.Verify(ctx, row.EscrowID)
		require.NoError(t, err)
		assert.True(t, res.Match)
		assert.True(t, res.OnChain)
	})

	t.Run("locked row with no ledger record diverges", func(t *testing.T) {
		row := lockRow(t, "delivery-v2")

		res, err := r.Verify(ctx, row.EscrowID)
		require.NoError(t, err)
		assert.False(t, res.Match)
		assert.False(t, res.OnChain)
		assert.NotEmpty(t, res.Detail)
	})

	t.Run("pending row with no ledger record matches", func(t *testing.T) {
		pending, err := store.CreatePending(ctx, "delivery-v3", 5_000_000, "school-1", "catering-1")
		require.NoError(t, err)

		res, err := r.Verify(ctx, pending.EscrowID)
		require.NoError(t, err)
		assert.True(t, res.Match)
	})

	t.Run("released record against locked row diverges", func(t *testing.T) {
		row := lockRow(t, "delivery-v4")
		source.views[row.EscrowID] = &chain.EscrowView{Amount: big.NewInt(1), IsReleased: true}

		res, err := r.Verify(ctx, row.EscrowID)
		require.NoError(t, err)
		assert.False(t, res.Match)
	})

	t.Run("ledger record with no row", func(t *testing.T) {
		id := common.HexToHash("0x9999")
		source.views[id] = &chain.EscrowView{Amount: big.NewInt(1), IsLocked: true}

		res, err := r.Verify(ctx, id)
		require.NoError(t, err)
		assert.False(t, res.Match)
		assert.Equal(t, "ledger record exists but no database row", res.Detail)
	})
}
