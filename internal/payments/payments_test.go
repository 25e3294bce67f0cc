package payments

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutripay/escrowsync/internal/chain"
	"github.com/nutripay/escrowsync/internal/escrow"
	"github.com/nutripay/escrowsync/internal/units"
)

// fakeSubmitter records submissions and returns scripted errors.
type fakeSubmitter struct {
	mu         sync.Mutex
	lockErr    error
	releaseErr error
	cancelErr  error
	locks      []submittedLock
	releases   []common.Hash
	cancels    []string
	calls      int
}

type submittedLock struct {
	escrowID common.Hash
	payee    common.Address
	ref      string
	amount   *big.Int
}

func (f *fakeSubmitter) SubmitLock(ctx context.Context, escrowID common.Hash, payee common.Address, schoolRef string, amountNative *big.Int) (*chain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	f.locks = append(f.locks, submittedLock{escrowID, payee, schoolRef, amountNative})
	return &chain.SubmitResult{TxHash: "0xlock"}, nil
}

func (f *fakeSubmitter) SubmitRelease(ctx context.Context, escrowID common.Hash) (*chain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}
	f.releases = append(f.releases, escrowID)
	return &chain.SubmitResult{TxHash: "0xrelease"}, nil
}

func (f *fakeSubmitter) SubmitCancel(ctx context.Context, escrowID common.Hash, reason string) (*chain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.cancels = append(f.cancels, reason)
	return &chain.SubmitResult{TxHash: "0xcancel"}, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	published []*escrow.Transaction
}

func (r *recordingNotifier) Publish(tx *escrow.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, tx)
}

func revertedErr() error {
	return &chain.Error{Kind: chain.KindReverted, Op: "lock", Err: errors.New("execution reverted: duplicate escrow")}
}

func transientErr() error {
	return &chain.Error{Kind: chain.KindTransient, Op: "lock", Err: errors.New("connection refused")}
}

func newTestOrchestrator(t *testing.T, store escrow.Store, submitter Submitter, notifier Notifier) *Orchestrator {
	t.Helper()
	converter, err := units.NewConverter(1_000)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := Config{MaxSubmitAttempts: 2, SubmitBaseDelay: time.Millisecond}
	return New(store, submitter, converter, notifier, cfg, logger)
}

func validLock() LockRequest {
	return LockRequest{
		DeliveryID:   "delivery-1",
		SchoolID:     "school-1",
		CateringID:   "catering-1",
		PayeeAddress: "0x2222222222222222222222222222222222222222",
		Amount:       5_000_000,
	}
}

func TestInitiateLock_Success(t *testing.T) {
	store := escrow.NewMemoryStore()
	submitter := &fakeSubmitter{}
	o := newTestOrchestrator(t, store, submitter, nil)

	outcome, err := o.InitiateLock(context.Background(), validLock())
	require.NoError(t, err)
	assert.Equal(t, "0xlock", outcome.TxHash)
	assert.Equal(t, escrow.StatusPending, outcome.Transaction.Status)

	require.Len(t, submitter.locks, 1)
	sub := submitter.locks[0]
	assert.Equal(t, outcome.Transaction.EscrowID, sub.escrowID)
	assert.Equal(t, "school-1", sub.ref)
	// 5_000_000 base units at scale 1_000 native units each.
	assert.Equal(t, big.NewInt(5_000_000_000), sub.amount)

	// The row waits for the confirmed event; submission alone moves nothing.
	row, err := store.Get(context.Background(), outcome.Transaction.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPending, row.Status)
}

func TestInitiateLock_Validation(t *testing.T) {
	o := newTestOrchestrator(t, escrow.NewMemoryStore(), &fakeSubmitter{}, nil)

	tests := []struct {
		name   string
		mutate func(*LockRequest)
	}{
		{"missing delivery", func(r *LockRequest) { r.DeliveryID = "" }},
		{"missing school", func(r *LockRequest) { r.SchoolID = "" }},
		{"missing catering", func(r *LockRequest) { r.CateringID = "" }},
		{"zero amount", func(r *LockRequest) { r.Amount = 0 }},
		{"negative amount", func(r *LockRequest) { r.Amount = -5 }},
		{"bad payee", func(r *LockRequest) { r.PayeeAddress = "not-an-address" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validLock()
			tt.mutate(&req)
			_, err := o.InitiateLock(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestInitiateLock_RevertedMarksRowFailed(t *testing.T) {
	store := escrow.NewMemoryStore()
	submitter := &fakeSubmitter{lockErr: revertedErr()}
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, store, submitter, notifier)

	_, err := o.InitiateLock(context.Background(), validLock())
	require.Error(t, err)
	assert.True(t, chain.IsReverted(err))
	// No retries for a definitive rejection.
	assert.Equal(t, 1, submitter.calls)

	row, err := store.ActiveByDelivery(context.Background(), "delivery-1")
	assert.ErrorIs(t, err, escrow.ErrNotFound)
	assert.Nil(t, row)

	rows, err := store.ListByDelivery(context.Background(), "delivery-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, escrow.StatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].FailureReason, "reverted")

	require.Len(t, notifier.published, 1)
	assert.Equal(t, escrow.StatusFailed, notifier.published[0].Status)
}

func TestInitiateLock_TransientLeavesRowPending(t *testing.T) {
	store := escrow.NewMemoryStore()
	submitter := &fakeSubmitter{lockErr: transientErr()}
	o := newTestOrchestrator(t, store, submitter, nil)

	_, err := o.InitiateLock(context.Background(), validLock())
	assert.ErrorIs(t, err, ErrSubmitRetryable)
	// Transient failures are retried up to the configured attempts.
	assert.Equal(t, 2, submitter.calls)

	row, err := store.ActiveByDelivery(context.Background(), "delivery-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPending, row.Status)
}

func TestInitiateLock_RetryReusesPendingRow(t *testing.T) {
	store := escrow.NewMemoryStore()
	submitter := &fakeSubmitter{lockErr: transientErr()}
	o := newTestOrchestrator(t, store, submitter, nil)

	_, err := o.InitiateLock(context.Background(), validLock())
	require.ErrorIs(t, err, ErrSubmitRetryable)

	first, err := store.ActiveByDelivery(context.Background(), "delivery-1")
	require.NoError(t, err)

	// Ledger is back; the replayed request resubmits the same escrow ID.
	submitter.lockErr = nil
	outcome, err := o.InitiateLock(context.Background(), validLock())
	require.NoError(t, err)
	assert.Equal(t, first.EscrowID, outcome.Transaction.EscrowID)

	rows, err := store.ListByDelivery(context.Background(), "delivery-1", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestInitiateLock_RejectsChangedReplay(t *testing.T) {
	store := escrow.NewMemoryStore()
	submitter := &fakeSubmitter{lockErr: transientErr()}
	o := newTestOrchestrator(t, store, submitter, nil)

	_, err := o.InitiateLock(context.Background(), validLock())
	require.ErrorIs(t, err, ErrSubmitRetryable)

	submitter.lockErr = nil
	req := validLock()
	req.Amount = 9_999_999
	_, err = o.InitiateLock(context.Background(), req)
	assert.ErrorIs(t, err, escrow.ErrDuplicateActiveEscrow)
}

func TestInitiateLock_DuplicateWhileLocked(t *testing.T) {
	store := escrow.NewMemoryStore()
	o := newTestOrchestrator(t, store, &fakeSubmitter{}, nil)

	ctx := context.Background()
	outcome, err := o.InitiateLock(ctx, validLock())
	require.NoError(t, err)
	_, err = store.Advance(ctx, outcome.Transaction.EscrowID,
		escrow.StatusPending, escrow.StatusLocked, escrow.AdvanceFields{TxHash: "0x1"})
	require.NoError(t, err)

	_, err = o.InitiateLock(ctx, validLock())
	assert.ErrorIs(t, err, escrow.ErrDuplicateActiveEscrow)
}

func TestInitiateLock_ConcurrentRequestsCreateOneRow(t *testing.T) {
	store := escrow.NewMemoryStore()
	o := newTestOrchestrator(t, store, &fakeSubmitter{}, nil)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.InitiateLock(context.Background(), validLock())
		}()
	}
	wg.Wait()

	rows, err := store.ListByDelivery(context.Background(), "delivery-1", 20)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func lockRow(t *testing.T, store escrow.Store, o *Orchestrator) *escrow.Transaction {
	t.Helper()
	outcome, err := o.InitiateLock(context.Background(), validLock())
	require.NoError(t, err)
	row, err := store.Advance(context.Background(), outcome.Transaction.EscrowID,
		escrow.StatusPending, escrow.StatusLocked, escrow.AdvanceFields{TxHash: "0x1"})
	require.NoError(t, err)
	return row
}

func TestInitiateRelease_Success(t *testing.T) {
	store := escrow.NewMemoryStore()
	submitter := &fakeSubmitter{}
	o := newTestOrchestrator(t, store, submitter, nil)
	row := lockRow(t, store, o)

	outcome, err := o.InitiateRelease(context.Background(), "delivery-1")
	require.NoError(t, err)
	assert.Equal(t, "0xrelease", outcome.TxHash)
	require.Len(t, submitter.releases, 1)
	assert.Equal(t, row.EscrowID, submitter.releases[0])

	// Released is written by the listener, never here.
	after, err := store.Get(context.Background(), row.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusLocked, after.Status)
}

func TestInitiateRelease_RequiresLocked(t *testing.T) {
	store := escrow.NewMemoryStore()
	o := newTestOrchestrator(t, store, &fakeSubmitter{}, nil)

	_, err := o.InitiateLock(context.Background(), validLock())
	require.NoError(t, err)

	_, err = o.InitiateRelease(context.Background(), "delivery-1")
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestInitiateRelease_RevertedLeavesRowLocked(t *testing.T) {
	store := escrow.NewMemoryStore()
	submitter := &fakeSubmitter{}
	o := newTestOrchestrator(t, store, submitter, nil)
	row := lockRow(t, store, o)

	submitter.releaseErr = &chain.Error{Kind: chain.KindReverted, Op: "release", Err: errors.New("execution reverted")}
	_, err := o.InitiateRelease(context.Background(), "delivery-1")
	require.Error(t, err)
	assert.True(t, chain.IsReverted(err))

	// Funds are provably still locked on-chain, so the row must not move.
	after, err := store.Get(context.Background(), row.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusLocked, after.Status)
}

func TestInitiateRelease_UnknownDelivery(t *testing.T) {
	o := newTestOrchestrator(t, escrow.NewMemoryStore(), &fakeSubmitter{}, nil)
	_, err := o.InitiateRelease(context.Background(), "nope")
	assert.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestInitiateCancel(t *testing.T) {
	store := escrow.NewMemoryStore()
	submitter := &fakeSubmitter{}
	o := newTestOrchestrator(t, store, submitter, nil)
	lockRow(t, store, o)

	_, err := o.InitiateCancel(context.Background(), "delivery-1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	outcome, err := o.InitiateCancel(context.Background(), "delivery-1", "spoiled delivery")
	require.NoError(t, err)
	assert.Equal(t, "0xcancel", outcome.TxHash)
	require.Len(t, submitter.cancels, 1)
	assert.Equal(t, "spoiled delivery", submitter.cancels[0])
}

func TestStatus_FallsBackToLatestResolvedRow(t *testing.T) {
	store := escrow.NewMemoryStore()
	submitter := &fakeSubmitter{lockErr: revertedErr()}
	o := newTestOrchestrator(t, store, submitter, nil)

	_, err := o.InitiateLock(context.Background(), validLock())
	require.Error(t, err)

	tx, err := o.Status(context.Background(), "delivery-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFailed, tx.Status)

	_, err = o.Status(context.Background(), "never-seen")
	assert.ErrorIs(t, err, escrow.ErrNotFound)
}
