package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

// fakeBackend implements Backend with programmable behavior.
type fakeBackend struct {
	mu          sync.Mutex
	nonce       uint64
	sent        []*types.Transaction
	sendErr     error
	estimateErr error
	callResult  []byte
	callErr     error
	receipts    map[common.Hash]*types.Receipt
	logs        []types.Log
	head        uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callResult, f.callErr
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}

func (f *fakeBackend) Close() {}

func newTestClient(t *testing.T, backend Backend, withKey bool) *Client {
	t.Helper()
	cfg := Config{
		ChainID:  84532,
		Contract: "0x1111111111111111111111111111111111111111",
	}
	if withKey {
		cfg.PrivateKey = testKey
	}
	c, err := New(cfg, WithBackend(backend))
	require.NoError(t, err)
	return c
}

func TestSubmitLock_NoSigner(t *testing.T) {
	c := newTestClient(t, newFakeBackend(), false)

	_, err := c.SubmitLock(context.Background(), common.HexToHash("0x1"),
		common.HexToAddress("0x2"), "school-7", big.NewInt(100))
	require.Error(t, err)
	assert.True(t, IsUnconfigured(err))
}

func TestSubmitLock_AttachesValue(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, true)

	res, err := c.SubmitLock(context.Background(), common.HexToHash("0xaa"),
		common.HexToAddress("0xbb"), "school-7", big.NewInt(5_000_000_000))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, big.NewInt(5_000_000_000), tx.Value())
	assert.Equal(t, c.Contract(), *tx.To())
	assert.Equal(t, tx.Hash().Hex(), res.TxHash)
}

func TestSubmit_Classification(t *testing.T) {
	tests := []struct {
		name     string
		sendErr  error
		estErr   error
		wantKind func(error) bool
	}{
		{"revert on send", errors.New("execution reverted: escrow exists"), nil, IsReverted},
		{"network failure on send", errors.New("connection refused"), nil, IsTransient},
		{"revert on estimate", nil, errors.New("execution reverted"), IsReverted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.sendErr = tt.sendErr
			backend.estimateErr = tt.estErr
			c := newTestClient(t, backend, true)

			_, err := c.SubmitRelease(context.Background(), common.HexToHash("0xaa"))
			require.Error(t, err)
			assert.True(t, tt.wantKind(err), "got %v", err)
		})
	}
}

func TestSubmit_EstimateFailureFallsBackToDefaultGas(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("rpc timeout")
	c := newTestClient(t, backend, true)

	_, err := c.SubmitRelease(context.Background(), common.HexToHash("0xaa"))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, DefaultGasLimit, backend.sent[0].Gas())
}

func TestSubmit_SerializesNonces(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, true)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.SubmitRelease(context.Background(), common.HexToHash("0xaa"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Len(t, backend.sent, n)
	seen := make(map[uint64]bool)
	for _, tx := range backend.sent {
		if seen[tx.Nonce()] {
			t.Fatalf("nonce %d used twice", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
}

func TestReadEscrow(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, false)

	payer := common.HexToAddress("0x1234")
	payee := common.HexToAddress("0x5678")
	packed, err := c.abi.Methods["getEscrow"].Outputs.Pack(
		payer, payee, big.NewInt(42), true, false, "school-7")
	require.NoError(t, err)
	backend.callResult = packed

	view, err := c.ReadEscrow(context.Background(), common.HexToHash("0xaa"))
	require.NoError(t, err)
	assert.Equal(t, payer, view.Payer)
	assert.Equal(t, payee, view.Payee)
	assert.Equal(t, big.NewInt(42), view.Amount)
	assert.True(t, view.IsLocked)
	assert.False(t, view.IsReleased)
	assert.Equal(t, "school-7", view.SchoolRef)
}

func TestReadEscrow_ZeroRecordIsNotFound(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, false)

	packed, err := c.abi.Methods["getEscrow"].Outputs.Pack(
		common.Address{}, common.Address{}, big.NewInt(0), false, false, "")
	require.NoError(t, err)
	backend.callResult = packed

	_, err = c.ReadEscrow(context.Background(), common.HexToHash("0xaa"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWaitForReceipt_Reverted(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, false)

	hash := common.HexToHash("0xdd")
	backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed}

	_, err := c.WaitForReceipt(context.Background(), hash.Hex(), 10*time.Second)
	require.Error(t, err)
	assert.True(t, IsReverted(err))
}

func TestParseLog_RoundTrip(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, false)

	escrowID := common.HexToHash("0xaabb")
	payer := common.HexToAddress("0x1111")
	payee := common.HexToAddress("0x2222")

	lockedData, err := c.abi.Events[EventFundLocked].Inputs.NonIndexed().Pack(
		big.NewInt(5_000_000), "school-7")
	require.NoError(t, err)

	ev, err := c.ParseLog(types.Log{
		Topics: []common.Hash{
			c.abi.Events[EventFundLocked].ID,
			escrowID,
			common.BytesToHash(payer.Bytes()),
			common.BytesToHash(payee.Bytes()),
		},
		Data:        lockedData,
		TxHash:      common.HexToHash("0x77"),
		BlockNumber: 1000,
		Index:       3,
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventFundLocked, ev.Name)
	assert.Equal(t, escrowID, ev.EscrowID)
	assert.Equal(t, payer, ev.Payer)
	assert.Equal(t, payee, ev.Payee)
	assert.Equal(t, big.NewInt(5_000_000), ev.Amount)
	assert.Equal(t, "school-7", ev.SchoolRef)
	assert.Equal(t, uint64(1000), ev.BlockNumber)
	assert.Equal(t, uint(3), ev.LogIndex)

	cancelData, err := c.abi.Events[EventFundCancelled].Inputs.NonIndexed().Pack(
		big.NewInt(5_000_000), "spoiled delivery")
	require.NoError(t, err)

	ev, err = c.ParseLog(types.Log{
		Topics: []common.Hash{
			c.abi.Events[EventFundCancelled].ID,
			escrowID,
			common.BytesToHash(payer.Bytes()),
		},
		Data: cancelData,
	})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventFundCancelled, ev.Name)
	assert.Equal(t, "spoiled delivery", ev.Reason)
}

func TestParseLog_IgnoresForeignEvents(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, false)

	ev, err := c.ParseLog(types.Log{
		Topics: []common.Hash{common.HexToHash("0xdeadbeef")},
	})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestEventKey(t *testing.T) {
	a := Event{Name: EventFundLocked, TxHash: common.HexToHash("0x1"), LogIndex: 2}
	b := Event{Name: EventFundLocked, TxHash: common.HexToHash("0x1"), LogIndex: 2}
	cEv := Event{Name: EventFundReleased, TxHash: common.HexToHash("0x1"), LogIndex: 2}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), cEv.Key())
}
