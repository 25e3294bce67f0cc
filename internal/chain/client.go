// Package chain wraps the RPC connection, signing identity and bound escrow
// contract behind a small client the rest of the engine depends on.
//
// The client is deliberately thin: it signs and submits lockFund /
// releaseFund / cancelEscrow calls, reads escrow state, and decodes contract
// logs. It never writes the database: submission success does not imply
// ledger finality, so recording confirmed state is the listener's job.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Escrow contract ABI: the fixed external surface of the ledger.
const escrowABI = `[
	{"type":"function","name":"lockFund","stateMutability":"payable","inputs":[{"name":"escrowId","type":"bytes32"},{"name":"payee","type":"address"},{"name":"schoolRef","type":"string"}],"outputs":[]},
	{"type":"function","name":"releaseFund","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"cancelEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"},{"name":"reason","type":"string"}],"outputs":[]},
	{"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[{"name":"payer","type":"address"},{"name":"payee","type":"address"},{"name":"amount","type":"uint256"},{"name":"isLocked","type":"bool"},{"name":"isReleased","type":"bool"},{"name":"schoolRef","type":"string"}]},
	{"type":"event","name":"FundLocked","inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"payer","type":"address","indexed":true},{"name":"payee","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"schoolRef","type":"string","indexed":false}]},
	{"type":"event","name":"FundReleased","inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"payee","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"FundCancelled","inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"payer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"reason","type":"string","indexed":false}]}
]`

const (
	// DefaultGasLimit for escrow contract calls when estimation fails
	// for a reason other than a revert.
	DefaultGasLimit = uint64(200000)

	// ReceiptPollInterval between receipt checks in WaitForReceipt.
	ReceiptPollInterval = 2 * time.Second
)

// Backend abstracts the go-ethereum client for testing.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Config for creating a new chain client.
type Config struct {
	RPCURL     string
	PrivateKey string // Hex string, 0x prefix optional; empty = read-only client
	ChainID    int64
	Contract   string
}

// Option configures the client.
type Option func(*Client)

// WithBackend sets a custom backend (useful for testing).
func WithBackend(b Backend) Option {
	return func(c *Client) {
		c.backend = b
	}
}

// SubmitResult describes an accepted (not yet confirmed) submission.
type SubmitResult struct {
	TxHash string
	Nonce  uint64
}

// EscrowView is the read-only on-chain state of one escrow.
type EscrowView struct {
	Payer      common.Address
	Payee      common.Address
	Amount     *big.Int
	IsLocked   bool
	IsReleased bool
	SchoolRef  string
}

// Client submits escrow operations with a single signing identity.
type Client struct {
	backend    Backend
	privateKey *ecdsa.PrivateKey // nil = read-only
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI

	// Each successful submit consumes one nonce from the signing identity,
	// so nonce fetch + send are serialized across concurrent submissions.
	nonceMu sync.Mutex
}

// New creates a new chain client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Contract == "" {
		return nil, &Error{Kind: KindUnconfigured, Op: "new", Err: errors.New("contract address required")}
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &Client{
		chainID:  big.NewInt(cfg.ChainID),
		contract: common.HexToAddress(cfg.Contract),
		abi:      parsedABI,
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, &Error{Kind: KindUnconfigured, Op: "new", Err: fmt.Errorf("invalid private key: %w", err)}
		}
		pub, ok := key.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, &Error{Kind: KindUnconfigured, Op: "new", Err: errors.New("failed to derive public key")}
		}
		c.privateKey = key
		c.address = crypto.PubkeyToAddress(*pub)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.backend == nil {
		if cfg.RPCURL == "" {
			return nil, &Error{Kind: KindUnconfigured, Op: "new", Err: errors.New("RPC URL required")}
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, &Error{Kind: KindTransient, Op: "dial", Err: err}
		}
		c.backend = client
	}

	return c, nil
}

// Address returns the signing identity's address.
func (c *Client) Address() common.Address { return c.address }

// Contract returns the bound escrow contract address.
func (c *Client) Contract() common.Address { return c.contract }

// SubmitLock submits lockFund, attaching the native-unit amount as call value.
func (c *Client) SubmitLock(ctx context.Context, escrowID common.Hash, payee common.Address, schoolRef string, amountNative *big.Int) (*SubmitResult, error) {
	data, err := c.abi.Pack("lockFund", escrowID, payee, schoolRef)
	if err != nil {
		return nil, &Error{Kind: KindReverted, Op: "lock.pack", Err: err}
	}
	return c.submit(ctx, "lock", data, amountNative)
}

// SubmitRelease submits releaseFund for an escrow.
func (c *Client) SubmitRelease(ctx context.Context, escrowID common.Hash) (*SubmitResult, error) {
	data, err := c.abi.Pack("releaseFund", escrowID)
	if err != nil {
		return nil, &Error{Kind: KindReverted, Op: "release.pack", Err: err}
	}
	return c.submit(ctx, "release", data, big.NewInt(0))
}

// SubmitCancel submits cancelEscrow with a reason.
func (c *Client) SubmitCancel(ctx context.Context, escrowID common.Hash, reason string) (*SubmitResult, error) {
	data, err := c.abi.Pack("cancelEscrow", escrowID, reason)
	if err != nil {
		return nil, &Error{Kind: KindReverted, Op: "cancel.pack", Err: err}
	}
	return c.submit(ctx, "cancel", data, big.NewInt(0))
}

func (c *Client) submit(ctx context.Context, op string, data []byte, value *big.Int) (*SubmitResult, error) {
	if c.privateKey == nil {
		return nil, &Error{Kind: KindUnconfigured, Op: op, Err: errors.New("no signing identity bound")}
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op + ".gas_price", Err: err}
	}

	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// A revert during estimation means the ledger would reject the
		// call; anything else falls back to a fixed limit.
		if cerr := classifySubmit(op+".estimate", "", err); cerr.Kind == KindReverted {
			return nil, cerr
		}
		gasLimit = DefaultGasLimit
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op + ".nonce", Err: err}
	}

	tx := types.NewTransaction(nonce, c.contract, value, gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &Error{Kind: KindUnconfigured, Op: op + ".sign", Err: err}
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, classifySubmit(op+".send", signedTx.Hash().Hex(), err)
	}

	return &SubmitResult{
		TxHash: signedTx.Hash().Hex(),
		Nonce:  nonce,
	}, nil
}

// ReadEscrow reads the on-chain escrow record.
func (c *Client) ReadEscrow(ctx context.Context, escrowID common.Hash) (*EscrowView, error) {
	data, err := c.abi.Pack("getEscrow", escrowID)
	if err != nil {
		return nil, &Error{Kind: KindReverted, Op: "read.pack", Err: err}
	}

	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, classifySubmit("read.call", "", err)
	}

	out, err := c.abi.Unpack("getEscrow", raw)
	if err != nil || len(out) != 6 {
		return nil, &Error{Kind: KindReverted, Op: "read.unpack", Err: err}
	}

	view := &EscrowView{
		Payer:      out[0].(common.Address),
		Payee:      out[1].(common.Address),
		Amount:     out[2].(*big.Int),
		IsLocked:   out[3].(bool),
		IsReleased: out[4].(bool),
		SchoolRef:  out[5].(string),
	}
	// The contract returns a zero record for unknown IDs.
	if view.Payer == (common.Address{}) && view.Amount.Sign() == 0 && !view.IsLocked && !view.IsReleased {
		return nil, ErrNotFound
	}
	return view, nil
}

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, &Error{Kind: KindTransient, Op: "block_number", Err: err}
	}
	return n, nil
}

// WaitForReceipt polls until the submitted transaction is mined or the
// timeout elapses. A mined-but-failed receipt surfaces as a Reverted error.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &Error{Kind: KindTransient, Op: "receipt.wait", TxHash: txHash, Err: ctx.Err()}
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.backend.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting.
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &Error{Kind: KindReverted, Op: "receipt.status", TxHash: txHash, Err: errors.New("transaction reverted")}
			}
			return receipt, nil
		}
	}
}

// Close closes the backend connection.
func (c *Client) Close() error {
	if c.backend != nil {
		c.backend.Close()
	}
	return nil
}
