package chain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a chain failure for the caller's retry decision.
type ErrorKind int

const (
	// KindTransient covers RPC timeouts, connection failures and nonce
	// contention. Safe to retry with backoff using the same escrow ID.
	KindTransient ErrorKind = iota

	// KindReverted means the ledger rejected the call. Retrying blindly is
	// wrong; the caller must inspect and decide.
	KindReverted

	// KindUnconfigured means no signer or contract is bound. Fails fast so
	// a misconfigured deployment never silently no-ops.
	KindUnconfigured
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindReverted:
		return "reverted"
	case KindUnconfigured:
		return "unconfigured"
	}
	return "unknown"
}

// Error wraps chain submission failures with their classification.
type Error struct {
	Kind   ErrorKind
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (%s, tx: %s): %v", e.Op, e.Kind, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound is returned by ReadEscrow when the ledger has no record
// for the escrow ID.
var ErrNotFound = errors.New("chain: escrow not found on ledger")

// IsTransient reports whether err is a retryable chain error.
func IsTransient(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindTransient
}

// IsReverted reports whether err is a ledger rejection.
func IsReverted(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindReverted
}

// IsUnconfigured reports whether err is a missing-signer/contract failure.
func IsUnconfigured(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindUnconfigured
}

// classifySubmit maps an RPC error onto the taxonomy. Geth-style nodes
// surface reverts with "execution reverted"; everything else on the submit
// path (timeouts, broken connections, nonce races) is worth retrying.
func classifySubmit(op, txHash string, err error) *Error {
	kind := KindTransient
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		kind = KindReverted
	}
	return &Error{Kind: kind, Op: op, TxHash: txHash, Err: err}
}
