package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Ledger event names. These are the only three events the contract emits
// for an escrow's lifecycle.
const (
	EventFundLocked    = "FundLocked"
	EventFundReleased  = "FundReleased"
	EventFundCancelled = "FundCancelled"
)

// Event is a decoded escrow contract log.
type Event struct {
	Name        string
	EscrowID    common.Hash
	Payer       common.Address
	Payee       common.Address
	Amount      *big.Int
	SchoolRef   string // FundLocked only
	Reason      string // FundCancelled only
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// Key identifies one delivery of one log. Redelivered and replayed logs
// carry the same key, which is what makes deduplication possible.
func (e *Event) Key() string {
	return fmt.Sprintf("%s:%s:%d", e.Name, e.TxHash.Hex(), e.LogIndex)
}

// ParseLog decodes a raw contract log into an Event. Returns (nil, nil) for
// logs that are not one of the three escrow events.
func (c *Client) ParseLog(l types.Log) (*Event, error) {
	if len(l.Topics) == 0 {
		return nil, nil
	}

	ev := &Event{
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
	}

	switch l.Topics[0] {
	case c.abi.Events[EventFundLocked].ID:
		if len(l.Topics) < 4 {
			return nil, fmt.Errorf("chain: malformed FundLocked log in tx %s", l.TxHash.Hex())
		}
		ev.Name = EventFundLocked
		ev.EscrowID = l.Topics[1]
		ev.Payer = common.BytesToAddress(l.Topics[2].Bytes())
		ev.Payee = common.BytesToAddress(l.Topics[3].Bytes())
		out, err := c.abi.Unpack(EventFundLocked, l.Data)
		if err != nil || len(out) != 2 {
			return nil, fmt.Errorf("chain: unpack FundLocked: %w", err)
		}
		ev.Amount = out[0].(*big.Int)
		ev.SchoolRef = out[1].(string)

	case c.abi.Events[EventFundReleased].ID:
		if len(l.Topics) < 3 {
			return nil, fmt.Errorf("chain: malformed FundReleased log in tx %s", l.TxHash.Hex())
		}
		ev.Name = EventFundReleased
		ev.EscrowID = l.Topics[1]
		ev.Payee = common.BytesToAddress(l.Topics[2].Bytes())
		out, err := c.abi.Unpack(EventFundReleased, l.Data)
		if err != nil || len(out) != 1 {
			return nil, fmt.Errorf("chain: unpack FundReleased: %w", err)
		}
		ev.Amount = out[0].(*big.Int)

	case c.abi.Events[EventFundCancelled].ID:
		if len(l.Topics) < 3 {
			return nil, fmt.Errorf("chain: malformed FundCancelled log in tx %s", l.TxHash.Hex())
		}
		ev.Name = EventFundCancelled
		ev.EscrowID = l.Topics[1]
		ev.Payer = common.BytesToAddress(l.Topics[2].Bytes())
		out, err := c.abi.Unpack(EventFundCancelled, l.Data)
		if err != nil || len(out) != 2 {
			return nil, fmt.Errorf("chain: unpack FundCancelled: %w", err)
		}
		ev.Amount = out[0].(*big.Int)
		ev.Reason = out[1].(string)

	default:
		return nil, nil
	}

	return ev, nil
}

// FilterEvents queries the contract's escrow events in [fromBlock, toBlock]
// and decodes them. Undecodable logs are skipped; the caller sees only
// well-formed events.
func (c *Client) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{{
			c.abi.Events[EventFundLocked].ID,
			c.abi.Events[EventFundReleased].ID,
			c.abi.Events[EventFundCancelled].ID,
		}},
	}

	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: "filter_logs", Err: err}
	}

	events := make([]*Event, 0, len(logs))
	for _, l := range logs {
		ev, err := c.ParseLog(l)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

// EventTopics returns the topic IDs of the three escrow events, in the
// order (locked, released, cancelled). Used by live subscriptions.
func (c *Client) EventTopics() []common.Hash {
	return []common.Hash{
		c.abi.Events[EventFundLocked].ID,
		c.abi.Events[EventFundReleased].ID,
		c.abi.Events[EventFundCancelled].ID,
	}
}
