// Package notify fans out escrow state-change notifications.
//
// Notifications are a projection of state, never its source: delivery is
// fire-and-forget, failures are logged and counted but never propagate back
// into the escrow store and are never retried against it.
//
// Each transition is routed to the school's channel, the catering's channel,
// an admin channel, and a public append-only feed. Payloads are masked:
// wallet addresses and internal row IDs are stripped before anything leaves
// this package.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nutripay/escrowsync/internal/escrow"
)

var (
	notifyPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "notify",
		Name:      "publish_total",
		Help:      "Total notification publish attempts by status.",
	}, []string{"status"})

	notifyDeliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "notify",
		Name:      "delivery_errors_total",
		Help:      "Total notification delivery failures by channel.",
	}, []string{"channel"})
)

func init() {
	prometheus.MustRegister(notifyPublishTotal, notifyDeliveryErrors)
}

// Notification is the masked view of one escrow transition.
type Notification struct {
	ID          string    `json:"id"`
	EscrowID    string    `json:"escrowId"`
	DeliveryID  string    `json:"deliveryId"`
	Status      string    `json:"status"`
	Amount      int64     `json:"amount"`
	TxHash      string    `json:"txHash,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Channel delivers a notification to one named channel.
type Channel interface {
	Deliver(ctx context.Context, channel string, n *Notification) error
}

// Feed receives every public notification (the append-only feed).
type Feed interface {
	Broadcast(n *Notification)
}

// Fanout routes masked transition notifications to role-scoped channels.
type Fanout struct {
	channel Channel
	feed    Feed
	logger  *slog.Logger
	timeout time.Duration
}

// NewFanout creates a notification fanout. channel and feed may each be nil
// when the corresponding surface is disabled.
func NewFanout(channel Channel, feed Feed, logger *slog.Logger) *Fanout {
	return &Fanout{
		channel: channel,
		feed:    feed,
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

// Publish fans out a transition to the school, catering and admin channels
// plus the public feed. It never returns an error: notification failure must
// not affect the state machine that produced it.
func (f *Fanout) Publish(tx *escrow.Transaction) {
	if f == nil {
		return
	}
	notifyPublishTotal.WithLabelValues(string(tx.Status)).Inc()

	n := &Notification{
		ID:          uuid.NewString(),
		EscrowID:    tx.EscrowID.Hex(),
		DeliveryID:  tx.DeliveryID,
		Status:      string(tx.Status),
		Amount:      tx.Amount,
		TxHash:      tx.TxHash,
		BlockNumber: tx.BlockNumber,
		Timestamp:   time.Now(),
	}

	if f.channel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()

		for _, ch := range []string{
			"school." + tx.SchoolID,
			"catering." + tx.CateringID,
			"admin",
		} {
			if err := f.channel.Deliver(ctx, ch, n); err != nil {
				notifyDeliveryErrors.WithLabelValues(ch).Inc()
				f.logger.Warn("notification delivery failed",
					"channel", ch,
					"escrow_id", n.EscrowID,
					"status", n.Status,
					"error", err,
				)
			}
		}
	}

	if f.feed != nil {
		f.feed.Broadcast(n)
	}
}
