package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BlockNumberer reports the current chain head.
type BlockNumberer interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Watermarker reports the highest fully processed block.
type Watermarker interface {
	Watermark() uint64
}

// Database returns a checker that pings the database.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Ledger returns a checker that verifies the chain RPC answers.
func Ledger(chain BlockNumberer) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		head, err := chain.BlockNumber(ctx)
		if err != nil {
			return Status{Name: "ledger", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "ledger", Healthy: true, Detail: fmt.Sprintf("head %d", head)}
	}
}

// ListenerLag returns a checker that flags the listener when its watermark
// trails the chain head by more than maxLag blocks.
func ListenerLag(chain BlockNumberer, listener Watermarker, maxLag uint64) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		head, err := chain.BlockNumber(ctx)
		if err != nil {
			// The ledger checker reports RPC failures; no point doubling up.
			return Status{Name: "listener", Healthy: true, Detail: "head unavailable"}
		}
		wm := listener.Watermark()
		if head > wm && head-wm > maxLag {
			return Status{
				Name:    "listener",
				Healthy: false,
				Detail:  fmt.Sprintf("watermark %d trails head %d by %d blocks", wm, head, head-wm),
			}
		}
		return Status{Name: "listener", Healthy: true, Detail: fmt.Sprintf("watermark %d", wm)}
	}
}
