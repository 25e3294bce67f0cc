package listener

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresWatermarkStore persists listener progress in chain_watermarks.
type PostgresWatermarkStore struct {
	db *sql.DB
}

// NewPostgresWatermarkStore creates a Postgres-backed watermark store.
func NewPostgresWatermarkStore(db *sql.DB) *PostgresWatermarkStore {
	return &PostgresWatermarkStore{db: db}
}

func (s *PostgresWatermarkStore) Get(ctx context.Context, name string) (uint64, bool, error) {
	var block int64
	err := s.db.QueryRowContext(ctx,
		`SELECT block_number FROM chain_watermarks WHERE name = $1`, name,
	).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query watermark %s: %w", name, err)
	}
	return uint64(block), true, nil
}

func (s *PostgresWatermarkStore) Set(ctx context.Context, name string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_watermarks (name, block_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET block_number = EXCLUDED.block_number, updated_at = NOW()`,
		name, int64(block))
	if err != nil {
		return fmt.Errorf("upsert watermark %s: %w", name, err)
	}
	return nil
}

// PostgresDedupStore records applied event deliveries in processed_events.
type PostgresDedupStore struct {
	db *sql.DB
}

// NewPostgresDedupStore creates a Postgres-backed dedup store.
func NewPostgresDedupStore(db *sql.DB) *PostgresDedupStore {
	return &PostgresDedupStore{db: db}
}

func (s *PostgresDedupStore) Seen(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query processed event: %w", err)
	}
	return exists, nil
}

func (s *PostgresDedupStore) Mark(ctx context.Context, key string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_key, block_number, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_key) DO NOTHING`,
		key, int64(block))
	if err != nil {
		return fmt.Errorf("mark processed event: %w", err)
	}
	return nil
}

// PruneBefore removes dedup entries below the given block. Entries that old
// can no longer be redelivered by a watermark-bounded poll, so keeping them
// only grows the table.
func (s *PostgresDedupStore) PruneBefore(ctx context.Context, block uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE block_number < $1`, int64(block))
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	return n, nil
}

var (
	_ WatermarkStore = (*PostgresWatermarkStore)(nil)
	_ DedupStore     = (*PostgresDedupStore)(nil)
)
