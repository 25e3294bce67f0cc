package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/nutripay/escrowsync/internal/idgen"
)

// PostgresStore persists escrow transactions in PostgreSQL.
//
// The one-active-escrow-per-delivery invariant is enforced by a partial
// unique index on delivery_id for non-terminal rows, and the Advance
// compare-and-set is a single conditional UPDATE, so both hold under
// concurrent writers without any advisory locking.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `
	id, escrow_id, delivery_id, school_id, catering_id, amount, status,
	tx_hash, block_number, failure_reason, creation_nonce,
	locked_at, released_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) CreatePending(ctx context.Context, deliveryID string, amount int64, schoolID, cateringID string) (*Transaction, error) {
	now := time.Now()
	id := idgen.WithPrefix("esc_")
	nonce := idgen.Hex(8)
	escrowID := DeriveEscrowID(deliveryID, id, nonce)

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, escrow_id, delivery_id, school_id, catering_id, amount,
			status, creation_nonce, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, escrowID.Hex(), deliveryID, schoolID, cateringID, amount,
		string(StatusPending), nonce, now, now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateActiveEscrow
		}
		return nil, err
	}

	return &Transaction{
		ID:            id,
		EscrowID:      escrowID,
		DeliveryID:    deliveryID,
		SchoolID:      schoolID,
		CateringID:    cateringID,
		Amount:        amount,
		Status:        StatusPending,
		CreationNonce: nonce,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Advance performs the compare-and-set: one conditional UPDATE that only
// matches when the row is still in fromStatus. Zero matched rows with an
// existing row means another writer got there first (ErrStaleState).
func (p *PostgresStore) Advance(ctx context.Context, escrowID common.Hash, fromStatus, toStatus Status, fields AdvanceFields) (*Transaction, error) {
	if !CanTransition(fromStatus, toStatus) {
		return nil, ErrInvalidState
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE escrow_transactions SET
			status = $1,
			tx_hash = COALESCE($2, tx_hash),
			block_number = COALESCE($3, block_number),
			failure_reason = COALESCE($4, failure_reason),
			locked_at = COALESCE($5, locked_at),
			released_at = COALESCE($6, released_at),
			resolved_at = COALESCE($7, resolved_at),
			updated_at = $8
		WHERE escrow_id = $9 AND status = $10
		RETURNING `+txColumns,
		string(toStatus),
		nullString(fields.TxHash), nullBlock(fields.TxHash, fields.BlockNumber),
		nullString(fields.FailureReason),
		nullTime(fields.LockedAt), nullTime(fields.ReleasedAt), nullTime(fields.ResolvedAt),
		time.Now(), escrowID.Hex(), string(fromStatus),
	)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		// Distinguish a missing row from a row that already moved on.
		if _, getErr := p.Get(ctx, escrowID); getErr == nil {
			return nil, ErrStaleState
		}
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) Get(ctx context.Context, escrowID common.Hash) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions WHERE escrow_id = $1`, escrowID.Hex())

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) ActiveByDelivery(ctx context.Context, deliveryID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE delivery_id = $1 AND status IN ('pending', 'locked')`, deliveryID)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) ListByDelivery(ctx context.Context, deliveryID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE delivery_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, deliveryID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectTransactions(rows)
}

func (p *PostgresStore) ListByDeliveryBefore(ctx context.Context, deliveryID string, createdAt time.Time, id string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE delivery_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, deliveryID, createdAt, id, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// --- scan helpers ---

// txScanner is satisfied by both *sql.Row and *sql.Rows.
type txScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s txScanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		escrowID      string
		status        string
		txHash        sql.NullString
		blockNumber   sql.NullInt64
		failureReason sql.NullString
		lockedAt      sql.NullTime
		releasedAt    sql.NullTime
		resolvedAt    sql.NullTime
	)

	err := s.Scan(
		&t.ID, &escrowID, &t.DeliveryID, &t.SchoolID, &t.CateringID,
		&t.Amount, &status, &txHash, &blockNumber, &failureReason,
		&t.CreationNonce, &lockedAt, &releasedAt, &resolvedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.EscrowID = common.HexToHash(escrowID)
	t.Status = Status(status)
	t.TxHash = txHash.String
	if blockNumber.Valid {
		t.BlockNumber = uint64(blockNumber.Int64)
	}
	t.FailureReason = failureReason.String
	if lockedAt.Valid {
		t.LockedAt = &lockedAt.Time
	}
	if releasedAt.Valid {
		t.ReleasedAt = &releasedAt.Time
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}

	return t, nil
}

// --- nullable helpers ---

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullBlock treats BlockNumber as set only when it arrives with a tx hash;
// the two columns are written together by the confirmation path.
func nullBlock(txHash string, block uint64) sql.NullInt64 {
	if txHash == "" {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(block), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
