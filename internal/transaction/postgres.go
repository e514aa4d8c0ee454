package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS payhook;
CREATE TABLE IF NOT EXISTS payhook.transactions (
	id         TEXT PRIMARY KEY,
	amount     NUMERIC(20, 4) NOT NULL CHECK (amount > 0),
	user_id    TEXT NOT NULL,
	status     TEXT NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK (updated_at >= created_at)
);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON payhook.transactions(user_id);`

const selectColumns = `id, amount::text, user_id, status, metadata::text, created_at, updated_at`

// PostgresStore persists transactions in payhook.transactions. Transition
// holds a row lock for the read-check-write, which serializes moves per id
// across every process sharing the database.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure transactions schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, id string, amount decimal.Decimal, userID string, metadata map[string]any) (Transaction, error) {
	if err := validateCreate(id, amount, userID); err != nil {
		return Transaction{}, err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	// Marshal once, pass as TEXT and cast to ::jsonb in SQL
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Transaction{}, fmt.Errorf("invalid metadata: %w", err)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO payhook.transactions(id, amount, user_id, status, metadata, created_at, updated_at)
		VALUES ($1, $2::numeric, $3, $4, $5::jsonb, $6, $6)
		RETURNING `+selectColumns,
		id, amount.String(), userID, string(StatusPending), string(metaJSON), now,
	)
	tx, err := scanTransaction(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Transaction{}, ErrAlreadyExists
		}
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Transaction, error) {
	tx, err := scanTransaction(s.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM payhook.transactions
		WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("select transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, to Status) (Transaction, error) {
	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, fmt.Errorf("begin: %w", err)
	}
	// no-op once committed
	defer func() { _ = dbtx.Rollback(ctx) }()

	cur, err := scanTransaction(dbtx.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM payhook.transactions
		WHERE id = $1
		FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("lock transaction: %w", err)
	}

	changed, err := checkTransition(cur, to)
	if err != nil {
		return Transaction{}, err
	}
	if !changed {
		return cur, nil
	}

	updatedAt := advance(cur.UpdatedAt, s.now().UTC().Truncate(time.Microsecond))
	if _, err := dbtx.Exec(ctx, `
		UPDATE payhook.transactions
		SET status = $2, updated_at = $3
		WHERE id = $1`,
		id, string(to), updatedAt,
	); err != nil {
		return Transaction{}, fmt.Errorf("update transaction status: %w", err)
	}
	if err := dbtx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("commit: %w", err)
	}

	cur.Status = to
	cur.UpdatedAt = updatedAt
	return cur, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx       Transaction
		amount   string
		status   string
		metaJSON string
	)
	if err := row.Scan(&tx.ID, &amount, &tx.UserID, &status, &metaJSON, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	tx.Amount = d
	tx.Status = Status(status)
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &tx.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
