package txstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS transaction_outcomes (
    hash TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    signer TEXT NOT NULL,
    property_id BIGINT NOT NULL DEFAULT 0,
    block_number BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ
);
`

// NewPostgresStore connects using dsn and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, hash string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT hash, kind, status, reason, signer, property_id, block_number, created_at, updated_at, expires_at
FROM transaction_outcomes
WHERE hash = $1
`, Key(hash))

	var (
		rec        Record
		propertyID int64
		block      int64
		expiresAt  *time.Time
	)
	if err := row.Scan(&rec.Hash, &rec.Kind, &rec.Status, &rec.Reason, &rec.Signer,
		&propertyID, &block, &rec.CreatedAt, &rec.UpdatedAt, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.PropertyID = uint64(propertyID)
	rec.BlockNumber = uint64(block)
	if expiresAt != nil {
		rec.ExpiresAt = *expiresAt
		if time.Now().After(rec.ExpiresAt) {
			go p.deleteKey(context.Background(), rec.Hash)
			return nil, nil
		}
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, hash string, record Record) error {
	var expiresAt *time.Time
	if !record.ExpiresAt.IsZero() {
		expiresAt = &record.ExpiresAt
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO transaction_outcomes (hash, kind, status, reason, signer, property_id, block_number, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (hash) DO UPDATE
SET status = EXCLUDED.status,
    reason = EXCLUDED.reason,
    property_id = EXCLUDED.property_id,
    block_number = EXCLUDED.block_number,
    updated_at = EXCLUDED.updated_at,
    expires_at = EXCLUDED.expires_at
`, Key(hash), record.Kind, record.Status, record.Reason, record.Signer,
		int64(record.PropertyID), int64(record.BlockNumber), record.CreatedAt, record.UpdatedAt, expiresAt)
	return err
}

func (p *PostgresStore) deleteKey(ctx context.Context, hash string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM transaction_outcomes WHERE hash = $1`, hash)
}
