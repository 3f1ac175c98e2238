package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, owner, name, scopes, created_at, last_used, expires_at, revoked`

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, owner, name, scopes, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Hash, key.Owner, key.Name, pq.Array(key.Scopes), key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return k, err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return k, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Revoke(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE api_keys SET revoked = TRUE WHERE id = $1 AND revoked = FALSE`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE api_keys SET last_used = $1 WHERE id = $2`, at, id)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(sc scanner) (*APIKey, error) {
	k := &APIKey{}
	var (
		name      sql.NullString
		lastUsed  sql.NullTime
		expiresAt sql.NullTime
	)
	if err := sc.Scan(&k.ID, &k.Hash, &k.Owner, &name, pq.Array(&k.Scopes),
		&k.CreatedAt, &lastUsed, &expiresAt, &k.Revoked); err != nil {
		return nil, err
	}
	k.Name = name.String
	if lastUsed.Valid {
		k.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		k.ExpiresAt = &t
	}
	return k, nil
}

var _ Store = (*PostgresStore)(nil)
