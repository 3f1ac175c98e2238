package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore keeps pending requests in the pending_requests table.
// Resolve stamps resolved_at with a conditional UPDATE ... RETURNING, so
// two processes sharing the table cannot both consume an entry, and the
// stamped row keeps the request ID reserved.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Track(ctx context.Context, req *PendingRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_requests (request_id, kind, target_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		req.RequestID, string(req.Kind), int64(req.TargetID), req.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateRequestID
		}
		return fmt.Errorf("insert pending request: %w", err)
	}
	return nil
}

func (p *PostgresStore) Restore(ctx context.Context, req *PendingRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_requests (request_id, kind, target_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO UPDATE SET resolved_at = NULL
		WHERE pending_requests.resolved_at IS NOT NULL`,
		req.RequestID, string(req.Kind), int64(req.TargetID), req.CreatedAt)
	if err != nil {
		return fmt.Errorf("restore pending request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateRequestID
	}
	return nil
}

func (p *PostgresStore) Lookup(ctx context.Context, requestID string) (*PendingRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT request_id, kind, target_id, created_at
		FROM pending_requests WHERE request_id = $1 AND resolved_at IS NULL`, requestID)
	req, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

func (p *PostgresStore) Resolve(ctx context.Context, requestID string) (*PendingRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE pending_requests SET resolved_at = NOW()
		WHERE request_id = $1 AND resolved_at IS NULL
		RETURNING request_id, kind, target_id, created_at`, requestID)
	req, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

func (p *PostgresStore) PendingFor(ctx context.Context, kind Kind, targetID uint64) ([]*PendingRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT request_id, kind, target_id, created_at
		FROM pending_requests
		WHERE kind = $1 AND target_id = $2 AND resolved_at IS NULL
		ORDER BY created_at ASC, request_id ASC`, string(kind), int64(targetID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPendings(rows)
}

func (p *PostgresStore) ListOlderThan(ctx context.Context, before time.Time, limit int) ([]*PendingRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT request_id, kind, target_id, created_at
		FROM pending_requests
		WHERE created_at < $1 AND resolved_at IS NULL
		ORDER BY created_at ASC, request_id ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPendings(rows)
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_requests WHERE resolved_at IS NULL`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPending(sc scanner) (*PendingRequest, error) {
	req := &PendingRequest{}
	var kind string
	if err := sc.Scan(&req.RequestID, &kind, &req.TargetID, &req.CreatedAt); err != nil {
		return nil, err
	}
	req.Kind = Kind(kind)
	return req, nil
}

func scanPendings(rows *sql.Rows) ([]*PendingRequest, error) {
	var result []*PendingRequest
	for rows.Next() {
		req, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
