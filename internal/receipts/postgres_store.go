package receipts

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore keeps receipts in the receipts table. Rows are never
// updated once written.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptSelect = `
	SELECT id, kind, analysis_id, network_id, request_id, risk_score, vulnerability,
	       payload_hash, signature, issued_at, expires_at, created_at
	FROM receipts`

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	const q = `
		INSERT INTO receipts (id, kind, analysis_id, network_id, request_id, risk_score, vulnerability,
		                      payload_hash, signature, issued_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if _, err := p.db.ExecContext(ctx, q,
		r.ID, string(r.Kind), int64(r.AnalysisID), int64(r.NetworkID), r.RequestID, r.RiskScore, r.Vulnerability,
		r.PayloadHash, r.Signature, r.IssuedAt, r.ExpiresAt, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert receipt %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	found, err := p.list(ctx, receiptSelect+` WHERE id = $1`, id)
	switch {
	case err != nil:
		return nil, err
	case len(found) == 0:
		return nil, ErrReceiptNotFound
	}
	return found[0], nil
}

// ListByAnalysis orders by issue time; an analysis receipt and its reveal
// receipt issued in the same instant sort analysis first.
func (p *PostgresStore) ListByAnalysis(ctx context.Context, analysisID uint64) ([]*Receipt, error) {
	return p.list(ctx, receiptSelect+` WHERE analysis_id = $1 ORDER BY created_at, kind`, int64(analysisID))
}

func (p *PostgresStore) list(ctx context.Context, q string, args ...any) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Receipt{}
	for rows.Next() {
		var (
			r                     Receipt
			kind                  string
			analysisID, networkID int64
		)
		if err := rows.Scan(&r.ID, &kind, &analysisID, &networkID, &r.RequestID, &r.RiskScore, &r.Vulnerability,
			&r.PayloadHash, &r.Signature, &r.IssuedAt, &r.ExpiresAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Kind = Kind(kind)
		r.AnalysisID, r.NetworkID = uint64(analysisID), uint64(networkID)
		out = append(out, &r)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
