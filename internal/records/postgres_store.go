package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists ledger records in PostgreSQL. Tables are created
// by the goose migrations in /migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateNetwork(ctx context.Context, rec *NetworkRecord) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO networks (dependency_matrix, capacity, criticality, sector, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		rec.DependencyMatrix.String(), rec.Capacity.String(), rec.Criticality.String(),
		int(rec.Sector), rec.CreatedAt,
	).Scan(&rec.ID)
}

func (p *PostgresStore) GetNetwork(ctx context.Context, id uint64) (*NetworkRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, dependency_matrix, capacity, criticality, sector, created_at
		FROM networks WHERE id = $1`, int64(id))

	n, err := scanNetwork(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (p *PostgresStore) ListNetworks(ctx context.Context, afterID uint64, limit int) ([]*NetworkRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dependency_matrix, capacity, criticality, sector, created_at
		FROM networks
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`, int64(afterID), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*NetworkRecord
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin analysis tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO analyses (network_id, risk_score, vulnerability, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		int64(rec.NetworkID), rec.RiskScore.String(), rec.Vulnerability.String(), rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case "23505": // unique_violation on network_id
				return ErrAlreadyAnalyzed
			case "23503": // foreign_key_violation
				return ErrNotFound
			}
		}
		return fmt.Errorf("insert analysis: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO decrypted_results (analysis_id, risk_score, vulnerability, revealed)
		VALUES ($1, 0, 0, FALSE)`, int64(rec.ID)); err != nil {
		return fmt.Errorf("seed result: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetAnalysis(ctx context.Context, id uint64) (*AnalysisRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, network_id, risk_score, vulnerability, created_at
		FROM analyses WHERE id = $1`, int64(id))
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) GetAnalysisByNetwork(ctx context.Context, networkID uint64) (*AnalysisRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, network_id, risk_score, vulnerability, created_at
		FROM analyses WHERE network_id = $1`, int64(networkID))
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) GetResult(ctx context.Context, analysisID uint64) (*DecryptedResult, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT analysis_id, risk_score::TEXT, vulnerability::TEXT, revealed, revealed_at
		FROM decrypted_results WHERE analysis_id = $1`, int64(analysisID))
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// MarkRevealed flips the revealed flag with a conditional update so that
// concurrent writers sharing the database cannot reveal twice.
func (p *PostgresStore) MarkRevealed(ctx context.Context, analysisID, riskScore, vulnerability uint64, at time.Time) (*DecryptedResult, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE decrypted_results
		SET risk_score = $2::NUMERIC, vulnerability = $3::NUMERIC, revealed = TRUE, revealed_at = $4
		WHERE analysis_id = $1 AND revealed = FALSE
		RETURNING analysis_id, risk_score::TEXT, vulnerability::TEXT, revealed, revealed_at`,
		int64(analysisID), strconv.FormatUint(riskScore, 10), strconv.FormatUint(vulnerability, 10), at)

	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Either missing or already revealed; tell them apart.
		if _, getErr := p.GetResult(ctx, analysisID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyRevealed
	}
	return r, err
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNetwork(sc scanner) (*NetworkRecord, error) {
	n := &NetworkRecord{}
	var deps, capacity, crit string
	var sector int
	if err := sc.Scan(&n.ID, &deps, &capacity, &crit, &sector, &n.CreatedAt); err != nil {
		return nil, err
	}
	if err := n.DependencyMatrix.UnmarshalText([]byte(deps)); err != nil {
		return nil, err
	}
	if err := n.Capacity.UnmarshalText([]byte(capacity)); err != nil {
		return nil, err
	}
	if err := n.Criticality.UnmarshalText([]byte(crit)); err != nil {
		return nil, err
	}
	n.Sector = Sector(sector)
	return n, nil
}

func scanAnalysis(sc scanner) (*AnalysisRecord, error) {
	a := &AnalysisRecord{}
	var risk, vuln string
	if err := sc.Scan(&a.ID, &a.NetworkID, &risk, &vuln, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := a.RiskScore.UnmarshalText([]byte(risk)); err != nil {
		return nil, err
	}
	if err := a.Vulnerability.UnmarshalText([]byte(vuln)); err != nil {
		return nil, err
	}
	return a, nil
}

func scanResult(sc scanner) (*DecryptedResult, error) {
	r := &DecryptedResult{}
	var risk, vuln string
	var revealedAt sql.NullTime
	if err := sc.Scan(&r.AnalysisID, &risk, &vuln, &r.Revealed, &revealedAt); err != nil {
		return nil, err
	}
	var err error
	if r.RiskScore, err = strconv.ParseUint(risk, 10, 64); err != nil {
		return nil, fmt.Errorf("parse risk score: %w", err)
	}
	if r.Vulnerability, err = strconv.ParseUint(vuln, 10, 64); err != nil {
		return nil, fmt.Errorf("parse vulnerability: %w", err)
	}
	if revealedAt.Valid {
		t := revealedAt.Time
		r.RevealedAt = &t
	}
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
