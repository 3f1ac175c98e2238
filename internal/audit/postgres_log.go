package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresLog stores audit events in the audit_events table.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates a PostgreSQL-backed audit log.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (p *PostgresLog) Append(ctx context.Context, e *Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO audit_events (id, type, network_id, analysis_id, request_id, sector, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`,
		e.ID, string(e.Type), int64(e.NetworkID), int64(e.AnalysisID),
		e.RequestID, int(e.Sector), e.Detail, e.CreatedAt,
	).Scan(&e.Seq)
}

func (p *PostgresLog) List(ctx context.Context, f Filter) ([]*Event, error) {
	where := []string{"seq > $1"}
	args := []interface{}{f.AfterSeq}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.NetworkID != 0 {
		args = append(args, int64(f.NetworkID))
		where = append(where, fmt.Sprintf("network_id = $%d", len(args)))
	}
	if f.AnalysisID != 0 {
		args = append(args, int64(f.AnalysisID))
		where = append(where, fmt.Sprintf("analysis_id = $%d", len(args)))
	}
	args = append(args, f.limit())

	query := `
		SELECT seq, id, type, network_id, analysis_id, request_id, sector, detail, created_at
		FROM audit_events
		WHERE ` + strings.Join(where, " AND ") + fmt.Sprintf(`
		ORDER BY seq ASC
		LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var typ string
		var networkID, analysisID int64
		var sector int
		if err := rows.Scan(&e.Seq, &e.ID, &typ, &networkID, &analysisID,
			&e.RequestID, &sector, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.NetworkID = uint64(networkID)
		e.AnalysisID = uint64(analysisID)
		e.Sector = uint8(sector)
		out = append(out, e)
	}
	return out, rows.Err()
}
