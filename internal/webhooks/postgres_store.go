package webhooks

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/mbd888/infravault/internal/audit"
)

// PostgresStore keeps subscriptions in the webhooks table
// (migrations/00005_webhooks.sql).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// eventList stores subscribed event types as a JSONB array.
type eventList []audit.EventType

func (l eventList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]audit.EventType(l))
	return string(b), err
}

func (l *eventList) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, (*[]audit.EventType)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]audit.EventType)(l))
	case nil:
		*l = nil
		return nil
	}
	return fmt.Errorf("webhooks: scan events from %T", src)
}

const selectSubscription = `
	SELECT id, owner, url, secret, events, active, created_at,
	       last_success, COALESCE(last_error, ''), consecutive_failures
	FROM webhooks`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, owner, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.Owner, sub.URL, sub.Secret, eventList(sub.Events), sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	subs, err := p.query(ctx, selectSubscription+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]*Subscription, error) {
	return p.query(ctx, selectSubscription+` WHERE owner = $1 ORDER BY created_at, id`, owner)
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	return p.query(ctx, selectSubscription+` WHERE active ORDER BY created_at, id`)
}

// Update writes delivery state. URL, secret and event types are fixed at
// creation.
func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	return p.exec(ctx, `
		UPDATE webhooks
		SET active = $2, last_success = $3, last_error = NULLIF($4, ''), consecutive_failures = $5
		WHERE id = $1`,
		sub.ID, sub.Active, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	return p.exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Subscription{}
	for rows.Next() {
		var (
			sub         Subscription
			events      eventList
			lastSuccess sql.NullTime
		)
		if err := rows.Scan(&sub.ID, &sub.Owner, &sub.URL, &sub.Secret, &events, &sub.Active,
			&sub.CreatedAt, &lastSuccess, &sub.LastError, &sub.ConsecutiveFailures); err != nil {
			return nil, err
		}
		sub.Events = events
		if lastSuccess.Valid {
			t := lastSuccess.Time
			sub.LastSuccess = &t
		}
		out = append(out, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Store = (*PostgresStore)(nil)
