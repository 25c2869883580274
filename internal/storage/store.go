package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wiguard/internal/config"
	"wiguard/internal/model"
)

// Store archives records per domain. Rows are keyed by (domain, id) so a
// re-observed record overwrites its earlier row.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveRecords(ctx context.Context, domain model.Domain, recs []model.Record) error
	ClearDomain(ctx context.Context, domain model.Domain) (int64, error)
	LoadRecords(ctx context.Context, domain model.Domain, since time.Time, limit int) ([]model.Record, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// dialect covers what differs between the drivers: placeholders, the
// timestamp column type and the schema.
type dialect struct {
	placeholder func(n int) string
	tsValue     func(t time.Time) any
	schema      []string
}

type baseStore struct {
	db *sql.DB
	dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) args(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = b.placeholder(i + 1)
	}
	return out
}

func (b *baseStore) SaveRecords(ctx context.Context, domain model.Domain, recs []model.Record) error {
	if b.db == nil || len(recs) == 0 {
		return nil
	}
	p := b.args(9)
	query := fmt.Sprintf(`INSERT INTO records (domain, id, ts, severity, category, flagged, blocked, record_json, updated_at)
		VALUES (%s)
		ON CONFLICT (domain, id) DO UPDATE SET
			ts = excluded.ts,
			severity = excluded.severity,
			category = excluded.category,
			flagged = excluded.flagged,
			blocked = excluded.blocked,
			record_json = excluded.record_json,
			updated_at = excluded.updated_at`, strings.Join(p, ", "))
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	now := nowUTC()
	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
			string(domain),
			rec.ID,
			b.tsValue(rec.Timestamp),
			string(rec.Severity),
			rec.Category,
			rec.Flagged,
			rec.Blocked,
			encodeJSON(rec),
			b.tsValue(now),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) ClearDomain(ctx context.Context, domain model.Domain) (int64, error) {
	if b.db == nil {
		return 0, nil
	}
	res, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM records WHERE domain = %s`, b.placeholder(1)), string(domain))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadRecords returns the newest archived records at or after since.
func (b *baseStore) LoadRecords(ctx context.Context, domain model.Domain, since time.Time, limit int) ([]model.Record, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	p := b.args(3)
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT record_json FROM records WHERE domain = %s AND ts >= %s ORDER BY ts DESC, id ASC LIMIT %s`, p[0], p[1], p[2]),
		string(domain), b.tsValue(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec model.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode archived record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
