package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so text comparison orders correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:wiguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases shared and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, dialect: sqliteDialect}}, nil
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	tsValue:     func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS records (
			domain TEXT NOT NULL,
			id TEXT NOT NULL,
			ts TEXT NOT NULL,
			severity TEXT NOT NULL,
			category TEXT NOT NULL,
			flagged INTEGER NOT NULL,
			blocked INTEGER NOT NULL,
			record_json TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (domain, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_domain_ts ON records(domain, ts)`,
	},
}
