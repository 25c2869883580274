package storage

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/wiguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, dialect: postgresDialect}}, nil
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	tsValue:     func(t time.Time) any { return t.UTC() },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS records (
			domain TEXT NOT NULL,
			id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			severity TEXT NOT NULL,
			category TEXT NOT NULL,
			flagged BOOLEAN NOT NULL,
			blocked BOOLEAN NOT NULL,
			record_json JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (domain, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_domain_ts ON records(domain, ts)`,
	},
}
