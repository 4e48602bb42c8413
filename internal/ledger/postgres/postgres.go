package postgres

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/ledger/sqlstore"
)

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxOpen         int
	MaxIdle         int
	LifetimeMinutes int
	IdleTimeMinutes int
}

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	*sqlstore.Store
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and connection pool settings.
func New(dsn string, pool PoolConfig, opts ledger.Options) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.LifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(pool.LifetimeMinutes) * time.Minute)
	}
	if pool.IdleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(pool.IdleTimeMinutes) * time.Minute)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewWithDB(db, opts), nil
}

// NewWithDB wraps an existing handle whose schema is already in place.
func NewWithDB(db *sql.DB, opts ledger.Options) *Store {
	return &Store{Store: sqlstore.New(db, Dialect(), opts)}
}

// Dialect returns the PostgreSQL flavour of the shared queries.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Numbered: true,
		PruneQuery: func(cutoff time.Time) (string, []any) {
			return `DELETE FROM billing_entries WHERE status = ANY($1) AND updated_at < $2`,
				[]any{pq.Array(sqlstore.TerminalStatuses), cutoff}
		},
	}
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS billing_entries (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL CHECK(type IN ('infer','workflow','workflow_prepay','share','token','checkin','orphan_payment')),
	user_id TEXT NOT NULL,
	model_or_node TEXT NOT NULL DEFAULT '',
	amount NUMERIC(30, 12) NOT NULL DEFAULT 0,
	tokens_or_calls BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	nonce TEXT NOT NULL DEFAULT '',
	tx_signature TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	paid_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	expired_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 0,
	meta JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_billing_entries_user_created ON billing_entries(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_billing_entries_session ON billing_entries(session_id) WHERE session_id <> '';
CREATE INDEX IF NOT EXISTS idx_billing_entries_status_updated ON billing_entries(status, updated_at);

CREATE TABLE IF NOT EXISTS anonymous_tokens (
	token_key TEXT PRIMARY KEY,
	balance NUMERIC(30, 12) NOT NULL CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deposits JSONB NOT NULL DEFAULT '[]'::jsonb,
	usage JSONB NOT NULL DEFAULT '[]'::jsonb,
	version BIGINT NOT NULL DEFAULT 1
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
