package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/ledger/sqlstore"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	*sqlstore.Store
}

// New opens (or creates) a SQLite store at the given path.
func New(path string, opts ledger.Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// serialize writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: sqlstore.New(db, sqlstore.Dialect{}, opts)}, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS billing_entries (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL CHECK(type IN ('infer','workflow','workflow_prepay','share','token','checkin','orphan_payment')),
	user_id TEXT NOT NULL,
	model_or_node TEXT NOT NULL DEFAULT '',
	amount TEXT NOT NULL DEFAULT '0',
	tokens_or_calls INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	nonce TEXT NOT NULL DEFAULT '',
	tx_signature TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP,
	paid_at TIMESTAMP,
	completed_at TIMESTAMP,
	expired_at TIMESTAMP,
	version INTEGER NOT NULL DEFAULT 0,
	meta TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_billing_entries_user_created ON billing_entries(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_billing_entries_session ON billing_entries(session_id) WHERE session_id != '';
CREATE INDEX IF NOT EXISTS idx_billing_entries_status_updated ON billing_entries(status, updated_at);

CREATE TABLE IF NOT EXISTS anonymous_tokens (
	token_key TEXT PRIMARY KEY,
	balance TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	deposits TEXT NOT NULL DEFAULT '[]',
	usage TEXT NOT NULL DEFAULT '[]',
	version INTEGER NOT NULL DEFAULT 1
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
