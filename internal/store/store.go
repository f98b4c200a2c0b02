// Package store implements rrelayer's durable persistence layer over
// SQLite, grounded in the teacher's geth-17-indexer module: a plain
// database/sql handle opened against modernc.org/sqlite, schema created
// with CREATE TABLE IF NOT EXISTS, and positional-parameter db.Exec/
// QueryRow calls rather than an ORM.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the database handle shared by every table-specific file in
// this package (relayer.go, which also holds the allowlist operations,
// transaction.go, signing_history.go, webhook.go).
type Store struct {
	db *sql.DB
}

// Open connects to dsn (a sqlite file path, or ":memory:" for tests) and
// creates the schema if it doesn't already exist.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	// SQLite serializes writers regardless; capping at one open connection
	// avoids SQLITE_BUSY from concurrent writers racing the driver's own
	// locking, which otherwise shows up under the queue's worker pool.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS relayers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		wallet_index INTEGER NOT NULL,
		address TEXT NOT NULL,
		paused INTEGER NOT NULL,
		allowlisted_only INTEGER NOT NULL,
		max_gas_price_cap TEXT,
		eip1559_enabled INTEGER NOT NULL,
		deleted INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(chain_id, wallet_index)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		relayer_id TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		sender TEXT NOT NULL,
		to_address TEXT NOT NULL,
		value TEXT NOT NULL,
		data BLOB,
		nonce INTEGER NOT NULL,
		nonce_set INTEGER NOT NULL,
		status TEXT NOT NULL,
		speed TEXT NOT NULL,
		gas_is_legacy INTEGER NOT NULL,
		gas_price TEXT,
		max_priority TEXT,
		max_fee TEXT,
		blob_gas_price TEXT,
		gas_limit INTEGER NOT NULL,
		known_tx_hash TEXT,
		block_hash TEXT,
		block_number INTEGER,
		queued_at TEXT,
		sent_at TEXT,
		mined_at TEXT,
		confirmed_at TEXT,
		expires_at TEXT,
		expired_at TEXT,
		failed_at TEXT,
		failed_reason TEXT,
		is_noop INTEGER NOT NULL,
		external_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_relayer_status ON transactions(relayer_id, status)`,
	`CREATE TABLE IF NOT EXISTS transaction_audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT NOT NULL,
		status TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		detail TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_transaction ON transaction_audit_log(transaction_id)`,
	`CREATE TABLE IF NOT EXISTS allowlist (
		relayer_id TEXT NOT NULL,
		address TEXT NOT NULL,
		PRIMARY KEY(relayer_id, address)
	)`,
	`CREATE TABLE IF NOT EXISTS signed_message_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		relayer_id TEXT NOT NULL,
		message BLOB NOT NULL,
		signature BLOB NOT NULL,
		signed_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signed_typed_data_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		relayer_id TEXT NOT NULL,
		digest TEXT NOT NULL,
		signature BLOB NOT NULL,
		signed_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		relayer_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		next_retry_at TEXT,
		completed INTEGER NOT NULL,
		abandoned INTEGER NOT NULL,
		last_error TEXT,
		created_at TEXT NOT NULL,
		last_attempt_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_pending ON webhook_deliveries(completed, abandoned, next_retry_at)`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
