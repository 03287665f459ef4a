// Package store provides SQLite persistence for orders and matches. It is
// the only shared mutable state in the engine; matching and settlement
// logic never touch SQL directly.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic version check loses, or a
	// state transition is attempted from a terminal state.
	ErrConflict = errors.New("conflict")
	// ErrDuplicateNonce is returned when a maker reuses a nonce.
	ErrDuplicateNonce = errors.New("nonce already used")
	// ErrAlreadyApplied is returned when a match's fill was applied by an
	// earlier attempt; callers treat it as idempotent success.
	ErrAlreadyApplied = errors.New("fill already applied")
)

// Store wraps the SQLite database holding the order and match books.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection serializes access and
	// avoids SQLITE_BUSY under concurrent pair pipelines.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		maker TEXT NOT NULL,
		nonce INTEGER NOT NULL,
		sell_token TEXT NOT NULL,
		buy_token TEXT NOT NULL,
		sell_amount TEXT NOT NULL,    -- base units, decimal string
		buy_amount TEXT NOT NULL,
		filled_amount TEXT NOT NULL DEFAULT '0',
		source_chain INTEGER NOT NULL,
		target_chain INTEGER NOT NULL,
		pair_key TEXT NOT NULL,
		status TEXT NOT NULL,
		expiry DATETIME NOT NULL,
		signature BLOB NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(maker, nonce)
	);

	CREATE TABLE IF NOT EXISTS matches (
		id TEXT PRIMARY KEY,
		buy_order_id TEXT NOT NULL REFERENCES orders(id),
		sell_order_id TEXT NOT NULL REFERENCES orders(id),
		matched_amount TEXT NOT NULL,
		quote_amount TEXT NOT NULL,
		matched_price TEXT NOT NULL,
		execution_chain INTEGER NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		bridge_protocol TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		message_status TEXT NOT NULL DEFAULT '',
		tx_hash TEXT NOT NULL DEFAULT '',
		gas_used INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		aborted INTEGER NOT NULL DEFAULT 0,
		fill_applied INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_pair_status ON orders(pair_key, status);
	CREATE INDEX IF NOT EXISTS idx_orders_maker ON orders(maker);
	CREATE INDEX IF NOT EXISTS idx_orders_expiry ON orders(expiry);
	CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// parseBig reads a decimal string column back into a big.Int.
func parseBig(s, column string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt %s value %q", column, s)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
