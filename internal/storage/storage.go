// Package storage provides persistent storage for the UpDown settlement
// engine using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStatusGuardFailed is returned by a guarded status-transition
// update (WHERE id = ? AND status = ?) when it affects zero rows —
// the row was missing or already in a different status. Callers that
// need to distinguish "nothing to do, already transitioned" from a
// genuine SQL failure should check errors.Is(err, ErrStatusGuardFailed).
var ErrStatusGuardFailed = errors.New("status guard: no matching row in expected status")

// Storage provides persistent storage for the settlement engine.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "updown.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error or panic. Every multi-step posting (round
// settlement, withdrawal unwind, deposit crediting) goes through this.
func (s *Storage) WithTx(fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Users table
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	-- =========================================================================
	-- Ledger (append-only double-entry bookkeeping)
	-- =========================================================================

	-- Every posting produces a set of entries whose amount_u sums to zero
	-- for a given (ref_type, ref_id) group. Entries are never updated or
	-- deleted once written.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		account TEXT NOT NULL,
		user_id TEXT,
		amount_u INTEGER NOT NULL,
		ref_type TEXT NOT NULL,
		ref_id TEXT NOT NULL,

		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_account_user ON ledger_entries(account, user_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_ref ON ledger_entries(ref_type, ref_id);

	-- =========================================================================
	-- Rounds (24-hour Up/Down prediction markets)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,

		start_ts INTEGER NOT NULL,
		lock_ts INTEGER NOT NULL,
		settle_ts INTEGER NOT NULL,

		-- OPEN, LOCKED, SETTLED, CANCELLED
		status TEXT NOT NULL DEFAULT 'OPEN',

		-- UP, DOWN, VOID once settled
		result TEXT,

		-- sha256 over the canonical JSON of the commit payload, published
		-- at round open
		commit_hash TEXT NOT NULL,

		-- JSON of the settlement inputs and result (or the VOID reason),
		-- written when the round settles or is voided
		reveal TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_rounds_status ON rounds(status);

	-- =========================================================================
	-- Bets (one user's stake on one side of one round)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS bets (
		id TEXT PRIMARY KEY,
		round_id TEXT NOT NULL,
		user_id TEXT NOT NULL,

		-- UP, DOWN
		side TEXT NOT NULL,
		stake_u INTEGER NOT NULL,

		-- PLACED, WON, LOST, REFUNDED
		status TEXT NOT NULL DEFAULT 'PLACED',

		created_at INTEGER NOT NULL,

		FOREIGN KEY (round_id) REFERENCES rounds(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_bets_round_user ON bets(round_id, user_id);
	CREATE INDEX IF NOT EXISTS idx_bets_status ON bets(status);
	CREATE INDEX IF NOT EXISTS idx_bets_round ON bets(round_id);

	-- =========================================================================
	-- Transfers (custodial deposit/withdrawal ledger-facing view)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,

		-- DEPOSIT, WITHDRAWAL
		type TEXT NOT NULL,
		amount_u INTEGER NOT NULL,

		status TEXT NOT NULL DEFAULT 'PENDING',
		tx_hash TEXT,
		risk_score INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_user ON transfers(user_id);
	CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_tx_hash ON transfers(tx_hash) WHERE tx_hash IS NOT NULL;

	-- =========================================================================
	-- Deposit intents (address issued to a user, watched for inbound funds)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS deposit_intents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		token_mint TEXT,

		-- ISSUED, SEEN, CONFIRMED, CREDITED, EXPIRED
		status TEXT NOT NULL DEFAULT 'ISSUED',

		expected_min_u INTEGER NOT NULL,
		address TEXT NOT NULL,
		memo_tag TEXT,

		tx_sig TEXT,
		seen_at INTEGER,
		confirmed_at INTEGER,
		credited_at INTEGER,

		created_at INTEGER NOT NULL,

		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	-- an address is only ever issued to one open intent per chain
	CREATE UNIQUE INDEX IF NOT EXISTS idx_deposit_intents_address_chain ON deposit_intents(address, chain);
	CREATE INDEX IF NOT EXISTS idx_deposit_intents_status ON deposit_intents(status);
	CREATE INDEX IF NOT EXISTS idx_deposit_intents_user ON deposit_intents(user_id);

	-- =========================================================================
	-- Withdrawal requests
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		destination TEXT NOT NULL,

		requested_u INTEGER NOT NULL,

		-- PENDING, BROADCAST, CONFIRMED, FAILED
		status TEXT NOT NULL DEFAULT 'PENDING',

		broadcast_tx TEXT,
		confirmations INTEGER NOT NULL DEFAULT 0,
		min_confirmations INTEGER NOT NULL,

		risk_score INTEGER NOT NULL DEFAULT 0,
		admin_approved INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawal_requests(status);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawal_requests(user_id);

	-- =========================================================================
	-- Chain events (raw confirmations observed by the gateway, deduplicated)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS chain_events (
		id TEXT PRIMARY KEY,
		chain TEXT NOT NULL,
		tx_sig TEXT NOT NULL,
		log_idx INTEGER NOT NULL,
		raw TEXT,
		processed_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_chain_events_dedup ON chain_events(tx_sig, log_idx);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Run migrations for existing databases
	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// These are ALTER TABLE statements that add columns to existing tables.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE withdrawal_requests ADD COLUMN admin_approved INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE deposit_intents ADD COLUMN memo_tag TEXT",
	}

	for _, migration := range migrations {
		// Ignore errors - column may already exist
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
