// Package storage provides the SQLite-backed swap ledger.
//
// The ledger is the single authoritative record of swaps, their HTLCs, fills,
// relayer stakes and processed chain events. Every mutation that must be
// all-or-nothing runs inside one SQL transaction.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// DBFileName is the ledger database file inside the data directory.
const DBFileName = "swapengine.db"

// Storage provides persistent storage for the swap engine.
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

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

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

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Amounts are decimal strings in whole token units.
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		quote_id TEXT NOT NULL UNIQUE,

		from_chain TEXT NOT NULL,
		to_chain TEXT NOT NULL,
		from_token TEXT NOT NULL,
		to_token TEXT NOT NULL,
		amount TEXT NOT NULL,
		to_amount TEXT NOT NULL,

		initiator_address TEXT NOT NULL,
		resolver_address TEXT NOT NULL,
		recipient_address TEXT NOT NULL,

		status TEXT NOT NULL,
		pending TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		diverged INTEGER NOT NULL DEFAULT 0,

		initiate_tx TEXT NOT NULL DEFAULT '',
		redeem_tx TEXT NOT NULL DEFAULT '',
		refund_tx TEXT NOT NULL DEFAULT '',

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);
	CREATE INDEX IF NOT EXISTS idx_swaps_pending ON swaps(pending);
	CREATE INDEX IF NOT EXISTS idx_swaps_initiator ON swaps(initiator_address);
	CREATE INDEX IF NOT EXISTS idx_swaps_resolver ON swaps(resolver_address);

	CREATE TABLE IF NOT EXISTS htlcs (
		swap_id TEXT PRIMARY KEY,
		hash_algorithm TEXT NOT NULL DEFAULT 'sha256',
		secret_hash TEXT NOT NULL,
		secret_preimage TEXT,
		timelock INTEGER NOT NULL,

		locked_amount TEXT NOT NULL,
		total_filled TEXT NOT NULL DEFAULT '0',

		partial_fills_enabled INTEGER NOT NULL DEFAULT 0,
		max_partial_fills INTEGER NOT NULL DEFAULT 1,
		current_fill_count INTEGER NOT NULL DEFAULT 0,

		executed INTEGER NOT NULL DEFAULT 0,
		refunded INTEGER NOT NULL DEFAULT 0,

		CHECK (NOT (executed = 1 AND refunded = 1)),
		CHECK (current_fill_count <= max_partial_fills),
		FOREIGN KEY (swap_id) REFERENCES swaps(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_htlcs_timelock ON htlcs(timelock);
	CREATE INDEX IF NOT EXISTS idx_htlcs_secret_hash ON htlcs(secret_hash);

	CREATE TABLE IF NOT EXISTS fills (
		id TEXT PRIMARY KEY,
		swap_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		filled_by TEXT NOT NULL,
		tx_ref TEXT NOT NULL,
		reward TEXT NOT NULL DEFAULT '0',
		remaining TEXT NOT NULL,
		created_at INTEGER NOT NULL,

		UNIQUE (swap_id, tx_ref),
		FOREIGN KEY (swap_id) REFERENCES swaps(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_fills_swap ON fills(swap_id);

	CREATE TABLE IF NOT EXISTS relayers (
		address TEXT PRIMARY KEY,
		stake TEXT NOT NULL,
		reward_rate TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		registered_at INTEGER NOT NULL,
		deactivated_at INTEGER NOT NULL DEFAULT 0
	);

	-- Append-only audit trail of relayer registrations.
	CREATE TABLE IF NOT EXISTS relayer_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL,
		action TEXT NOT NULL,
		stake TEXT NOT NULL,
		reward_rate TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_relayer_events_address ON relayer_events(address);

	-- Processed chain events, keyed for duplicate delivery.
	CREATE TABLE IF NOT EXISTS chain_events (
		chain TEXT NOT NULL,
		tx_ref TEXT NOT NULL,
		event_type TEXT NOT NULL,
		swap_id TEXT NOT NULL,
		seen_at INTEGER NOT NULL,
		PRIMARY KEY (chain, tx_ref, event_type)
	);

	CREATE INDEX IF NOT EXISTS idx_chain_events_swap ON chain_events(swap_id);

	CREATE TABLE IF NOT EXISTS divergences (
		id TEXT PRIMARY KEY,
		swap_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		event_type TEXT NOT NULL,
		tx_ref TEXT NOT NULL,
		local_status TEXT NOT NULL,
		detail TEXT NOT NULL,
		detected_at INTEGER NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_divergences_swap ON divergences(swap_id);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetSetting returns a stored setting, or "" if unset.
func (s *Storage) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

// SetSetting stores a setting.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// withTx runs fn inside a transaction, committing on nil error.
// Callers must hold s.mu.
func (s *Storage) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt decimal %q: %w", s, err)
	}
	return d, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
