// Package storage provides persistent storage using SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFile is the database file name inside the data directory.
const DBFile = "relay.db"

// ErrSettingNotFound is returned by GetSetting for an unknown key.
var ErrSettingNotFound = errors.New("setting not found")

// Storage provides persistent storage for the relay.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	sealer *Sealer
}

// Config holds storage configuration.
type Config struct {
	DataDir string

	// Passphrase derives the key that seals order secrets. When empty a
	// random key is generated once and kept in the data directory.
	Passphrase string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
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

	sealer, err := s.openSealer(dataDir, cfg.Passphrase)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize secret sealer: %w", err)
	}
	s.sealer = sealer

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks that the database still answers.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- Swaps driven by the coordinator.
	-- Amounts are base-unit integers stored as decimal text (they exceed int64).
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		order_hash TEXT,
		from_chain TEXT NOT NULL,
		to_chain TEXT NOT NULL,
		from_token TEXT,
		to_token TEXT,
		from_amount TEXT NOT NULL,
		to_amount TEXT NOT NULL,
		sender TEXT NOT NULL,
		receiver TEXT NOT NULL,
		hashlock TEXT NOT NULL UNIQUE,
		timelock INTEGER NOT NULL, -- unix millis
		status TEXT NOT NULL,

		-- Only written once the swap is completed
		preimage TEXT,

		lock_attempts INTEGER DEFAULT 0,
		last_error TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		expires_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);
	CREATE INDEX IF NOT EXISTS idx_swaps_timelock ON swaps(timelock);

	-- One row per side of a swap
	CREATE TABLE IF NOT EXISTS chain_locks (
		swap_id TEXT NOT NULL,
		side TEXT NOT NULL,
		chain TEXT NOT NULL,
		lock_ref TEXT NOT NULL,
		amount TEXT,
		state TEXT NOT NULL,
		claim_tx TEXT,
		refund_tx TEXT,
		updated_at INTEGER,

		PRIMARY KEY (swap_id, side),
		FOREIGN KEY (swap_id) REFERENCES swaps(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chain_locks_ref ON chain_locks(chain, lock_ref);

	-- Signed maker orders
	CREATE TABLE IF NOT EXISTS orders (
		order_hash TEXT PRIMARY KEY,
		maker TEXT NOT NULL,
		receiver TEXT,
		maker_asset TEXT,
		taker_asset TEXT,
		making_amount TEXT NOT NULL,
		taking_amount TEXT NOT NULL,
		filled_amount TEXT NOT NULL,
		remaining_amount TEXT NOT NULL,
		src_chain TEXT NOT NULL,
		dst_chain TEXT NOT NULL,
		signature TEXT,
		merkle_root TEXT,
		allow_partial INTEGER NOT NULL DEFAULT 0,
		allow_multiple INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		fill_count INTEGER NOT NULL DEFAULT 0,

		-- Escrow references per fill (JSON array)
		escrows TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_maker ON orders(maker COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders(src_chain, dst_chain);
	CREATE INDEX IF NOT EXISTS idx_orders_expires ON orders(expires_at);

	-- Secrets submitted by resolvers, sealed at rest
	CREATE TABLE IF NOT EXISTS order_secrets (
		order_hash TEXT NOT NULL,
		idx INTEGER NOT NULL,
		secret_hash TEXT NOT NULL,
		sealed_secret BLOB NOT NULL,
		resolver TEXT,
		submitted_at INTEGER NOT NULL,

		PRIMARY KEY (order_hash, idx),
		FOREIGN KEY (order_hash) REFERENCES orders(order_hash) ON DELETE CASCADE
	);

	-- Fill executions of the progressive fill manager
	CREATE TABLE IF NOT EXISTS fill_executions (
		fill_id TEXT PRIMARY KEY,
		order_hash TEXT NOT NULL,
		fragment_index INTEGER NOT NULL,
		resolver TEXT NOT NULL,
		fill_amount TEXT NOT NULL,
		gas_cost TEXT,
		secret_hash TEXT,
		merkle_proof TEXT,
		status TEXT NOT NULL,
		error TEXT,
		src_tx_hash TEXT,
		dst_tx_hash TEXT,
		created_at INTEGER NOT NULL,
		executed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_fill_executions_order ON fill_executions(order_hash);

	-- A fragment can be executed at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_fill_executions_fragment
		ON fill_executions(order_hash, fragment_index) WHERE status = 'executed';
	`

	_, err := s.db.Exec(schema)
	return err
}

// SetSetting stores a key/value setting.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSettingLocked(key, value)
}

func (s *Storage) setSettingLocked(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns a setting value.
func (s *Storage) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSettingLocked(key)
}

func (s *Storage) getSettingLocked(key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value.String, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func milliToTime(ms sql.NullInt64) time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
