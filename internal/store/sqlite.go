package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested item is not found.
var ErrNotFound = errors.New("not found")

// SQLiteStore is the bot's owned database.
type SQLiteStore struct {
	db           *sql.DB
	Users        *SQLiteUserRepo
	Conversation *SQLiteConversationRepo
	Integrations *SQLiteIntegrationRepo
}

// NewSQLiteStore opens (creating if needed) the owned database. The
// schema is created idempotently.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database exists per connection; the pool must not
	// open a second one.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{
		db:           db,
		Users:        &SQLiteUserRepo{db: db},
		Conversation: &SQLiteConversationRepo{db: db},
		Integrations: &SQLiteIntegrationRepo{db: db},
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	migration := `
	-- Users table
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL UNIQUE,
		phone TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'customer',
		language TEXT NOT NULL DEFAULT 'es',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_activity TIMESTAMP,
		message_count INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_address ON users(address);
	CREATE INDEX IF NOT EXISTS idx_users_phone ON users(phone);
	CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);

	-- Per-address conversation state (registration survives restarts)
	CREATE TABLE IF NOT EXISTS conversation_states (
		address TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- One row per processed inbound; drives activity stats
	CREATE TABLE IF NOT EXISTS user_interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_interactions_user_time ON user_interactions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_interactions_time ON user_interactions(created_at DESC);

	-- External integrations
	CREATE TABLE IF NOT EXISTS external_integrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL DEFAULT '',
		config TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(migration)
	return err
}
