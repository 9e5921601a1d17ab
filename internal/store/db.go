// Package store persists gateway state: webhook registrations, external
// chat accounts, pairing codes, and conversation logs. Conversation text is
// additionally indexed into a bleve full-text index kept next to the
// database file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the sqlite database and the conversation search index.
// sqlite runs in WAL mode with a single connection; every method is safe
// for concurrent use.
type Store struct {
	db    *sql.DB
	index *searchIndex
	log   zerolog.Logger
}

// Open opens (or creates) the database at path and the search index at
// path + ".bleve", and applies the schema.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	// WAL allows readers alongside the single writer; immediate
	// transactions fail fast instead of deadlocking on upgrade.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	index, err := openSearchIndex(path+".bleve", s.log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open search index: %w", err)
	}
	s.index = index
	return s, nil
}

func (s *Store) Close() error {
	ierr := s.index.Close()
	derr := s.db.Close()
	if derr != nil {
		return derr
	}
	return ierr
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS webhooks (
		workflow_id           TEXT PRIMARY KEY,
		user_id               TEXT NOT NULL,
		method                TEXT NOT NULL,
		auth_type             TEXT NOT NULL,
		credentials           TEXT NOT NULL DEFAULT '',
		response_mode         TEXT NOT NULL,
		response_template     TEXT NOT NULL DEFAULT '',
		response_content_type TEXT NOT NULL DEFAULT '',
		created_at            INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS external_accounts (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id           TEXT NOT NULL,
		platform          TEXT NOT NULL,
		external_id       TEXT NOT NULL,
		external_username TEXT NOT NULL DEFAULT '',
		paired_at         INTEGER NOT NULL,
		last_message_at   INTEGER,
		UNIQUE (platform, external_id),
		UNIQUE (user_id, platform)
	);

	CREATE TABLE IF NOT EXISTS pairing_codes (
		code       TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		used       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS conversation_logs (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_key TEXT NOT NULL,
		seq              INTEGER NOT NULL,
		role             TEXT NOT NULL,
		content          TEXT NOT NULL,
		model            TEXT NOT NULL DEFAULT '',
		input_tokens     INTEGER NOT NULL DEFAULT 0,
		output_tokens    INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL,
		UNIQUE (conversation_key, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_webhooks_user ON webhooks(user_id);
	CREATE INDEX IF NOT EXISTS idx_accounts_user ON external_accounts(user_id);
	CREATE INDEX IF NOT EXISTS idx_pairing_expires ON pairing_codes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_logs_key ON conversation_logs(conversation_key);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
