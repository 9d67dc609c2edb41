package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

type Store struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
}

func Open(ctx context.Context, driver, dsn string, autoMigrate bool, migrationsDir string) (*Store, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	driverName := driver
	if driver == "postgres" {
		driverName = "pgx"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if autoMigrate {
		switch driver {
		case "postgres":
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if err := goose.SetDialect("postgres"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set goose dialect: %w", err)
			}
			if err := goose.Up(db, migrationsDir); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		case "sqlite":
			if err := initSQLiteSchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init sqlite schema: %w", err)
			}
		default:
			_ = db.Close()
			return nil, fmt.Errorf("unsupported driver %q", driver)
		}
		if err := seedOperations(ctx, db, driver); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("seed operations: %w", err)
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &Store{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
	}, nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS ai_operations (
    key TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    help TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS ai_models (
    key TEXT NOT NULL,
    operation_key TEXT NOT NULL REFERENCES ai_operations(key) ON DELETE CASCADE,
    PRIMARY KEY (key, operation_key)
);
CREATE TABLE IF NOT EXISTS ai_configs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    endpoint TEXT NOT NULL DEFAULT 'https://api.openai.com/v1',
    provider TEXT NOT NULL DEFAULT 'openai',
    operation_key TEXT NOT NULL REFERENCES ai_operations(key),
    model_key TEXT NOT NULL,
    enc_auth_token TEXT NOT NULL,
    temperature REAL NOT NULL DEFAULT 1.0,
    top_p REAL NOT NULL DEFAULT 1.0,
    max_tokens INTEGER NOT NULL DEFAULT 0,
    presence_penalty REAL NOT NULL DEFAULT 0.0,
    frequency_penalty REAL NOT NULL DEFAULT 0.0,
    message_number INTEGER NOT NULL DEFAULT 1,
    only_incoming INTEGER NOT NULL DEFAULT 0,
    add_roles INTEGER NOT NULL DEFAULT 0,
    command TEXT NOT NULL DEFAULT '',
    advance_command TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS ai_usage_logs (
    id TEXT PRIMARY KEY,
    user_ref TEXT NOT NULL DEFAULT '',
    conversation_id INTEGER,
    config_id INTEGER REFERENCES ai_configs(id) ON DELETE SET NULL,
    provider TEXT NOT NULL DEFAULT '',
    operation_key TEXT NOT NULL DEFAULT '',
    model_key TEXT NOT NULL DEFAULT '',
    sent_tokens INTEGER NOT NULL DEFAULT 0,
    response_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    number TEXT NOT NULL DEFAULT '',
    connector_type TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    from_me INTEGER NOT NULL DEFAULT 0,
    ttype TEXT NOT NULL DEFAULT 'text',
    text TEXT NOT NULL DEFAULT '',
    filename TEXT NOT NULL DEFAULT '',
    mimetype TEXT NOT NULL DEFAULT '',
    media BLOB,
    transcription TEXT NOT NULL DEFAULT '',
    translation TEXT NOT NULL DEFAULT '',
    error_msg TEXT NOT NULL DEFAULT '',
    sent_msgid TEXT NOT NULL DEFAULT '',
    date_message DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, date_message DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_usage_logs_conversation ON ai_usage_logs(conversation_id, created_at DESC);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// seedOperations keeps the catalog reference rows present on both drivers.
func seedOperations(ctx context.Context, db *sql.DB, driver string) error {
	seed := []Operation{
		{Key: "completions", Name: "Completions", Help: "Completes the given text."},
		{Key: "chat_completions", Name: "Chat Completions", Help: "Sends recent conversation messages and returns the next reply."},
		{Key: "edits", Name: "Edits", Help: "Applies an instruction to the given text."},
		{Key: "audio_transcriptions", Name: "Audio Transcriptions", Help: "Transcribes an audio or video attachment."},
	}
	builder := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if driver == "postgres" {
		builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	for _, op := range seed {
		q := builder.Insert("ai_operations").
			Columns("key", "name", "help").
			Values(op.Key, op.Name, op.Help).
			Suffix("ON CONFLICT(key) DO NOTHING")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build seed query: %w", err)
		}
		if _, err := db.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert operation %q: %w", op.Key, err)
		}
	}
	return nil
}
