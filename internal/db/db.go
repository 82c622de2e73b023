package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type Database struct {
	Conn    *sql.DB
	Dialect Dialect
}

// NewDatabase opens a pool for the given driver. Postgres goes through the
// pgx stdlib driver; sqlite is used for single-node deployments and tests.
func NewDatabase(driver, dsn string) (*Database, error) {
	switch Dialect(driver) {
	case Postgres:
		return openPostgres(dsn)
	case SQLite:
		return openSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openPostgres(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn, Dialect: Postgres}, nil
}

func openSQLite(path string) (*Database, error) {
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite has a single writer; one connection keeps transactions from
	// tripping over SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &Database{Conn: conn, Dialect: SQLite}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

func (d *Database) AutoMigrate() error {
	queries := postgresSchema
	if d.Dialect == SQLite {
		queries = sqliteSchema
	}

	for _, query := range queries {
		if _, err := d.Conn.Exec(query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            avatar_url TEXT,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            type VARCHAR(20) NOT NULL CHECK (type IN ('user_to_user', 'user_to_assistant')),
            user1_id BIGINT NOT NULL,
            user2_id BIGINT,
            pair_key VARCHAR(64) NOT NULL UNIQUE,
            last_activity_at TIMESTAMPTZ NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ NOT NULL
        )`,

	`CREATE INDEX IF NOT EXISTS idx_conversations_user1 ON conversations (user1_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_user2 ON conversations (user2_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id),
            sender_id BIGINT,
            is_from_assistant BOOLEAN NOT NULL DEFAULT FALSE,
            text_content TEXT,
            search_text TEXT,
            reply_to_message_id BIGINT REFERENCES messages(id),
            is_edited BOOLEAN NOT NULL DEFAULT FALSE,
            edited_at TIMESTAMPTZ,
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL,
            CHECK ((sender_id IS NULL) = is_from_assistant)
        )`,

	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_order ON messages (conversation_id, created_at DESC, id DESC)`,

	`CREATE TABLE IF NOT EXISTS message_contents (
            id BIGSERIAL PRIMARY KEY,
            message_id BIGINT NOT NULL REFERENCES messages(id),
            content_type VARCHAR(10) NOT NULL CHECK (content_type IN ('text', 'image', 'file')),
            text_content TEXT,
            file_url TEXT,
            file_name TEXT,
            mime_type VARCHAR(255),
            file_size BIGINT,
            width INT,
            height INT,
            thumbnail_url TEXT,
            sort_order INT NOT NULL
        )`,

	`CREATE INDEX IF NOT EXISTS idx_message_contents_message ON message_contents (message_id, sort_order)`,

	`CREATE TABLE IF NOT EXISTS message_read_status (
            id BIGSERIAL PRIMARY KEY,
            message_id BIGINT NOT NULL REFERENCES messages(id),
            user_id BIGINT NOT NULL,
            status VARCHAR(10) NOT NULL CHECK (status IN ('delivered', 'read')),
            status_changed_at TIMESTAMPTZ NOT NULL,
            UNIQUE (message_id, user_id)
        )`,

	`CREATE TABLE IF NOT EXISTS assistant_conversation_contexts (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL UNIQUE REFERENCES conversations(id),
            system_prompt TEXT NOT NULL,
            max_context_messages INT NOT NULL,
            last_interaction_at TIMESTAMPTZ NOT NULL
        )`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            username TEXT UNIQUE NOT NULL,
            password TEXT NOT NULL,
            avatar_url TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS conversations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL CHECK (type IN ('user_to_user', 'user_to_assistant')),
            user1_id INTEGER NOT NULL,
            user2_id INTEGER,
            pair_key TEXT NOT NULL UNIQUE,
            last_activity_at TIMESTAMP NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        )`,

	`CREATE INDEX IF NOT EXISTS idx_conversations_user1 ON conversations (user1_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_user2 ON conversations (user2_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            conversation_id INTEGER NOT NULL REFERENCES conversations(id),
            sender_id INTEGER,
            is_from_assistant BOOLEAN NOT NULL DEFAULT 0,
            text_content TEXT,
            search_text TEXT,
            reply_to_message_id INTEGER REFERENCES messages(id),
            is_edited BOOLEAN NOT NULL DEFAULT 0,
            edited_at TIMESTAMP,
            is_deleted BOOLEAN NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL,
            CHECK ((sender_id IS NULL) = is_from_assistant)
        )`,

	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_order ON messages (conversation_id, created_at DESC, id DESC)`,

	`CREATE TABLE IF NOT EXISTS message_contents (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            message_id INTEGER NOT NULL REFERENCES messages(id),
            content_type TEXT NOT NULL CHECK (content_type IN ('text', 'image', 'file')),
            text_content TEXT,
            file_url TEXT,
            file_name TEXT,
            mime_type TEXT,
            file_size INTEGER,
            width INTEGER,
            height INTEGER,
            thumbnail_url TEXT,
            sort_order INTEGER NOT NULL
        )`,

	`CREATE INDEX IF NOT EXISTS idx_message_contents_message ON message_contents (message_id, sort_order)`,

	`CREATE TABLE IF NOT EXISTS message_read_status (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            message_id INTEGER NOT NULL REFERENCES messages(id),
            user_id INTEGER NOT NULL,
            status TEXT NOT NULL CHECK (status IN ('delivered', 'read')),
            status_changed_at TIMESTAMP NOT NULL,
            UNIQUE (message_id, user_id)
        )`,

	`CREATE TABLE IF NOT EXISTS assistant_conversation_contexts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            conversation_id INTEGER NOT NULL UNIQUE REFERENCES conversations(id),
            system_prompt TEXT NOT NULL,
            max_context_messages INTEGER NOT NULL,
            last_interaction_at TIMESTAMP NOT NULL
        )`,
}
