package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/seta-lab/seta/internal/biz/repo"

	_ "modernc.org/sqlite"
)

// maxCASAttempts bounds compare-and-set retries on conversation state.
const maxCASAttempts = 8

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS filter_results (
		trace_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		room_id TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		rule_name TEXT NOT NULL DEFAULT '',
		score REAL NOT NULL DEFAULT 0,
		cleaned_text TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (trace_id, stage)
	)`,
	`CREATE TABLE IF NOT EXISTS prompts (
		trace_id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		user_text TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		messages TEXT NOT NULL DEFAULT '[]',
		full_prompt TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		trace_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		room_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		energy_wh REAL NOT NULL DEFAULT 0,
		co2_g REAL NOT NULL DEFAULT 0,
		water_ml REAL NOT NULL DEFAULT 0,
		saved_tokens INTEGER NOT NULL DEFAULT 0,
		saved_cost_usd REAL NOT NULL DEFAULT 0,
		saved_energy_wh REAL NOT NULL DEFAULT 0,
		saved_co2_g REAL NOT NULL DEFAULT 0,
		saved_water_ml REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (trace_id, stage)
	)`,
	`CREATE TABLE IF NOT EXISTS error_log (
		id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		error_type TEXT NOT NULL,
		message TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_error_log_trace ON error_log(trace_id)`,
	`CREATE TABLE IF NOT EXISTS turns (
		room_id TEXT NOT NULL,
		turn_index INTEGER NOT NULL,
		trace_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL DEFAULT '',
		user_text TEXT NOT NULL,
		assistant_text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (room_id, turn_index)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_state (
		room_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		last_turn INTEGER NOT NULL DEFAULT 0,
		watermark INTEGER NOT NULL DEFAULT 0,
		unsummarized_count INTEGER NOT NULL DEFAULT 0,
		last_summary_at INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_state_pending ON conversation_state(unsummarized_count)`,
	`CREATE TABLE IF NOT EXISTS user_settings (
		user_id TEXT PRIMARY KEY,
		call_me TEXT NOT NULL DEFAULT '',
		role_description TEXT NOT NULL DEFAULT '',
		preferred_tone TEXT NOT NULL DEFAULT '',
		traits TEXT NOT NULL DEFAULT '[]',
		additional_context TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		from_turn INTEGER NOT NULL,
		to_turn INTEGER NOT NULL,
		summary TEXT NOT NULL,
		embedding BLOB,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_user ON summaries(user_id)`,
}

// SQLiteStore is the default relational store. It also serves summary
// search by ranking stored embeddings in process.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ repo.ResultRepo       = (*SQLiteStore)(nil)
	_ repo.ConversationRepo = (*SQLiteStore)(nil)
	_ repo.SettingRepo      = (*SQLiteStore)(nil)
	_ repo.MemoryRepo       = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) the database at dbPath. ":memory:" is
// accepted for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
