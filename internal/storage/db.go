package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/exhazordinary/pr-comprehension-gate/internal/config"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS review_records (
  id INTEGER PRIMARY KEY,
  repo TEXT NOT NULL,
  pr_number INTEGER NOT NULL,
  diff_hash TEXT NOT NULL,
  head_sha TEXT NOT NULL,
  installation_id INTEGER NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('no_questions','questions_posted','answers_submitted','passed','failed','stale','errored')) DEFAULT 'no_questions',
  questions TEXT,
  answers TEXT,
  grade TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  pass_threshold_bps INTEGER NOT NULL,
  reviewer TEXT,
  bot_comment_id INTEGER,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_active
  ON review_records(repo, pr_number) WHERE state != 'stale';
CREATE INDEX IF NOT EXISTS idx_records_pr ON review_records(repo, pr_number);
CREATE INDEX IF NOT EXISTS idx_records_state ON review_records(state);

CREATE TABLE IF NOT EXISTS deliveries (
  delivery_id TEXT PRIMARY KEY,
  processed_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_deliveries_processed ON deliveries(processed_at);
`

type DB struct {
	*sql.DB
}

// DefaultDBPath returns the default database path
func DefaultDBPath() string {
	return filepath.Join(config.DataDir(), "gate.db")
}

// Open opens or creates the database at the given path
func Open(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode and busy timeout
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	wrapped := &DB{db}

	// Initialize schema (CREATE IF NOT EXISTS is idempotent)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	// Run migrations for existing databases
	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return wrapped, nil
}

// migrate runs any needed migrations for existing databases
func (db *DB) migrate() error {
	hasColumn := func(table, column string) (bool, error) {
		var count int
		err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
		return count > 0, err
	}

	// Migration: add reviewer column to review_records if missing
	has, err := hasColumn("review_records", "reviewer")
	if err != nil {
		return fmt.Errorf("check reviewer column: %w", err)
	}
	if !has {
		if _, err := db.Exec(`ALTER TABLE review_records ADD COLUMN reviewer TEXT`); err != nil {
			return fmt.Errorf("add reviewer column: %w", err)
		}
	}

	// Migration: add bot_comment_id column to review_records if missing
	has, err = hasColumn("review_records", "bot_comment_id")
	if err != nil {
		return fmt.Errorf("check bot_comment_id column: %w", err)
	}
	if !has {
		if _, err := db.Exec(`ALTER TABLE review_records ADD COLUMN bot_comment_id INTEGER`); err != nil {
			return fmt.Errorf("add bot_comment_id column: %w", err)
		}
	}

	return nil
}

// parseTime parses a timestamp written either by Go (RFC3339) or by
// sqlite's datetime('now') default.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}
