package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Anteroom/Anteroom/internal/errs"
)

// A Migration is one versioned schema step. Statements run in order inside
// a single transaction; the version row is written in the same transaction.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// Migrations is the ordered schema history. Append-only: released versions
// are never edited.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "core tables",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS cards (
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL DEFAULT '',
				source_message TEXT NOT NULL DEFAULT '',
				source_sender TEXT NOT NULL DEFAULT '',
				suggested_reply TEXT NOT NULL DEFAULT '',
				confidence REAL NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				channel TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cards_status ON cards(status)`,
			`CREATE INDEX IF NOT EXISTS idx_cards_channel ON cards(channel)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				external_id TEXT UNIQUE NOT NULL,
				channel TEXT NOT NULL,
				sender TEXT NOT NULL,
				subject TEXT,
				content TEXT NOT NULL,
				received_at TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				replied_at TEXT,
				metadata TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_external ON messages(external_id)`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id TEXT PRIMARY KEY,
				channel TEXT NOT NULL DEFAULT '',
				user_id TEXT NOT NULL DEFAULT '',
				thread_id TEXT NOT NULL DEFAULT '',
				started_at TEXT NOT NULL,
				last_activity TEXT NOT NULL,
				metadata TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS conversation_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conv_messages ON conversation_messages(conversation_id)`,
		},
	},
	{
		Version: 2,
		Name:    "card payload columns",
		Statements: []string{
			`ALTER TABLE cards ADD COLUMN message_id TEXT`,
			`ALTER TABLE cards ADD COLUMN reply_metadata TEXT`,
			`ALTER TABLE cards ADD COLUMN email_thread TEXT`,
			`ALTER TABLE cards ADD COLUMN silo TEXT NOT NULL DEFAULT 'messages'`,
			`ALTER TABLE cards ADD COLUMN card_type TEXT NOT NULL DEFAULT 'reply'`,
			`ALTER TABLE cards ADD COLUMN payload_extra TEXT`,
		},
	},
	{
		Version: 3,
		Name:    "routines",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS routines (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				owner TEXT NOT NULL DEFAULT '',
				enabled INTEGER NOT NULL DEFAULT 1,
				trigger_type TEXT NOT NULL,
				trigger_config TEXT NOT NULL DEFAULT '{}',
				action_type TEXT NOT NULL,
				action_config TEXT NOT NULL DEFAULT '{}',
				guardrails TEXT NOT NULL DEFAULT '{}',
				notify TEXT NOT NULL DEFAULT '{}',
				last_run_at TEXT,
				next_fire_at TEXT,
				run_count INTEGER NOT NULL DEFAULT 0,
				consecutive_failures INTEGER NOT NULL DEFAULT 0,
				state TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_routines_enabled ON routines(enabled)`,
			`CREATE TABLE IF NOT EXISTS routine_runs (
				id TEXT PRIMARY KEY,
				routine_id TEXT NOT NULL REFERENCES routines(id) ON DELETE CASCADE,
				trigger_info TEXT NOT NULL DEFAULT '',
				started_at TEXT NOT NULL,
				finished_at TEXT,
				status TEXT NOT NULL DEFAULT 'running',
				summary TEXT NOT NULL DEFAULT '',
				tokens_used INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_routine_runs_routine ON routine_runs(routine_id)`,
			`CREATE INDEX IF NOT EXISTS idx_routine_runs_status ON routine_runs(status)`,
		},
	},
	{
		Version: 4,
		Name:    "pending approvals",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS pending_approvals (
				request_id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL,
				tool TEXT NOT NULL,
				parameters TEXT NOT NULL DEFAULT '{}',
				description TEXT NOT NULL DEFAULT '',
				tool_call_id TEXT NOT NULL DEFAULT '',
				snapshot TEXT,
				status TEXT NOT NULL DEFAULT 'pending',
				created_at TEXT NOT NULL,
				resolved_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pending_approvals_status ON pending_approvals(status)`,
		},
	},
}

const migrationsTable = `CREATE TABLE IF NOT EXISTS _migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`

// legacyColumnAdds are idempotent column additions that pre-migration
// databases may be missing. Errors are ignored (column already exists).
var legacyColumnAdds = []string{
	`ALTER TABLE cards ADD COLUMN message_id TEXT`,
	`ALTER TABLE cards ADD COLUMN reply_metadata TEXT`,
	`ALTER TABLE cards ADD COLUMN email_thread TEXT`,
	`ALTER TABLE cards ADD COLUMN silo TEXT NOT NULL DEFAULT 'messages'`,
	`ALTER TABLE cards ADD COLUMN card_type TEXT NOT NULL DEFAULT 'reply'`,
	`ALTER TABLE cards ADD COLUMN payload_extra TEXT`,
	`ALTER TABLE messages ADD COLUMN metadata TEXT`,
}

// migrate brings the database to the latest schema version.
//
// Legacy detection: a database that has the core tables but no _migrations
// table predates versioned migrations. It is seeded at version 1 without
// replaying DDL, then idempotent column adds cover drift, then versions
// 2+ run normally.
func migrate(db *sql.DB) error {
	legacy, err := isLegacyDB(db)
	if err != nil {
		return errs.Wrap(errs.KindDatabase, "store.migrate", err)
	}

	if _, err := db.Exec(migrationsTable); err != nil {
		return errs.Wrapf(errs.KindDatabase, "store.migrate", errs.ErrMigration, "create _migrations: %v", err)
	}

	if legacy {
		slog.Info("Legacy database detected, seeding migration version 1")
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO _migrations (version, name, applied_at) VALUES (1, 'core tables', ?)`,
			time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			return errs.Wrapf(errs.KindDatabase, "store.migrate", errs.ErrMigration, "seed legacy version: %v", err)
		}
		for _, stmt := range legacyColumnAdds {
			_, _ = db.Exec(stmt)
		}
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	for _, m := range Migrations {
		if applied[m.Version] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
		slog.Info("Applied migration", "version", m.Version, "name", m.Name)
	}

	return nil
}

func isLegacyDB(db *sql.DB) (bool, error) {
	hasCards, err := tableExists(db, "cards")
	if err != nil {
		return false, err
	}
	hasMigrations, err := tableExists(db, "_migrations")
	if err != nil {
		return false, err
	}
	return hasCards && !hasMigrations, nil
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM _migrations ORDER BY version`)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "store.migrate", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, errs.Wrap(errs.KindDatabase, "store.migrate", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return errs.Wrap(errs.KindDatabase, "store.migrate", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			// Legacy databases may already carry columns a later version
			// adds (the seed path applied them). Re-adding is a no-op.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return errs.Wrapf(errs.KindDatabase, "store.migrate", errs.ErrMigration,
				"version %d (%s): %v", m.Version, m.Name, err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO _migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return errs.Wrapf(errs.KindDatabase, "store.migrate", errs.ErrMigration,
			"record version %d: %v", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindDatabase, "store.migrate", err)
	}
	return nil
}

// SchemaVersion reports the highest applied migration version.
func SchemaVersion(db *sql.DB) (int, error) {
	var v sql.NullInt64
	err := db.QueryRow(`SELECT MAX(version) FROM _migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return int(v.Int64), nil
}
