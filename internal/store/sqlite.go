package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Anteroom/Anteroom/internal/errs"
)

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and applies pending
// migrations.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "store.open", err)
	}
	// SQLite writes are single-connection; bounding the pool avoids
	// SQLITE_BUSY churn under concurrent tasks.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for migration inspection in tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strOrEmpty(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

// classify maps driver errors onto the structured database error set.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.KindDatabase, op, errs.ErrNotFound)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "FOREIGN KEY constraint") ||
		strings.Contains(msg, "CHECK constraint") || strings.Contains(msg, "NOT NULL constraint"):
		return errs.Wrapf(errs.KindDatabase, op, errs.ErrConstraint, "%v", err)
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy"):
		return errs.Wrapf(errs.KindDatabase, op, errs.ErrPool, "%v", err)
	default:
		return errs.Wrap(errs.KindDatabase, op, err)
	}
}
