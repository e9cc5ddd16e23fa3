// Package store provides persistent device state backed by an embedded
// SQLite database: runtime-adjustable audio settings and the call log.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a
// new string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"strconv"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — call log
	`CREATE TABLE IF NOT EXISTS call_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		peer       TEXT NOT NULL,
		direction  TEXT NOT NULL,
		outcome    TEXT NOT NULL DEFAULT '',
		duration_s INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — call log lookup by time
	`CREATE INDEX IF NOT EXISTS idx_call_log_created ON call_log(created_at)`,
	// v4 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes device-state operations.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies
// any migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// GetSetting returns the value stored under key. The second return
// value is false when the key does not exist; an error is only returned
// for real I/O failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetFloatSetting returns the value under key parsed as float64, or def
// when the key is absent or malformed.
func (s *Store) GetFloatSetting(key string, def float64) (float64, error) {
	val, ok, err := s.GetSetting(key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def, nil
	}
	return f, nil
}

// SetFloatSetting stores a float64 under key.
func (s *Store) SetFloatSetting(key string, v float64) error {
	return s.SetSetting(key, strconv.FormatFloat(v, 'g', -1, 64))
}

// GetAllSettings returns all key/value pairs from the settings table.
func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

// CallEntry represents one row in the call_log table.
type CallEntry struct {
	ID        int64
	Peer      string
	Direction string // "in" or "out"
	Outcome   string // "answered", "missed", "rejected", "busy"
	DurationS int
	CreatedAt int64
}

// InsertCall records a completed or missed call. Entries beyond the
// most recent 1,000 are purged.
func (s *Store) InsertCall(peer, direction, outcome string, durationS int) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO call_log(peer, direction, outcome, duration_s) VALUES(?,?,?,?)`,
		peer, direction, outcome, durationS,
	)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.Exec(
		`DELETE FROM call_log WHERE id NOT IN (SELECT id FROM call_log ORDER BY id DESC LIMIT 1000)`,
	); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentCalls returns call log entries, most recent first.
func (s *Store) RecentCalls(limit int) ([]CallEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, peer, direction, outcome, duration_s, created_at
		 FROM call_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CallEntry
	for rows.Next() {
		var e CallEntry
		if err := rows.Scan(&e.ID, &e.Peer, &e.Direction, &e.Outcome, &e.DurationS, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CallCount returns the number of entries in the call log.
func (s *Store) CallCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM call_log`).Scan(&n)
	return n, err
}
