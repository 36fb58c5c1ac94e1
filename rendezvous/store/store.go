// Package store provides persistent rendezvous-server state backed by an
// embedded SQLite database: registered users and groups, so a restarted
// server remembers accounts instead of starting from an empty in-memory
// roster (spec.md §3.7/§4.4 only specify the in-session view; this is
// additive persistence, not a wire-protocol change). Modeled on
// server/store/store.go's migration-list pattern.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1. To add a
// migration, append a new string; never edit or reorder existing entries.
var migrations = []string{
	// v1 — registered users, password stored as its MD5 hex digest (§6.4)
	`CREATE TABLE IF NOT EXISTS users (
		name     TEXT PRIMARY KEY,
		pwd_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — registered groups
	`CREATE TABLE IF NOT EXISTS groups (
		name     TEXT PRIMARY KEY,
		pwd_hash TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — group membership (persisted across restarts for accounting only;
	// the live peer roster itself is in-memory and rebuilt on each login)
	`CREATE TABLE IF NOT EXISTS memberships (
		group_name TEXT NOT NULL,
		user_name  TEXT NOT NULL,
		joined_at  INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY(group_name, user_name)
	)`,
	// v4 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes rendezvous-server account state.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
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

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = sql.ErrNoRows

// ErrExists is returned by Create* when the name is already taken.
var ErrExists = fmt.Errorf("store: already exists")

// CreateUser registers a new user with the given MD5-hex password digest.
func (s *Store) CreateUser(name, pwdHash string) error {
	_, err := s.db.Exec(`INSERT INTO users(name, pwd_hash) VALUES(?, ?)`, name, pwdHash)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return err
	}
	return nil
}

// CheckUserPassword reports whether name exists and pwdHash matches its
// stored digest.
func (s *Store) CheckUserPassword(name, pwdHash string) (bool, error) {
	var stored string
	err := s.db.QueryRow(`SELECT pwd_hash FROM users WHERE name = ?`, name).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored == pwdHash, nil
}

// DeleteUser removes a registered user. Returns ErrNotFound if absent.
func (s *Store) DeleteUser(name string) error {
	res, err := s.db.Exec(`DELETE FROM users WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserNames returns every registered username.
func (s *Store) UserNames() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM users ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// CreateGroup registers a new group. pwdHash may be "" for a public group.
func (s *Store) CreateGroup(name, pwdHash string) error {
	_, err := s.db.Exec(`INSERT INTO groups(name, pwd_hash) VALUES(?, ?)`, name, pwdHash)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return err
	}
	return nil
}

// CheckGroupPassword reports whether group exists and pwdHash matches (or
// the group has no password set).
func (s *Store) CheckGroupPassword(name, pwdHash string) (bool, error) {
	var stored string
	err := s.db.QueryRow(`SELECT pwd_hash FROM groups WHERE name = ?`, name).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored == "" || stored == pwdHash, nil
}

// GroupNames returns every registered group name.
func (s *Store) GroupNames() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM groups ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// RecordMembership upserts a (group, user) membership row, for accounting
// only; the live session roster lives in rendezvous.Server.
func (s *Store) RecordMembership(group, user string) error {
	_, err := s.db.Exec(
		`INSERT INTO memberships(group_name, user_name) VALUES(?, ?)
		 ON CONFLICT(group_name, user_name) DO UPDATE SET joined_at = unixepoch()`,
		group, user,
	)
	return err
}

// ForgetMembership removes a (group, user) membership row.
func (s *Store) ForgetMembership(group, user string) error {
	_, err := s.db.Exec(`DELETE FROM memberships WHERE group_name = ? AND user_name = ?`, group, user)
	return err
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations as plain errors whose
	// text names the failing constraint; no typed error is exported.
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
