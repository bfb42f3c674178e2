package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlite3Driver = "sqlite3"
	kvTableName   = "kv"
)

// Ref: https://github.com/mattn/go-sqlite3/issues/1145#issuecomment-1519012055
var defaultOpts = map[string]string{
	"_busy_timeout": "5000",
	"_journal_mode": "WAL",
	"_synchronous":  "NORMAL",
}

// makeDSN returns DSN from DB file path and opts map.
func makeDSN(filePath string, opts map[string]string) string {
	optsSlice := make([]string, 0, len(opts))
	for opt, val := range opts {
		optsSlice = append(optsSlice, fmt.Sprintf("%s=%s", opt, val))
	}

	// Stable DSN for logging
	sort.Strings(optsSlice)

	return fmt.Sprintf("file:%s?%s", filePath, strings.Join(optsSlice, "&"))
}

// SQLite is a Store persisted in a SQLite database so that session state
// survives restarts.
type SQLite struct {
	logger *slog.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewSQLite opens or creates the database at path.
func NewSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	dsn := makeDSN(path, defaultOpts)

	db, err := sql.Open(sqlite3Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session DB: %w", err)
	}

	// Single writer avoids SQLITE_BUSY under concurrent sessions
	db.SetMaxOpenConns(1)

	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at INTEGER NOT NULL)",
		kvTableName,
	)
	if _, err := db.Exec(stmt); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create %s table: %w", kvTableName, err)
	}

	logger.Debug("Session DB opened", "dsn", dsn)

	return &SQLite{logger: logger, db: db, now: time.Now}, nil
}

// Get implements Store.
func (s *SQLite) Get(key string) (string, error) {
	var value string

	err := s.db.QueryRow("SELECT value FROM "+kvTableName+" WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}

	return value, nil
}

// Set implements Store.
func (s *SQLite) Set(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO "+kvTableName+" (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, s.now().Unix(),
	)

	return err
}

// Remove implements Store.
func (s *SQLite) Remove(key string) error {
	_, err := s.db.Exec("DELETE FROM "+kvTableName+" WHERE key = ?", key)

	return err
}

// Prune deletes entries that were not written since before and returns the
// number of deleted entries.
func (s *SQLite) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM "+kvTableName+" WHERE updated_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if n > 0 {
		s.logger.Debug("Pruned stale session entries", "count", n)
	}

	return n, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
