package datastore

import (
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/fly-io/fota-agent/pkg/errors"
	_ "modernc.org/sqlite"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore keeps values in a kv table with synchronous=FULL.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the sqlite file at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	slog.Info("store_open", "backend", "sqlite", "path", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		slog.Error("store_open_failed", "backend", "sqlite", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to open sqlite store")
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA synchronous=FULL", kvSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			slog.Error("store_schema_failed", "backend", "sqlite", "path", path, "error", err)
			return nil, errors.Wrap(err, "failed to create schema")
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode value")
	}

	query := `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.Exec(query, key, payload); err != nil {
		slog.Error("store_save_failed", "key", key, "error", err)
		return errors.WithCode(err, errors.Generic, "failed to save "+key)
	}

	slog.Info("store_saved", "key", key, "bytes", len(payload))
	return nil
}

func (s *SQLiteStore) Load(key string, v any) error {
	var payload []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return errors.WithCode(err, errors.Generic, "failed to load "+key)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return errors.WithCode(err, errors.Generic, "could not unmarshal "+key)
	}
	return nil
}

func (s *SQLiteStore) Remove(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		slog.Error("store_remove_failed", "key", key, "error", err)
		return errors.WithCode(err, errors.Generic, "failed to remove "+key)
	}
	slog.Info("store_removed", "key", key)
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
