package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/fly-io/fota-agent/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for the update history
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Create schema
	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new run record
func (r *Repository) Create(u *Update) error {
	slog.Info("database_create_update", "run_id", u.RunID, "async_key", u.AsyncKey, "status", u.Status)

	query := `
		INSERT INTO updates (run_id, async_key, name, version, url, status, error_info)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		u.RunID, u.AsyncKey, u.Name, u.Version, u.URL, u.Status, u.ErrorInfo)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", u.RunID, "error", err)
		return errors.Wrap(err, "failed to insert update")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "run_id", u.RunID, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	u.ID = id

	slog.Info("database_update_created", "run_id", u.RunID, "update_id", u.ID, "status", u.Status)
	return nil
}

const selectColumns = `
	SELECT id, run_id, async_key, name, version, url, status, error_info, created_at, updated_at
	FROM updates
`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpdate(s scanner) (*Update, error) {
	var u Update
	var name, version, url, errorInfo sql.NullString

	err := s.Scan(
		&u.ID, &u.RunID, &u.AsyncKey, &name, &version, &url,
		&u.Status, &errorInfo, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	u.Name = name.String
	u.Version = version.String
	u.URL = url.String
	u.ErrorInfo = errorInfo.String
	return &u, nil
}

// GetByRunID retrieves a run by its id
func (r *Repository) GetByRunID(runID string) (*Update, error) {
	slog.Info("database_query_update", "run_id", runID)

	u, err := scanUpdate(r.db.QueryRow(selectColumns+` WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		slog.Info("database_update_not_found", "run_id", runID)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", runID, "error", err)
		return nil, errors.Wrap(err, "failed to query update")
	}

	slog.Info("database_update_found", "run_id", runID, "update_id", u.ID, "status", u.Status)
	return u, nil
}

// UpdateStatus updates the status and error info of a run
func (r *Repository) UpdateStatus(runID, status, errorInfo string) error {
	slog.Info("database_update_status", "run_id", runID, "status", status)

	query := `UPDATE updates SET status = ?, error_info = ?, updated_at = CURRENT_TIMESTAMP WHERE run_id = ?`
	result, err := r.db.Exec(query, status, errorInfo, runID)
	if err != nil {
		slog.Error("database_status_update_failed", "run_id", runID, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "run_id", runID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_update_not_found_for_status", "run_id", runID)
		return fmt.Errorf("update not found: run_id=%s", runID)
	}

	slog.Info("database_status_updated", "run_id", runID, "status", status)
	return nil
}

// List retrieves runs, newest first. A limit of zero returns every row.
func (r *Repository) List(limit int) ([]*Update, error) {
	slog.Info("database_list_updates", "limit", limit)

	query := selectColumns + ` ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list updates")
	}
	defer rows.Close()

	var updates []*Update
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		updates = append(updates, u)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "update_count", len(updates))
	return updates, nil
}

// Prune deletes finished runs beyond the newest keep rows.
func (r *Repository) Prune(keep int) (int64, error) {
	query := `
		DELETE FROM updates
		WHERE status IN ('updated', 'error')
		AND id NOT IN (SELECT id FROM updates ORDER BY created_at DESC, id DESC LIMIT ?)
	`
	result, err := r.db.Exec(query, keep)
	if err != nil {
		slog.Error("database_prune_failed", "keep", keep, "error", err)
		return 0, errors.Wrap(err, "failed to prune updates")
	}

	n, _ := result.RowsAffected()
	slog.Info("database_pruned", "keep", keep, "deleted", n)
	return n, nil
}
