// Package state persists per-file download progress in SQLite so that
// interrupted runs resume instead of restarting. All mutations go
// through the transition API; each call is durably committed before it
// returns.
package state

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for file states and runs.
// Safe for concurrent use by multiple transfer workers: all statements
// are funneled through a single connection, so writes from different
// worker goroutines serialize instead of contending for the file lock.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store, opening the SQLite database and running
// migrations. The parent directory is created if missing.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("state store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// ============================================================================
// FileState Operations
// ============================================================================

const fileStateColumns = `path, status, bytes_downloaded, size, checksum, checksum_algo,
       attempts, last_error, last_attempt, updated_at`

// Load returns the full file-state map. Rows that cannot be read or
// carry an unknown status are degraded to pending so that a corrupted
// store never blocks a run; the affected file is simply re-fetched.
func (s *Store) Load() (map[string]FileState, error) {
	rows, err := s.db.Query("SELECT " + fileStateColumns + " FROM file_states")
	if err != nil {
		return nil, fmt.Errorf("failed to query file states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]FileState)
	for rows.Next() {
		st, err := scanFileState(rows)
		if err != nil {
			s.logger.Warn("unreadable file state row, skipping", "error", err)
			continue
		}
		if !st.Status.valid() {
			s.logger.Warn("unknown file state status, treating as pending",
				"path", st.Path, "status", string(st.Status))
			st.Status = StatusPending
			st.BytesDownloaded = 0
		}
		states[st.Path] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file states: %w", err)
	}

	return states, nil
}

// Get retrieves a single file state, or nil if the path is untracked.
func (s *Store) Get(path string) (*FileState, error) {
	row := s.db.QueryRow("SELECT "+fileStateColumns+" FROM file_states WHERE path = ?", path)
	st, err := scanFileState(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query file state %s: %w", path, err)
	}
	return &st, nil
}

// BeginTransfer marks a path in_progress and bumps its attempt count,
// creating the row if the path was never tracked. The expected size
// and checksum from the manifest are recorded for later comparison.
func (s *Store) BeginTransfer(path string, size int64, checksum, checksumAlgo string) error {
	const query = `
		INSERT INTO file_states (path, status, bytes_downloaded, size, checksum, checksum_algo,
		                         attempts, last_error, last_attempt, updated_at)
		VALUES (?, 'in_progress', 0, ?, ?, ?, 1, '', ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET
			status = 'in_progress',
			size = excluded.size,
			checksum = excluded.checksum,
			checksum_algo = excluded.checksum_algo,
			attempts = attempts + 1,
			last_error = '',
			last_attempt = excluded.last_attempt,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.Exec(query, path, size, checksum, checksumAlgo, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to begin transfer for %s: %w", path, err)
	}
	return nil
}

// RecordProgress persists the bytes downloaded so far for an
// in-flight transfer.
func (s *Store) RecordProgress(path string, bytes int64) error {
	const query = `
		UPDATE file_states
		SET bytes_downloaded = ?, updated_at = CURRENT_TIMESTAMP
		WHERE path = ?
	`
	result, err := s.db.Exec(query, bytes, path)
	if err != nil {
		return fmt.Errorf("failed to record progress for %s: %w", path, err)
	}
	return requireRow(result, path)
}

// MarkVerified transitions a path to verified with its computed
// digest. Callers must only invoke this after the integrity check
// passed; the store never invents a verified state on its own.
func (s *Store) MarkVerified(path string, size int64, checksum, checksumAlgo string) error {
	const query = `
		UPDATE file_states
		SET status = 'verified', bytes_downloaded = ?, size = ?,
		    checksum = ?, checksum_algo = ?, last_error = '',
		    updated_at = CURRENT_TIMESTAMP
		WHERE path = ?
	`
	result, err := s.db.Exec(query, size, size, checksum, checksumAlgo, path)
	if err != nil {
		return fmt.Errorf("failed to mark %s verified: %w", path, err)
	}
	return requireRow(result, path)
}

// MarkFailed transitions a path to failed, recording the reason.
func (s *Store) MarkFailed(path, reason string) error {
	const query = `
		UPDATE file_states
		SET status = 'failed', last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE path = ?
	`
	result, err := s.db.Exec(query, reason, path)
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", path, err)
	}
	return requireRow(result, path)
}

// ResetPending returns a path to pending with zero progress. Used when
// the manifest reports a changed checksum or size for a verified file.
func (s *Store) ResetPending(path string) error {
	const query = `
		UPDATE file_states
		SET status = 'pending', bytes_downloaded = 0, last_error = '',
		    updated_at = CURRENT_TIMESTAMP
		WHERE path = ?
	`
	result, err := s.db.Exec(query, path)
	if err != nil {
		return fmt.Errorf("failed to reset %s: %w", path, err)
	}
	return requireRow(result, path)
}

// ListByStatus returns all file states with the given status, ordered
// by path.
func (s *Store) ListByStatus(status Status) ([]FileState, error) {
	rows, err := s.db.Query(
		"SELECT "+fileStateColumns+" FROM file_states WHERE status = ? ORDER BY path", string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query file states by status: %w", err)
	}
	defer rows.Close()

	var states []FileState
	for rows.Next() {
		st, err := scanFileState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// ============================================================================
// Run Operations
// ============================================================================

// CreateRun inserts a new Run and sets its ID.
func (s *Store) CreateRun(run *Run) error {
	const query = `
		INSERT INTO runs (
			dump, version, job, start_time, end_time, succeeded, failed,
			skipped, bytes_transferred, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.Dump, run.Version, run.Job, run.StartTime, run.EndTime,
		run.Succeeded, run.Failed, run.Skipped, run.BytesTransferred,
		run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates an existing Run by ID.
func (s *Store) UpdateRun(run *Run) error {
	const query = `
		UPDATE runs SET
			dump = ?, version = ?, job = ?, start_time = ?, end_time = ?,
			succeeded = ?, failed = ?, skipped = ?, bytes_transferred = ?,
			status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Dump, run.Version, run.Job, run.StartTime, run.EndTime,
		run.Succeeded, run.Failed, run.Skipped, run.BytesTransferred,
		run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run not found: %d", run.ID)
	}
	return nil
}

// ListRuns retrieves runs newest-first, optionally limited.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := `
		SELECT id, dump, version, job, start_time, end_time, succeeded,
		       failed, skipped, bytes_transferred, status, error_message
		FROM runs ORDER BY start_time DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var endTime sql.NullTime
		err := rows.Scan(
			&run.ID, &run.Dump, &run.Version, &run.Job, &run.StartTime,
			&endTime, &run.Succeeded, &run.Failed, &run.Skipped,
			&run.BytesTransferred, &run.Status, &run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if endTime.Valid {
			run.EndTime = endTime.Time
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// Helpers
// ============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFileState(row rowScanner) (FileState, error) {
	var st FileState
	var status string
	var lastAttempt, updatedAt sql.NullTime
	err := row.Scan(
		&st.Path, &status, &st.BytesDownloaded, &st.Size, &st.Checksum,
		&st.ChecksumAlgo, &st.Attempts, &st.LastError, &lastAttempt, &updatedAt,
	)
	if err != nil {
		return FileState{}, err
	}
	st.Status = Status(status)
	if lastAttempt.Valid {
		st.LastAttempt = lastAttempt.Time
	}
	if updatedAt.Valid {
		st.UpdatedAt = updatedAt.Time
	}
	return st, nil
}

func requireRow(result sql.Result, path string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("file state not found: %s", path)
	}
	return nil
}
