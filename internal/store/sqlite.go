// Package store keeps run history in SQLite. Nothing in it is consulted to
// decide whether a file is correct; it only records what runs observed.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
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

	logger.Debug("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Run Operations
// ============================================================================

const runColumns = `
	id, kind, label, cdn, root_dir, dry_run, start_time, end_time, files_total,
	files_verified, files_repaired, files_failed, files_skipped,
	bytes_transferred, status, error_message
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID, &run.Kind, &run.Label, &run.CDN, &run.RootDir, &run.DryRun,
		&run.StartTime, &run.EndTime, &run.FilesTotal, &run.FilesVerified,
		&run.FilesRepaired, &run.FilesFailed, &run.FilesSkipped,
		&run.BytesTransferred, &run.Status, &run.ErrorMessage,
	)
	return run, err
}

// CreateRun inserts a new Run and sets its ID
func (s *Store) CreateRun(run *Run) error {
	const query = `
		INSERT INTO runs (
			kind, label, cdn, root_dir, dry_run, start_time, end_time, files_total,
			files_verified, files_repaired, files_failed, files_skipped,
			bytes_transferred, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Status == "" {
		run.Status = StatusRunning
	}
	result, err := s.db.Exec(
		query,
		run.Kind, run.Label, run.CDN, run.RootDir, run.DryRun, run.StartTime,
		run.EndTime, run.FilesTotal, run.FilesVerified, run.FilesRepaired,
		run.FilesFailed, run.FilesSkipped, run.BytesTransferred, run.Status,
		run.ErrorMessage,
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

// UpdateRun updates an existing Run by ID
func (s *Store) UpdateRun(run *Run) error {
	const query = `
		UPDATE runs SET
			kind = ?, label = ?, cdn = ?, root_dir = ?, dry_run = ?, start_time = ?,
			end_time = ?, files_total = ?, files_verified = ?, files_repaired = ?,
			files_failed = ?, files_skipped = ?, bytes_transferred = ?, status = ?,
			error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Kind, run.Label, run.CDN, run.RootDir, run.DryRun, run.StartTime,
		run.EndTime, run.FilesTotal, run.FilesVerified, run.FilesRepaired,
		run.FilesFailed, run.FilesSkipped, run.BytesTransferred, run.Status,
		run.ErrorMessage, run.ID,
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

// GetRun retrieves a Run by ID
func (s *Store) GetRun(id int64) (*Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE id = ?"

	run, err := scanRun(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run not found: %d", id)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	return run, nil
}

// ListRuns retrieves Runs newest first, optionally filtered by root directory
func (s *Store) ListRuns(rootDir string, limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs"
	var args []interface{}

	if rootDir != "" {
		query += " WHERE root_dir = ?"
		args = append(args, rootDir)
	}

	query += " ORDER BY start_time DESC, id DESC"

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
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// FileRecord Operations
// ============================================================================

// UpsertFileRecord inserts or replaces the record for (RootDir, Path)
func (s *Store) UpsertFileRecord(rec *FileRecord) error {
	const query = `
		INSERT INTO file_records (root_dir, path, digest, size, last_verified, run_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(root_dir, path) DO UPDATE SET
			digest = excluded.digest,
			size = excluded.size,
			last_verified = excluded.last_verified,
			run_id = excluded.run_id
	`

	_, err := s.db.Exec(
		query,
		rec.RootDir, rec.Path, rec.Digest, rec.Size, rec.LastVerified, rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert file record: %w", err)
	}

	return nil
}

// GetFileRecord retrieves a FileRecord by root directory and path
func (s *Store) GetFileRecord(rootDir, path string) (*FileRecord, error) {
	const query = `
		SELECT id, root_dir, path, digest, size, last_verified, run_id
		FROM file_records WHERE root_dir = ? AND path = ?
	`

	rec := &FileRecord{}
	err := s.db.QueryRow(query, rootDir, path).Scan(
		&rec.ID, &rec.RootDir, &rec.Path, &rec.Digest, &rec.Size,
		&rec.LastVerified, &rec.RunID,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("file record not found: %s/%s", rootDir, path)
		}
		return nil, fmt.Errorf("failed to query file record: %w", err)
	}

	return rec, nil
}

// CountFileRecords counts verified files recorded under a root directory
func (s *Store) CountFileRecords(rootDir string) (int, error) {
	const query = "SELECT COUNT(*) FROM file_records WHERE root_dir = ?"

	var count int
	if err := s.db.QueryRow(query, rootDir).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count file records: %w", err)
	}

	return count, nil
}

// SumFileSize sums the recorded size of verified files under a root directory
func (s *Store) SumFileSize(rootDir string) (int64, error) {
	const query = "SELECT COALESCE(SUM(size), 0) FROM file_records WHERE root_dir = ?"

	var total int64
	if err := s.db.QueryRow(query, rootDir).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum file sizes: %w", err)
	}

	return total, nil
}

// ============================================================================
// FailedFileRecord Operations (Dead Letter Queue)
// ============================================================================

// AddFailedFile records an unverified file. An open entry for the same
// root and path is updated instead of duplicated.
func (s *Store) AddFailedFile(rec *FailedFileRecord) error {
	const updateQuery = `
		UPDATE failed_files
		SET error = ?, attempts = ?, retry_count = retry_count + 1, last_failure = ?,
		    url = COALESCE(NULLIF(?, ''), url),
		    expected_digest = COALESCE(NULLIF(?, ''), expected_digest)
		WHERE root_dir = ? AND file_path = ? AND resolved = 0
	`

	result, err := s.db.Exec(
		updateQuery,
		rec.Error, rec.Attempts, rec.LastFailure, rec.URL, rec.ExpectedDigest,
		rec.RootDir, rec.FilePath,
	)
	if err != nil {
		return fmt.Errorf("failed to update failed file record: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}

	const insertQuery = `
		INSERT INTO failed_files (
			root_dir, file_path, url, expected_digest, error, attempts,
			retry_count, first_failure, last_failure, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if rec.FirstFailure.IsZero() {
		rec.FirstFailure = rec.LastFailure
	}
	result, err = s.db.Exec(
		insertQuery,
		rec.RootDir, rec.FilePath, rec.URL, rec.ExpectedDigest, rec.Error,
		rec.Attempts, rec.RetryCount, rec.FirstFailure, rec.LastFailure,
		rec.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to insert failed file record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ListFailedFiles retrieves open dead letter entries, optionally filtered by root directory
func (s *Store) ListFailedFiles(rootDir string) ([]FailedFileRecord, error) {
	query := `
		SELECT id, root_dir, file_path, url, expected_digest, error, attempts,
		       retry_count, first_failure, last_failure, resolved
		FROM failed_files WHERE resolved = 0
	`
	var args []interface{}
	if rootDir != "" {
		query += " AND root_dir = ?"
		args = append(args, rootDir)
	}
	query += " ORDER BY last_failure DESC, id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed files: %w", err)
	}
	defer rows.Close()

	var records []FailedFileRecord
	for rows.Next() {
		rec := FailedFileRecord{}
		err := rows.Scan(
			&rec.ID, &rec.RootDir, &rec.FilePath, &rec.URL, &rec.ExpectedDigest,
			&rec.Error, &rec.Attempts, &rec.RetryCount, &rec.FirstFailure,
			&rec.LastFailure, &rec.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed file record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed file records: %w", err)
	}

	return records, nil
}

// ResolveFailedFile marks a FailedFileRecord as resolved
func (s *Store) ResolveFailedFile(id int64) error {
	const query = "UPDATE failed_files SET resolved = 1 WHERE id = ?"

	result, err := s.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to resolve failed file: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("failed file record not found: %d", id)
	}

	return nil
}

// ResolveFailedPath closes any open entry for a file that has since verified.
// It reports whether an entry was closed.
func (s *Store) ResolveFailedPath(rootDir, path string) (bool, error) {
	const query = `
		UPDATE failed_files SET resolved = 1
		WHERE root_dir = ? AND file_path = ? AND resolved = 0
	`

	result, err := s.db.Exec(query, rootDir, path)
	if err != nil {
		return false, fmt.Errorf("failed to resolve failed path: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}
