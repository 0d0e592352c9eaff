// Package runstore persists generation run and segment state to SQLite so
// runs stay inspectable after aborts and across daemon restarts.
package runstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/TheOneDeer/book-video-generator/internal/segment"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema
// changes; existing databases must then be deleted.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the
// expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// Store manages run persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the run database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// CreateRun persists a new run in the running state.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return errors.New("runstore: run with id required")
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = RunRunning
	}
	return s.execWithRetry(ctx,
		`INSERT INTO runs (id, book_name, mode, status, workspace_path, final_file, error_message, keep_workspace, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.BookName, string(run.Mode), string(run.Status),
		nullableString(run.WorkspacePath), nullableString(run.FinalFile), nullableString(run.ErrorMessage),
		boolToInt(run.KeepWorkspace), formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
}

// FinishRun records the terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, finalFile, errorMessage string) error {
	return s.execWithRetry(ctx,
		`UPDATE runs SET status = ?, final_file = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), nullableString(finalFile), nullableString(errorMessage),
		formatTime(time.Now().UTC()), id)
}

// SaveSegment upserts one segment's state for a run.
func (s *Store) SaveSegment(ctx context.Context, runID string, seg segment.Segment) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runstore: run id required")
	}
	return s.execWithRetry(ctx,
		`INSERT INTO segments (run_id, idx, sentence, strategy, status, duration, video_file, image_file, audio_file)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, idx) DO UPDATE SET
		   strategy = excluded.strategy,
		   status = excluded.status,
		   duration = excluded.duration,
		   video_file = excluded.video_file,
		   image_file = excluded.image_file,
		   audio_file = excluded.audio_file`,
		runID, seg.Index, seg.Sentence, string(seg.Strategy), string(seg.Status), seg.Duration,
		nullableString(seg.VideoFile), nullableString(seg.ImageFile), nullableString(seg.AudioFile))
}

const runColumns = "id, book_name, mode, status, workspace_path, final_file, error_message, keep_workspace, created_at, updated_at"

// GetRun fetches one run by id. Returns nil when the run does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs newest-first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, statuses ...RunStatus) ([]*Run, error) {
	ctx = ensureContext(ctx)
	query := "SELECT " + runColumns + " FROM runs"
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SegmentsForRun returns a run's segments ordered by index.
func (s *Store) SegmentsForRun(ctx context.Context, runID string) ([]segment.Segment, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, sentence, strategy, status, duration, video_file, image_file, audio_file
		 FROM segments WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []segment.Segment
	for rows.Next() {
		var (
			seg       segment.Segment
			strategy  string
			status    string
			videoFile sql.NullString
			imageFile sql.NullString
			audioFile sql.NullString
		)
		if err := rows.Scan(&seg.Index, &seg.Sentence, &strategy, &status, &seg.Duration,
			&videoFile, &imageFile, &audioFile); err != nil {
			return nil, err
		}
		seg.Strategy = segment.Strategy(strategy)
		seg.Status = segment.Status(status)
		seg.VideoFile = videoFile.String
		seg.ImageFile = imageFile.String
		seg.AudioFile = audioFile.String
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		run           Run
		mode          string
		status        string
		workspacePath sql.NullString
		finalFile     sql.NullString
		errorMessage  sql.NullString
		keepWorkspace sql.NullInt64
		createdRaw    string
		updatedRaw    string
	)
	if err := scanner.Scan(&run.ID, &run.BookName, &mode, &status,
		&workspacePath, &finalFile, &errorMessage, &keepWorkspace,
		&createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	run.Mode = segment.Strategy(mode)
	run.Status = RunStatus(status)
	run.WorkspacePath = workspacePath.String
	run.FinalFile = finalFile.String
	run.ErrorMessage = errorMessage.String
	run.KeepWorkspace = keepWorkspace.Valid && keepWorkspace.Int64 != 0
	if created, err := parseTimeString(createdRaw); err == nil {
		run.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		run.UpdatedAt = updated
	}
	return &run, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}
