// Package history stores completed analysis-job snapshots in a local SQLite
// database. Entries are write-once: a snapshot is inserted when the job
// completes and never mutated afterwards.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/histpath/histpath/pkg/analysis"
)

// ErrNotFound is returned when no snapshot exists for an analysis id.
var ErrNotFound = errors.New("analysis not found in history")

// ErrAmbiguousID is returned when a short id prefix matches several entries.
var ErrAmbiguousID = errors.New("analysis id prefix is ambiguous")

// Store is a SQLite-backed history of completed jobs.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the history database at path.
// Parent directories are created. ":memory:" is supported for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history database path is required")
	}

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(filepath.Clean(path))
		if dir != "." && dir != string(filepath.Separator) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create history directory: %w", err)
			}
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history store: %w", err)
	}

	if err := configureLocal(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func configureLocal(ctx context.Context, db *sql.DB, dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Insert writes a completed snapshot. Inserting an id that already exists is
// a no-op: history entries are never overwritten.
func (s *Store) Insert(ctx context.Context, job *analysis.Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if strings.TrimSpace(job.AnalysisID) == "" {
		return errors.New("analysis_id is required")
	}

	var completedAt sql.NullInt64
	if job.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: job.CompletedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO analyses
			(analysis_id, filename, engine, status, extracted_text, visualization_url,
			 word_count, confidence_score, processing_time, error_message, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.AnalysisID,
		job.Filename,
		string(job.Engine),
		string(job.Status),
		job.ExtractedText,
		job.VisualizationURL,
		job.WordCount,
		job.ConfidenceScore,
		job.ProcessingTime,
		job.ErrorMessage,
		job.CreatedAt.UnixMilli(),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

const selectColumns = `analysis_id, filename, engine, status, extracted_text, visualization_url,
	word_count, confidence_score, processing_time, error_message, created_at, completed_at`

// Get returns the snapshot for an exact analysis id.
func (s *Store) Get(ctx context.Context, analysisID string) (*analysis.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM analyses WHERE analysis_id = ?`, analysisID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load history entry: %w", err)
	}
	return job, nil
}

// Recent returns the newest n snapshots, most recent first.
func (s *Store) Recent(ctx context.Context, n int) ([]analysis.Job, error) {
	if n <= 0 {
		n = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM analyses
		 ORDER BY COALESCE(completed_at, created_at) DESC, analysis_id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analysis.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ResolveID resolves a full id or unique prefix to the stored analysis id.
// Allows table-friendly short ids on the command line.
func (s *Store) ResolveID(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("analysis_id is required")
	}

	// Exact match first.
	if _, err := s.Get(ctx, input); err == nil {
		return input, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT analysis_id FROM analyses WHERE analysis_id LIKE ? || '%' LIMIT 3`, input)
	if err != nil {
		return "", fmt.Errorf("resolve analysis id: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		matches = append(matches, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %q", ErrAmbiguousID, input)
	}
}

// Prune deletes snapshots completed before now-maxAge and returns the count.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("max age must be positive")
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM analyses WHERE COALESCE(completed_at, created_at) < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*analysis.Job, error) {
	var (
		job         analysis.Job
		engine      string
		status      string
		createdMs   int64
		completedMs sql.NullInt64
	)
	if err := row.Scan(
		&job.AnalysisID,
		&job.Filename,
		&engine,
		&status,
		&job.ExtractedText,
		&job.VisualizationURL,
		&job.WordCount,
		&job.ConfidenceScore,
		&job.ProcessingTime,
		&job.ErrorMessage,
		&createdMs,
		&completedMs,
	); err != nil {
		return nil, err
	}

	job.Engine = analysis.Engine(engine)
	job.Status = analysis.Status(status)
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64).UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}
