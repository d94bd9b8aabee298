package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run identifier is unknown.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-based run store.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		date_id TEXT NOT NULL,
		ports TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS task_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail BLOB,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_task_events_run_id ON task_events(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BeginRun records a new run and returns its identifier.
func (s *SQLiteStore) BeginRun(ctx context.Context, source, dateID string, ports []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (id, source, date_id, ports, outcome, started_at) VALUES (?, ?, ?, ?, ?, ?)",
		runID, source, dateID, strings.Join(ports, ","), OutcomeRunning, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return runID, nil
}

// FinishRun closes a run with its outcome.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID, outcome, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET outcome = ?, error = ?, finished_at = ? WHERE id = ?",
		outcome, errMsg, time.Now().Unix(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// AppendTaskEvent records one task outcome of a run.
func (s *SQLiteStore) AppendTaskEvent(ctx context.Context, runID, task, outcome string, detail []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_events (run_id, task, outcome, detail, timestamp) VALUES (?, ?, ?, ?, ?)",
		runID, task, outcome, detail, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

// GetRun retrieves a single run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, source, date_id, ports, outcome, error, started_at, finished_at FROM runs WHERE id = ?",
		runID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return run, err
}

// ListRuns retrieves the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, source, date_id, ports, outcome, error, started_at, finished_at FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return runs, nil
}

// ListRunsBetween retrieves runs started within [from, to], newest first.
func (s *SQLiteStore) ListRunsBetween(ctx context.Context, from, to time.Time) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, source, date_id, ports, outcome, error, started_at, finished_at FROM runs WHERE started_at BETWEEN ? AND ? ORDER BY started_at DESC, rowid DESC",
		from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return runs, nil
}

// GetTaskEvents retrieves all task events of a run in order.
func (s *SQLiteStore) GetTaskEvents(ctx context.Context, runID string) ([]TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, task, outcome, detail, timestamp FROM task_events WHERE run_id = ? ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var ts int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Task, &e.Outcome, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var errMsg sql.NullString
	var started int64
	var finished sql.NullInt64
	err := row.Scan(&run.ID, &run.Source, &run.DateID, &run.Ports,
		&run.Outcome, &errMsg, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Error = errMsg.String
	run.StartedAt = time.Unix(started, 0)
	if finished.Valid {
		run.FinishedAt = time.Unix(finished.Int64, 0)
	}
	return run, nil
}
