// Package runstore persists pipeline run history.
package runstore

import (
	"context"
	"time"
)

// Run outcomes.
const (
	OutcomeRunning = "running"
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Run is one recorded pipeline run.
type Run struct {
	ID         string
	Source     string
	DateID     string
	Ports      string
	Outcome    string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TaskEvent is one task outcome within a run. Detail optionally carries a
// task-specific JSON payload, e.g. the unification summary.
type TaskEvent struct {
	ID        int64
	RunID     string
	Task      string
	Outcome   string
	Detail    []byte
	Timestamp time.Time
}

// Store defines the interface for persisting and retrieving pipeline runs.
type Store interface {
	// BeginRun records a new run and returns its identifier.
	BeginRun(ctx context.Context, source, dateID string, ports []string) (string, error)

	// FinishRun closes a run with its outcome and an optional error message.
	FinishRun(ctx context.Context, runID, outcome, errMsg string) error

	// AppendTaskEvent records one task outcome of a run.
	AppendTaskEvent(ctx context.Context, runID, task, outcome string, detail []byte) error

	// GetRun retrieves a single run.
	GetRun(ctx context.Context, runID string) (Run, error)

	// ListRuns retrieves the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// ListRunsBetween retrieves runs started within [from, to], newest first.
	ListRunsBetween(ctx context.Context, from, to time.Time) ([]Run, error)

	// GetTaskEvents retrieves all task events of a run in order.
	GetTaskEvents(ctx context.Context, runID string) ([]TaskEvent, error)

	// Close closes the store and releases resources.
	Close() error
}
