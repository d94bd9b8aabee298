// Package manager orchestrates dataset pipelines: COLLECT, FILTER, UNIFY and
// ANALYSE tasks over a dataset repository.
package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/crocs-muni/cert-validataion-stats/internal/dataset"
	cevasterrors "github.com/crocs-muni/cert-validataion-stats/internal/errors"
)

// Task is a single pipeline step. Values are ordered the way a pipeline runs.
type Task int

const (
	TaskCollect Task = iota + 1
	TaskFilter
	TaskUnify
	TaskAnalyse
)

// Tasks lists all tasks in pipeline order.
func Tasks() []Task {
	return []Task{TaskCollect, TaskFilter, TaskUnify, TaskAnalyse}
}

func (t Task) String() string {
	switch t {
	case TaskCollect:
		return "COLLECT"
	case TaskFilter:
		return "FILTER"
	case TaskUnify:
		return "UNIFY"
	case TaskAnalyse:
		return "ANALYSE"
	}
	return fmt.Sprintf("Task(%d)", int(t))
}

// ParseTask converts a string to a Task.
func ParseTask(s string) (Task, error) {
	switch strings.ToUpper(s) {
	case "COLLECT":
		return TaskCollect, nil
	case "FILTER":
		return TaskFilter, nil
	case "UNIFY":
		return TaskUnify, nil
	case "ANALYSE":
		return TaskAnalyse, nil
	}
	return 0, cevasterrors.ValidationFailed("task", fmt.Sprintf("unknown task %q", s))
}

// Manager provides operations over datasets of one source. Operations can run
// independently or as a series through Run, which reuses the outcome of one
// task as the input of the next.
type Manager interface {
	// Source identifies the manager specialization.
	Source() dataset.Source

	// Run executes the given tasks as a pipeline in task order.
	Run(ctx context.Context, tasks []Task) error

	// Collect downloads datasets and returns them.
	Collect(ctx context.Context) ([]*dataset.Dataset, error)

	// Filter filters collected datasets.
	Filter(ctx context.Context) ([]*dataset.Dataset, error)

	// Unify turns collected datasets into the unified format and fills the
	// certificate store.
	Unify(ctx context.Context) ([]*dataset.Dataset, error)

	// Analyse runs analytical methods over unified datasets.
	Analyse(ctx context.Context) ([]*dataset.Dataset, error)
}

// Factory builds a manager for one source.
type Factory func(cfg Config) (Manager, error)

var factories = map[dataset.Source]Factory{}

// RegisterFactory binds a manager factory to a source.
func RegisterFactory(source dataset.Source, factory Factory) {
	factories[source] = factory
}

// NewManager instantiates the manager of the given source.
func NewManager(source dataset.Source, cfg Config) (Manager, error) {
	if !source.Valid() {
		return nil, cevasterrors.DatasetInvalid(fmt.Sprintf("dataset source %q is not valid", source))
	}
	factory, ok := factories[source]
	if !ok {
		return nil, cevasterrors.DatasetInvalid(fmt.Sprintf("dataset source %q has no manager", source))
	}
	return factory(cfg)
}
