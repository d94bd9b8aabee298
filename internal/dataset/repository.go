package dataset

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	cevasterrors "github.com/crocs-muni/cert-validataion-stats/internal/errors"
)

// Repository wraps a whole dataset repository and provides an overview of its
// contents.
type Repository struct {
	root string
}

// NewRepository opens an existing repository directory.
func NewRepository(root string) (*Repository, error) {
	if root == "" {
		return nil, fmt.Errorf("dataset repository path is empty")
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("dataset repository %s not found", root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve repository path: %w", err)
	}
	return &Repository{root: abs}, nil
}

// Root returns the absolute repository path.
func (r *Repository) Root() string { return r.root }

// Get returns the repository contents as source -> state -> dataset names,
// filtered by the given options. Empty filters match everything; datasetID
// matches dataset name prefixes.
func (r *Repository) Get(source Source, state State, datasetID string) (map[Source]map[State][]string, error) {
	if source != "" && !source.Valid() {
		return nil, cevasterrors.DatasetInvalid(fmt.Sprintf("dataset source %q is not valid", source))
	}
	if state != "" && !state.Valid() {
		return nil, cevasterrors.DatasetInvalid(fmt.Sprintf("dataset state %q is not valid", state))
	}

	sources := Sources()
	if source != "" {
		sources = []Source{source}
	}
	states := States()
	if state != "" {
		states = []State{state}
	}

	out := make(map[Source]map[State][]string)
	for _, src := range sources {
		perState := make(map[State][]string)
		for _, st := range states {
			dir := filepath.Join(r.root, string(src), string(st))
			names := filesWithPrefix(dir, datasetID, true)
			if len(names) > 0 {
				perState[st] = names
			}
		}
		if len(perState) > 0 {
			out[src] = perState
		}
	}
	return out, nil
}

// Dump writes a formatted overview of the repository contents to w, filtered
// by the given options.
func (r *Repository) Dump(w io.Writer, source Source, state State, datasetID string) error {
	repo, err := r.Get(source, state, datasetID)
	if err != nil {
		return err
	}
	var b strings.Builder
	for _, src := range Sources() {
		perState, ok := repo[src]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%-8s: ", src)
		firstState := true
		for _, st := range States() {
			names, ok := perState[st]
			if !ok {
				continue
			}
			if !firstState {
				b.WriteString(strings.Repeat(" ", 10))
			}
			firstState = false
			fmt.Fprintf(&b, "%-10s: ", st)
			for i, name := range names {
				if i > 0 {
					b.WriteString(strings.Repeat(" ", 22))
				}
				b.WriteString(name)
				b.WriteByte('\n')
			}
		}
	}
	_, err = io.WriteString(w, b.String())
	return err
}

func (r *Repository) String() string {
	var b strings.Builder
	if err := r.Dump(&b, "", "", ""); err != nil {
		return ""
	}
	return b.String()
}
