// Package dataset models certificate datasets stored in a file-system
// repository.
//
// A dataset is identified by source, state and a filename built from a date
// identifier, an optional port and an optional suffix. The full path template
// is {repository}/{source}/{state}/{date}[_{port}][_{suffix}].{extension}.
package dataset

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	cevasterrors "github.com/crocs-muni/cert-validataion-stats/internal/errors"
	"github.com/crocs-muni/cert-validataion-stats/internal/logfields"
)

// Source identifies where a dataset was obtained from.
type Source string

const (
	SourceRapid  Source = "RAPID"
	SourceCensys Source = "CENSYS"
)

// Sources lists all supported sources in a stable order.
func Sources() []Source {
	return []Source{SourceRapid, SourceCensys}
}

// ParseSource converts a string to a Source.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToUpper(s))
	if !src.Valid() {
		return "", cevasterrors.DatasetInvalid(fmt.Sprintf("dataset source %q is not valid", s))
	}
	return src, nil
}

// Valid reports whether the source is supported.
func (s Source) Valid() bool {
	switch s {
	case SourceRapid, SourceCensys:
		return true
	}
	return false
}

func (s Source) String() string { return string(s) }

// State describes how far a dataset has progressed through the pipeline.
type State string

const (
	// StateCollected means the dataset is available in raw format.
	StateCollected State = "COLLECTED"
	// StateFiltered means the dataset was filtered.
	StateFiltered State = "FILTERED"
	// StateUnified means the dataset was unified to the internal format and
	// its certificates were stored in the certificate store.
	StateUnified State = "UNIFIED"
	// StateAnalysed means the dataset was run through analysis.
	StateAnalysed State = "ANALYSED"
)

// States lists all states in pipeline order.
func States() []State {
	return []State{StateCollected, StateFiltered, StateUnified, StateAnalysed}
}

// ParseState converts a string to a State.
func ParseState(s string) (State, error) {
	state := State(strings.ToUpper(s))
	if !state.Valid() {
		return "", cevasterrors.DatasetInvalid(fmt.Sprintf("dataset state %q is not valid", s))
	}
	return state, nil
}

// Valid reports whether the state is supported.
func (s State) Valid() bool {
	switch s {
	case StateCollected, StateFiltered, StateUnified, StateAnalysed:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

var fullPathRegexp = regexp.MustCompile(
	`^(?P<repo>\S+)[/\\](?P<source>\S+)[/\\](?P<state>\S+)[/\\](?P<date>\d{8})(_(?P<port>\d+))?(_\S+)?\.(?P<ext>\S+)$`)

// Dataset is a handle to a single dataset in a repository. The source, date
// and port are static identifiers; state is resolved per operation.
type Dataset struct {
	repository string
	source     Source
	dateID     string
	port       string
	extension  string
}

// New creates a dataset handle. The repository directory must exist.
func New(repository string, source Source, dateID, port string) (*Dataset, error) {
	if _, err := os.Stat(repository); err != nil {
		return nil, cevasterrors.DatasetInvalid(fmt.Sprintf("repository %s not found", repository))
	}
	abs, err := filepath.Abs(repository)
	if err != nil {
		return nil, fmt.Errorf("resolve repository path: %w", err)
	}
	if !source.Valid() {
		return nil, cevasterrors.DatasetInvalid(fmt.Sprintf("dataset source %q is not valid", source))
	}
	return &Dataset{
		repository: abs,
		source:     source,
		dateID:     dateID,
		port:       port,
		extension:  "gz",
	}, nil
}

// FromFullPath parses a dataset handle out of a full dataset path.
func FromFullPath(path string) (*Dataset, error) {
	match := fullPathRegexp.FindStringSubmatch(path)
	if match == nil {
		return nil, cevasterrors.DatasetInvalid(fmt.Sprintf("path %q does not match the dataset path template", path))
	}
	groups := make(map[string]string)
	for i, name := range fullPathRegexp.SubexpNames() {
		if name != "" {
			groups[name] = match[i]
		}
	}
	src, err := ParseSource(groups["source"])
	if err != nil {
		return nil, err
	}
	d, err := New(groups["repo"], src, groups["date"], groups["port"])
	if err != nil {
		return nil, err
	}
	d.extension = groups["ext"]
	return d, nil
}

// FormatFilename joins the date, port and suffix parts of a dataset filename.
func FormatFilename(date, port, suffix string) string {
	parts := []string{date}
	if port != "" {
		parts = append(parts, port)
	}
	if suffix != "" {
		parts = append(parts, suffix)
	}
	return strings.Join(parts, "_")
}

func (d *Dataset) Source() string    { return string(d.source) }
func (d *Dataset) Date() string      { return d.dateID }
func (d *Dataset) Port() string      { return d.port }
func (d *Dataset) Extension() string { return d.extension }

// StaticFilename returns the static part of the dataset filename.
func (d *Dataset) StaticFilename() string {
	return FormatFilename(d.dateID, d.port, "")
}

// Path returns the directory holding the dataset in the given state. With
// physically set, the directory is created when missing.
func (d *Dataset) Path(state State, physically bool) (string, error) {
	if !state.Valid() {
		return "", cevasterrors.DatasetInvalid(fmt.Sprintf("dataset state %q is not valid", state))
	}
	path := filepath.Join(d.repository, string(d.source), string(state))
	if physically {
		if _, err := os.Stat(path); err != nil {
			slog.Info("Dataset path does not exist yet, will be created", logfields.Path(path))
			if err := os.MkdirAll(path, 0o750); err != nil {
				return "", fmt.Errorf("create dataset path: %w", err)
			}
		}
	}
	return path, nil
}

// FullPath returns the full path of the dataset file in the given state,
// including an optional suffix. With physically set, the state directory is
// created when missing.
func (d *Dataset) FullPath(state State, suffix string, physically bool) (string, error) {
	dir, err := d.Path(state, physically)
	if err != nil {
		return "", err
	}
	filename := FormatFilename(d.dateID, d.port, suffix)
	return filepath.Join(dir, filename+"."+d.extension), nil
}

// Exists reports whether any dataset file exists in the given state.
func (d *Dataset) Exists(state State) bool {
	dir, err := d.Path(state, false)
	if err != nil {
		return false
	}
	return len(filesWithPrefix(dir, d.StaticFilename(), true)) > 0
}

// ExistsAny reports whether the dataset exists in any state.
func (d *Dataset) ExistsAny() bool {
	for _, state := range States() {
		if d.Exists(state) {
			return true
		}
	}
	return false
}

// Get lists dataset files in the given state matching the identifiers and an
// optional suffix. With fullPath set, absolute paths are returned instead of
// bare names.
func (d *Dataset) Get(state State, suffix string, fullPath bool) []string {
	dir, err := d.Path(state, false)
	if err != nil {
		return nil
	}
	return filesWithPrefix(dir, FormatFilename(d.dateID, d.port, suffix), !fullPath)
}

// Delete removes the dataset files of the given state. An emptied state
// directory is removed as well.
func (d *Dataset) Delete(state State) error {
	dir, err := d.Path(state, false)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	for _, file := range filesWithPrefix(dir, d.StaticFilename(), false) {
		slog.Debug("Deleting dataset file", logfields.Path(file))
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("delete dataset file: %w", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		slog.Info("No more datasets in state, directory will be deleted", logfields.State(string(state)))
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("remove empty state directory: %w", err)
		}
	}
	return nil
}

// Purge removes all datasets of the source from the repository.
func (d *Dataset) Purge() error {
	return os.RemoveAll(filepath.Join(d.repository, string(d.source)))
}

// Move places a file into the dataset's directory of the given state. With
// formatName set, the file is renamed to the dataset naming scheme with its
// original name as suffix.
func (d *Dataset) Move(state State, source string, formatName bool) error {
	if _, err := os.Stat(source); err != nil {
		return nil
	}
	dir, err := d.Path(state, true)
	if err != nil {
		return err
	}
	filename := filepath.Base(source)
	if formatName {
		filename = FormatFilename(d.dateID, d.port, filename)
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return fmt.Errorf("resolve source path: %w", err)
	}
	if err := os.Rename(abs, filepath.Join(dir, filename)); err != nil {
		return fmt.Errorf("move dataset file: %w", err)
	}
	return nil
}

// Equal compares the static identifiers of two datasets.
func (d *Dataset) Equal(other *Dataset) bool {
	if other == nil {
		return false
	}
	return d.source == other.source && d.dateID == other.dateID && d.port == other.port
}

func (d *Dataset) String() string {
	return filepath.Join(d.repository, string(d.source), "{}", d.StaticFilename())
}

// filesWithPrefix returns files in dir whose name starts with prefix, sorted
// by name. ReadDir already sorts.
func filesWithPrefix(dir, prefix string, nameOnly bool) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if nameOnly {
			files = append(files, e.Name())
		} else {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}
