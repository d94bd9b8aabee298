package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/crocs-muni/cert-validataion-stats/internal/analysis"
	"github.com/crocs-muni/cert-validataion-stats/internal/certdb"
	"github.com/crocs-muni/cert-validataion-stats/internal/dataset"
	"github.com/crocs-muni/cert-validataion-stats/internal/dataset/collector"
	"github.com/crocs-muni/cert-validataion-stats/internal/dataset/unifier"
	cevasterrors "github.com/crocs-muni/cert-validataion-stats/internal/errors"
	"github.com/crocs-muni/cert-validataion-stats/internal/logfields"
	"github.com/crocs-muni/cert-validataion-stats/internal/metrics"
)

// Dataset file suffixes used by the RAPID pipeline.
const (
	suffixCerts        = "certs"
	suffixHosts        = "hosts"
	suffixChains       = "chains"
	suffixBrokenChains = "broken_chains"
)

// Config carries everything a manager needs to run its pipeline.
type Config struct {
	// Repository is the dataset repository root.
	Repository string
	// Date identifies the dataset, the newest dataset not after this date.
	Date time.Time
	// Ports narrow the datasets to the given application ports.
	Ports []string
	// Workers bounds pipeline parallelism.
	Workers int
	// APIKey authenticates against the source's download API.
	APIKey string
	// DB is the certificate store filled during unification and read during
	// analysis.
	DB certdb.DB
	// AnalysisMethods names the analytical methods to run, empty meaning all
	// available.
	AnalysisMethods []string
	// AnalysisOptions are passed to every analytical method.
	AnalysisOptions analysis.Options
	// ExportDir is the analysis certificate scratch directory.
	ExportDir string
	// CollectorOptions tune the dataset collector.
	CollectorOptions []collector.Option
	// Metrics receives pipeline counters. Optional.
	Metrics metrics.Recorder
}

func init() {
	RegisterFactory(dataset.SourceRapid, func(cfg Config) (Manager, error) {
		return NewRapid(cfg)
	})
}

// Rapid is the Manager of the RAPID dataset source.
type Rapid struct {
	cfg    Config
	dateID string
}

// NewRapid creates a RAPID dataset manager.
func NewRapid(cfg Config) (*Rapid, error) {
	if cfg.Repository == "" {
		return nil, cevasterrors.ConfigRequired("repository")
	}
	if cfg.Date.IsZero() {
		cfg.Date = time.Now()
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = []string{"443"}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoopRecorder{}
	}
	m := &Rapid{cfg: cfg, dateID: cfg.Date.Format("20060102")}
	slog.Info("Rapid dataset manager initialized",
		slog.String("repository", cfg.Repository),
		slog.String("date", m.dateID), slog.Any("ports", cfg.Ports))
	return m, nil
}

func (m *Rapid) Source() dataset.Source { return dataset.SourceRapid }

// Run executes the tasks as a pipeline in task order. Datasets produced by
// one task feed the next; the certificate store is committed once the whole
// pipeline succeeds.
func (m *Rapid) Run(ctx context.Context, tasks []Task) error {
	ordered := make([]Task, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	slog.Info("Started task pipeline", slog.Any("tasks", taskNames(ordered)))

	var collected, unified []*dataset.Dataset
	var err error
	for _, task := range ordered {
		slog.Info("Run task", logfields.Task(task.String()))
		switch task {
		case TaskCollect:
			collected, err = m.Collect(ctx)
		case TaskFilter:
			_, err = m.Filter(ctx)
		case TaskUnify:
			if collected != nil {
				unified, err = m.unify(ctx, collected)
			} else {
				unified, err = m.Unify(ctx)
			}
		case TaskAnalyse:
			if unified != nil {
				_, err = m.analyse(ctx, unified)
			} else {
				_, err = m.Analyse(ctx)
			}
		default:
			err = cevasterrors.ValidationFailed("task", fmt.Sprintf("unknown task %d", task))
		}
		if err != nil {
			return err
		}
	}

	if m.cfg.DB != nil {
		if _, _, err := m.cfg.DB.Commit(ctx); err != nil {
			return err
		}
	}
	slog.Info("Task pipeline finished")
	return nil
}

// Collect downloads the newest datasets by the configured date.
func (m *Rapid) Collect(ctx context.Context) ([]*dataset.Dataset, error) {
	slog.Info("Collecting started")
	opts := append([]collector.Option{collector.WithMetrics(m.cfg.Metrics)}, m.cfg.CollectorOptions...)
	c, err := collector.NewRapid(m.cfg.APIKey, opts...)
	if err != nil {
		return nil, err
	}
	// A dataset without a port stands for the whole COLLECTED directory.
	target, err := dataset.New(m.cfg.Repository, dataset.SourceRapid, m.dateID, "")
	if err != nil {
		return nil, err
	}
	downloadDir, err := target.Path(dataset.StateCollected, true)
	if err != nil {
		return nil, err
	}
	paths, err := c.Collect(ctx, downloadDir, m.cfg.Date, m.cfg.Ports, []string{suffixHosts, suffixCerts})
	if err != nil {
		return nil, err
	}

	// The same dataset may come back under several suffixes.
	var datasets []*dataset.Dataset
	for _, path := range paths {
		d, err := dataset.FromFullPath(path)
		if err != nil {
			slog.Warn("Skipping unrecognized collected file", logfields.Path(path), logfields.Error(err))
			continue
		}
		if !containsDataset(datasets, d) {
			datasets = append(datasets, d)
		}
	}
	slog.Info("Collecting finished", logfields.Count(len(datasets)))
	return datasets, nil
}

// Filter is not implemented for the RAPID source.
func (m *Rapid) Filter(_ context.Context) ([]*dataset.Dataset, error) {
	return nil, cevasterrors.ValidationFailed("task", "FILTER is not implemented for the RAPID source")
}

// Unify unifies the configured datasets.
func (m *Rapid) Unify(ctx context.Context) ([]*dataset.Dataset, error) {
	datasets, err := m.initDatasets()
	if err != nil {
		return nil, err
	}
	return m.unify(ctx, datasets)
}

// Analyse analyses the configured datasets.
func (m *Rapid) Analyse(ctx context.Context) ([]*dataset.Dataset, error) {
	datasets, err := m.initDatasets()
	if err != nil {
		return nil, err
	}
	return m.analyse(ctx, datasets)
}

func (m *Rapid) initDatasets() ([]*dataset.Dataset, error) {
	datasets := make([]*dataset.Dataset, 0, len(m.cfg.Ports))
	for _, port := range m.cfg.Ports {
		d, err := dataset.New(m.cfg.Repository, dataset.SourceRapid, m.dateID, port)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, d)
	}
	return datasets, nil
}

// initUnifier builds a unifier for a dataset, or returns nil when the
// collected files are missing.
func (m *Rapid) initUnifier(d *dataset.Dataset) (*unifier.Rapid, error) {
	certsFile, err := collectedFile(d, suffixCerts)
	if err != nil || certsFile == "" {
		return nil, err
	}
	hostsFile, err := collectedFile(d, suffixHosts)
	if err != nil || hostsFile == "" {
		return nil, err
	}
	chainFile, err := d.FullPath(dataset.StateUnified, suffixChains, true)
	if err != nil {
		return nil, err
	}
	brokenFile, err := d.FullPath(dataset.StateUnified, suffixBrokenChains, true)
	if err != nil {
		return nil, err
	}
	slog.Info("Will unify dataset", logfields.Dataset(d.StaticFilename()))
	return unifier.NewRapid(certsFile, hostsFile, chainFile, brokenFile)
}

// unify feeds certificates of all datasets into the store first, then builds
// the host chain files. A failure in the certs pass rolls the open
// transaction back; a failure in the hosts pass commits what was stored so
// the certificates don't have to be parsed again.
func (m *Rapid) unify(ctx context.Context, datasets []*dataset.Dataset) ([]*dataset.Dataset, error) {
	if m.cfg.DB == nil {
		return nil, cevasterrors.ConfigRequired("certdb")
	}
	slog.Info("Unifying started")

	var unifiable []*dataset.Dataset
	var unifiers []*unifier.Rapid
	for _, d := range datasets {
		u, err := m.initUnifier(d)
		if err != nil {
			slog.Error("Collected dataset not found", logfields.Dataset(d.StaticFilename()), logfields.Error(err))
			continue
		}
		if u == nil {
			continue
		}
		unifiers = append(unifiers, u)
		unifiable = append(unifiable, d)
	}

	for i, u := range unifiers {
		if err := u.StoreCerts(ctx, m.cfg.DB); err != nil {
			slog.Error("Error during certs dataset parsing, rolling back", logfields.Error(err))
			if rbErr := m.cfg.DB.Rollback(); rbErr != nil {
				slog.Error("Rollback failed", logfields.Error(rbErr))
			}
			return nil, cevasterrors.UnificationFailed(unifiable[i].StaticFilename(), err)
		}
	}
	for i, u := range unifiers {
		if err := u.StoreChains(ctx, m.cfg.DB); err != nil {
			slog.Error("Error during hosts dataset parsing, committing stored certificates", logfields.Error(err))
			if _, _, cErr := m.cfg.DB.Commit(ctx); cErr != nil {
				slog.Error("Commit failed", logfields.Error(cErr))
			}
			return nil, cevasterrors.UnificationFailed(unifiable[i].StaticFilename(), err)
		}
		logFile := strings.TrimSuffix(u.ChainFile(), filepath.Ext(u.ChainFile())) + ".log"
		if err := u.SaveLog(logFile); err != nil {
			return nil, cevasterrors.UnificationFailed(unifiable[i].StaticFilename(), err)
		}
		l := u.Log()
		m.cfg.Metrics.AddCertsStored(l.TotalCerts)
		m.cfg.Metrics.AddChains(false, l.TotalHosts)
		if l.BrokenChains >= 0 {
			m.cfg.Metrics.AddChains(true, l.BrokenChains)
		}
	}

	slog.Info("Unifying finished", logfields.Count(len(unifiable)))
	return unifiable, nil
}

// analyse streams host chains of each unified dataset through a chain
// validator.
func (m *Rapid) analyse(ctx context.Context, datasets []*dataset.Dataset) ([]*dataset.Dataset, error) {
	if m.cfg.DB == nil {
		return nil, cevasterrors.ConfigRequired("certdb")
	}
	methods, err := analysis.Methods(m.cfg.AnalysisMethods)
	if err != nil {
		return nil, err
	}
	slog.Info("Analysis started")

	var analysable []*dataset.Dataset
	for _, d := range datasets {
		chainFile, err := d.FullPath(dataset.StateUnified, suffixChains, false)
		if err != nil {
			return nil, err
		}
		if !fileExists(chainFile) {
			continue
		}
		outDir, err := d.Path(dataset.StateAnalysed, true)
		if err != nil {
			return nil, err
		}
		output := filepath.Join(outDir, d.StaticFilename())

		v, err := analysis.NewChainValidator(ctx, output, m.cfg.Workers, analysis.ChainValidatorConfig{
			DB:        m.cfg.DB,
			ExportDir: m.cfg.ExportDir,
			Methods:   methods,
			Options:   m.cfg.AnalysisOptions,
			Metrics:   m.cfg.Metrics,
		})
		if err != nil {
			return nil, cevasterrors.AnalysisFailed(d.StaticFilename(), err)
		}
		slog.Info("Will analyse dataset", logfields.Dataset(d.StaticFilename()))
		err = unifier.ReadChains(ctx, chainFile, v.Schedule)
		if doneErr := v.Done(); err == nil {
			err = doneErr
		}
		if err != nil {
			return nil, cevasterrors.AnalysisFailed(d.StaticFilename(), err)
		}
		analysable = append(analysable, d)
		slog.Info("Dataset analysis finished", logfields.Dataset(d.StaticFilename()))
	}

	slog.Info("Analysis finished", logfields.Count(len(analysable)))
	return analysable, nil
}

func collectedFile(d *dataset.Dataset, suffix string) (string, error) {
	path, err := d.FullPath(dataset.StateCollected, suffix, false)
	if err != nil {
		return "", err
	}
	if !fileExists(path) {
		return "", nil
	}
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func containsDataset(datasets []*dataset.Dataset, d *dataset.Dataset) bool {
	for _, existing := range datasets {
		if existing.Equal(d) {
			return true
		}
	}
	return false
}

func taskNames(tasks []Task) []string {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.String()
	}
	return names
}
