// Package daemon runs the dataset pipeline continuously. A scheduler fires
// pipeline runs at the configured interval, the configuration file is watched
// for changes and pipeline metrics are served over HTTP.
package daemon

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/crocs-muni/cert-validataion-stats/internal/analysis"
	"github.com/crocs-muni/cert-validataion-stats/internal/certdb"
	"github.com/crocs-muni/cert-validataion-stats/internal/config"
	"github.com/crocs-muni/cert-validataion-stats/internal/dataset"
	"github.com/crocs-muni/cert-validataion-stats/internal/dataset/collector"
	"github.com/crocs-muni/cert-validataion-stats/internal/dataset/manager"
	cevasterrors "github.com/crocs-muni/cert-validataion-stats/internal/errors"
	"github.com/crocs-muni/cert-validataion-stats/internal/logfields"
	"github.com/crocs-muni/cert-validataion-stats/internal/metrics"
	"github.com/crocs-muni/cert-validataion-stats/internal/runstore"
)

// Daemon drives periodic RAPID pipeline runs.
type Daemon struct {
	configPath string

	mu  sync.RWMutex
	cfg *config.Config

	registry *prom.Registry
	recorder metrics.Recorder
	store    runstore.Store

	scheduler gocron.Scheduler
	jobID     uuid.UUID
	watcher   *ConfigWatcher
	http      *httpServer
	baseCtx   context.Context

	runMu      sync.Mutex
	lastMu     sync.Mutex
	lastRunAt  time.Time
	lastRunErr string
	startedAt  time.Time
}

// New loads the configuration file and assembles a daemon around it.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	registry := prom.NewRegistry()
	d := &Daemon{
		configPath: configPath,
		cfg:        cfg,
		registry:   registry,
		recorder:   metrics.NewPrometheusRecorder(registry),
	}

	if cfg.RunStore.Path != "" {
		store, err := runstore.NewSQLiteStore(cfg.RunStore.Path)
		if err != nil {
			return nil, err
		}
		d.store = store
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, cevasterrors.Wrap(err, cevasterrors.CategoryDaemon, cevasterrors.SeverityFatal, "failed to create scheduler")
	}
	d.scheduler = scheduler

	watcher, err := NewConfigWatcher(configPath, d)
	if err != nil {
		return nil, err
	}
	d.watcher = watcher

	return d, nil
}

// Start schedules the pipeline job, starts the configuration watcher and the
// metrics endpoint. It does not block.
func (d *Daemon) Start(ctx context.Context) error {
	cfg := d.GetConfig()
	d.baseCtx = ctx
	d.startedAt = time.Now()

	job, err := d.scheduler.NewJob(
		gocron.DurationJob(cfg.Daemon.Interval),
		gocron.NewTask(d.runScheduled),
		gocron.WithName("rapid-pipeline"),
	)
	if err != nil {
		return cevasterrors.Wrap(err, cevasterrors.CategoryDaemon, cevasterrors.SeverityFatal, "failed to schedule pipeline job")
	}
	d.jobID = job.ID()

	slog.Info("Starting daemon",
		slog.Duration("interval", cfg.Daemon.Interval),
		slog.String("repository", cfg.Repository))
	d.scheduler.Start()

	if err := d.watcher.Start(ctx); err != nil {
		return err
	}

	if cfg.Daemon.MetricsListen != "" {
		srv, err := newHTTPServer(cfg.Daemon.MetricsListen, d)
		if err != nil {
			return err
		}
		d.http = srv
	}
	return nil
}

// Stop shuts the scheduler, watcher, HTTP endpoint and run store down.
func (d *Daemon) Stop(ctx context.Context) error {
	slog.Info("Stopping daemon")
	var errs []error
	if err := d.scheduler.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := d.watcher.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if d.http != nil {
		if err := d.http.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Stop(stopCtx)
}

// GetConfig returns the active configuration.
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// ReloadConfig swaps the active configuration and reschedules the pipeline
// job when the interval changed.
func (d *Daemon) ReloadConfig(_ context.Context, newCfg *config.Config) error {
	d.mu.Lock()
	oldInterval := d.cfg.Daemon.Interval
	d.cfg = newCfg
	d.mu.Unlock()

	if newCfg.Daemon.Interval != oldInterval && d.jobID != uuid.Nil {
		job, err := d.scheduler.Update(
			d.jobID,
			gocron.DurationJob(newCfg.Daemon.Interval),
			gocron.NewTask(d.runScheduled),
			gocron.WithName("rapid-pipeline"),
		)
		if err != nil {
			return cevasterrors.Wrap(err, cevasterrors.CategoryDaemon, cevasterrors.SeverityError, "failed to reschedule pipeline job")
		}
		d.jobID = job.ID()
		slog.Info("Pipeline interval updated", slog.Duration("interval", newCfg.Daemon.Interval))
	}
	return nil
}

func (d *Daemon) runScheduled() {
	ctx := d.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.RunPipeline(ctx); err != nil {
		slog.Error("Scheduled pipeline run failed", logfields.Error(err))
	}
}

// RunPipeline executes one full pipeline run, recording per task metrics and
// the run history. Only one run is active at a time.
func (d *Daemon) RunPipeline(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	cfg := d.GetConfig()

	db, err := certdb.NewFileDB(cfg.CertDB.Storage, certdb.WithWorkers(cfg.CertDB.Workers))
	if err != nil {
		return err
	}
	mgr, err := manager.NewRapid(manager.Config{
		Repository:      cfg.Repository,
		Ports:           cfg.Collector.Ports,
		Workers:         cfg.Analysis.Workers,
		APIKey:          cfg.RapidAPIKey(),
		DB:              db,
		AnalysisMethods: cfg.Analysis.Methods,
		AnalysisOptions: analysisOptions(cfg),
		ExportDir:       cfg.Analysis.ExportDir,
		CollectorOptions: []collector.Option{
			collector.WithRetryPolicy(cfg.Collector.Retry.Policy()),
		},
		Metrics: d.recorder,
	})
	if err != nil {
		return err
	}

	runID := d.beginRun(ctx, cfg)
	var runErr error
	for _, task := range pipelineTasks(cfg) {
		start := time.Now()
		err := mgr.Run(ctx, []manager.Task{task})
		d.recorder.ObserveTaskDuration(task.String(), time.Since(start))
		d.recorder.IncTaskResult(task.String(), resultLabel(err))
		d.recordTaskEvent(ctx, runID, task, err)
		if err != nil {
			runErr = err
			break
		}
	}
	d.finishRun(ctx, runID, runErr)
	d.updateQuota(ctx, cfg)

	d.lastMu.Lock()
	d.lastRunAt = time.Now()
	d.lastRunErr = ""
	if runErr != nil {
		d.lastRunErr = runErr.Error()
	}
	d.lastMu.Unlock()
	return runErr
}

// pipelineTasks derives the scheduled tasks from the configuration. Unify
// implies the downstream analysis as well.
func pipelineTasks(cfg *config.Config) []manager.Task {
	tasks := []manager.Task{manager.TaskCollect}
	if cfg.Daemon.Unify {
		tasks = append(tasks, manager.TaskUnify, manager.TaskAnalyse)
	}
	return tasks
}

func analysisOptions(cfg *config.Config) analysis.Options {
	return analysis.Options{
		TrustStore:    cfg.Analysis.TrustStore,
		ReferenceTime: cfg.Analysis.ReferenceTime,
	}
}

func resultLabel(err error) metrics.ResultLabel {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return metrics.ResultCanceled
	}
	return metrics.ResultFailure
}

func (d *Daemon) beginRun(ctx context.Context, cfg *config.Config) string {
	if d.store == nil {
		return ""
	}
	runID, err := d.store.BeginRun(ctx, string(dataset.SourceRapid), time.Now().Format("20060102"), cfg.Collector.Ports)
	if err != nil {
		slog.Error("Failed to record run start", logfields.Error(err))
		return ""
	}
	return runID
}

func (d *Daemon) recordTaskEvent(ctx context.Context, runID string, task manager.Task, taskErr error) {
	if d.store == nil || runID == "" {
		return
	}
	outcome := runstore.OutcomeSuccess
	if taskErr != nil {
		outcome = runstore.OutcomeFailure
	}
	if err := d.store.AppendTaskEvent(ctx, runID, task.String(), outcome, nil); err != nil {
		slog.Error("Failed to record task event", logfields.RunID(runID), logfields.Error(err))
	}
}

func (d *Daemon) finishRun(ctx context.Context, runID string, runErr error) {
	if d.store == nil || runID == "" {
		return
	}
	outcome := runstore.OutcomeSuccess
	errMsg := ""
	if runErr != nil {
		outcome = runstore.OutcomeFailure
		errMsg = runErr.Error()
	}
	if err := d.store.FinishRun(ctx, runID, outcome, errMsg); err != nil {
		slog.Error("Failed to record run finish", logfields.RunID(runID), logfields.Error(err))
	}
}

// updateQuota refreshes the download quota gauge. Best effort, quota is not
// required for the pipeline itself.
func (d *Daemon) updateQuota(ctx context.Context, cfg *config.Config) {
	key := cfg.RapidAPIKey()
	if key == "" {
		return
	}
	c, err := collector.NewRapid(key, collector.WithRetryPolicy(cfg.Collector.Retry.Policy()))
	if err != nil {
		return
	}
	left, err := c.QuotaLeft(ctx)
	if err != nil {
		slog.Debug("Quota lookup failed", logfields.Error(err))
		return
	}
	d.recorder.SetQuotaLeft(left)
}
