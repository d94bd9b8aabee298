package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crocs-muni/cert-validataion-stats/internal/config"
	"github.com/crocs-muni/cert-validataion-stats/internal/dataset/manager"
	"github.com/crocs-muni/cert-validataion-stats/internal/metrics"
	"github.com/crocs-muni/cert-validataion-stats/internal/runstore"
)

func writeConfigFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "cevast.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testConfigBody(dir string, extra string) string {
	return fmt.Sprintf(`repository: %s
certdb:
  storage: %s
daemon:
  interval: 1h
%s`, filepath.Join(dir, "repo"), filepath.Join(dir, "storage"), extra)
}

func newTestDaemon(t *testing.T, extra string) *Daemon {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "repo"), 0o750))
	path := writeConfigFile(t, dir, testConfigBody(dir, extra))

	d, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.Stop(context.Background())
	})
	return d
}

func TestNewRequiresConfigFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPipelineTasks(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, []manager.Task{manager.TaskCollect}, pipelineTasks(cfg))

	cfg.Daemon.Unify = true
	assert.Equal(t,
		[]manager.Task{manager.TaskCollect, manager.TaskUnify, manager.TaskAnalyse},
		pipelineTasks(cfg))
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, metrics.ResultSuccess, resultLabel(nil))
	assert.Equal(t, metrics.ResultCanceled, resultLabel(context.Canceled))
	assert.Equal(t, metrics.ResultCanceled, resultLabel(fmt.Errorf("run: %w", context.DeadlineExceeded)))
	assert.Equal(t, metrics.ResultFailure, resultLabel(fmt.Errorf("boom")))
}

func TestRunPipelineRecordsFailedRun(t *testing.T) {
	t.Setenv("RAPID_API_KEY", "")
	d := newTestDaemon(t, "run_store:\n  path: \":memory:\"\n")

	// No API key configured, so the COLLECT task fails immediately.
	err := d.RunPipeline(context.Background())
	require.Error(t, err)

	runs, err := d.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runstore.OutcomeFailure, runs[0].Outcome)
	assert.NotEmpty(t, runs[0].Error)

	events, err := d.store.GetTaskEvents(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, manager.TaskCollect.String(), events[0].Task)
	assert.Equal(t, runstore.OutcomeFailure, events[0].Outcome)
}

func TestReloadConfigSwapsConfiguration(t *testing.T) {
	d := newTestDaemon(t, "")
	newCfg := config.Default()
	newCfg.Repository = "/elsewhere"

	require.NoError(t, d.ReloadConfig(context.Background(), newCfg))
	assert.Equal(t, "/elsewhere", d.GetConfig().Repository)
}

func TestConfigWatcherReload(t *testing.T) {
	d := newTestDaemon(t, "")
	dir := filepath.Dir(d.configPath)
	body := testConfigBody(dir, "collector:\n  ports: [\"993\"]\n")
	require.NoError(t, os.WriteFile(d.configPath, []byte(body), 0o600))

	require.NoError(t, d.watcher.performReload(context.Background()))
	assert.Equal(t, []string{"993"}, d.GetConfig().Collector.Ports)
}

func TestConfigWatcherRejectsRunStoreChange(t *testing.T) {
	d := newTestDaemon(t, "")
	body := testConfigBody(filepath.Dir(d.configPath), "run_store:\n  path: \":memory:\"\n")
	require.NoError(t, os.WriteFile(d.configPath, []byte(body), 0o600))

	assert.Error(t, d.watcher.performReload(context.Background()))
}

func TestHTTPEndpoints(t *testing.T) {
	d := newTestDaemon(t, "  metrics_listen: \"127.0.0.1:0\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	require.NotNil(t, d.http)

	resp, err := http.Get("http://" + d.http.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)

	metricsResp, err := http.Get("http://" + d.http.Addr() + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)

	// Run history is disabled without a run store.
	runsResp, err := http.Get("http://" + d.http.Addr() + "/runs")
	require.NoError(t, err)
	defer runsResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, runsResp.StatusCode)
}

func TestStartSchedulesPipelineJob(t *testing.T) {
	d := newTestDaemon(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	assert.NotEqual(t, time.Time{}, d.startedAt)

	jobs := d.scheduler.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "rapid-pipeline", jobs[0].Name())
}
