package manager

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crocs-muni/cert-validataion-stats/internal/analysis"
	"github.com/crocs-muni/cert-validataion-stats/internal/certdb"
	"github.com/crocs-muni/cert-validataion-stats/internal/dataset"
)

const testMethodName = "manager-test"

func init() {
	analysis.RegisterMethod(analysis.Method{
		Name: testMethodName,
		Fn: func(context.Context, []string, analysis.Options) []string {
			return []string{"0"}
		},
	})
}

func writeGzip(t *testing.T, path string, lines []string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	file, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(file)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, file.Close())
}

func testDate(t *testing.T) time.Time {
	t.Helper()
	date, err := time.Parse("20060102", "20200601")
	require.NoError(t, err)
	return date
}

// seedCollected writes a collected certs and hosts dataset pair into repo.
func seedCollected(t *testing.T, repo string, certLines, hostLines []string) {
	t.Helper()
	dir := filepath.Join(repo, "RAPID", "COLLECTED")
	writeGzip(t, filepath.Join(dir, "20200601_443_certs.gz"), certLines)
	writeGzip(t, filepath.Join(dir, "20200601_443_hosts.gz"), hostLines)
}

func newTestManager(t *testing.T, repo string, db certdb.DB) *Rapid {
	t.Helper()
	m, err := NewRapid(Config{
		Repository:      repo,
		Date:            testDate(t),
		Ports:           []string{"443"},
		Workers:         1,
		DB:              db,
		AnalysisMethods: []string{testMethodName},
	})
	require.NoError(t, err)
	return m
}

func TestParseTask(t *testing.T) {
	task, err := ParseTask("unify")
	require.NoError(t, err)
	assert.Equal(t, TaskUnify, task)

	_, err = ParseTask("explode")
	assert.Error(t, err)

	assert.Equal(t, "ANALYSE", TaskAnalyse.String())
}

func TestNewManagerFactory(t *testing.T) {
	repo := t.TempDir()

	m, err := NewManager(dataset.SourceRapid, Config{Repository: repo})
	require.NoError(t, err)
	assert.Equal(t, dataset.SourceRapid, m.Source())

	_, err = NewManager(dataset.SourceCensys, Config{Repository: repo})
	assert.Error(t, err)

	_, err = NewManager(dataset.Source("BOGUS"), Config{Repository: repo})
	assert.Error(t, err)
}

func TestNewRapidRequiresRepository(t *testing.T) {
	_, err := NewRapid(Config{})
	assert.Error(t, err)
}

func TestUnify(t *testing.T) {
	repo := t.TempDir()
	seedCollected(t, repo,
		[]string{"aabbcc,TUlJQg==", "ddeeff,TUlJQw=="},
		[]string{"10.0.0.1,aabbcc", "10.0.0.1,ddeeff", "10.0.0.2,000000"})

	db, err := certdb.NewFileDB(t.TempDir())
	require.NoError(t, err)
	m := newTestManager(t, repo, db)

	unified, err := m.Unify(context.Background())
	require.NoError(t, err)
	require.Len(t, unified, 1)

	unifiedDir := filepath.Join(repo, "RAPID", "UNIFIED")
	assert.FileExists(t, filepath.Join(unifiedDir, "20200601_443_chains.gz"))
	assert.FileExists(t, filepath.Join(unifiedDir, "20200601_443_broken_chains.gz"))
	assert.FileExists(t, filepath.Join(unifiedDir, "20200601_443_chains.log"))

	// Certificates are inserted but not yet committed outside a pipeline run.
	assert.True(t, db.ExistsAll([]string{"aabbcc", "ddeeff"}))
}

func TestUnifyRollsBackOnCertsFailure(t *testing.T) {
	repo := t.TempDir()
	seedCollected(t, repo,
		[]string{"aabbcc,TUlJQg==", "malformed-line"},
		[]string{"10.0.0.1,aabbcc"})

	db, err := certdb.NewFileDB(t.TempDir())
	require.NoError(t, err)
	m := newTestManager(t, repo, db)

	_, err = m.Unify(context.Background())
	require.Error(t, err)
	assert.False(t, db.Exists("aabbcc"))
}

func TestUnifyCommitsOnHostsFailure(t *testing.T) {
	repo := t.TempDir()
	seedCollected(t, repo,
		[]string{"aabbcc,TUlJQg=="},
		[]string{"malformed-line"})

	db, err := certdb.NewFileDB(t.TempDir())
	require.NoError(t, err)
	m := newTestManager(t, repo, db)

	_, err = m.Unify(context.Background())
	require.Error(t, err)
	// Parsed certificates survive so the certs pass does not have to rerun.
	assert.True(t, db.Exists("aabbcc"))
}

func TestUnifySkipsMissingDatasets(t *testing.T) {
	db, err := certdb.NewFileDB(t.TempDir())
	require.NoError(t, err)
	m := newTestManager(t, t.TempDir(), db)

	unified, err := m.Unify(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unified)
}

func TestRunPipelineUnifyAnalyse(t *testing.T) {
	repo := t.TempDir()
	seedCollected(t, repo,
		[]string{"aabbcc,TUlJQg==", "ddeeff,TUlJQw=="},
		[]string{"10.0.0.1,aabbcc", "10.0.0.1,ddeeff"})

	storage := t.TempDir()
	db, err := certdb.NewFileDB(storage)
	require.NoError(t, err)
	m := newTestManager(t, repo, db)

	// Out of order on purpose, Run sorts the pipeline.
	require.NoError(t, m.Run(context.Background(), []Task{TaskAnalyse, TaskUnify}))

	csv := filepath.Join(repo, "RAPID", "ANALYSED", "20200601_443.csv")
	require.FileExists(t, csv)
	content, err := os.ReadFile(csv)
	require.NoError(t, err)
	assert.Contains(t, string(content), "10.0.0.1, 0, aabbcc -> ddeeff")

	// The pipeline committed the store at the end.
	assert.FileExists(t, filepath.Join(storage, "certs", "aa", "aabb.zip"))
}

func TestAnalyseWithoutUnifiedDataset(t *testing.T) {
	db, err := certdb.NewFileDB(t.TempDir())
	require.NoError(t, err)
	m := newTestManager(t, t.TempDir(), db)

	analysed, err := m.Analyse(context.Background())
	require.NoError(t, err)
	assert.Empty(t, analysed)
}

func TestFilterNotImplemented(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	_, err := m.Filter(context.Background())
	assert.Error(t, err)
}
