package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cevasterrors "github.com/crocs-muni/cert-validataion-stats/internal/errors"
	"github.com/crocs-muni/cert-validataion-stats/internal/retry"
)

const testAPIKey = "test-key"

// newTestServer fakes the Open Data API: a dataset listing, per-dataset
// download URL resolution and the file content endpoint.
func newTestServer(t *testing.T, names []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	checkKey := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("X-Api-Key") != testAPIKey {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}

	mux.HandleFunc("/quota/", func(w http.ResponseWriter, r *http.Request) {
		if !checkKey(w, r) {
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"quota_allowed": 5, "quota_left": 3})
	})
	mux.HandleFunc("/studies/", func(w http.ResponseWriter, r *http.Request) {
		if !checkKey(w, r) {
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/studies/")
		if rest == "" {
			json.NewEncoder(w).Encode(map[string]any{"sonarfile_set": names})
			return
		}
		name := strings.TrimSuffix(rest, "/download/")
		json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/files/" + name})
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "content of %s", strings.TrimPrefix(r.URL.Path, "/files/"))
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestCollector(t *testing.T, srv *httptest.Server) *Rapid {
	t.Helper()
	c, err := NewRapid(testAPIKey,
		WithHTTPClient(srv.Client()),
		WithEndpoints(srv.URL+"/studies/", srv.URL+"/quota/"),
		WithRetryPolicy(retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 1)))
	require.NoError(t, err)
	return c
}

func TestNewRapidRequiresAPIKey(t *testing.T) {
	t.Setenv("RAPID_API_KEY", "")
	_, err := NewRapid("")
	assert.True(t, cevasterrors.IsCategory(err, cevasterrors.CategoryConfig))

	t.Setenv("RAPID_API_KEY", "from-env")
	c, err := NewRapid("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.apiKey)
}

func TestDatasets(t *testing.T) {
	srv := newTestServer(t, []string{"20200613_443_certs.gz", "20200613_443_hosts.gz"})
	c := newTestCollector(t, srv)

	names, err := c.Datasets(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestQuota(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newTestCollector(t, srv)

	left, err := c.QuotaLeft(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, left)
}

func TestCollectDownloadsNewestByDate(t *testing.T) {
	// Listing is chronological from the newest.
	srv := newTestServer(t, []string{
		"20200620_443_certs.gz",
		"20200613_443_certs.gz",
		"20200613_443_hosts.gz",
		"20200613_22_certs.gz",
		"20200601_443_certs.gz",
		"not-a-dataset.txt",
	})
	c := newTestCollector(t, srv)
	dir := t.TempDir()

	date, err := time.Parse("20060102", "20200615")
	require.NoError(t, err)

	paths, err := c.Collect(context.Background(), dir, date, []string{"443"}, []string{"hosts", "certs"})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Contains(t, paths, filepath.Join(dir, "20200613_443_certs.gz"))
	assert.Contains(t, paths, filepath.Join(dir, "20200613_443_hosts.gz"))

	content, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "content of 20200613_443_certs.gz", string(content))
}

func TestCollectSkipsExistingFiles(t *testing.T) {
	srv := newTestServer(t, []string{"20200613_443_certs.gz"})
	c := newTestCollector(t, srv)
	dir := t.TempDir()

	existing := filepath.Join(dir, "20200613_443_certs.gz")
	require.NoError(t, os.WriteFile(existing, []byte("already here"), 0o600))

	date, err := time.Parse("20060102", "20200613")
	require.NoError(t, err)
	paths, err := c.Collect(context.Background(), dir, date, nil, nil)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	content, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "already here", string(content))
}

func TestCollectNothingMatches(t *testing.T) {
	srv := newTestServer(t, []string{"20200613_443_certs.gz"})
	c := newTestCollector(t, srv)

	date, err := time.Parse("20060102", "20200601")
	require.NoError(t, err)

	// All listed datasets are newer than the requested date.
	paths, err := c.Collect(context.Background(), t.TempDir(), date, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestDownloadRetriesOnQuotaError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/studies/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/studies/")
		if rest == "" {
			json.NewEncoder(w).Encode(map[string]any{"sonarfile_set": []string{"20200613_443_certs.gz"}})
			return
		}
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/files/data"})
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data")
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newTestCollector(t, srv)
	date, err := time.Parse("20060102", "20200613")
	require.NoError(t, err)

	paths, err := c.Collect(context.Background(), t.TempDir(), date, nil, nil)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, int32(2), calls.Load())
}
