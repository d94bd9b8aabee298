// Package collector downloads raw certificate datasets from their sources.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/crocs-muni/cert-validataion-stats/internal/dataset"
	cevasterrors "github.com/crocs-muni/cert-validataion-stats/internal/errors"
	"github.com/crocs-muni/cert-validataion-stats/internal/logfields"
	"github.com/crocs-muni/cert-validataion-stats/internal/metrics"
	"github.com/crocs-muni/cert-validataion-stats/internal/retry"
)

// Rapid7 Open Data API endpoints for the study
// "Project Sonar: IPv4 SSL Certificates".
const (
	defaultDatasetsURL = "https://us.api.insight.rapid7.com/opendata/studies/sonar.ssl/"
	defaultQuotaURL    = "https://us.api.insight.rapid7.com/opendata/quota/"

	apiKeyHeader = "X-Api-Key"
	apiKeyEnvVar = "RAPID_API_KEY"
)

// Dataset names in the study have the format
// "{YYYYmmdd}/...._{PORT}_{TYPE}.gz". Older names with different formats are
// not supported.
var datasetNameRegexp = regexp.MustCompile(`^(?P<date>\d{8}).*_(?P<port>\d+)_(?P<type>\w+)\.gz$`)

// Quota holds the account download quota information.
type Quota struct {
	QuotaAllowed int    `json:"quota_allowed"`
	QuotaLeft    int    `json:"quota_left"`
	QuotaTimeout string `json:"quota_timeout"`
}

// Rapid collects datasets via the Rapid7 Open Data API. An account API key is
// required, provided directly or through the RAPID_API_KEY environment
// variable.
type Rapid struct {
	apiKey      string
	client      *http.Client
	datasetsURL string
	quotaURL    string
	policy      retry.Policy
	metrics     metrics.Recorder
}

// Option configures a Rapid collector.
type Option func(*Rapid)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Rapid) { c.client = client }
}

// WithEndpoints overrides the API endpoints.
func WithEndpoints(datasetsURL, quotaURL string) Option {
	return func(c *Rapid) {
		c.datasetsURL = datasetsURL
		c.quotaURL = quotaURL
	}
}

// WithRetryPolicy sets the download retry policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(c *Rapid) { c.policy = policy }
}

// WithMetrics sets the recorder for download counters.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(c *Rapid) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

// NewRapid creates a collector. With an empty apiKey the RAPID_API_KEY
// environment variable is consulted.
func NewRapid(apiKey string, opts ...Option) (*Rapid, error) {
	if apiKey == "" {
		apiKey = os.Getenv(apiKeyEnvVar)
	}
	if apiKey == "" {
		return nil, cevasterrors.ConfigRequired(apiKeyEnvVar)
	}
	c := &Rapid{
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 5 * time.Minute},
		datasetsURL: defaultDatasetsURL,
		quotaURL:    defaultQuotaURL,
		policy:      retry.DefaultPolicy(),
		metrics:     metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Datasets returns a fresh list of dataset names in the study, newest first.
func (c *Rapid) Datasets(ctx context.Context) ([]string, error) {
	var payload struct {
		SonarfileSet []string `json:"sonarfile_set"`
	}
	if err := c.getJSON(ctx, c.datasetsURL, &payload); err != nil {
		return nil, fmt.Errorf("retrieve dataset list: %w", err)
	}
	return payload.SonarfileSet, nil
}

// Quota returns the account download quota information.
func (c *Rapid) Quota(ctx context.Context) (Quota, error) {
	var quota Quota
	if err := c.getJSON(ctx, c.quotaURL, &quota); err != nil {
		return Quota{}, fmt.Errorf("retrieve download quota: %w", err)
	}
	return quota, nil
}

// QuotaLeft returns how much download quota is left for the day.
func (c *Rapid) QuotaLeft(ctx context.Context) (int, error) {
	quota, err := c.Quota(ctx)
	if err != nil {
		return 0, err
	}
	return quota.QuotaLeft, nil
}

// Collect downloads the newest datasets by the given date into downloadDir
// and returns their paths. Datasets are filtered by port and type; an empty
// filter matches everything. Already downloaded files are skipped.
//
// The study lists datasets chronologically from the newest. The list is
// walked until the closest date not after the requested one is found, and all
// datasets of that date are downloaded.
func (c *Rapid) Collect(ctx context.Context, downloadDir string, date time.Time,
	filterPorts, filterTypes []string) ([]string, error) {

	slog.Info("Start collecting Rapid datasets",
		slog.String("date", date.Format("20060102")),
		slog.Any("ports", filterPorts), slog.Any("types", filterTypes),
		logfields.Path(downloadDir))

	names, err := c.Datasets(ctx)
	if err != nil {
		return nil, err
	}

	targetDate := ""
	type download struct {
		name string
		path string
	}
	var downloads []download
	for _, name := range names {
		groups := matchDatasetName(name)
		if groups == nil {
			continue
		}
		if !matchFilter(filterPorts, groups["port"]) || !matchFilter(filterTypes, groups["type"]) {
			continue
		}
		if targetDate == "" {
			nameDate, err := time.Parse("20060102", groups["date"])
			if err != nil || date.Before(nameDate) {
				continue
			}
			targetDate = groups["date"]
		}
		if groups["date"] != targetDate {
			// Another date encountered, all datasets of the target date are known.
			break
		}
		filename := dataset.FormatFilename(groups["date"], groups["port"], groups["type"]+".gz")
		downloads = append(downloads, download{name: name, path: filepath.Join(downloadDir, filename)})
	}

	paths := make([]string, 0, len(downloads))
	for _, dl := range downloads {
		paths = append(paths, dl.path)
		if _, err := os.Stat(dl.path); err == nil {
			slog.Info("Dataset is already downloaded", logfields.Path(dl.path))
			continue
		}
		slog.Info("Downloading dataset file", logfields.Dataset(dl.name), logfields.Path(dl.path))
		if err := c.download(ctx, dl.name, dl.path); err != nil {
			return nil, err
		}
	}
	slog.Info("Rapid datasets collected", logfields.Count(len(paths)))
	return paths, nil
}

// download fetches a single dataset file, retrying per the policy when the
// failure looks transient.
func (c *Rapid) download(ctx context.Context, name, target string) error {
	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.policy.Delay(attempt - 1)
			slog.Warn("Retrying dataset download",
				logfields.Dataset(name), slog.Int("attempt", attempt), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = c.downloadOnce(ctx, name, target)
		if lastErr == nil {
			return nil
		}
		if !cevasterrors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Rapid) downloadOnce(ctx context.Context, name, target string) error {
	// Resolve the short-lived download URL of the dataset archive.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.datasetsURL+name+"/download/", nil)
	if err != nil {
		return cevasterrors.CollectionFailed(name, err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return cevasterrors.CollectionRetryable(name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		retryAfter := resp.Header.Get("Retry-After")
		return cevasterrors.CollectionRetryable(name,
			fmt.Errorf("download URL request failed with HTTP %d, quota might be exceeded, retry after %s seconds",
				resp.StatusCode, retryAfter))
	}
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.URL == "" {
		return cevasterrors.CollectionFailed(name, fmt.Errorf("no download URL in response"))
	}

	// Stream the archive to disk, it might be GBs in size.
	streamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.URL, nil)
	if err != nil {
		return cevasterrors.CollectionFailed(name, err)
	}
	stream, err := c.client.Do(streamReq)
	if err != nil {
		return cevasterrors.CollectionRetryable(name, err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		return cevasterrors.CollectionRetryable(name,
			fmt.Errorf("dataset download failed with HTTP %d", stream.StatusCode))
	}
	slog.Debug("Downloading dataset archive",
		logfields.Dataset(name), slog.String("size", stream.Header.Get("Content-Length")))

	out, err := os.Create(target)
	if err != nil {
		return cevasterrors.CollectionFailed(name, err)
	}
	written, err := io.Copy(out, stream.Body)
	if err != nil {
		out.Close()
		os.Remove(target)
		return cevasterrors.CollectionRetryable(name, err)
	}
	c.metrics.AddDownloadBytes(written)
	if err := out.Close(); err != nil {
		os.Remove(target)
		return cevasterrors.CollectionFailed(name, err)
	}
	return nil
}

func (c *Rapid) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func matchDatasetName(name string) map[string]string {
	match := datasetNameRegexp.FindStringSubmatch(name)
	if match == nil {
		return nil
	}
	groups := make(map[string]string)
	for i, sub := range datasetNameRegexp.SubexpNames() {
		if sub != "" {
			groups[sub] = match[i]
		}
	}
	return groups
}

func matchFilter(filter []string, value string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == value {
			return true
		}
	}
	return false
}
