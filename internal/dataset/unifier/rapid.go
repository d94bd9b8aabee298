// Package unifier turns raw collected datasets into the internal unified
// format and feeds their certificates into the certificate store.
package unifier

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/crocs-muni/cert-validataion-stats/internal/certdb"
	"github.com/crocs-muni/cert-validataion-stats/internal/certutil"
	"github.com/crocs-muni/cert-validataion-stats/internal/logfields"
)

// Log summarizes a single dataset unification. BrokenChains is -1 when
// broken chains were not tracked.
type Log struct {
	TotalCerts     int `json:"total_certs"`
	TotalHosts     int `json:"total_hosts"`
	TotalHostCerts int `json:"total_host_certs"`
	BrokenChains   int `json:"broken_chains"`
}

// Rapid unifies a RAPID dataset. Certificates from the certs dataset are
// stored in the certificate store, host records from the hosts dataset are
// folded into per-host chains and written as the unified chain file. Hosts
// whose chain is not fully available go to the broken chain file when one is
// configured.
type Rapid struct {
	certsDataset    string
	hostsDataset    string
	chainFile       string
	brokenChainFile string
	log             Log
}

// NewRapid creates a unifier for the given dataset files. Both collected
// files must exist.
func NewRapid(certsDataset, hostsDataset, chainFile, brokenChainFile string) (*Rapid, error) {
	if _, err := os.Stat(certsDataset); err != nil {
		return nil, fmt.Errorf("certs dataset: %w", err)
	}
	if _, err := os.Stat(hostsDataset); err != nil {
		return nil, fmt.Errorf("hosts dataset: %w", err)
	}
	slog.Info("Initializing unifier",
		slog.String("certs", certsDataset), slog.String("hosts", hostsDataset))
	return &Rapid{
		certsDataset:    certsDataset,
		hostsDataset:    hostsDataset,
		chainFile:       chainFile,
		brokenChainFile: brokenChainFile,
	}, nil
}

// CertsDataset returns the collected certs dataset path.
func (u *Rapid) CertsDataset() string { return u.certsDataset }

// HostsDataset returns the collected hosts dataset path.
func (u *Rapid) HostsDataset() string { return u.hostsDataset }

// ChainFile returns the unified chain file path.
func (u *Rapid) ChainFile() string { return u.chainFile }

// Log returns the unification summary accumulated so far.
func (u *Rapid) Log() Log { return u.log }

// StoreCerts parses certificates from the certs dataset and inserts them
// into the store.
func (u *Rapid) StoreCerts(ctx context.Context, db certdb.DB) error {
	slog.Info("Start parsing certificates from dataset", logfields.Dataset(u.certsDataset))
	return scanGzipLines(ctx, u.certsDataset, func(line string) error {
		sha, cert, ok := strings.Cut(line, ",")
		if !ok {
			return fmt.Errorf("malformed certificate record: %q", line)
		}
		if err := db.Insert(strings.TrimSpace(sha), certutil.ToPEM(strings.TrimSpace(cert))); err != nil {
			return err
		}
		u.log.TotalCerts++
		return nil
	})
}

// StoreChains parses host records from the hosts dataset, folds consecutive
// records of a host into its certificate chain and writes the unified chain
// file. The hosts dataset is expected to be grouped by host.
func (u *Rapid) StoreChains(ctx context.Context, db certdb.ReadOnly) error {
	slog.Info("Start parsing and building host chains from dataset", logfields.Dataset(u.hostsDataset))

	fullChains, err := newGzipWriter(u.chainFile)
	if err != nil {
		return err
	}
	defer fullChains.Close()

	var brokenChains *gzipWriter
	if u.brokenChainFile != "" {
		brokenChains, err = newGzipWriter(u.brokenChainFile)
		if err != nil {
			return err
		}
		defer brokenChains.Close()
	} else {
		u.log.BrokenChains = -1
	}

	writeChain := func(host string, chain []string) error {
		u.log.TotalHosts++
		line := host + "," + strings.Join(chain, ",") + "\n"
		if brokenChains != nil && !db.ExistsAll(chain) {
			u.log.BrokenChains++
			return brokenChains.WriteString(line)
		}
		return fullChains.WriteString(line)
	}

	var chain []string
	last := ""
	err = scanGzipLines(ctx, u.hostsDataset, func(line string) error {
		host, sha, ok := strings.Cut(line, ",")
		if !ok {
			return fmt.Errorf("malformed host record: %q", line)
		}
		host, sha = strings.TrimSpace(host), strings.TrimSpace(sha)
		if last != "" && host != last {
			if err := writeChain(last, chain); err != nil {
				return err
			}
			chain = chain[:0]
		}
		chain = append(chain, sha)
		u.log.TotalHostCerts++
		last = host
		return nil
	})
	if err != nil {
		return err
	}
	if last != "" {
		if err := writeChain(last, chain); err != nil {
			return err
		}
	}

	if err := fullChains.Close(); err != nil {
		return err
	}
	if brokenChains != nil {
		return brokenChains.Close()
	}
	return nil
}

// SaveLog writes the unification summary as JSON.
func (u *Rapid) SaveLog(filename string) error {
	data, err := json.MarshalIndent(u.log, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal unification log: %w", err)
	}
	slog.Info("Saving unification log", logfields.Path(filename))
	return os.WriteFile(filename, data, 0o600)
}

// ReadChains streams host chains from a unified chain file, calling fn for
// each host record.
func ReadChains(ctx context.Context, path string, fn func(host string, chain []string) error) error {
	slog.Info("Start reading certificate chains from dataset", logfields.Dataset(path))
	return scanGzipLines(ctx, path, func(line string) error {
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			return fmt.Errorf("malformed chain record: %q", line)
		}
		return fn(parts[0], parts[1:])
	})
}

// scanGzipLines streams non-empty lines of a gzip compressed file through fn,
// checking ctx between lines.
func scanGzipLines(ctx context.Context, path string, fn func(line string) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("read dataset: %w", err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// gzipWriter pairs a file with its gzip stream so both close reliably.
type gzipWriter struct {
	file   *os.File
	gz     *gzip.Writer
	w      *bufio.Writer
	closed bool
}

func newGzipWriter(path string) (*gzipWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create unified file: %w", err)
	}
	gz := gzip.NewWriter(file)
	return &gzipWriter{file: file, gz: gz, w: bufio.NewWriter(gz)}, nil
}

func (g *gzipWriter) WriteString(s string) error {
	_, err := g.w.WriteString(s)
	return err
}

func (g *gzipWriter) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	if err := g.w.Flush(); err != nil {
		g.file.Close()
		return err
	}
	if err := g.gz.Close(); err != nil {
		g.file.Close()
		return err
	}
	return g.file.Close()
}
