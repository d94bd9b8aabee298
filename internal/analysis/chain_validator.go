package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crocs-muni/cert-validataion-stats/internal/certdb"
	"github.com/crocs-muni/cert-validataion-stats/internal/certutil"
	"github.com/crocs-muni/cert-validataion-stats/internal/logfields"
	"github.com/crocs-muni/cert-validataion-stats/internal/metrics"
)

// ChainValidatorConfig configures a ChainValidator.
type ChainValidatorConfig struct {
	// DB is the store the chain certificates are exported from. Mandatory.
	DB certdb.ReadOnly
	// ExportDir is a scratch directory for exported certificates. When
	// empty, a private directory is created and removed on Done.
	ExportDir string
	// Methods are the analytical methods to run per chain. When empty, all
	// available registered methods run.
	Methods []Method
	// Options are passed to every method.
	Options Options
	// Metrics receives per-method validation timings. Optional.
	Metrics metrics.Recorder
}

// ChainValidator is an Analyser running analytical methods over certificate
// chains with a worker pool. Chain certificates are exported from the store
// into a scratch directory first.
//
// Results are stored as CSV records of the form
// {host, method 1 codes, ..., method N codes, chain}.
type ChainValidator struct {
	ctx       context.Context
	out       *os.File
	db        certdb.ReadOnly
	methods   []Method
	opts      Options
	metrics   metrics.Recorder
	exportDir string
	cleanup   bool

	exportMu sync.Mutex
	jobs     chan chainJob
	results  chan string
	workerWG sync.WaitGroup
	writerWG sync.WaitGroup
	writeErr error
	doneOnce sync.Once
}

type chainJob struct {
	host  string
	chain []string
}

// NewChainValidator opens the output file (a ".csv" suffix is appended) and
// starts the worker pool.
func NewChainValidator(ctx context.Context, outputFile string, workers int, cfg ChainValidatorConfig) (*ChainValidator, error) {
	if cfg.DB == nil {
		return nil, errors.New("chain validator requires a certificate store")
	}
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = AllMethods()
	}
	if len(methods) == 0 {
		return nil, errors.New("no analytical methods available")
	}

	exportDir := cfg.ExportDir
	cleanup := false
	if exportDir == "" {
		dir, err := os.MkdirTemp("", "chain_validator")
		if err != nil {
			return nil, fmt.Errorf("create export directory: %w", err)
		}
		exportDir = dir
		cleanup = true
	}

	out, err := os.Create(outputFile + ".csv")
	if err != nil {
		if cleanup {
			os.RemoveAll(exportDir)
		}
		return nil, fmt.Errorf("create output file: %w", err)
	}

	if workers < 1 {
		workers = 1
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	v := &ChainValidator{
		ctx:       ctx,
		out:       out,
		db:        cfg.DB,
		methods:   methods,
		opts:      cfg.Options,
		metrics:   recorder,
		exportDir: exportDir,
		cleanup:   cleanup,
		jobs:      make(chan chainJob, workers),
		results:   make(chan string, workers),
	}

	v.writerWG.Add(1)
	go v.writer()
	for range workers {
		v.workerWG.Add(1)
		go v.worker()
	}

	slog.Info("Chain validator created",
		logfields.Path(outputFile+".csv"), slog.Int("workers", workers), logfields.Count(len(methods)))
	return v, nil
}

// Schedule enqueues a host chain for validation.
func (v *ChainValidator) Schedule(host string, chain []string) error {
	select {
	case <-v.ctx.Done():
		return v.ctx.Err()
	case v.jobs <- chainJob{host: host, chain: chain}:
		return nil
	}
}

// Done waits for all scheduled chains, closes the output file and removes a
// private export directory.
func (v *ChainValidator) Done() error {
	var err error
	v.doneOnce.Do(func() {
		close(v.jobs)
		v.workerWG.Wait()
		close(v.results)
		v.writerWG.Wait()

		err = v.out.Close()
		if v.writeErr != nil {
			err = v.writeErr
		}
		if v.cleanup {
			if rmErr := os.RemoveAll(v.exportDir); rmErr != nil && err == nil {
				err = rmErr
			}
		}
	})
	return err
}

func (v *ChainValidator) worker() {
	defer v.workerWG.Done()
	for job := range v.jobs {
		if line := v.validate(job.host, job.chain); line != "" {
			v.results <- line
		}
	}
}

func (v *ChainValidator) writer() {
	defer v.writerWG.Done()
	for line := range v.results {
		if _, err := v.out.WriteString(line); err != nil && v.writeErr == nil {
			v.writeErr = err
		}
	}
}

// validate exports the chain certificates and runs all methods over them.
// Hosts with a chain not fully available in the store are skipped.
func (v *ChainValidator) validate(host string, chain []string) string {
	pems := make([]string, 0, len(chain))
	for _, fingerprint := range chain {
		path, err := v.exportCert(fingerprint)
		if err != nil {
			if errors.Is(err, certdb.ErrCertNotAvailable) {
				slog.Info("Host has broken chain", logfields.Host(host))
				return ""
			}
			slog.Error("Certificate export failed",
				logfields.Fingerprint(fingerprint), logfields.Error(err))
			return ""
		}
		pems = append(pems, path)
	}

	results := make([]string, 0, len(v.methods))
	for _, method := range v.methods {
		start := time.Now()
		results = append(results, strings.Join(method.Fn(v.ctx, pems, v.opts), "|"))
		v.metrics.ObserveValidation(method.Name, time.Since(start))
	}
	return fmt.Sprintf("%15s, %s, %s\n", host, strings.Join(results, ","), strings.Join(chain, " -> "))
}

func (v *ChainValidator) exportCert(fingerprint string) (string, error) {
	v.exportMu.Lock()
	defer v.exportMu.Unlock()

	path := filepath.Join(v.exportDir, certutil.Filename(fingerprint))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return v.db.Export(fingerprint, v.exportDir, false)
}
