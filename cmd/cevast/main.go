package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/crocs-muni/cert-validataion-stats/internal/analysis"
	"github.com/crocs-muni/cert-validataion-stats/internal/certdb"
	"github.com/crocs-muni/cert-validataion-stats/internal/config"
	"github.com/crocs-muni/cert-validataion-stats/internal/daemon"
	"github.com/crocs-muni/cert-validataion-stats/internal/dataset"
	"github.com/crocs-muni/cert-validataion-stats/internal/dataset/manager"
	cevasterrors "github.com/crocs-muni/cert-validataion-stats/internal/errors"
	"github.com/crocs-muni/cert-validataion-stats/internal/lifecycle"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Run struct {
		Source string   `short:"s" help:"Dataset source" default:"RAPID"`
		Date   string   `help:"Dataset date (YYYYMMDD), defaults to today"`
		Ports  []string `short:"p" help:"Application ports to process"`
		Tasks  []string `short:"t" help:"Pipeline tasks to run" default:"COLLECT,UNIFY,ANALYSE"`
	} `cmd:"" help:"Run the dataset task pipeline"`

	Certdb struct {
		Storage string `help:"Certificate storage path, defaults to the configured one"`

		Setup struct {
			Owner string `help:"Storage owner recorded in the meta file"`
			Desc  string `help:"Storage description recorded in the meta file"`
		} `cmd:"" help:"Initialize a new certificate storage"`

		Get struct {
			Fingerprint string `arg:"" help:"Certificate fingerprint"`
		} `cmd:"" help:"Print a certificate from the storage"`

		Export struct {
			Fingerprint string `arg:"" help:"Certificate fingerprint"`
			Target      string `default:"." help:"Target directory"`
		} `cmd:"" help:"Export a certificate from the storage into a directory"`

		Exists struct {
			Fingerprint string `arg:"" help:"Certificate fingerprint"`
		} `cmd:"" help:"Test whether a certificate is in the storage"`
	} `cmd:"" help:"Certificate storage operations"`

	Repository struct {
		Dump struct {
			Source string `help:"Limit to one dataset source"`
			State  string `help:"Limit to one dataset state"`
			Date   string `help:"Limit to one dataset date (YYYYMMDD)"`
		} `cmd:"" help:"Print an overview of the dataset repository"`
	} `cmd:"" help:"Dataset repository operations"`

	Lifecycle struct {
		Operation string `arg:"" enum:"install,user-install,test,clear" help:"Lifecycle operation"`
	} `cmd:"" help:"Package lifecycle operations (install, user-install, test, clear)"`

	Daemon struct{} `cmd:"" help:"Run the pipeline continuously on a schedule"`
}

func main() {
	kctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	adapter := cevasterrors.NewCLIErrorAdapter(CLI.Verbose, logger)

	var err error
	switch kctx.Command() {
	case "run":
		err = runPipeline()
	case "certdb setup":
		err = runCertDBSetup()
	case "certdb get <fingerprint>":
		err = runCertDBGet()
	case "certdb export <fingerprint>":
		err = runCertDBExport()
	case "certdb exists <fingerprint>":
		err = runCertDBExists()
	case "repository dump":
		err = runRepositoryDump()
	case "lifecycle <operation>":
		err = runLifecycle()
	case "daemon":
		err = runDaemon()
	default:
		err = cevasterrors.ValidationFailed("command", fmt.Sprintf("unknown command %q", kctx.Command()))
	}
	adapter.HandleError(err)
}

// loadConfig loads the configured file, falling back to defaults when the
// default config file is absent.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		if CLI.Config == "config.yaml" && cevasterrors.IsCategory(err, cevasterrors.CategoryConfig) {
			if _, statErr := os.Stat(CLI.Config); os.IsNotExist(statErr) {
				return config.Default(), nil
			}
		}
		return nil, err
	}
	if CLI.Verbose {
		cfg.Logging.Level = "debug"
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func analysisOptions(cfg *config.Config) analysis.Options {
	return analysis.Options{
		TrustStore:    cfg.Analysis.TrustStore,
		ReferenceTime: cfg.Analysis.ReferenceTime,
	}
}

func runPipeline() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	source := dataset.Source(CLI.Run.Source)
	tasks := make([]manager.Task, 0, len(CLI.Run.Tasks))
	for _, name := range CLI.Run.Tasks {
		task, err := manager.ParseTask(name)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
	}

	date := time.Now()
	if CLI.Run.Date != "" {
		date, err = time.Parse("20060102", CLI.Run.Date)
		if err != nil {
			return cevasterrors.ValidationFailed("date", fmt.Sprintf("invalid date %q, expected YYYYMMDD", CLI.Run.Date))
		}
	}
	ports := CLI.Run.Ports
	if len(ports) == 0 {
		ports = cfg.Collector.Ports
	}

	db, err := certdb.NewFileDB(cfg.CertDB.Storage, certdb.WithWorkers(cfg.CertDB.Workers))
	if err != nil {
		return err
	}
	mgr, err := manager.NewManager(source, manager.Config{
		Repository:      cfg.Repository,
		Date:            date,
		Ports:           ports,
		Workers:         cfg.Analysis.Workers,
		APIKey:          cfg.RapidAPIKey(),
		DB:              db,
		AnalysisMethods: cfg.Analysis.Methods,
		AnalysisOptions: analysisOptions(cfg),
		ExportDir:       cfg.Analysis.ExportDir,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	return mgr.Run(ctx, tasks)
}

func certStorage(cfg *config.Config) (string, error) {
	storage := CLI.Certdb.Storage
	if storage == "" {
		storage = cfg.CertDB.Storage
	}
	if storage == "" {
		return "", cevasterrors.ConfigRequired("certdb.storage")
	}
	return storage, nil
}

func runCertDBSetup() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	storage, err := certStorage(cfg)
	if err != nil {
		return err
	}
	return certdb.Setup(storage, CLI.Certdb.Setup.Owner, CLI.Certdb.Setup.Desc)
}

func runCertDBGet() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	storage, err := certStorage(cfg)
	if err != nil {
		return err
	}
	db, err := certdb.NewFileDBReadOnly(storage)
	if err != nil {
		return err
	}
	pem, err := db.Get(CLI.Certdb.Get.Fingerprint)
	if err != nil {
		return err
	}
	fmt.Print(pem)
	return nil
}

func runCertDBExport() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	storage, err := certStorage(cfg)
	if err != nil {
		return err
	}
	db, err := certdb.NewFileDBReadOnly(storage)
	if err != nil {
		return err
	}
	path, err := db.Export(CLI.Certdb.Export.Fingerprint, CLI.Certdb.Export.Target, false)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runCertDBExists() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	storage, err := certStorage(cfg)
	if err != nil {
		return err
	}
	db, err := certdb.NewFileDBReadOnly(storage)
	if err != nil {
		return err
	}
	if !db.Exists(CLI.Certdb.Exists.Fingerprint) {
		fmt.Println("false")
		os.Exit(1)
	}
	fmt.Println("true")
	return nil
}

func runRepositoryDump() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := dataset.NewRepository(cfg.Repository)
	if err != nil {
		return err
	}
	return repo.Dump(os.Stdout,
		dataset.Source(CLI.Repository.Dump.Source),
		dataset.State(CLI.Repository.Dump.State),
		CLI.Repository.Dump.Date)
}

func runLifecycle() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runner := lifecycle.NewRunner(cfg.Lifecycle.Interpreter)

	ctx, cancel := signalContext()
	defer cancel()
	err = runner.Run(ctx, CLI.Lifecycle.Operation)
	if code := lifecycle.ExitCode(err); code > 0 {
		// Propagate the tool's own exit status.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(code)
	}
	return err
}

func runDaemon() error {
	d, err := daemon.New(CLI.Config)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	slog.Info("Daemon starting, waiting for shutdown signal")
	return d.Run(ctx)
}
