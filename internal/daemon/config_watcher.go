package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crocs-muni/cert-validataion-stats/internal/config"
	cevasterrors "github.com/crocs-muni/cert-validataion-stats/internal/errors"
	"github.com/crocs-muni/cert-validataion-stats/internal/logfields"
)

// ConfigWatcher monitors the configuration file and applies changed
// configurations to the daemon after a debounce period.
type ConfigWatcher struct {
	configPath   string
	daemon       *Daemon
	watcher      *fsnotify.Watcher
	mu           sync.Mutex
	stopChan     chan struct{}
	reloadChan   chan struct{}
	debounceTime time.Duration
}

// NewConfigWatcher creates a watcher for the given configuration file.
func NewConfigWatcher(configPath string, daemon *Daemon) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, cevasterrors.Wrap(err, cevasterrors.CategoryDaemon, cevasterrors.SeverityFatal, "failed to create file watcher")
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		watcher.Close()
		return nil, cevasterrors.Wrap(err, cevasterrors.CategoryConfig, cevasterrors.SeverityFatal, "failed to resolve config path")
	}

	return &ConfigWatcher{
		configPath:   absPath,
		daemon:       daemon,
		watcher:      watcher,
		stopChan:     make(chan struct{}),
		reloadChan:   make(chan struct{}, 1),
		debounceTime: 2 * time.Second,
	}, nil
}

// Start begins monitoring the configuration file. The containing directory
// is watched so editors replacing the file are still seen.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	configDir := filepath.Dir(cw.configPath)
	if err := cw.watcher.Add(configDir); err != nil {
		return cevasterrors.Wrap(err, cevasterrors.CategoryDaemon, cevasterrors.SeverityFatal,
			fmt.Sprintf("failed to watch config directory %s", configDir))
	}

	slog.Info("Starting configuration watcher", logfields.Path(cw.configPath))
	go cw.watchLoop(ctx)
	go cw.reloadLoop(ctx)
	return nil
}

// Stop stops the configuration watcher.
func (cw *ConfigWatcher) Stop(_ context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	close(cw.stopChan)
	if cw.watcher != nil {
		if err := cw.watcher.Close(); err != nil {
			slog.Error("Error closing file watcher", logfields.Error(err))
		}
	}
	return nil
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	configFile := filepath.Base(cw.configPath)

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write), event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Rename):
				slog.Debug("Config file change detected", logfields.Path(event.Name))
				cw.triggerReload()
			case event.Op.Has(fsnotify.Remove):
				slog.Warn("Config file removed", logfields.Path(event.Name))
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Config watcher error", logfields.Error(err))
		}
	}
}

func (cw *ConfigWatcher) reloadLoop(ctx context.Context) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return
		case <-cw.stopChan:
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return
		case <-cw.reloadChan:
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(cw.debounceTime, func() {
				if err := cw.performReload(ctx); err != nil {
					slog.Error("Failed to reload configuration", logfields.Error(err))
				}
			})
		}
	}
}

func (cw *ConfigWatcher) triggerReload() {
	select {
	case cw.reloadChan <- struct{}{}:
	default:
		// reload already pending
	}
}

func (cw *ConfigWatcher) performReload(ctx context.Context) error {
	slog.Info("Reloading configuration", logfields.Path(cw.configPath))

	newConfig, err := config.Load(cw.configPath)
	if err != nil {
		return err
	}
	if err := cw.validateConfigChange(newConfig); err != nil {
		return err
	}
	if err := cw.daemon.ReloadConfig(ctx, newConfig); err != nil {
		return err
	}

	slog.Info("Configuration reloaded")
	return nil
}

// validateConfigChange rejects changes that cannot be applied to a running
// daemon.
func (cw *ConfigWatcher) validateConfigChange(newConfig *config.Config) error {
	currentConfig := cw.daemon.GetConfig()

	if newConfig.RunStore.Path != currentConfig.RunStore.Path {
		return cevasterrors.DaemonError("run store path change requires a restart")
	}
	if newConfig.Daemon.MetricsListen != currentConfig.Daemon.MetricsListen {
		slog.Warn("Metrics listen address change requires a restart for full effect")
	}
	return nil
}
