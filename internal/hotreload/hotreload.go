// Package hotreload implements the spec §9 hot-reload boundary: it watches
// the configuration file with fsnotify, and on a debounced change parses
// and validates a replacement config, then hands it to a caller-supplied
// callback that is responsible for installing the new fiber-processor set
// at a bumped config_version and draining the old one.
package hotreload

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/internal/config"
	"github.com/aiguy110/noil/internal/metrics"
	"github.com/aiguy110/noil/pkg/errors"
	"github.com/aiguy110/noil/pkg/types"
)

// Config controls whether the watcher runs and its debounce interval.
type Config struct {
	Enabled          bool
	DebounceInterval time.Duration
}

// Stats is a point-in-time snapshot of the reloader's counters.
type Stats struct {
	TotalReloads      int64
	SuccessfulReloads int64
	FailedReloads     int64
	LastReloadTime    time.Time
	LastError         string
}

// Reloader watches configFile and invokes onReload with each successfully
// parsed and validated replacement config.
type Reloader struct {
	cfg        Config
	configFile string
	logger     *logrus.Logger

	onReload func(old, new *types.Config) error

	watcher *fsnotify.Watcher

	currentConfig atomic.Value // *types.Config

	statsMu sync.Mutex
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Reloader. If cfg.Enabled is false, Start/Stop are no-ops and
// the caller's already-loaded config is the only one ever in effect.
func New(cfg Config, configFile string, onReload func(old, new *types.Config) error, logger *logrus.Logger) (*Reloader, error) {
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = time.Second
	}

	r := &Reloader{
		cfg:        cfg,
		configFile: configFile,
		onReload:   onReload,
		logger:     logger,
	}

	if !cfg.Enabled {
		return r, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.ConfigError("hotreload_watcher", err.Error()).Wrap(err)
	}
	r.watcher = watcher
	return r, nil
}

// SetCurrentConfig records the config currently in effect, used as the
// "old" side of the next reload's diff.
func (r *Reloader) SetCurrentConfig(cfg *types.Config) {
	r.currentConfig.Store(cfg)
}

// Start begins watching the config file and its containing directory (the
// directory, not just the file, so editors that replace-via-rename are
// still caught).
func (r *Reloader) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		return nil
	}

	absPath, err := filepath.Abs(r.configFile)
	if err != nil {
		return errors.ConfigError("hotreload_start", err.Error()).Wrap(err)
	}
	if err := r.watcher.Add(filepath.Dir(absPath)); err != nil {
		return errors.ConfigError("hotreload_start", err.Error()).Wrap(err)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.watchLoop(absPath)

	r.logger.WithFields(logrus.Fields{"component": "hotreload", "config_file": absPath}).Info("hot reload watcher started")
	return nil
}

// Stop releases the watcher.
func (r *Reloader) Stop() error {
	if !r.cfg.Enabled {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	return r.watcher.Close()
}

func (r *Reloader) watchLoop(absPath string) {
	defer r.wg.Done()

	var debounce *time.Timer
	pending := false

	for {
		var debounceC <-chan time.Time
		if debounce != nil {
			debounceC = debounce.C
		}

		select {
		case <-r.ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.relevant(event, absPath) {
				continue
			}
			pending = true
			if debounce == nil {
				debounce = time.NewTimer(r.cfg.DebounceInterval)
			} else {
				if !debounce.Stop() {
					<-debounce.C
				}
				debounce.Reset(r.cfg.DebounceInterval)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("config file watcher error")

		case <-debounceC:
			if pending {
				pending = false
				r.performReload()
			}
		}
	}
}

func (r *Reloader) relevant(event fsnotify.Event, absPath string) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return abs == absPath
}

func (r *Reloader) performReload() {
	start := time.Now()

	r.statsMu.Lock()
	r.stats.TotalReloads++
	r.stats.LastReloadTime = start
	r.statsMu.Unlock()

	newCfg, err := config.LoadConfig(r.configFile)
	if err != nil {
		r.recordFailure(err)
		return
	}

	var oldCfg *types.Config
	if v := r.currentConfig.Load(); v != nil {
		oldCfg = v.(*types.Config)
	}

	if r.onReload != nil {
		if err := r.onReload(oldCfg, newCfg); err != nil {
			r.recordFailure(err)
			return
		}
	}

	r.currentConfig.Store(newCfg)

	r.statsMu.Lock()
	r.stats.SuccessfulReloads++
	r.stats.LastError = ""
	r.statsMu.Unlock()
	metrics.ConfigReloadsTotal.Inc()

	r.logger.WithFields(logrus.Fields{
		"component":   "hotreload",
		"reload_time": time.Since(start),
	}).Info("config reload applied")
}

func (r *Reloader) recordFailure(err error) {
	r.statsMu.Lock()
	r.stats.FailedReloads++
	r.stats.LastError = err.Error()
	r.statsMu.Unlock()
	r.logger.WithError(err).Error("config reload failed")
}

// Stats returns a snapshot of the reloader's counters.
func (r *Reloader) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}
