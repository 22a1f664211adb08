// Package app wires the pipeline stages (source readers, sequencer,
// per-fiber-type processors, checkpoint store, store writer) into a single
// running process, the way the teacher's App orchestrated monitors,
// dispatcher, and sinks: one lifecycle object with New/Start/Stop/Run.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/internal/backpressure"
	"github.com/aiguy110/noil/internal/checkpoint"
	"github.com/aiguy110/noil/internal/config"
	"github.com/aiguy110/noil/internal/dlq"
	"github.com/aiguy110/noil/internal/fiberproc"
	"github.com/aiguy110/noil/internal/health"
	"github.com/aiguy110/noil/internal/hotreload"
	"github.com/aiguy110/noil/internal/metrics"
	"github.com/aiguy110/noil/internal/reader"
	"github.com/aiguy110/noil/internal/sequencer"
	"github.com/aiguy110/noil/internal/store/kafkastore"
	"github.com/aiguy110/noil/internal/store/localstore"
	"github.com/aiguy110/noil/internal/tasksup"
	"github.com/aiguy110/noil/internal/tracing"
	"github.com/aiguy110/noil/pkg/types"
)

// storeItem is one unit of work handed to the store-writer goroutine. Only
// one of the three fields is ever set; it exists so the fan-out stage can
// push records, fiber deltas, and memberships through a single bounded
// channel rather than three independently-sized ones.
type storeItem struct {
	record     *types.LogRecord
	delta      *types.FiberDelta
	membership *types.FiberMembership
}

// App owns every running component of one Noil process: the configured
// source readers, the sequencer merging them, the fiber-type processors
// consuming the merged stream, and the checkpoint/store/health/tracing
// collaborators around them.
type App struct {
	config     *types.Config
	configFile string
	logger     *logrus.Logger

	readers map[string]*reader.Reader
	seq     *sequencer.Sequencer

	processorsMu sync.RWMutex
	processors   map[string]*fiberproc.Processor

	checkpointStore *checkpoint.Store
	store           types.Store
	dlqSink         *dlq.Sink

	recordGate *backpressure.Gate[types.LogRecord]
	storeGate  *backpressure.Gate[storeItem]

	reloader *hotreload.Reloader
	tracer   *tracing.Manager
	health   *health.Checker
	tasks    *tasksup.Supervisor

	metricsServer *metrics.MetricsServer

	ctx    context.Context
	cancel context.CancelFunc
}

// New loads and validates configFile, then builds every pipeline component
// from it. The returned App is ready for Start but nothing is running yet.
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		config:     cfg,
		configFile: configFile,
		logger:     logger,
		readers:    make(map[string]*reader.Reader),
		processors: make(map[string]*fiberproc.Processor),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return app, nil
}

// initializeComponents builds every collaborator in dependency order:
// checkpoint store first (so readers and processors can restore from it),
// then the dead-letter sink, the pipeline stages themselves, the store
// writer, and finally the ambient services (hot reload, tracing, health,
// task supervision, metrics HTTP).
func (app *App) initializeComponents() error {
	restored, err := app.loadCheckpoint()
	if err != nil {
		return err
	}

	if err := app.initDLQ(); err != nil {
		return err
	}
	if err := app.initStore(); err != nil {
		return err
	}
	if err := app.initReaders(restored); err != nil {
		return err
	}
	app.initSequencer()
	if err := app.initProcessors(restored); err != nil {
		return err
	}
	app.initBackpressure()
	app.initTaskSupervisor()
	if err := app.initTracing(); err != nil {
		return err
	}
	if err := app.initHotReload(); err != nil {
		return err
	}
	if err := app.initHealth(); err != nil {
		return err
	}
	app.initMetricsServer()
	return nil
}

func (app *App) loadCheckpoint() (*types.Snapshot, error) {
	cfg := app.config.Checkpoint
	if !cfg.Enabled {
		return nil, nil
	}
	store, err := checkpoint.New(cfg.Directory, cfg.RetainGenerations, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init checkpoint store: %w", err)
	}
	app.checkpointStore = store

	snap, ok, err := store.Load(app.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !ok {
		return nil, nil
	}
	app.logger.WithField("taken_at", time.Unix(0, snap.TakenAt)).Info("restored from checkpoint")
	return snap, nil
}

func (app *App) initDLQ() error {
	sink, err := dlq.New(app.config.Store.DLQ, app.logger)
	if err != nil {
		return fmt.Errorf("failed to init dead-letter sink: %w", err)
	}
	app.dlqSink = sink
	return nil
}

func (app *App) initStore() error {
	switch app.config.Store.Backend {
	case "kafka":
		s, err := kafkastore.New(app.config.Store, app.logger, app.dlqSink.Queue())
		if err != nil {
			return fmt.Errorf("failed to init kafka store: %w", err)
		}
		app.store = s
	case "local_file", "":
		app.store = localstore.New(app.config.Store.Local, app.logger)
	default:
		return fmt.Errorf("unknown store backend %q", app.config.Store.Backend)
	}
	return nil
}

func sourceCheckpointFor(snap *types.Snapshot, sourceID string) *types.SourceCheckpoint {
	if snap == nil {
		return nil
	}
	for i := range snap.Sources {
		if snap.Sources[i].SourceID == sourceID {
			return &snap.Sources[i]
		}
	}
	return nil
}

func processorSnapshotFor(snap *types.Snapshot, fiberType string) *types.ProcessorSnapshot {
	if snap == nil {
		return nil
	}
	for i := range snap.Processors {
		if snap.Processors[i].FiberType == fiberType {
			return &snap.Processors[i]
		}
	}
	return nil
}

func (app *App) initReaders(restored *types.Snapshot) error {
	for _, sc := range app.config.Sources {
		r, err := reader.New(sc, 1, sourceCheckpointFor(restored, sc.ID), app.dlqSink, app.logger)
		if err != nil {
			return fmt.Errorf("failed to init source %q: %w", sc.ID, err)
		}
		app.readers[sc.ID] = r
	}
	return nil
}

func (app *App) initSequencer() {
	inputs := make([]sequencer.Input, 0, len(app.readers))
	for id, r := range app.readers {
		inputs = append(inputs, sequencer.Input{SourceID: id, Events: r.Output()})
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].SourceID < inputs[j].SourceID })

	onError := sequencer.OnSourceError(app.config.Sequencer.OnSourceError)
	app.seq = sequencer.New(inputs, onError, app.logger)
}

func (app *App) initProcessors(restored *types.Snapshot) error {
	for _, fc := range app.config.FiberTypes {
		p, err := fiberproc.New(fc, 1, processorSnapshotFor(restored, fc.Name), app.logger)
		if err != nil {
			return fmt.Errorf("failed to init fiber type %q: %w", fc.Name, err)
		}
		app.processors[fc.Name] = p
	}
	return nil
}

func (app *App) initBackpressure() {
	app.recordGate = backpressure.NewGate[types.LogRecord]("sequencer_to_fiberproc", app.config.Backpressure, app.logger)
	app.storeGate = backpressure.NewGate[storeItem]("fiberproc_to_store", app.config.Backpressure, app.logger)
}

func (app *App) initTaskSupervisor() {
	app.tasks = tasksup.New(tasksup.Config{}, app.logger)
}

func (app *App) initTracing() error {
	t, err := tracing.New(app.config.Tracing, app.logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	app.tracer = t
	return nil
}

func (app *App) initHotReload() error {
	r, err := hotreload.New(hotreload.Config{
		Enabled: app.config.HotReload.Enabled,
	}, app.configFile, app.onConfigReload, app.logger)
	if err != nil {
		return fmt.Errorf("failed to init hot reload: %w", err)
	}
	r.SetCurrentConfig(app.config)
	app.reloader = r
	return nil
}

func (app *App) initHealth() error {
	c, err := health.New(health.Config{}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to init health checker: %w", err)
	}
	app.health = c
	app.health.RegisterCheck("store", app.store.IsHealthy)
	app.health.RegisterCheck("tasks", app.tasks.Healthy)
	app.health.RegisterCheck("dlq", app.dlqSink.IsHealthy)
	return nil
}

func (app *App) initMetricsServer() {
	if !app.config.Server.Enabled {
		return
	}
	addr := fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port)
	app.metricsServer = metrics.NewMetricsServer(addr, app.logger)
	app.metricsServer.SetHealthFunc(app.health.Healthy)
}

// Start brings up every component and launches the pipeline goroutines.
// Readers and the sequencer start their own goroutines; the pump, fan-out,
// store-writer and checkpoint loops run under task supervision so a stalled
// loop shows up on /health instead of hanging silently.
func (app *App) Start() error {
	app.logger.Info("starting noil")

	if app.metricsServer != nil {
		if err := app.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	if err := app.dlqSink.Start(); err != nil {
		return fmt.Errorf("failed to start dead-letter sink: %w", err)
	}
	if err := app.store.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start store: %w", err)
	}
	app.health.Start(app.ctx)

	for id, r := range app.readers {
		if err := r.Start(app.ctx); err != nil {
			return fmt.Errorf("failed to start source %q: %w", id, err)
		}
	}
	if err := app.seq.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start sequencer: %w", err)
	}

	app.tasks.Run(app.ctx, "pump_sequencer", app.pumpSequencer)
	app.tasks.Run(app.ctx, "fan_out", app.fanOut)
	app.tasks.Run(app.ctx, "write_store", app.writeStore)
	if app.checkpointStore != nil && app.config.Checkpoint.Interval > 0 {
		app.tasks.Run(app.ctx, "checkpoint", app.checkpointLoop)
	}

	if err := app.reloader.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start hot reload watcher: %w", err)
	}

	app.logger.Info("noil started")
	return nil
}

// pumpSequencer drains the sequencer's globally-ordered output through the
// first backpressure gate.
func (app *App) pumpSequencer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-app.seq.Output():
			if !ok {
				return nil
			}
			app.recordGate.Send(ctx, rec)
			app.tasks.Heartbeat("pump_sequencer")
		}
	}
}

// fanOut applies every fiber-type processor to each globally-ordered record
// and forwards the record itself plus any resulting deltas and memberships
// through the second backpressure gate to the store writer.
func (app *App) fanOut(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-app.recordGate.Output():
			if !ok {
				return nil
			}
			app.processRecord(rec)
			app.tasks.Heartbeat("fan_out")
		}
	}
}

func (app *App) processRecord(rec types.LogRecord) {
	ctx, span := app.tracer.StartStageSpan(app.ctx, "fanout", rec.ID, rec.SourceID)
	defer span.End()

	app.storeGate.Send(ctx, storeItem{record: &rec})

	app.processorsMu.RLock()
	names := make([]string, 0, len(app.processors))
	for name := range app.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		result := app.processors[name].Process(rec)
		for i := range result.Deltas {
			d := result.Deltas[i]
			app.storeGate.Send(ctx, storeItem{delta: &d})
		}
		for i := range result.Memberships {
			m := result.Memberships[i]
			app.storeGate.Send(ctx, storeItem{membership: &m})
		}
	}
	app.processorsMu.RUnlock()
}

// writeStore drains the store-writer gate and dispatches each item to the
// configured store backend.
func (app *App) writeStore(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-app.storeGate.Output():
			if !ok {
				return nil
			}
			app.tasks.Heartbeat("write_store")
			switch {
			case item.record != nil:
				if err := app.store.WriteLog(app.ctx, []types.LogRecord{*item.record}); err != nil {
					app.logger.WithError(err).WithField("source_id", item.record.SourceID).Warn("failed to write log record")
				}
			case item.delta != nil:
				if err := app.store.WriteFiber(app.ctx, *item.delta); err != nil {
					app.logger.WithError(err).WithField("fiber_id", item.delta.FiberID).Warn("failed to write fiber delta")
				}
			case item.membership != nil:
				if err := app.store.WriteMemberships(app.ctx, []types.FiberMembership{*item.membership}); err != nil {
					app.logger.WithError(err).Warn("failed to write fiber membership")
				}
			}
		}
	}
}

// checkpointLoop persists a full snapshot of every source's read position
// and every processor's open-fiber state on a fixed interval (spec §5).
func (app *App) checkpointLoop(ctx context.Context) error {
	ticker := time.NewTicker(app.config.Checkpoint.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			app.writeCheckpoint()
			app.tasks.Heartbeat("checkpoint")
		}
	}
}

func (app *App) writeCheckpoint() {
	snap := types.Snapshot{
		TakenAt:         time.Now().UnixNano(),
		GlobalWatermark: app.seq.GlobalWatermark(),
	}
	for _, r := range app.readers {
		snap.Sources = append(snap.Sources, r.Checkpoint())
	}

	app.processorsMu.Lock()
	for _, p := range app.processors {
		snap.Processors = append(snap.Processors, p.Snapshot())
	}
	app.processorsMu.Unlock()

	if err := app.checkpointStore.Store(app.ctx, snap); err != nil {
		app.logger.WithError(err).Error("failed to write checkpoint")
	}
}

// onConfigReload installs a fresh processor set built at config_version =
// old+1 from the new fiber-type definitions, draining the superseded
// processors' open fibers as closed deltas first (spec §9's hot-reload
// boundary). Source and store configuration are not reloadable mid-process;
// only the fiber-type definitions are.
func (app *App) onConfigReload(oldCfg, newCfg *types.Config) error {
	nextVersion := int64(1)
	app.processorsMu.RLock()
	for _, p := range app.processors {
		if p.ConfigVersion() >= nextVersion {
			nextVersion = p.ConfigVersion() + 1
		}
	}
	app.processorsMu.RUnlock()

	replacements := make(map[string]*fiberproc.Processor, len(newCfg.FiberTypes))
	for _, fc := range newCfg.FiberTypes {
		p, err := fiberproc.New(fc, nextVersion, nil, app.logger)
		if err != nil {
			return fmt.Errorf("failed to build reloaded fiber type %q: %w", fc.Name, err)
		}
		replacements[fc.Name] = p
	}

	app.processorsMu.Lock()
	old := app.processors
	app.processors = replacements
	app.processorsMu.Unlock()

	for name, p := range old {
		for _, d := range p.Drain() {
			d := d
			app.storeGate.Send(app.ctx, storeItem{delta: &d})
		}
		app.logger.WithField("fiber_type", name).Info("drained fiber processor on reload")
	}

	app.config = newCfg
	metrics.ConfigVersion.Set(float64(nextVersion))
	return nil
}

// Stop cancels the application context and waits for every background
// goroutine and started component to finish, logging but not failing on
// per-component shutdown errors.
func (app *App) Stop() error {
	app.logger.Info("stopping noil")
	app.cancel()

	if err := app.reloader.Stop(); err != nil {
		app.logger.WithError(err).Error("failed to stop hot reload watcher")
	}
	for id, r := range app.readers {
		if err := r.Stop(); err != nil {
			app.logger.WithError(err).WithField("source_id", id).Error("failed to stop reader")
		}
	}
	if err := app.seq.Stop(); err != nil {
		app.logger.WithError(err).Error("failed to stop sequencer")
	}

	app.tasks.StopAll()
	app.health.Stop()

	if app.checkpointStore != nil {
		app.writeCheckpoint()
	}

	if err := app.store.Stop(); err != nil {
		app.logger.WithError(err).Error("failed to stop store")
	}
	if err := app.dlqSink.Stop(); err != nil {
		app.logger.WithError(err).Error("failed to stop dead-letter sink")
	}

	tracingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.tracer.Shutdown(tracingCtx); err != nil {
		app.logger.WithError(err).Error("failed to shut down tracing")
	}

	if app.metricsServer != nil {
		app.metricsServer.Stop()
	}

	app.logger.Info("noil stopped")
	return nil
}

// Run starts the application and blocks until SIGINT/SIGTERM, then shuts
// down gracefully.
func (app *App) Run() error {
	if err := app.Start(); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	app.logger.Info("shutdown signal received")
	return app.Stop()
}
