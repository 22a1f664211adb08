// Package health publishes process-level resource gauges (RSS, CPU,
// goroutine count) on a ticker, the ambient "is the process itself healthy"
// concern carried independently of the pipeline's own domain metrics.
// Adapted from the teacher's pkg/monitoring/resource_monitor.go and
// pkg/leakdetection's goroutine/memory sampling, trimmed to the gauges
// internal/metrics already exposes.
package health

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/internal/metrics"
)

// Config controls the sampling interval.
type Config struct {
	Interval time.Duration
}

// Checker reports whether the process's own resource use looks healthy and
// a set of named subsystem health checks (store, tasks, dlq) registered by
// the app layer.
type Checker struct {
	cfg    Config
	logger *logrus.Logger
	proc   *process.Process

	mu     sync.RWMutex
	checks map[string]func() bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Checker for the current process.
func New(cfg Config, logger *logrus.Logger) (*Checker, error) {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Checker{
		cfg:    cfg,
		logger: logger,
		proc:   proc,
		checks: make(map[string]func() bool),
	}, nil
}

// RegisterCheck adds a named subsystem health predicate (e.g. the store
// writer's circuit breaker, the task supervisor's Healthy()).
func (c *Checker) RegisterCheck(name string, fn func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Start begins periodic resource sampling.
func (c *Checker) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop()
}

// Stop halts sampling.
func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Checker) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Checker) sample() {
	metrics.ProcessGoroutines.Set(float64(runtime.NumGoroutine()))

	if memInfo, err := c.proc.MemoryInfo(); err == nil {
		metrics.ProcessMemoryBytes.Set(float64(memInfo.RSS))
	} else {
		c.logger.WithError(err).Debug("failed to sample process memory")
	}

	if pct, err := c.proc.Percent(0); err == nil {
		metrics.ProcessCPUPercent.Set(pct)
	} else if _, err := cpu.Percent(0, false); err != nil {
		c.logger.WithError(err).Debug("failed to sample process cpu")
	}
}

// Healthy runs every registered subsystem check and returns each result
// keyed by check name.
func (c *Checker) Healthy() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]bool, len(c.checks))
	for name, fn := range c.checks {
		result[name] = fn()
	}
	return result
}

// IsHealthy reports whether every registered check currently passes.
func (c *Checker) IsHealthy() bool {
	for _, ok := range c.Healthy() {
		if !ok {
			return false
		}
	}
	return true
}
