// Package tasksup supervises the pipeline's long-running cooperative tasks
// (the app's sequencer pump, fan-out, store-writer and checkpoint loops):
// it tracks per-task heartbeats and
// surfaces a stalled task as a health flag instead of crashing the process.
package tasksup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/internal/metrics"
)

// State is a task's last-observed lifecycle state.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStalled   State = "stalled"
)

// Status is a point-in-time snapshot of one supervised task.
type Status struct {
	ID            string
	State         State
	StartedAt     time.Time
	LastHeartbeat time.Time
	ErrorCount    int64
	LastError     string
}

// Config controls heartbeat timeout and cleanup cadence.
type Config struct {
	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration
}

type task struct {
	id            string
	state         State
	startedAt     time.Time
	lastHeartbeat time.Time
	errorCount    int64
	lastError     string
	cancel        context.CancelFunc
	done          chan struct{}
}

// Supervisor owns the lifecycle and heartbeat bookkeeping for every
// cooperative task in the pipeline.
type Supervisor struct {
	cfg    Config
	logger *logrus.Logger

	mu    sync.RWMutex
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Supervisor and starts its stall-detection loop.
func New(cfg Config, logger *logrus.Logger) *Supervisor {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:    cfg,
		logger: logger,
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}

	s.wg.Add(1)
	go s.watchLoop()
	return s
}

// Run registers taskID and runs fn in a new goroutine, deriving its context
// from parentCtx so cancelling the parent stops the task. fn is expected to
// call Heartbeat periodically; a task that stops heartbeating past
// HeartbeatTimeout is marked stalled for /health without being killed,
// since only fn's own context cancellation can actually stop it.
func (s *Supervisor) Run(parentCtx context.Context, taskID string, fn func(context.Context) error) {
	taskCtx, cancel := context.WithCancel(parentCtx)

	t := &task{
		id:            taskID,
		state:         StateRunning,
		startedAt:     time.Now(),
		lastHeartbeat: time.Now(),
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	s.mu.Lock()
	s.tasks[taskID] = t
	s.mu.Unlock()
	metrics.TaskHeartbeats.WithLabelValues(taskID).Set(float64(t.lastHeartbeat.UnixNano()))

	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				s.mu.Lock()
				t.state = StateFailed
				t.errorCount++
				t.lastError = fmt.Sprintf("panic: %v", r)
				s.mu.Unlock()
				s.logger.WithFields(logrus.Fields{"component": "tasksup", "task_id": taskID, "panic": r}).Error("supervised task panicked")
			}
		}()

		err := fn(taskCtx)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil && taskCtx.Err() == nil {
			t.state = StateFailed
			t.errorCount++
			t.lastError = err.Error()
			s.logger.WithError(err).WithFields(logrus.Fields{"component": "tasksup", "task_id": taskID}).Error("supervised task exited with error")
			return
		}
		t.state = StateCompleted
	}()

	s.logger.WithFields(logrus.Fields{"component": "tasksup", "task_id": taskID}).Info("task registered")
}

// Heartbeat records that taskID is still making progress.
func (s *Supervisor) Heartbeat(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.lastHeartbeat = time.Now()
		if t.state == StateStalled {
			t.state = StateRunning
		}
		metrics.TaskHeartbeats.WithLabelValues(taskID).Set(float64(t.lastHeartbeat.UnixNano()))
	}
}

// Stop cancels taskID's context and waits for it to exit.
func (s *Supervisor) Stop(taskID string) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	select {
	case <-t.done:
	case <-time.After(10 * time.Second):
		s.logger.WithField("task_id", taskID).Warn("timed out waiting for task to stop")
	}
}

// StopAll cancels every registered task and waits for the supervisor's own
// loop to exit.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Stop(id)
	}

	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) watchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.detectStalls()
		}
	}
}

func (s *Supervisor) detectStalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, t := range s.tasks {
		if t.state == StateRunning && now.Sub(t.lastHeartbeat) > s.cfg.HeartbeatTimeout {
			t.state = StateStalled
			metrics.TaskStalledTotal.WithLabelValues(id).Inc()
			s.logger.WithFields(logrus.Fields{"component": "tasksup", "task_id": id}).Warn("task heartbeat stalled")
		}
	}
}

// Status returns the current snapshot for taskID.
func (s *Supervisor) Status(taskID string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Status{}, false
	}
	return statusOf(t), true
}

// AllStatuses returns a snapshot of every registered task.
func (s *Supervisor) AllStatuses() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Status, len(s.tasks))
	for id, t := range s.tasks {
		out[id] = statusOf(t)
	}
	return out
}

// Healthy reports whether every task is running or has completed cleanly —
// false if anything is stalled or failed, used directly by the /health
// handler.
func (s *Supervisor) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.state == StateStalled || t.state == StateFailed {
			return false
		}
	}
	return true
}

func statusOf(t *task) Status {
	return Status{
		ID:            t.id,
		State:         t.state,
		StartedAt:     t.startedAt,
		LastHeartbeat: t.lastHeartbeat,
		ErrorCount:    t.errorCount,
		LastError:     t.lastError,
	}
}
