package tasksup

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRunTracksCompletedTask(t *testing.T) {
	s := New(Config{CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer s.StopAll()

	done := make(chan struct{})
	s.Run(context.Background(), "task-a", func(ctx context.Context) error {
		close(done)
		return nil
	})

	<-done
	require.Eventually(t, func() bool {
		st, ok := s.Status("task-a")
		return ok && st.State == StateCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestRunTracksFailedTask(t *testing.T) {
	s := New(Config{CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer s.StopAll()

	s.Run(context.Background(), "task-b", func(ctx context.Context) error {
		return errors.New("boom")
	})

	require.Eventually(t, func() bool {
		st, ok := s.Status("task-b")
		return ok && st.State == StateFailed
	}, time.Second, 5*time.Millisecond)

	st, _ := s.Status("task-b")
	assert.Equal(t, "boom", st.LastError)
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.False(t, s.Healthy())
}

func TestRunRecoversPanicAsFailed(t *testing.T) {
	s := New(Config{CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer s.StopAll()

	s.Run(context.Background(), "task-panic", func(ctx context.Context) error {
		panic("kaboom")
	})

	require.Eventually(t, func() bool {
		st, ok := s.Status("task-panic")
		return ok && st.State == StateFailed
	}, time.Second, 5*time.Millisecond)

	st, _ := s.Status("task-panic")
	assert.Contains(t, st.LastError, "kaboom")
}

func TestCancelledContextDoesNotCountAsFailure(t *testing.T) {
	s := New(Config{CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer s.StopAll()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	s.Run(ctx, "task-c", func(taskCtx context.Context) error {
		close(started)
		<-taskCtx.Done()
		return taskCtx.Err()
	})

	<-started
	cancel()

	require.Eventually(t, func() bool {
		st, ok := s.Status("task-c")
		return ok && st.State != StateRunning
	}, time.Second, 5*time.Millisecond)

	st, _ := s.Status("task-c")
	assert.Equal(t, StateCompleted, st.State, "a task that exits because its own context was cancelled is not a failure")
}

func TestHeartbeatPreventsStallDetection(t *testing.T) {
	s := New(Config{HeartbeatTimeout: 30 * time.Millisecond, CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer s.StopAll()

	stop := make(chan struct{})
	s.Run(context.Background(), "task-d", func(ctx context.Context) error {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-ticker.C:
				s.Heartbeat("task-d")
			}
		}
	})

	time.Sleep(150 * time.Millisecond)
	st, ok := s.Status("task-d")
	require.True(t, ok)
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, s.Healthy())

	close(stop)
}

func TestMissedHeartbeatMarksTaskStalled(t *testing.T) {
	s := New(Config{HeartbeatTimeout: 20 * time.Millisecond, CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer s.StopAll()

	block := make(chan struct{})
	s.Run(context.Background(), "task-e", func(ctx context.Context) error {
		<-block
		return nil
	})

	require.Eventually(t, func() bool {
		st, ok := s.Status("task-e")
		return ok && st.State == StateStalled
	}, time.Second, 5*time.Millisecond)

	assert.False(t, s.Healthy())
	close(block)
}

func TestHeartbeatAfterStallRecoversToRunning(t *testing.T) {
	s := New(Config{HeartbeatTimeout: 20 * time.Millisecond, CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer s.StopAll()

	block := make(chan struct{})
	s.Run(context.Background(), "task-f", func(ctx context.Context) error {
		<-block
		return nil
	})

	require.Eventually(t, func() bool {
		st, ok := s.Status("task-f")
		return ok && st.State == StateStalled
	}, time.Second, 5*time.Millisecond)

	s.Heartbeat("task-f")
	st, ok := s.Status("task-f")
	require.True(t, ok)
	assert.Equal(t, StateRunning, st.State)

	close(block)
}

func TestStopCancelsSingleTask(t *testing.T) {
	s := New(Config{CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer s.StopAll()

	started := make(chan struct{})
	s.Run(context.Background(), "task-g", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	<-started
	s.Stop("task-g")

	st, ok := s.Status("task-g")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, st.State)
}

func TestStopAllCancelsEveryTaskAndStopsLoop(t *testing.T) {
	s := New(Config{CleanupInterval: 10 * time.Millisecond}, testLogger())

	started := make(chan struct{}, 2)
	for _, id := range []string{"x", "y"} {
		s.Run(context.Background(), id, func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return nil
		})
	}
	<-started
	<-started

	s.StopAll()

	all := s.AllStatuses()
	require.Len(t, all, 2)
	for _, st := range all {
		assert.Equal(t, StateCompleted, st.State)
	}
}

func TestStatusUnknownTaskReturnsFalse(t *testing.T) {
	s := New(Config{CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer s.StopAll()

	_, ok := s.Status("nonexistent")
	assert.False(t, ok)
}

func TestHealthyWithNoTasksIsTrue(t *testing.T) {
	s := New(Config{CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer s.StopAll()

	assert.True(t, s.Healthy())
}
