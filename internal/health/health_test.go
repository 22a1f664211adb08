package health

import (
	"context"
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

func TestIsHealthyTrueWithNoChecksRegistered(t *testing.T) {
	c, err := New(Config{}, testLogger())
	require.NoError(t, err)
	assert.True(t, c.IsHealthy())
	assert.Empty(t, c.Healthy())
}

func TestIsHealthyReflectsRegisteredChecks(t *testing.T) {
	c, err := New(Config{}, testLogger())
	require.NoError(t, err)

	c.RegisterCheck("store", func() bool { return true })
	c.RegisterCheck("checkpoint", func() bool { return true })
	assert.True(t, c.IsHealthy())

	result := c.Healthy()
	assert.True(t, result["store"])
	assert.True(t, result["checkpoint"])
}

func TestIsHealthyFalseWhenAnyCheckFails(t *testing.T) {
	c, err := New(Config{}, testLogger())
	require.NoError(t, err)

	c.RegisterCheck("store", func() bool { return true })
	c.RegisterCheck("dlq", func() bool { return false })

	assert.False(t, c.IsHealthy())
	result := c.Healthy()
	assert.True(t, result["store"])
	assert.False(t, result["dlq"])
}

func TestRegisterCheckOverwritesSameName(t *testing.T) {
	c, err := New(Config{}, testLogger())
	require.NoError(t, err)

	c.RegisterCheck("store", func() bool { return false })
	c.RegisterCheck("store", func() bool { return true })

	assert.True(t, c.IsHealthy())
	assert.Len(t, c.Healthy(), 1)
}

func TestStartSamplesPeriodicallyAndStopHalts(t *testing.T) {
	c, err := New(Config{Interval: 10 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	c.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	// Stop must return promptly once the loop has actually exited; a second
	// Stop-equivalent wait would hang if the goroutine leaked.
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sampling loop did not exit after Stop")
	}
}
