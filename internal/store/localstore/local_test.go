package localstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiguy110/noil/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// readFrames reads every length-prefixed, gzip-compressed frame from path
// and gunzips each one back to its JSON body.
func readFrames(t *testing.T, path string) [][]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var frames [][]byte
	for len(data) > 0 {
		require.GreaterOrEqual(t, len(data), 4)
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		require.GreaterOrEqual(t, uint32(len(data)), n)
		compressed := data[:n]
		data = data[n:]

		gr, err := gzip.NewReader(bytes.NewReader(compressed))
		require.NoError(t, err)
		body, err := io.ReadAll(gr)
		require.NoError(t, err)
		frames = append(frames, body)
	}
	return frames
}

func newTestStore(t *testing.T) (*Store, string) {
	dir := t.TempDir()
	s := New(types.LocalStoreConfig{Directory: dir}, testLogger())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop() })
	return s, dir
}

func TestWriteLogAppendsRecordsStream(t *testing.T) {
	s, dir := newTestStore(t)

	records := []types.LogRecord{
		{ID: "r1", SourceID: "a", RawText: "first"},
		{ID: "r2", SourceID: "a", RawText: "second"},
	}
	require.NoError(t, s.WriteLog(context.Background(), records))

	frames := readFrames(t, filepath.Join(dir, "records.gzip"))
	require.Len(t, frames, 2)

	var got types.LogRecord
	require.NoError(t, json.Unmarshal(frames[0], &got))
	assert.Equal(t, "r1", got.ID)
	require.NoError(t, json.Unmarshal(frames[1], &got))
	assert.Equal(t, "r2", got.ID)
}

func TestWriteFiberAppendsFibersStream(t *testing.T) {
	s, dir := newTestStore(t)

	require.NoError(t, s.WriteFiber(context.Background(), types.FiberDelta{FiberID: "f1", Kind: types.DeltaCreated}))
	require.NoError(t, s.WriteFiber(context.Background(), types.FiberDelta{FiberID: "f1", Kind: types.DeltaClosedTimeout}))

	frames := readFrames(t, filepath.Join(dir, "fibers.gzip"))
	require.Len(t, frames, 2)

	var d1, d2 types.FiberDelta
	require.NoError(t, json.Unmarshal(frames[0], &d1))
	require.NoError(t, json.Unmarshal(frames[1], &d2))
	assert.Equal(t, types.DeltaCreated, d1.Kind)
	assert.Equal(t, types.DeltaClosedTimeout, d2.Kind)
}

func TestWriteMembershipsAppendsMembershipsStream(t *testing.T) {
	s, dir := newTestStore(t)

	memberships := []types.FiberMembership{
		{FiberID: "f1", LogID: "r1"},
		{FiberID: "f1", LogID: "r2"},
	}
	require.NoError(t, s.WriteMemberships(context.Background(), memberships))

	frames := readFrames(t, filepath.Join(dir, "memberships.gzip"))
	require.Len(t, frames, 2)
}

func TestStreamsAreIndependentFiles(t *testing.T) {
	s, dir := newTestStore(t)

	require.NoError(t, s.WriteLog(context.Background(), []types.LogRecord{{ID: "r1"}}))
	require.NoError(t, s.WriteFiber(context.Background(), types.FiberDelta{FiberID: "f1"}))
	require.NoError(t, s.WriteMemberships(context.Background(), []types.FiberMembership{{FiberID: "f1", LogID: "r1"}}))

	for _, name := range []string{"records.gzip", "fibers.gzip", "memberships.gzip"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "expected %s to exist", name)
	}
}

func TestIsHealthyAlwaysTrue(t *testing.T) {
	s, _ := newTestStore(t)
	assert.True(t, s.IsHealthy())
}

func TestStopClosesUnderlyingFiles(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.WriteLog(context.Background(), []types.LogRecord{{ID: "r1"}}))
	require.NoError(t, s.Stop())

	// A write after Stop must fail since the underlying file is closed.
	err := s.WriteLog(context.Background(), []types.LogRecord{{ID: "r2"}})
	assert.Error(t, err)
}

func TestTimestampSurvivesRoundTrip(t *testing.T) {
	s, dir := newTestStore(t)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteLog(context.Background(), []types.LogRecord{{ID: "r1", Timestamp: ts}}))

	frames := readFrames(t, filepath.Join(dir, "records.gzip"))
	require.Len(t, frames, 1)
	var got types.LogRecord
	require.NoError(t, json.Unmarshal(frames[0], &got))
	assert.True(t, ts.Equal(got.Timestamp))
}
