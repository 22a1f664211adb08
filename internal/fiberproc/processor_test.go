package fiberproc

import (
	"io"
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

func sessionCfg(maxGap, gapMode string) types.FiberTypeConfig {
	return types.FiberTypeConfig{
		Name:    "session",
		MaxGap:  maxGap,
		GapMode: gapMode,
		Attributes: []types.AttributeDefConfig{
			{Name: "session_id", Type: "string", Key: true},
		},
		Sources: []types.SourcePatternsConfig{
			{
				SourceID: "app",
				Patterns: []types.PatternConfig{
					{Regex: `session=(?P<session_id>\S+)`},
				},
			},
		},
	}
}

func record(id, sourceID, text string, ts time.Time) types.LogRecord {
	return types.LogRecord{ID: id, SourceID: sourceID, RawText: text, Timestamp: ts}
}

func TestProcessCreatesFiberOnFirstMatch(t *testing.T) {
	p, err := New(sessionCfg("5m", "session"), 1, nil, testLogger())
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	result := p.Process(record("r1", "app", "session=abc connected", base))

	require.Len(t, result.Memberships, 1)
	require.Len(t, result.Deltas, 1)
	assert.Equal(t, types.DeltaCreated, result.Deltas[0].Kind)
	assert.Equal(t, 1, p.OpenFiberCount())
	assert.Equal(t, "abc", result.Deltas[0].Keys["session_id"])
}

func TestProcessJoinsExistingFiberByKey(t *testing.T) {
	p, err := New(sessionCfg("5m", "session"), 1, nil, testLogger())
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r1 := p.Process(record("r1", "app", "session=abc connected", base))
	r2 := p.Process(record("r2", "app", "session=abc did a thing", base.Add(time.Second)))

	require.Len(t, r2.Memberships, 1)
	assert.Equal(t, r1.Deltas[0].FiberID, r2.Memberships[0].FiberID)
	assert.Equal(t, 1, p.OpenFiberCount(), "second record should join, not create")
}

func TestProcessIgnoresUnmatchedRecord(t *testing.T) {
	p, err := New(sessionCfg("5m", "session"), 1, nil, testLogger())
	require.NoError(t, err)

	result := p.Process(record("r1", "app", "no session marker here", time.Now()))
	assert.Empty(t, result.Memberships)
	assert.Empty(t, result.Deltas)
	assert.Equal(t, 0, p.OpenFiberCount())
}

func TestProcessIgnoresRecordFromUnconfiguredSource(t *testing.T) {
	p, err := New(sessionCfg("5m", "session"), 1, nil, testLogger())
	require.NoError(t, err)

	result := p.Process(record("r1", "other_source", "session=abc", time.Now()))
	assert.Empty(t, result.Memberships)
	assert.Equal(t, 0, p.OpenFiberCount())
}

func TestSweepTimeoutsClosesFiberPastMaxGap(t *testing.T) {
	p, err := New(sessionCfg("1m", "session"), 1, nil, testLogger())
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.Process(record("r1", "app", "session=abc first", base))
	assert.Equal(t, 1, p.OpenFiberCount())

	// A later record that matches no pattern still advances the logical
	// clock and triggers the timeout sweep.
	result := p.Process(record("r2", "app", "no marker here", base.Add(2*time.Minute)))

	require.NotEmpty(t, result.Deltas)
	var sawTimeout bool
	for _, d := range result.Deltas {
		if d.Kind == types.DeltaClosedTimeout {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)
	assert.Equal(t, 0, p.OpenFiberCount())
}

func TestMaxGapInfiniteNeverTimesOut(t *testing.T) {
	p, err := New(sessionCfg("infinite", "session"), 1, nil, testLogger())
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.Process(record("r1", "app", "session=abc first", base))
	p.Process(record("r2", "app", "irrelevant", base.Add(24*time.Hour)))

	assert.Equal(t, 1, p.OpenFiberCount())
}

func TestClosePatternClosesFiberImmediately(t *testing.T) {
	cfg := sessionCfg("5m", "session")
	cfg.Sources[0].Patterns = append([]types.PatternConfig{{
		Regex: `session=(?P<session_id>\S+) disconnected`,
		Close: true,
	}}, cfg.Sources[0].Patterns...)
	p, err := New(cfg, 1, nil, testLogger())
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.Process(record("r1", "app", "session=abc connected", base))
	result := p.Process(record("r2", "app", "session=abc disconnected", base.Add(time.Second)))

	require.NotEmpty(t, result.Deltas)
	assert.Equal(t, types.DeltaClosedPattern, result.Deltas[len(result.Deltas)-1].Kind)
	assert.Equal(t, 0, p.OpenFiberCount())
}

func TestDrainClosesAllOpenFibersForReload(t *testing.T) {
	p, err := New(sessionCfg("5m", "session"), 1, nil, testLogger())
	require.NoError(t, err)

	p.Process(record("r1", "app", "session=abc", time.Now()))
	p.Process(record("r2", "app", "session=def", time.Now()))
	require.Equal(t, 2, p.OpenFiberCount())

	deltas := p.Drain()
	assert.Len(t, deltas, 2)
	for _, d := range deltas {
		assert.Equal(t, types.DeltaClosedReload, d.Kind)
	}
	assert.Equal(t, 0, p.OpenFiberCount())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	p1, err := New(sessionCfg("5m", "session"), 3, nil, testLogger())
	require.NoError(t, err)
	p1.Process(record("r1", "app", "session=abc connected", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	snap := p1.Snapshot()
	require.Len(t, snap.OpenFibers, 1)

	p2, err := New(sessionCfg("5m", "session"), 4, &snap, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, p2.OpenFiberCount())

	// A second record with the same key should join the restored fiber
	// rather than minting a new one, proving the key index was rebuilt.
	result := p2.Process(record("r2", "app", "session=abc again", time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)))
	require.Len(t, result.Memberships, 1)
	assert.Equal(t, snap.OpenFibers[0].FiberID, result.Memberships[0].FiberID)
}

func TestConfigVersionTagsDeltas(t *testing.T) {
	p, err := New(sessionCfg("5m", "session"), 7, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.ConfigVersion())

	result := p.Process(record("r1", "app", "session=abc", time.Now()))
	require.Len(t, result.Memberships, 1)
	assert.Equal(t, int64(7), result.Memberships[0].ConfigVersion)
	assert.Equal(t, int64(7), result.Deltas[0].ConfigVersion)
}

func TestDerivedAttributeCycleRejected(t *testing.T) {
	cfg := sessionCfg("5m", "session")
	cfg.Attributes = []types.AttributeDefConfig{
		{Name: "a", Derived: "${b}"},
		{Name: "b", Derived: "${a}"},
	}
	_, err := New(cfg, 1, nil, testLogger())
	require.Error(t, err)
}

func TestInvalidPatternRegexRejected(t *testing.T) {
	cfg := sessionCfg("5m", "session")
	cfg.Sources[0].Patterns[0].Regex = `(unclosed`
	_, err := New(cfg, 1, nil, testLogger())
	require.Error(t, err)
}

// TestMergeSurvivorChosenByFirstActivityNotLexicalID covers spec §8 scenario
// 4: once fiber_seq passes single digits, lexical fiber-id order diverges
// from first_activity order, so the survivor must be picked by earliest
// first_activity (tie-broken by fiber id), not by sort.Strings on the ids.
func TestMergeSurvivorChosenByFirstActivityNotLexicalID(t *testing.T) {
	cfg := types.FiberTypeConfig{
		Name: "conn",
		Attributes: []types.AttributeDefConfig{
			{Name: "mac", Type: "string", Key: true},
			{Name: "port", Type: "string", Key: true},
		},
		Sources: []types.SourcePatternsConfig{
			{
				SourceID: "app",
				Patterns: []types.PatternConfig{
					{Regex: `mac=(?P<mac>\S+) port=(?P<port>\S+)`},
					{Regex: `mac=(?P<mac>\S+)`},
					{Regex: `port=(?P<port>\S+)`},
				},
			},
		},
	}
	p, err := New(cfg, 1, nil, testLogger())
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Mint eight throwaway fibers so the later fiber's id reaches double
	// digits ("conn-10"), while the earliest-activity fiber keeps the
	// lexically larger id ("conn-9").
	for i := 0; i < 8; i++ {
		p.Process(record("filler", "app", "mac=ff:ff:ff:ff:ff:ff", base.Add(time.Duration(i)*time.Millisecond)))
		p.Drain()
	}

	rA := p.Process(record("a1", "app", "mac=aa:bb:cc:dd:ee:ff", base)) // conn-9, first_activity = base
	require.Len(t, rA.Memberships, 1)
	fiberA := rA.Memberships[0].FiberID

	rB := p.Process(record("b1", "app", "port=80", base.Add(time.Hour))) // conn-10, later first_activity
	require.Len(t, rB.Memberships, 1)
	fiberB := rB.Memberships[0].FiberID
	require.NotEqual(t, fiberA, fiberB)

	result := p.Process(record("c1", "app", "mac=aa:bb:cc:dd:ee:ff port=80", base.Add(2*time.Hour)))
	require.Len(t, result.Memberships, 1)
	assert.Equal(t, fiberA, result.Memberships[0].FiberID, "earliest first_activity must survive regardless of lexical id order")

	var sawMerge bool
	for _, d := range result.Deltas {
		if d.Kind == types.DeltaMerged {
			sawMerge = true
			assert.Equal(t, fiberB, d.FiberID)
		}
	}
	assert.True(t, sawMerge)
}

// TestPeerKeyReleaseClearsPeerKeysMap covers spec §8 scenario 3: releasing a
// peer's key must clear it from that fiber's own Keys map, not just the
// index, so a later close of the peer doesn't evict the new fiber's entry.
func TestPeerKeyReleaseClearsPeerKeysMap(t *testing.T) {
	cfg := types.FiberTypeConfig{
		Name:   "trace",
		MaxGap: "3s",
		Attributes: []types.AttributeDefConfig{
			{Name: "thread", Type: "string", Key: true},
		},
		Sources: []types.SourcePatternsConfig{
			{
				SourceID: "app",
				Patterns: []types.PatternConfig{
					{
						Regex:                   `thread-(?P<thread>\d+) Received`,
						ReleaseMatchingPeerKeys: []string{"thread"},
					},
					{Regex: `thread-(?P<thread>\d+)`},
				},
			},
		},
	}
	p, err := New(cfg, 1, nil, testLogger())
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rA := p.Process(record("r1", "app", "thread-5 starting", base))
	require.Len(t, rA.Memberships, 1)
	fiberA := rA.Memberships[0].FiberID

	rB := p.Process(record("r2", "app", "thread-5 Received", base.Add(time.Second)))
	require.Len(t, rB.Memberships, 1)
	fiberB := rB.Memberships[0].FiberID
	require.NotEqual(t, fiberA, fiberB, "record should join a new fiber, not the peer")

	sessionA := p.openFibers[fiberA]
	require.NotNil(t, sessionA)
	_, stillHasKey := sessionA.Keys["thread"]
	assert.False(t, stillHasKey, "peer's own Keys map must be cleared, not just the index")

	// Advance the logical clock enough to time out fiber A (idle since t=0,
	// past the 3s gap) but not fiber B (idle only since t=1s). If A's stale
	// Keys map still carried thread=5, closing A would wrongly release B's
	// live index entry.
	result := p.Process(record("r3", "app", "nothing to see here", base.Add(4*time.Second)))
	var closedA bool
	for _, d := range result.Deltas {
		if d.Kind == types.DeltaClosedTimeout && d.FiberID == fiberA {
			closedA = true
		}
	}
	require.True(t, closedA, "fiber A should have timed out")
	require.Equal(t, 1, p.OpenFiberCount(), "fiber B must still be open")

	e := p.lookupKey("thread", "5")
	require.NotNil(t, e, "fiber B's key entry must survive the peer's close")
	assert.Equal(t, fiberB, e.fiberID)
}

// TestDerivedAttributeGatedOnAllReferencesPresent covers spec §8 scenario 5:
// a derived attribute is only installed once every attribute it references
// has a value on the current record.
func TestDerivedAttributeGatedOnAllReferencesPresent(t *testing.T) {
	cfg := types.FiberTypeConfig{
		Name: "conn",
		Attributes: []types.AttributeDefConfig{
			{Name: "ip", Type: "ip", Key: true},
			{Name: "port", Type: "string", Key: true},
			{Name: "conn", Type: "string", Key: true, Derived: "${ip}:${port}"},
		},
		Sources: []types.SourcePatternsConfig{
			{
				SourceID: "app",
				Patterns: []types.PatternConfig{
					{Regex: `ip=(?P<ip>\S+) port=(?P<port>\S+)`},
					{Regex: `ip=(?P<ip>\S+)`},
				},
			},
		},
	}
	p, err := New(cfg, 1, nil, testLogger())
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r1 := p.Process(record("r1", "app", "ip=1.2.3.4", base))
	require.Len(t, r1.Memberships, 1)
	fiberID := r1.Memberships[0].FiberID

	_, hasConn := r1.Deltas[0].Attributes["conn"]
	assert.False(t, hasConn, "conn must be undefined until port is also present")
	assert.Nil(t, p.lookupKey("conn", "1.2.3.4:"), "a gated derived attribute must not be installed as a key")

	r2 := p.Process(record("r2", "app", "ip=1.2.3.4 port=80", base.Add(time.Second)))
	require.Len(t, r2.Memberships, 1)
	assert.Equal(t, fiberID, r2.Memberships[0].FiberID, "both records belong to the same fiber")

	lastDelta := r2.Deltas[len(r2.Deltas)-1]
	assert.Equal(t, "1.2.3.4:80", lastDelta.Attributes["conn"].String)
	assert.NotNil(t, p.lookupKey("ip", "1.2.3.4"))
	assert.NotNil(t, p.lookupKey("port", "80"))
	assert.NotNil(t, p.lookupKey("conn", "1.2.3.4:80"))
}

// TestTimeoutThenKeyReuseDoesNotCorruptIndex covers spec §8 scenario 2: a
// fiber closed by the timeout sweep must fully release its keys so the same
// key value can be claimed cleanly by a brand-new fiber.
func TestTimeoutThenKeyReuseDoesNotCorruptIndex(t *testing.T) {
	p, err := New(sessionCfg("5s", "session"), 1, nil, testLogger())
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r1 := p.Process(record("r1", "app", "session=7 start", base))
	require.Len(t, r1.Memberships, 1)
	firstFiber := r1.Memberships[0].FiberID

	r2 := p.Process(record("r2", "app", "session=7 start", base.Add(10*time.Second)))
	require.Len(t, r2.Memberships, 1)
	secondFiber := r2.Memberships[0].FiberID

	assert.NotEqual(t, firstFiber, secondFiber, "the reused key must create a new fiber, not merge into the timed-out one")

	var sawTimeout bool
	for _, d := range r2.Deltas {
		if d.Kind == types.DeltaClosedTimeout {
			sawTimeout = true
			assert.Equal(t, firstFiber, d.FiberID)
		}
	}
	assert.True(t, sawTimeout)

	e := p.lookupKey("session_id", "7")
	require.NotNil(t, e)
	assert.Equal(t, secondFiber, e.fiberID, "the index entry must point at the new fiber only")
}
