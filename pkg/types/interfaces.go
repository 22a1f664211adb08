// Package types - interface definitions for the pluggable pipeline stages
// and their external collaborators.
package types

import "context"

// Reader defines the Source Reader stage (spec §4.1): converts a
// byte-addressable append-mostly source into a monotone sequence of
// LogRecords with a published per-source watermark.
type Reader interface {
	// Start opens the source at the configured start position and begins
	// emitting records and watermark advances onto its output channel from a
	// background goroutine; it returns once the source is open. Emission ends
	// when ctx is cancelled or the source is exhausted (non-follow mode).
	Start(ctx context.Context) error
	// Stop releases the underlying stream.
	Stop() error
	// Watermark returns the current per-source watermark.
	Watermark() Watermark
	// Checkpoint returns the data needed to resume this source later.
	Checkpoint() SourceCheckpoint
}

// SourceCheckpoint is the persisted state for one source (spec §4.1/§5).
type SourceCheckpoint struct {
	SourceID        string
	Path            string
	ByteOffset      int64
	Identity        string // inode-or-equivalent
	LatestTimestamp int64  // unix nanos
	Generation      int64
}

// Sequencer defines the k-way merge stage (spec §4.2).
type Sequencer interface {
	Start(ctx context.Context) error
	Stop() error
	GlobalWatermark() Watermark
}

// FiberProcessor defines one per-type processor (spec §4.3).
type FiberProcessor interface {
	// Process handles one globally-ordered record and returns the
	// memberships and deltas it produced.
	Process(r LogRecord) ProcessResult
	// ConfigVersion reports the processor's installed config version.
	ConfigVersion() int64
	// Drain flushes all open fibers as closed (used at a hot-reload
	// boundary) and returns the resulting deltas.
	Drain() []FiberDelta
	// OpenFiberCount reports the number of currently open fibers, for
	// metrics.
	OpenFiberCount() int
	// Snapshot captures enough state to resume this processor's open fibers
	// after a restart.
	Snapshot() ProcessorSnapshot
}

// Store is the external store collaborator (spec §6) the core writes to.
// Deliberately minimal: the core depends on nothing beyond these operations.
type Store interface {
	WriteLog(ctx context.Context, records []LogRecord) error
	WriteFiber(ctx context.Context, delta FiberDelta) error
	WriteMemberships(ctx context.Context, memberships []FiberMembership) error
	Start(ctx context.Context) error
	Stop() error
	IsHealthy() bool
}

// CheckpointStore is the checkpoint collaborator (spec §6): load returns the
// last snapshot or none; store is durable and idempotent.
type CheckpointStore interface {
	Load(ctx context.Context) (*Snapshot, bool, error)
	Store(ctx context.Context, snap Snapshot) error
}

// Snapshot is the full checkpoint contents (spec §5 "Checkpoints"): per
// source, sequencer, and per-fiber-type processor state.
type Snapshot struct {
	TakenAt       int64 // unix nanos
	Sources       []SourceCheckpoint
	GlobalWatermark Watermark
	Processors    []ProcessorSnapshot
}

// ProcessorSnapshot is the persisted state of one fiber-type processor.
type ProcessorSnapshot struct {
	FiberType     string
	ConfigVersion int64
	LogicalClock  int64 // unix nanos
	OpenFibers    []FiberSession
}
