// Package dlq mirrors records the pipeline gave up on (either the reader
// dropping an unparseable line, or the store writer exhausting retries)
// into a durable dead-letter sink instead of discarding them silently.
// It is a thin Noil-shaped wrapper around pkg/dlq.DeadLetterQueue, which
// already speaks types.LogRecord directly.
package dlq

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/pkg/dlq"
	"github.com/aiguy110/noil/pkg/types"
)

// Sink mirrors dropped/failed records to disk.
type Sink struct {
	queue *dlq.DeadLetterQueue
	seq   atomic.Int64
}

// New builds a Sink from Noil's DLQConfig, or returns (nil, nil) if disabled
// so callers can treat a nil *Sink as "no DLQ configured".
func New(cfg types.DLQConfig, logger *logrus.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	queue := dlq.NewDeadLetterQueue(dlq.Config{
		Enabled:       true,
		Directory:     cfg.Directory,
		QueueSize:     cfg.QueueSize,
		MaxFiles:      cfg.MaxFiles,
		MaxFileSize:   cfg.MaxFileSizeMB,
		RetentionDays: cfg.RetentionDays,
		FlushInterval: cfg.FlushInterval,
		JSONFormat:    true,
	}, logger)
	return &Sink{queue: queue}, nil
}

// Start begins the sink's background flush/rotation loops.
func (s *Sink) Start() error {
	if s == nil {
		return nil
	}
	return s.queue.Start()
}

// Stop flushes and closes the sink.
func (s *Sink) Stop() error {
	if s == nil {
		return nil
	}
	return s.queue.Stop()
}

// MirrorDroppedLine records a raw line the reader gave up on (unparseable
// timestamp, no preceding first-line to attach a continuation to) as a
// synthetic record so operators can inspect what was discarded.
func (s *Sink) MirrorDroppedLine(sourceID, rawText, reason string) error {
	if s == nil {
		return nil
	}
	s.seq.Add(1)
	rec := types.LogRecord{
		ID:        fmt.Sprintf("%s-dlq-%d", sourceID, s.seq.Load()),
		Timestamp: time.Now().UTC(),
		SourceID:  sourceID,
		RawText:   rawText,
	}
	return s.queue.AddEntry(rec, reason, "unparseable_timestamp", sourceID, 0, nil)
}

// Queue exposes the underlying pkg/dlq queue so a store writer can mirror
// its own exhausted-retry records into the same durable sink the reader
// mirrors dropped lines into.
func (s *Sink) Queue() *dlq.DeadLetterQueue {
	if s == nil {
		return nil
	}
	return s.queue
}

// IsHealthy reports whether the underlying queue is keeping up.
func (s *Sink) IsHealthy() bool {
	if s == nil {
		return true
	}
	return s.queue.IsHealthy()
}
