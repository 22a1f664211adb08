// Package reader implements the Source Reader stage (spec §4.1): it tails a
// file source, extracts a timestamp from each first line, coalesces
// continuation lines into the preceding record, and publishes a monotone
// per-source watermark alongside the emitted records.
package reader

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nxadm/tail"
	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/internal/dlq"
	"github.com/aiguy110/noil/internal/metrics"
	"github.com/aiguy110/noil/pkg/errors"
	"github.com/aiguy110/noil/pkg/types"
)

// EventKind distinguishes what an Event onto the reader's output channel
// carries.
type EventKind int

const (
	EventRecord EventKind = iota
	EventWatermark
	EventEndOfStream
)

// Event is the unit the reader emits downstream to the sequencer.
type Event struct {
	Kind      EventKind
	Record    types.LogRecord
	Watermark types.Watermark
}

// Reader implements types.Reader for one configured file source.
type Reader struct {
	cfg    types.SourceConfig
	logger *logrus.Logger
	dlq    *dlq.Sink

	tsRegex  *regexp.Regexp
	tsGroup  int
	tailer   *tail.Tail

	out chan Event

	watermarkMu sync.RWMutex
	watermark   types.Watermark

	pending    *types.LogRecord
	lastOffset int64
	recordSeq  int64

	configVersion int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopped atomic.Bool
}

// New builds a Reader for cfg. restore, if non-nil, is the checkpointed
// state to resume from (spec §4.1 "stored_offset").
func New(cfg types.SourceConfig, configVersion int64, restore *types.SourceCheckpoint, sink *dlq.Sink, logger *logrus.Logger) (*Reader, error) {
	re, err := regexp.Compile(cfg.TimestampPattern)
	if err != nil {
		return nil, errors.ConfigError("compile_timestamp_pattern", fmt.Sprintf("source %s: %v", cfg.ID, err)).WithSeverity(errors.SeverityCritical)
	}
	groupIdx := -1
	for i, name := range re.SubexpNames() {
		if name == "ts" {
			groupIdx = i
			break
		}
	}
	if groupIdx == -1 {
		return nil, errors.ConfigError("compile_timestamp_pattern", fmt.Sprintf("source %s: pattern has no named capture group \"ts\"", cfg.ID)).WithSeverity(errors.SeverityCritical)
	}

	generation := int64(0)
	var lastOffset int64
	if restore != nil {
		generation = restore.Generation
		lastOffset = restore.ByteOffset
	}

	return &Reader{
		cfg:           cfg,
		logger:        logger,
		dlq:           sink,
		tsRegex:       re,
		tsGroup:       groupIdx,
		out:           make(chan Event, 256),
		watermark:     types.Watermark{Generation: generation},
		lastOffset:    lastOffset,
		configVersion: configVersion,
	}, nil
}

// Output returns the channel the sequencer consumes events from.
func (r *Reader) Output() <-chan Event { return r.out }

func (r *Reader) seekInfo() *tail.SeekInfo {
	switch r.cfg.Start {
	case "end":
		return &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	case "stored_offset":
		return &tail.SeekInfo{Offset: r.lastOffset, Whence: io.SeekStart}
	case "beginning":
		fallthrough
	default:
		return &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
}

// Start opens the source and begins emitting onto Output() from a background
// goroutine, returning once the source is open. Output() is closed when ctx
// is cancelled or (in non-follow mode) the source is exhausted.
func (r *Reader) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	tailConfig := tail.Config{
		Follow:   r.cfg.Follow,
		ReOpen:   r.cfg.Follow,
		Location: r.seekInfo(),
		Poll:     false,
	}

	t, err := tail.TailFile(r.cfg.Path, tailConfig)
	if err != nil {
		return errors.ReaderError("open", fmt.Sprintf("source %s: %v", r.cfg.ID, err)).Wrap(err)
	}
	r.tailer = t

	r.logger.WithFields(logrus.Fields{
		"component": "reader",
		"source_id": r.cfg.ID,
		"path":      r.cfg.Path,
		"follow":    r.cfg.Follow,
		"start":     r.cfg.Start,
	}).Info("source reader started")

	r.wg.Add(1)
	go r.run()
	return nil
}

func (r *Reader) idleFlushInterval() time.Duration {
	if r.cfg.IdleFlushInterval > 0 {
		return r.cfg.IdleFlushInterval
	}
	return 2 * time.Second
}

func (r *Reader) run() {
	defer r.wg.Done()
	defer r.tailer.Cleanup()
	defer r.finish()

	idleTimer := time.NewTimer(r.idleFlushInterval())
	defer idleTimer.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.tailer.Stop()
			return

		case line, ok := <-r.tailer.Lines:
			if !ok {
				if err := r.tailer.Err(); err != nil {
					r.logger.WithError(err).WithField("source_id", r.cfg.ID).Warn("tailer ended with error")
					metrics.ReaderIOErrors.WithLabelValues(r.cfg.ID).Inc()
				}
				return
			}
			if line.Err != nil {
				r.logger.WithError(line.Err).WithField("source_id", r.cfg.ID).Warn("line read error")
				metrics.ReaderIOErrors.WithLabelValues(r.cfg.ID).Inc()
				continue
			}
			r.handleLine(line.Text)
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(r.idleFlushInterval())

		case <-idleTimer.C:
			r.flushOnIdle()
			idleTimer.Reset(r.idleFlushInterval())
		}
	}
}

// handleLine implements spec §4.1's multiline coalescing: a line is a
// first-line iff it matches the configured timestamp pattern; anything else
// is a continuation of the previous first-line's raw_text.
func (r *Reader) handleLine(text string) {
	m := r.tsRegex.FindStringSubmatch(text)
	if m == nil || m[r.tsGroup] == "" {
		if r.pending != nil {
			r.pending.RawText += "\n" + text
			return
		}
		// Continuation line with no preceding first-line: nothing to
		// attach it to. Treated like an unparseable line.
		r.countUnparseable(text)
		return
	}

	ts, err := ParseTimestamp(m[r.tsGroup], r.cfg.TimestampFormat)
	if err != nil {
		r.handleUnparseable(text, err)
		return
	}

	ts, ok := r.validateTimestamp(ts)
	if !ok {
		return
	}

	r.emitPending()

	r.recordSeq++
	r.pending = &types.LogRecord{
		ID:            fmt.Sprintf("%s-%d", r.cfg.ID, r.recordSeq),
		Timestamp:     ts,
		SourceID:      r.cfg.ID,
		RawText:       text,
		ConfigVersion: r.configVersion,
	}
}

func (r *Reader) handleUnparseable(text string, parseErr error) {
	metrics.ReaderUnparseableTotal.WithLabelValues(r.cfg.ID).Inc()
	r.logger.WithError(parseErr).WithFields(logrus.Fields{
		"source_id": r.cfg.ID,
		"line":      text,
	}).Warn("unparseable timestamp")

	if r.cfg.OnUnparseable == "fail" {
		r.logger.WithField("source_id", r.cfg.ID).Error("aborting source on unparseable timestamp per policy")
		r.emitPending()
		r.cancel()
		return
	}
	// policy "drop": the line is treated as a continuation if we have a
	// pending record (best-effort; most real first-line regexes are
	// specific enough that this path is rare), otherwise it is simply
	// dropped and counted.
	if r.pending != nil {
		r.pending.RawText += "\n" + text
		return
	}
	if r.cfg.DLQUnparseable {
		if err := r.dlq.MirrorDroppedLine(r.cfg.ID, text, parseErr.Error()); err != nil {
			r.logger.WithError(err).WithField("source_id", r.cfg.ID).Warn("failed to mirror dropped line to dead-letter sink")
		}
	}
}

// validateTimestamp applies the source's opt-in skew policy (spec §7's
// extended error table): a timestamp too far in the past or future relative
// to wall time is either passed through with a warning, clamped to now, or
// rejected and counted, never silently dropped.
func (r *Reader) validateTimestamp(ts time.Time) (time.Time, bool) {
	cfg := r.cfg.Timestamps
	if !cfg.Enabled {
		return ts, true
	}
	now := time.Now().UTC()
	var skewed bool
	if cfg.MaxPastAge > 0 && now.Sub(ts) > cfg.MaxPastAge {
		skewed = true
	}
	if cfg.MaxFutureAge > 0 && ts.Sub(now) > cfg.MaxFutureAge {
		skewed = true
	}
	if !skewed {
		return ts, true
	}

	switch cfg.Action {
	case "clamp":
		metrics.TimestampClampedTotal.WithLabelValues(r.cfg.ID).Inc()
		r.logger.WithFields(logrus.Fields{"source_id": r.cfg.ID, "original": ts}).Warn("timestamp clamped to now")
		return now, true
	case "reject":
		metrics.TimestampRejectedTotal.WithLabelValues(r.cfg.ID).Inc()
		r.logger.WithFields(logrus.Fields{"source_id": r.cfg.ID, "timestamp": ts}).Warn("timestamp rejected by validation policy")
		return ts, false
	default: // "warn"
		r.logger.WithFields(logrus.Fields{"source_id": r.cfg.ID, "timestamp": ts}).Warn("timestamp outside expected skew window")
		return ts, true
	}
}

func (r *Reader) countUnparseable(text string) {
	metrics.ReaderUnparseableTotal.WithLabelValues(r.cfg.ID).Inc()
	if r.cfg.DLQUnparseable {
		if err := r.dlq.MirrorDroppedLine(r.cfg.ID, text, "continuation line with no preceding first-line"); err != nil {
			r.logger.WithError(err).WithField("source_id", r.cfg.ID).Warn("failed to mirror dropped line to dead-letter sink")
		}
	}
}

// emitPending finalizes the in-progress record (if any), sends it
// downstream, and advances the watermark.
func (r *Reader) emitPending() {
	if r.pending == nil {
		return
	}
	rec := *r.pending
	r.pending = nil

	select {
	case r.out <- Event{Kind: EventRecord, Record: rec}:
	case <-r.ctx.Done():
		return
	}

	wm := types.Watermark{Timestamp: rec.Timestamp.Add(-r.cfg.WatermarkSafetyMargin), Generation: r.watermark.Generation}
	r.setWatermark(wm)

	select {
	case r.out <- Event{Kind: EventWatermark, Watermark: wm}:
	case <-r.ctx.Done():
	}

	metrics.ReaderRecordsTotal.WithLabelValues(r.cfg.ID).Inc()
}

// flushOnIdle is spec §4.1's "bounded idle period in follow mode" rule: it
// emits whatever record is pending so a quiescent source's last line is not
// withheld forever, and may advance the watermark to wall-clock-minus-ε —
// the only place wall time enters the core, and only to unblock liveness.
func (r *Reader) flushOnIdle() {
	if r.pending != nil {
		r.emitPending()
		return
	}
	if !r.cfg.Follow {
		return
	}
	wm := types.Watermark{Timestamp: time.Now().UTC().Add(-r.cfg.WatermarkSafetyMargin), Generation: r.watermark.Generation}
	if wm.Before(r.watermark) {
		return
	}
	r.setWatermark(wm)
	select {
	case r.out <- Event{Kind: EventWatermark, Watermark: wm}:
	case <-r.ctx.Done():
	}
}

func (r *Reader) finish() {
	r.emitPending()
	select {
	case r.out <- Event{Kind: EventEndOfStream}:
	default:
	}
	close(r.out)
}

func (r *Reader) setWatermark(wm types.Watermark) {
	r.watermarkMu.Lock()
	if r.watermark.Before(wm) {
		r.watermark = wm
	}
	r.watermarkMu.Unlock()
}

// Watermark returns the current per-source watermark. Safe to call from the
// sequencer's goroutine concurrently with the reader's own goroutine.
func (r *Reader) Watermark() types.Watermark {
	r.watermarkMu.RLock()
	defer r.watermarkMu.RUnlock()
	return r.watermark
}

// Checkpoint returns the data needed to resume this source later.
func (r *Reader) Checkpoint() types.SourceCheckpoint {
	wm := r.Watermark()
	var offset int64
	if r.tailer != nil {
		if pos, err := r.tailer.Tell(); err == nil {
			offset = pos
		}
	}
	return types.SourceCheckpoint{
		SourceID:        r.cfg.ID,
		Path:            r.cfg.Path,
		ByteOffset:      offset,
		LatestTimestamp: wm.Timestamp.UnixNano(),
		Generation:      wm.Generation,
	}
}

// Stop releases the underlying tail.
func (r *Reader) Stop() error {
	if r.stopped.Swap(true) {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}
