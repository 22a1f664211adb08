// Package sequencer implements the k-way merge stage (spec §4.2): it reads
// from every configured source reader concurrently and emits a single
// globally-ordered stream of records, gated by the minimum of all sources'
// watermarks.
package sequencer

import (
	"container/heap"
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/internal/metrics"
	"github.com/aiguy110/noil/internal/reader"
	"github.com/aiguy110/noil/pkg/types"
)

// Input is one source's contribution to the merge: its reader and the
// channel the sequencer drains it from.
type Input struct {
	SourceID string
	Events   <-chan reader.Event
}

// heapItem is one pending record waiting to be released, ordered by
// timestamp then by source id for determinism (spec §4.2's tie-break).
type heapItem struct {
	record   types.LogRecord
	arrival  int64 // monotonically increasing arrival sequence, final tie-break
	sourceID string
}

type recordHeap []*heapItem

func (h recordHeap) Len() int { return len(h) }
func (h recordHeap) Less(i, j int) bool {
	if !h[i].record.Timestamp.Equal(h[j].record.Timestamp) {
		return h[i].record.Timestamp.Before(h[j].record.Timestamp)
	}
	if h[i].sourceID != h[j].sourceID {
		return h[i].sourceID < h[j].sourceID
	}
	return h[i].arrival < h[j].arrival
}
func (h recordHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *recordHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// OnSourceError decides what happens to a source that ends with an error.
type OnSourceError string

const (
	OnSourceErrorExclude OnSourceError = "exclude"
	OnSourceErrorStall   OnSourceError = "stall"
)

// sourceState tracks one input source's contribution to the merge.
type sourceState struct {
	id        string
	events    <-chan reader.Event
	watermark types.Watermark
	ended     bool
	excluded  bool
}

// Sequencer merges records from every configured source into one globally
// ordered stream, implementing types.Sequencer.
type Sequencer struct {
	logger        *logrus.Logger
	onSourceError OnSourceError
	safetyMargin  int64 // nanoseconds, informational; readers already apply their own margin

	sources map[string]*sourceState
	heap    recordHeap
	arrival int64

	out chan types.LogRecord

	globalWatermarkMu sync.RWMutex
	globalWatermark   types.Watermark

	stopped chan struct{}
}

// New builds a Sequencer over the given inputs.
func New(inputs []Input, onSourceError OnSourceError, logger *logrus.Logger) *Sequencer {
	s := &Sequencer{
		logger:        logger,
		onSourceError: onSourceError,
		sources:       make(map[string]*sourceState, len(inputs)),
		out:           make(chan types.LogRecord, 256),
		stopped:       make(chan struct{}),
	}
	for _, in := range inputs {
		s.sources[in.SourceID] = &sourceState{id: in.SourceID, events: in.Events}
	}
	heap.Init(&s.heap)
	return s
}

// Output returns the channel fiber processors consume globally-ordered
// records from.
func (s *Sequencer) Output() <-chan types.LogRecord { return s.out }

// envelope tags an event with the source it came from so every source's
// forwarding goroutine can feed one shared channel the merge loop owns
// alone.
type envelope struct {
	sourceID string
	event    reader.Event
}

// Start runs the merge loop until ctx is cancelled or every source ends.
func (s *Sequencer) Start(ctx context.Context) error {
	merged := make(chan envelope, 256)
	var wg sync.WaitGroup
	for id, st := range s.sources {
		wg.Add(1)
		go func(id string, st *sourceState) {
			defer wg.Done()
			for ev := range st.events {
				select {
				case merged <- envelope{sourceID: id, event: ev}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case merged <- envelope{sourceID: id, event: reader.Event{Kind: reader.EventEndOfStream}}:
			case <-ctx.Done():
			}
		}(id, st)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	go s.run(ctx, merged)
	return nil
}

func (s *Sequencer) run(ctx context.Context, merged <-chan envelope) {
	defer close(s.out)
	defer close(s.stopped)

	for {
		if s.allSourcesDone() {
			return
		}

		select {
		case <-ctx.Done():
			return

		case env, ok := <-merged:
			if !ok {
				s.releaseReady()
				return
			}
			st := s.sources[env.sourceID]
			s.handleEvent(st, env.event)
			metrics.SequencerHeapDepth.Set(float64(s.activeSourceCount()))
			s.releaseReady()
		}
	}
}

func (s *Sequencer) handleEvent(st *sourceState, ev reader.Event) {
	switch ev.Kind {
	case reader.EventRecord:
		s.arrival++
		heap.Push(&s.heap, &heapItem{record: ev.Record, arrival: s.arrival, sourceID: st.id})
	case reader.EventWatermark:
		st.watermark = ev.Watermark
	case reader.EventEndOfStream:
		s.endSource(st)
	}
}

func (s *Sequencer) endSource(st *sourceState) {
	if st.ended {
		return
	}
	st.ended = true
	st.watermark = types.InfiniteWatermark
	s.logger.WithField("source_id", st.id).Info("source ended")
}

func (s *Sequencer) activeSourceCount() int {
	n := 0
	for _, st := range s.sources {
		if !st.ended && !st.excluded {
			n++
		}
	}
	return n
}

func (s *Sequencer) allSourcesDone() bool {
	for _, st := range s.sources {
		if !st.ended && !st.excluded {
			return false
		}
	}
	return s.heap.Len() == 0
}

// globalMin computes the minimum watermark across every still-active
// source, which is the point below which the heap may be safely drained
// (spec §4.2: "emit records with timestamp <= min(all source watermarks)").
func (s *Sequencer) globalMin() types.Watermark {
	min := types.InfiniteWatermark
	any := false
	for _, st := range s.sources {
		if st.excluded {
			continue
		}
		if !any || st.watermark.Before(min) {
			min = st.watermark
			any = true
		}
	}
	if !any {
		return types.InfiniteWatermark
	}
	return min
}

func (s *Sequencer) releaseReady() {
	min := s.globalMin()
	for s.heap.Len() > 0 {
		top := s.heap[0]
		wm := types.Watermark{Timestamp: top.record.Timestamp, Generation: s.globalWatermark.Generation}
		if min.Before(wm) {
			break
		}
		heap.Pop(&s.heap)
		select {
		case s.out <- top.record:
			metrics.SequencerRecordsEmittedTotal.Inc()
		case <-s.stopped:
			return
		}
	}
	if min.Before(types.InfiniteWatermark) {
		s.setGlobalWatermark(min)
	}
}

func (s *Sequencer) setGlobalWatermark(wm types.Watermark) {
	s.globalWatermarkMu.Lock()
	if s.globalWatermark.Before(wm) {
		s.globalWatermark = wm
	}
	s.globalWatermarkMu.Unlock()
	metrics.SequencerGlobalWatermark.Set(float64(wm.Timestamp.UnixNano()))
}

// GlobalWatermark returns the current global watermark.
func (s *Sequencer) GlobalWatermark() types.Watermark {
	s.globalWatermarkMu.RLock()
	defer s.globalWatermarkMu.RUnlock()
	return s.globalWatermark
}

// Stop does not signal the merge loop; the loop exits, closing Output(), when
// the context passed to Start is cancelled or every source has ended.
func (s *Sequencer) Stop() error {
	return nil
}

// ExcludeSource drops a source from the global-minimum computation after an
// unrecoverable reader error (spec §7, on_source_error: "exclude").
func (s *Sequencer) ExcludeSource(sourceID string) {
	if st, ok := s.sources[sourceID]; ok {
		st.excluded = true
		metrics.SequencerSourcesExcludedTotal.WithLabelValues(sourceID).Inc()
	}
}
