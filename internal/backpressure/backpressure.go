// Package backpressure implements the bounded inter-stage channel policy
// (spec §5): every hop between pipeline stages runs through a Gate whose
// full-queue behaviour is exactly one of block, drop, or buffer_in_memory,
// never an unannounced stall. Adapted down from the teacher's
// pkg/backpressure/manager.go, which escalates through five adaptive levels
// driven by live system metrics; Noil's channels only need the three fixed
// strategies the config schema names, so the level ladder is dropped in
// favour of a single configured Strategy per gate.
package backpressure

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/internal/metrics"
	"github.com/aiguy110/noil/pkg/types"
)

// Strategy is the behaviour a Gate applies when its channel is full.
type Strategy string

const (
	StrategyBlock          Strategy = "block"
	StrategyDrop           Strategy = "drop"
	StrategyBufferInMemory Strategy = "buffer_in_memory"
)

// Gate wraps a bounded channel of T with the configured overflow policy.
// buffer_in_memory additionally spills into an in-process ring once the
// channel itself is full, up to bufferCap entries, dropping the oldest
// buffered entry to make room for a newer one rather than the new entry
// itself — recent activity is more useful to a correlator than stale.
type Gate[T any] struct {
	stage    string
	strategy Strategy
	ch       chan T
	bufferCap int

	overflow []T
	logger   *logrus.Logger
}

// NewGate builds a Gate for one named stage transition (e.g.
// "sequencer_to_fiberproc"), used as the metric label on drops.
func NewGate[T any](stage string, cfg types.BackpressureConfig, logger *logrus.Logger) *Gate[T] {
	strategy := Strategy(cfg.Strategy)
	if strategy == "" {
		strategy = StrategyBlock
	}
	capacity := cfg.ChannelCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	bufferCap := cfg.BufferCap
	if bufferCap <= 0 {
		bufferCap = capacity * 4
	}
	return &Gate[T]{
		stage:     stage,
		strategy:  strategy,
		ch:        make(chan T, capacity),
		bufferCap: bufferCap,
		logger:    logger,
	}
}

// Output returns the channel downstream consumers read from.
func (g *Gate[T]) Output() <-chan T { return g.ch }

// Send applies the gate's strategy for one item. It returns false only when
// ctx is cancelled; a drop under the "drop" strategy still returns true
// since the item was deliberately discarded, not blocked on cancellation.
func (g *Gate[T]) Send(ctx context.Context, item T) bool {
	switch g.strategy {
	case StrategyDrop:
		select {
		case g.ch <- item:
		case <-ctx.Done():
			return false
		default:
			metrics.BackpressureDroppedTotal.WithLabelValues(g.stage).Inc()
		}
		return true

	case StrategyBufferInMemory:
		g.drainOverflow()
		if len(g.overflow) == 0 {
			select {
			case g.ch <- item:
				return true
			case <-ctx.Done():
				return false
			default:
			}
		}
		g.buffer(item)
		return true

	default: // block
		select {
		case g.ch <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}
}

func (g *Gate[T]) buffer(item T) {
	if len(g.overflow) >= g.bufferCap {
		g.overflow = g.overflow[1:]
		metrics.BackpressureDroppedTotal.WithLabelValues(g.stage).Inc()
	}
	g.overflow = append(g.overflow, item)
}

// drainOverflow opportunistically pushes buffered items onto the channel
// whenever Send finds room, so a transient spike recovers once the
// downstream consumer catches up.
func (g *Gate[T]) drainOverflow() {
	for len(g.overflow) > 0 {
		select {
		case g.ch <- g.overflow[0]:
			g.overflow = g.overflow[1:]
		default:
			return
		}
	}
}

// Close closes the output channel. Callers must stop calling Send first.
func (g *Gate[T]) Close() { close(g.ch) }

// Buffered reports how many items currently sit in the in-memory overflow,
// for metrics/diagnostics.
func (g *Gate[T]) Buffered() int { return len(g.overflow) }
