// Package metrics exposes the Prometheus collectors for every pipeline
// stage, plus the HTTP server that serves /metrics and /health.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// Reader stage

	ReaderRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_reader_records_total",
		Help: "Records emitted by a source reader",
	}, []string{"source_id"})

	ReaderUnparseableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_reader_unparseable_total",
		Help: "Lines whose timestamp could not be parsed",
	}, []string{"source_id"})

	ReaderIOErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_reader_io_errors_total",
		Help: "I/O errors encountered while tailing a source",
	}, []string{"source_id"})

	ReaderWatermarkLagSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "noil_reader_watermark_lag_seconds",
		Help: "Seconds between a source's watermark and wall-clock time",
	}, []string{"source_id"})

	TimestampClampedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_reader_timestamp_clamped_total",
		Help: "Timestamps clamped by the configured validation policy",
	}, []string{"source_id"})

	TimestampRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_reader_timestamp_rejected_total",
		Help: "Records rejected by the configured timestamp validation policy",
	}, []string{"source_id"})

	// Sequencer stage

	SequencerHeapDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "noil_sequencer_heap_depth",
		Help: "Number of sources currently contributing to the merge heap",
	})

	SequencerGlobalWatermark = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "noil_sequencer_global_watermark_unixnano",
		Help: "Current global watermark as unix nanoseconds",
	})

	SequencerSourcesExcludedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_sequencer_sources_excluded_total",
		Help: "Sources excluded from the merge after an error, by policy",
	}, []string{"source_id"})

	SequencerRecordsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noil_sequencer_records_emitted_total",
		Help: "Records emitted in global order by the sequencer",
	})

	// Fiber processor stage

	FiberOpenCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "noil_fiberproc_open_fibers",
		Help: "Currently open fibers for a fiber type",
	}, []string{"fiber_type"})

	FiberKeyIndexSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "noil_fiberproc_key_index_size",
		Help: "Entries in a fiber type's key index",
	}, []string{"fiber_type"})

	FiberMergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_fiberproc_merges_total",
		Help: "Fiber merges performed",
	}, []string{"fiber_type"})

	FiberTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_fiberproc_timeouts_total",
		Help: "Fibers closed by the gap timeout",
	}, []string{"fiber_type"})

	FiberPatternClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_fiberproc_pattern_closes_total",
		Help: "Fibers closed by an explicit close pattern",
	}, []string{"fiber_type"})

	FiberPatternMismatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_fiberproc_pattern_mismatch_total",
		Help: "Records that matched no pattern for their source within a fiber type",
	}, []string{"fiber_type", "source_id"})

	FiberAttributeParseFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_fiberproc_attribute_parse_failures_total",
		Help: "Attribute extractions that failed to parse or coerce",
	}, []string{"fiber_type", "attribute"})

	FiberAttributeConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_fiberproc_attribute_conflicts_total",
		Help: "Attribute writes that overwrote a different pre-existing value on the same fiber",
	}, []string{"fiber_type", "attribute"})

	FiberLogicalClock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "noil_fiberproc_logical_clock_unixnano",
		Help: "A fiber type processor's logical clock",
	}, []string{"fiber_type"})

	FiberProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "noil_fiberproc_process_duration_seconds",
		Help:    "Time spent processing one record in a fiber type processor",
		Buckets: prometheus.DefBuckets,
	}, []string{"fiber_type"})

	// Checkpoint stage

	CheckpointWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "noil_checkpoint_write_duration_seconds",
		Help:    "Time spent writing a checkpoint snapshot",
		Buckets: prometheus.DefBuckets,
	})

	CheckpointWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noil_checkpoint_write_failures_total",
		Help: "Checkpoint writes that failed",
	})

	CheckpointGenerationsRetained = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "noil_checkpoint_generations_retained",
		Help: "Checkpoint generations currently retained on disk",
	})

	// Store stage

	StoreWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_store_writes_total",
		Help: "Writes attempted against the store backend",
	}, []string{"backend", "kind", "status"})

	StoreCircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "noil_store_circuit_breaker_state",
		Help: "Store writer circuit breaker state (0=closed,1=half_open,2=open)",
	}, []string{"backend"})

	StoreDLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_store_dlq_total",
		Help: "Records routed to the dead-letter sink after exhausting retries",
	}, []string{"backend"})

	BackpressureDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_backpressure_dropped_total",
		Help: "Items dropped by the configured backpressure strategy",
	}, []string{"stage"})

	// Process/task health

	TaskHeartbeats = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "noil_task_last_heartbeat_unixnano",
		Help: "Unix nanosecond timestamp of a supervised task's last heartbeat",
	}, []string{"task"})

	TaskStalledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noil_task_stalled_total",
		Help: "Times a supervised task was detected as stalled",
	}, []string{"task"})

	ProcessMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "noil_process_memory_bytes",
		Help: "Resident set size of the process",
	})

	ProcessCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "noil_process_cpu_percent",
		Help: "Process CPU usage percent, sampled",
	})

	ProcessGoroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "noil_process_goroutines",
		Help: "Current goroutine count",
	})

	ConfigVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "noil_config_version",
		Help: "Currently active config version",
	})

	ConfigReloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noil_config_reloads_total",
		Help: "Hot reload boundaries crossed",
	})
)

// MetricsServer serves /metrics and /health on its own listener, independent
// of any pipeline traffic.
type MetricsServer struct {
	server    *http.Server
	logger    *logrus.Logger
	healthFn  func() map[string]bool
}

var registerOnce sync.Once

// safeRegister registers a collector that promauto didn't already register,
// swallowing the "already registered" panic so package init order never
// matters.
func safeRegister(collector prometheus.Collector) {
	defer func() { recover() }()
	prometheus.MustRegister(collector)
}

// NewMetricsServer builds a metrics/health server bound to addr. All
// collectors above are created via promauto, which registers them against
// the default registry at package init; safeRegister exists only for
// collectors a future caller wires in dynamically.
func NewMetricsServer(addr string, logger *logrus.Logger) *MetricsServer {
	registerOnce.Do(func() {})

	ms := &MetricsServer{logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", ms.handleHealth)

	ms.server = &http.Server{Addr: addr, Handler: mux}
	return ms
}

// SetHealthFunc installs the callback /health reports. Each key is a
// subsystem name (store, tasks, dlq); the response is 200 only
// if every one of them is true.
func (ms *MetricsServer) SetHealthFunc(fn func() map[string]bool) {
	ms.healthFn = fn
}

func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{}
	if ms.healthFn != nil {
		checks = ms.healthFn()
	}

	healthy := true
	for _, ok := range checks {
		if !ok {
			healthy = false
			break
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

// Start begins serving in the background.
func (ms *MetricsServer) Start() error {
	ms.logger.WithField("addr", ms.server.Addr).Info("starting metrics server")
	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.WithError(err).Error("metrics server error")
		}
	}()
	return nil
}

// Stop shuts the server down.
func (ms *MetricsServer) Stop() error {
	ms.logger.Info("stopping metrics server")
	return ms.server.Close()
}
