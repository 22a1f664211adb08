package types

import "time"

// Config is the root configuration structure loaded from YAML by
// internal/config. Field groups mirror the pipeline's own stages so that a
// reader of the config file can map each section directly onto a component.
type Config struct {
	App          AppConfig          `yaml:"app"`
	Server       ServerConfig       `yaml:"server"`
	Sources      []SourceConfig     `yaml:"sources"`
	FiberTypes   []FiberTypeConfig  `yaml:"fiber_types"`
	Sequencer    SequencerConfig    `yaml:"sequencer"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
	Store        StoreConfig        `yaml:"store"`
	HotReload    HotReloadConfig    `yaml:"hot_reload"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	LogLevel  string `yaml:"log_level"`  // logrus level name, default "info"
	LogFormat string `yaml:"log_format"` // "json" or "text", default "text"
}

// ServerConfig controls the metrics/health HTTP server.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// SourceConfig describes one input source (spec §6).
type SourceConfig struct {
	ID                   string        `yaml:"id"`
	Type                 string        `yaml:"type"` // currently only "file"
	Path                 string        `yaml:"path"` // supports $env{VAR} and ~ expansion
	TimestampPattern     string        `yaml:"timestamp_pattern"`
	TimestampFormat      string        `yaml:"timestamp_format"` // strftime | iso8601 | epoch | epoch_ms
	Start                string        `yaml:"start"`            // beginning | end | stored_offset
	Follow               bool          `yaml:"follow"`
	IdleFlushInterval    time.Duration `yaml:"idle_flush_interval"`
	WatermarkSafetyMargin time.Duration `yaml:"watermark_safety_margin"`
	OnUnparseable        string        `yaml:"on_unparseable"` // "drop" (default) | "fail"
	DLQUnparseable        bool          `yaml:"dlq_unparseable"`
	Timestamps            TimestampValidationConfig `yaml:"timestamp_validation"`
}

// TimestampValidationConfig narrows the teacher's timestamp validator to the
// three outcomes the spec's error table allows: accept, clamp-and-count, or
// reject-and-count.
type TimestampValidationConfig struct {
	Enabled             bool          `yaml:"enabled"`
	MaxPastAge          time.Duration `yaml:"max_past_age"`
	MaxFutureAge        time.Duration `yaml:"max_future_age"`
	Action              string        `yaml:"action"` // "clamp" | "reject" | "warn"
}

// AttributeDefConfig mirrors spec §6's attribute definition shape.
type AttributeDefConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // string | ip | mac | int | float
	Key     bool   `yaml:"key"`
	Derived string `yaml:"derived"` // interpolation template, may be empty
}

// PatternConfig mirrors spec §6's per-source pattern shape.
type PatternConfig struct {
	Regex                 string   `yaml:"regex"`
	ReleaseMatchingPeerKeys []string `yaml:"release_matching_peer_keys"`
	ReleaseSelfKeys         []string `yaml:"release_self_keys"`
	Close                   bool     `yaml:"close"`
}

// SourcePatternsConfig groups a fiber type's patterns by source id.
type SourcePatternsConfig struct {
	SourceID string          `yaml:"source_id"`
	Patterns []PatternConfig `yaml:"patterns"`
}

// FiberTypeConfig is the static definition of a fiber type, parsed once at
// startup (or on a hot-reload boundary).
type FiberTypeConfig struct {
	Name       string                 `yaml:"name"`
	MaxGap     string                 `yaml:"max_gap"` // duration string or "infinite"
	GapMode    string                 `yaml:"gap_mode"` // "session" | "from_start"
	Attributes []AttributeDefConfig   `yaml:"attributes"`
	Sources    []SourcePatternsConfig `yaml:"sources"`
	MaxLogIDs  int                    `yaml:"max_log_ids"` // optional cap; 0 = unbounded
}

// SequencerConfig controls the k-way merge stage.
type SequencerConfig struct {
	WatermarkSafetyMargin time.Duration `yaml:"watermark_safety_margin"`
	OnSourceError         string        `yaml:"on_source_error"` // "exclude" | "stall"
}

// BackpressureConfig controls the bounded inter-stage channels (spec §5).
type BackpressureConfig struct {
	Strategy       string `yaml:"strategy"` // "block" | "drop" | "buffer_in_memory"
	ChannelCapacity int    `yaml:"channel_capacity"`
	BufferCap       int    `yaml:"buffer_cap"` // only used by buffer_in_memory
}

// CheckpointConfig controls snapshot cadence and retention.
type CheckpointConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Directory       string        `yaml:"directory"`
	Interval        time.Duration `yaml:"interval"`
	RetainGenerations int         `yaml:"retain_generations"`
}

// StoreConfig selects and configures the store-writer backend (§6's "store
// collaborator" — external to the core, but the reference backend lives in
// internal/store and is configured here).
type StoreConfig struct {
	Backend string            `yaml:"backend"` // "kafka" | "local_file"
	Kafka   KafkaStoreConfig  `yaml:"kafka"`
	Local   LocalStoreConfig  `yaml:"local_file"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
	CircuitBreakerThreshold int   `yaml:"circuit_breaker_threshold"`
	DLQ DLQConfig `yaml:"dlq"`
}

// DLQConfig controls the dead-letter sink a store writer mirrors exhausted
// retries into, keeping records that failed delivery on disk instead of
// dropping them silently.
type DLQConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Directory     string        `yaml:"directory"`
	QueueSize     int           `yaml:"queue_size"`
	MaxFiles      int           `yaml:"max_files"`
	MaxFileSizeMB int64         `yaml:"max_file_size_mb"`
	RetentionDays int           `yaml:"retention_days"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// KafkaStoreConfig configures the sarama-backed store writer.
type KafkaStoreConfig struct {
	Brokers         []string `yaml:"brokers"`
	RecordsTopic    string   `yaml:"records_topic"`
	FibersTopic     string   `yaml:"fibers_topic"`
	MembershipsTopic string  `yaml:"memberships_topic"`
	Compression     string   `yaml:"compression"` // none | snappy | lz4 | gzip | zstd
	SASL            SASLConfig `yaml:"sasl"`
}

// SASLConfig configures SCRAM authentication for the Kafka backend.
type SASLConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mechanism string `yaml:"mechanism"` // SCRAM-SHA-256 | SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// LocalStoreConfig configures the local-file reference store backend.
type LocalStoreConfig struct {
	Directory   string `yaml:"directory"`
	Compression string `yaml:"compression"` // none | gzip | zlib | zstd | lz4 | snappy, default gzip
}

// HotReloadConfig controls the config-file watcher (spec §9).
type HotReloadConfig struct {
	Enabled     bool          `yaml:"enabled"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "jaeger" | "otlphttp" | "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}
