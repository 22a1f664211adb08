// Package config loads and validates Noil's YAML configuration: sources,
// fiber types, the sequencer, backpressure policy, checkpointing, the store
// backend, hot reload, and tracing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aiguy110/noil/pkg/errors"
	"github.com/aiguy110/noil/pkg/types"

	"gopkg.in/yaml.v2"
)

// LoadConfig reads configFile (if non-empty), applies defaults, then
// environment-variable overrides, expands source paths with ExpandPath, then
// validates the result.
func LoadConfig(configFile string) (*types.Config, error) {
	config := &types.Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)
	for i := range config.Sources {
		config.Sources[i].Path = ExpandPath(config.Sources[i].Path)
	}

	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// applyDefaults fills in values a fresh config needs to run out of the box.
func applyDefaults(config *types.Config) {
	if config.App.LogLevel == "" {
		config.App.LogLevel = "info"
	}
	if config.App.LogFormat == "" {
		config.App.LogFormat = "text"
	}

	if config.Server.Port == 0 {
		config.Server.Port = 9401
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}

	for i := range config.Sources {
		s := &config.Sources[i]
		if s.Type == "" {
			s.Type = "file"
		}
		if s.Start == "" {
			s.Start = "stored_offset"
		}
		if s.TimestampFormat == "" {
			s.TimestampFormat = "iso8601"
		}
		if s.IdleFlushInterval == 0 {
			s.IdleFlushInterval = 2 * time.Second
		}
		if s.OnUnparseable == "" {
			s.OnUnparseable = "drop"
		}
		if s.Timestamps.Enabled && s.Timestamps.Action == "" {
			s.Timestamps.Action = "warn"
		}
	}

	for i := range config.FiberTypes {
		ft := &config.FiberTypes[i]
		if ft.GapMode == "" {
			ft.GapMode = "session"
		}
		if ft.MaxGap == "" {
			ft.MaxGap = "5m"
		}
	}

	if config.Sequencer.OnSourceError == "" {
		config.Sequencer.OnSourceError = "stall"
	}

	if config.Backpressure.Strategy == "" {
		config.Backpressure.Strategy = "block"
	}
	if config.Backpressure.ChannelCapacity == 0 {
		config.Backpressure.ChannelCapacity = 1024
	}
	if config.Backpressure.BufferCap == 0 {
		config.Backpressure.BufferCap = config.Backpressure.ChannelCapacity * 4
	}

	if config.Checkpoint.Directory == "" {
		config.Checkpoint.Directory = "./data/checkpoints"
	}
	if config.Checkpoint.Interval == 0 {
		config.Checkpoint.Interval = 10 * time.Second
	}
	if config.Checkpoint.RetainGenerations == 0 {
		config.Checkpoint.RetainGenerations = 3
	}

	if config.Store.Backend == "" {
		config.Store.Backend = "local_file"
	}
	if config.Store.Local.Directory == "" {
		config.Store.Local.Directory = "./data/store"
	}
	if config.Store.RetryBackoff == 0 {
		config.Store.RetryBackoff = 500 * time.Millisecond
	}
	if config.Store.RetryMaxBackoff == 0 {
		config.Store.RetryMaxBackoff = 30 * time.Second
	}
	if config.Store.CircuitBreakerThreshold == 0 {
		config.Store.CircuitBreakerThreshold = 5
	}
	if config.Store.Kafka.Compression == "" {
		config.Store.Kafka.Compression = "snappy"
	}
	if config.Store.Kafka.RecordsTopic == "" {
		config.Store.Kafka.RecordsTopic = "noil.records"
	}
	if config.Store.Kafka.FibersTopic == "" {
		config.Store.Kafka.FibersTopic = "noil.fibers"
	}
	if config.Store.Kafka.MembershipsTopic == "" {
		config.Store.Kafka.MembershipsTopic = "noil.memberships"
	}
	if config.Store.DLQ.Directory == "" {
		config.Store.DLQ.Directory = "./data/dlq"
	}
	if config.Store.DLQ.QueueSize == 0 {
		config.Store.DLQ.QueueSize = 1000
	}
	if config.Store.DLQ.MaxFiles == 0 {
		config.Store.DLQ.MaxFiles = 10
	}
	if config.Store.DLQ.MaxFileSizeMB == 0 {
		config.Store.DLQ.MaxFileSizeMB = 100
	}
	if config.Store.DLQ.RetentionDays == 0 {
		config.Store.DLQ.RetentionDays = 7
	}
	if config.Store.DLQ.FlushInterval == 0 {
		config.Store.DLQ.FlushInterval = 5 * time.Second
	}

	if config.HotReload.DrainTimeout == 0 {
		config.HotReload.DrainTimeout = 30 * time.Second
	}

	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = "noil"
	}
	if config.Tracing.Exporter == "" {
		config.Tracing.Exporter = "none"
	}
}

// applyEnvironmentOverrides layers environment variables on top of whatever
// the file (or defaults) produced. Only a narrow, process-wide set is
// supported — per spec §6 the CLI surface takes no env vars beyond those
// interpolated into source paths, so these are operational knobs for the
// ambient stack (logging, server), not core behaviour.
func applyEnvironmentOverrides(config *types.Config) {
	config.App.LogLevel = getEnvString("NOIL_LOG_LEVEL", config.App.LogLevel)
	config.App.LogFormat = getEnvString("NOIL_LOG_FORMAT", config.App.LogFormat)
	config.Server.Enabled = getEnvBool("NOIL_SERVER_ENABLED", config.Server.Enabled)
	config.Server.Host = getEnvString("NOIL_SERVER_HOST", config.Server.Host)
	config.Server.Port = getEnvInt("NOIL_SERVER_PORT", config.Server.Port)
	config.Checkpoint.Directory = getEnvString("NOIL_CHECKPOINT_DIR", config.Checkpoint.Directory)
	config.Store.Backend = getEnvString("NOIL_STORE_BACKEND", config.Store.Backend)
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// ValidateConfig runs the full validator over config.
func ValidateConfig(config *types.Config) error {
	v := &ConfigValidator{config: config}
	return v.Validate()
}

// ConfigValidator accumulates validation errors across every section so a
// user sees all configuration problems in one pass, not one-at-a-time.
type ConfigValidator struct {
	config *types.Config
	errs   []error
}

func (v *ConfigValidator) Validate() error {
	v.validateApp()
	v.validateServer()
	v.validateSources()
	v.validateFiberTypes()
	v.validateBackpressure()
	v.validateStore()

	if len(v.errs) > 0 {
		return v.buildValidationError()
	}
	return nil
}

func (v *ConfigValidator) addError(component, operation, message string) {
	v.errs = append(v.errs, errors.ConfigError(operation, message).WithMetadata("component", component))
}

func (v *ConfigValidator) validateApp() {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true}
	if !validLevels[v.config.App.LogLevel] {
		v.addError("app", "validate_log_level", fmt.Sprintf("invalid log level: %s", v.config.App.LogLevel))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[v.config.App.LogFormat] {
		v.addError("app", "validate_log_format", fmt.Sprintf("invalid log format: %s", v.config.App.LogFormat))
	}
}

func (v *ConfigValidator) validateServer() {
	if v.config.Server.Enabled {
		if v.config.Server.Port <= 0 || v.config.Server.Port > 65535 {
			v.addError("server", "validate_port", fmt.Sprintf("invalid server port: %d", v.config.Server.Port))
		}
	}
}

func (v *ConfigValidator) validateSources() {
	if len(v.config.Sources) == 0 {
		v.addError("sources", "validate_count", "at least one source must be configured")
	}
	seen := map[string]bool{}
	for _, s := range v.config.Sources {
		if s.ID == "" {
			v.addError("sources", "validate_id", "source id cannot be empty")
			continue
		}
		if seen[s.ID] {
			v.addError("sources", "validate_id", fmt.Sprintf("duplicate source id: %s", s.ID))
		}
		seen[s.ID] = true
		if s.Type != "file" {
			v.addError("sources", "validate_type", fmt.Sprintf("source %s: unsupported type %q (only \"file\" is supported)", s.ID, s.Type))
		}
		if s.Path == "" {
			v.addError("sources", "validate_path", fmt.Sprintf("source %s: path cannot be empty", s.ID))
		}
		if s.TimestampPattern == "" {
			v.addError("sources", "validate_pattern", fmt.Sprintf("source %s: timestamp_pattern cannot be empty", s.ID))
		} else if !strings.Contains(s.TimestampPattern, "?P<ts>") {
			v.addError("sources", "validate_pattern", fmt.Sprintf("source %s: timestamp_pattern must contain a named capture group \"ts\"", s.ID))
		}
		// timestamp_format is either one of the reserved keywords
		// (iso8601, epoch, epoch_ms) or a literal strftime layout; any
		// non-empty value is accepted here and validated at first use.
		if s.TimestampFormat == "" {
			v.addError("sources", "validate_format", fmt.Sprintf("source %s: timestamp_format cannot be empty", s.ID))
		}
		validStarts := map[string]bool{"beginning": true, "end": true, "stored_offset": true}
		if !validStarts[s.Start] {
			v.addError("sources", "validate_start", fmt.Sprintf("source %s: invalid start %q", s.ID, s.Start))
		}
		validPolicies := map[string]bool{"drop": true, "fail": true}
		if !validPolicies[s.OnUnparseable] {
			v.addError("sources", "validate_on_unparseable", fmt.Sprintf("source %s: invalid on_unparseable %q", s.ID, s.OnUnparseable))
		}
		if s.Timestamps.Enabled {
			validActions := map[string]bool{"clamp": true, "reject": true, "warn": true}
			if !validActions[s.Timestamps.Action] {
				v.addError("sources", "validate_timestamp_action", fmt.Sprintf("source %s: invalid timestamp_validation.action %q", s.ID, s.Timestamps.Action))
			}
		}
	}
}

func (v *ConfigValidator) validateFiberTypes() {
	for _, ft := range v.config.FiberTypes {
		if ft.Name == "" {
			v.addError("fiber_types", "validate_name", "fiber type name cannot be empty")
			continue
		}
		if ft.MaxGap != "infinite" {
			if _, err := time.ParseDuration(ft.MaxGap); err != nil {
				v.addError("fiber_types", "validate_max_gap", fmt.Sprintf("%s: invalid max_gap %q", ft.Name, ft.MaxGap))
			}
		}
		if ft.GapMode != "session" && ft.GapMode != "from_start" {
			v.addError("fiber_types", "validate_gap_mode", fmt.Sprintf("%s: invalid gap_mode %q", ft.Name, ft.GapMode))
		}
		attrNames := map[string]bool{}
		for _, a := range ft.Attributes {
			if a.Name == "" {
				v.addError("fiber_types", "validate_attribute", fmt.Sprintf("%s: attribute name cannot be empty", ft.Name))
				continue
			}
			attrNames[a.Name] = true
			validTypes := map[string]bool{"string": true, "ip": true, "mac": true, "int": true, "float": true}
			if !validTypes[a.Type] {
				v.addError("fiber_types", "validate_attribute_type", fmt.Sprintf("%s.%s: invalid type %q", ft.Name, a.Name, a.Type))
			}
		}
		for _, src := range ft.Sources {
			for i, p := range src.Patterns {
				if p.Regex == "" {
					v.addError("fiber_types", "validate_pattern", fmt.Sprintf("%s.%s[%d]: regex cannot be empty", ft.Name, src.SourceID, i))
				}
			}
		}
	}
}

func (v *ConfigValidator) validateBackpressure() {
	validStrategies := map[string]bool{"block": true, "drop": true, "buffer_in_memory": true}
	if !validStrategies[v.config.Backpressure.Strategy] {
		v.addError("backpressure", "validate_strategy", fmt.Sprintf("invalid strategy %q", v.config.Backpressure.Strategy))
	}
	if v.config.Backpressure.ChannelCapacity <= 0 {
		v.addError("backpressure", "validate_capacity", "channel_capacity must be positive")
	}
}

func (v *ConfigValidator) validateStore() {
	validBackends := map[string]bool{"kafka": true, "local_file": true}
	if !validBackends[v.config.Store.Backend] {
		v.addError("store", "validate_backend", fmt.Sprintf("invalid backend %q", v.config.Store.Backend))
	}
	if v.config.Store.Backend == "kafka" && len(v.config.Store.Kafka.Brokers) == 0 {
		v.addError("store", "validate_kafka_brokers", "kafka backend requires at least one broker")
	}
}

func (v *ConfigValidator) buildValidationError() error {
	if len(v.errs) == 1 {
		return v.errs[0]
	}
	messages := make([]string, 0, len(v.errs))
	for _, err := range v.errs {
		messages = append(messages, err.Error())
	}
	return errors.ConfigError("validate", fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; ")))
}
