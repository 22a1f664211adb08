// Package kafkastore is the reference Kafka-backed implementation of
// types.Store: records, fiber deltas, and memberships are produced to three
// separate topics, protected by a circuit breaker and a dead-letter sink
// for writes that exhaust their retries.
package kafkastore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/internal/metrics"
	"github.com/aiguy110/noil/pkg/circuit"
	"github.com/aiguy110/noil/pkg/dlq"
	"github.com/aiguy110/noil/pkg/errors"
	"github.com/aiguy110/noil/pkg/types"
)

// Store produces to Kafka using sarama's synchronous producer, wrapped in a
// circuit breaker so a broker outage degrades to dropped/DLQ'd writes
// rather than blocking the pipeline indefinitely.
type Store struct {
	cfg     types.KafkaStoreConfig
	logger  *logrus.Logger
	backoff types.StoreConfig

	producer sarama.SyncProducer
	breaker  *circuit.Breaker
	deadLetterQueue *dlq.DeadLetterQueue
}

// New builds a Kafka store from configuration, without connecting yet.
func New(storeCfg types.StoreConfig, logger *logrus.Logger, deadLetterQueue *dlq.DeadLetterQueue) (*Store, error) {
	cfg := storeCfg.Kafka
	if len(cfg.Brokers) == 0 {
		return nil, errors.ConfigError("kafka_store", "no brokers configured").WithSeverity(errors.SeverityCritical)
	}

	breaker := circuit.NewBreaker(circuit.BreakerConfig{
		Name:             "kafka_store",
		FailureThreshold: storeCfg.CircuitBreakerThreshold,
		SuccessThreshold: 2,
		Timeout:          storeCfg.RetryMaxBackoff,
	}, logger)

	return &Store{
		cfg:             cfg,
		logger:          logger,
		backoff:         storeCfg,
		breaker:         breaker,
		deadLetterQueue: deadLetterQueue,
	}, nil
}

func (s *Store) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3

	switch strings.ToLower(s.cfg.Compression) {
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if s.cfg.SASL.Enabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = s.cfg.SASL.Username
		sc.Net.SASL.Password = s.cfg.SASL.Password
		switch strings.ToUpper(s.cfg.SASL.Mechanism) {
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
			}
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
			}
		}
	}

	return sc
}

// Start connects the producer.
func (s *Store) Start(ctx context.Context) error {
	producer, err := sarama.NewSyncProducer(s.cfg.Brokers, s.saramaConfig())
	if err != nil {
		return errors.StoreError("connect", err.Error()).Wrap(err)
	}
	s.producer = producer
	s.logger.WithFields(logrus.Fields{
		"component": "kafkastore",
		"brokers":   s.cfg.Brokers,
	}).Info("kafka store connected")
	return nil
}

// Stop closes the producer.
func (s *Store) Stop() error {
	if s.producer == nil {
		return nil
	}
	return s.producer.Close()
}

// IsHealthy reports whether the circuit breaker currently permits writes.
func (s *Store) IsHealthy() bool {
	return !s.breaker.IsOpen()
}

func (s *Store) circuitGauge() {
	switch s.breaker.State() {
	case circuit.StateClosed:
		metrics.StoreCircuitBreakerState.WithLabelValues("kafka").Set(0)
	case circuit.StateHalfOpen:
		metrics.StoreCircuitBreakerState.WithLabelValues("kafka").Set(1)
	case circuit.StateOpen:
		metrics.StoreCircuitBreakerState.WithLabelValues("kafka").Set(2)
	}
}

func (s *Store) produce(topic string, key string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	err = s.breaker.Execute(func() error {
		msg := &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(key),
			Value: sarama.ByteEncoder(body),
		}
		_, _, err := s.producer.SendMessage(msg)
		return err
	})
	s.circuitGauge()

	if err != nil {
		metrics.StoreWritesTotal.WithLabelValues("kafka", topic, "error").Inc()
		return errors.StoreError("produce", fmt.Sprintf("topic %s: %v", topic, err)).Wrap(err)
	}
	metrics.StoreWritesTotal.WithLabelValues("kafka", topic, "ok").Inc()
	return nil
}

// WriteLog produces each record to the records topic, keyed by source id.
// A record that still fails after the producer's retries is mirrored
// to the dead-letter sink (if configured) rather than blocking the caller.
func (s *Store) WriteLog(ctx context.Context, records []types.LogRecord) error {
	for _, r := range records {
		if err := s.produce(s.cfg.RecordsTopic, r.SourceID, r); err != nil {
			if s.deadLetterQueue != nil {
				metrics.StoreDLQTotal.WithLabelValues("kafka").Inc()
				if dlqErr := s.deadLetterQueue.AddEntry(r, err.Error(), "store_write_failed", "kafka", 0, nil); dlqErr != nil {
					s.logger.WithError(dlqErr).Warn("failed to write record to dead-letter sink")
				}
				continue
			}
			return err
		}
	}
	return nil
}

// WriteFiber produces a fiber delta to the fibers topic, keyed by fiber id.
func (s *Store) WriteFiber(ctx context.Context, delta types.FiberDelta) error {
	return s.produce(s.cfg.FibersTopic, delta.FiberID, delta)
}

// WriteMemberships produces each membership to the memberships topic, keyed
// by fiber id so all memberships for a fiber land on the same partition.
func (s *Store) WriteMemberships(ctx context.Context, memberships []types.FiberMembership) error {
	for _, m := range memberships {
		if err := s.produce(s.cfg.MembershipsTopic, m.FiberID, m); err != nil {
			return err
		}
	}
	return nil
}
