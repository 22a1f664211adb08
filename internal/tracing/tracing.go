// Package tracing wires OpenTelemetry spans through the pipeline: one stage
// span per record (currently opened by the app's fan-out stage), tagged with
// the record id, exported via Jaeger or OTLP/HTTP per configuration.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/aiguy110/noil/pkg/errors"
	"github.com/aiguy110/noil/pkg/types"
)

// Manager owns the tracer provider for the process lifetime.
type Manager struct {
	cfg      types.TracingConfig
	logger   *logrus.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// New builds a Manager. When cfg.Enabled is false, every span produced by
// the returned tracer is a no-op — callers never need to branch on whether
// tracing is on.
func New(cfg types.TracingConfig, logger *logrus.Logger) (*Manager, error) {
	if !cfg.Enabled {
		return &Manager{cfg: cfg, logger: logger, tracer: otel.Tracer("noil")}, nil
	}

	m := &Manager{cfg: cfg, logger: logger}
	if err := m.initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initialize() error {
	exporter, err := m.createExporter()
	if err != nil {
		return errors.SystemError("tracing_init", err.Error()).Wrap(err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(m.cfg.ServiceName)),
	)
	if err != nil {
		return errors.SystemError("tracing_init", err.Error()).Wrap(err)
	}

	m.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(5*time.Second)),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	)

	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	m.tracer = otel.Tracer(m.cfg.ServiceName)

	m.logger.WithFields(logrus.Fields{
		"component":    "tracing",
		"service_name": m.cfg.ServiceName,
		"exporter":     m.cfg.Exporter,
		"endpoint":     m.cfg.Endpoint,
	}).Info("distributed tracing initialized")
	return nil
}

func (m *Manager) createExporter() (trace.SpanExporter, error) {
	switch m.cfg.Exporter {
	case "jaeger":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(m.cfg.Endpoint)))
	case "otlphttp":
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(otlptracehttp.WithEndpoint(m.cfg.Endpoint)))
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", m.cfg.Exporter)
	}
}

// Tracer returns the process-wide tracer (a no-op tracer if disabled).
func (m *Manager) Tracer() oteltrace.Tracer { return m.tracer }

// Shutdown flushes and releases the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// StartStageSpan starts a span for one pipeline stage processing one
// record, attaching the record id, source id and stage name used to
// correlate spans for the same record.id across stages.
func (m *Manager) StartStageSpan(ctx context.Context, stage, recordID, sourceID string) (context.Context, oteltrace.Span) {
	ctx, span := m.tracer.Start(ctx, stage)
	span.SetAttributes(
		attribute.String("noil.record_id", recordID),
		attribute.String("noil.source_id", sourceID),
		attribute.String("noil.stage", stage),
	)
	return ctx, span
}
