// Package telemetry wires the dispatch service into OpenTelemetry for
// distributed tracing and metrics export. It is a trimmed adaptation of the
// teacher framework's OTelProvider: the same OTLP/HTTP pipeline and
// idempotent shutdown, without the teacher's generic RecordMetric name-
// sniffing dispatcher — this service's metrics all flow through
// internal/metrics' own Prometheus collectors, so the OTel meter here only
// needs to emit the handful of span-correlated counters the task lifecycle
// produces directly.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/dispatch/internal/logging"
)

// Provider bundles the trace and metric pipelines the rest of the service
// depends on. A nil *Provider is never passed around; NewNoop returns a
// Provider whose spans and counters are all no-ops.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider

	taskSubmitted metric.Int64Counter
	taskCompleted metric.Int64Counter

	logger       logging.Logger
	shutdownOnce sync.Once
	mu           sync.RWMutex
	closed       bool
}

// New creates a Provider exporting traces and metrics to endpoint over
// OTLP/HTTP. An empty endpoint is treated as "localhost:4318", matching the
// teacher's default.
func New(serviceName, endpoint string, logger logging.Logger) (*Provider, error) {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if serviceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String("1.0.0"),
	)

	ctx := context.Background()

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter for %s: %w", endpoint, err)
	}

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter for %s: %w", endpoint, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	meter := mp.Meter("taskforge-dispatch")

	taskSubmitted, err := meter.Int64Counter("dispatch.tasks.submitted")
	if err != nil {
		return nil, fmt.Errorf("telemetry: create submitted counter: %w", err)
	}
	taskCompleted, err := meter.Int64Counter("dispatch.tasks.completed")
	if err != nil {
		return nil, fmt.Errorf("telemetry: create completed counter: %w", err)
	}

	logger.Info("telemetry provider initialized", logging.Fields{"endpoint": endpoint, "service": serviceName})

	return &Provider{
		tracer:         tp.Tracer("taskforge-dispatch"),
		meter:          meter,
		traceProvider:  tp,
		metricProvider: mp,
		taskSubmitted:  taskSubmitted,
		taskCompleted:  taskCompleted,
		logger:         logger,
	}, nil
}

// NewNoop returns a Provider that performs no network I/O; the cmd
// binaries fall back to it when New fails, and tests use it. An unset
// endpoint does not select it: New then exports to localhost:4318.
func NewNoop() *Provider {
	return &Provider{closed: true}
}

// StartSpan starts a span named name, returning the derived context and a
// Span handle. Safe to call on a no-op provider.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.tracer == nil {
		return ctx, noopSpan{}
	}
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, otelSpan{span: span}
}

// RecordTaskSubmitted increments the submitted-task counter, tagged by
// task type and priority.
func (p *Provider) RecordTaskSubmitted(ctx context.Context, taskType string, priority int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.taskSubmitted == nil {
		return
	}
	p.taskSubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.Int("priority", priority),
	))
}

// RecordTaskCompleted increments the completed-task counter, tagged by
// task type and final state.
func (p *Provider) RecordTaskCompleted(ctx context.Context, taskType, state string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.taskCompleted == nil {
		return
	}
	p.taskCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("state", state),
	))
}

// Shutdown flushes pending spans/metrics and tears down the exporters. Safe
// to call more than once and on a no-op provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		err = p.doShutdown(ctx)
	})
	return err
}

func (p *Provider) doShutdown(ctx context.Context) error {
	var errs []error
	if p.metricProvider != nil {
		if e := p.metricProvider.Shutdown(ctx); e != nil {
			errs = append(errs, fmt.Errorf("shutdown metric provider: %w", e))
		}
	}
	if p.traceProvider != nil {
		if e := p.traceProvider.Shutdown(ctx); e != nil {
			errs = append(errs, fmt.Errorf("shutdown trace provider: %w", e))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	if p.logger != nil {
		p.logger.Error("telemetry shutdown completed with errors", logging.Fields{"errors": fmt.Sprint(errs)})
	}
	return fmt.Errorf("telemetry shutdown errors: %v", errs)
}

// Span is the minimal span handle components depend on, letting call sites
// avoid importing go.opentelemetry.io/otel/trace directly.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

type otelSpan struct{ span trace.Span }

func (s otelSpan) End() { s.span.End() }

func (s otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s otelSpan) RecordError(err error) { s.span.RecordError(err) }

type noopSpan struct{}

func (noopSpan) End()                               {}
func (noopSpan) SetAttribute(string, interface{})   {}
func (noopSpan) RecordError(error)                  {}
