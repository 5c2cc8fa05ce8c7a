// Package telemetry wires OpenTelemetry tracing and metrics for the
// control plane. Traces export over OTLP gRPC or stdout; metrics go
// through the Prometheus bridge and are scraped from the control
// listener's /metrics endpoint.
package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// instrumentation scope for all lingocast telemetry
const scopeName = "lingocast"

// Config holds telemetry configuration.
type Config struct {
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
	ServiceName string        `yaml:"service_name"`
}

// TracesConfig selects the span exporter.
type TracesConfig struct {
	Exporter string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint string `yaml:"endpoint"` // OTLP endpoint (e.g. "localhost:4317")
	Insecure bool   `yaml:"insecure"`
}

// MetricsConfig toggles the Prometheus bridge.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Provider manages the OpenTelemetry SDK lifecycle. It registers the
// global trace and meter providers, so instrumented packages reach it
// through the otel globals.
type Provider struct {
	config  Config
	tracer  trace.Tracer
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	metrics *Metrics
}

// NewProvider builds the telemetry provider and installs it globally.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lingocast"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	p := &Provider{config: cfg}

	var exporter sdktrace.SpanExporter
	switch cfg.Traces.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg.Traces)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP trace exporter initialized", "endpoint", cfg.Traces.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// Spans are recorded but never exported.
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	p.tp = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(p.tp)
	p.tracer = p.tp.Tracer(scopeName)

	if cfg.Metrics.Enabled {
		promExp, err := promexporter.New()
		if err != nil {
			return nil, err
		}
		p.mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
		otel.SetMeterProvider(p.mp)
		p.metrics, err = NewMetrics(p.mp)
		if err != nil {
			return nil, err
		}
		slog.Info("prometheus metrics bridge initialized")
	} else {
		p.metrics = NopMetrics()
	}

	return p, nil
}

func createOTLPExporter(cfg TracesConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Metrics returns the instrument set; a no-op set when metrics are
// disabled.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Shutdown flushes and closes the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Span attribute keys.
const (
	AttrSessionID     = "lingocast.session.id"
	AttrConnectionID  = "lingocast.connection.id"
	AttrAction        = "lingocast.action"
	AttrOutcome       = "lingocast.outcome"
	AttrRole          = "lingocast.role"
	AttrEndReason     = "lingocast.end.reason"
	AttrListenerCount = "lingocast.listener.count"
)

// StartSpan starts a span on the globally registered tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// EndAdmission annotates and ends an admission span. Internal errors
// mark the span failed; caller faults are normal outcomes.
func EndAdmission(span trace.Span, action, sessionID, outcome string) {
	span.SetAttributes(
		attribute.String(AttrAction, action),
		attribute.String(AttrOutcome, outcome),
	)
	if sessionID != "" {
		span.SetAttributes(attribute.String(AttrSessionID, sessionID))
	}
	if outcome == "INTERNAL_ERROR" {
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}
