// Package observability wires OpenTelemetry trace and metric providers for
// the custody core, with counters and histograms covering the telemetry
// pipeline and the ledger commit path.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	Enabled        bool
	Insecure       bool
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "coldtrace-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers plus the pipeline
// instruments. A disabled provider is a safe no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	readingsIngested metric.Int64Counter
	alertsRaised     metric.Int64Counter
	commitsConfirmed metric.Int64Counter
	commitRetries    metric.Int64Counter
	confirmWait      metric.Float64Histogram
}

func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("coldtrace.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("metric provider: %w", err)
	}

	p.tracer = otel.Tracer("coldtrace.core",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("coldtrace.core",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(samplerFor(p.config.SampleRate)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

func (p *Provider) initInstruments() error {
	counter := func(name, desc, unit string) (metric.Int64Counter, error) {
		return p.meter.Int64Counter(name,
			metric.WithDescription(desc), metric.WithUnit(unit))
	}

	var err error
	if p.readingsIngested, err = counter("coldtrace.readings.ingested",
		"Readings accepted into a live binding window", "{reading}"); err != nil {
		return err
	}
	if p.alertsRaised, err = counter("coldtrace.alerts.raised",
		"Threshold violation alerts raised", "{alert}"); err != nil {
		return err
	}
	if p.commitsConfirmed, err = counter("coldtrace.commits.confirmed",
		"Ledger commits confirmed", "{commit}"); err != nil {
		return err
	}
	if p.commitRetries, err = counter("coldtrace.commits.retries",
		"Ledger submission retries", "{retry}"); err != nil {
		return err
	}

	p.confirmWait, err = p.meter.Float64Histogram("coldtrace.commit.confirmation_wait",
		metric.WithDescription("Seconds spent waiting for ledger confirmation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120),
	)
	return err
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("coldtrace.core")
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("coldtrace.core")
	}
	return p.meter
}

// ReadingIngested counts one accepted reading.
func (p *Provider) ReadingIngested(ctx context.Context, role string) {
	if p.readingsIngested != nil {
		p.readingsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("custody.role", role)))
	}
}

// AlertRaised counts one raised alert.
func (p *Provider) AlertRaised(ctx context.Context, alertType string) {
	if p.alertsRaised != nil {
		p.alertsRaised.Add(ctx, 1, metric.WithAttributes(attribute.String("alert.type", alertType)))
	}
}

// CommitConfirmed counts one confirmed commit and its confirmation wait.
func (p *Provider) CommitConfirmed(ctx context.Context, kind string, wait time.Duration) {
	attrs := metric.WithAttributes(attribute.String("intent.kind", kind))
	if p.commitsConfirmed != nil {
		p.commitsConfirmed.Add(ctx, 1, attrs)
	}
	if p.confirmWait != nil {
		p.confirmWait.Record(ctx, wait.Seconds(), attrs)
	}
}

// CommitRetried counts one submission retry.
func (p *Provider) CommitRetried(ctx context.Context, kind string) {
	if p.commitRetries != nil {
		p.commitRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("intent.kind", kind)))
	}
}
