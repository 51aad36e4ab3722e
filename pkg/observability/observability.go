// Package observability provides OpenTelemetry tracing and metrics for
// the control plane: OTLP export, RED (Rate, Errors, Duration) request
// metrics, and counters for the pipeline stages (sync, model, skill,
// delivery).
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
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults. Telemetry is off unless an
// endpoint is configured.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "loupe-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the pipeline
// counters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram

	syncCounter     metric.Int64Counter
	modelCounter    metric.Int64Counter
	skillCounter    metric.Int64Counter
	deliveryCounter metric.Int64Counter
}

// New creates an observability provider. When disabled, every recording
// method is a no-op.
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
			attribute.String("loupe.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("loupe.core",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("loupe.core",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
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
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
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
		return fmt.Errorf("failed to create metric exporter: %w", err)
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

func (p *Provider) initMetrics() error {
	var err error
	p.requestCounter, err = p.meter.Int64Counter("loupe.requests.total",
		metric.WithDescription("Total number of requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("loupe.errors.total",
		metric.WithDescription("Total number of request errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("loupe.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return err
	}
	p.syncCounter, err = p.meter.Int64Counter("loupe.syncs.total",
		metric.WithDescription("Total source sync runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}
	p.modelCounter, err = p.meter.Int64Counter("loupe.model_runs.total",
		metric.WithDescription("Total model runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}
	p.skillCounter, err = p.meter.Int64Counter("loupe.skill_runs.total",
		metric.WithDescription("Total skill runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}
	p.deliveryCounter, err = p.meter.Int64Counter("loupe.deliveries.total",
		metric.WithDescription("Total channel delivery attempts"),
		metric.WithUnit("{attempt}"),
	)
	return err
}

// RecordRequest records one handled request.
func (p *Provider) RecordRequest(ctx context.Context, route string, status int, duration time.Duration) {
	if p.requestCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	p.requestCounter.Add(ctx, 1, attrs)
	if status >= 500 {
		p.errorCounter.Add(ctx, 1, attrs)
	}
	p.durationHist.Record(ctx, duration.Seconds(), attrs)
}

// RecordSync counts one source sync run.
func (p *Provider) RecordSync(ctx context.Context, status string) {
	if p.syncCounter != nil {
		p.syncCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordModelRun counts one model run.
func (p *Provider) RecordModelRun(ctx context.Context, objective, status string) {
	if p.modelCounter != nil {
		p.modelCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("objective", objective),
			attribute.String("status", status),
		))
	}
}

// RecordSkillRun counts one skill run.
func (p *Provider) RecordSkillRun(ctx context.Context, baseID, status string) {
	if p.skillCounter != nil {
		p.skillCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("skill", baseID),
			attribute.String("status", status),
		))
	}
}

// RecordDelivery counts one channel delivery attempt.
func (p *Provider) RecordDelivery(ctx context.Context, channel, status string) {
	if p.deliveryCounter != nil {
		p.deliveryCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("status", status),
		))
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("loupe.core")
	}
	return p.tracer
}

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}
