// Package observability provides OpenTelemetry tracing and RED (rate,
// errors, duration) metrics for the authorization pipeline.
package observability

import (
	"context"
	"errors"
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

const instrumentationName = "github.com/Mindburn-Labs/sentinel"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // host:port of an OTLP gRPC collector
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sentinel",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

// stageInstruments are the RED instruments for pipeline stages plus the
// per-decision counter.
type stageInstruments struct {
	evaluations metric.Int64Counter
	failures    metric.Int64Counter
	duration    metric.Float64Histogram
	active      metric.Int64UpDownCounter
	decisions   metric.Int64Counter
}

// Provider owns the trace and metric providers. A disabled provider still
// hands out working (no-op) tracers and meters.
type Provider struct {
	config   *Config
	shutdown []func(context.Context) error
	tracer   trace.Tracer
	meter    metric.Meter
	metrics  *stageInstruments
	logger   *slog.Logger
}

// New creates a provider exporting over OTLP gRPC when config.Enabled.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, config, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, config, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}

	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = mp.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if p.metrics, err = newStageInstruments(p.meter); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry export enabled",
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders wires caller-owned providers, typically in-memory SDK
// providers in tests. Shutdown does not close them.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		logger: slog.Default().With("component", "observability"),
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
	}
	var err error
	if p.metrics, err = newStageInstruments(p.meter); err != nil {
		return nil, err
	}
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRate)
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if cfg.SampleRate <= 0 {
		sampler = sdktrace.NeverSample()
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

func newStageInstruments(m metric.Meter) (*stageInstruments, error) {
	evaluations, err1 := m.Int64Counter("sentinel.stage.evaluations",
		metric.WithDescription("Pipeline stage evaluations"),
		metric.WithUnit("{evaluation}"))
	failures, err2 := m.Int64Counter("sentinel.stage.failures",
		metric.WithDescription("Pipeline stage failures, including policy blocks"),
		metric.WithUnit("{failure}"))
	duration, err3 := m.Float64Histogram("sentinel.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10))
	active, err4 := m.Int64UpDownCounter("sentinel.stage.active",
		metric.WithDescription("Stages currently executing"),
		metric.WithUnit("{stage}"))
	decisions, err5 := m.Int64Counter("sentinel.decisions",
		metric.WithDescription("Authorization decisions by outcome and deciding stage"),
		metric.WithUnit("{decision}"))
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		return nil, fmt.Errorf("stage instruments: %w", err)
	}
	return &stageInstruments{
		evaluations: evaluations,
		failures:    failures,
		duration:    duration,
		active:      active,
		decisions:   decisions,
	}, nil
}

// Shutdown flushes and stops providers created by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			p.logger.ErrorContext(ctx, "telemetry shutdown failed", "error", err)
		}
	}
	p.shutdown = nil
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordDecision counts one final pipeline outcome.
func (p *Provider) RecordDecision(ctx context.Context, stage string, passed bool) {
	if p.metrics == nil {
		return
	}
	p.metrics.decisions.Add(ctx, 1, metric.WithAttributes(AttrStage.String(stage), AttrPassed.Bool(passed)))
}

// TrackOperation starts a span and RED bookkeeping for one operation. The
// returned function must be called exactly once when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(attrs...)
	if p.metrics != nil {
		p.metrics.active.Add(ctx, 1, set)
		p.metrics.evaluations.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		if p.metrics != nil {
			p.metrics.active.Add(ctx, -1, set)
			p.metrics.duration.Record(ctx, time.Since(start).Seconds(), set)
			if err != nil {
				p.metrics.failures.Add(ctx, 1, metric.WithAttributes(
					append(append([]attribute.KeyValue(nil), attrs...), attribute.String("error.type", fmt.Sprintf("%T", err)))...))
			}
		}
		if err != nil {
			span.RecordError(err)
		}
		SetSpanStatus(ctx, err)
		span.End()
	}
}
