// Package observability wires structured logging and OpenTelemetry for the
// experiment platform. Telemetry export is opt-in: with no OTLP endpoint
// configured the provider installs nothing and every helper degrades to a
// no-op, so the CLI stays dependency-free in local use.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
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

	"github.com/quantforge/eam/pkg/config"
)

// Config configures logging and the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317"; empty disables export
	SampleRate     float64       // 0.0 to 1.0, default 1.0
	BatchTimeout   time.Duration // span batch flush interval
	LogLevel       string        // DEBUG, INFO, WARN, ERROR
	Insecure       bool          // plaintext OTLP (dev collectors)
}

// DefaultConfig returns local-development defaults: JSON logs at INFO and no
// telemetry export.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "eam",
		ServiceVersion: "0.1.0",
		Environment:    "dev",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		LogLevel:       "INFO",
		Insecure:       true,
	}
}

// FromAppConfig derives an observability config from the application config.
func FromAppConfig(app *config.Config) *Config {
	c := DefaultConfig()
	if app == nil {
		return c
	}
	c.Environment = app.Env
	c.OTLPEndpoint = app.OTLPEndpoint
	if app.LogLevel != "" {
		c.LogLevel = app.LogLevel
	}
	return c
}

// Provider owns the logger and, when export is enabled, the trace and metric
// providers registered as the process-wide globals.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	stageCounter metric.Int64Counter
	stageErrors  metric.Int64Counter
	stageHist    metric.Float64Histogram
}

// New builds a provider. With an empty OTLP endpoint only the logger is set
// up; tracer and meter fall back to the otel globals, which are no-ops unless
// something else installed providers.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Provider{
		config: cfg,
		logger: NewLogger(cfg.LogLevel).With("service", cfg.ServiceName),
	}

	if cfg.OTLPEndpoint == "" {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(cfg.ServiceName,
		trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(cfg.ServiceName,
		metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.initStageMetrics(); err != nil {
		return nil, fmt.Errorf("init stage metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry export enabled",
		"endpoint", cfg.OTLPEndpoint,
		"environment", cfg.Environment,
		"sample_rate", cfg.SampleRate)
	return p, nil
}

// NewLogger builds the process JSON logger at the given level.
func NewLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN", "WARNING":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
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
		return fmt.Errorf("create trace exporter: %w", err)
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
		return fmt.Errorf("create metric exporter: %w", err)
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

func (p *Provider) initStageMetrics() error {
	var err error
	p.stageCounter, err = p.meter.Int64Counter("eam.stages.total",
		metric.WithDescription("Pipeline stages executed."),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		return err
	}
	p.stageErrors, err = p.meter.Int64Counter("eam.stages.errors",
		metric.WithDescription("Pipeline stages that returned an error."),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.stageHist, err = p.meter.Float64Histogram("eam.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300),
	)
	return err
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "err", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "err", err)
		}
	}
	return nil
}

// Logger returns the process logger.
func (p *Provider) Logger() *slog.Logger {
	return p.logger
}

// Tracer returns the configured tracer, or the global fallback.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("eam")
	}
	return p.tracer
}

// Meter returns the configured meter, or the global fallback.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("eam")
	}
	return p.meter
}

// TrackStage opens a span for one pipeline stage and returns the completion
// callback that records duration and outcome.
func (p *Provider) TrackStage(ctx context.Context, stage, jobID string) (context.Context, func(error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("eam.stage", stage),
		attribute.String("eam.job_id", jobID),
	}
	ctx, span := p.Tracer().Start(ctx, "stage."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.stageCounter != nil {
		p.stageCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return ctx, func(err error) {
		if p.stageHist != nil {
			p.stageHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.stageErrors != nil {
				p.stageErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
		}
		span.End()
	}
}
