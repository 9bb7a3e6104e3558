// Package observability provides OpenTelemetry-based observability for
// the write-safety core: traces around store operations and counters for
// the events operators watch during an incident (replays, conflicts,
// auto-unlocks, breaker flips).
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
	OTLPEndpoint   string // e.g., "localhost:4317" for gRPC
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "caseline-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	replays            metric.Int64Counter
	keyConflicts       metric.Int64Counter
	lockConflicts      metric.Int64Counter
	autoUnlocks        metric.Int64Counter
	breakerTransitions metric.Int64Counter
	sequenceAllocs     metric.Int64Counter
}

// New creates a new observability provider.
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

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer(config.ServiceName)
	p.meter = p.meterProvider.Meter(config.ServiceName)

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized", "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.replays, err = p.meter.Int64Counter("caseline.idempotency.replays",
		metric.WithDescription("Requests answered from the idempotency replay cache")); err != nil {
		return err
	}
	if p.keyConflicts, err = p.meter.Int64Counter("caseline.idempotency.fingerprint_conflicts",
		metric.WithDescription("Idempotency keys reused with a different fingerprint")); err != nil {
		return err
	}
	if p.lockConflicts, err = p.meter.Int64Counter("caseline.entitylock.conflicts",
		metric.WithDescription("Lock acquisitions rejected because another actor holds the lock")); err != nil {
		return err
	}
	if p.autoUnlocks, err = p.meter.Int64Counter("caseline.entitylock.auto_unlocks",
		metric.WithDescription("Locks taken over after the inactivity timeout")); err != nil {
		return err
	}
	if p.breakerTransitions, err = p.meter.Int64Counter("caseline.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return err
	}
	if p.sequenceAllocs, err = p.meter.Int64Counter("caseline.sequence.allocations",
		metric.WithDescription("Sequence numbers allocated")); err != nil {
		return err
	}
	return nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// RecordReplay counts an idempotent replay for a tenant.
func (p *Provider) RecordReplay(ctx context.Context, tenantID string) {
	if p.replays != nil {
		p.replays.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenantID)))
	}
}

// RecordKeyConflict counts a fingerprint conflict.
func (p *Provider) RecordKeyConflict(ctx context.Context, tenantID string) {
	if p.keyConflicts != nil {
		p.keyConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenantID)))
	}
}

// RecordLockConflict counts a rejected lock acquisition.
func (p *Provider) RecordLockConflict(ctx context.Context, tenantID string) {
	if p.lockConflicts != nil {
		p.lockConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenantID)))
	}
}

// RecordAutoUnlock counts an inactivity takeover.
func (p *Provider) RecordAutoUnlock(ctx context.Context, tenantID string) {
	if p.autoUnlocks != nil {
		p.autoUnlocks.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenantID)))
	}
}

// RecordBreakerTransition counts a breaker state change.
func (p *Provider) RecordBreakerTransition(ctx context.Context, dependency, from, to string) {
	if p.breakerTransitions != nil {
		p.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("dependency", dependency),
			attribute.String("from", from),
			attribute.String("to", to),
		))
	}
}

// RecordSequenceAlloc counts an identifier allocation.
func (p *Provider) RecordSequenceAlloc(ctx context.Context, domain string) {
	if p.sequenceAllocs != nil {
		p.sequenceAllocs.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("observability shutdown: %v", errs)
	}
	return nil
}
