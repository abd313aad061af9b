// Package observability wires OpenTelemetry tracing and metrics for the
// control plane. Every metric label comes from a closed vocabulary; tenant
// identifiers are never labels.
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

	"github.com/facturaops/guardrail/pkg/contracts"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "guardrail",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider holds the control plane's instruments. All record methods are
// nil-safe when telemetry is disabled.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	ticksTotal        metric.Int64Counter
	transitionsTotal  metric.Int64Counter
	signalsDropped    metric.Int64Counter
	oscillationAlerts metric.Int64Counter
	admissionRejected metric.Int64Counter
	budgetRemaining   metric.Float64Gauge
	controllerState   metric.Int64Gauge
}

// New creates a provider and registers it globally.
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

	p.tracer = otel.Tracer("facturaops.guardrail",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("facturaops.guardrail",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
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
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.ticksTotal, err = p.meter.Int64Counter("guardrail.ticks.total",
		metric.WithDescription("Control loop iterations by outcome and reason"),
		metric.WithUnit("{tick}"))
	if err != nil {
		return err
	}
	p.transitionsTotal, err = p.meter.Int64Counter("guardrail.transitions.total",
		metric.WithDescription("Committed mode transitions by signal type and subsystem"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return err
	}
	p.signalsDropped, err = p.meter.Int64Counter("guardrail.signals.dropped.total",
		metric.WithDescription("Candidate signals dropped by pipeline stage"),
		metric.WithUnit("{signal}"))
	if err != nil {
		return err
	}
	p.oscillationAlerts, err = p.meter.Int64Counter("guardrail.oscillation.alerts.total",
		metric.WithDescription("Oscillation alerts raised per subsystem"),
		metric.WithUnit("{alert}"))
	if err != nil {
		return err
	}
	p.admissionRejected, err = p.meter.Int64Counter("guardrail.admission.rejected.total",
		metric.WithDescription("Admission requests rejected by reason"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.budgetRemaining, err = p.meter.Float64Gauge("guardrail.budget.remaining.pct",
		metric.WithDescription("Remaining error budget per subsystem and metric"),
		metric.WithUnit("%"))
	if err != nil {
		return err
	}
	p.controllerState, err = p.meter.Int64Gauge("guardrail.controller.state",
		metric.WithDescription("Controller state: 0 running, 1 failsafe, 2 suspended"))
	return err
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

// StartTickSpan opens the span covering one control-loop iteration.
func (p *Provider) StartTickSpan(ctx context.Context, correlationID string) (context.Context, trace.Span) {
	if p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, "guardrail.tick",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("correlation_id", correlationID)))
}

// RecordTick counts one completed iteration.
func (p *Provider) RecordTick(ctx context.Context, outcome contracts.DecisionOutcome, reason contracts.DecisionReason) {
	if p.ticksTotal == nil {
		return
	}
	p.ticksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("reason", string(reason)),
	))
}

// RecordTransition counts one committed transition.
func (p *Provider) RecordTransition(ctx context.Context, signalType contracts.SignalType, subsystemID string) {
	if p.transitionsTotal == nil {
		return
	}
	p.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("signal_type", string(signalType)),
		attribute.String("subsystem", subsystemID),
	))
}

// RecordDrop counts one dropped signal by pipeline stage.
func (p *Provider) RecordDrop(ctx context.Context, stage string) {
	if p.signalsDropped == nil {
		return
	}
	p.signalsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordOscillation counts one oscillation alert.
func (p *Provider) RecordOscillation(ctx context.Context, subsystemID string) {
	if p.oscillationAlerts == nil {
		return
	}
	p.oscillationAlerts.Add(ctx, 1, metric.WithAttributes(attribute.String("subsystem", subsystemID)))
}

// RecordBudget publishes one subsystem's remaining budget.
func (p *Provider) RecordBudget(ctx context.Context, subsystemID, metricName string, remainingPct float64) {
	if p.budgetRemaining == nil {
		return
	}
	p.budgetRemaining.Record(ctx, remainingPct, metric.WithAttributes(
		attribute.String("subsystem", subsystemID),
		attribute.String("metric", metricName),
	))
}

// RecordControllerState publishes the controller state gauge.
func (p *Provider) RecordControllerState(ctx context.Context, state contracts.ControllerState) {
	if p.controllerState == nil {
		return
	}
	var v int64
	switch state {
	case contracts.StateFailsafe:
		v = 1
	case contracts.StateSuspended:
		v = 2
	}
	p.controllerState.Record(ctx, v)
}

// AdmissionRejected implements the gate's rejection counter.
func (p *Provider) AdmissionRejected(reason string) {
	if p.admissionRejected == nil {
		return
	}
	p.admissionRejected.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}
