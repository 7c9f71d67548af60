// Package telemetry wraps OpenTelemetry tracing and RED (Rate, Errors,
// Duration) metrics around a pipeline run, grounded on the teacher's
// pkg/observability.Provider. Narrowed to this engine's shape: one span
// per run plus per-step child spans, and request/error/duration
// instruments keyed by filter id rather than HTTP route. Trace export
// goes over OTLP/gRPC exactly as the teacher wires it; metrics are kept
// in-process (no metric exporter ships in this engine's dependency set)
// so the provider still exercises go.opentelemetry.io/otel/sdk/metric
// without inventing an exporter dependency the rest of the stack never
// uses.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/fiscallayer/validation-core/pkg/hooks"
	"github.com/fiscallayer/validation-core/pkg/model"
)

// Config configures the telemetry Provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"
	Insecure       bool
	Enabled        bool
}

// DefaultConfig returns telemetry disabled, so embedding the engine costs
// nothing until a caller opts in.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "validation-core",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
		Enabled:        false,
	}
}

// Provider holds the configured trace/metric providers and the RED
// instruments used to annotate a pipeline run.
type Provider struct {
	config Config

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	stepCounter  metric.Int64Counter
	errorCounter metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// New constructs a Provider. If cfg.Enabled is false, every method is a
// safe no-op (an unexported cfg check) so callers can wire a Provider
// unconditionally and flip it on via config.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{config: cfg}
	if !cfg.Enabled {
		p.tracer = otel.Tracer(cfg.ServiceName)
		p.meter = otel.Meter(cfg.ServiceName)
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = otel.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.stepCounter, err = p.meter.Int64Counter("validation.steps.total",
		metric.WithDescription("Total number of filter steps executed"),
		metric.WithUnit("{step}"))
	if err != nil {
		return fmt.Errorf("telemetry: step counter: %w", err)
	}
	p.errorCounter, err = p.meter.Int64Counter("validation.steps.errors",
		metric.WithDescription("Total number of filter steps that errored"),
		metric.WithUnit("{step}"))
	if err != nil {
		return fmt.Errorf("telemetry: error counter: %w", err)
	}
	p.stepDuration, err = p.meter.Float64Histogram("validation.step.duration",
		metric.WithDescription("Filter step duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("telemetry: duration histogram: %w", err)
	}
	return nil
}

// Shutdown flushes and stops the trace/metric providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}

// Observer returns an hooks.Observer that annotates a single run with a
// parent span and per-step child spans plus the RED instruments.
func (p *Provider) Observer() hooks.Observer {
	return &observer{provider: p, spans: map[string]trace.Span{}, starts: map[string]time.Time{}}
}

type observer struct {
	hooks.Base
	provider *Provider
	ctx      context.Context
	runSpan  trace.Span
	spans    map[string]trace.Span
	starts   map[string]time.Time
}

func (o *observer) OnRunStart(e hooks.RunStartEvent) {
	ctx, span := o.provider.tracer.Start(context.Background(), "validation.run",
		trace.WithAttributes(attribute.String("run.id", e.RunID), attribute.String("plan.id", e.PlanID)))
	o.ctx = ctx
	o.runSpan = span
}

func (o *observer) OnStepStart(e hooks.StepStartEvent) {
	if o.ctx == nil {
		o.ctx = context.Background()
	}
	_, span := o.provider.tracer.Start(o.ctx, "validation.step",
		trace.WithAttributes(attribute.String("filter.id", e.FilterID)))
	o.spans[e.FilterID] = span
	o.starts[e.FilterID] = e.StartedAt
}

func (o *observer) OnStepComplete(e hooks.StepCompleteEvent) {
	attrs := metric.WithAttributes(attribute.String("filter.id", e.Result.FilterID))
	if o.provider.stepCounter != nil {
		o.provider.stepCounter.Add(context.Background(), 1, attrs)
	}
	if started, ok := o.starts[e.Result.FilterID]; ok && o.provider.stepDuration != nil {
		o.provider.stepDuration.Record(context.Background(), time.Since(started).Seconds(), attrs)
	}
	if e.Result.Execution == model.ExecutionErrored && o.provider.errorCounter != nil {
		o.provider.errorCounter.Add(context.Background(), 1, attrs)
	}
	if span, ok := o.spans[e.Result.FilterID]; ok {
		if e.Result.Error != nil {
			span.RecordError(fmt.Errorf("%s", model.Sanitize(e.Result.Error.Message)))
		}
		span.End()
		delete(o.spans, e.Result.FilterID)
	}
}

func (o *observer) OnRunComplete(e hooks.RunCompleteEvent) {
	if o.runSpan != nil {
		if e.Aborted {
			o.runSpan.RecordError(fmt.Errorf("run aborted: %s", model.Sanitize(e.AbortReason)))
		}
		o.runSpan.End()
	}
}
