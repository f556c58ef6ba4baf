package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/guillermoBallester/pgtuner"

// Options describe the running engine. They become resource attributes on
// every exported span and metric.
type Options struct {
	Enabled   bool
	Version   string
	Transport string
	Replicas  int
}

// Provider owns the tracer and instruments handed to the engine. When OTel
// is disabled both are noops and Shutdown does nothing.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	tracer trace.Tracer
	inst   *Instruments
}

// Setup builds the engine's telemetry. With opts.Enabled it registers OTLP
// gRPC trace and metric exporters globally; OTEL_EXPORTER_OTLP_ENDPOINT is
// read by the SDK.
func Setup(ctx context.Context, opts Options) (*Provider, error) {
	if !opts.Enabled {
		return &Provider{tracer: NoopTracer(), inst: NoopInstruments()}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(opts)...))
	if err != nil {
		return nil, fmt.Errorf("creating otel resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	p := &Provider{
		tp: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		),
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
			sdkmetric.WithResource(res),
		),
	}
	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	// W3C trace context only arrives over the http transport.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	p.tracer = p.tp.Tracer(instrumentationName)
	p.inst = NewInstruments()
	return p, nil
}

func resourceAttributes(opts Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName("pgtuner"),
		semconv.ServiceVersion(opts.Version),
		semconv.DBSystemKey.String("postgresql"),
		attribute.Int("pgtuner.replicas", opts.Replicas),
	}
	if opts.Transport != "" {
		attrs = append(attrs, attribute.String("pgtuner.transport", opts.Transport))
	}
	return attrs
}

// Tracer is the engine tracer; a noop tracer when telemetry is off.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return NoopTracer()
	}
	return p.tracer
}

// Instruments are the engine metrics; noops when telemetry is off.
func (p *Provider) Instruments() *Instruments {
	if p == nil || p.inst == nil {
		return NoopInstruments()
	}
	return p.inst
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down tracer: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down meter: %w", err))
		}
	}
	return errors.Join(errs...)
}

func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("noop")
}
