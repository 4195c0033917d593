// Package observer wires baton runs into OpenTelemetry: a Tracer
// implementation backed by an OTLP trace exporter, and run metrics exported
// over OTLP HTTP.
package observer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/batonkit/baton"
)

// Observer owns the telemetry pipeline for a process.
type Observer struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	runs        metric.Int64Counter
	runDuration metric.Float64Histogram
	tokens      metric.Int64Counter
	toolCalls   metric.Int64Counter
	yields      metric.Int64Counter
}

// Init builds an Observer exporting traces and metrics to an OTLP HTTP
// endpoint. Call Shutdown on process exit to flush.
func Init(ctx context.Context, cfg baton.ObserverConfig) (*Observer, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "baton"
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	traceExp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)

	metricExp, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.Endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)

	o := &Observer{tp: tp, mp: mp}
	meter := mp.Meter("github.com/batonkit/baton")
	if o.runs, err = meter.Int64Counter("baton.runs",
		metric.WithDescription("Completed Run calls by status")); err != nil {
		return nil, err
	}
	if o.runDuration, err = meter.Float64Histogram("baton.run.duration",
		metric.WithDescription("Run wall time in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if o.tokens, err = meter.Int64Counter("baton.tokens",
		metric.WithDescription("Model tokens by direction")); err != nil {
		return nil, err
	}
	if o.toolCalls, err = meter.Int64Counter("baton.tool.calls",
		metric.WithDescription("Tool executions by tool and outcome")); err != nil {
		return nil, err
	}
	if o.yields, err = meter.Int64Counter("baton.yields",
		metric.WithDescription("Invocation yields")); err != nil {
		return nil, err
	}
	return o, nil
}

// Shutdown flushes and stops the exporters.
func (o *Observer) Shutdown(ctx context.Context) error {
	terr := o.tp.Shutdown(ctx)
	merr := o.mp.Shutdown(ctx)
	if terr != nil {
		return terr
	}
	return merr
}

// Tracer returns a baton.Tracer that emits OpenTelemetry spans.
func (o *Observer) Tracer() baton.Tracer {
	return &otelTracer{tracer: o.tp.Tracer("github.com/batonkit/baton")}
}

// RecordRun counts one finished run.
func (o *Observer) RecordRun(ctx context.Context, status baton.RunStatus, duration time.Duration, usage baton.Usage) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	o.runs.Add(ctx, 1, attrs)
	o.runDuration.Record(ctx, duration.Seconds(), attrs)
	o.tokens.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(attribute.String("direction", "input")))
	o.tokens.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(attribute.String("direction", "output")))
}

// StreamHook returns a baton.StreamFunc that counts tool results and yields
// as they happen. Compose it with any other stream consumer.
func (o *Observer) StreamHook(ctx context.Context) baton.StreamFunc {
	return func(ev baton.StreamEvent) {
		if ev.Kind != baton.StreamLogEvent || ev.Event == nil {
			return
		}
		switch ev.Event.Type {
		case baton.EventToolResult:
			outcome := "ok"
			if ev.Event.ToolResult.Error != "" {
				outcome = "error"
			}
			o.toolCalls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", ev.Event.ToolResult.Name),
				attribute.String("outcome", outcome),
			))
		case baton.EventInvocationYield:
			o.yields.Add(ctx, 1)
		}
	}
}
