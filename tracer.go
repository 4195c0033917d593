package baton

import "context"

// Tracer is the tracing hook the engine calls around invocations, model
// calls, and tool executions. The observer package provides an OpenTelemetry
// implementation; the default is a no-op.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation.
type Span interface {
	End()
	SetAttr(attrs ...SpanAttr)
	RecordError(err error)
}

// SpanAttr is a typed span attribute.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr builds a string attribute.
func StringAttr(key, value string) SpanAttr { return SpanAttr{Key: key, Value: value} }

// IntAttr builds an int attribute.
func IntAttr(key string, value int) SpanAttr { return SpanAttr{Key: key, Value: value} }

// BoolAttr builds a bool attribute.
func BoolAttr(key string, value bool) SpanAttr { return SpanAttr{Key: key, Value: value} }

// Float64Attr builds a float attribute.
func Float64Attr(key string, value float64) SpanAttr { return SpanAttr{Key: key, Value: value} }

type nopTracer struct{}

func (nopTracer) StartSpan(ctx context.Context, _ string, _ ...SpanAttr) (context.Context, Span) {
	return ctx, nopSpan{}
}

type nopSpan struct{}

func (nopSpan) End()                 {}
func (nopSpan) SetAttr(...SpanAttr)  {}
func (nopSpan) RecordError(error)    {}
