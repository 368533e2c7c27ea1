package weaver

import "context"

// Tracer starts spans around units of work. Implementations live outside the
// core package (see observer); a nil Tracer disables tracing entirely.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is a single traced operation.
type Span interface {
	End()
	SetAttr(attrs ...SpanAttr)
	RecordError(err error)
}

// SpanAttr is a typed key/value attached to a span.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(key, value string) SpanAttr   { return SpanAttr{Key: key, Value: value} }
func IntAttr(key string, value int) SpanAttr  { return SpanAttr{Key: key, Value: value} }
func BoolAttr(key string, value bool) SpanAttr { return SpanAttr{Key: key, Value: value} }
func Float64Attr(key string, value float64) SpanAttr {
	return SpanAttr{Key: key, Value: value}
}

// startSpan is the nil-safe helper all core code uses.
func startSpan(ctx context.Context, tracer Tracer, name string, attrs ...SpanAttr) (context.Context, Span) {
	if tracer == nil {
		return ctx, nopSpan{}
	}
	return tracer.Start(ctx, name, attrs...)
}

type nopSpan struct{}

func (nopSpan) End()                  {}
func (nopSpan) SetAttr(...SpanAttr)   {}
func (nopSpan) RecordError(error)     {}
