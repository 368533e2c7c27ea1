package observer

import (
	"context"
	"encoding/json"
	"time"

	weaver "github.com/weaverai/weaver"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a weaver.ToolHandler with OTEL instrumentation.
type ObservedTool struct {
	name  string
	inner weaver.ToolHandler
	inst  *Instruments
}

var _ weaver.ToolHandler = (*ObservedTool)(nil)

// WrapTool returns an instrumented handler. Apply it to a descriptor before
// registration:
//
//	d.Handler = observer.WrapTool(d.Name, d.Handler, inst)
func WrapTool(name string, inner weaver.ToolHandler, inst *Instruments) *ObservedTool {
	return &ObservedTool{name: name, inner: inner, inst: inst}
}

func (o *ObservedTool) Invoke(ctx context.Context, args json.RawMessage) (weaver.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		AttrToolName.String(o.name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Invoke(ctx, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(o.name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(o.name),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", o.name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(result.Content)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
