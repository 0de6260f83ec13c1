package tracing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

// StageFunc performs the work of one stage under a prepared context.
type StageFunc func(ctx context.Context) (*message.Message, error)

// TraceStage runs fn inside a "stage.<id>" span. When parent is valid the span
// becomes a child of the run span so every hop of a run shares one trace.
// A nil tracer runs fn directly.
func TraceStage(ctx context.Context, tracer trace.Tracer, parent trace.SpanContext, stage message.StageID, in message.Message, fn StageFunc) (*message.Message, error) {
	ctx = ContextWithRun(ctx, in.RunID(), string(stage))
	if tracer == nil {
		return fn(ctx)
	}
	if parent.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
	}

	ctx, span := tracer.Start(ctx, SpanPrefixStage+string(stage),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String(AttrRunID, in.RunID()),
			attribute.String(AttrStage, string(stage)),
			attribute.String(AttrMessageID, in.ID()),
			attribute.String(AttrMessageKind, string(in.Kind())),
			attribute.String(AttrSender, string(in.Sender())),
		),
	)
	defer span.End()
	span.AddEvent(EventMessageReceived)

	out, err := fn(ctx)
	if err != nil {
		RecordError(span, err)
		return out, err
	}
	if out != nil {
		span.SetAttributes(attribute.String(AttrOutputFields, fieldList(out.Payload())))
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// StartRun opens the root span of a pipeline run. The caller ends it.
func StartRun(ctx context.Context, tracer trace.Tracer, runID, workflowName string) trace.Span {
	if tracer == nil {
		tracer = NoopTracer()
	}
	_, span := tracer.Start(ctx, SpanPrefixRun+workflowName,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.String(AttrWorkflowName, workflowName),
		),
	)
	return span
}

// EndRun closes a run span with its final status.
func EndRun(span trace.Span, status string, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String(AttrRunStatus, status))
	if err != nil {
		RecordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(
		attribute.String(AttrErrorMessage, err.Error()),
		attribute.String(AttrErrorType, fmt.Sprintf("%T", err)),
	)
}

func fieldList(p message.Payload) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
