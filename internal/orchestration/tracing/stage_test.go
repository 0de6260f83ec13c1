package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	return rec, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
}

func TestTraceStage_ChildOfRunSpan(t *testing.T) {
	rec, tp := newRecorder()
	tracer := tp.Tracer("test")

	runSpan := StartRun(context.Background(), tracer, "run-1", "content")
	in := message.NewTask("run-1", message.None, message.StageWriter, message.Payload{"research_data": "x"})

	var sawRun string
	out, err := TraceStage(context.Background(), tracer, runSpan.SpanContext(), message.StageWriter, in,
		func(ctx context.Context) (*message.Message, error) {
			sawRun = RunIDFromContext(ctx)
			next := in.Next(message.StageWriter, message.Payload{"draft_article": "d", "metadata": 1})
			return &next, nil
		})
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, "run-1", sawRun)
	EndRun(runSpan, "completed", nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	stage := spans[0]
	require.Equal(t, "stage.writer", stage.Name())
	require.Equal(t, runSpan.SpanContext().TraceID(), stage.SpanContext().TraceID())
	require.Equal(t, runSpan.SpanContext().SpanID(), stage.Parent().SpanID())
	require.Equal(t, codes.Ok, stage.Status().Code)

	attrs := map[string]string{}
	for _, kv := range stage.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, "draft_article,metadata", attrs[AttrOutputFields])
	require.Equal(t, "writer", attrs[AttrStage])
	require.Equal(t, "run.content", spans[1].Name())
}

func TestTraceStage_RecordsError(t *testing.T) {
	rec, tp := newRecorder()
	in := message.NewTask("run-2", message.None, message.StageEditor, nil)

	boom := errors.New("boom")
	_, err := TraceStage(context.Background(), tp.Tracer("test"), trace.SpanContext{}, message.StageEditor, in,
		func(context.Context) (*message.Message, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, "boom", spans[0].Status().Description)
}

func TestTraceStage_NilTracer(t *testing.T) {
	in := message.NewTask("run-3", message.None, message.StageSEO, nil)
	called := false
	_, err := TraceStage(context.Background(), nil, trace.SpanContext{}, message.StageSEO, in,
		func(ctx context.Context) (*message.Message, error) {
			called = true
			require.Equal(t, "seo", StageFromContext(ctx))
			return nil, nil
		})
	require.NoError(t, err)
	require.True(t, called)
}
