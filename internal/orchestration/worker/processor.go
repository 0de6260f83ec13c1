package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

// Processor transforms one inbound message into at most one outbound message.
// A nil message with a nil error means the stage produced nothing. Failures
// are returned, never panicked; a panic is recovered into a StageError.
type Processor interface {
	Process(ctx context.Context, msg message.Message) (*message.Message, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg message.Message) (*message.Message, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, msg message.Message) (*message.Message, error) {
	return f(ctx, msg)
}

// Sink receives the outcome of every task a worker handles. The orchestrator
// implements it to drive run state; calls happen on the worker goroutine and
// must not block on other workers.
type Sink interface {
	StageStarted(stage message.StageID, in message.Message)
	StageCompleted(stage message.StageID, in message.Message, out *message.Message, elapsed time.Duration)
	StageFailed(stage message.StageID, in message.Message, err error, elapsed time.Duration)
	RunCancelled(stage message.StageID, runID string)
	DeadLetter(msg message.Message, reason string)
	SpanContext(runID string) trace.SpanContext
	// RunActive reports whether tasks for runID should still be processed.
	RunActive(runID string) bool
}

// NopSink ignores every callback.
type NopSink struct{}

func (NopSink) StageStarted(message.StageID, message.Message) {}

func (NopSink) StageCompleted(message.StageID, message.Message, *message.Message, time.Duration) {}

func (NopSink) StageFailed(message.StageID, message.Message, error, time.Duration) {}

func (NopSink) RunCancelled(message.StageID, string) {}

func (NopSink) DeadLetter(message.Message, string) {}

func (NopSink) SpanContext(string) trace.SpanContext { return trace.SpanContext{} }

func (NopSink) RunActive(string) bool { return true }
