package testutil

import (
	"context"
	"sync"

	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/worker"
)

// Echo returns a processor that emits the inbound payload plus the given
// fields, with the stage appended to a "trail" list.
func Echo(stage message.StageID, fields message.Payload) worker.Processor {
	return worker.ProcessorFunc(func(_ context.Context, msg message.Message) (*message.Message, error) {
		payload := msg.Payload()
		for k, v := range fields {
			payload[k] = v
		}
		trail, _ := payload["trail"].([]string)
		payload["trail"] = append(trail, string(stage))
		out := msg.Next(stage, payload)
		return &out, nil
	})
}

// Fail returns a processor that always fails with err.
func Fail(err error) worker.Processor {
	return worker.ProcessorFunc(func(context.Context, message.Message) (*message.Message, error) {
		return nil, err
	})
}

// Silent returns a processor that succeeds without producing output.
func Silent() worker.Processor {
	return worker.ProcessorFunc(func(context.Context, message.Message) (*message.Message, error) {
		return nil, nil
	})
}

// Gate is a processor that blocks each call until released.
type Gate struct {
	next    worker.Processor
	entered chan message.Message
	release chan struct{}
}

// NewGate wraps next. Entered receives every inbound message before it blocks.
func NewGate(next worker.Processor) *Gate {
	return &Gate{
		next:    next,
		entered: make(chan message.Message, 64),
		release: make(chan struct{}),
	}
}

// Entered reports messages that reached the gate.
func (g *Gate) Entered() <-chan message.Message { return g.entered }

// Release lets one blocked call proceed.
func (g *Gate) Release() { g.release <- struct{}{} }

// Process implements worker.Processor.
func (g *Gate) Process(ctx context.Context, msg message.Message) (*message.Message, error) {
	g.entered <- msg
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.next.Process(ctx, msg)
}

// Recorder wraps a processor and remembers every message it saw.
type Recorder struct {
	next worker.Processor
	mu   sync.Mutex
	seen []message.Message
}

// NewRecorder wraps next.
func NewRecorder(next worker.Processor) *Recorder {
	return &Recorder{next: next}
}

// Process implements worker.Processor.
func (r *Recorder) Process(ctx context.Context, msg message.Message) (*message.Message, error) {
	r.mu.Lock()
	r.seen = append(r.seen, msg)
	r.mu.Unlock()
	return r.next.Process(ctx, msg)
}

// Seen returns the recorded messages.
func (r *Recorder) Seen() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.seen...)
}

// Chain builds Echo processors for each stage.
func Chain(stages ...message.StageID) map[message.StageID]worker.Processor {
	out := make(map[message.StageID]worker.Processor, len(stages))
	for _, s := range stages {
		out[s] = Echo(s, nil)
	}
	return out
}
