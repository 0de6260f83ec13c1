// Package worker provides the actor loop that serves one pipeline stage:
// receive from the mailbox, dispatch by message kind, report to the sink.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/events"
	"github.com/zjrosen/quill/internal/orchestration/mailbox"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/registry"
	"github.com/zjrosen/quill/internal/orchestration/tracing"
	"github.com/zjrosen/quill/internal/pubsub"
)

// Config holds the collaborators of a Worker.
type Config struct {
	Stage     message.StageID
	Processor Processor
	Mailbox   *mailbox.Mailbox
	// Registry is shared with the orchestrator and used to route error replies.
	Registry *registry.Registry
	Sink     Sink
	Events   pubsub.Publisher[events.Event]
	Tracer   trace.Tracer
	Clock    func() time.Time
}

// Worker owns one mailbox and runs its processor on each inbound task, one
// message at a time.
type Worker struct {
	stage     message.StageID
	processor Processor
	mailbox   *mailbox.Mailbox
	registry  *registry.Registry
	sink      Sink
	events    pubsub.Publisher[events.Event]
	tracer    trace.Tracer
	now       func() time.Time

	running   atomic.Bool
	started   atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64

	cancelled map[string]struct{}
	mu        sync.Mutex
	done      chan struct{}
}

// New creates a Worker. The mailbox defaults to a fresh one for the stage.
func New(cfg Config) (*Worker, error) {
	if cfg.Stage == "" || cfg.Stage == message.None {
		return nil, fmt.Errorf("worker: invalid stage id %q", cfg.Stage)
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("worker %s: nil processor", cfg.Stage)
	}
	if cfg.Mailbox == nil {
		cfg.Mailbox = mailbox.New(cfg.Stage, mailbox.DefaultCapacity)
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.Events == nil {
		cfg.Events = pubsub.Discard[events.Event]{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Worker{
		stage:     cfg.Stage,
		processor: cfg.Processor,
		mailbox:   cfg.Mailbox,
		registry:  cfg.Registry,
		sink:      cfg.Sink,
		events:    cfg.Events,
		tracer:    cfg.Tracer,
		now:       cfg.Clock,
		cancelled: make(map[string]struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Stage returns the stage id this worker serves.
func (w *Worker) Stage() message.StageID { return w.stage }

// Mailbox returns the worker's inbound mailbox.
func (w *Worker) Mailbox() *mailbox.Mailbox { return w.mailbox }

// Running reports whether the receive loop is active.
func (w *Worker) Running() bool { return w.running.Load() }

// Processed returns the number of task and query messages handled.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Failed returns the number of processor failures.
func (w *Worker) Failed() int64 { return w.failed.Load() }

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run is the receive loop. It returns after a shutdown command, when the
// mailbox is closed, or when ctx is done. Run may only be called once. The
// mailbox is closed on return so senders fail fast instead of queueing for a
// worker that will never read.
func (w *Worker) Run(ctx context.Context) {
	if w.started.Swap(true) {
		log.Warn(log.CatWorker, "Worker already started", "stage", w.stage)
		return
	}
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.mailbox.Close()
		w.publish(events.Event{Type: events.WorkerStopped, Stage: w.stage})
		log.Debug(log.CatWorker, "Worker stopped", "stage", w.stage, "processed", w.processed.Load())
		close(w.done)
	}()

	log.Debug(log.CatWorker, "Worker started", "stage", w.stage)
	for w.running.Load() {
		msg, err := w.mailbox.Receive(ctx)
		if err != nil {
			if !errors.Is(err, mailbox.ErrMailboxClosed) && !errors.Is(err, context.Canceled) {
				log.ErrorErr(log.CatWorker, "Receive failed", err, "stage", w.stage)
			}
			return
		}
		w.handle(ctx, msg)
	}
}

// Stop closes the mailbox, releasing a blocked Run. Messages still queued are
// not processed.
func (w *Worker) Stop() {
	w.mailbox.Close()
}

// Forget drops a run from the cancelled set once the run is terminal.
func (w *Worker) Forget(runID string) {
	w.mu.Lock()
	delete(w.cancelled, runID)
	w.mu.Unlock()
}

func (w *Worker) isCancelled(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.cancelled[runID]
	return ok
}

func (w *Worker) handle(ctx context.Context, msg message.Message) {
	switch msg.Kind() {
	case message.KindControl:
		w.handleControl(msg)
	case message.KindError:
		w.handleErrorMessage(msg)
	case message.KindTask:
		w.handleTask(ctx, msg)
	case message.KindQuery:
		w.handleQuery(ctx, msg)
	default:
		log.Warn(log.CatWorker, "Dropping message of unknown kind", "stage", w.stage, "kind", msg.Kind(), "id", msg.ID())
		w.sink.DeadLetter(msg, fmt.Sprintf("unknown kind %q", msg.Kind()))
	}
}

func (w *Worker) handleControl(msg message.Message) {
	switch cmd := msg.Command(); cmd {
	case message.CommandShutdown:
		if w.running.Swap(false) {
			log.Debug(log.CatWorker, "Shutdown requested", "stage", w.stage)
		}
	case message.CommandCancel:
		runID := msg.RunID()
		w.mu.Lock()
		w.cancelled[runID] = struct{}{}
		w.mu.Unlock()
		log.Debug(log.CatWorker, "Run cancelled", "stage", w.stage, "run", runID)
		w.sink.RunCancelled(w.stage, runID)
	default:
		log.Warn(log.CatWorker, "Unknown control command", "stage", w.stage, "command", cmd)
	}
}

// handleErrorMessage records an error reply. Error messages never reach the processor.
func (w *Worker) handleErrorMessage(msg message.Message) {
	log.Warn(log.CatWorker, "Error message received",
		"stage", w.stage,
		"run", msg.RunID(),
		"from", msg.Sender(),
		"error", msg.StringField(message.FieldError),
		"original", msg.StringField(message.FieldOriginalMessageID))
	w.publish(events.Event{
		Type:      events.ErrorReceived,
		RunID:     msg.RunID(),
		Stage:     w.stage,
		MessageID: msg.ID(),
		Error:     msg.StringField(message.FieldError),
		ErrorType: msg.StringField(message.FieldErrorType),
		Metadata:  map[string]any{"from": string(msg.Sender())},
	})
}

func (w *Worker) handleTask(ctx context.Context, msg message.Message) {
	if w.isCancelled(msg.RunID()) || !w.sink.RunActive(msg.RunID()) {
		log.Debug(log.CatWorker, "Skipping task for inactive run", "stage", w.stage, "run", msg.RunID(), "id", msg.ID())
		return
	}

	w.sink.StageStarted(w.stage, msg)
	start := w.now()
	out, err := w.invoke(ctx, msg)
	elapsed := w.now().Sub(start)
	w.processed.Add(1)

	if err != nil {
		w.failed.Add(1)
		log.Warn(log.CatWorker, "Stage failed", "stage", w.stage, "run", msg.RunID(), "error", err, "elapsed", elapsed)
		w.replyError(msg, err)
		w.sink.StageFailed(w.stage, msg, err, elapsed)
		return
	}
	log.Debug(log.CatWorker, "Stage completed", "stage", w.stage, "run", msg.RunID(), "elapsed", elapsed)
	w.sink.StageCompleted(w.stage, msg, out, elapsed)
}

// handleQuery answers a query directly to its sender. Queries never move a
// run forward or fail it, and replies never reach the processor.
func (w *Worker) handleQuery(ctx context.Context, msg message.Message) {
	if msg.IsReply() {
		w.handleReply(msg)
		return
	}
	out, err := w.invoke(ctx, msg)
	w.processed.Add(1)
	if err != nil {
		w.failed.Add(1)
		w.replyError(msg, err)
		return
	}
	if out == nil || msg.Sender() == message.None {
		return
	}
	w.deliver(msg.Reply(w.stage, out.Payload()))
}

func (w *Worker) handleReply(msg message.Message) {
	log.Debug(log.CatWorker, "Query answered",
		"stage", w.stage,
		"run", msg.RunID(),
		"from", msg.Sender(),
		"reply_to", msg.StringField(message.FieldReplyTo))
	w.publish(events.Event{
		Type:      events.QueryAnswered,
		RunID:     msg.RunID(),
		Stage:     w.stage,
		MessageID: msg.ID(),
		Metadata: map[string]any{
			"from":               string(msg.Sender()),
			message.FieldReplyTo: msg.StringField(message.FieldReplyTo),
		},
	})
}

// invoke runs the processor inside a stage span with panic recovery.
func (w *Worker) invoke(ctx context.Context, msg message.Message) (out *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatWorker, "Processor panic recovered",
				"stage", w.stage,
				"run", msg.RunID(),
				"panic", r,
				"stack", string(debug.Stack()))
			out = nil
			err = &StageError{Stage: w.stage, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	return tracing.TraceStage(ctx, w.tracer, w.sink.SpanContext(msg.RunID()), w.stage, msg,
		func(ctx context.Context) (*message.Message, error) {
			return w.processor.Process(ctx, msg)
		})
}

// replyError sends an error message back to the sender of msg.
func (w *Worker) replyError(msg message.Message, err error) {
	reply := msg.ErrorReply(w.stage, err.Error(), message.Payload{
		message.FieldErrorType: ErrorType(err),
		message.FieldRetryable: IsRetryable(err),
	})
	w.deliver(reply)
}

// deliver enqueues msg at its receiver or dead-letters it.
func (w *Worker) deliver(msg message.Message) {
	if msg.Receiver() == message.None {
		w.sink.DeadLetter(msg, "no receiver")
		return
	}
	target, ok := w.registry.Resolve(msg.Receiver())
	if !ok {
		w.sink.DeadLetter(msg, fmt.Sprintf("receiver %s not registered", msg.Receiver()))
		return
	}
	if err := target.Mailbox().Enqueue(msg); err != nil {
		w.sink.DeadLetter(msg, err.Error())
	}
}

func (w *Worker) publish(e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now()
	}
	w.events.Publish(pubsub.CreatedEvent, e)
}
