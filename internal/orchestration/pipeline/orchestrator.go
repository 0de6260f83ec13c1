// Package pipeline provides the Orchestrator: it owns the stage workers, starts
// runs, routes stage outputs along the workflow and tracks each run's state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/events"
	"github.com/zjrosen/quill/internal/orchestration/mailbox"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/registry"
	"github.com/zjrosen/quill/internal/orchestration/tracing"
	"github.com/zjrosen/quill/internal/orchestration/worker"
	"github.com/zjrosen/quill/internal/orchestration/workflow"
	"github.com/zjrosen/quill/internal/pubsub"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEvents publishes lifecycle events on broker instead of an owned one.
// The caller keeps ownership and closes it.
func WithEvents(broker *pubsub.Broker[events.Event]) Option {
	return func(o *Orchestrator) {
		o.broker = broker
		o.ownsBroker = false
	}
}

// WithStore persists terminal runs.
func WithStore(store RunStore) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithTracer wraps runs and stages in spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WorkerStats is a point-in-time view of one stage worker.
type WorkerStats struct {
	Stage     message.StageID `json:"stage"`
	Running   bool            `json:"running"`
	Processed int64           `json:"processed"`
	Failed    int64           `json:"failed"`
	Depth     int             `json:"depth"`
	Capacity  int             `json:"capacity"`
}

// Orchestrator drives pipeline runs over a fixed workflow.
type Orchestrator struct {
	cfg        Config
	wf         *workflow.Workflow
	registry   *registry.Registry
	broker     *pubsub.Broker[events.Event]
	ownsBroker bool
	store      RunStore
	tracer     trace.Tracer
	now        func() time.Time
	dead       *DeadLetterBuffer

	workers map[message.StageID]*worker.Worker
	runs    map[string]*run
	// finished holds terminal run ids, oldest first, for retention.
	finished []string
	mu       sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	saves   sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// New builds one mailbox and worker per processor and registers them. Stages
// of wf without a processor are allowed; runs that reach them fail with a
// RoutingError.
func New(cfg Config, wf *workflow.Workflow, processors map[message.StageID]worker.Processor, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		wf:         wf,
		registry:   registry.New(),
		ownsBroker: true,
		now:        time.Now,
		dead:       NewDeadLetterBuffer(cfg.DeadLetterCapacity),
		workers:    make(map[message.StageID]*worker.Worker),
		runs:       make(map[string]*run),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.broker == nil {
		o.broker = pubsub.NewBrokerWithBuffer[events.Event](cfg.EventBuffer)
		o.ownsBroker = true
	}

	stages := make([]message.StageID, 0, len(processors))
	for s := range processors {
		stages = append(stages, s)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	for _, s := range stages {
		if err := o.addWorker(s, processors[s]); err != nil {
			cancel()
			return nil, err
		}
	}

	if wf != nil {
		for _, s := range wf.Stages() {
			if _, ok := processors[s]; !ok {
				log.Warn(log.CatPipeline, "Workflow stage has no processor", "stage", s, "workflow", wf.Name())
			}
		}
	}
	return o, nil
}

func (o *Orchestrator) addWorker(stage message.StageID, proc worker.Processor) error {
	box := mailbox.New(stage, o.cfg.MailboxCapacity, mailbox.WithHighWater(o.cfg.HighWater, o.onHighWater))
	w, err := worker.New(worker.Config{
		Stage:     stage,
		Processor: proc,
		Mailbox:   box,
		Registry:  o.registry,
		Sink:      o,
		Events:    o.broker,
		Tracer:    o.tracer,
		Clock:     o.now,
	})
	if err != nil {
		return err
	}
	if err := o.registry.Register(w); err != nil {
		return err
	}
	o.mu.Lock()
	o.workers[stage] = w
	o.mu.Unlock()
	return nil
}

// RegisterStage adds a worker after construction. If the orchestrator is
// already started the worker starts immediately.
func (o *Orchestrator) RegisterStage(stage message.StageID, proc worker.Processor) error {
	if o.closed.Load() {
		return ErrShuttingDown
	}
	if err := o.addWorker(stage, proc); err != nil {
		return err
	}
	if o.started.Load() {
		o.mu.RLock()
		w := o.workers[stage]
		o.mu.RUnlock()
		o.launch(w)
	}
	log.Info(log.CatPipeline, "Stage registered", "stage", stage)
	return nil
}

// Start launches every worker and the watchdog.
func (o *Orchestrator) Start() error {
	if o.closed.Load() {
		return ErrShuttingDown
	}
	if o.started.Swap(true) {
		return fmt.Errorf("orchestrator already started")
	}

	for _, w := range o.workerList() {
		o.launch(w)
	}
	if o.cfg.WatchdogTimeout > 0 {
		o.wg.Add(1)
		go o.watchdog()
	}
	log.Info(log.CatPipeline, "Orchestrator started", "workers", o.registry.Len(), "workflow", o.workflowName())
	return nil
}

func (o *Orchestrator) launch(w *worker.Worker) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error(log.CatPipeline, "Worker panic recovered",
					"stage", w.Stage(),
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		w.Run(o.ctx)
	}()
}

// StartRun creates a run for seed and enqueues it at the workflow's start
// stage. It returns without waiting for any stage. A run that cannot be
// delivered to its start stage is returned failed, with a nil error.
func (o *Orchestrator) StartRun(seed message.Payload) (string, error) {
	if o.closed.Load() {
		return "", ErrShuttingDown
	}
	if o.wf == nil || o.wf.Start() == "" {
		return "", ErrNoStartStage
	}

	start := o.wf.Start()
	id := uuid.NewString()
	r := newRun(id, o.wf.Name(), seed.Clone(), o.now())
	r.span = tracing.StartRun(o.ctx, o.tracer, id, o.wf.Name())

	o.mu.Lock()
	o.runs[id] = r
	r.status = StatusRunning
	r.current = start
	r.outstanding = 1
	o.mu.Unlock()

	log.Info(log.CatPipeline, "Run started", "run", id, "start", start)
	o.publish(events.Event{Type: events.RunStarted, RunID: id, Stage: start})

	seedMsg := message.NewTask(id, message.None, start, seed)
	if err := o.dispatch(seedMsg); err != nil {
		o.fail(id, start, err)
	}
	return id, nil
}

// dispatch resolves msg.Receiver and enqueues, waiting at most EnqueueWait.
func (o *Orchestrator) dispatch(msg message.Message) error {
	to := msg.Receiver()
	ep, ok := o.registry.Resolve(to)
	if !ok {
		return &RoutingError{From: msg.Sender(), To: to, Reason: "receiver not registered"}
	}

	box := ep.Mailbox()
	err := box.Offer(o.ctx, msg, o.cfg.EnqueueWait)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mailbox.ErrMailboxFull):
		o.publish(events.Event{
			Type:      events.MailboxBackpressure,
			RunID:     msg.RunID(),
			Stage:     to,
			MessageID: msg.ID(),
			Metadata:  map[string]any{"depth": box.Len(), "capacity": box.Capacity()},
		})
		return &BackpressureError{Stage: to, Depth: box.Len(), Capacity: box.Capacity(), Waited: o.cfg.EnqueueWait}
	default:
		return &RoutingError{From: msg.Sender(), To: to, Reason: "enqueue failed", Err: err}
	}
}

// StageStarted implements worker.Sink.
func (o *Orchestrator) StageStarted(stage message.StageID, in message.Message) {
	o.mu.Lock()
	r := o.runs[in.RunID()]
	if r == nil || r.status.IsTerminal() {
		o.mu.Unlock()
		return
	}
	r.current = stage
	r.lastProgress = o.now()
	o.mu.Unlock()

	o.publish(events.Event{Type: events.StageStarted, RunID: in.RunID(), Stage: stage, MessageID: in.ID()})
}

// StageCompleted implements worker.Sink. It records progress and forwards out
// to every successor of stage.
func (o *Orchestrator) StageCompleted(stage message.StageID, in message.Message, out *message.Message, elapsed time.Duration) {
	runID := in.RunID()

	o.mu.Lock()
	r := o.runs[runID]
	if r == nil {
		o.mu.Unlock()
		log.Warn(log.CatPipeline, "Completion for unknown run", "run", runID, "stage", stage)
		return
	}
	if r.status.IsTerminal() {
		o.mu.Unlock()
		log.Debug(log.CatPipeline, "Ignoring completion for terminal run", "run", runID, "stage", stage, "status", r.status)
		return
	}

	r.completed = append(r.completed, stage)
	r.stageDurations[stage] += elapsed
	r.lastProgress = o.now()
	if out != nil {
		r.outputs[stage] = out.Payload()
	}

	successors := o.wf.Successors(stage)
	missingOutput := len(successors) > 0 && out == nil
	if !missingOutput {
		r.outstanding += len(successors) - 1
	}
	done := len(successors) == 0 && r.outstanding == 0
	if len(successors) > 0 {
		r.current = successors[len(successors)-1]
	}
	o.mu.Unlock()

	o.publish(events.Event{Type: events.StageCompleted, RunID: runID, Stage: stage, MessageID: in.ID(), Duration: elapsed})

	if missingOutput {
		o.fail(runID, stage, &worker.StageError{Stage: stage, Reason: "no output"})
		return
	}
	for _, next := range successors {
		if err := o.dispatch(out.Forward(stage, next)); err != nil {
			o.fail(runID, next, err)
			return
		}
	}
	if done {
		o.finish(runID, StatusCompleted, "", nil)
	}
}

// StageFailed implements worker.Sink. Any stage failure fails the run.
func (o *Orchestrator) StageFailed(stage message.StageID, in message.Message, err error, elapsed time.Duration) {
	o.mu.Lock()
	if r := o.runs[in.RunID()]; r != nil && !r.status.IsTerminal() {
		r.stageDurations[stage] += elapsed
		r.lastProgress = o.now()
	}
	o.mu.Unlock()

	o.publish(events.Event{
		Type:      events.StageFailed,
		RunID:     in.RunID(),
		Stage:     stage,
		MessageID: in.ID(),
		Duration:  elapsed,
		Error:     err.Error(),
		ErrorType: worker.ErrorType(err),
	})
	o.fail(in.RunID(), stage, err)
}

// RunCancelled implements worker.Sink.
func (o *Orchestrator) RunCancelled(stage message.StageID, runID string) {
	o.fail(runID, stage, &CancelledError{RunID: runID, Stage: stage})
}

// DeadLetter implements worker.Sink.
func (o *Orchestrator) DeadLetter(msg message.Message, reason string) {
	o.dead.Add(DeadLetter{Message: msg, Reason: reason, At: o.now()})
	log.Warn(log.CatPipeline, "Message dead-lettered", "id", msg.ID(), "run", msg.RunID(), "receiver", msg.Receiver(), "reason", reason)
	o.publish(events.Event{
		Type:        events.MessageDeadLettered,
		RunID:       msg.RunID(),
		Stage:       msg.Receiver(),
		MessageID:   msg.ID(),
		Description: reason,
	})
}

// SpanContext implements worker.Sink.
func (o *Orchestrator) SpanContext(runID string) trace.SpanContext {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if r := o.runs[runID]; r != nil && r.span != nil {
		return r.span.SpanContext()
	}
	return trace.SpanContext{}
}

// RunActive implements worker.Sink.
func (o *Orchestrator) RunActive(runID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r := o.runs[runID]
	return r != nil && !r.status.IsTerminal()
}

func (o *Orchestrator) fail(runID string, stage message.StageID, err error) {
	o.finish(runID, StatusFailed, stage, err)
}

// finish moves a run to a terminal status. Transitions from a terminal state
// are ignored.
func (o *Orchestrator) finish(runID string, status Status, stage message.StageID, cause error) bool {
	now := o.now()

	o.mu.Lock()
	r := o.runs[runID]
	if r == nil {
		o.mu.Unlock()
		return false
	}
	if !r.status.canTransition(status) {
		from := r.status
		o.mu.Unlock()
		log.Debug(log.CatPipeline, "Ignoring transition", "run", runID, "from", from, "to", status, "cause", cause)
		return false
	}
	if cause != nil {
		r.errors = append(r.errors, RunError{Stage: stage, Type: worker.ErrorType(cause), Message: cause.Error(), At: now})
	}
	r.status = status
	r.endedAt = now
	close(r.done)
	snapshot := r.snapshot()
	record := RunRecord{Status: snapshot, Seed: r.seed, Output: o.finalOutput(r)}
	span := r.span
	o.retain(runID)
	o.mu.Unlock()

	tracing.EndRun(span, string(status), cause)
	for _, w := range o.workerList() {
		w.Forget(runID)
	}

	if status == StatusCompleted {
		log.Info(log.CatPipeline, "Run completed", "run", runID, "duration", snapshot.Duration(now))
		o.publish(events.Event{Type: events.RunCompleted, RunID: runID, Duration: snapshot.Duration(now)})
	} else {
		log.Warn(log.CatPipeline, "Run failed", "run", runID, "stage", stage, "error", cause)
		e := events.Event{Type: events.RunFailed, RunID: runID, Stage: stage, Duration: snapshot.Duration(now)}
		if cause != nil {
			e.Error = cause.Error()
			e.ErrorType = worker.ErrorType(cause)
		}
		o.publish(e)
	}
	o.persist(record)
	return true
}

// finalOutput returns the payload of the last completed stage. Caller holds o.mu.
func (o *Orchestrator) finalOutput(r *run) message.Payload {
	for i := len(r.completed) - 1; i >= 0; i-- {
		if p, ok := r.outputs[r.completed[i]]; ok {
			return p
		}
	}
	return nil
}

// retain evicts the oldest terminal runs beyond RetainRuns. Caller holds o.mu.
func (o *Orchestrator) retain(runID string) {
	o.finished = append(o.finished, runID)
	for len(o.finished) > o.cfg.RetainRuns {
		delete(o.runs, o.finished[0])
		o.finished = o.finished[1:]
	}
}

func (o *Orchestrator) persist(rec RunRecord) {
	if o.store == nil {
		return
	}
	o.saves.Add(1)
	go func() {
		defer o.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SaveTimeout)
		defer cancel()
		if err := o.store.SaveRun(ctx, rec); err != nil {
			log.ErrorErr(log.CatPipeline, "Failed to persist run", err, "run", rec.Status.RunID)
		}
	}()
}

func (o *Orchestrator) onHighWater(stage message.StageID, depth, capacity int) {
	log.Warn(log.CatMailbox, "Mailbox above high-water mark", "stage", stage, "depth", depth, "capacity", capacity)
	o.publish(events.Event{
		Type:     events.MailboxHighWater,
		Stage:    stage,
		Metadata: map[string]any{"depth": depth, "capacity": capacity},
	})
}

func (o *Orchestrator) publish(e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = o.now()
	}
	o.broker.Publish(pubsub.CreatedEvent, e)
}

// Status returns a snapshot of runID.
func (o *Orchestrator) Status(runID string) (RunStatus, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	r, ok := o.runs[runID]
	if !ok {
		return RunStatus{}, &NotFoundError{RunID: runID}
	}
	return r.snapshot(), nil
}

// Runs returns snapshots of every retained run, oldest first.
func (o *Orchestrator) Runs() []RunStatus {
	o.mu.RLock()
	out := make([]RunStatus, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, r.snapshot())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// StageOutput returns a copy of the payload stage produced for runID.
func (o *Orchestrator) StageOutput(runID string, stage message.StageID) (message.Payload, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	r, ok := o.runs[runID]
	if !ok {
		return nil, false, &NotFoundError{RunID: runID}
	}
	p, ok := r.outputs[stage]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

// Wait blocks until runID is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (RunStatus, error) {
	o.mu.RLock()
	r, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return RunStatus{}, &NotFoundError{RunID: runID}
	}

	select {
	case <-r.done:
		o.mu.RLock()
		defer o.mu.RUnlock()
		return r.snapshot(), nil
	case <-ctx.Done():
		st, _ := o.Status(runID)
		return st, ctx.Err()
	}
}

// AwaitCompletion polls Status every interval until runID is terminal or ctx is done.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, runID string, interval time.Duration) (RunStatus, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := o.Status(runID)
		if err != nil {
			return RunStatus{}, err
		}
		if st.Status.IsTerminal() {
			return st, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// CancelRun asks the run's current stage to cancel it. The run fails with a
// CancelledError once the worker observes the request; if the request cannot
// be delivered the run is failed immediately.
func (o *Orchestrator) CancelRun(runID string) error {
	o.mu.RLock()
	r, ok := o.runs[runID]
	var (
		current  message.StageID
		terminal bool
	)
	if ok {
		current = r.current
		terminal = r.status.IsTerminal()
	}
	o.mu.RUnlock()

	if !ok {
		return &NotFoundError{RunID: runID}
	}
	if terminal {
		return nil
	}

	o.publish(events.Event{Type: events.RunCancelRequested, RunID: runID, Stage: current})
	ep, found := o.registry.Resolve(current)
	if !found || ep.Mailbox().Enqueue(message.NewControl(runID, current, message.CommandCancel)) != nil {
		o.fail(runID, current, &CancelledError{RunID: runID, Stage: current})
	}
	return nil
}

// Shutdown stops every worker and fails runs still in flight. It waits up to
// ShutdownGrace (or ctx) for workers to honour the shutdown command before
// closing their mailboxes. Safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.closed.Swap(true) {
		return nil
	}
	log.Info(log.CatPipeline, "Shutting down orchestrator")

	workers := o.workerList()
	if o.started.Load() {
		for _, w := range workers {
			if err := w.Mailbox().Enqueue(message.NewControl("", w.Stage(), message.CommandShutdown)); err != nil {
				log.Debug(log.CatPipeline, "Shutdown command not delivered", "stage", w.Stage(), "error", err)
			}
		}
		o.awaitWorkers(ctx, workers)
	}

	o.cancel()
	for _, w := range workers {
		w.Stop()
	}
	stragglers := o.awaitStopped(ctx, workers)

	for _, w := range workers {
		for _, msg := range w.Mailbox().Drain() {
			if msg.Kind() == message.KindControl {
				continue
			}
			o.dead.Add(DeadLetter{Message: msg, Reason: "shutdown", At: o.now()})
		}
	}

	o.mu.RLock()
	var inflight []string
	for id, r := range o.runs {
		if !r.status.IsTerminal() {
			inflight = append(inflight, id)
		}
	}
	o.mu.RUnlock()
	for _, id := range inflight {
		o.fail(id, "", shutdownError{})
	}

	o.saves.Wait()
	if o.ownsBroker {
		o.broker.Close()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(stragglers) > 0 {
		return fmt.Errorf("workers did not stop: %v", stragglers)
	}
	return nil
}

// awaitStopped waits for the worker goroutines after their context has been
// cancelled. A processor that ignores ctx is abandoned once ctx is done or a
// further ShutdownGrace has passed; the stages still running are returned.
func (o *Orchestrator) awaitStopped(ctx context.Context, workers []*worker.Worker) []message.StageID {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	bound := time.NewTimer(o.cfg.ShutdownGrace)
	defer bound.Stop()
	select {
	case <-done:
		return nil
	case <-bound.C:
	case <-ctx.Done():
	}

	var stuck []message.StageID
	for _, w := range workers {
		select {
		case <-w.Done():
		default:
			stuck = append(stuck, w.Stage())
		}
	}
	log.Warn(log.CatPipeline, "Abandoning workers that ignored shutdown", "stages", stuck)
	return stuck
}

func (o *Orchestrator) awaitWorkers(ctx context.Context, workers []*worker.Worker) {
	grace := time.NewTimer(o.cfg.ShutdownGrace)
	defer grace.Stop()
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-grace.C:
			log.Warn(log.CatPipeline, "Shutdown grace period elapsed", "waiting_on", w.Stage())
			return
		case <-ctx.Done():
			return
		}
	}
}

// Events returns the lifecycle event broker.
func (o *Orchestrator) Events() *pubsub.Broker[events.Event] { return o.broker }

// Registry returns the stage registry shared with the workers.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Workflow returns the workflow driving every run.
func (o *Orchestrator) Workflow() *workflow.Workflow { return o.wf }

// DeadLetters returns retained undeliverable messages, oldest first.
func (o *Orchestrator) DeadLetters() []DeadLetter { return o.dead.All() }

// Workers returns per-stage worker statistics sorted by stage.
func (o *Orchestrator) Workers() []WorkerStats {
	workers := o.workerList()
	out := make([]WorkerStats, 0, len(workers))
	for _, w := range workers {
		out = append(out, WorkerStats{
			Stage:     w.Stage(),
			Running:   w.Running(),
			Processed: w.Processed(),
			Failed:    w.Failed(),
			Depth:     w.Mailbox().Len(),
			Capacity:  w.Mailbox().Capacity(),
		})
	}
	return out
}

func (o *Orchestrator) workerList() []*worker.Worker {
	o.mu.RLock()
	out := make([]*worker.Worker, 0, len(o.workers))
	for _, w := range o.workers {
		out = append(out, w)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Stage() < out[j].Stage() })
	return out
}

func (o *Orchestrator) workflowName() string {
	if o.wf == nil {
		return ""
	}
	return o.wf.Name()
}
