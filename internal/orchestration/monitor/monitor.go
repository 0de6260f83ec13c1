// Package monitor observes pipeline events off the data path. It keeps a
// per-run event log and rolling aggregates, evaluates alert rules and samples
// host resources. Publishers never wait on it: events beyond the queue are
// dropped and counted.
package monitor

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/events"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/metrics"
	"github.com/zjrosen/quill/internal/pubsub"
)

// maxGlobalEvents caps the log of events that belong to no run.
const maxGlobalEvents = 1000

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the host resource sampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithNotifiers adds alert notifiers.
func WithNotifiers(n ...Notifier) Option {
	return func(m *Monitor) { m.notifiers = append(m.notifiers, n...) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// item is a queued event, or a flush barrier when ack is set.
type item struct {
	event events.Event
	ack   chan struct{}
}

type runLog struct {
	id        string
	status    string
	startedAt time.Time
	endedAt   time.Time
	events    []events.Event
	alerts    []Alert
	stages    map[message.StageID]*stageAgg
	resources resourceAgg
	custom    map[string]*metrics.Series
}

func newRunLog(id string, at time.Time) *runLog {
	return &runLog{
		id:        id,
		status:    "running",
		startedAt: at,
		stages:    make(map[message.StageID]*stageAgg),
		custom:    make(map[string]*metrics.Series),
	}
}

func (r *runLog) stage(s message.StageID) *stageAgg {
	a, ok := r.stages[s]
	if !ok {
		a = &stageAgg{}
		r.stages[s] = a
	}
	return a
}

// Monitor consumes events from its own queue on a single goroutine.
type Monitor struct {
	cfg        Config
	thresholds atomic.Pointer[Thresholds]
	sampler    Sampler
	notifiers  []Notifier
	now        func() time.Time

	queue     chan item
	dropped   atomic.Uint64
	processed atomic.Uint64
	sources   []pubsub.Subscriber[events.Event]

	mu         sync.RWMutex
	runs       map[string]*runLog
	finished   []string
	evicted    map[string]struct{}
	tombstones []string
	stages     map[message.StageID]*stageAgg
	resources  resourceAgg
	global     []events.Event
	unassigned []Alert

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	closeOnce sync.Once
}

// New creates a Monitor. Call Attach and Start to begin consuming.
func New(cfg Config, opts ...Option) *Monitor {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:     cfg,
		sampler: HostSampler{},
		now:     time.Now,
		queue:   make(chan item, cfg.QueueSize),
		runs:    make(map[string]*runLog),
		evicted: make(map[string]struct{}),
		stages:  make(map[message.StageID]*stageAgg),
		ctx:     ctx,
		cancel:  cancel,
	}
	th := cfg.Thresholds.clone()
	m.thresholds.Store(&th)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach subscribes the monitor to source. Sources attached after Start are
// subscribed immediately.
func (m *Monitor) Attach(source pubsub.Subscriber[events.Event]) {
	m.mu.Lock()
	m.sources = append(m.sources, source)
	m.mu.Unlock()
	if m.started.Load() {
		m.forward(source)
	}
}

// Start launches the consumer loop, one forwarder per attached source, and the
// resource sampler.
func (m *Monitor) Start() error {
	if m.ctx.Err() != nil {
		return fmt.Errorf("monitor closed")
	}
	if m.started.Swap(true) {
		return fmt.Errorf("monitor already started")
	}

	m.wg.Add(1)
	go m.loop()

	m.mu.RLock()
	sources := slices.Clone(m.sources)
	m.mu.RUnlock()
	for _, s := range sources {
		m.forward(s)
	}

	if m.cfg.ResourceInterval > 0 && m.sampler != nil {
		m.wg.Add(1)
		go m.sample()
	}
	log.Debug(log.CatMonitor, "Monitor started", "sources", len(sources), "resource_interval", m.cfg.ResourceInterval)
	return nil
}

// Close stops the monitor after applying events already queued. Safe to call
// more than once and before Start.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		log.Debug(log.CatMonitor, "Monitor stopped", "processed", m.processed.Load(), "dropped", m.dropped.Load())
	})
}

func (m *Monitor) forward(source pubsub.Subscriber[events.Event]) {
	ch := source.SubscribeWithBuffer(m.ctx, m.cfg.QueueSize)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for e := range ch {
			m.enqueue(e.Payload)
		}
	}()
}

// LogEvent appends an event to runID's log. It never blocks.
func (m *Monitor) LogEvent(runID string, typ events.Type, description string, metadata map[string]any) {
	m.enqueue(events.Event{
		Type:        typ,
		RunID:       runID,
		Description: description,
		Metadata:    maps.Clone(metadata),
	})
}

// RecordMetric records a named value for a stage of runID. It never blocks.
func (m *Monitor) RecordMetric(runID string, stage message.StageID, name string, value float64) {
	m.enqueue(events.Event{
		Type:   events.MetricRecorded,
		RunID:  runID,
		Stage:  stage,
		Metric: name,
		Value:  value,
	})
}

func (m *Monitor) enqueue(e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now()
	}
	select {
	case m.queue <- item{event: e}:
	default:
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warn(log.CatMonitor, "Monitor queue full, dropping events", "dropped", n)
		}
	}
}

// Flush waits until every event queued before the call has been applied.
func (m *Monitor) Flush(ctx context.Context) error {
	if !m.started.Load() {
		return fmt.Errorf("monitor not started")
	}
	ack := make(chan struct{})
	select {
	case m.queue <- item{ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return fmt.Errorf("monitor closed")
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events lost to a full queue.
func (m *Monitor) Dropped() uint64 { return m.dropped.Load() }

// Processed returns the number of events applied.
func (m *Monitor) Processed() uint64 { return m.processed.Load() }

// SetThresholds replaces the alert thresholds. Alerts already raised are kept;
// use RecomputeAlerts to re-derive them.
func (m *Monitor) SetThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	th = th.clone()
	m.thresholds.Store(&th)
	log.Info(log.CatMonitor, "Thresholds updated",
		"cpu", th.CPUPercent, "memory", th.MemoryPercent, "stage_duration", th.StageDuration)
	return nil
}

// Thresholds returns the current alert thresholds.
func (m *Monitor) Thresholds() Thresholds {
	return m.thresholds.Load().clone()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatMonitor, "Monitor panic recovered", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	for {
		select {
		case it := <-m.queue:
			m.handle(it)
		case <-m.ctx.Done():
			for {
				select {
				case it := <-m.queue:
					m.handle(it)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) handle(it item) {
	if it.ack != nil {
		close(it.ack)
		return
	}
	raised := m.apply(it.event)
	m.processed.Add(1)
	m.notify(raised)
}

func (m *Monitor) notify(alerts []Alert) {
	if len(alerts) == 0 || len(m.notifiers) == 0 {
		return
	}
	ctx := context.WithoutCancel(m.ctx)
	for _, a := range alerts {
		for _, n := range m.notifiers {
			if err := n.Notify(ctx, a); err != nil {
				log.ErrorErr(log.CatMonitor, "Alert notification failed", err, "type", a.Type, "run", a.RunID)
			}
		}
	}
}

// apply records e and returns the alerts it raised.
func (m *Monitor) apply(e events.Event) []Alert {
	th := *m.thresholds.Load()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Type == events.ResourceSample {
		return m.applySample(e, th)
	}

	if e.RunID == "" {
		m.global = append(m.global, e)
		if over := len(m.global) - maxGlobalEvents; over > 0 {
			m.global = slices.Delete(m.global, 0, over)
		}
		raised := evaluate(e, th)
		m.unassigned = append(m.unassigned, raised...)
		return raised
	}

	if _, gone := m.evicted[e.RunID]; gone {
		log.Debug(log.CatMonitor, "Dropping event for evicted run", "run", e.RunID, "type", e.Type)
		return nil
	}

	r := m.run(e.RunID, e.Timestamp)
	r.events = append(r.events, e)

	switch e.Type {
	case events.RunStarted:
		r.startedAt = e.Timestamp
	case events.RunCompleted, events.RunFailed:
		r.endedAt = e.Timestamp
		r.status = "completed"
		if e.Type == events.RunFailed {
			r.status = "failed"
		}
		m.retain(r.id)
	case events.StageCompleted:
		for _, a := range []*stageAgg{r.stage(e.Stage), m.stage(e.Stage)} {
			a.completed++
			a.duration.Observe(e.Duration.Seconds(), e.Timestamp)
		}
	case events.StageFailed:
		r.stage(e.Stage).failed++
		m.stage(e.Stage).failed++
	case events.MetricRecorded:
		key := e.Metric
		if e.Stage != "" {
			key = string(e.Stage) + "." + e.Metric
		}
		s, ok := r.custom[key]
		if !ok {
			s = &metrics.Series{}
			r.custom[key] = s
		}
		s.Observe(e.Value, e.Timestamp)
	}

	raised := evaluate(e, th)
	r.alerts = append(r.alerts, raised...)
	return raised
}

// applySample attributes a resource sample to every running run. Caller holds m.mu.
func (m *Monitor) applySample(e events.Event, th Thresholds) []Alert {
	m.resources.observe(e.Resources, e.Timestamp)

	var raised []Alert
	attributed := false
	for _, r := range m.runs {
		if r.status != "running" {
			continue
		}
		attributed = true
		re := e
		re.RunID = r.id
		r.events = append(r.events, re)
		r.resources.observe(e.Resources, e.Timestamp)
		alerts := evaluate(re, th)
		r.alerts = append(r.alerts, alerts...)
		raised = append(raised, alerts...)
	}
	if !attributed {
		alerts := evaluate(e, th)
		m.unassigned = append(m.unassigned, alerts...)
		raised = append(raised, alerts...)
	}
	return raised
}

// run returns the log for id, creating it on first sight. Caller holds m.mu.
func (m *Monitor) run(id string, at time.Time) *runLog {
	r, ok := m.runs[id]
	if !ok {
		r = newRunLog(id, at)
		m.runs[id] = r
	}
	return r
}

func (m *Monitor) stage(s message.StageID) *stageAgg {
	a, ok := m.stages[s]
	if !ok {
		a = &stageAgg{}
		m.stages[s] = a
	}
	return a
}

// retain evicts the oldest terminal runs beyond RetainRuns. Evicted ids are
// remembered, up to RetainRuns of them, so late events cannot resurrect a log.
// Caller holds m.mu.
func (m *Monitor) retain(id string) {
	if slices.Contains(m.finished, id) {
		return
	}
	m.finished = append(m.finished, id)
	for len(m.finished) > m.cfg.RetainRuns {
		gone := m.finished[0]
		delete(m.runs, gone)
		m.finished = m.finished[1:]

		m.evicted[gone] = struct{}{}
		m.tombstones = append(m.tombstones, gone)
		if len(m.tombstones) > m.cfg.RetainRuns {
			delete(m.evicted, m.tombstones[0])
			m.tombstones = m.tombstones[1:]
		}
	}
}

func (m *Monitor) sample() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ResourceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			res, err := m.sampler.Sample(m.ctx)
			if err != nil {
				if m.ctx.Err() == nil {
					log.ErrorErr(log.CatMonitor, "Resource sampling failed", err)
				}
				continue
			}
			m.enqueue(events.Event{Type: events.ResourceSample, Resources: &res})
		}
	}
}

// Events returns a copy of runID's event log. An empty runID returns events
// that belong to no run.
func (m *Monitor) Events(runID string) []events.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if runID == "" {
		return slices.Clone(m.global)
	}
	r, ok := m.runs[runID]
	if !ok {
		return nil
	}
	return slices.Clone(r.events)
}

// Runs returns the ids the monitor holds aggregates for, sorted.
func (m *Monitor) Runs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := slices.Collect(maps.Keys(m.runs))
	sort.Strings(ids)
	return ids
}

// Alerts returns raised alerts oldest first. An empty runID or typ matches all.
func (m *Monitor) Alerts(runID string, typ AlertType) []Alert {
	m.mu.RLock()
	var all []Alert
	if runID == "" {
		all = append(all, m.unassigned...)
		for _, r := range m.runs {
			all = append(all, r.alerts...)
		}
	} else if r, ok := m.runs[runID]; ok {
		all = append(all, r.alerts...)
	}
	m.mu.RUnlock()

	out := all[:0]
	for _, a := range all {
		if typ == "" || a.Type == typ {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// RecomputeAlerts rebuilds runID's alerts from its event log with the current
// thresholds. Notifiers are not called.
func (m *Monitor) RecomputeAlerts(runID string) []Alert {
	th := *m.thresholds.Load()

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return nil
	}
	var alerts []Alert
	for _, e := range r.events {
		alerts = append(alerts, evaluate(e, th)...)
	}
	r.alerts = alerts
	return slices.Clone(alerts)
}

// Metrics returns the report for runID.
func (m *Monitor) Metrics(runID string) (RunMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID]
	if !ok {
		return RunMetrics{}, false
	}

	out := RunMetrics{
		RunID:     r.id,
		Status:    r.status,
		StartedAt: r.startedAt,
		EndedAt:   r.endedAt,
		Stages:    make(map[message.StageID]StageMetrics, len(r.stages)),
		Resources: r.resources.report(),
		Events:    summarize(r.events, DefaultErrorSummary),
		Alerts:    slices.Clone(r.alerts),
	}
	if !r.endedAt.IsZero() {
		out.Duration = r.endedAt.Sub(r.startedAt)
	}
	for s, a := range r.stages {
		out.Stages[s] = a.report(s)
	}
	if len(r.custom) > 0 {
		out.Custom = make(map[string]metrics.Summary, len(r.custom))
		for k, s := range r.custom {
			out.Custom[k] = s.Summary()
		}
	}
	return out, true
}

// StageStats returns aggregates per stage across every observed run.
func (m *Monitor) StageStats() map[message.StageID]StageMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[message.StageID]StageMetrics, len(m.stages))
	for s, a := range m.stages {
		out[s] = a.report(s)
	}
	return out
}

// Resources returns host-wide resource aggregates.
func (m *Monitor) Resources() ResourceMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resources.report()
}
