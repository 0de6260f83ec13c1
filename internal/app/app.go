// Package app wires configuration, collaborators and the pipeline into a
// running quill instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/zjrosen/quill/internal/config"
	"github.com/zjrosen/quill/internal/infrastructure/sqlite"
	"github.com/zjrosen/quill/internal/llm"
	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/metrics"
	"github.com/zjrosen/quill/internal/orchestration/monitor"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
	"github.com/zjrosen/quill/internal/orchestration/tracing"
	"github.com/zjrosen/quill/internal/orchestration/workflow"
	"github.com/zjrosen/quill/internal/research"
	"github.com/zjrosen/quill/internal/stages"
)

// Deps overrides collaborators, mainly for tests. Nil fields are built from
// the configuration.
type Deps struct {
	LLM        llm.Generator
	Research   research.Gatherer
	Publisher  stages.Publisher
	Assets     stages.AssetGenerator
	Sampler    monitor.Sampler
	Notifiers  []monitor.Notifier
	HTTPClient *http.Client
}

// Request asks for one article.
type Request struct {
	Topic  string
	Style  string
	Length string
}

func (r Request) seed() message.Payload {
	p := message.Payload{stages.FieldResearchTopic: strings.TrimSpace(r.Topic)}
	if r.Style != "" {
		p[stages.FieldStyle] = r.Style
	}
	if r.Length != "" {
		p[stages.FieldLength] = r.Length
	}
	return p
}

// Result is the outcome of one request.
type Result struct {
	Topic    string              `json:"topic"`
	Run      pipeline.RunStatus  `json:"run"`
	Location string              `json:"location,omitempty"`
	Metrics  *monitor.RunMetrics `json:"metrics,omitempty"`
}

// App owns every long-lived component.
type App struct {
	cfg      config.Config
	tracing  *tracing.Provider
	llm      llm.Generator
	research *research.CachedGatherer
	stageLog *stages.History
	db       *sqlite.DB
	runs     *sqlite.RunRepository
	orch     *pipeline.Orchestrator
	monitor  *monitor.Monitor
	alerts   *monitor.FileNotifier

	closeOnce sync.Once
}

// New builds the application from cfg. Nothing runs until Start.
func New(cfg config.Config, deps Deps) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a = &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.closeResources(context.Background())
		}
	}()

	a.tracing, err = tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	tracer := a.tracing.Tracer()

	a.llm = deps.LLM
	if a.llm == nil {
		opts := []llm.Option{llm.WithTracer(tracer)}
		if deps.HTTPClient != nil {
			opts = append(opts, llm.WithHTTPClient(deps.HTTPClient))
		}
		if a.llm, err = llm.New(cfg.LLM, opts...); err != nil {
			return nil, fmt.Errorf("building llm client: %w", err)
		}
	}

	gatherer := deps.Research
	if gatherer == nil {
		gatherer = research.NewFetcher(cfg.Research, deps.HTTPClient)
	}
	a.research = research.NewCachedGatherer(gatherer, cfg.Research, tracer)

	publisher := deps.Publisher
	if publisher == nil {
		publisher = stages.NewFilePublisher(cfg.Publisher.OutputDir)
	}

	a.stageLog = stages.NewHistory(cfg.Stages.HistorySize, cfg.Stages.HistoryTTL)
	procs, err := stages.Build(cfg.Stages, stages.Deps{
		LLM:       a.llm,
		Research:  a.research,
		Assets:    deps.Assets,
		Publisher: publisher,
		History:   a.stageLog,
	})
	if err != nil {
		return nil, err
	}

	wf, err := workflow.Resolve(cfg.Pipeline.Workflow)
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}

	opts := []pipeline.Option{pipeline.WithTracer(tracer)}
	if cfg.History.Enabled {
		if a.db, err = sqlite.NewDB(cfg.History.Path); err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
		a.runs = a.db.RunRepository().WithTopicField(stages.FieldResearchTopic)
		opts = append(opts, pipeline.WithStore(a.runs))
	}

	if a.orch, err = pipeline.New(cfg.Pipeline.Config, wf, procs, opts...); err != nil {
		return nil, err
	}

	notifiers := append([]monitor.Notifier{monitor.LogNotifier{}}, deps.Notifiers...)
	if cfg.Monitor.AlertLog != "" {
		if a.alerts, err = monitor.NewFileNotifier(cfg.Monitor.AlertLog); err != nil {
			return nil, err
		}
		notifiers = append(notifiers, a.alerts)
	}
	monOpts := []monitor.Option{monitor.WithNotifiers(notifiers...)}
	if deps.Sampler != nil {
		monOpts = append(monOpts, monitor.WithSampler(deps.Sampler))
	}
	a.monitor = monitor.New(cfg.Monitor, monOpts...)
	a.monitor.Attach(a.orch.Events())

	log.Info(log.CatPipeline, "Application ready",
		"workflow", wf.Name(),
		"history", cfg.History.Enabled,
		"tracing", a.tracing.Enabled())
	return a, nil
}

// Start launches the monitor and the stage workers.
func (a *App) Start() error {
	if err := a.monitor.Start(); err != nil {
		return err
	}
	return a.orch.Start()
}

// Submit starts one run and returns its id.
func (a *App) Submit(req Request) (string, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return "", errors.New("topic is required")
	}
	return a.orch.StartRun(req.seed())
}

// Generate submits every request, waits for all of them and reports each
// outcome in request order. A failed run is a Result, not an error; the error
// is reserved for runs that could not be started or awaited.
func (a *App) Generate(ctx context.Context, reqs []Request) ([]Result, error) {
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		id, err := a.Submit(req)
		if err != nil {
			return nil, fmt.Errorf("starting %q: %w", req.Topic, err)
		}
		ids[i] = id
		log.Info(log.CatPipeline, "Submitted article", "run", id, "topic", req.Topic)
	}

	results := make([]Result, len(reqs))
	for i, id := range ids {
		st, err := a.orch.AwaitCompletion(ctx, id, a.cfg.Pipeline.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", id, err)
		}
		results[i] = Result{Topic: reqs[i].Topic, Run: st, Location: a.location(id)}
	}

	// Let the monitor catch up before reading aggregates.
	if err := a.monitor.Flush(ctx); err != nil {
		log.Warn(log.CatMonitor, "Monitor flush failed", "error", err)
	}
	for i := range results {
		if m, ok := a.monitor.Metrics(results[i].Run.RunID); ok {
			results[i].Metrics = &m
		}
	}
	return results, nil
}

func (a *App) location(runID string) string {
	out, ok, err := a.orch.StageOutput(runID, message.StagePublisher)
	if err != nil || !ok {
		return ""
	}
	res, _ := out[stages.FieldPublishResult].(map[string]any)
	loc, _ := res["location"].(string)
	return loc
}

// Orchestrator exposes the pipeline for status queries.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orch }

// Monitor exposes the monitor.
func (a *App) Monitor() *monitor.Monitor { return a.monitor }

// History returns the run repository, or nil when history is disabled.
func (a *App) History() *sqlite.RunRepository { return a.runs }

// StageHistory returns the recent interactions each stage remembers.
func (a *App) StageHistory() *stages.History { return a.stageLog }

// Usage reports LLM token totals when the default client is in use.
func (a *App) Usage() (metrics.TokenUsage, bool) {
	c, ok := a.llm.(*llm.Client)
	if !ok {
		return metrics.TokenUsage{}, false
	}
	return c.Usage(), true
}

// Close drains the pipeline and releases every resource. Safe to call more
// than once.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if a.orch != nil {
			err = a.orch.Shutdown(ctx)
		}
		a.closeResources(ctx)
	})
	return err
}

func (a *App) closeResources(ctx context.Context) {
	if a.monitor != nil {
		a.monitor.Close()
	}
	if a.alerts != nil {
		if err := a.alerts.Close(); err != nil {
			log.ErrorErr(log.CatMonitor, "Closing alert log failed", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.ErrorErr(log.CatDB, "Closing history failed", err)
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			log.ErrorErr(log.CatTrace, "Tracing shutdown failed", err)
		}
	}
}
