package stages

import (
	"fmt"

	"github.com/zjrosen/quill/internal/llm"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/worker"
	"github.com/zjrosen/quill/internal/research"
)

// Deps are the collaborators the processors call out to.
type Deps struct {
	LLM       llm.Generator
	Research  research.Gatherer
	Assets    AssetGenerator
	Publisher Publisher
	// History receives every successful stage output. Built from Config
	// when nil.
	History *History
}

// Build assembles the six content processors keyed by stage. Assets default
// to PlaceholderAssets; the other collaborators are required.
func Build(cfg Config, deps Deps) (map[message.StageID]worker.Processor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("stages: llm generator is required")
	}
	if deps.Research == nil {
		return nil, fmt.Errorf("stages: research gatherer is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("stages: publisher is required")
	}
	if deps.Assets == nil {
		deps.Assets = PlaceholderAssets{Style: cfg.ImageStyle, Social: cfg.SocialImages}
	}

	if deps.History == nil {
		deps.History = NewHistory(cfg.HistorySize, cfg.HistoryTTL)
	}

	procs := map[message.StageID]worker.Processor{
		message.StageResearcher: NewResearcher(deps.Research),
		message.StageWriter:     NewWriter(cfg, deps.LLM),
		message.StageEditor:     NewEditor(cfg, deps.LLM),
		message.StageSEO:        NewSEO(cfg, deps.LLM),
		message.StageImage:      NewImage(deps.Assets),
		message.StagePublisher:  NewPublish(deps.Publisher),
	}
	for stage, p := range procs {
		procs[stage] = Recorded(stage, p, deps.History)
	}
	return procs, nil
}
