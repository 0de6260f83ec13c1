// Package config provides configuration types, defaults and loading for quill.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/quill/internal/llm"
	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/monitor"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
	"github.com/zjrosen/quill/internal/orchestration/tracing"
	"github.com/zjrosen/quill/internal/orchestration/workflow"
	"github.com/zjrosen/quill/internal/research"
	"github.com/zjrosen/quill/internal/stages"
)

// EnvPrefix prefixes environment overrides, e.g. QUILL_LLM_API_KEY.
const EnvPrefix = "QUILL"

// EnvKeyReplacer maps nested keys like llm.api_key onto LLM_API_KEY.
func EnvKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}

// Config holds all configuration options for quill.
type Config struct {
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Monitor   monitor.Config  `mapstructure:"monitor"`
	LLM       llm.Config      `mapstructure:"llm"`
	Research  research.Config `mapstructure:"research"`
	Stages    stages.Config   `mapstructure:"stages"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	History   HistoryConfig   `mapstructure:"history"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

// PipelineConfig adds workflow selection and status polling to the
// orchestrator settings.
type PipelineConfig struct {
	pipeline.Config `mapstructure:",squash"`

	// Workflow is a built-in workflow name or a path to a YAML definition.
	// Empty selects the built-in content workflow.
	Workflow string `mapstructure:"workflow"`

	// PollInterval is how often the CLI refreshes run status.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// PublisherConfig controls where finished articles are written.
type PublisherConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// HistoryConfig controls the sqlite run history.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path is the database file. Default: ~/.config/quill/history.db
	Path string `mapstructure:"path"`
}

// LogConfig controls the file logger.
type LogConfig struct {
	// File enables logging to this path. Empty disables logging unless
	// --debug is given.
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// Dir returns ~/.config/quill or empty string if home dir unavailable.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "quill")
}

// DefaultTracesFilePath returns ~/.config/quill/traces/traces.jsonl.
func DefaultTracesFilePath() string {
	if d := Dir(); d != "" {
		return filepath.Join(d, "traces", "traces.jsonl")
	}
	return ""
}

// WorkflowDir returns ~/.config/quill/workflows, where user workflow files
// are listed from.
func WorkflowDir() string {
	if d := Dir(); d != "" {
		return filepath.Join(d, "workflows")
	}
	return ""
}

// DefaultHistoryPath returns ~/.config/quill/history.db.
func DefaultHistoryPath() string {
	if d := Dir(); d != "" {
		return filepath.Join(d, "history.db")
	}
	return ""
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Pipeline: PipelineConfig{
			Config:       pipeline.DefaultConfig(),
			Workflow:     workflow.DefaultName,
			PollInterval: 500 * time.Millisecond,
		},
		Monitor:   monitor.DefaultConfig(),
		LLM:       llm.DefaultConfig(),
		Research:  research.DefaultConfig(),
		Stages:    stages.DefaultConfig(),
		Publisher: PublisherConfig{OutputDir: "articles"},
		History: HistoryConfig{
			Enabled: true,
			Path:    "", // Derived from config dir at runtime
		},
		Tracing: tracing.DefaultConfig(),
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads v into a Config seeded with Defaults, so keys absent from the
// file and environment keep their default values.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.History.Path == "" {
		cfg.History.Path = DefaultHistoryPath()
	}
	if cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = DefaultTracesFilePath()
	}
	return cfg, nil
}

// Validate checks every section and reports all problems together.
func (c Config) Validate() error {
	var errs []error
	wrap := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	wrap("pipeline", c.Pipeline.Validate())
	if c.Pipeline.PollInterval < 0 {
		wrap("pipeline", errors.New("poll_interval must not be negative"))
	}
	wrap("monitor.thresholds", c.Monitor.Thresholds.Validate())
	if c.Monitor.ResourceInterval < 0 {
		wrap("monitor", errors.New("resource_interval must not be negative"))
	}
	wrap("llm", c.LLM.Validate())
	wrap("research", ValidateResearch(c.Research))
	wrap("stages", c.Stages.Validate())
	if c.Publisher.OutputDir == "" {
		wrap("publisher", errors.New("output_dir is required"))
	}
	if c.History.Enabled && c.History.Path == "" {
		wrap("history", errors.New("path is required when history is enabled"))
	}
	wrap("tracing", ValidateTracing(c.Tracing))
	return errors.Join(errs...)
}

// ValidateResearch checks research configuration for errors.
func ValidateResearch(r research.Config) error {
	if len(r.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	if r.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", r.Concurrency)
	}
	if r.CacheTTL < 0 || r.CacheSize < 0 {
		return errors.New("cache_ttl and cache_size must not be negative")
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	switch t.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
	}

	// Only validate path requirements when tracing is enabled
	if t.Enabled {
		if t.Exporter == "file" && t.FilePath == "" {
			return errors.New("file_path is required when exporter is \"file\"")
		}
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return errors.New("otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
