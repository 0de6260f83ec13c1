package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/quill/internal/app"
	"github.com/zjrosen/quill/internal/config"
	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/metrics"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
	"github.com/zjrosen/quill/internal/presentation"
)

// shutdownTimeout bounds the drain after the last article finishes or the
// user interrupts.
const shutdownTimeout = 30 * time.Second

var (
	runTopics   []string
	runStyle    string
	runLength   string
	runWorkflow string
	runJSON     bool
	runWatch    bool
	runMemory   bool
)

var runCmd = &cobra.Command{
	Use:   "run [topic...]",
	Short: "Generate articles for one or more topics",
	Long: `Run the article pipeline once per topic and wait for every run to finish.

Topics may be given as arguments or with --topic (repeatable). All topics run
concurrently through the same stage agents. Failed runs are reported with the
stage that failed; the command exits non-zero if any run failed.

Examples:
  # One article
  quill run --topic "Go channels"

  # Several articles with a style and length hint
  quill run -t "Go channels" -t "Rust lifetimes" --style tutorial --length short

  # Use a workflow file instead of the built-in pipeline
  quill run --workflow ./my-flow.yaml "Zig comptime"

  # Machine-readable output
  quill run --json "Go channels" | jq '.runs[].location'`,
	RunE: runArticles,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runTopics, "topic", "t", nil, "Article topic (can be repeated)")
	runCmd.Flags().StringVar(&runStyle, "style", "", "Writing style hint (e.g., tutorial, opinion)")
	runCmd.Flags().StringVar(&runLength, "length", "", "Length hint (short, medium, long)")
	runCmd.Flags().StringVarP(&runWorkflow, "workflow", "w", "", "Workflow name or YAML file (overrides pipeline.workflow)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print results as JSON")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Reload monitor thresholds when the config file changes")
	runCmd.Flags().BoolVar(&runMemory, "stage-history", false, "Also print what each stage remembers of this invocation")
	rootCmd.AddCommand(runCmd)
}

func runArticles(cmd *cobra.Command, args []string) error {
	topics := append(append([]string{}, runTopics...), args...)
	if len(topics) == 0 {
		return errors.New("at least one topic is required (use --topic or pass it as an argument)")
	}

	runCfg := cfg
	if runWorkflow != "" {
		runCfg.Pipeline.Workflow = runWorkflow
	}

	a, err := app.New(runCfg, deps)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			log.ErrorErr(log.CatPipeline, "Shutdown did not drain cleanly", err)
		}
	}()

	if runWatch {
		stop, err := a.WatchConfig(configPath, configLoader(configPath))
		if err != nil {
			return fmt.Errorf("watching config: %w", err)
		}
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reqs := make([]app.Request, len(topics))
	for i, topic := range topics {
		reqs[i] = app.Request{Topic: topic, Style: runStyle, Length: runLength}
	}
	results, err := a.Generate(ctx, reqs)
	if err != nil {
		return err
	}

	dtos := make([]presentation.RunDTO, len(results))
	failed := 0
	for i, r := range results {
		dtos[i] = presentation.FromResult(r)
		if r.Run.Status != pipeline.StatusCompleted {
			failed++
		}
	}
	var usage *metrics.TokenUsage
	if u, ok := a.Usage(); ok {
		usage = &u
	}

	formatter := presentation.NewFormatter(cmd.OutOrStdout(), runJSON)
	if err := formatter.Results(dtos, usage); err != nil {
		return err
	}
	if runMemory {
		if err := formatter.StageMemory(presentation.FromStageHistory(ctx, a.StageHistory())); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d articles failed", failed, len(results))
	}
	return nil
}

// configLoader re-reads path with the same environment overrides as startup.
func configLoader(path string) app.LoadFunc {
	return func() (config.Config, error) {
		v := viper.New()
		v.SetEnvPrefix(config.EnvPrefix)
		v.SetEnvKeyReplacer(config.EnvKeyReplacer())
		v.AutomaticEnv()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, err
		}
		return config.Load(v)
	}
}
