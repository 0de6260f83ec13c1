package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/quill/internal/config"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/presentation"
)

var (
	thresholdsJSON  bool
	thresholdCPU    float64
	thresholdMemory float64
	thresholdStage  time.Duration
	thresholdPer    []string
)

var thresholdsCmd = &cobra.Command{
	Use:   "thresholds",
	Short: "Show monitor alert thresholds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return presentation.NewFormatter(cmd.OutOrStdout(), thresholdsJSON).Thresholds(cfg.Monitor.Thresholds)
	},
}

var thresholdsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update monitor alert thresholds in the config file",
	Long: `Update the monitor thresholds in the config file. Other settings and
comments are kept. A running 'quill run --watch' picks the change up live.

Examples:
  quill thresholds set --cpu 80 --memory 85
  quill thresholds set --stage-duration 3m --stage writer=10m`,
	Args: cobra.NoArgs,
	RunE: runThresholdsSet,
}

func init() {
	thresholdsCmd.PersistentFlags().BoolVar(&thresholdsJSON, "json", false, "Print as JSON")
	thresholdsSetCmd.Flags().Float64Var(&thresholdCPU, "cpu", 0, "CPU percent ceiling (0,100]")
	thresholdsSetCmd.Flags().Float64Var(&thresholdMemory, "memory", 0, "Memory percent ceiling (0,100]")
	thresholdsSetCmd.Flags().DurationVar(&thresholdStage, "stage-duration", 0, "Default per-stage duration limit")
	thresholdsSetCmd.Flags().StringArrayVar(&thresholdPer, "stage", nil, "Per-stage limit as stage=duration (can be repeated; 0 clears)")
	thresholdsCmd.AddCommand(thresholdsSetCmd)
	rootCmd.AddCommand(thresholdsCmd)
}

func runThresholdsSet(cmd *cobra.Command, _ []string) error {
	th := cfg.Monitor.Thresholds
	flags := cmd.Flags()
	if flags.Changed("cpu") {
		th.CPUPercent = thresholdCPU
	}
	if flags.Changed("memory") {
		th.MemoryPercent = thresholdMemory
	}
	if flags.Changed("stage-duration") {
		th.StageDuration = thresholdStage
	}
	if len(thresholdPer) > 0 {
		stages := make(map[message.StageID]time.Duration, len(th.Stages)+len(thresholdPer))
		for s, d := range th.Stages {
			stages[s] = d
		}
		for _, kv := range thresholdPer {
			stage, d, err := parseStageLimit(kv)
			if err != nil {
				return err
			}
			if d == 0 {
				delete(stages, stage)
				continue
			}
			stages[stage] = d
		}
		th.Stages = stages
	}

	if err := config.SaveThresholds(configPath, th); err != nil {
		return err
	}
	cfg.Monitor.Thresholds = th
	return presentation.NewFormatter(cmd.OutOrStdout(), thresholdsJSON).Thresholds(th)
}

// parseStageLimit parses "writer=10m".
func parseStageLimit(kv string) (message.StageID, time.Duration, error) {
	name, value, ok := strings.Cut(kv, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", 0, fmt.Errorf("invalid --stage %q: want stage=duration", kv)
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return "", 0, fmt.Errorf("invalid --stage %q: %w", kv, err)
	}
	if d < 0 {
		return "", 0, fmt.Errorf("invalid --stage %q: duration must not be negative", kv)
	}
	return message.StageID(name), d, nil
}
