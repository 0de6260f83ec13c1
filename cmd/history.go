package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/quill/internal/infrastructure/sqlite"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
	"github.com/zjrosen/quill/internal/presentation"
	"github.com/zjrosen/quill/internal/stages"
)

var (
	historyLimit     int
	historyRunID     string
	historyStatus    string
	historyTopic     string
	historyWorkflow  string
	historySince     time.Duration
	historyJSON      bool
	historyOlderThan time.Duration
	historyRender    bool
	historyWidth     int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past runs",
	Long: `List runs recorded in the history database, newest first.

Examples:
  # The last ten runs
  quill history --limit 10

  # Failed runs from the past day
  quill history --status failed --since 24h

  # One run in detail
  quill history --run 3f1c...

  # One run with its published article rendered
  quill history --run 3f1c... --render

  # Per-stage timings
  quill history stats --since 168h`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show average and worst stage durations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withHistory(func(repo *sqlite.RunRepository) error {
			stats, err := repo.StageStats(cmd.Context(), sinceTime(historySince))
			if err != nil {
				return err
			}
			return presentation.NewFormatter(cmd.OutOrStdout(), historyJSON).
				StageStats(presentation.FromStageStats(stats))
		})
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs older than a cutoff",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if historyOlderThan <= 0 {
			return errors.New("--older-than must be positive")
		}
		return withHistory(func(repo *sqlite.RunRepository) error {
			n, err := repo.Prune(cmd.Context(), time.Now().Add(-historyOlderThan))
			if err != nil {
				return err
			}
			return presentation.NewFormatter(cmd.OutOrStdout(), historyJSON).
				Message("Deleted %d runs older than %s", n, historyOlderThan)
		})
	},
}

func init() {
	historyCmd.PersistentFlags().BoolVar(&historyJSON, "json", false, "Print as JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum runs to list (0 for all)")
	historyCmd.Flags().StringVar(&historyRunID, "run", "", "Show one run in detail")
	historyCmd.Flags().BoolVar(&historyRender, "render", false, "With --run, render the published article")
	historyCmd.Flags().IntVar(&historyWidth, "width", 80, "Word wrap width for --render")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Filter by status (completed, failed)")
	historyCmd.Flags().StringVar(&historyTopic, "topic", "", "Filter by topic substring")
	historyCmd.Flags().StringVarP(&historyWorkflow, "workflow", "w", "", "Filter by workflow name")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "Only runs started within this window (e.g., 24h)")
	historyStatsCmd.Flags().DurationVar(&historySince, "since", 0, "Only runs started within this window (e.g., 168h)")
	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "Delete runs started before now minus this")

	historyCmd.AddCommand(historyStatsCmd, historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	formatter := presentation.NewFormatter(cmd.OutOrStdout(), historyJSON)
	return withHistory(func(repo *sqlite.RunRepository) error {
		if historyRunID != "" {
			run, err := repo.GetRun(cmd.Context(), historyRunID)
			if err != nil {
				return err
			}
			dto := presentation.FromHistory(run)
			if !historyRender {
				return formatter.Run(dto)
			}
			return renderArticle(formatter, dto)
		}
		if historyRender {
			return errors.New("--render requires --run")
		}

		status := pipeline.Status(historyStatus)
		switch status {
		case "", pipeline.StatusCompleted, pipeline.StatusFailed:
		default:
			return fmt.Errorf("unknown status %q", historyStatus)
		}
		runs, err := repo.ListRuns(cmd.Context(), sqlite.RunFilter{
			Status:   status,
			Workflow: historyWorkflow,
			Topic:    historyTopic,
			Since:    sinceTime(historySince),
			Limit:    historyLimit,
		})
		if err != nil {
			return err
		}
		dtos := make([]presentation.RunDTO, len(runs))
		for i, r := range runs {
			dtos[i] = presentation.FromHistory(r)
		}
		return formatter.Runs(dtos)
	})
}

// renderArticle shows a run followed by the article it published.
func renderArticle(formatter *presentation.Formatter, dto presentation.RunDTO) error {
	if dto.Location == "" {
		return fmt.Errorf("run %s did not publish an article", dto.RunID)
	}
	doc, err := os.ReadFile(dto.Location)
	if err != nil {
		return fmt.Errorf("reading article: %w", err)
	}
	md, err := presentation.NewMarkdown(historyWidth, "")
	if err != nil {
		return err
	}
	if !historyJSON {
		if err := formatter.Run(dto); err != nil {
			return err
		}
	}
	return formatter.Article(dto, string(doc), md)
}

// withHistory opens the history database for the duration of fn.
func withHistory(fn func(*sqlite.RunRepository) error) error {
	if !cfg.History.Enabled {
		return errors.New("run history is disabled (history.enabled: false)")
	}
	db, err := sqlite.NewDB(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer func() { _ = db.Close() }()
	return fn(db.RunRepository().WithTopicField(stages.FieldResearchTopic))
}

func sinceTime(window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-window)
}
