// Package presentation renders command output as JSON or styled text.
package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/zjrosen/quill/internal/orchestration/metrics"
	"github.com/zjrosen/quill/internal/orchestration/monitor"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
	json   bool
}

// NewFormatter creates a new formatter. With asJSON every method writes
// indented JSON instead of text.
func NewFormatter(writer io.Writer, asJSON bool) *Formatter {
	return &Formatter{
		writer: writer,
		json:   asJSON,
	}
}

// JSON writes v as indented JSON.
func (f *Formatter) JSON(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// Results reports finished article runs, one block per run.
func (f *Formatter) Results(runs []RunDTO, usage *metrics.TokenUsage) error {
	if f.json {
		out := struct {
			Runs  []RunDTO            `json:"runs"`
			Usage *metrics.TokenUsage `json:"usage,omitempty"`
		}{runs, usage}
		return f.JSON(out)
	}

	var b strings.Builder
	for _, r := range runs {
		topic := r.Topic
		if topic == "" {
			topic = r.RunID
		}
		fmt.Fprintf(&b, "%s %s %s\n", statusIcon(r.Status), TitleStyle.Render(topic),
			MutedStyle.Render(fmt.Sprintf("(%s, %s)", r.RunID, seconds(r.DurationSeconds))))
		if r.Location != "" {
			fmt.Fprintf(&b, "  %s %s\n", LabelStyle.Render("published:"), r.Location)
		}
		if r.Status == "failed" && len(r.Errors) > 0 {
			last := r.Errors[len(r.Errors)-1]
			fmt.Fprintf(&b, "  %s %s\n", ErrorStyle.Render("failed at "+last.Stage+":"), last.Message)
		}
		if len(r.StageSeconds) > 0 {
			fmt.Fprintf(&b, "  %s %s\n", LabelStyle.Render("stages:"), stageLine(r))
		}
	}
	if usage != nil && usage.Requests > 0 {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("llm usage:"), usage.FormatDisplay())
	}
	_, err := io.WriteString(f.writer, b.String())
	return err
}

// Runs renders a history listing as a table.
func (f *Formatter) Runs(runs []RunDTO) error {
	if f.json {
		if runs == nil {
			runs = []RunDTO{}
		}
		return f.JSON(runs)
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(f.writer, MutedStyle.Render("No runs recorded."))
		return err
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.RunID,
			r.Status,
			truncate(r.Topic, 40),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			seconds(r.DurationSeconds),
			r.FailedStage,
		})
	}
	t := newTable("RUN", "STATUS", "TOPIC", "STARTED", "DURATION", "FAILED AT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			if col == 1 {
				return CellStyle.Inherit(statusStyle(rows[row][1]))
			}
			return CellStyle
		})
	_, err := fmt.Fprintln(f.writer, t.Render())
	return err
}

// Run renders one run in detail.
func (f *Formatter) Run(r RunDTO) error {
	if f.json {
		return f.JSON(r)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", statusIcon(r.Status), TitleStyle.Render(r.RunID))
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "  %-10s %s\n", LabelStyle.Render(label), value)
		}
	}
	field("topic", r.Topic)
	field("workflow", r.Workflow)
	field("status", statusStyle(r.Status).Render(r.Status))
	field("started", r.StartedAt.Local().Format(time.RFC1123))
	field("duration", seconds(r.DurationSeconds))
	field("article", r.Location)
	if len(r.StageSeconds) > 0 {
		field("stages", stageLine(r))
	}
	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, "  %s\n", LabelStyle.Render("errors"))
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "    %s %s %s\n",
				ErrorStyle.Render(e.Stage), MutedStyle.Render("["+e.Type+"]"), e.Message)
		}
	}
	_, err := io.WriteString(f.writer, b.String())
	return err
}

// Article prints a published article below its run. Text output is styled
// with md; JSON output carries the raw markdown.
func (f *Formatter) Article(r RunDTO, doc string, md *Markdown) error {
	if f.json {
		return f.JSON(map[string]string{"run_id": r.RunID, "location": r.Location, "markdown": doc})
	}
	out, err := md.Render(doc)
	if err != nil {
		return fmt.Errorf("rendering article: %w", err)
	}
	_, err = io.WriteString(f.writer, out)
	return err
}

// Workflows lists workflow definitions.
func (f *Formatter) Workflows(wfs []WorkflowDTO) error {
	if f.json {
		return f.JSON(wfs)
	}
	rows := make([][]string, 0, len(wfs))
	for _, w := range wfs {
		rows = append(rows, []string{w.Name, w.Source, strings.Join(w.Stages, " → "), w.Description})
	}
	t := newTable("NAME", "SOURCE", "STAGES", "DESCRIPTION").Rows(rows...)
	_, err := fmt.Fprintln(f.writer, t.Render())
	return err
}

// StageStats renders history aggregates per stage.
func (f *Formatter) StageStats(stats []StageStatDTO) error {
	if f.json {
		return f.JSON(stats)
	}
	if len(stats) == 0 {
		_, err := fmt.Fprintln(f.writer, MutedStyle.Render("No stage timings recorded."))
		return err
	}
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{s.Stage, fmt.Sprint(s.Runs), seconds(s.AverageSeconds), seconds(s.MaxSeconds)})
	}
	t := newTable("STAGE", "RUNS", "AVERAGE", "MAX").Rows(rows...)
	_, err := fmt.Fprintln(f.writer, t.Render())
	return err
}

// StageMemory renders the per-stage interaction history.
func (f *Formatter) StageMemory(mem []StageMemoryDTO) error {
	if f.json {
		if mem == nil {
			mem = []StageMemoryDTO{}
		}
		return f.JSON(mem)
	}
	if len(mem) == 0 {
		_, err := fmt.Fprintln(f.writer, MutedStyle.Render("No stage interactions recorded."))
		return err
	}
	rows := make([][]string, 0, len(mem))
	for _, m := range mem {
		rows = append(rows, []string{m.Stage, fmt.Sprint(m.Interactions), fmt.Sprint(m.Runs), seconds(m.AverageSeconds), m.LastArticle})
	}
	t := newTable("STAGE", "INTERACTIONS", "RUNS", "AVERAGE", "LAST ARTICLE").Rows(rows...)
	_, err := fmt.Fprintln(f.writer, t.Render())
	return err
}

// Thresholds renders the monitor alert ceilings.
func (f *Formatter) Thresholds(th monitor.Thresholds) error {
	if f.json {
		out := map[string]any{
			"cpu_percent":    th.CPUPercent,
			"memory_percent": th.MemoryPercent,
			"stage_duration": th.StageDuration.String(),
		}
		if len(th.Stages) > 0 {
			stages := make(map[string]string, len(th.Stages))
			for s, d := range th.Stages {
				stages[string(s)] = d.String()
			}
			out["stages"] = stages
		}
		return f.JSON(out)
	}
	rows := [][]string{
		{"cpu", fmt.Sprintf("%g%%", th.CPUPercent)},
		{"memory", fmt.Sprintf("%g%%", th.MemoryPercent)},
		{"stage duration", th.StageDuration.String()},
	}
	for _, s := range slices.Sorted(maps.Keys(th.Stages)) {
		rows = append(rows, []string{"stage " + string(s), th.Stages[s].String()})
	}
	t := newTable("THRESHOLD", "LIMIT").Rows(rows...)
	_, err := fmt.Fprintln(f.writer, t.Render())
	return err
}

// Message prints a single styled status line.
func (f *Formatter) Message(format string, args ...any) error {
	if f.json {
		return f.JSON(map[string]string{"message": fmt.Sprintf(format, args...)})
	}
	_, err := fmt.Fprintln(f.writer, fmt.Sprintf(format, args...))
	return err
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(BorderDefaultColor)).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			return CellStyle
		})
}

// stageLine lists stage timings in completion order.
func stageLine(r RunDTO) string {
	order := slices.Clone(r.CompletedStages)
	for s := range r.StageSeconds {
		if !slices.Contains(order, s) {
			order = append(order, s)
		}
	}
	parts := make([]string, 0, len(order))
	for _, s := range order {
		if d, ok := r.StageSeconds[s]; ok {
			parts = append(parts, fmt.Sprintf("%s %s", s, seconds(d)))
		}
	}
	return strings.Join(parts, MutedStyle.Render(" · "))
}

func seconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(10 * time.Millisecond).String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
