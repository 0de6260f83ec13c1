package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/zjrosen/quill/internal/log"
	"github.com/zjrosen/quill/internal/orchestration/message"
	"github.com/zjrosen/quill/internal/orchestration/pipeline"
)

// DefaultTopicField is the seed field copied into the topic column.
const DefaultTopicField = "topic"

var runColumns = []string{
	"run_id", "workflow", "status", "topic", "current_stage", "completed_stages",
	"seed", "output", "started_at", "ended_at", "duration_ms",
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status   pipeline.Status
	Workflow string
	// Topic matches as a case-insensitive substring.
	Topic string
	Since time.Time
	// Limit caps the result; zero means no limit.
	Limit int
}

// RunRepository stores terminal runs and answers history queries.
// It implements pipeline.RunStore.
type RunRepository struct {
	db         *sql.DB
	topicField string
}

var _ pipeline.RunStore = (*RunRepository)(nil)

func newRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db, topicField: DefaultTopicField}
}

// WithTopicField sets which seed field is indexed as the run topic.
func (r *RunRepository) WithTopicField(field string) *RunRepository {
	r.topicField = field
	return r
}

// scanRun scans a row into a RunModel.
func scanRun(scanner interface{ Scan(...any) error }) (*RunModel, error) {
	var m RunModel
	err := scanner.Scan(
		&m.RunID, &m.Workflow, &m.Status, &m.Topic, &m.CurrentStage, &m.CompletedStages,
		&m.Seed, &m.Output, &m.StartedAt, &m.EndedAt, &m.DurationMS,
	)
	return &m, err
}

// SaveRun upserts the run with its errors and stage durations in one
// transaction. Saving the same run again replaces the previous row.
func (r *RunRepository) SaveRun(ctx context.Context, rec pipeline.RunRecord) error {
	model, err := toRunModel(rec, r.topicField)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := sq.Insert("runs").
		Columns(runColumns...).
		Values(
			model.RunID, model.Workflow, model.Status, model.Topic, model.CurrentStage, model.CompletedStages,
			model.Seed, model.Output, model.StartedAt, model.EndedAt, model.DurationMS,
		).
		Suffix(`ON CONFLICT(run_id) DO UPDATE SET
			workflow = excluded.workflow, status = excluded.status, topic = excluded.topic,
			current_stage = excluded.current_stage, completed_stages = excluded.completed_stages,
			seed = excluded.seed, output = excluded.output, started_at = excluded.started_at,
			ended_at = excluded.ended_at, duration_ms = excluded.duration_ms`)
	if err := execTx(ctx, tx, upsert); err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	for _, table := range []string{"run_errors", "stage_durations"} {
		if err := execTx(ctx, tx, sq.Delete(table).Where(sq.Eq{"run_id": model.RunID})); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if errs := rec.Status.Errors; len(errs) > 0 {
		ins := sq.Insert("run_errors").Columns("run_id", "stage", "error_type", "message", "at")
		for _, e := range errs {
			ins = ins.Values(model.RunID, string(e.Stage), e.Type, e.Message, e.At.UnixMilli())
		}
		if err := execTx(ctx, tx, ins); err != nil {
			return fmt.Errorf("failed to insert run errors: %w", err)
		}
	}

	if durations := rec.Status.StageDurations; len(durations) > 0 {
		ins := sq.Insert("stage_durations").Columns("run_id", "stage", "duration_ms")
		for _, stage := range slices.Sorted(maps.Keys(durations)) {
			ins = ins.Values(model.RunID, string(stage), durations[stage].Milliseconds())
		}
		if err := execTx(ctx, tx, ins); err != nil {
			return fmt.Errorf("failed to insert stage durations: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run: %w", err)
	}
	log.Debug(log.CatDB, "Saved run", "run", model.RunID, "status", model.Status)
	return nil
}

// GetRun loads one run. Unknown ids return an error matching
// pipeline.ErrNotFound.
func (r *RunRepository) GetRun(ctx context.Context, runID string) (*Run, error) {
	query, args, err := sq.Select(runColumns...).From("runs").Where(sq.Eq{"run_id": runID}).ToSql()
	if err != nil {
		return nil, err
	}
	model, err := scanRun(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pipeline.NotFoundError{RunID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run, err := model.toDomain()
	if err != nil {
		return nil, err
	}
	if err := r.attach(ctx, []*Run{run}); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns matching runs, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	b := sq.Select(runColumns...).From("runs").OrderBy("started_at DESC", "run_id")
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Workflow != "" {
		b = b.Where(sq.Eq{"workflow": filter.Workflow})
	}
	if filter.Topic != "" {
		// SQLite LIKE is case-insensitive for ASCII.
		b = b.Where(sq.Like{"topic": "%" + filter.Topic + "%"})
	}
	if !filter.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"started_at": filter.Since.UnixMilli()})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		model, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := model.toDomain()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attach(ctx, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// StageStats aggregates stage durations of runs started at or after since.
func (r *RunRepository) StageStats(ctx context.Context, since time.Time) ([]StageStat, error) {
	b := sq.Select("sd.stage", "COUNT(*)", "AVG(sd.duration_ms)", "MAX(sd.duration_ms)").
		From("stage_durations sd").
		Join("runs r ON r.run_id = sd.run_id").
		GroupBy("sd.stage").
		OrderBy("sd.stage")
	if !since.IsZero() {
		b = b.Where(sq.GtOrEq{"r.started_at": since.UnixMilli()})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []StageStat
	for rows.Next() {
		var (
			stage string
			count int
			avg   float64
			maxMS int64
		)
		if err := rows.Scan(&stage, &count, &avg, &maxMS); err != nil {
			return nil, fmt.Errorf("failed to scan stage stats: %w", err)
		}
		stats = append(stats, StageStat{
			Stage:   message.StageID(stage),
			Runs:    count,
			Average: time.Duration(avg * float64(time.Millisecond)),
			Max:     time.Duration(maxMS) * time.Millisecond,
		})
	}
	return stats, rows.Err()
}

// Prune deletes runs started before cutoff and reports how many went.
func (r *RunRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := sq.Delete("runs").Where(sq.Lt{"started_at": cutoff.UnixMilli()}).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	log.Info(log.CatDB, "Pruned run history", "deleted", n, "cutoff", cutoff)
	return n, nil
}

// attach loads errors and stage durations for runs.
func (r *RunRepository) attach(ctx context.Context, runs []*Run) error {
	if len(runs) == 0 {
		return nil
	}
	byID := make(map[string]*Run, len(runs))
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		byID[run.RunID] = run
		ids = append(ids, run.RunID)
		run.StageDurations = make(map[message.StageID]time.Duration)
	}

	query, args, err := sq.Select("run_id", "stage", "error_type", "message", "at").
		From("run_errors").
		Where(sq.Eq{"run_id": ids}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load run errors: %w", err)
	}
	for rows.Next() {
		var (
			id, stage string
			e         pipeline.RunError
			at        int64
		)
		if err := rows.Scan(&id, &stage, &e.Type, &e.Message, &at); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan run error: %w", err)
		}
		e.Stage = message.StageID(stage)
		e.At = time.UnixMilli(at)
		byID[id].Errors = append(byID[id].Errors, e)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	query, args, err = sq.Select("run_id", "stage", "duration_ms").
		From("stage_durations").
		Where(sq.Eq{"run_id": ids}).
		ToSql()
	if err != nil {
		return err
	}
	rows, err = r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load stage durations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			id, stage string
			ms        int64
		)
		if err := rows.Scan(&id, &stage, &ms); err != nil {
			return fmt.Errorf("failed to scan stage duration: %w", err)
		}
		byID[id].StageDurations[message.StageID(stage)] = time.Duration(ms) * time.Millisecond
	}
	return rows.Err()
}

func execTx(ctx context.Context, tx *sql.Tx, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}
