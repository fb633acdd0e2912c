package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/posebench/internal/automation"
	"github.com/banshee-data/posebench/internal/timeutil"
)

// ErrRunNotFound is returned when a run id is not in the archive.
var ErrRunNotFound = errors.New("sweep run not found")

var _ automation.Archive = (*DB)(nil)

func unixSeconds(t time.Time) float64 {
	return timeutil.Seconds(t)
}

func fromUnixSeconds(s float64) time.Time {
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9)).UTC()
}

// BeginRun records a new run in the running state.
func (db *DB) BeginRun(ctx context.Context, run automation.RunInfo) error {
	planJSON, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sweep_runs (
			run_id, started_at, status, total_steps, sample_cap, timeout_ms, plan_json
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, unixSeconds(run.StartedAt), string(automation.StatusRunning),
		len(run.Plan.Steps), run.Plan.SampleCap, run.Plan.Timeout.Milliseconds(), string(planJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sweep run: %w", err)
	}
	return nil
}

// RecordStep stores a saved step with a summary of its samples.
func (db *DB) RecordStep(ctx context.Context, runID string, step automation.StepRecord) error {
	sum := Summarize(step.Samples)
	_, err := db.ExecContext(ctx, `
		INSERT INTO sweep_steps (
			run_id, step_index, setpoint, output_path, recording_seq,
			sample_count, sample_cap, full, completed_at,
			mean_x, mean_y, mean_z, stddev_x, stddev_y, stddev_z
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, step.Index, step.Setpoint, step.OutputPath, int64(step.Result.Seq),
		step.Result.Count, step.Result.Cap, step.Result.Full(), unixSeconds(step.CompletedAt),
		sum.Mean.X, sum.Mean.Y, sum.Mean.Z, sum.StdDev.X, sum.StdDev.Y, sum.StdDev.Z,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sweep step %d: %w", step.Index, err)
	}
	return nil
}

// EndRun stores the final state of a run.
func (db *DB) EndRun(ctx context.Context, runID string, final automation.State) error {
	warnings := final.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}
	var completedAt any
	if final.CompletedAt != nil {
		completedAt = unixSeconds(*final.CompletedAt)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE sweep_runs
		SET status = ?, completed_at = ?, completed_steps = ?, error = ?, warnings_json = ?
		WHERE run_id = ?`,
		string(final.Status), completedAt, final.CompletedSteps, final.Error, string(warningsJSON), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sweep run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// RunRecord is an archived run.
type RunRecord struct {
	ID             string            `json:"id"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Status         automation.Status `json:"status"`
	TotalSteps     int               `json:"total_steps"`
	CompletedSteps int               `json:"completed_steps"`
	SampleCap      int               `json:"sample_cap"`
	Timeout        time.Duration     `json:"timeout"`
	Error          string            `json:"error,omitempty"`
	Warnings       []string          `json:"warnings"`
}

// StepSummary is an archived step.
type StepSummary struct {
	Index        int       `json:"index"`
	Setpoint     float64   `json:"setpoint"`
	OutputPath   string    `json:"output_path"`
	RecordingSeq uint64    `json:"recording_seq"`
	Count        int       `json:"count"`
	Cap          int       `json:"cap"`
	Full         bool      `json:"full"`
	CompletedAt  time.Time `json:"completed_at"`
	Mean         r3.Vector `json:"mean"`
	StdDev       r3.Vector `json:"stddev"`
}

const runColumns = `run_id, started_at, completed_at, status, total_steps, completed_steps,
	sample_cap, timeout_ms, error, warnings_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		r            RunRecord
		startedAt    float64
		completedAt  sql.NullFloat64
		status       string
		timeoutMs    int64
		warningsJSON string
	)
	if err := row.Scan(&r.ID, &startedAt, &completedAt, &status, &r.TotalSteps, &r.CompletedSteps,
		&r.SampleCap, &timeoutMs, &r.Error, &warningsJSON); err != nil {
		return RunRecord{}, err
	}
	r.StartedAt = fromUnixSeconds(startedAt)
	if completedAt.Valid {
		t := fromUnixSeconds(completedAt.Float64)
		r.CompletedAt = &t
	}
	r.Status = automation.Status(status)
	r.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if err := json.Unmarshal([]byte(warningsJSON), &r.Warnings); err != nil {
		return RunRecord{}, fmt.Errorf("failed to parse warnings: %w", err)
	}
	return r, nil
}

// Runs returns up to limit runs, newest first.
func (db *DB) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sweep_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns one run.
func (db *DB) Run(ctx context.Context, runID string) (RunRecord, error) {
	r, err := scanRun(db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM sweep_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// Steps returns the archived steps of a run in sweep order.
func (db *DB) Steps(ctx context.Context, runID string) ([]StepSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT step_index, setpoint, output_path, recording_seq, sample_count, sample_cap, full,
			completed_at, mean_x, mean_y, mean_z, stddev_x, stddev_y, stddev_z
		FROM sweep_steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []StepSummary{}
	for rows.Next() {
		var (
			s           StepSummary
			seq         int64
			completedAt float64
		)
		if err := rows.Scan(&s.Index, &s.Setpoint, &s.OutputPath, &seq, &s.Count, &s.Cap, &s.Full,
			&completedAt, &s.Mean.X, &s.Mean.Y, &s.Mean.Z, &s.StdDev.X, &s.StdDev.Y, &s.StdDev.Z); err != nil {
			return nil, err
		}
		s.RecordingSeq = uint64(seq)
		s.CompletedAt = fromUnixSeconds(completedAt)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
