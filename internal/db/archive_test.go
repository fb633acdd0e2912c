package db

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/banshee-data/posebench/internal/automation"
	"github.com/banshee-data/posebench/internal/broadcaster"
	"github.com/banshee-data/posebench/internal/pose"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPlan(t *testing.T) automation.Plan {
	t.Helper()
	plan, err := automation.NewPlan([]float64{0, 10}, "/runs/1", 3, 2*time.Second)
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}
	return plan
}

func seedRun(t *testing.T, db *DB, id string) {
	t.Helper()
	run := automation.RunInfo{ID: id, StartedAt: testStart, Plan: testPlan(t)}
	if err := db.BeginRun(context.Background(), run); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
}

func samplesAt(xs ...float64) []pose.Pose {
	out := make([]pose.Pose, len(xs))
	for i, x := range xs {
		out[i] = pose.Pose{ID: "M1", Position: r3.Vector{X: x, Y: 1, Z: 2 * x}, Orientation: pose.Identity}
	}
	return out
}

func TestSummarize(t *testing.T) {
	testCases := []struct {
		name    string
		samples []pose.Pose
		want    Summary
	}{
		{"empty", nil, Summary{}},
		{"single", samplesAt(3), Summary{Samples: 1, Mean: r3.Vector{X: 3, Y: 1, Z: 6}}},
		{"several", samplesAt(1, 2, 3), Summary{
			Samples: 3,
			Mean:    r3.Vector{X: 2, Y: 1, Z: 4},
			StdDev:  r3.Vector{X: 1, Y: 0, Z: 2},
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Summarize(tc.samples)
			if diff := cmp.Diff(tc.want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
				t.Errorf("Summarize mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestArchive_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	plan := testPlan(t)
	seedRun(t, db, "run-1")

	run, err := db.Run(ctx, "run-1")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := RunRecord{
		ID:         "run-1",
		StartedAt:  testStart,
		Status:     automation.StatusRunning,
		TotalSteps: 2,
		SampleCap:  3,
		Timeout:    2 * time.Second,
		Warnings:   []string{},
	}
	if diff := cmp.Diff(want, run); diff != "" {
		t.Errorf("running record mismatch (-want +got):\n%s", diff)
	}

	for i, step := range plan.Steps {
		rec := automation.StepRecord{
			Index:       i,
			Setpoint:    step.Setpoint,
			OutputPath:  step.OutputPath,
			Result:      broadcaster.Result{Seq: uint64(i + 1), Count: 3 - i, Cap: 3},
			Samples:     samplesAt(1, 2, 3)[:3-i],
			CompletedAt: testStart.Add(time.Duration(i+1) * time.Second),
		}
		if err := db.RecordStep(ctx, "run-1", rec); err != nil {
			t.Fatalf("RecordStep %d failed: %v", i, err)
		}
	}

	completed := testStart.Add(5 * time.Second)
	final := automation.State{
		Status:         automation.StatusComplete,
		CompletedAt:    &completed,
		CompletedSteps: 2,
		Warnings:       []string{"step 1: recording timed out with 2/3 samples"},
	}
	if err := db.EndRun(ctx, "run-1", final); err != nil {
		t.Fatalf("EndRun failed: %v", err)
	}

	runs, err := db.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	want.Status = automation.StatusComplete
	want.CompletedAt = &completed
	want.CompletedSteps = 2
	want.Warnings = final.Warnings
	if diff := cmp.Diff([]RunRecord{want}, runs); diff != "" {
		t.Errorf("completed record mismatch (-want +got):\n%s", diff)
	}

	steps, err := db.Steps(ctx, "run-1")
	if err != nil {
		t.Fatalf("Steps failed: %v", err)
	}
	wantSteps := []StepSummary{
		{
			Index: 0, Setpoint: 0, OutputPath: "/runs/1/0.csv", RecordingSeq: 1,
			Count: 3, Cap: 3, Full: true, CompletedAt: testStart.Add(time.Second),
			Mean: r3.Vector{X: 2, Y: 1, Z: 4}, StdDev: r3.Vector{X: 1, Z: 2},
		},
		{
			Index: 1, Setpoint: 10, OutputPath: "/runs/1/10.csv", RecordingSeq: 2,
			Count: 2, Cap: 3, Full: false, CompletedAt: testStart.Add(2 * time.Second),
			Mean: r3.Vector{X: 1.5, Y: 1, Z: 3}, StdDev: r3.Vector{X: math.Sqrt(0.5), Z: math.Sqrt(2)},
		},
	}
	if diff := cmp.Diff(wantSteps, steps, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestArchive_Errors(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if _, err := db.Run(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Run(missing) error = %v, want ErrRunNotFound", err)
	}
	if err := db.EndRun(ctx, "missing", automation.State{Status: automation.StatusError}); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("EndRun(missing) error = %v, want ErrRunNotFound", err)
	}
	// foreign_keys is on, so steps need a run
	if err := db.RecordStep(ctx, "missing", automation.StepRecord{}); err == nil {
		t.Error("RecordStep for an unknown run should fail")
	}

	seedRun(t, db, "run-1")
	run := automation.RunInfo{ID: "run-1", StartedAt: testStart, Plan: testPlan(t)}
	if err := db.BeginRun(ctx, run); err == nil {
		t.Error("BeginRun with a duplicate id should fail")
	}

	steps, err := db.Steps(ctx, "run-1")
	if err != nil {
		t.Fatalf("Steps failed: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("expected no steps, got %d", len(steps))
	}
}

func TestArchive_RunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	for i, id := range []string{"a", "b", "c"} {
		run := automation.RunInfo{ID: id, StartedAt: testStart.Add(time.Duration(i) * time.Minute), Plan: testPlan(t)}
		if err := db.BeginRun(ctx, run); err != nil {
			t.Fatalf("BeginRun failed: %v", err)
		}
	}
	runs, err := db.Runs(ctx, 2)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"c", "b"}, ids); diff != "" {
		t.Errorf("Runs order mismatch (-want +got):\n%s", diff)
	}
}

func TestArchive_CancelledRun(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedRun(t, db, "run-ctl")

	// A cancelled run records its status and error
	final := automation.State{Status: automation.StatusCancelled, Error: "context canceled"}
	if err := db.EndRun(ctx, "run-ctl", final); err != nil {
		t.Fatalf("EndRun failed: %v", err)
	}
	run, err := db.Run(ctx, "run-ctl")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Status != automation.StatusCancelled || run.Error != "context canceled" || run.CompletedAt != nil {
		t.Errorf("unexpected cancelled record: %+v", run)
	}
}
