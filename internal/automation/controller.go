// Package automation runs sweeps: it steps an actuator through a list of
// setpoints, records the tracked object at each one and saves every
// recording to its own file.
package automation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/posebench/internal/actuator"
	"github.com/banshee-data/posebench/internal/broadcaster"
	"github.com/banshee-data/posebench/internal/monitoring"
	"github.com/banshee-data/posebench/internal/pose"
	"github.com/banshee-data/posebench/internal/timeutil"
)

var logf = monitoring.Component("sweep")

var (
	// ErrStartTimeout is reported when a recording does not begin within
	// Config.StartAckTimeout. The sweep is aborted and the actuator is left
	// at the step's setpoint.
	ErrStartTimeout = errors.New("recording did not start in time")
	// ErrSweepRunning is returned when a sweep is requested while another
	// is in progress.
	ErrSweepRunning = errors.New("sweep already in progress")
)

// StepError reports the step at which a sweep was aborted.
type StepError struct {
	Step int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Status represents the current state of a sweep run
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// State holds the progress of the current or most recent sweep.
type State struct {
	Status         Status     `json:"status"`
	RunID          string     `json:"run_id,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	TotalSteps     int        `json:"total_steps"`
	CompletedSteps int        `json:"completed_steps"`
	// CurrentStep is the index of the step in progress, or -1.
	CurrentStep int      `json:"current_step"`
	FailedStep  *int     `json:"failed_step,omitempty"`
	Error       string   `json:"error,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Plan        *Plan    `json:"plan,omitempty"`
}

// Recorder is the recording surface of the broadcaster.
type Recorder interface {
	Desired() string
	StartRecording(limit int, timeout time.Duration) (uint64, error)
	WaitRecording(ctx context.Context, seq uint64) (broadcaster.Result, error)
	StopRecording() (broadcaster.Result, bool)
	Samples() []pose.Pose
	Persist(path string) error
}

// Observer is told about sweep progress.
type Observer interface {
	StepCompleted(done, total int)
	SweepFinished(State)
}

// RunInfo describes a sweep run as it starts.
type RunInfo struct {
	ID        string
	StartedAt time.Time
	Plan      Plan
}

// StepRecord is a saved step handed to the Archive.
type StepRecord struct {
	Index       int
	Setpoint    float64
	OutputPath  string
	Result      broadcaster.Result
	Samples     []pose.Pose
	CompletedAt time.Time
}

// Archive keeps a history of sweep runs. Archive failures are recorded as
// warnings and never abort a sweep.
type Archive interface {
	BeginRun(ctx context.Context, run RunInfo) error
	RecordStep(ctx context.Context, runID string, step StepRecord) error
	EndRun(ctx context.Context, runID string, final State) error
}

const (
	DefaultSettleDelay = time.Second
	// SlowSettleDelay suits actuators that take longer to stop ringing.
	SlowSettleDelay         = 5 * time.Second
	DefaultFinalSettleDelay = 10 * time.Second
	DefaultStartAckTimeout  = time.Second
)

// Config controls sweep timing and collaborators.
type Config struct {
	// SettleDelay is waited after each setpoint before recording.
	SettleDelay time.Duration
	// FinalSettleDelay is waited after returning to NeutralSetpoint.
	FinalSettleDelay time.Duration
	// StartAckTimeout bounds the wait for a recording to begin. Values <= 0
	// select DefaultStartAckTimeout.
	StartAckTimeout time.Duration
	NeutralSetpoint float64
	// Properties are applied to the actuator in name order before the
	// first setpoint.
	Properties map[string]float64

	Clock    timeutil.Clock
	Observer Observer
	Archive  Archive
}

// DefaultConfig returns the timing used for the standard actuator class.
func DefaultConfig() Config {
	return Config{
		SettleDelay:      DefaultSettleDelay,
		FinalSettleDelay: DefaultFinalSettleDelay,
		StartAckTimeout:  DefaultStartAckTimeout,
	}
}

// Controller runs one sweep at a time.
type Controller struct {
	act   actuator.Actuator
	rec   Recorder
	cfg   Config
	clock timeutil.Clock

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController returns an idle controller.
func NewController(act actuator.Actuator, rec Recorder, cfg Config) *Controller {
	if cfg.StartAckTimeout <= 0 {
		cfg.StartAckTimeout = DefaultStartAckTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	done := make(chan struct{})
	close(done)
	return &Controller{
		act:   act,
		rec:   rec,
		cfg:   cfg,
		clock: clock,
		state: State{Status: StatusIdle, CurrentStep: -1},
		done:  done,
	}
}

// State returns a copy of the current sweep state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyStateLocked()
}

func (c *Controller) copyStateLocked() State {
	s := c.state
	s.Warnings = slices.Clone(c.state.Warnings)
	if c.state.FailedStep != nil {
		step := *c.state.FailedStep
		s.FailedStep = &step
	}
	return s
}

// Done returns a channel closed when the current or most recent sweep has
// finished.
func (c *Controller) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// Run executes plan and blocks until it finishes.
func (c *Controller) Run(ctx context.Context, plan Plan) error {
	runCtx, err := c.begin(ctx, plan)
	if err != nil {
		return err
	}
	return c.run(runCtx, plan)
}

// Start executes plan in the background.
func (c *Controller) Start(ctx context.Context, plan Plan) error {
	runCtx, err := c.begin(ctx, plan)
	if err != nil {
		return err
	}
	go c.run(runCtx, plan)
	return nil
}

// Stop cancels a running sweep. The active recording is stopped and the
// sweep ends as cancelled.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) begin(ctx context.Context, plan Plan) (context.Context, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if c.rec.Desired() == "" {
		return nil, broadcaster.ErrNoTarget
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status == StatusRunning {
		return nil, ErrSweepRunning
	}

	now := c.clock.Now()
	c.state = State{
		Status:      StatusRunning,
		RunID:       uuid.NewString(),
		StartedAt:   &now,
		TotalSteps:  len(plan.Steps),
		CurrentStep: -1,
		Plan:        &plan,
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	return runCtx, nil
}

// addWarning appends a warning message to the sweep state.
func (c *Controller) addWarning(msg string) {
	logf("WARNING: %s", msg)
	c.mu.Lock()
	c.state.Warnings = append(c.state.Warnings, msg)
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context, plan Plan) error {
	c.mu.RLock()
	runID, startedAt := c.state.RunID, *c.state.StartedAt
	c.mu.RUnlock()
	total := len(plan.Steps)

	logf("Starting sweep %s: %d steps, %d samples per step, timeout %v",
		runID, total, plan.SampleCap, plan.Timeout)

	if c.cfg.Archive != nil {
		if err := c.cfg.Archive.BeginRun(ctx, RunInfo{ID: runID, StartedAt: startedAt, Plan: plan}); err != nil {
			c.addWarning(fmt.Sprintf("archive: begin run: %v", err))
		}
	}

	names := make([]string, 0, len(c.cfg.Properties))
	for name := range c.cfg.Properties {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := c.act.SetProperty(name, c.cfg.Properties[name]); err != nil {
			return c.finish(fmt.Errorf("set actuator %s: %w", name, err))
		}
	}

	for i, step := range plan.Steps {
		select {
		case <-ctx.Done():
			return c.finish(&StepError{Step: i, Err: ctx.Err()})
		default:
		}
		if err := c.runStep(ctx, plan, i, step); err != nil {
			return c.finish(&StepError{Step: i, Err: err})
		}

		c.mu.Lock()
		c.state.CompletedSteps = i + 1
		c.mu.Unlock()
		if c.cfg.Observer != nil {
			c.cfg.Observer.StepCompleted(i+1, total)
		}
	}

	c.mu.Lock()
	c.state.CurrentStep = -1
	c.mu.Unlock()

	logf("Returning to neutral setpoint %.4f", c.cfg.NeutralSetpoint)
	if err := c.act.SetAngle(c.cfg.NeutralSetpoint); err != nil {
		c.addWarning(fmt.Sprintf("return to neutral: %v", err))
	}
	if err := c.sleep(ctx, c.cfg.FinalSettleDelay); err != nil {
		return c.finish(err)
	}
	return c.finish(nil)
}

func (c *Controller) runStep(ctx context.Context, plan Plan, i int, step Step) error {
	total := len(plan.Steps)
	c.mu.Lock()
	c.state.CurrentStep = i
	c.mu.Unlock()

	logf("Step %d/%d: setpoint %.4f", i+1, total, step.Setpoint)
	if err := c.act.SetAngle(step.Setpoint); err != nil {
		return fmt.Errorf("set angle: %w", err)
	}
	if err := c.sleep(ctx, c.cfg.SettleDelay); err != nil {
		return err
	}

	seq, err := c.startRecording(ctx, plan)
	if err != nil {
		return err
	}

	res, err := c.rec.WaitRecording(ctx, seq)
	if err != nil {
		if ctx.Err() != nil {
			c.rec.StopRecording()
			c.act.Stop()
		}
		return err
	}
	if !res.Full() {
		c.addWarning(fmt.Sprintf("step %d: recording timed out with %d/%d samples", i, res.Count, res.Cap))
	}

	samples := c.rec.Samples()
	if err := c.rec.Persist(step.OutputPath); err != nil {
		return err
	}
	logf("Step %d/%d: saved %d samples to %s", i+1, total, len(samples), step.OutputPath)

	if c.cfg.Archive != nil {
		c.mu.RLock()
		runID := c.state.RunID
		c.mu.RUnlock()
		rec := StepRecord{
			Index:       i,
			Setpoint:    step.Setpoint,
			OutputPath:  step.OutputPath,
			Result:      res,
			Samples:     samples,
			CompletedAt: c.clock.Now(),
		}
		if err := c.cfg.Archive.RecordStep(ctx, runID, rec); err != nil {
			c.addWarning(fmt.Sprintf("archive: step %d: %v", i, err))
		}
	}
	return nil
}

type startResult struct {
	seq uint64
	err error
}

// startRecording requests a recording and waits at most StartAckTimeout for
// it to begin. A start that lands after the deadline is stopped again. A
// refused start never begins, so it is reported as ErrStartTimeout wrapping
// the refusal.
func (c *Controller) startRecording(ctx context.Context, plan Plan) (uint64, error) {
	started := make(chan startResult, 1)
	go func() {
		seq, err := c.rec.StartRecording(plan.SampleCap, plan.Timeout)
		started <- startResult{seq, err}
	}()

	var err error
	select {
	case r := <-started:
		if r.err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStartTimeout, r.err)
		}
		return r.seq, nil
	case <-c.clock.After(c.cfg.StartAckTimeout):
		err = ErrStartTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	go func() {
		if r := <-started; r.err == nil {
			logf("discarding recording %d that started after the deadline", r.seq)
			c.rec.StopRecording()
		}
	}()
	return 0, err
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

// finish records the outcome of a run, notifies the archive and observer,
// and returns err.
func (c *Controller) finish(err error) error {
	now := c.clock.Now()

	c.mu.Lock()
	c.state.CompletedAt = &now
	c.state.CurrentStep = -1
	switch {
	case err == nil:
		c.state.Status = StatusComplete
	case errors.Is(err, context.Canceled):
		c.state.Status = StatusCancelled
	default:
		c.state.Status = StatusError
	}
	if err != nil {
		c.state.Error = err.Error()
		var se *StepError
		if errors.As(err, &se) {
			step := se.Step
			c.state.FailedStep = &step
		}
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	final := c.copyStateLocked()
	done := c.done
	c.mu.Unlock()

	switch final.Status {
	case StatusComplete:
		logf("Sweep %s complete: %d steps saved", final.RunID, final.CompletedSteps)
	default:
		logf("Sweep %s %s after %d/%d steps: %v", final.RunID, final.Status, final.CompletedSteps, final.TotalSteps, err)
	}

	if c.cfg.Archive != nil {
		if aerr := c.cfg.Archive.EndRun(context.Background(), final.RunID, final); aerr != nil {
			logf("archive: end run %s: %v", final.RunID, aerr)
		}
	}
	if c.cfg.Observer != nil {
		c.cfg.Observer.SweepFinished(final)
	}
	close(done)
	return err
}
