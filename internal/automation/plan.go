package automation

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"time"
)

// ErrInvalidPlan wraps every plan validation failure.
var ErrInvalidPlan = errors.New("invalid sweep plan")

// Step is one actuator setpoint and the file its recording is saved to.
type Step struct {
	Setpoint   float64 `json:"setpoint"`
	OutputPath string  `json:"output_path"`
}

// Plan is an ordered list of steps sharing one recording configuration.
type Plan struct {
	Steps     []Step        `json:"steps"`
	SampleCap int           `json:"sample_cap"`
	Timeout   time.Duration `json:"timeout"`
}

// StepPath returns the output file for setpoint inside dir, named by the
// setpoint's shortest decimal form ("45.csv", "-2.5.csv").
func StepPath(dir string, setpoint float64) string {
	return filepath.Join(dir, strconv.FormatFloat(setpoint, 'f', -1, 64)+".csv")
}

// NewPlan builds a plan that saves each setpoint to StepPath(dir, setpoint).
func NewPlan(setpoints []float64, dir string, sampleCap int, timeout time.Duration) (Plan, error) {
	p := Plan{
		Steps:     make([]Step, len(setpoints)),
		SampleCap: sampleCap,
		Timeout:   timeout,
	}
	for i, sp := range setpoints {
		p.Steps[i] = Step{Setpoint: sp, OutputPath: StepPath(dir, sp)}
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Validate checks that the plan can be run: at least one step, finite
// setpoints, distinct non-empty output paths, a positive sample cap and a
// non-negative timeout.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}
	if p.SampleCap <= 0 {
		return fmt.Errorf("%w: sample cap must be positive, got %d", ErrInvalidPlan, p.SampleCap)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %v", ErrInvalidPlan, p.Timeout)
	}
	seen := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if math.IsNaN(s.Setpoint) || math.IsInf(s.Setpoint, 0) {
			return fmt.Errorf("%w: step %d: setpoint %v", ErrInvalidPlan, i, s.Setpoint)
		}
		if s.OutputPath == "" {
			return fmt.Errorf("%w: step %d: empty output path", ErrInvalidPlan, i)
		}
		if j, dup := seen[s.OutputPath]; dup {
			return fmt.Errorf("%w: steps %d and %d both write %s", ErrInvalidPlan, j, i, s.OutputPath)
		}
		seen[s.OutputPath] = i
	}
	return nil
}

// Setpoints returns the plan's setpoints in order.
func (p Plan) Setpoints() []float64 {
	out := make([]float64, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Setpoint
	}
	return out
}
