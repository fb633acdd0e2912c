// Package config loads sweep configuration files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/posebench/internal/actuator"
	"github.com/banshee-data/posebench/internal/automation"
)

// ErrMissingKey is returned when a required key is absent.
var ErrMissingKey = errors.New("missing required key")

// maxFileSize caps configuration files at 1 MiB.
const maxFileSize = 1 * 1024 * 1024

// DefaultOutputDir is where step recordings go when output_dir is not set.
const DefaultOutputDir = "out"

// SweepConfig is a sweep definition as read from JSON or YAML. Setpoints
// come from angles when present, otherwise from start/end/step with an
// inclusive end. Durations are in seconds.
type SweepConfig struct {
	// Required
	Samples *int     `json:"samples" yaml:"samples"`
	Timeout *float64 `json:"timeout" yaml:"timeout"` // 0 disables the per-step timeout

	// Setpoints
	Angles []float64 `json:"angles,omitempty" yaml:"angles,omitempty"`
	Start  *float64  `json:"start,omitempty" yaml:"start,omitempty"`
	End    *float64  `json:"end,omitempty" yaml:"end,omitempty"`
	Step   *float64  `json:"step,omitempty" yaml:"step,omitempty"`

	// Optional
	OutputDir   *string  `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	Settle      *float64 `json:"settle,omitempty" yaml:"settle,omitempty"`
	FinalSettle *float64 `json:"final_settle,omitempty" yaml:"final_settle,omitempty"`
	Neutral     *float64 `json:"neutral,omitempty" yaml:"neutral,omitempty"`
	Speed       *float64 `json:"speed,omitempty" yaml:"speed,omitempty"`
}

// LoadSweepConfig reads and validates a sweep configuration. The format
// follows the file extension: .json, .yaml or .yml.
func LoadSweepConfig(path string) (*SweepConfig, error) {
	cleanPath := filepath.Clean(path)
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(cleanPath)), ".")
	if format != "json" && format != "yaml" && format != "yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", filepath.Ext(cleanPath))
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseSweepConfig(data, format)
}

// ParseSweepConfig decodes data as "json" or "yaml" and validates it.
func ParseSweepConfig(data []byte, format string) (*SweepConfig, error) {
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("config too large: %d bytes (max %d)", len(data), maxFileSize)
	}
	cfg := &SweepConfig{}
	switch format {
	case "json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func missing(key string) error {
	return fmt.Errorf("%w: %s", ErrMissingKey, key)
}

func finite(name string, v *float64) error {
	if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
		return fmt.Errorf("%s must be finite, got %v", name, *v)
	}
	return nil
}

// Validate checks required keys and value ranges.
func (c *SweepConfig) Validate() error {
	if c.Samples == nil {
		return missing("samples")
	}
	if c.Timeout == nil {
		return missing("timeout")
	}
	if *c.Samples <= 0 {
		return fmt.Errorf("samples must be positive, got %d", *c.Samples)
	}
	if *c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", *c.Timeout)
	}

	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"timeout", c.Timeout}, {"start", c.Start}, {"end", c.End}, {"step", c.Step},
		{"settle", c.Settle}, {"final_settle", c.FinalSettle}, {"neutral", c.Neutral}, {"speed", c.Speed},
	} {
		if err := finite(f.name, f.v); err != nil {
			return err
		}
	}

	if c.Angles != nil {
		if len(c.Angles) == 0 {
			return fmt.Errorf("angles must not be empty")
		}
	} else {
		switch {
		case c.Start == nil:
			return missing("angles or start")
		case c.End == nil:
			return missing("end")
		case c.Step == nil:
			return missing("step")
		}
		if *c.Step <= 0 {
			return fmt.Errorf("step must be positive, got %v", *c.Step)
		}
		if *c.Start > *c.End {
			return fmt.Errorf("start %v is after end %v", *c.Start, *c.End)
		}
		if len(automation.GenerateSetpoints(*c.Start, *c.End, *c.Step)) == 0 {
			return fmt.Errorf("range %v:%v:%v produces no setpoints", *c.Start, *c.End, *c.Step)
		}
	}

	if c.Settle != nil && *c.Settle < 0 {
		return fmt.Errorf("settle must not be negative, got %v", *c.Settle)
	}
	if c.FinalSettle != nil && *c.FinalSettle < 0 {
		return fmt.Errorf("final_settle must not be negative, got %v", *c.FinalSettle)
	}
	if c.Speed != nil && *c.Speed <= 0 {
		return fmt.Errorf("speed must be positive, got %v", *c.Speed)
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// GetSetpoints returns the configured setpoints in sweep order.
func (c *SweepConfig) GetSetpoints() []float64 {
	if c.Angles != nil {
		return append([]float64(nil), c.Angles...)
	}
	if c.Start == nil || c.End == nil || c.Step == nil {
		return nil
	}
	return automation.GenerateSetpoints(*c.Start, *c.End, *c.Step)
}

// GetTimeout returns the per-step recording timeout.
func (c *SweepConfig) GetTimeout() time.Duration {
	if c.Timeout == nil {
		return 0
	}
	return seconds(*c.Timeout)
}

// GetOutputDir returns output_dir or DefaultOutputDir.
func (c *SweepConfig) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return DefaultOutputDir
	}
	return *c.OutputDir
}

// GetSettleDelay returns settle or the default settle delay.
func (c *SweepConfig) GetSettleDelay() time.Duration {
	if c.Settle == nil {
		return automation.DefaultSettleDelay
	}
	return seconds(*c.Settle)
}

// GetFinalSettleDelay returns final_settle or the default.
func (c *SweepConfig) GetFinalSettleDelay() time.Duration {
	if c.FinalSettle == nil {
		return automation.DefaultFinalSettleDelay
	}
	return seconds(*c.FinalSettle)
}

// GetNeutral returns the neutral setpoint, 0 by default.
func (c *SweepConfig) GetNeutral() float64 {
	if c.Neutral == nil {
		return 0
	}
	return *c.Neutral
}

// Plan builds the sweep plan. A non-empty outputDir overrides output_dir.
func (c *SweepConfig) Plan(outputDir string) (automation.Plan, error) {
	if outputDir == "" {
		outputDir = c.GetOutputDir()
	}
	samples := 0
	if c.Samples != nil {
		samples = *c.Samples
	}
	return automation.NewPlan(c.GetSetpoints(), outputDir, samples, c.GetTimeout())
}

// ApplyTo returns base with the configured timing, neutral setpoint and
// actuator speed.
func (c *SweepConfig) ApplyTo(base automation.Config) automation.Config {
	base.SettleDelay = c.GetSettleDelay()
	base.FinalSettleDelay = c.GetFinalSettleDelay()
	base.NeutralSetpoint = c.GetNeutral()
	if c.Speed != nil {
		props := make(map[string]float64, len(base.Properties)+1)
		for k, v := range base.Properties {
			props[k] = v
		}
		props[actuator.PropertySpeed] = *c.Speed
		base.Properties = props
	}
	return base
}
