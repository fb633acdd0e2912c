package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/posebench/internal/actuator"
	"github.com/banshee-data/posebench/internal/automation"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadSweepConfig_YAMLRange(t *testing.T) {
	path := writeConfig(t, "sweep.yaml", `
samples: 200
timeout: 30
start: 0
end: 90
step: 15
speed: 5
`)
	cfg, err := LoadSweepConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	want := []float64{0, 15, 30, 45, 60, 75, 90}
	if got := cfg.GetSetpoints(); !reflect.DeepEqual(got, want) {
		t.Errorf("GetSetpoints() = %v, want %v", got, want)
	}
	if cfg.GetTimeout() != 30*time.Second {
		t.Errorf("GetTimeout() = %v, want 30s", cfg.GetTimeout())
	}
	if cfg.GetOutputDir() != DefaultOutputDir {
		t.Errorf("GetOutputDir() = %q, want %q", cfg.GetOutputDir(), DefaultOutputDir)
	}
	if cfg.GetSettleDelay() != automation.DefaultSettleDelay {
		t.Errorf("GetSettleDelay() = %v, want default", cfg.GetSettleDelay())
	}
	if cfg.GetFinalSettleDelay() != automation.DefaultFinalSettleDelay {
		t.Errorf("GetFinalSettleDelay() = %v, want default", cfg.GetFinalSettleDelay())
	}
}

func TestLoadSweepConfig_JSONAngles(t *testing.T) {
	path := writeConfig(t, "sweep.json", `{
  "samples": 50,
  "timeout": 0.5,
  "angles": [10, -2.5, 30],
  "start": 0, "end": 100, "step": 1,
  "output_dir": "/data/series/1",
  "settle": 5,
  "final_settle": 2,
  "neutral": 12
}`)
	cfg, err := LoadSweepConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// An explicit list wins over a range.
	if got := cfg.GetSetpoints(); !reflect.DeepEqual(got, []float64{10, -2.5, 30}) {
		t.Errorf("GetSetpoints() = %v", got)
	}

	plan, err := cfg.Plan("")
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.SampleCap != 50 || plan.Timeout != 500*time.Millisecond {
		t.Errorf("Plan() cap/timeout = %d/%v", plan.SampleCap, plan.Timeout)
	}
	if plan.Steps[1].OutputPath != "/data/series/1/-2.5.csv" {
		t.Errorf("Plan() step path = %q", plan.Steps[1].OutputPath)
	}

	override, err := cfg.Plan("/tmp/elsewhere")
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if override.Steps[0].OutputPath != "/tmp/elsewhere/10.csv" {
		t.Errorf("Plan() override path = %q", override.Steps[0].OutputPath)
	}

	ctl := cfg.ApplyTo(automation.DefaultConfig())
	if ctl.SettleDelay != automation.SlowSettleDelay {
		t.Errorf("SettleDelay = %v, want %v", ctl.SettleDelay, automation.SlowSettleDelay)
	}
	if ctl.FinalSettleDelay != 2*time.Second {
		t.Errorf("FinalSettleDelay = %v, want 2s", ctl.FinalSettleDelay)
	}
	if ctl.NeutralSetpoint != 12 {
		t.Errorf("NeutralSetpoint = %v, want 12", ctl.NeutralSetpoint)
	}
	if ctl.StartAckTimeout != automation.DefaultStartAckTimeout {
		t.Errorf("StartAckTimeout = %v, want default", ctl.StartAckTimeout)
	}
	if ctl.Properties != nil {
		t.Errorf("Properties = %v, want none without speed", ctl.Properties)
	}
}

func TestApplyTo_Speed(t *testing.T) {
	cfg, err := ParseSweepConfig([]byte("samples: 1\ntimeout: 0\nangles: [0]\nspeed: 7.5\n"), "yaml")
	if err != nil {
		t.Fatalf("ParseSweepConfig() error = %v", err)
	}
	base := automation.Config{Properties: map[string]float64{"accel": 1}}
	ctl := cfg.ApplyTo(base)
	want := map[string]float64{"accel": 1, actuator.PropertySpeed: 7.5}
	if !reflect.DeepEqual(ctl.Properties, want) {
		t.Errorf("Properties = %v, want %v", ctl.Properties, want)
	}
	if len(base.Properties) != 1 {
		t.Error("ApplyTo modified the base properties")
	}
}

func TestParseSweepConfig_MissingKeys(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
		key  string
	}{
		{"no_samples", "timeout: 1\nangles: [0]\n", "samples"},
		{"no_timeout", "samples: 1\nangles: [0]\n", "timeout"},
		{"no_setpoints", "samples: 1\ntimeout: 1\n", "angles or start"},
		{"no_end", "samples: 1\ntimeout: 1\nstart: 0\nstep: 1\n", "end"},
		{"no_step", "samples: 1\ntimeout: 1\nstart: 0\nend: 10\n", "step"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSweepConfig([]byte(tc.yaml), "yaml")
			if !errors.Is(err, ErrMissingKey) {
				t.Fatalf("error = %v, want ErrMissingKey", err)
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Errorf("error %q does not name %q", err, tc.key)
			}
		})
	}
}

func TestParseSweepConfig_InvalidValues(t *testing.T) {
	testCases := []struct {
		name string
		json string
	}{
		{"zero_samples", `{"samples": 0, "timeout": 1, "angles": [0]}`},
		{"negative_timeout", `{"samples": 1, "timeout": -1, "angles": [0]}`},
		{"empty_angles", `{"samples": 1, "timeout": 1, "angles": []}`},
		{"zero_step", `{"samples": 1, "timeout": 1, "start": 0, "end": 10, "step": 0}`},
		{"start_after_end", `{"samples": 1, "timeout": 1, "start": 10, "end": 0, "step": 1}`},
		{"too_many_setpoints", `{"samples": 1, "timeout": 1, "start": 0, "end": 100000, "step": 1}`},
		{"negative_settle", `{"samples": 1, "timeout": 1, "angles": [0], "settle": -1}`},
		{"zero_speed", `{"samples": 1, "timeout": 1, "angles": [0], "speed": 0}`},
		{"malformed", `{"samples": `},
		{"wrong_type", `{"samples": "many", "timeout": 1, "angles": [0]}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSweepConfig([]byte(tc.json), "json"); err == nil {
				t.Error("expected an error")
			} else if errors.Is(err, ErrMissingKey) {
				t.Errorf("error %v should not be ErrMissingKey", err)
			}
		})
	}
}

func TestLoadSweepConfig_FileChecks(t *testing.T) {
	if _, err := LoadSweepConfig(writeConfig(t, "sweep.toml", "samples = 1")); err == nil {
		t.Error("expected an extension error")
	}
	if _, err := LoadSweepConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected a stat error")
	}

	big := writeConfig(t, "big.yml", "samples: 1\ntimeout: 1\nangles: [0]\n#"+strings.Repeat("x", maxFileSize))
	if _, err := LoadSweepConfig(big); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("error = %v, want size error", err)
	}

	if _, err := ParseSweepConfig([]byte("{}"), "ini"); err == nil {
		t.Error("expected an unsupported format error")
	}
}
