package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/lockstep-client/lockstep"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
simulation:
  simulation_step: 50ms
  random_seed: 7
client:
  max_steps_per_frame: 4
demo:
  players: 3
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Simulation.SimulationStep != 50*time.Millisecond {
		t.Fatalf("SimulationStep = %v, want 50ms", cfg.Simulation.SimulationStep)
	}
	if cfg.Simulation.CommandStep != lockstep.DefaultCommandStepDuration {
		t.Fatalf("CommandStep = %v, want default", cfg.Simulation.CommandStep)
	}
	if cfg.Client.SpeedFactor != 1 || cfg.Client.LocalDelay != time.Second {
		t.Fatalf("client defaults lost: %+v", cfg.Client)
	}
	sim := cfg.SimulationConfig()
	if sim.RandomSeed != 7 || sim.SimulationStepDuration != 50*time.Millisecond {
		t.Fatalf("SimulationConfig() = %+v", sim)
	}
	if got := cfg.ClientConfig().MaxSimulationStepsPerFrame; got != 4 {
		t.Fatalf("MaxSimulationStepsPerFrame = %d, want 4", got)
	}
	if cfg.Demo.Players != 3 || cfg.Demo.Mode != "accelerated" {
		t.Fatalf("demo = %+v", cfg.Demo)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("client:\n  speed: 2\n")); err == nil {
		t.Fatalf("Parse accepted an unknown key")
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if cfg != Default() {
		t.Fatalf("Parse(nil) = %+v, want defaults", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvSpeedFactor:      "2.5",
		EnvMaxStepsPerFrame: "8",
		EnvLocalDelay:       "750ms",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Client.SpeedFactor != 2.5 || cfg.Client.MaxStepsPerFrame != 8 || cfg.Client.LocalDelay != 750*time.Millisecond {
		t.Fatalf("client = %+v", cfg.Client)
	}

	env[EnvLocalDelay] = "soon"
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Fatalf("ApplyEnv accepted an invalid duration")
	}
}

func TestTracingSection(t *testing.T) {
	cfg, err := Parse([]byte(`
simulation:
  random_seed: 99
demo:
  players: 4
tracing:
  enabled: true
  exporter: otlp
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Tracing.ServiceName != "lockstep-sim" || cfg.Tracing.SampleRatio != 1 {
		t.Fatalf("tracing defaults lost: %+v", cfg.Tracing)
	}

	env := map[string]string{
		EnvTracingSampleRatio: "0.25",
		EnvOTLPEndpoint:       "collector:4317",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	tc := cfg.TracingConfig()
	if !tc.Enabled || tc.Exporter != "otlp" || tc.Endpoint != "collector:4317" || tc.SampleRatio != 0.25 {
		t.Fatalf("TracingConfig() = %+v", tc)
	}
	if tc.Session.Players != 4 || tc.Session.RandomSeed != 99 || tc.Session.CommandStep != lockstep.DefaultCommandStepDuration {
		t.Fatalf("session = %+v", tc.Session)
	}

	env[EnvTracingEnabled] = "sometimes"
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Fatalf("ApplyEnv accepted an invalid bool")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero simulation step", func(c *Config) { c.Simulation.SimulationStep = 0 }},
		{"negative command step", func(c *Config) { c.Simulation.CommandStep = -time.Second }},
		{"zero speed", func(c *Config) { c.Client.SpeedFactor = 0 }},
		{"negative local delay", func(c *Config) { c.Client.LocalDelay = -time.Millisecond }},
		{"no players", func(c *Config) { c.Demo.Players = 0 }},
		{"zero frame", func(c *Config) { c.Demo.Frame = 0 }},
		{"negative jitter", func(c *Config) { c.Demo.Jitter = -time.Millisecond }},
		{"unknown mode", func(c *Config) { c.Demo.Mode = "turbo" }},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 7 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, lockstep.ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lockstep.yaml")
	if err := os.WriteFile(path, []byte("client:\n  local_delay: 400ms\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvSpeedFactor, "0.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.LocalDelay != 400*time.Millisecond || cfg.Client.SpeedFactor != 0.5 {
		t.Fatalf("client = %+v", cfg.Client)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load(missing) = %v, want ErrNotExist", err)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "lockstep.yaml"))
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if cfg.Client.MaxStepsPerFrame != 10 || cfg.Simulation.RandomSeed != 20240611 {
		t.Fatalf("sample config = %+v", cfg)
	}
}
