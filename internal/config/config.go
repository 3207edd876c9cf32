// Package config loads lockstep session configuration from YAML with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/lockstep-client/internal/observability"
	"github.com/signalsfoundry/lockstep-client/lockstep"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvSpeedFactor      = "LOCKSTEP_SPEED_FACTOR"
	EnvMaxStepsPerFrame = "LOCKSTEP_MAX_STEPS_PER_FRAME"
	EnvLocalDelay       = "LOCKSTEP_LOCAL_DELAY"

	EnvTracingEnabled     = "LOCKSTEP_TRACING_ENABLED"
	EnvTracingExporter    = "LOCKSTEP_TRACING_EXPORTER"
	EnvTracingSampleRatio = "LOCKSTEP_TRACING_SAMPLE_RATIO"
	EnvOTLPEndpoint       = "LOCKSTEP_OTLP_ENDPOINT"
)

// Config is the full file layout.
type Config struct {
	Simulation Simulation `yaml:"simulation"`
	Client     Client     `yaml:"client"`
	Demo       Demo       `yaml:"demo"`
	Tracing    Tracing    `yaml:"tracing"`
}

// Simulation holds values every peer must agree on.
type Simulation struct {
	SimulationStep time.Duration `yaml:"simulation_step"`
	CommandStep    time.Duration `yaml:"command_step"`
	RandomSeed     uint64        `yaml:"random_seed"`
}

// Client holds local tuning.
type Client struct {
	SpeedFactor      float64       `yaml:"speed_factor"`
	MaxStepsPerFrame int           `yaml:"max_steps_per_frame"`
	LocalDelay       time.Duration `yaml:"local_delay"`
}

// Demo configures the lockstep-sim command.
type Demo struct {
	Players     int           `yaml:"players"`
	Frame       time.Duration `yaml:"frame"`
	Duration    time.Duration `yaml:"duration"`
	Mode        string        `yaml:"mode"` // realtime | accelerated
	BufferDelay time.Duration `yaml:"buffer_delay"`
	Latency     time.Duration `yaml:"latency"`
	Jitter      time.Duration `yaml:"jitter"`
	MetricsAddr string        `yaml:"metrics_addr"`
	HealthAddr  string        `yaml:"health_addr"` // gRPC health service
}

// Tracing selects where Update spans go.
type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // stdout | otlp
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default mirrors lockstep's defaults and a two player accelerated demo.
func Default() Config {
	sim := lockstep.DefaultSimulationConfig()
	client := lockstep.DefaultClientConfig()
	return Config{
		Simulation: Simulation{
			SimulationStep: sim.SimulationStepDuration,
			CommandStep:    sim.CommandStepDuration,
		},
		Client: Client{
			SpeedFactor:      client.SpeedFactor,
			MaxStepsPerFrame: client.MaxSimulationStepsPerFrame,
			LocalDelay:       client.LocalSimulationDelay,
		},
		Demo: Demo{
			Players:     2,
			Frame:       16 * time.Millisecond,
			Duration:    30 * time.Second,
			Mode:        "accelerated",
			BufferDelay: 200 * time.Millisecond,
			Latency:     40 * time.Millisecond,
			Jitter:      20 * time.Millisecond,
		},
		Tracing: Tracing{
			Exporter:    observability.ExporterStdout,
			ServiceName: "lockstep-sim",
			SampleRatio: 1,
		},
	}
}

// Load reads path, applies environment overrides and validates the result.
// An empty path yields the defaults with overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("yaml unmarshal: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides client values from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvSpeedFactor); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSpeedFactor, err)
		}
		c.Client.SpeedFactor = f
	}
	if v, ok := lookup(EnvMaxStepsPerFrame); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxStepsPerFrame, err)
		}
		c.Client.MaxStepsPerFrame = n
	}
	if v, ok := lookup(EnvLocalDelay); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLocalDelay, err)
		}
		c.Client.LocalDelay = d
	}
	if v, ok := lookup(EnvTracingEnabled); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTracingEnabled, err)
		}
		c.Tracing.Enabled = b
	}
	if v, ok := lookup(EnvTracingExporter); ok && v != "" {
		c.Tracing.Exporter = strings.ToLower(v)
	}
	if v, ok := lookup(EnvTracingSampleRatio); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTracingSampleRatio, err)
		}
		c.Tracing.SampleRatio = f
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok && v != "" {
		c.Tracing.Endpoint = v
	}
	return nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.SimulationConfig().Validate(); err != nil {
		return err
	}
	if err := c.ClientConfig().Validate(); err != nil {
		return err
	}
	switch {
	case c.Demo.Players < 1 || c.Demo.Players > 255:
		return fmt.Errorf("%w: demo players must be in [1,255], got %d", lockstep.ErrInvalidConfig, c.Demo.Players)
	case c.Demo.Frame <= 0:
		return fmt.Errorf("%w: demo frame must be positive, got %v", lockstep.ErrInvalidConfig, c.Demo.Frame)
	case c.Demo.BufferDelay < 0 || c.Demo.Latency < 0 || c.Demo.Jitter < 0:
		return fmt.Errorf("%w: demo delays must not be negative", lockstep.ErrInvalidConfig)
	}
	switch strings.ToLower(c.Demo.Mode) {
	case "realtime", "accelerated":
	default:
		return fmt.Errorf("%w: unknown demo mode %q", lockstep.ErrInvalidConfig, c.Demo.Mode)
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case observability.ExporterStdout, observability.ExporterOTLP:
	default:
		return fmt.Errorf("%w: unknown tracing exporter %q", lockstep.ErrInvalidConfig, c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("%w: tracing sample ratio must be in [0,1], got %v", lockstep.ErrInvalidConfig, c.Tracing.SampleRatio)
	}
	return nil
}

// SimulationConfig converts the simulation section.
func (c Config) SimulationConfig() lockstep.SimulationConfig {
	return lockstep.SimulationConfig{
		SimulationStepDuration: c.Simulation.SimulationStep,
		CommandStepDuration:    c.Simulation.CommandStep,
		RandomSeed:             c.Simulation.RandomSeed,
	}
}

// ClientConfig converts the client section.
func (c Config) ClientConfig() lockstep.ClientConfig {
	return lockstep.ClientConfig{
		SpeedFactor:                c.Client.SpeedFactor,
		MaxSimulationStepsPerFrame: c.Client.MaxStepsPerFrame,
		LocalSimulationDelay:       c.Client.LocalDelay,
	}
}

// TracingConfig converts the tracing section, stamping the session identity
// on the trace resource.
func (c Config) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
		Session: observability.SessionInfo{
			Players:        c.Demo.Players,
			RandomSeed:     c.Simulation.RandomSeed,
			SimulationStep: c.Simulation.SimulationStep,
			CommandStep:    c.Simulation.CommandStep,
		},
	}
}
