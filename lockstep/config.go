package lockstep

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig is returned when a simulation or client configuration
	// cannot drive a session.
	ErrInvalidConfig = errors.New("lockstep: invalid config")
	// ErrInvalidCommandLogic is returned when command logic registration is
	// malformed.
	ErrInvalidCommandLogic = errors.New("lockstep: invalid command logic")
	// ErrNegativeElapsed is returned by Update when a frame reports negative
	// elapsed time.
	ErrNegativeElapsed = errors.New("lockstep: negative elapsed time")
	// ErrRunning is returned by operations that require a stopped client.
	ErrRunning = errors.New("lockstep: client is running")
	// ErrNilCommand is returned when a nil command is added.
	ErrNilCommand = errors.New("lockstep: nil command")
)

const (
	DefaultSimulationStepDuration = 100 * time.Millisecond
	DefaultCommandStepDuration    = 300 * time.Millisecond
	DefaultLocalSimulationDelay   = time.Second
)

// SimulationConfig is agreed by every participant of a session. Peers that
// disagree on any field diverge.
type SimulationConfig struct {
	SimulationStepDuration time.Duration
	CommandStepDuration    time.Duration
	// RandomSeed seeds the generators returned by SimulationClient.NewRandom.
	RandomSeed uint64
}

// DefaultSimulationConfig returns a 100ms simulation step and a 300ms command
// step.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		SimulationStepDuration: DefaultSimulationStepDuration,
		CommandStepDuration:    DefaultCommandStepDuration,
	}
}

// Validate reports whether the config can drive a session.
func (c SimulationConfig) Validate() error {
	if c.SimulationStepDuration <= 0 {
		return fmt.Errorf("%w: simulation step duration must be positive, got %v", ErrInvalidConfig, c.SimulationStepDuration)
	}
	if c.CommandStepDuration <= 0 {
		return fmt.Errorf("%w: command step duration must be positive, got %v", ErrInvalidConfig, c.CommandStepDuration)
	}
	return nil
}

// ClientConfig holds local tuning that may change while a session runs.
type ClientConfig struct {
	// SpeedFactor scales frame time before it is accumulated.
	SpeedFactor float64
	// MaxSimulationStepsPerFrame caps the simulation steps emitted by a single
	// Update. Zero means unlimited.
	MaxSimulationStepsPerFrame int
	// LocalSimulationDelay postpones locally issued commands so the network can
	// confirm them before they apply.
	LocalSimulationDelay time.Duration
}

// DefaultClientConfig returns real-time speed, no step cap and a one second
// local delay.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SpeedFactor:          1,
		LocalSimulationDelay: DefaultLocalSimulationDelay,
	}
}

// Validate reports whether the config is usable.
func (c ClientConfig) Validate() error {
	if !(c.SpeedFactor > 0) {
		return fmt.Errorf("%w: speed factor must be positive, got %v", ErrInvalidConfig, c.SpeedFactor)
	}
	if c.MaxSimulationStepsPerFrame < 0 {
		return fmt.Errorf("%w: max simulation steps per frame must not be negative, got %d", ErrInvalidConfig, c.MaxSimulationStepsPerFrame)
	}
	if c.LocalSimulationDelay < 0 {
		return fmt.Errorf("%w: local simulation delay must not be negative, got %v", ErrInvalidConfig, c.LocalSimulationDelay)
	}
	return nil
}
