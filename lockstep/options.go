package lockstep

import (
	"github.com/signalsfoundry/lockstep-client/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// MetricsRecorder receives lockstep measurements. Implementations must
// tolerate being called on every Update.
type MetricsRecorder interface {
	ObserveUpdate(player uint8, simulationSteps, commandSteps int)
	ObserveCommand(player uint8, applied bool)
	ObserveConnection(player uint8, connected bool, bufferedTurns int)
	IncDisconnects(player uint8)
}

type noopMetrics struct{}

func (noopMetrics) ObserveUpdate(uint8, int, int)      {}
func (noopMetrics) ObserveCommand(uint8, bool)         {}
func (noopMetrics) ObserveConnection(uint8, bool, int) {}
func (noopMetrics) IncDisconnects(uint8)               {}

// Option customises a SimulationClient.
type Option func(*SimulationClient)

// WithLogger sets the client's logger. Records carry the player number.
func WithLogger(l logging.Logger) Option {
	return func(c *SimulationClient) {
		if l != nil {
			c.baseLog = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *SimulationClient) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracer sets the tracer used for per-Update spans. Defaults to the global
// tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *SimulationClient) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithPlayerNumber sets the local player number.
func WithPlayerNumber(n uint8) Option {
	return func(c *SimulationClient) { c.player = n }
}

func defaultTracer() trace.Tracer {
	return otel.Tracer("github.com/signalsfoundry/lockstep-client/lockstep")
}
