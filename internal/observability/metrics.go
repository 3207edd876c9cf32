package observability

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LockstepCollector bundles Prometheus metrics for lockstep clients. Series
// are labelled by player number so several peers can share one registry.
// It satisfies lockstep.MetricsRecorder.
type LockstepCollector struct {
	gatherer prometheus.Gatherer

	SimulationSteps *prometheus.CounterVec
	CommandSteps    *prometheus.CounterVec
	Commands        *prometheus.CounterVec
	Disconnects     *prometheus.CounterVec
	StepsPerUpdate  *prometheus.HistogramVec

	Connected  *prometheus.GaugeVec
	TurnBuffer *prometheus.GaugeVec
}

// NewLockstepCollector registers lockstep metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewLockstepCollector(reg prometheus.Registerer) (*LockstepCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	simSteps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockstep_simulation_steps_total",
		Help: "Simulation steps emitted, labeled by player.",
	}, []string{"player"}), "lockstep_simulation_steps_total")
	if err != nil {
		return nil, err
	}

	cmdSteps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockstep_command_steps_total",
		Help: "Command-step boundaries crossed, labeled by player.",
	}, []string{"player"}), "lockstep_command_steps_total")
	if err != nil {
		return nil, err
	}

	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockstep_commands_total",
		Help: "Commands resolved at their deadline, labeled by player and result (applied or failed).",
	}, []string{"player", "result"}), "lockstep_commands_total")
	if err != nil {
		return nil, err
	}

	disconnects, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockstep_disconnects_total",
		Help: "Transitions to the disconnected state, labeled by player.",
	}, []string{"player"}), "lockstep_disconnects_total")
	if err != nil {
		return nil, err
	}

	perUpdate, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lockstep_simulation_steps_per_update",
		Help:    "Simulation steps emitted by a single Update call.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
	}, []string{"player"}), "lockstep_simulation_steps_per_update")
	if err != nil {
		return nil, err
	}

	connected, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lockstep_connected",
		Help: "1 while the client has confirmed turns covering its virtual time.",
	}, []string{"player"}), "lockstep_connected")
	if err != nil {
		return nil, err
	}

	turnBuffer, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lockstep_turn_buffer",
		Help: "Confirmed turns received but not yet consumed.",
	}, []string{"player"}), "lockstep_turn_buffer")
	if err != nil {
		return nil, err
	}

	return &LockstepCollector{
		gatherer:        gatherer,
		SimulationSteps: simSteps,
		CommandSteps:    cmdSteps,
		Commands:        commands,
		Disconnects:     disconnects,
		StepsPerUpdate:  perUpdate,
		Connected:       connected,
		TurnBuffer:      turnBuffer,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *LockstepCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *LockstepCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveUpdate records the steps emitted by one Update.
func (c *LockstepCollector) ObserveUpdate(player uint8, simulationSteps, commandSteps int) {
	if c == nil {
		return
	}
	p := playerLabel(player)
	c.SimulationSteps.WithLabelValues(p).Add(float64(simulationSteps))
	c.CommandSteps.WithLabelValues(p).Add(float64(commandSteps))
	c.StepsPerUpdate.WithLabelValues(p).Observe(float64(simulationSteps))
}

// ObserveCommand counts a command resolved at its deadline.
func (c *LockstepCollector) ObserveCommand(player uint8, applied bool) {
	if c == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "failed"
	}
	c.Commands.WithLabelValues(playerLabel(player), result).Inc()
}

// ObserveConnection sets the connection and turn buffer gauges.
func (c *LockstepCollector) ObserveConnection(player uint8, connected bool, bufferedTurns int) {
	if c == nil {
		return
	}
	p := playerLabel(player)
	v := 0.0
	if connected {
		v = 1
	}
	c.Connected.WithLabelValues(p).Set(v)
	c.TurnBuffer.WithLabelValues(p).Set(float64(bufferedTurns))
}

// IncDisconnects counts a transition to disconnected.
func (c *LockstepCollector) IncDisconnects(player uint8) {
	if c == nil {
		return
	}
	c.Disconnects.WithLabelValues(playerLabel(player)).Inc()
}

func playerLabel(player uint8) string {
	return strconv.Itoa(int(player))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
