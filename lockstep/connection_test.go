package lockstep

import (
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type stateRecorder struct {
	changes []bool
}

func (r *stateRecorder) record(connected bool) error {
	r.changes = append(r.changes, connected)
	return nil
}

func (r *stateRecorder) take() []bool {
	out := r.changes
	r.changes = nil
	return out
}

// networkedClient returns a client with a command transport attached, so
// every command boundary needs a confirmed turn.
func networkedClient(t *testing.T, sim SimulationConfig, cfg ClientConfig, opts ...Option) (*SimulationClient, *stateRecorder) {
	t.Helper()
	c := newTestClient(t, sim, cfg, opts...)
	c.OnCommandAdded(func(*PendingCommand) error { return nil })
	rec := &stateRecorder{}
	c.OnStateChanged(rec.record)
	return c, rec
}

func connectionTestConfigs() (SimulationConfig, ClientConfig) {
	sim := SimulationConfig{SimulationStepDuration: time.Second, CommandStepDuration: 100 * ms}
	cfg := DefaultClientConfig()
	cfg.LocalSimulationDelay = time.Second
	return sim, cfg
}

func TestConnectionChangesDetected(t *testing.T) {
	sim, cfg := connectionTestConfigs()
	c, rec := networkedClient(t, sim, cfg)

	mustStart(t, c, -time.Second)
	if !c.Connected() {
		t.Fatalf("client not connected after Start")
	}
	mustUpdate(t, c, 100*ms)
	if !c.Connected() {
		t.Fatalf("client disconnected while inside the start delay")
	}

	mustUpdate(t, c, time.Second)
	if got := rec.take(); len(got) != 1 || got[0] {
		t.Fatalf("state changes = %v, want [false]", got)
	}
	if c.Connected() {
		t.Fatalf("client connected past the start delay without turns")
	}

	c.AddConfirmedTurn(ConfirmedTurn{})
	mustUpdate(t, c, 100*ms)
	if got := rec.take(); len(got) != 0 {
		t.Fatalf("state changes = %v while still short of turns, want none", got)
	}
	if c.Connected() {
		t.Fatalf("client reconnected without enough turns")
	}

	c.AddConfirmedTurn(ConfirmedTurn{})
	mustUpdate(t, c, 0)
	if got := rec.take(); len(got) != 1 || !got[0] {
		t.Fatalf("state changes = %v, want [true]", got)
	}
	if !c.Connected() {
		t.Fatalf("client not reconnected with enough turns")
	}
}

func TestConnectionChangesDetectedGracefully(t *testing.T) {
	sim, cfg := connectionTestConfigs()
	c, rec := networkedClient(t, sim, cfg)

	mustStart(t, c, -time.Second)
	mustUpdate(t, c, 1100*ms)
	rec.take()

	c.AddConfirmedTurn(ConfirmedTurn{})
	mustUpdate(t, c, 200*ms)
	c.AddConfirmedTurn(ConfirmedTurn{})
	mustUpdate(t, c, 0)
	if got := rec.take(); len(got) != 0 {
		t.Fatalf("state changes = %v, want none while catching up", got)
	}
	if c.Connected() {
		t.Fatalf("client connected before it has turns up to the current time")
	}

	c.AddConfirmedTurn(ConfirmedTurn{})
	mustUpdate(t, c, 0)
	if got := rec.take(); len(got) != 1 || !got[0] {
		t.Fatalf("state changes = %v, want [true]", got)
	}
	if !c.Connected() {
		t.Fatalf("client not reconnected")
	}
}

func TestNetworkedClientStallsWithoutTurns(t *testing.T) {
	c, rec := networkedClient(t, DefaultSimulationConfig(), DefaultClientConfig())
	var applied []ConfirmedTurn
	c.OnTurnApplied(func(turn ConfirmedTurn) error {
		applied = append(applied, turn)
		return nil
	})

	mustStart(t, c, 0)
	mustUpdate(t, c, time.Second)
	if got := c.CurrentSimulationStep(); got != 3 {
		t.Fatalf("CurrentSimulationStep() = %d, want 3 before the first unconfirmed boundary", got)
	}
	if c.CurrentTurnNumber() != 0 {
		t.Fatalf("CurrentTurnNumber() = %d, want 0", c.CurrentTurnNumber())
	}
	if got := rec.take(); len(got) != 1 || got[0] {
		t.Fatalf("state changes = %v, want [false]", got)
	}

	mustUpdate(t, c, 200*ms)
	if got := rec.take(); len(got) != 0 {
		t.Fatalf("state changes = %v while still stalled, want none", got)
	}

	c.AddConfirmedTurn(ConfirmedTurn{Payload: "first"})
	c.AddConfirmedEmptyTurns(9)
	mustUpdate(t, c, 0)

	if got := c.CurrentSimulationStep(); got != 12 {
		t.Fatalf("CurrentSimulationStep() = %d, want 12", got)
	}
	if got := c.CurrentTurnNumber(); got != 4 {
		t.Fatalf("CurrentTurnNumber() = %d, want 4", got)
	}
	if c.TurnBuffer() != 6 {
		t.Fatalf("TurnBuffer() = %d, want 6", c.TurnBuffer())
	}
	if len(applied) != 4 || applied[0].Payload != "first" {
		t.Fatalf("turns applied = %v, want 4 starting with the first payload", applied)
	}
	if got := rec.take(); len(got) != 1 || !got[0] {
		t.Fatalf("state changes = %v, want [true]", got)
	}

	s := c.Stats()
	if s.Disconnects != 1 {
		t.Fatalf("Disconnects = %d, want 1", s.Disconnects)
	}
	if s.DisconnectedTime != 200*ms {
		t.Fatalf("DisconnectedTime = %v, want 200ms", s.DisconnectedTime)
	}
	if s.TurnsReceived != 10 || s.TurnsConsumed != 4 {
		t.Fatalf("turns received/consumed = %d/%d, want 10/4", s.TurnsReceived, s.TurnsConsumed)
	}
	if s.LowestTurnBuffer != 0 || s.HighestTurnBuffer != 6 {
		t.Fatalf("turn buffer range = %d..%d, want 0..6", s.LowestTurnBuffer, s.HighestTurnBuffer)
	}
}

func TestStandaloneClientIsAlwaysConnected(t *testing.T) {
	c := newTestClient(t, DefaultSimulationConfig(), DefaultClientConfig())
	changes := 0
	c.OnStateChanged(func(bool) error {
		changes++
		return nil
	})

	mustStart(t, c, 0)
	mustUpdate(t, c, 10*time.Second)

	if !c.Connected() || changes != 0 {
		t.Fatalf("standalone client connected=%v changes=%d, want true and 0", c.Connected(), changes)
	}
	if c.CurrentTurnNumber() != 33 {
		t.Fatalf("CurrentTurnNumber() = %d, want 33", c.CurrentTurnNumber())
	}
}

func TestStandaloneClientDrainsTurns(t *testing.T) {
	c := newTestClient(t, DefaultSimulationConfig(), DefaultClientConfig())
	applied := 0
	c.OnTurnApplied(func(ConfirmedTurn) error {
		applied++
		return nil
	})

	mustStart(t, c, 0)
	c.AddConfirmedEmptyTurns(3)
	mustUpdate(t, c, 900*ms)
	if c.TurnBuffer() != 0 || applied != 3 {
		t.Fatalf("buffer=%d applied=%d, want 0 and 3", c.TurnBuffer(), applied)
	}

	for i := 0; i < 100; i++ {
		c.AddConfirmedTurn(ConfirmedTurn{})
		mustUpdate(t, c, 300*ms)
	}
	if c.TurnBuffer() != 0 {
		t.Fatalf("TurnBuffer() = %d, want turns consumed as boundaries pass", c.TurnBuffer())
	}
	if applied != 103 || c.Stats().TurnsConsumed != 103 {
		t.Fatalf("applied=%d consumed=%d, want 103", applied, c.Stats().TurnsConsumed)
	}

	mustUpdate(t, c, 300*ms)
	if c.CurrentTurnNumber() != 104 || !c.Connected() {
		t.Fatalf("turn=%d connected=%v, want 104 and true without a turn", c.CurrentTurnNumber(), c.Connected())
	}
}

type fakeMetrics struct {
	simSteps    int
	cmdSteps    int
	applied     int
	failed      int
	disconnects int
	connected   bool
	buffered    int
}

func (m *fakeMetrics) ObserveUpdate(_ uint8, sim, cmd int) {
	m.simSteps += sim
	m.cmdSteps += cmd
}

func (m *fakeMetrics) ObserveCommand(_ uint8, applied bool) {
	if applied {
		m.applied++
	} else {
		m.failed++
	}
}

func (m *fakeMetrics) ObserveConnection(_ uint8, connected bool, buffered int) {
	m.connected = connected
	m.buffered = buffered
}

func (m *fakeMetrics) IncDisconnects(uint8) { m.disconnects++ }

func TestMetricsRecorderReceivesObservations(t *testing.T) {
	metrics := &fakeMetrics{}
	c, _ := networkedClient(t, DefaultSimulationConfig(), DefaultClientConfig(), WithMetrics(metrics))

	mustStart(t, c, 0)
	c.AddConfirmedEmptyTurns(2)
	mustUpdate(t, c, 900*ms)

	if metrics.simSteps != 9 || metrics.cmdSteps != 2 {
		t.Fatalf("steps sim/cmd = %d/%d, want 9/2", metrics.simSteps, metrics.cmdSteps)
	}
	if metrics.connected || metrics.disconnects != 1 {
		t.Fatalf("connected=%v disconnects=%d, want false and 1", metrics.connected, metrics.disconnects)
	}

	c.AddConfirmedEmptyTurns(3)
	mustUpdate(t, c, 0)
	if !metrics.connected || metrics.buffered != 2 {
		t.Fatalf("connected=%v buffered=%d, want true and 2", metrics.connected, metrics.buffered)
	}
}

func TestUpdateEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	c := newTestClient(t, DefaultSimulationConfig(), DefaultClientConfig(), WithTracer(tp.Tracer("test")))

	mustStart(t, c, -200*ms)
	mustUpdate(t, c, 100*ms)
	if n := len(recorder.Ended()); n != 0 {
		t.Fatalf("spans = %d before the simulation started, want 0", n)
	}

	mustUpdate(t, c, 350*ms)
	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "lockstep.Update" {
		t.Fatalf("span name = %q", spans[0].Name())
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "lockstep.simulation_steps" {
			found = true
			if kv.Value.AsInt64() != 2 {
				t.Fatalf("simulation_steps = %d, want 2", kv.Value.AsInt64())
			}
		}
	}
	if !found {
		t.Fatalf("span has no simulation_steps attribute")
	}
}
