// Package lockstep implements the client side of a deterministic lockstep
// simulation.
//
// A SimulationClient turns host frame times into fixed simulation steps and
// command-step boundaries. Commands apply at agreed boundaries, and when the
// client is networked every boundary must be authorised by a confirmed turn
// from the transport. Running out of turns stalls the simulation and flips the
// client to Disconnected until enough turns arrive.
//
// The client is single-threaded and driven by the host. Callbacks may call
// back into the client; a nested Update only feeds time, which the outer
// Update consumes.
package lockstep

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/lockstep-client/internal/logging"
	"github.com/signalsfoundry/lockstep-client/scheduler"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SimulationClient is the lockstep state machine for one participant. It is
// not safe for concurrent use.
type SimulationClient struct {
	simCfg SimulationConfig
	cfg    ClientConfig

	baseLog logging.Logger
	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer

	player     uint8
	running    bool
	paused     bool
	started    bool
	recovering bool
	// caughtUp is set once the recovered notification has fired in the
	// current cycle.
	caughtUp   bool
	updating   bool
	collecting bool
	// epoch changes on every Start and Stop so loops can notice a restart
	// triggered from a callback.
	epoch uint64

	startOffset       time.Duration
	elapsedSinceStart time.Duration
	// now is the virtual time fed since the simulation started. simTime and
	// cmdTime trail it by the simulation and command accumulators.
	now     time.Duration
	simTime time.Duration
	cmdTime time.Duration

	queue *commandQueue
	turns turnBuffer
	conn  connectionMonitor
	stats statsTracker
	rng   *rand.Rand

	onStarted       handlerList[func() error]
	onRecovered     handlerList[func() error]
	onSimulate      handlerList[func(time.Duration) error]
	onStateChanged  handlerList[func(bool) error]
	onCommandAdded  handlerList[func(*PendingCommand) error]
	onTurnApplied   handlerList[func(ConfirmedTurn) error]
	onCommandFailed handlerList[func(error, *PendingCommand)]

	errs scheduler.ErrorCollector
}

var _ scheduler.DeltaUpdateable = (*SimulationClient)(nil)

// NewSimulationClient validates both configs and returns a stopped client.
func NewSimulationClient(sim SimulationConfig, client ClientConfig, opts ...Option) (*SimulationClient, error) {
	if err := sim.Validate(); err != nil {
		return nil, err
	}
	if err := client.Validate(); err != nil {
		return nil, err
	}
	c := &SimulationClient{
		simCfg:  sim,
		cfg:     client,
		baseLog: logging.Noop(),
		metrics: noopMetrics{},
		tracer:  defaultTracer(),
		queue:   newCommandQueue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.baseLog.With(logging.Player(c.player))
	return c, nil
}

// SimulationConfig returns the session configuration.
func (c *SimulationClient) SimulationConfig() SimulationConfig { return c.simCfg }

// SetSimulationConfig replaces the session configuration. It fails while the
// client is running.
func (c *SimulationClient) SetSimulationConfig(cfg SimulationConfig) error {
	if c.running {
		return ErrRunning
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.simCfg = cfg
	return nil
}

// ClientConfig returns the local configuration.
func (c *SimulationClient) ClientConfig() ClientConfig { return c.cfg }

// SetClientConfig replaces the local configuration. It may be called at any
// time and applies from the next Update or command.
func (c *SimulationClient) SetClientConfig(cfg ClientConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// PlayerNumber returns the local player number.
func (c *SimulationClient) PlayerNumber() uint8 { return c.player }

// SetPlayerNumber changes the player number used for locally issued commands.
func (c *SimulationClient) SetPlayerNumber(n uint8) {
	c.player = n
	c.log = c.baseLog.With(logging.Player(n))
}

// RegisterCommandLogic sets the logic applied to commands of kind. A later
// registration for the same kind replaces the earlier one.
func (c *SimulationClient) RegisterCommandLogic(kind CommandKind, logic CommandLogic) error {
	return c.queue.register(kind, logic)
}

// Running reports whether the client is between Start and Stop.
func (c *SimulationClient) Running() bool { return c.running }

// Paused reports whether Updates are currently ignored.
func (c *SimulationClient) Paused() bool { return c.paused }

// Pause freezes the virtual clock of a running client. Frame time passed to
// Update while paused is discarded. Commands and confirmed turns are still
// accepted and wait for Resume.
func (c *SimulationClient) Pause() {
	if !c.running || c.paused {
		return
	}
	c.paused = true
	c.log.Info(context.Background(), "lockstep client paused", logging.Duration("at", c.now))
}

// Resume lets Update advance the clock again. It is a no-op unless paused.
func (c *SimulationClient) Resume() {
	if !c.paused {
		return
	}
	c.paused = false
	c.log.Info(context.Background(), "lockstep client resumed", logging.Duration("at", c.now))
}

// Connected reports whether the confirmed turns cover the virtual time
// elapsed since Start. It is false while stopped.
func (c *SimulationClient) Connected() bool { return c.running && c.conn.connected }

// Recovering reports whether the last Update stopped at the step cap with
// whole simulation steps still accumulated.
func (c *SimulationClient) Recovering() bool { return c.recovering }

// Started reports whether the simulation-started notification has fired in
// the current Start cycle.
func (c *SimulationClient) Started() bool { return c.started }

// UpdateTime is the virtual time fed since the simulation started.
func (c *SimulationClient) UpdateTime() time.Duration { return c.now }

// SimulationTime is the virtual time covered by emitted simulation steps.
func (c *SimulationClient) SimulationTime() time.Duration { return c.simTime }

// CommandTime is the virtual time of the last command-step boundary.
func (c *SimulationClient) CommandTime() time.Duration { return c.cmdTime }

// SimulationAccumulator is the fed time not yet consumed by simulation steps.
func (c *SimulationClient) SimulationAccumulator() time.Duration { return c.now - c.simTime }

// CommandAccumulator is the fed time not yet consumed by command boundaries.
func (c *SimulationClient) CommandAccumulator() time.Duration { return c.now - c.cmdTime }

// CurrentTurnNumber is the number of command boundaries crossed since Start.
func (c *SimulationClient) CurrentTurnNumber() int {
	return int(c.cmdTime / c.simCfg.CommandStepDuration)
}

// CurrentSimulationStep is the number of simulation steps emitted since Start.
func (c *SimulationClient) CurrentSimulationStep() int {
	return int(c.simTime / c.simCfg.SimulationStepDuration)
}

// TurnBuffer is the number of confirmed turns received but not consumed.
func (c *SimulationClient) TurnBuffer() int { return c.turns.len() }

// PendingCount is the number of commands waiting for their deadline.
func (c *SimulationClient) PendingCount() int { return c.queue.len() }

// Stats returns counters for the current Start cycle.
func (c *SimulationClient) Stats() Stats {
	s := c.stats.Stats
	if c.running && !c.conn.connected {
		s.DisconnectedTime += c.now - c.conn.disconnectedAt
	}
	return s
}

// NewRandom returns a generator derived from the session seed. Peers that
// call it in the same order get identical sequences.
func (c *SimulationClient) NewRandom() *rand.Rand {
	if c.rng == nil {
		c.rng = c.rootRandom()
	}
	return rand.New(rand.NewPCG(c.rng.Uint64(), c.rng.Uint64()))
}

func (c *SimulationClient) rootRandom() *rand.Rand {
	seed := c.simCfg.RandomSeed
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// networked reports whether a transport listens for commands, which makes
// every command boundary wait for a confirmed turn.
func (c *SimulationClient) networked() bool { return c.onCommandAdded.len() > 0 }

// Start begins a simulation cycle. delay is the virtual time at which this
// client joins the session: negative values wait that long before the
// simulation starts, positive values catch up on the first Update. Starting a
// running client stops it first.
func (c *SimulationClient) Start(delay time.Duration) error {
	owned := c.beginCollect()
	if c.running {
		c.stop()
	}

	c.running = true
	c.paused = false
	c.started = false
	c.recovering = false
	c.caughtUp = false
	c.epoch++

	c.startOffset = delay
	c.elapsedSinceStart = 0
	c.now, c.simTime, c.cmdTime = 0, 0, 0

	// Turns delivered before Start are the backlog a rejoining client
	// replays on its first Updates.
	backlog := c.turns.len()
	c.conn = connectionMonitor{connected: true, turnsReceived: backlog}
	c.stats.reset()
	c.stats.TurnsReceived = backlog
	c.rng = c.rootRandom()

	c.log.Info(context.Background(), "lockstep client started",
		logging.Duration("start_offset", delay),
		logging.Int("turn_backlog", backlog),
		logging.Duration("simulation_step", c.simCfg.SimulationStepDuration),
		logging.Duration("command_step", c.simCfg.CommandStepDuration),
	)
	c.metrics.ObserveConnection(c.player, true, 0)
	return c.endCollect(owned)
}

// Stop ends the cycle. Every pending command is finished without being
// applied. Errors from finish callbacks are returned, or joined to the
// enclosing Update's error when Stop is called from a callback.
func (c *SimulationClient) Stop() error {
	owned := c.beginCollect()
	c.stop()
	return c.endCollect(owned)
}

func (c *SimulationClient) stop() {
	if c.running {
		if !c.conn.connected {
			c.stats.DisconnectedTime += c.now - c.conn.disconnectedAt
		}
		c.running = false
		c.paused = false
		c.started = false
		c.recovering = false
		c.caughtUp = false
		c.epoch++
		c.conn.connected = false
		c.rng = nil
		c.log.Info(context.Background(), "lockstep client stopped",
			logging.Int("turn", c.CurrentTurnNumber()),
			logging.Int("pending_commands", c.queue.len()),
		)
		c.metrics.ObserveConnection(c.player, false, 0)
	}
	c.turns.clear()
	c.conn.turnsReceived = 0
	c.flushPending()
}

// AddPendingCommand queues a locally issued command. On a stopped client the
// command is finished synchronously and never applied. On a running client it
// applies at the command boundary after the next one plus the local
// simulation delay.
func (c *SimulationClient) AddPendingCommand(cmd Command, finish FinishFunc) (*PendingCommand, error) {
	return c.addCommand(cmd, c.player, true, finish)
}

// AddRemoteCommand queues a command issued by another player. Remote commands
// are not delayed by the local simulation delay.
func (c *SimulationClient) AddRemoteCommand(cmd Command, player uint8, finish FinishFunc) (*PendingCommand, error) {
	return c.addCommand(cmd, player, false, finish)
}

func (c *SimulationClient) addCommand(cmd Command, player uint8, local bool, finish FinishFunc) (*PendingCommand, error) {
	if cmd == nil {
		return nil, ErrNilCommand
	}
	pc := &PendingCommand{Command: cmd, Finish: finish, Player: player, Local: local}

	owned := c.beginCollect()
	if !c.running {
		c.resolve(pc, false)
		return pc, c.endCollect(owned)
	}

	pc.Deadline = c.cmdTime + c.simCfg.CommandStepDuration
	if local {
		pc.Deadline += c.cfg.LocalSimulationDelay
	}
	c.queue.push(pc)
	for _, fn := range c.onCommandAdded.snapshot() {
		c.collect(func() error { return fn(pc) })
	}
	return pc, c.endCollect(owned)
}

// AddConfirmedTurn appends a turn to the buffer. Turns added while the client
// is stopped are kept for the next Start; Stop discards them.
func (c *SimulationClient) AddConfirmedTurn(turn ConfirmedTurn) {
	c.turns.push(turn)
	c.conn.turnsReceived++
	c.stats.TurnsReceived++
}

// AddConfirmedEmptyTurns appends n turns that carry no payload.
func (c *SimulationClient) AddConfirmedEmptyTurns(n int) {
	for i := 0; i < n; i++ {
		c.AddConfirmedTurn(ConfirmedTurn{})
	}
}

// Update advances the client by one host frame. Errors returned or panics
// raised by callbacks do not interrupt the frame; they are returned together
// as a *scheduler.AggregateError once all due work has run.
func (c *SimulationClient) Update(elapsed time.Duration) error {
	if elapsed < 0 {
		return fmt.Errorf("%w: %v", ErrNegativeElapsed, elapsed)
	}
	owned := c.beginCollect()
	if !c.running {
		c.flushPending()
		return c.endCollect(owned)
	}
	if c.paused {
		return c.endCollect(owned)
	}

	// The started notification fires from feed, so the outer frame is marked
	// as updating before it runs.
	nested := c.updating
	c.updating = true
	c.feed(c.scale(elapsed))
	if nested {
		return c.endCollect(owned)
	}
	if !c.running || c.paused {
		c.updating = false
		return c.endCollect(owned)
	}

	var span trace.Span
	if c.started {
		_, span = c.tracer.Start(context.Background(), "lockstep.Update",
			trace.WithAttributes(
				attribute.Int("lockstep.player", int(c.player)),
				attribute.Int64("lockstep.elapsed_ms", elapsed.Milliseconds()),
			),
		)
	}

	simSteps, cmdSteps := c.advance()
	c.updating = false

	if c.running {
		c.refreshConnection()
		if c.networked() {
			c.stats.sampleBuffer(c.turns.len())
		}
		c.notifyRecovered()
	}
	c.metrics.ObserveUpdate(c.player, simSteps, cmdSteps)

	err := c.endCollect(owned)
	if span != nil {
		span.SetAttributes(
			attribute.Int("lockstep.simulation_steps", simSteps),
			attribute.Int("lockstep.command_steps", cmdSteps),
			attribute.Int("lockstep.turn_buffer", c.turns.len()),
			attribute.Bool("lockstep.connected", c.Connected()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "callback failures")
		}
		span.End()
	}
	return err
}

func (c *SimulationClient) scale(elapsed time.Duration) time.Duration {
	if c.cfg.SpeedFactor == 1 {
		return elapsed
	}
	return time.Duration(math.Round(float64(elapsed) * c.cfg.SpeedFactor))
}

// feed adds scaled frame time to the virtual clock, holding it back until the
// start offset has been waited out.
func (c *SimulationClient) feed(scaled time.Duration) {
	if c.started {
		c.now += scaled
		return
	}

	c.elapsedSinceStart += scaled
	var feed time.Duration
	if c.startOffset < 0 {
		if c.elapsedSinceStart < -c.startOffset {
			return
		}
		feed = c.elapsedSinceStart + c.startOffset
	} else {
		feed = c.startOffset + scaled
	}

	c.started = true
	c.now += feed
	c.log.Debug(context.Background(), "simulation started", logging.Duration("catch_up", feed))
	for _, fn := range c.onStarted.snapshot() {
		c.collect(fn)
	}
}

// advance consumes simulation steps and command boundaries in timeline order.
// Simulation steps at a boundary instant run before the boundary.
func (c *SimulationClient) advance() (simSteps, cmdSteps int) {
	epoch := c.epoch
	simStep := c.simCfg.SimulationStepDuration
	cmdStep := c.simCfg.CommandStepDuration
	maxSteps := c.cfg.MaxSimulationStepsPerFrame
	c.recovering = false

	for c.running && !c.paused && c.epoch == epoch {
		nextSim := c.simTime + simStep
		nextCmd := c.cmdTime + cmdStep

		if nextSim <= nextCmd && nextSim <= c.now {
			if maxSteps > 0 && simSteps >= maxSteps {
				c.recovering = true
				break
			}
			c.simTime = nextSim
			simSteps++
			c.stats.SimulationSteps++
			for _, fn := range c.onSimulate.snapshot() {
				c.collect(func() error { return fn(simStep) })
			}
			continue
		}

		if nextCmd <= c.now {
			// A standalone client needs no turn but still drains any it was given.
			turn, consumed := c.turns.pop()
			if !consumed && c.networked() {
				break
			}
			if consumed {
				c.stats.TurnsConsumed++
			}
			c.cmdTime = nextCmd
			cmdSteps++
			c.stats.CommandSteps++
			c.processCommands(epoch)
			if consumed && c.running && c.epoch == epoch {
				for _, fn := range c.onTurnApplied.snapshot() {
					c.collect(func() error { return fn(turn) })
				}
			}
			continue
		}
		break
	}
	return simSteps, cmdSteps
}

// processCommands resolves every command due at the current boundary in
// enqueue order. If a callback stops the client, the remaining due commands
// are finished without being applied.
func (c *SimulationClient) processCommands(epoch uint64) {
	for _, pc := range c.queue.takeDue(c.cmdTime) {
		c.resolve(pc, c.running && c.epoch == epoch)
	}
}

func (c *SimulationClient) flushPending() {
	for _, pc := range c.queue.takeAll() {
		c.resolve(pc, false)
	}
}

// resolve applies pc when apply is set and always finishes it.
func (c *SimulationClient) resolve(pc *PendingCommand, apply bool) {
	failed := false
	if apply {
		kind := pc.Command.Kind()
		if logic, ok := c.queue.lookup(kind); ok {
			if err := scheduler.Call(func() error { return logic.Apply(pc.Command, pc.Player) }); err != nil {
				c.commandFailed(&CommandError{Pending: pc, Stage: "apply", Err: err})
				failed = true
			}
		} else {
			c.log.Debug(context.Background(), "no logic registered for command", logging.String("kind", string(kind)))
		}
	}
	if pc.Finish != nil {
		if err := scheduler.Call(func() error { return pc.Finish(pc.Command, pc.Player) }); err != nil {
			c.commandFailed(&CommandError{Pending: pc, Stage: "finish", Err: err})
			failed = true
		}
	}
	if !apply {
		return
	}
	if failed {
		c.stats.CommandsFailed++
	} else {
		c.stats.CommandsApplied++
	}
	c.metrics.ObserveCommand(c.player, !failed)
}

func (c *SimulationClient) commandFailed(err *CommandError) {
	c.errs.Add(err)
	c.log.Warn(context.Background(), "command failed",
		logging.String("kind", string(err.Pending.Command.Kind())),
		logging.String("stage", err.Stage),
		logging.Uint8("issuer", err.Pending.Player),
		logging.Err(err.Err),
	)
	for _, fn := range c.onCommandFailed.snapshot() {
		c.collect(func() error {
			fn(err, err.Pending)
			return nil
		})
	}
}

// notifyRecovered fires the recovered notification the first time an Update
// of this cycle ends started, connected and below the step cap.
func (c *SimulationClient) notifyRecovered() {
	if c.caughtUp || !c.started || c.recovering || !c.conn.connected {
		return
	}
	c.caughtUp = true
	c.log.Debug(context.Background(), "simulation recovered", logging.Duration("at", c.now))
	for _, fn := range c.onRecovered.snapshot() {
		c.collect(fn)
	}
}

// refreshConnection recomputes connection health and notifies transitions.
func (c *SimulationClient) refreshConnection() {
	connected := true
	if c.networked() {
		connected = c.conn.turnsReceived >= requiredTurns(c.now, c.simCfg.CommandStepDuration)
	}
	c.metrics.ObserveConnection(c.player, connected, c.turns.len())
	if connected == c.conn.connected {
		return
	}

	c.conn.connected = connected
	ctx := context.Background()
	if connected {
		c.stats.DisconnectedTime += c.now - c.conn.disconnectedAt
		c.log.Info(ctx, "lockstep client reconnected", logging.Int("turn_buffer", c.turns.len()))
	} else {
		c.conn.disconnectedAt = c.now
		c.stats.Disconnects++
		c.metrics.IncDisconnects(c.player)
		c.log.Warn(ctx, "lockstep client disconnected",
			logging.Int("turns_received", c.conn.turnsReceived),
			logging.Int("turns_required", requiredTurns(c.now, c.simCfg.CommandStepDuration)),
		)
	}
	for _, fn := range c.onStateChanged.snapshot() {
		c.collect(func() error { return fn(connected) })
	}
}

// collect runs a callback, recording any error or panic for the current
// operation.
func (c *SimulationClient) collect(fn func() error) {
	c.errs.Add(scheduler.Call(fn))
}

// beginCollect starts error collection unless an enclosing operation already
// owns it.
func (c *SimulationClient) beginCollect() bool {
	if c.collecting {
		return false
	}
	c.collecting = true
	c.errs.Reset()
	return true
}

func (c *SimulationClient) endCollect(owned bool) error {
	if !owned {
		return nil
	}
	c.collecting = false
	err := c.errs.Err()
	c.errs.Reset()
	return err
}
