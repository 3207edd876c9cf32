// Package loopback is an in-process turn server for lockstep clients. It
// collects locally issued commands from every joined client, closes one turn
// per command step and delivers the confirmed turns back to every client over
// simulated links with latency and jitter.
//
// A command issued with deadline d is placed in turn ceil(d/step)-1. Clients
// consume turn b at boundary b*step and re-add its remote commands there, so
// every peer applies the command at the same boundary as its issuer. This
// holds while the local simulation delay covers the buffer delay, one command
// step and the uplink latency.
//
// Only the boundary is agreed, not the order within it. An issuer queues its
// own command when it is issued and every other peer queues it when the turn
// arrives, so commands from different players due at the same boundary apply
// issuer first on each peer. Commands that can share a boundary must commute.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/signalsfoundry/lockstep-client/internal/logging"
	"github.com/signalsfoundry/lockstep-client/lockstep"
	"github.com/signalsfoundry/lockstep-client/scheduler"
)

var (
	ErrInvalidConfig   = errors.New("loopback: invalid config")
	ErrStepMismatch    = errors.New("loopback: command step mismatch")
	ErrAlreadyJoined   = errors.New("loopback: client already joined")
	ErrUnexpectedTurn  = errors.New("loopback: unexpected turn payload")
	ErrNegativeElapsed = errors.New("loopback: negative elapsed time")
)

// Config tunes the simulated turn server.
type Config struct {
	// BufferDelay is how long before its boundary a turn is closed.
	BufferDelay time.Duration
	// Latency is the one-way delay of every link.
	Latency time.Duration
	// Jitter adds up to this much extra delay per message.
	Jitter time.Duration
	// Seed drives the jitter.
	Seed uint64
}

// Validate rejects negative delays.
func (c Config) Validate() error {
	if c.BufferDelay < 0 || c.Latency < 0 || c.Jitter < 0 {
		return fmt.Errorf("%w: delays must not be negative (buffer=%v latency=%v jitter=%v)",
			ErrInvalidConfig, c.BufferDelay, c.Latency, c.Jitter)
	}
	return nil
}

// Envelope is a command in transit.
type Envelope struct {
	Player   uint8
	Command  lockstep.Command
	Deadline time.Duration
}

// Turn is the payload of every confirmed turn sent by the relay.
type Turn struct {
	Number   int
	Commands []Envelope
}

// Stats counts relay activity since the last Reset.
type Stats struct {
	TurnsClosed     int
	CommandsRelayed int
	LateCommands    int
}

// Option customises a Relay.
type Option func(*Relay)

// WithLogger sets the relay's logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

type peer struct {
	player   uint8
	client   *lockstep.SimulationClient
	uplink   link[Envelope]
	downlink link[Turn]
	detach   []func()
}

// Relay is the in-process turn server. It is not safe for concurrent use and
// is driven by Update like the clients it serves.
type Relay struct {
	cfg     Config
	cmdStep time.Duration
	log     logging.Logger
	rng     *rand.Rand

	now      time.Duration
	paused   bool
	nextTurn int
	open     *orderedmap.OrderedMap[int, []Envelope]
	peers    []*peer
	stats    Stats
}

var _ scheduler.DeltaUpdateable = (*Relay)(nil)

// New creates a relay for sessions using sim's command step.
func New(sim lockstep.SimulationConfig, cfg Config, opts ...Option) (*Relay, error) {
	if err := sim.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Relay{
		cfg:     cfg,
		cmdStep: sim.CommandStepDuration,
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logging.String("component", "loopback"))
	r.Reset()
	return r, nil
}

// Reset restarts turn numbering and drops everything in flight. Call it
// together with Start on the joined clients.
func (r *Relay) Reset() {
	r.now = 0
	r.nextTurn = 1
	r.open = orderedmap.NewOrderedMap[int, []Envelope]()
	r.rng = rand.New(rand.NewPCG(r.cfg.Seed, r.cfg.Seed^0x5bd1e995))
	r.stats = Stats{}
	for _, p := range r.peers {
		p.uplink.reset()
		p.downlink.reset()
	}
}

// Join connects client to the relay. The client becomes networked: its
// command boundaries wait for turns from the relay. The returned func
// disconnects it again.
func (r *Relay) Join(client *lockstep.SimulationClient) (func(), error) {
	if step := client.SimulationConfig().CommandStepDuration; step != r.cmdStep {
		return nil, fmt.Errorf("%w: client %v, relay %v", ErrStepMismatch, step, r.cmdStep)
	}
	for _, p := range r.peers {
		if p.client == client {
			return nil, ErrAlreadyJoined
		}
	}

	p := &peer{player: client.PlayerNumber(), client: client}
	p.detach = append(p.detach,
		client.OnCommandAdded(func(pc *lockstep.PendingCommand) error {
			if pc.Local {
				r.upload(p, pc)
			}
			return nil
		}),
		client.OnTurnApplied(func(turn lockstep.ConfirmedTurn) error {
			return r.applyTurn(p, turn)
		}),
	)
	r.peers = append(r.peers, p)
	r.log.Info(context.Background(), "client joined", logging.Player(p.player), logging.Int("peers", len(r.peers)))

	return func() { r.leave(p) }, nil
}

func (r *Relay) leave(p *peer) {
	for i, q := range r.peers {
		if q == p {
			r.peers = append(r.peers[:i], r.peers[i+1:]...)
			for _, off := range p.detach {
				off()
			}
			r.log.Info(context.Background(), "client left", logging.Player(p.player))
			return
		}
	}
}

// SetPaused freezes the server. While paused no turn is closed and no
// message is delivered; on resume every overdue turn goes out at once.
func (r *Relay) SetPaused(paused bool) {
	if r.paused == paused {
		return
	}
	r.paused = paused
	r.log.Info(context.Background(), "relay paused state changed", logging.Bool("paused", paused))
}

// Paused reports whether the server is frozen.
func (r *Relay) Paused() bool { return r.paused }

// Now is the relay's virtual time.
func (r *Relay) Now() time.Duration { return r.now }

// NextTurn is the number of the next turn to close.
func (r *Relay) NextTurn() int { return r.nextTurn }

// Peers is the number of joined clients.
func (r *Relay) Peers() int { return len(r.peers) }

// Stats returns activity counters.
func (r *Relay) Stats() Stats { return r.stats }

// Update advances the server by dt: it accepts arrived commands, closes due
// turns and delivers arrived turns to the clients.
func (r *Relay) Update(dt time.Duration) error {
	if dt < 0 {
		return fmt.Errorf("%w: %v", ErrNegativeElapsed, dt)
	}
	r.now += dt
	if r.paused {
		return nil
	}

	for _, p := range r.peers {
		for _, env := range p.uplink.receive(r.now) {
			r.accept(env)
		}
	}
	r.closeTurns()
	for _, p := range r.peers {
		for _, turn := range p.downlink.receive(r.now) {
			p.client.AddConfirmedTurn(lockstep.ConfirmedTurn{Payload: turn})
		}
	}
	return nil
}

func (r *Relay) upload(p *peer, pc *lockstep.PendingCommand) {
	p.uplink.send(r.arrival(), Envelope{
		Player:   pc.Player,
		Command:  pc.Command,
		Deadline: pc.Deadline,
	})
}

// accept files a command under the turn whose consumption precedes the
// command's boundary.
func (r *Relay) accept(env Envelope) {
	number := r.turnFor(env.Deadline)
	if number < r.nextTurn {
		r.stats.LateCommands++
		r.log.Warn(context.Background(), "dropping late command",
			logging.Player(env.Player),
			logging.String("kind", string(env.Command.Kind())),
			logging.Int("turn", number),
			logging.Int("next_turn", r.nextTurn),
		)
		return
	}
	cmds, _ := r.open.Get(number)
	r.open.Set(number, append(cmds, env))
	r.stats.CommandsRelayed++
}

func (r *Relay) closeTurns() {
	for time.Duration(r.nextTurn)*r.cmdStep-r.cfg.BufferDelay <= r.now {
		turn := Turn{Number: r.nextTurn}
		if cmds, ok := r.open.Get(r.nextTurn); ok {
			turn.Commands = cmds
			r.open.Delete(r.nextTurn)
		}
		for _, p := range r.peers {
			p.downlink.send(r.arrival(), turn)
		}
		r.stats.TurnsClosed++
		if len(turn.Commands) > 0 {
			r.log.Debug(context.Background(), "turn closed",
				logging.Int("turn", turn.Number),
				logging.Int("commands", len(turn.Commands)),
			)
		}
		r.nextTurn++
	}
}

// applyTurn runs when p's client consumes a turn and queues the other
// players' commands for the next boundary.
func (r *Relay) applyTurn(p *peer, confirmed lockstep.ConfirmedTurn) error {
	if confirmed.Payload == nil {
		return nil
	}
	turn, ok := confirmed.Payload.(Turn)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedTurn, confirmed.Payload)
	}
	if current := p.client.CurrentTurnNumber(); current != turn.Number {
		r.log.Warn(context.Background(), "turn applied out of step",
			logging.Player(p.player),
			logging.Int("turn", turn.Number),
			logging.Int("client_turn", current),
		)
	}

	var errs []error
	for _, env := range turn.Commands {
		if env.Player == p.player {
			continue
		}
		pc, err := p.client.AddRemoteCommand(env.Command, env.Player, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if want := r.boundary(env.Deadline); pc.Deadline != want {
			r.log.Warn(context.Background(), "remote command misaligned",
				logging.Player(p.player),
				logging.Uint8("issuer", env.Player),
				logging.Duration("deadline", pc.Deadline),
				logging.Duration("issuer_boundary", want),
			)
		}
	}
	return errors.Join(errs...)
}

// boundary is the first command boundary at or after d.
func (r *Relay) boundary(d time.Duration) time.Duration {
	return (d + r.cmdStep - 1) / r.cmdStep * r.cmdStep
}

func (r *Relay) turnFor(deadline time.Duration) int {
	return int(r.boundary(deadline)/r.cmdStep) - 1
}

func (r *Relay) arrival() time.Duration {
	at := r.now + r.cfg.Latency
	if r.cfg.Jitter > 0 {
		at += time.Duration(r.rng.Int64N(int64(r.cfg.Jitter) + 1))
	}
	return at
}
