package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/lockstep-client/internal/config"
	"github.com/signalsfoundry/lockstep-client/internal/game"
	"github.com/signalsfoundry/lockstep-client/internal/logging"
	"github.com/signalsfoundry/lockstep-client/internal/loopback"
	"github.com/signalsfoundry/lockstep-client/internal/observability"
	"github.com/signalsfoundry/lockstep-client/lockstep"
	"github.com/signalsfoundry/lockstep-client/scheduler"
	"github.com/signalsfoundry/lockstep-client/timectrl"
)

const (
	steerInterval  = 500 * time.Millisecond
	statusInterval = 5 * time.Second
	maxSpeed       = 2000
)

// outage pauses the relay for For once the session has run for At.
type outage struct {
	At, For time.Duration
}

func (o outage) active(now time.Duration) bool {
	return o.For > 0 && now >= o.At && now < o.At+o.For
}

type peer struct {
	player uint8
	client *lockstep.SimulationClient
	world  *game.World
	rng    *rand.Rand
	sums   map[int]uint64
}

// session wires peers, the relay and the update scheduler.
type session struct {
	cfg      config.Config
	log      logging.Logger
	relay    *loopback.Relay
	peers    []*peer
	sched    *scheduler.Scheduler
	metrics  *observability.SchedulerCollector
	reporter *observability.ErrorReporter
	outage   outage

	now      time.Duration
	verified int
	desyncs  int
}

func newSession(cfg config.Config, log logging.Logger, reg prometheus.Registerer, reporter *observability.ErrorReporter, clock timectrl.SimClock, out outage) (*session, error) {
	collector, err := observability.NewLockstepCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("lockstep metrics: %w", err)
	}
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("scheduler metrics: %w", err)
	}

	simCfg := cfg.SimulationConfig()
	relay, err := loopback.New(simCfg, loopback.Config{
		BufferDelay: cfg.Demo.BufferDelay,
		Latency:     cfg.Demo.Latency,
		Jitter:      cfg.Demo.Jitter,
		Seed:        cfg.Simulation.RandomSeed,
	}, loopback.WithLogger(log))
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:      cfg,
		log:      log,
		relay:    relay,
		sched:    scheduler.New(scheduler.WithClock(clock), scheduler.WithLogger(log)),
		metrics:  schedMetrics,
		reporter: reporter,
		outage:   out,
	}
	s.sched.OnError(schedMetrics.IncFailures)
	// Relay time follows the clients' scaled virtual time.
	s.sched.AddDelta(relay, scheduler.WithMode(scheduler.GameTimeScaled))

	for i := 1; i <= cfg.Demo.Players; i++ {
		p, err := s.addPeer(uint8(i), collector)
		if err != nil {
			return nil, err
		}
		s.peers = append(s.peers, p)
	}

	s.sched.AddDelta(scheduler.DeltaFunc(s.steer), scheduler.WithMode(scheduler.GameTimeScaled), scheduler.WithInterval(steerInterval))
	s.sched.Add(scheduler.Func(s.verify))
	s.sched.Add(scheduler.Func(s.status), scheduler.WithMode(scheduler.GameTimeUnscaled), scheduler.WithInterval(statusInterval))
	return s, nil
}

func (s *session) addPeer(player uint8, metrics lockstep.MetricsRecorder) (*peer, error) {
	client, err := lockstep.NewSimulationClient(s.cfg.SimulationConfig(), s.cfg.ClientConfig(),
		lockstep.WithPlayerNumber(player),
		lockstep.WithLogger(s.log),
		lockstep.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}
	p := &peer{
		player: player,
		client: client,
		world:  game.NewWorld(0),
		sums:   make(map[int]uint64),
	}
	if _, err := p.world.Attach(client); err != nil {
		return nil, err
	}
	client.OnSimulate(func(time.Duration) error {
		p.sums[client.CurrentSimulationStep()] = p.world.Checksum()
		return nil
	})
	client.OnStateChanged(func(connected bool) error {
		s.log.Info(context.Background(), "peer connection changed",
			logging.Player(player),
			logging.Bool("connected", connected),
			logging.Duration("at", s.now),
		)
		return nil
	})
	if _, err := s.relay.Join(client); err != nil {
		return nil, err
	}

	// Clients scale frame time themselves.
	s.sched.AddDelta(scheduler.DeltaFunc(func(elapsed time.Duration) error {
		err := client.Update(elapsed)
		if err != nil {
			s.reporter.ReportUpdateError(player, client.CurrentTurnNumber(), err)
		}
		return err
	}), scheduler.WithMode(scheduler.GameTimeUnscaled))
	return p, nil
}

// start begins the session on every peer and issues the opening spawns.
func (s *session) start() error {
	s.relay.Reset()
	s.now, s.verified, s.desyncs = 0, 0, 0
	var errs []error
	for _, p := range s.peers {
		clear(p.sums)
		p.rng = p.client.NewRandom()
		if err := p.client.Start(0); err != nil {
			errs = append(errs, err)
			continue
		}
		x := int64(p.player) * game.DefaultBounds / int64(len(s.peers)+1)
		if _, err := p.client.AddPendingCommand(game.SpawnCommand{X: x}, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// frame advances the whole session by one host frame.
func (s *session) frame(elapsed time.Duration) error {
	scaled := time.Duration(math.Round(float64(elapsed) * s.cfg.Client.SpeedFactor))
	s.now += scaled
	s.relay.SetPaused(s.outage.active(s.now))

	begin := time.Now()
	err := s.sched.Update(scaled, elapsed)
	s.metrics.ObserveTick(time.Since(begin), s.sched.Len())
	return err
}

// steer gives every connected peer a new random velocity. Steering stops
// around a scheduled outage so no command reaches the relay after its turn
// has closed.
func (s *session) steer(time.Duration) error {
	margin := s.cfg.Client.LocalDelay
	if s.outage.For > 0 && s.now >= s.outage.At-margin && s.now < s.outage.At+s.outage.For+margin {
		return nil
	}
	var errs []error
	for _, p := range s.peers {
		if !p.client.Connected() {
			continue
		}
		cmd := game.MoveCommand{
			VX: p.rng.Int64N(2*maxSpeed+1) - maxSpeed,
			VY: p.rng.Int64N(2*maxSpeed+1) - maxSpeed,
		}
		if _, err := p.client.AddPendingCommand(cmd, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// verify compares peer checksums for every step all peers have reached.
func (s *session) verify() error {
	common := math.MaxInt
	for _, p := range s.peers {
		common = min(common, p.client.CurrentSimulationStep())
	}
	for step := s.verified + 1; step <= common; step++ {
		ref := s.peers[0].sums[step]
		for _, p := range s.peers[1:] {
			if p.sums[step] != ref {
				s.desyncs++
				s.log.Error(context.Background(), "peers diverged",
					logging.Int("step", step),
					logging.Uint8("reference", s.peers[0].player),
					logging.Player(p.player),
				)
				break
			}
		}
		for _, p := range s.peers {
			delete(p.sums, step)
		}
		s.verified = step
	}
	return nil
}

func (s *session) status() error {
	for _, p := range s.peers {
		st := p.client.Stats()
		s.log.Info(context.Background(), "peer status",
			logging.Player(p.player),
			logging.Int("step", p.client.CurrentSimulationStep()),
			logging.Int("turn", p.client.CurrentTurnNumber()),
			logging.Int("turn_buffer", p.client.TurnBuffer()),
			logging.Bool("connected", p.client.Connected()),
			logging.Int("disconnects", st.Disconnects),
		)
	}
	return nil
}

// peerSummary is the end-of-run view of one peer.
type peerSummary struct {
	Player   uint8
	Steps    int
	Checksum uint64
	Stats    lockstep.Stats
}

type summary struct {
	Elapsed  time.Duration
	Verified int
	Desyncs  int
	Relay    loopback.Stats
	Peers    []peerSummary
}

func (s *session) summary() summary {
	out := summary{
		Elapsed:  s.now,
		Verified: s.verified,
		Desyncs:  s.desyncs,
		Relay:    s.relay.Stats(),
	}
	for _, p := range s.peers {
		out.Peers = append(out.Peers, peerSummary{
			Player:   p.player,
			Steps:    p.world.Steps(),
			Checksum: p.world.Checksum(),
			Stats:    p.client.Stats(),
		})
	}
	return out
}

// stop ends the session on every peer.
func (s *session) stop() error {
	var errs []error
	for _, p := range s.peers {
		errs = append(errs, p.client.Stop())
	}
	return errors.Join(errs...)
}
