// Package game is a small deterministic world driven by lockstep commands.
// Every player controls at most one unit. Positions integrate in integer
// millimetres so peers fed the same commands stay bit-identical.
package game

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/signalsfoundry/lockstep-client/lockstep"
	"github.com/yohamta/donburi"
	"github.com/zeebo/xxh3"
)

var (
	ErrAlreadySpawned = errors.New("unit already spawned")
	ErrNotSpawned     = errors.New("unit not spawned")
)

// DefaultBounds is the half-width of the square arena in millimetres.
const DefaultBounds int64 = 100_000

// Unit is a read-only view of one player's unit.
type Unit struct {
	Player   uint8
	Position PositionData
	Velocity VelocityData
}

// World holds the simulated units.
type World struct {
	world  donburi.World
	units  map[uint8]donburi.Entity
	bounds int64
	steps  int
}

// NewWorld returns an empty arena. Non-positive bounds select DefaultBounds.
func NewWorld(bounds int64) *World {
	if bounds <= 0 {
		bounds = DefaultBounds
	}
	return &World{
		world:  donburi.NewWorld(),
		units:  make(map[uint8]donburi.Entity),
		bounds: bounds,
	}
}

// Attach registers the world's command logic on client and subscribes it to
// simulation steps. The world is cleared whenever the client starts a new
// cycle. The returned func detaches the subscriptions.
func (w *World) Attach(client *lockstep.SimulationClient) (func(), error) {
	if err := client.RegisterCommandLogic(KindSpawn, lockstep.CommandLogicFunc(w.applySpawn)); err != nil {
		return nil, err
	}
	if err := client.RegisterCommandLogic(KindMove, lockstep.CommandLogicFunc(w.applyMove)); err != nil {
		return nil, err
	}
	offStarted := client.OnSimulationStarted(func() error {
		w.Reset()
		return nil
	})
	offSimulate := client.OnSimulate(w.Step)
	return func() {
		offStarted()
		offSimulate()
	}, nil
}

// Reset removes every unit and zeroes the step counter.
func (w *World) Reset() {
	for player, entity := range w.units {
		if w.world.Valid(entity) {
			w.world.Remove(entity)
		}
		delete(w.units, player)
	}
	w.steps = 0
}

// Spawn creates the unit for player.
func (w *World) Spawn(player uint8, x, y int64) error {
	if _, ok := w.units[player]; ok {
		return fmt.Errorf("player %d: %w", player, ErrAlreadySpawned)
	}
	entity := w.world.Create(Position, Velocity, Owner)
	entry := w.world.Entry(entity)
	Position.Set(entry, &PositionData{X: w.clamp(x), Y: w.clamp(y)})
	Owner.Set(entry, &OwnerData{Player: player})
	w.units[player] = entity
	return nil
}

// SetVelocity changes the velocity of player's unit.
func (w *World) SetVelocity(player uint8, vx, vy int64) error {
	entry, err := w.entry(player)
	if err != nil {
		return err
	}
	Velocity.Set(entry, &VelocityData{X: vx, Y: vy})
	return nil
}

// Step integrates every unit over dt, reflecting off the arena walls.
func (w *World) Step(dt time.Duration) error {
	w.steps++
	ms := dt.Milliseconds()
	for _, player := range w.players() {
		entry, err := w.entry(player)
		if err != nil {
			return err
		}
		pos := Position.Get(entry)
		vel := Velocity.Get(entry)
		pos.X, vel.X = w.reflect(pos.X+vel.X*ms/1000, vel.X)
		pos.Y, vel.Y = w.reflect(pos.Y+vel.Y*ms/1000, vel.Y)
	}
	return nil
}

// Steps is the number of simulation steps integrated since the last Reset.
func (w *World) Steps() int { return w.steps }

// Len is the number of spawned units.
func (w *World) Len() int { return len(w.units) }

// Unit returns the unit owned by player.
func (w *World) Unit(player uint8) (Unit, bool) {
	entry, err := w.entry(player)
	if err != nil {
		return Unit{}, false
	}
	return Unit{
		Player:   Owner.Get(entry).Player,
		Position: *Position.Get(entry),
		Velocity: *Velocity.Get(entry),
	}, true
}

// Checksum hashes the step counter and every unit in player order.
func (w *World) Checksum() uint64 {
	buf := make([]byte, 0, 8+len(w.units)*33)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(w.steps))
	for _, player := range w.players() {
		u, ok := w.Unit(player)
		if !ok {
			continue
		}
		buf = append(buf, u.Player)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(u.Position.X))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(u.Position.Y))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(u.Velocity.X))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(u.Velocity.Y))
	}
	return xxh3.Hash(buf)
}

func (w *World) entry(player uint8) (*donburi.Entry, error) {
	entity, ok := w.units[player]
	if !ok || !w.world.Valid(entity) {
		return nil, fmt.Errorf("player %d: %w", player, ErrNotSpawned)
	}
	return w.world.Entry(entity), nil
}

func (w *World) players() []uint8 {
	players := make([]uint8, 0, len(w.units))
	for p := range w.units {
		players = append(players, p)
	}
	slices.Sort(players)
	return players
}

func (w *World) reflect(p, v int64) (int64, int64) {
	switch {
	case p > w.bounds:
		return w.clamp(2*w.bounds - p), -v
	case p < -w.bounds:
		return w.clamp(-2*w.bounds - p), -v
	}
	return p, v
}

func (w *World) clamp(p int64) int64 {
	return min(max(p, -w.bounds), w.bounds)
}
