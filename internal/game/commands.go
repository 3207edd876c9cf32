package game

import (
	"fmt"

	"github.com/signalsfoundry/lockstep-client/lockstep"
)

// Command kinds handled by World.
const (
	KindSpawn lockstep.CommandKind = "spawn"
	KindMove  lockstep.CommandKind = "move"
)

// SpawnCommand places the issuing player's unit at X, Y.
type SpawnCommand struct {
	X, Y int64
}

func (SpawnCommand) Kind() lockstep.CommandKind { return KindSpawn }

// MoveCommand sets the issuing player's unit velocity.
type MoveCommand struct {
	VX, VY int64
}

func (MoveCommand) Kind() lockstep.CommandKind { return KindMove }

func (w *World) applySpawn(cmd lockstep.Command, player uint8) error {
	spawn, ok := cmd.(SpawnCommand)
	if !ok {
		return fmt.Errorf("spawn: unexpected command %T", cmd)
	}
	return w.Spawn(player, spawn.X, spawn.Y)
}

func (w *World) applyMove(cmd lockstep.Command, player uint8) error {
	move, ok := cmd.(MoveCommand)
	if !ok {
		return fmt.Errorf("move: unexpected command %T", cmd)
	}
	return w.SetVelocity(player, move.VX, move.VY)
}
