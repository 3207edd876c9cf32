package lockstep

import (
	"fmt"
	"time"
)

// CommandKind tags a family of commands. Command logic is registered per kind.
type CommandKind string

// Command is an opaque player action applied at an agreed simulation instant.
type Command interface {
	Kind() CommandKind
}

// CommandLogic mutates game state for one kind of command.
type CommandLogic interface {
	Apply(cmd Command, player uint8) error
}

// CommandLogicFunc adapts a function to CommandLogic.
type CommandLogicFunc func(cmd Command, player uint8) error

// Apply implements CommandLogic.
func (f CommandLogicFunc) Apply(cmd Command, player uint8) error { return f(cmd, player) }

// FinishFunc is called exactly once for every command handed to the client,
// after the command was applied or when it was resolved without applying.
type FinishFunc func(cmd Command, player uint8) error

// PendingCommand is a command waiting for its deadline.
type PendingCommand struct {
	Command Command
	Finish  FinishFunc
	// Player is the player that issued the command.
	Player uint8
	// Local marks commands issued by this client.
	Local bool
	// Deadline is the command time at which the command applies.
	Deadline time.Duration
	// Seq orders commands added by the same client.
	Seq uint64
}

// CommandError reports a failed Apply or Finish for a pending command.
type CommandError struct {
	Pending *PendingCommand
	Stage   string // apply | finish
	Err     error
}

func (e *CommandError) Error() string {
	kind := CommandKind("")
	if e.Pending != nil && e.Pending.Command != nil {
		kind = e.Pending.Command.Kind()
	}
	return fmt.Sprintf("command %q %s: %v", kind, e.Stage, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// commandQueue holds per-client command logic and the pending FIFO.
type commandQueue struct {
	logic   map[CommandKind]CommandLogic
	pending []*PendingCommand
	seq     uint64
}

func newCommandQueue() *commandQueue {
	return &commandQueue{logic: make(map[CommandKind]CommandLogic)}
}

func (q *commandQueue) register(kind CommandKind, logic CommandLogic) error {
	if kind == "" {
		return fmt.Errorf("%w: empty command kind", ErrInvalidCommandLogic)
	}
	if logic == nil {
		return fmt.Errorf("%w: nil logic for kind %q", ErrInvalidCommandLogic, kind)
	}
	q.logic[kind] = logic
	return nil
}

func (q *commandQueue) lookup(kind CommandKind) (CommandLogic, bool) {
	l, ok := q.logic[kind]
	return l, ok
}

func (q *commandQueue) push(pc *PendingCommand) {
	q.seq++
	pc.Seq = q.seq
	q.pending = append(q.pending, pc)
}

// takeDue removes and returns, in enqueue order, every command whose deadline
// is at or before now.
func (q *commandQueue) takeDue(now time.Duration) []*PendingCommand {
	var due []*PendingCommand
	remaining := q.pending[:0:0]
	for _, pc := range q.pending {
		if pc.Deadline <= now {
			due = append(due, pc)
		} else {
			remaining = append(remaining, pc)
		}
	}
	q.pending = remaining
	return due
}

// takeAll removes and returns every pending command.
func (q *commandQueue) takeAll() []*PendingCommand {
	all := q.pending
	q.pending = nil
	return all
}

func (q *commandQueue) len() int { return len(q.pending) }
