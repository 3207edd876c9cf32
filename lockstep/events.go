package lockstep

import "time"

// handlerList is an ordered list of subscribers. Removal is by the function
// returned from add, so identical closures can be subscribed twice.
type handlerList[F any] struct {
	nextID  uint64
	entries []handlerEntry[F]
}

type handlerEntry[F any] struct {
	id uint64
	fn F
}

func (l *handlerList[F]) add(fn F) func() {
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, handlerEntry[F]{id: id, fn: fn})
	return func() { l.remove(id) }
}

func (l *handlerList[F]) remove(id uint64) {
	for i, e := range l.entries {
		if e.id == id {
			entries := make([]handlerEntry[F], 0, len(l.entries)-1)
			entries = append(entries, l.entries[:i]...)
			entries = append(entries, l.entries[i+1:]...)
			l.entries = entries
			return
		}
	}
}

// snapshot returns the current subscribers. Subscribing or unsubscribing
// while a notification is being delivered affects the next notification.
func (l *handlerList[F]) snapshot() []F {
	out := make([]F, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.fn
	}
	return out
}

func (l *handlerList[F]) len() int { return len(l.entries) }

// OnSimulationStarted subscribes to the first simulated instant of every
// Start cycle. The returned function unsubscribes.
func (c *SimulationClient) OnSimulationStarted(fn func() error) func() {
	return c.onStarted.add(fn)
}

// OnSimulationRecovered subscribes to the end of catch-up. It fires once per
// Start cycle, after the first Update that ends connected with no capped
// simulation steps left over.
func (c *SimulationClient) OnSimulationRecovered(fn func() error) func() {
	return c.onRecovered.add(fn)
}

// OnSimulate subscribes to simulation steps. fn receives the fixed step
// duration.
func (c *SimulationClient) OnSimulate(fn func(dt time.Duration) error) func() {
	return c.onSimulate.add(fn)
}

// OnStateChanged subscribes to Connected/Disconnected transitions.
func (c *SimulationClient) OnStateChanged(fn func(connected bool) error) func() {
	return c.onStateChanged.add(fn)
}

// OnCommandAdded subscribes to accepted pending commands. A client with at
// least one subscriber is networked: command boundaries wait for confirmed
// turns.
func (c *SimulationClient) OnCommandAdded(fn func(pc *PendingCommand) error) func() {
	return c.onCommandAdded.add(fn)
}

// OnTurnApplied subscribes to confirmed turns as they are consumed, after the
// commands due at that boundary were applied.
func (c *SimulationClient) OnTurnApplied(fn func(turn ConfirmedTurn) error) func() {
	return c.onTurnApplied.add(fn)
}

// OnCommandFailed subscribes to command Apply or Finish failures.
func (c *SimulationClient) OnCommandFailed(fn func(err error, pc *PendingCommand)) func() {
	return c.onCommandFailed.add(fn)
}
