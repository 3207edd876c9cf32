package lockstep

import "time"

// ConfirmedTurn certifies that one command step's inputs are final for every
// player. The client only counts turns; Payload is for the transport.
type ConfirmedTurn struct {
	Payload any
}

// turnBuffer is the FIFO of confirmed turns not yet consumed.
type turnBuffer struct {
	turns []ConfirmedTurn
	head  int
}

func (b *turnBuffer) push(t ConfirmedTurn) {
	b.turns = append(b.turns, t)
}

func (b *turnBuffer) pop() (ConfirmedTurn, bool) {
	if b.head >= len(b.turns) {
		return ConfirmedTurn{}, false
	}
	t := b.turns[b.head]
	b.turns[b.head] = ConfirmedTurn{}
	b.head++
	if b.head == len(b.turns) {
		b.turns = b.turns[:0]
		b.head = 0
	}
	return t, true
}

func (b *turnBuffer) len() int { return len(b.turns) - b.head }

func (b *turnBuffer) clear() {
	b.turns = nil
	b.head = 0
}

// connectionMonitor derives connection health from how many turns have
// arrived since Start relative to the command steps virtual time has covered.
type connectionMonitor struct {
	connected     bool
	turnsReceived int
	// disconnectedAt is the virtual time of the last disconnect.
	disconnectedAt time.Duration
}

// requiredTurns is the number of confirmed turns needed to authorise virtual
// time now.
func requiredTurns(now, commandStep time.Duration) int {
	if now <= 0 {
		return 0
	}
	return int(now / commandStep)
}

// Stats summarises a Start cycle.
type Stats struct {
	Disconnects      int
	DisconnectedTime time.Duration

	TurnsReceived     int
	TurnsConsumed     int
	LowestTurnBuffer  int
	HighestTurnBuffer int
	AverageTurnBuffer float64

	SimulationSteps int
	CommandSteps    int
	CommandsApplied int
	CommandsFailed  int
}

type statsTracker struct {
	Stats
	bufferSamples int
	bufferSum     int
}

func (s *statsTracker) reset() { *s = statsTracker{} }

func (s *statsTracker) sampleBuffer(n int) {
	if s.bufferSamples == 0 || n < s.LowestTurnBuffer {
		s.LowestTurnBuffer = n
	}
	if n > s.HighestTurnBuffer {
		s.HighestTurnBuffer = n
	}
	s.bufferSamples++
	s.bufferSum += n
	s.AverageTurnBuffer = float64(s.bufferSum) / float64(s.bufferSamples)
}
