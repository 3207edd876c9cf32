package loopback

import "time"

type inFlight[T any] struct {
	at  time.Duration
	msg T
}

// link is a one-way FIFO channel. A message never overtakes an earlier one,
// so jitter only ever delays delivery.
type link[T any] struct {
	queue []inFlight[T]
	last  time.Duration
}

func (l *link[T]) send(at time.Duration, msg T) {
	at = max(at, l.last)
	l.last = at
	l.queue = append(l.queue, inFlight[T]{at: at, msg: msg})
}

// receive pops every message due at or before now.
func (l *link[T]) receive(now time.Duration) []T {
	n := 0
	for n < len(l.queue) && l.queue[n].at <= now {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = l.queue[i].msg
	}
	l.queue = append(l.queue[:0], l.queue[n:]...)
	return out
}

func (l *link[T]) reset() {
	l.queue = nil
	l.last = 0
}
