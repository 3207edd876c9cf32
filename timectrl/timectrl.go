package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is an interface for reading the current time. Components that need
// wall-clock cadence (the update scheduler's real-time items) depend on this
// abstraction so tests can substitute a fake.
type SimClock interface {
	// Now returns the current time.
	Now() time.Time
}

// WallClock is a SimClock backed by time.Now.
type WallClock struct{}

// Now implements SimClock.
func (WallClock) Now() time.Time { return time.Now() }

// Mode describes how the TimeController produces frames.
type Mode int

const (
	// RealTime emits one frame per Tick of wall-clock time and reports the
	// measured wall-clock delta, so frame lengths jitter like a real host loop.
	RealTime Mode = iota
	// Accelerated emits frames back to back, each exactly Tick long.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// Listener receives every frame: the frame's end time and its elapsed length.
type Listener func(now time.Time, elapsed time.Duration)

// TimeController is the host driver: it produces frames and hands each
// frame's elapsed time to registered listeners, in registration order, on a
// single goroutine. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	frames      uint64

	listeners []Listener
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the controller's current time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the controller's notion of now without emitting a frame.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// Frames returns how many frames have been emitted.
func (tc *TimeController) Frames() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.frames
}

// AddListener registers a callback invoked on every frame. Listeners must be
// registered before Start.
func (tc *TimeController) AddListener(fn Listener) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Step emits a single frame of the given length synchronously and returns the
// new current time. Negative lengths are treated as zero.
func (tc *TimeController) Step(elapsed time.Duration) time.Time {
	if elapsed < 0 {
		elapsed = 0
	}

	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(elapsed)
	tc.frames++
	now := tc.currentTime
	listeners := tc.listeners
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now, elapsed)
	}
	return now
}

// Start runs the controller in a separate goroutine until ctx is cancelled or
// duration worth of frames has been emitted (duration <= 0 runs until ctx is
// done). It returns a channel that is closed when the controller finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.SetTime(tc.StartTime)
		elapsed := time.Duration(0)

		switch tc.Mode {
		case Accelerated:
			for duration <= 0 || elapsed < duration {
				if ctx.Err() != nil {
					return
				}
				tc.Step(tc.Tick)
				elapsed += tc.Tick
			}
		default:
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()

			last := time.Now()
			for duration <= 0 || elapsed < duration {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					frame := now.Sub(last)
					last = now
					tc.Step(frame)
					elapsed += frame
				}
			}
		}
	}()
	return done
}
