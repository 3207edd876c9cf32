// Package scheduler drives periodic work from a single external tick.
//
// Items are invoked in registration order. Plain items run every tick;
// interval items accumulate their time source and run at most once per tick
// when a full interval has elapsed, carrying the remainder forward. Items
// added or removed while a tick is running take effect on the next tick.
//
// A failing item never stops the tick: errors and panics are collected and
// returned once, as a single *AggregateError, after every item has run.
package scheduler

import (
	"context"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/signalsfoundry/lockstep-client/internal/logging"
	"github.com/signalsfoundry/lockstep-client/timectrl"
)

// Mode selects the time source an item's interval is measured against.
type Mode int

const (
	// GameTimeUnscaled uses the unscaled delta passed to Update.
	GameTimeUnscaled Mode = iota
	// GameTimeScaled uses the scaled delta passed to Update, so pausing or
	// slowing game time pauses or slows the item.
	GameTimeScaled
	// RealTime measures wall-clock time between ticks and ignores both deltas.
	RealTime
)

func (m Mode) String() string {
	switch m {
	case GameTimeUnscaled:
		return "game_unscaled"
	case GameTimeScaled:
		return "game_scaled"
	case RealTime:
		return "realtime"
	default:
		return "unknown"
	}
}

// Updateable is invoked without a delta.
type Updateable interface {
	Update() error
}

// DeltaUpdateable is invoked with the delta (or interval) that triggered it.
type DeltaUpdateable interface {
	Update(elapsed time.Duration) error
}

type funcUpdateable struct{ fn func() error }

func (f *funcUpdateable) Update() error { return f.fn() }

type deltaFuncUpdateable struct{ fn func(time.Duration) error }

func (f *deltaFuncUpdateable) Update(elapsed time.Duration) error { return f.fn(elapsed) }

// Func adapts fn to an Updateable. Keep the returned value to Remove it later.
func Func(fn func() error) Updateable {
	return &funcUpdateable{fn: fn}
}

// DeltaFunc adapts fn to a DeltaUpdateable. Keep the returned value to Remove
// it later.
func DeltaFunc(fn func(time.Duration) error) DeltaUpdateable {
	return &deltaFuncUpdateable{fn: fn}
}

// AddOption customises how an item is scheduled.
type AddOption func(*addOptions)

type addOptions struct {
	mode     Mode
	interval time.Duration
}

// WithMode selects the item's time source. Defaults to GameTimeUnscaled.
func WithMode(m Mode) AddOption {
	return func(o *addOptions) { o.mode = m }
}

// WithInterval makes the item run once per interval of its time source.
// Intervals <= 0 run the item every tick.
func WithInterval(d time.Duration) AddOption {
	return func(o *addOptions) { o.interval = d }
}

// Option customises Scheduler construction.
type Option func(*Scheduler)

// WithClock sets the clock used by RealTime items. Defaults to the wall clock.
func WithClock(c timectrl.SimClock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger attaches a logger that records item failures at debug level.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// Scheduler is a cooperative registry of updateable items. It is not safe for
// concurrent use; all calls are expected on the host's tick goroutine.
type Scheduler struct {
	clock timectrl.SimClock
	log   logging.Logger

	elements *orderedmap.OrderedMap[any, *handler]
	toAdd    *orderedmap.OrderedMap[any, *handler]
	toRemove *orderedmap.OrderedMap[any, struct{}]
	dirty    bool

	deltas   [RealTime + 1]time.Duration
	lastReal time.Time

	onError []func(error)
	errs    ErrorCollector
}

// New constructs an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    timectrl.WallClock{},
		log:      logging.Noop(),
		elements: orderedmap.NewOrderedMap[any, *handler](),
		toAdd:    orderedmap.NewOrderedMap[any, *handler](),
		toRemove: orderedmap.NewOrderedMap[any, struct{}](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnError registers a callback invoked once per individual failure, as it
// happens, before the aggregated error is returned from Update.
func (s *Scheduler) OnError(fn func(error)) {
	if fn != nil {
		s.onError = append(s.onError, fn)
	}
}

// Add schedules an Updateable. Adding an item that is already scheduled
// replaces its configuration.
func (s *Scheduler) Add(u Updateable, opts ...AddOption) {
	if u == nil {
		return
	}
	o := buildOptions(opts)
	s.doAdd(u, &handler{
		mode:  o.mode,
		timer: newTimer(o.interval),
		invoke: func(time.Duration) error {
			return u.Update()
		},
	})
}

// AddDelta schedules a DeltaUpdateable. Adding an item that is already
// scheduled replaces its configuration.
func (s *Scheduler) AddDelta(u DeltaUpdateable, opts ...AddOption) {
	if u == nil {
		return
	}
	o := buildOptions(opts)
	s.doAdd(u, &handler{
		mode:   o.mode,
		timer:  newTimer(o.interval),
		invoke: u.Update,
	})
}

func buildOptions(opts []AddOption) addOptions {
	o := addOptions{mode: GameTimeUnscaled}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mode < GameTimeUnscaled || o.mode > RealTime {
		o.mode = GameTimeUnscaled
	}
	return o
}

func (s *Scheduler) doAdd(key any, h *handler) {
	s.toRemove.Delete(key)
	s.toAdd.Set(key, h)
	s.dirty = true
}

// Remove unschedules an item. Removing an unknown item is a no-op.
func (s *Scheduler) Remove(item any) {
	if item == nil {
		return
	}
	s.toAdd.Delete(item)
	s.toRemove.Set(item, struct{}{})
	s.dirty = true
}

// Contains reports whether item is scheduled, including pending changes.
func (s *Scheduler) Contains(item any) bool {
	if item == nil {
		return false
	}
	if s.dirty {
		if _, ok := s.toRemove.Get(item); ok {
			return false
		}
		if _, ok := s.toAdd.Get(item); ok {
			return true
		}
	}
	_, ok := s.elements.Get(item)
	return ok
}

// Len returns the number of scheduled items, including pending changes.
func (s *Scheduler) Len() int {
	n := s.elements.Len()
	for el := s.toAdd.Front(); el != nil; el = el.Next() {
		if _, ok := s.elements.Get(el.Key); !ok {
			n++
		}
	}
	for el := s.toRemove.Front(); el != nil; el = el.Next() {
		if _, ok := s.elements.Get(el.Key); ok {
			n--
		}
	}
	return n
}

// Update runs one tick. scaled is the game-time delta after time scaling,
// unscaled the raw frame delta.
func (s *Scheduler) Update(scaled, unscaled time.Duration) error {
	s.synchronize()
	s.errs.Reset()

	s.updateSources(scaled, unscaled)
	for el := s.elements.Front(); el != nil; el = el.Next() {
		if _, removed := s.toRemove.Get(el.Key); removed {
			continue
		}
		h := el.Value
		err := Call(func() error {
			return h.run(s.deltas[h.mode])
		})
		if s.errs.Add(err) {
			s.log.Debug(context.Background(), "scheduled item failed", logging.Err(err))
			for _, fn := range s.onError {
				fn(err)
			}
		}
	}

	s.synchronize()
	return s.errs.Err()
}

func (s *Scheduler) updateSources(scaled, unscaled time.Duration) {
	s.deltas[GameTimeScaled] = scaled
	s.deltas[GameTimeUnscaled] = unscaled

	now := s.clock.Now()
	if s.lastReal.IsZero() {
		s.lastReal = now
	}
	wall := now.Sub(s.lastReal)
	if wall < 0 {
		wall = 0
	}
	s.deltas[RealTime] = wall
	s.lastReal = now
}

func (s *Scheduler) synchronize() {
	if !s.dirty {
		return
	}
	for el := s.toRemove.Front(); el != nil; el = el.Next() {
		s.elements.Delete(el.Key)
	}
	s.toRemove = orderedmap.NewOrderedMap[any, struct{}]()

	for el := s.toAdd.Front(); el != nil; el = el.Next() {
		s.elements.Set(el.Key, el.Value)
	}
	s.toAdd = orderedmap.NewOrderedMap[any, *handler]()

	s.dirty = false
}

type handler struct {
	mode   Mode
	timer  timer
	invoke func(time.Duration) error
}

func (h *handler) run(delta time.Duration) error {
	interval, ok := h.timer.step(delta)
	if !ok {
		return nil
	}
	return h.invoke(interval)
}

// timer decides whether an item fires for a given delta, and with which
// elapsed value.
type timer interface {
	step(delta time.Duration) (time.Duration, bool)
}

func newTimer(interval time.Duration) timer {
	if interval <= 0 {
		return continuousTimer{}
	}
	return &fixedTimer{interval: interval}
}

type continuousTimer struct{}

func (continuousTimer) step(delta time.Duration) (time.Duration, bool) {
	return delta, true
}

type fixedTimer struct {
	interval time.Duration
	current  time.Duration
}

func (t *fixedTimer) step(delta time.Duration) (time.Duration, bool) {
	t.current += delta
	if t.current < t.interval {
		return 0, false
	}
	t.current -= t.interval
	return t.interval, true
}
