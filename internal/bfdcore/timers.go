package bfdcore

import (
	"sync"
	"time"
)

// TimerName identifies one of the four timers a session carries.
type TimerName uint8

const (
	TimerTx TimerName = iota
	TimerRx
	TimerEchoTx
	TimerEchoRx
)

func (n TimerName) String() string {
	switch n {
	case TimerTx:
		return "tx"
	case TimerRx:
		return "rx"
	case TimerEchoTx:
		return "echo_tx"
	case TimerEchoRx:
		return "echo_rx"
	default:
		return "unknown"
	}
}

// TimerEvent is posted to the Dispatcher's event channel when a timer
// fires. Generation lets the dispatcher — or the wheel itself — discard
// an event for a timer that was deleted or rearmed after the underlying
// time.Timer already fired but before the callback ran.
type TimerEvent struct {
	Discr      uint32
	Name       TimerName
	Generation uint64
}

type timerKey struct {
	discr uint32
	name  TimerName
}

type timerEntry struct {
	timer      StoppableTimer
	generation uint64
}

// TimerWheel owns every per-session timer in the daemon. It is a thin,
// mutex-guarded registry over clock.AfterFunc rather than a literal
// hashed wheel: at daemon scale (tens of thousands of sessions, four
// timers each) a map of *time.Timer is the simplest thing that is
// correct, and it gives every timer an opaque (discr, name) handle that
// is validated against the registry at fire time instead of trusting a
// raw pointer capture — a timer callback for a session that was since
// deleted, or rearmed with a new generation, is silently dropped rather
// than corrupting a reused session slot.
type TimerWheel struct {
	clock   Clock
	eventCh chan<- TimerEvent

	mu      sync.Mutex
	entries map[timerKey]*timerEntry
}

// NewTimerWheel creates a TimerWheel that delivers fired-timer events to
// eventCh. eventCh should be read by the single Dispatcher goroutine that
// owns the SessionTable; the wheel itself performs no session mutation.
func NewTimerWheel(clock Clock, eventCh chan<- TimerEvent) *TimerWheel {
	if clock == nil {
		clock = SystemClock
	}
	return &TimerWheel{
		clock:   clock,
		eventCh: eventCh,
		entries: make(map[timerKey]*timerEntry),
	}
}

// Update (re)arms the named timer for discr to fire after d, replacing
// any previously armed timer of the same name. A zero or negative d
// disarms the timer without posting an event, matching the protocol's use
// of a zero interval to mean "stop sending."
func (w *TimerWheel) Update(discr uint32, name TimerName, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := timerKey{discr: discr, name: name}
	entry, ok := w.entries[key]
	if !ok {
		entry = &timerEntry{}
		w.entries[key] = entry
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.generation++
	gen := entry.generation

	if d <= 0 {
		entry.timer = nil
		return
	}

	entry.timer = w.clock.AfterFunc(d, func() {
		w.fire(key, gen)
	})
}

func (w *TimerWheel) fire(key timerKey, gen uint64) {
	w.mu.Lock()
	entry, ok := w.entries[key]
	stale := !ok || entry.generation != gen
	w.mu.Unlock()

	if stale {
		return
	}

	select {
	case w.eventCh <- TimerEvent{Discr: key.discr, Name: key.name, Generation: gen}:
	default:
		// The dispatcher channel is unbuffered-or-full under load; a
		// dropped timer-fired event just means the session's next
		// timer (or the next received packet) drives it instead. A
		// blocking send here would stall the firing goroutine pool
		// and risk deadlocking against the dispatcher.
	}
}

// Delete disarms and forgets the named timer for discr. Idempotent.
func (w *TimerWheel) Delete(discr uint32, name TimerName) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := timerKey{discr: discr, name: name}
	entry, ok := w.entries[key]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.generation++
	delete(w.entries, key)
}

// DeleteAll disarms and forgets every timer owned by discr, for session
// teardown.
func (w *TimerWheel) DeleteAll(discr uint32) {
	for _, name := range [...]TimerName{TimerTx, TimerRx, TimerEchoTx, TimerEchoRx} {
		w.Delete(discr, name)
	}
}
