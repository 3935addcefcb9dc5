package bfdcore_test

import (
	"testing"
	"time"

	"github.com/nthop/corebfd/internal/bfdcore"
)

// fakeTimer is a manually-fired stand-in for *time.Timer.
type fakeTimer struct {
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	wasRunning := !f.stopped
	f.stopped = true
	return wasRunning
}

func (f *fakeTimer) Reset(time.Duration) bool { return true }

func (f *fakeTimer) fire() {
	if !f.stopped {
		f.fn()
	}
}

type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) bfdcore.StoppableTimer {
	ft := &fakeTimer{fn: f}
	c.timers = append(c.timers, ft)
	return ft
}

func TestTimerWheelFiresEvent(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	events := make(chan bfdcore.TimerEvent, 4)
	wheel := bfdcore.NewTimerWheel(clock, events)

	wheel.Update(7, bfdcore.TimerTx, time.Second)
	if len(clock.timers) != 1 {
		t.Fatalf("expected 1 armed timer, got %d", len(clock.timers))
	}

	clock.timers[0].fire()

	select {
	case ev := <-events:
		if ev.Discr != 7 || ev.Name != bfdcore.TimerTx {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected a timer event, got none")
	}
}

// TestTimerWheelDeleteSuppressesStaleFire verifies a timer that already
// fired at the OS level before Delete ran does not produce an event.
func TestTimerWheelDeleteSuppressesStaleFire(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	events := make(chan bfdcore.TimerEvent, 4)
	wheel := bfdcore.NewTimerWheel(clock, events)

	wheel.Update(7, bfdcore.TimerTx, time.Second)
	fired := clock.timers[0]

	wheel.Delete(7, bfdcore.TimerTx)
	fired.fire()

	select {
	case ev := <-events:
		t.Fatalf("expected no event after delete, got %+v", ev)
	default:
	}
}

// TestTimerWheelUpdateInvalidatesPriorGeneration verifies that rearming a
// timer suppresses any in-flight fire from the timer it replaced.
func TestTimerWheelUpdateInvalidatesPriorGeneration(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	events := make(chan bfdcore.TimerEvent, 4)
	wheel := bfdcore.NewTimerWheel(clock, events)

	wheel.Update(7, bfdcore.TimerTx, time.Second)
	stale := clock.timers[0]

	wheel.Update(7, bfdcore.TimerTx, 2*time.Second)
	fresh := clock.timers[1]

	stale.fire()
	select {
	case ev := <-events:
		t.Fatalf("expected stale fire to be suppressed, got %+v", ev)
	default:
	}

	fresh.fire()
	select {
	case ev := <-events:
		if ev.Discr != 7 {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected the fresh timer's fire to produce an event")
	}
}

func TestTimerWheelUpdateZeroDisarms(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	events := make(chan bfdcore.TimerEvent, 4)
	wheel := bfdcore.NewTimerWheel(clock, events)

	wheel.Update(7, bfdcore.TimerEchoTx, time.Second)
	wheel.Update(7, bfdcore.TimerEchoTx, 0)

	if !clock.timers[0].stopped {
		t.Error("expected original timer to be stopped when disarmed")
	}
}

func TestTimerWheelDeleteAll(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	events := make(chan bfdcore.TimerEvent, 4)
	wheel := bfdcore.NewTimerWheel(clock, events)

	wheel.Update(7, bfdcore.TimerTx, time.Second)
	wheel.Update(7, bfdcore.TimerRx, time.Second)
	wheel.Update(7, bfdcore.TimerEchoTx, time.Second)

	wheel.DeleteAll(7)

	for _, ft := range clock.timers {
		if !ft.stopped {
			t.Error("expected all timers to be stopped after DeleteAll")
		}
	}
}
