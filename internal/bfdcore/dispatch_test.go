package bfdcore_test

import (
	"testing"
	"time"

	"github.com/nthop/corebfd/internal/bfdcore"
)

type fakeSender struct {
	sent []bfdcore.ControlPacket
	echo int
}

func (f *fakeSender) SendControl(_ *bfdcore.Session, pkt *bfdcore.ControlPacket) error {
	f.sent = append(f.sent, *pkt)
	return nil
}

func (f *fakeSender) SendEcho(_ *bfdcore.Session) error {
	f.echo++
	return nil
}

func newDispatcher() (*bfdcore.Dispatcher, *fakeClock, *fakeSender, *recordingNotifier) {
	clock := &fakeClock{}
	sender := &fakeSender{}
	notify := &recordingNotifier{}
	events := make(chan bfdcore.TimerEvent, 16)
	timers := bfdcore.NewTimerWheel(clock, events)
	d := bfdcore.NewDispatcher(bfdcore.NewSessionTable(), timers, sender, notify, bfdcore.NewSlaMeter(), clock)
	return d, clock, sender, notify
}

// TestDispatcherBringUp covers scenario S1: Down, on receiving a Down-state
// packet, moves to Init and learns the remote discriminator; on receiving an
// Init-state packet, moves to Up, fires a peer-status notify, and carries
// the Poll bit on the reply.
func TestDispatcherBringUp(t *testing.T) {
	t.Parallel()

	d, _, sender, notify := newDispatcher()
	s := &bfdcore.Session{
		LocalDiscr: 1,
		State:      bfdcore.StateDown,
		Timers: bfdcore.SessionTimers{
			UpMinTx:       300 * time.Millisecond,
			RequiredMinRx: 300 * time.Millisecond,
			DetectMult:    3,
		},
	}

	d.OnRxPacket(s, &bfdcore.ControlPacket{
		State:                 bfdcore.StateDown,
		MyDiscriminator:       0x77,
		YourDiscriminator:     0,
		DetectMult:            3,
		DesiredMinTxInterval:  1_000_000,
		RequiredMinRxInterval: 1_000_000,
	})
	if s.State != bfdcore.StateInit {
		t.Fatalf("state after Down-state packet = %v, want Init", s.State)
	}
	if s.RemoteDiscr != 0x77 {
		t.Errorf("RemoteDiscr = %#x, want 0x77", s.RemoteDiscr)
	}

	d.OnRxPacket(s, &bfdcore.ControlPacket{
		State:                 bfdcore.StateInit,
		MyDiscriminator:       0x77,
		YourDiscriminator:     s.LocalDiscr,
		DetectMult:            3,
		DesiredMinTxInterval:  300_000,
		RequiredMinRxInterval: 300_000,
	})
	if s.State != bfdcore.StateUp {
		t.Fatalf("state after Init-state packet = %v, want Up", s.State)
	}
	if !s.Polling {
		t.Error("expected Polling set on entering Up")
	}

	found := false
	for _, e := range notify.statuses {
		if e.State == "Up" {
			found = true
		}
	}
	if !found {
		t.Error("expected a peer-status notify with state=Up")
	}

	if len(sender.sent) == 0 {
		t.Fatal("expected at least one control packet sent")
	}
	last := sender.sent[len(sender.sent)-1]
	if !last.Poll {
		t.Error("expected the Poll bit set on the post-Up transmit")
	}
}

// TestDispatcherTimeoutToDown covers scenario S2: a detect-timer expiry
// while Up drives the session to Down with DiagControlTimeExpired and
// zeroes the remote discriminator.
func TestDispatcherTimeoutToDown(t *testing.T) {
	t.Parallel()

	d, _, _, notify := newDispatcher()
	s := &bfdcore.Session{
		LocalDiscr:  1,
		State:       bfdcore.StateUp,
		RemoteDiscr: 0x77,
		Timers:      bfdcore.SessionTimers{DetectMult: 3},
		Remote:      bfdcore.RemoteState{DetectMult: 3, RequiredMinRx: 300 * time.Millisecond},
	}

	d.OnRxTimeout(s)

	if s.State != bfdcore.StateDown {
		t.Fatalf("state = %v, want Down", s.State)
	}
	if s.LocalDiag != bfdcore.DiagControlTimeExpired {
		t.Errorf("LocalDiag = %v, want ControlTimeExpired", s.LocalDiag)
	}
	if s.RemoteDiscr != 0 {
		t.Errorf("RemoteDiscr = %#x, want 0", s.RemoteDiscr)
	}

	found := false
	for _, e := range notify.statuses {
		if e.State == "Down" {
			found = true
		}
	}
	if !found {
		t.Error("expected a peer-status notify with state=Down")
	}
}

// TestDispatcherSecondConsecutiveDownExpiryZeroesRemoteDiscr covers the
// "second consecutive expiry while already Down" rule (spec 4.2): the
// first expiry while Down just restarts the cycle, the second zeroes
// RemoteDiscr.
func TestDispatcherSecondConsecutiveDownExpiryZeroesRemoteDiscr(t *testing.T) {
	t.Parallel()

	d, _, _, _ := newDispatcher()
	s := &bfdcore.Session{
		LocalDiscr:  1,
		State:       bfdcore.StateDown,
		RemoteDiscr: 0x77,
	}

	d.OnRxTimeout(s)
	if s.RemoteDiscr != 0x77 {
		t.Fatalf("RemoteDiscr after first Down expiry = %#x, want unchanged 0x77", s.RemoteDiscr)
	}

	d.OnRxTimeout(s)
	if s.RemoteDiscr != 0 {
		t.Errorf("RemoteDiscr after second Down expiry = %#x, want 0", s.RemoteDiscr)
	}
}

// TestDispatcherExecuteLeftoverSendsControl covers scenario S3's tail end:
// the control packet ConfigApplier's shutdown path owes the peer is sent
// once the caller passes the leftover Actions through to the Dispatcher.
func TestDispatcherExecuteLeftoverSendsControl(t *testing.T) {
	t.Parallel()

	d, _, sender, _ := newDispatcher()
	s := &bfdcore.Session{LocalDiscr: 1, State: bfdcore.StateAdminDown, LocalDiag: bfdcore.DiagAdminDown}

	d.ExecuteLeftover(s, []bfdcore.Action{bfdcore.ActionSendControl})

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one control packet sent, got %d", len(sender.sent))
	}
	if sender.sent[0].State != bfdcore.StateAdminDown {
		t.Errorf("sent packet state = %v, want AdminDown", sender.sent[0].State)
	}
}

// TestDispatcherOnTxTimeoutSuppressesWhenRemoteMinRxZero covers RFC 5880
// Section 6.8.7's transmit-suppression rule (spec 4.2): never transmit
// while the peer has advertised a zero RequiredMinRxInterval.
func TestDispatcherOnTxTimeoutSuppressesWhenRemoteMinRxZero(t *testing.T) {
	t.Parallel()

	d, _, sender, _ := newDispatcher()
	s := &bfdcore.Session{LocalDiscr: 1, State: bfdcore.StateDown}

	d.OnTxTimeout(s)

	if len(sender.sent) != 0 {
		t.Errorf("expected no control packet sent with RemoteMinRx=0, got %d", len(sender.sent))
	}
}

// TestDispatcherOnEchoTxTimeoutSendsEchoAndReschedules verifies the echo
// transmit path increments the echo-sent counter and rearms echo_tx.
func TestDispatcherOnEchoTxTimeoutSendsEchoAndReschedules(t *testing.T) {
	t.Parallel()

	d, clock, sender, _ := newDispatcher()
	s := &bfdcore.Session{
		LocalDiscr: 1,
		State:      bfdcore.StateUp,
		EchoActive: true,
		Timers:     bfdcore.SessionTimers{RequiredMinEcho: 50 * time.Millisecond, DetectMult: 3},
	}

	d.OnEchoTxTimeout(s)

	if sender.echo != 1 {
		t.Errorf("echo sends = %d, want 1", sender.echo)
	}
	if s.Stats.TxEchoPkt != 1 {
		t.Errorf("TxEchoPkt = %d, want 1", s.Stats.TxEchoPkt)
	}
	if len(clock.timers) == 0 {
		t.Error("expected echo_tx timer to be rearmed")
	}
}
