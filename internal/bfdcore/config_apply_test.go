package bfdcore_test

import (
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/nthop/corebfd/internal/bfdcore"
)

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error { f.closed = true; return nil }

type fakeSocketOpener struct {
	opened []bfdcore.PeerConfig
	fail   bool
}

func (f *fakeSocketOpener) OpenPeerSocket(cfg bfdcore.PeerConfig) (io.Closer, bfdcore.PeerSocketInfo, error) {
	if f.fail {
		return nil, bfdcore.PeerSocketInfo{}, errors.New("no socket available")
	}
	f.opened = append(f.opened, cfg)
	return &fakeCloser{}, bfdcore.PeerSocketInfo{}, nil
}

type recordingNotifier struct {
	statuses []bfdcore.PeerStatusEvent
	configs  []bfdcore.PeerConfigEvent
	slas     []bfdcore.PeerSLAEvent
}

func (r *recordingNotifier) NotifyPeerStatus(e bfdcore.PeerStatusEvent) { r.statuses = append(r.statuses, e) }
func (r *recordingNotifier) NotifyPeerConfig(e bfdcore.PeerConfigEvent) { r.configs = append(r.configs, e) }
func (r *recordingNotifier) NotifyPeerSLA(e bfdcore.PeerSLAEvent)       { r.slas = append(r.slas, e) }

func newApplier() (*bfdcore.ConfigApplier, *bfdcore.SessionTable, *fakeSocketOpener, *recordingNotifier) {
	table := bfdcore.NewSessionTable()
	discr := bfdcore.NewDiscriminatorAllocator()
	timers := bfdcore.NewTimerWheel(nil, make(chan bfdcore.TimerEvent, 16))
	sockets := &fakeSocketOpener{}
	notify := &recordingNotifier{}
	return bfdcore.NewConfigApplier(table, discr, timers, sockets, notify), table, sockets, notify
}

func TestConfigApplierCreatesSession(t *testing.T) {
	t.Parallel()

	applier, _, sockets, notify := newApplier()
	cfg := bfdcore.PeerConfig{
		PeerAddress:    netip.MustParseAddr("10.0.0.2"),
		LocalAddress:   netip.MustParseAddr("10.0.0.1"),
		LocalInterface: "eth0",
		DetectMultiplier: 3,
		TransmitIntervalMS: 300,
		ReceiveIntervalMS:  300,
	}

	s, _, err := applier.Apply(cfg)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if s.State != bfdcore.StateDown {
		t.Errorf("new session state = %v, want Down", s.State)
	}
	if s.LocalDiscr == 0 {
		t.Error("expected a nonzero discriminator")
	}
	if len(sockets.opened) != 1 {
		t.Errorf("expected one socket opened, got %d", len(sockets.opened))
	}
	if len(notify.configs) != 1 || notify.configs[0].Op != bfdcore.OpConfigAdd {
		t.Errorf("expected one config-add notify, got %+v", notify.configs)
	}
}

// TestConfigApplierDuplicateLabelRefusal covers scenario S4.
func TestConfigApplierDuplicateLabelRefusal(t *testing.T) {
	t.Parallel()

	applier, table, _, _ := newApplier()

	a, _, err := applier.Apply(bfdcore.PeerConfig{
		PeerAddress:    netip.MustParseAddr("10.0.0.2"),
		LocalInterface: "eth0",
		Label:          "L",
	})
	if err != nil {
		t.Fatalf("create A: %v", err)
	}

	_, _, err = applier.Apply(bfdcore.PeerConfig{
		PeerAddress:    netip.MustParseAddr("10.0.0.3"),
		LocalInterface: "eth0",
		Label:          "L",
	})
	if !errors.Is(err, bfdcore.ErrInvalidConfig) {
		t.Fatalf("create B with duplicate label: err = %v, want ErrInvalidConfig", err)
	}

	if a.Label != "L" {
		t.Errorf("session A label mutated: %q", a.Label)
	}
	if _, ok := table.FindShop(bfdcore.ShopKey{Peer: netip.MustParseAddr("10.0.0.3"), PortName: "eth0"}); ok {
		t.Error("session B should not have been created")
	}
}

// TestConfigApplierCreateOnlyCollision covers scenario S5.
func TestConfigApplierCreateOnlyCollision(t *testing.T) {
	t.Parallel()

	applier, _, _, _ := newApplier()
	cfg := bfdcore.PeerConfig{
		PeerAddress:    netip.MustParseAddr("10.0.0.2"),
		LocalInterface: "eth0",
	}

	a, _, err := applier.Apply(cfg)
	if err != nil {
		t.Fatalf("create A: %v", err)
	}

	collision := cfg
	collision.CreateOnly = true
	collision.TransmitIntervalMS = 999
	_, _, err = applier.Apply(collision)
	if !errors.Is(err, bfdcore.ErrExists) {
		t.Fatalf("create-only collision: err = %v, want ErrExists", err)
	}
	if a.Timers.UpMinTx.Milliseconds() == 999 {
		t.Error("session A was mutated by the refused create-only request")
	}
}

func TestConfigApplierShutdownForcesAdminDownAndDisarmsTimers(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	timers := bfdcore.NewTimerWheel(clock, make(chan bfdcore.TimerEvent, 16))
	notify := &recordingNotifier{}
	applier := bfdcore.NewConfigApplier(bfdcore.NewSessionTable(), bfdcore.NewDiscriminatorAllocator(), timers, &fakeSocketOpener{}, notify)
	cfg := bfdcore.PeerConfig{
		PeerAddress:    netip.MustParseAddr("10.0.0.2"),
		LocalInterface: "eth0",
	}
	s, _, err := applier.Apply(cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.State = bfdcore.StateUp

	cfg.Shutdown = true
	_, _, err = applier.Apply(cfg)
	if err != nil {
		t.Fatalf("apply shutdown: %v", err)
	}

	if s.State != bfdcore.StateAdminDown {
		t.Errorf("state = %v, want AdminDown", s.State)
	}
	if !s.Shutdown {
		t.Error("Shutdown flag not set")
	}
	if s.LocalDiag != bfdcore.DiagAdminDown {
		t.Errorf("LocalDiag = %v, want AdminDown", s.LocalDiag)
	}

	found := false
	for _, e := range notify.statuses {
		if e.State == "AdminDown" {
			found = true
		}
	}
	if !found {
		t.Error("expected a peer-status notify for the AdminDown transition")
	}

	for i, ft := range clock.timers {
		if !ft.stopped {
			t.Errorf("timer %d still armed after shutdown", i)
		}
	}
}

func TestConfigApplierDelete(t *testing.T) {
	t.Parallel()

	applier, table, _, notify := newApplier()
	cfg := bfdcore.PeerConfig{
		PeerAddress:    netip.MustParseAddr("10.0.0.2"),
		LocalInterface: "eth0",
	}
	if _, _, err := applier.Apply(cfg); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := applier.Delete(cfg); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := table.FindShop(bfdcore.ShopKey{Peer: cfg.PeerAddress, PortName: cfg.LocalInterface}); ok {
		t.Error("session still present after delete")
	}

	last := notify.configs[len(notify.configs)-1]
	if last.Op != bfdcore.OpConfigDelete {
		t.Errorf("last notify op = %v, want OpConfigDelete", last.Op)
	}
}

func TestConfigApplierDeleteRefusesWhenRefCountBusy(t *testing.T) {
	t.Parallel()

	applier, _, _, _ := newApplier()
	cfg := bfdcore.PeerConfig{
		PeerAddress:    netip.MustParseAddr("10.0.0.2"),
		LocalInterface: "eth0",
	}
	s, _, err := applier.Apply(cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.RefCount = 1

	if err := applier.Delete(cfg); !errors.Is(err, bfdcore.ErrRefcountBusy) {
		t.Fatalf("Delete with refcount busy: err = %v, want ErrRefcountBusy", err)
	}
}
