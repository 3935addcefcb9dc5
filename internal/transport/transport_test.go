package transport_test

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/nthop/corebfd/internal/bfdcore"
	"github.com/nthop/corebfd/internal/transport"
)

// side bundles the collaborators one end of a single-hop session needs:
// its own SessionTable, Dispatcher and Transport, all sharing real loopback
// sockets with the peer side.
type side struct {
	table   *bfdcore.SessionTable
	notify  *bfdcore.NotifyOut
	xport   *transport.Transport
	session *bfdcore.Session
}

func newSide(t *testing.T, localAddr, peerAddr netip.Addr, discr uint32) *side {
	t.Helper()

	table := bfdcore.NewSessionTable()
	notify := bfdcore.NewNotifyOut()
	events := make(chan bfdcore.TimerEvent, 16)
	timers := bfdcore.NewTimerWheel(nil, events)
	logger := slog.New(slog.DiscardHandler)

	xport := transport.New(table, logger)
	dispatcher := bfdcore.NewDispatcher(table, timers, xport, notify, nil, nil)
	xport.SetDispatcher(dispatcher)

	s := &bfdcore.Session{
		LocalDiscr: discr,
		MultiHop:   false,
		LocalAddr:  localAddr,
		Shop:       &bfdcore.ShopKey{Peer: peerAddr, PortName: ""},
		State:      bfdcore.StateDown,
		Timers: bfdcore.SessionTimers{
			UpMinTx:       300 * time.Millisecond,
			RequiredMinRx: 300 * time.Millisecond,
			DetectMult:    3,
		},
	}
	if err := table.Insert(s); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	cfg := bfdcore.PeerConfig{
		PeerAddress:  peerAddr,
		LocalAddress: localAddr,
	}
	closer, info, err := xport.OpenPeerSocket(cfg)
	if err != nil {
		t.Fatalf("open peer socket: %v", err)
	}
	t.Cleanup(func() { closer.Close() })
	s.IfIndex = info.IfIndex

	return &side{table: table, notify: notify, xport: xport, session: s}
}

// TestTransportControlRoundTrip exercises the full receive path end to end
// over real loopback UDP sockets: GTSM TTL validation, demux by shop key,
// and the Dispatcher's Down -> Init transition on receipt of a Down-state
// control packet (RFC 5880 Section 6.8.6).
func TestTransportControlRoundTrip(t *testing.T) {
	t.Parallel()

	localA := netip.MustParseAddr("127.0.0.1")
	localB := netip.MustParseAddr("127.0.0.2")

	a := newSide(t, localA, localB, 0xAAAA0001)
	b := newSide(t, localB, localA, 0xBBBB0001)

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	listenerErrs := make(chan error, 2)
	go func() {
		listenerErrs <- b.xport.Listen(ctx, transport.ListenConfig{Addr: localB, MultiHop: false})
	}()
	// Give the listener goroutine time to bind before A sends.
	time.Sleep(50 * time.Millisecond)

	events := b.notify.Subscribe()
	defer b.notify.Unsubscribe(events)

	pkt := &bfdcore.ControlPacket{
		Version:               bfdcore.Version,
		State:                 bfdcore.StateDown,
		MyDiscriminator:       a.session.LocalDiscr,
		YourDiscriminator:     0,
		DetectMult:            3,
		DesiredMinTxInterval:  1_000_000,
		RequiredMinRxInterval: 1_000_000,
		Length:                bfdcore.HeaderSize,
	}
	if err := a.xport.SendControl(a.session, pkt); err != nil {
		t.Fatalf("send control: %v", err)
	}

	select {
	case ev := <-events:
		status, ok := ev.(bfdcore.PeerStatusEvent)
		if !ok {
			t.Fatalf("unexpected notify event type %T", ev)
		}
		if status.State != bfdcore.StateInit.String() {
			t.Errorf("peer-status event: got state %q, want %q", status.State, bfdcore.StateInit.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer-status notify event")
	}

	if b.session.State != bfdcore.StateInit {
		t.Errorf("session B state: got %v, want %v", b.session.State, bfdcore.StateInit)
	}
	if b.session.RemoteDiscr != a.session.LocalDiscr {
		t.Errorf("session B remote discriminator: got %d, want %d", b.session.RemoteDiscr, a.session.LocalDiscr)
	}

	cancel()
	<-listenerErrs
}
