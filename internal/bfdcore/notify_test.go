package bfdcore_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/nthop/corebfd/internal/bfdcore"
)

func TestNotifyOutPublishDelivers(t *testing.T) {
	t.Parallel()

	n := bfdcore.NewNotifyOut()
	ch := n.Subscribe()

	n.NotifyPeerSLA(bfdcore.PeerSLAEvent{Op: bfdcore.OpPeerSLAUpdate, LocalDiscr: 7})

	select {
	case got := <-ch:
		e, ok := got.(bfdcore.PeerSLAEvent)
		if !ok {
			t.Fatalf("got %T, want PeerSLAEvent", got)
		}
		if e.LocalDiscr != 7 {
			t.Errorf("LocalDiscr = %d, want 7", e.LocalDiscr)
		}
	default:
		t.Fatal("expected an event, got none")
	}
}

func TestNotifyOutUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	n := bfdcore.NewNotifyOut()
	ch := n.Subscribe()
	n.Unsubscribe(ch)

	n.NotifyPeerStatus(bfdcore.PeerStatusEvent{Op: bfdcore.OpPeerStatus})

	if _, ok := <-ch; ok {
		t.Error("expected channel closed with no event, got a value")
	}
}

func TestNotifyOutFanOutToMultipleSubscribers(t *testing.T) {
	t.Parallel()

	n := bfdcore.NewNotifyOut()
	a := n.Subscribe()
	b := n.Subscribe()

	n.NotifyPeerConfig(bfdcore.PeerConfigEvent{Op: bfdcore.OpConfigAdd})

	for _, ch := range []<-chan any{a, b} {
		select {
		case <-ch:
		default:
			t.Error("expected event on every subscriber")
		}
	}
}

func TestPeerStatusEventForComputesElapsedSeconds(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	s := &bfdcore.Session{
		State:      bfdcore.StateUp,
		LocalDiscr: 1,
		Shop:       &bfdcore.ShopKey{Peer: netip.MustParseAddr("10.0.0.2"), PortName: "eth0"},
		Uptime:     now.Add(-5 * time.Second),
	}

	e := bfdcore.PeerStatusEventFor(s, now)

	if e.UptimeSeconds != 5 {
		t.Errorf("UptimeSeconds = %v, want 5", e.UptimeSeconds)
	}
	if e.Identity.PeerAddress != s.Shop.Peer {
		t.Errorf("Identity.PeerAddress = %v, want %v", e.Identity.PeerAddress, s.Shop.Peer)
	}
}

func TestPeerConfigDeleteEventForIsIdentityOnly(t *testing.T) {
	t.Parallel()

	s := &bfdcore.Session{
		Label:  "L",
		Mhop:   &bfdcore.MhopKey{Peer: netip.MustParseAddr("10.0.0.2"), Local: netip.MustParseAddr("10.0.0.1"), VRFName: "default"},
		Timers: bfdcore.SessionTimers{DetectMult: 3, UpMinTx: 300 * time.Millisecond},
	}

	e := bfdcore.PeerConfigDeleteEventFor(s)

	if e.Op != bfdcore.OpConfigDelete {
		t.Errorf("Op = %v, want OpConfigDelete", e.Op)
	}
	if e.DesiredMinTxMS != 0 || e.DetectMultiplier != 0 {
		t.Errorf("expected delete event to carry no negotiated fields, got %+v", e)
	}
	if e.Identity.Label != "L" || e.Identity.VRFName != "default" {
		t.Errorf("Identity = %+v, want label L, vrf default", e.Identity)
	}
}
