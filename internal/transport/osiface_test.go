package transport_test

import (
	"net"
	"testing"

	"github.com/nthop/corebfd/internal/transport"
)

func TestOSIfaceResolveEmptyName(t *testing.T) {
	t.Parallel()

	var iface transport.OSIface
	ifIndex, mac, err := iface.Resolve("")
	if err != nil {
		t.Fatalf("resolve empty interface: unexpected error: %v", err)
	}
	if ifIndex != 0 || mac != nil {
		t.Errorf("resolve empty interface: got (%d, %v), want (0, nil)", ifIndex, mac)
	}
}

func TestOSIfaceResolveUnknownInterface(t *testing.T) {
	t.Parallel()

	var iface transport.OSIface
	_, _, err := iface.Resolve("corebfd-does-not-exist-0")
	if err == nil {
		t.Fatal("resolve unknown interface: expected error, got nil")
	}
}

func TestOSIfaceResolveLoopback(t *testing.T) {
	t.Parallel()

	lo, err := net.InterfaceByName("lo")
	if err != nil {
		t.Skipf("no loopback interface named lo on this host: %v", err)
	}

	var iface transport.OSIface
	ifIndex, _, err := iface.Resolve("lo")
	if err != nil {
		t.Fatalf("resolve lo: unexpected error: %v", err)
	}
	if ifIndex != lo.Index {
		t.Errorf("resolve lo: got ifindex %d, want %d", ifIndex, lo.Index)
	}
}
