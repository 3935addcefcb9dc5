package bfdcore_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/nthop/corebfd/internal/bfdcore"
)

func newShopSession(discr uint32, peer string, port string) *bfdcore.Session {
	return &bfdcore.Session{
		LocalDiscr: discr,
		Shop:       &bfdcore.ShopKey{Peer: netip.MustParseAddr(peer), PortName: port},
	}
}

func newMhopSession(discr uint32, peer, local, vrf string) *bfdcore.Session {
	return &bfdcore.Session{
		LocalDiscr: discr,
		MultiHop:   true,
		Mhop: &bfdcore.MhopKey{
			Peer: netip.MustParseAddr(peer), Local: netip.MustParseAddr(local), VRFName: vrf,
		},
	}
}

func TestSessionTableInsertAndFind(t *testing.T) {
	t.Parallel()

	tbl := bfdcore.NewSessionTable()
	s := newShopSession(1, "10.0.0.2", "eth0")

	if err := tbl.Insert(s); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok := tbl.FindByDiscriminator(1)
	if !ok || got != s {
		t.Fatalf("FindByDiscriminator(1) = %v, %v", got, ok)
	}

	got, ok = tbl.FindShop(bfdcore.ShopKey{Peer: netip.MustParseAddr("10.0.0.2"), PortName: "eth0"})
	if !ok || got != s {
		t.Fatalf("FindShop exact = %v, %v", got, ok)
	}
}

// TestSessionTableShopFallback verifies the port-optional retry rule of
// spec 4.1: a miss on (peer,port) retries (peer,"").
func TestSessionTableShopFallback(t *testing.T) {
	t.Parallel()

	tbl := bfdcore.NewSessionTable()
	s := newShopSession(1, "10.0.0.2", "")
	if err := tbl.Insert(s); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok := tbl.FindShop(bfdcore.ShopKey{Peer: netip.MustParseAddr("10.0.0.2"), PortName: "eth1"})
	if !ok || got != s {
		t.Fatalf("fallback FindShop = %v, %v", got, ok)
	}
}

func TestSessionTableMhop(t *testing.T) {
	t.Parallel()

	tbl := bfdcore.NewSessionTable()
	s := newMhopSession(1, "10.0.0.2", "10.0.0.1", "vrf-red")
	if err := tbl.Insert(s); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok := tbl.FindMhop(bfdcore.MhopKey{
		Peer: netip.MustParseAddr("10.0.0.2"), Local: netip.MustParseAddr("10.0.0.1"), VRFName: "vrf-red",
	})
	if !ok || got != s {
		t.Fatalf("FindMhop = %v, %v", got, ok)
	}
}

func TestSessionTableInsertDuplicateDiscriminator(t *testing.T) {
	t.Parallel()

	tbl := bfdcore.NewSessionTable()
	if err := tbl.Insert(newShopSession(1, "10.0.0.2", "eth0")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := tbl.Insert(newShopSession(1, "10.0.0.3", "eth1"))
	if !errors.Is(err, bfdcore.ErrDiscriminatorExists) {
		t.Fatalf("expected ErrDiscriminatorExists, got %v", err)
	}
}

func TestSessionTableInsertDuplicateShopKey(t *testing.T) {
	t.Parallel()

	tbl := bfdcore.NewSessionTable()
	if err := tbl.Insert(newShopSession(1, "10.0.0.2", "eth0")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := tbl.Insert(newShopSession(2, "10.0.0.2", "eth0"))
	if !errors.Is(err, bfdcore.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestSessionTableRemove(t *testing.T) {
	t.Parallel()

	tbl := bfdcore.NewSessionTable()
	s := newShopSession(1, "10.0.0.2", "eth0")
	if err := tbl.Insert(s); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tbl.Remove(s)

	if _, ok := tbl.FindByDiscriminator(1); ok {
		t.Error("discriminator index still has removed session")
	}
	if _, ok := tbl.FindShop(bfdcore.ShopKey{Peer: netip.MustParseAddr("10.0.0.2"), PortName: "eth0"}); ok {
		t.Error("shop index still has removed session")
	}
	if tbl.Len() != 0 {
		t.Errorf("table length = %d, want 0", tbl.Len())
	}

	// Idempotent.
	tbl.Remove(s)
}

func TestSessionTableLabelOneToOne(t *testing.T) {
	t.Parallel()

	tbl := bfdcore.NewSessionTable()
	a := newShopSession(1, "10.0.0.2", "eth0")
	b := newShopSession(2, "10.0.0.3", "eth0")
	if err := tbl.Insert(a); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if err := tbl.Insert(b); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	if err := tbl.PLNew("L", a); err != nil {
		t.Fatalf("PLNew a: %v", err)
	}
	if err := tbl.PLNew("L", b); err == nil {
		t.Fatal("expected PLNew to refuse a label already bound to a different session")
	}

	got, ok := tbl.PLFind("L")
	if !ok || got != a {
		t.Fatalf("PLFind(L) = %v, %v, want a", got, ok)
	}

	tbl.PLFree("L")
	if _, ok := tbl.PLFind("L"); ok {
		t.Error("label still bound after PLFree")
	}
}

func TestSessionTableFindForInboundByDiscriminator(t *testing.T) {
	t.Parallel()

	tbl := bfdcore.NewSessionTable()
	s := newShopSession(7, "10.0.0.2", "eth0")
	if err := tbl.Insert(s); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok := tbl.FindForInbound(bfdcore.InboundQuery{
		HasPacket:         true,
		YourDiscriminator: 7,
		PeerState:         bfdcore.StateUp,
		Peer:              netip.MustParseAddr("10.0.0.2"),
	})
	if !ok || got != s {
		t.Fatalf("FindForInbound by discriminator = %v, %v", got, ok)
	}

	// Wrong peer address must not match even with the right discriminator.
	_, ok = tbl.FindForInbound(bfdcore.InboundQuery{
		HasPacket:         true,
		YourDiscriminator: 7,
		PeerState:         bfdcore.StateUp,
		Peer:              netip.MustParseAddr("10.0.0.9"),
	})
	if ok {
		t.Fatal("FindForInbound matched despite peer address mismatch")
	}
}

func TestSessionTableFindForInboundFallsBackToKeyWhenDown(t *testing.T) {
	t.Parallel()

	tbl := bfdcore.NewSessionTable()
	s := newShopSession(7, "10.0.0.2", "eth0")
	if err := tbl.Insert(s); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok := tbl.FindForInbound(bfdcore.InboundQuery{
		HasPacket:         true,
		YourDiscriminator: 0,
		PeerState:         bfdcore.StateDown,
		Peer:              netip.MustParseAddr("10.0.0.2"),
		PortName:          "eth0",
	})
	if !ok || got != s {
		t.Fatalf("FindForInbound fallback = %v, %v", got, ok)
	}
}

func TestSessionTableFindForInboundNoMatchWhenNotDown(t *testing.T) {
	t.Parallel()

	tbl := bfdcore.NewSessionTable()

	_, ok := tbl.FindForInbound(bfdcore.InboundQuery{
		HasPacket:         true,
		YourDiscriminator: 0,
		PeerState:         bfdcore.StateUp,
		Peer:              netip.MustParseAddr("10.0.0.2"),
	})
	if ok {
		t.Fatal("expected no match for zero YourDiscriminator with non-Down/AdminDown state")
	}
}
