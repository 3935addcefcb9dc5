// Package transport is the concrete body of the Transport and OSIface
// collaborators spec.md names but leaves unimplemented: UDP socket setup
// for BFD's three well-known ports, wire packet marshal/unmarshal (via
// internal/bfdcore), GTSM validation, and ifindex/local-MAC resolution.
//
// Grounded on the teacher's internal/netio package (Listener, rawsock,
// sender, receiver): the same listen/validate/demux/send shape, collapsed
// from per-peer sessions driving their own goroutines into feeding one
// bfdcore.Dispatcher, and from a connection-type switch (UDP/VXLAN/Geneve)
// down to UDP only (VXLAN/Geneve encapsulation is this spec's Non-goal).
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/nthop/corebfd/internal/bfdcore"
)

// Transport owns every socket the daemon holds: the three receive-side
// listeners (single-hop, multi-hop, echo) per address family actually in
// use, and one send-side socket per session. It implements both
// bfdcore.SocketOpener (ConfigApplier's seam) and bfdcore.Sender
// (Dispatcher's seam).
type Transport struct {
	logger     *slog.Logger
	dispatcher *bfdcore.Dispatcher
	table      *bfdcore.SessionTable
	ports      *SourcePortAllocator
	iface      OSIface
	observer   bfdcore.PacketObserver

	mu        sync.Mutex
	sendersShop map[bfdcore.ShopKey]*peerSender
	sendersMhop map[bfdcore.MhopKey]*peerSender
	listeners []*Listener
}

// New wires a Transport against the session table it will feed received
// packets into. The dispatcher is supplied afterward via SetDispatcher:
// bfdcore.NewDispatcher itself requires a Sender, and Transport is that
// Sender, so construction is necessarily two-phase (build Transport, build
// Dispatcher passing Transport as its Sender, hand the Dispatcher back).
// Listeners are opened lazily by Listen, by which point SetDispatcher must
// have been called.
func New(table *bfdcore.SessionTable, logger *slog.Logger) *Transport {
	return &Transport{
		logger:      logger.With(slog.String("component", "transport")),
		table:       table,
		ports:       NewSourcePortAllocator(),
		sendersShop: make(map[bfdcore.ShopKey]*peerSender),
		sendersMhop: make(map[bfdcore.MhopKey]*peerSender),
	}
}

// SetDispatcher completes Transport's construction; see New. Not safe to
// call concurrently with Listen.
func (t *Transport) SetDispatcher(dispatcher *bfdcore.Dispatcher) {
	t.dispatcher = dispatcher
}

// SetObserver wires the optional packet-metrics seam; nil (the default)
// disables the dropped-packet counter without affecting any other behavior.
func (t *Transport) SetObserver(observer bfdcore.PacketObserver) {
	t.observer = observer
}

// ListenConfig names the local addresses Listen should bind control and
// echo listeners to. A daemon typically calls this once per address
// family it serves (v4, v6).
type ListenConfig struct {
	Addr     netip.Addr
	IfName   string // "" binds every interface (common for a shared listener)
	MultiHop bool
	Echo     bool // open an echo listener (port 3785) on Addr instead of a control listener
}

// Listen opens one receive-side listener per cfg and runs its receive
// loop until ctx is cancelled. Listen blocks until every loop returns;
// run it from its own goroutine (cmd/corebfd's errgroup does this).
func (t *Transport) Listen(ctx context.Context, cfgs ...ListenConfig) error {
	var wg sync.WaitGroup

	for _, cfg := range cfgs {
		conn, err := t.openListenerConn(ctx, cfg)
		if err != nil {
			return fmt.Errorf("transport listen: %w", err)
		}
		ln := NewListener(conn, cfg.MultiHop)

		t.mu.Lock()
		t.listeners = append(t.listeners, ln)
		t.mu.Unlock()

		wg.Add(1)
		go func(ln *Listener, echo bool) {
			defer wg.Done()
			t.recvLoop(ctx, ln, echo)
		}(ln, cfg.Echo)
	}

	wg.Wait()
	return nil
}

func (t *Transport) openListenerConn(ctx context.Context, cfg ListenConfig) (PacketConn, error) {
	switch {
	case cfg.Echo:
		return NewEchoListener(ctx, cfg.Addr, cfg.IfName)
	case cfg.MultiHop:
		return NewMultiHopListener(ctx, cfg.Addr)
	default:
		return NewSingleHopListener(ctx, cfg.Addr, cfg.IfName)
	}
}

// recvLoop reads datagrams from ln until ctx is cancelled, routing control
// packets through demuxControl and echo packets through demuxEcho.
// Individual read/parse errors are logged and do not stop the loop.
func (t *Transport) recvLoop(ctx context.Context, ln *Listener, echo bool) {
	for {
		raw, meta, err := ln.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("recv error", slog.String("error", err.Error()))
			continue
		}

		var pkt bfdcore.ControlPacket
		if err := bfdcore.UnmarshalControlPacket(raw, &pkt); err != nil {
			t.logger.Debug("invalid BFD packet", slog.String("src", meta.SrcAddr.String()), slog.String("error", err.Error()))
			t.observeDropped(meta)
			continue
		}

		if echo {
			t.demuxEcho(&pkt, meta)
			continue
		}
		t.demuxControl(&pkt, meta, ln.multiHop)
	}
}

func (t *Transport) demuxControl(pkt *bfdcore.ControlPacket, meta PacketMeta, multiHop bool) {
	s, ok := t.table.FindForInbound(bfdcore.InboundQuery{
		HasPacket:         true,
		YourDiscriminator: pkt.YourDiscriminator,
		PeerState:         pkt.State,
		Peer:              meta.SrcAddr,
		Local:             meta.DstAddr,
		IsMhop:            multiHop,
	})
	if !ok {
		t.logger.Debug("no session for inbound packet", slog.String("src", meta.SrcAddr.String()))
		t.observeDropped(meta)
		return
	}
	t.dispatcher.OnRxPacket(s, pkt)
}

func (t *Transport) demuxEcho(pkt *bfdcore.ControlPacket, meta PacketMeta) {
	if pkt.MyDiscriminator == 0 {
		t.observeDropped(meta)
		return
	}
	s, ok := t.table.FindByDiscriminator(pkt.MyDiscriminator)
	if !ok {
		t.observeDropped(meta)
		return
	}
	t.dispatcher.OnEchoReply(s)
}

// observeDropped reports a packet that could not be parsed or demultiplexed
// to a session, labeled by the source/destination address it arrived on.
func (t *Transport) observeDropped(meta PacketMeta) {
	if t.observer != nil {
		t.observer.ObserveControlDropped(meta.SrcAddr, meta.DstAddr)
	}
}

// OpenPeerSocket implements bfdcore.SocketOpener: allocate a source port
// and open the session's dedicated send socket, resolving ifindex/local
// MAC along the way (spec 3.5, OSIface). The sender is keyed by the same
// shop/mhop identity ConfigApplier gives the Session (the discriminator
// itself isn't allocated until after this call returns), so SendControl/
// SendEcho can find it later from s.Shop/s.Mhop.
func (t *Transport) OpenPeerSocket(cfg bfdcore.PeerConfig) (io.Closer, bfdcore.PeerSocketInfo, error) {
	ifIndex, localMAC, err := t.iface.Resolve(cfg.LocalInterface)
	if err != nil {
		return nil, bfdcore.PeerSocketInfo{}, fmt.Errorf("open peer socket: %w", err)
	}

	sender, err := t.newPeerSender(context.Background(), senderConfig{
		localAddr: cfg.LocalAddress,
		peerAddr:  cfg.PeerAddress,
		ifName:    cfg.LocalInterface,
		multiHop:  cfg.MultiHop,
	})
	if err != nil {
		return nil, bfdcore.PeerSocketInfo{}, fmt.Errorf("open peer socket: %w", err)
	}

	t.mu.Lock()
	if cfg.MultiHop {
		key := bfdcore.MhopKey{Peer: cfg.PeerAddress, Local: cfg.LocalAddress, VRFName: cfg.VRFName}
		t.sendersMhop[key] = sender
	} else {
		key := bfdcore.ShopKey{Peer: cfg.PeerAddress, PortName: cfg.LocalInterface}
		t.sendersShop[key] = sender
	}
	t.mu.Unlock()

	info := bfdcore.PeerSocketInfo{IfIndex: ifIndex, LocalMAC: localMAC}
	return &boundSender{transport: t, sender: sender, cfg: cfg}, info, nil
}

// boundSender is the io.Closer ConfigApplier.create holds per session;
// Close deregisters the sender from Transport's lookup maps, releases its
// source port and closes its socket.
type boundSender struct {
	transport *Transport
	sender    *peerSender
	cfg       bfdcore.PeerConfig
}

func (b *boundSender) Close() error {
	b.transport.mu.Lock()
	if b.cfg.MultiHop {
		delete(b.transport.sendersMhop, bfdcore.MhopKey{Peer: b.cfg.PeerAddress, Local: b.cfg.LocalAddress, VRFName: b.cfg.VRFName})
	} else {
		delete(b.transport.sendersShop, bfdcore.ShopKey{Peer: b.cfg.PeerAddress, PortName: b.cfg.LocalInterface})
	}
	b.transport.mu.Unlock()

	b.transport.ports.Release(b.sender.srcPort)
	return b.sender.Close()
}

// SendControl implements bfdcore.Sender.
func (t *Transport) SendControl(s *bfdcore.Session, pkt *bfdcore.ControlPacket) error {
	sender, err := t.senderFor(s)
	if err != nil {
		return err
	}
	buf := make([]byte, bfdcore.HeaderSize)
	if _, err := bfdcore.MarshalControlPacket(pkt, buf); err != nil {
		return fmt.Errorf("send control: %w", err)
	}
	return sender.sendControl(buf)
}

// SendEcho implements bfdcore.Sender: an echo packet is a Control packet
// carrying the session's own discriminator as MyDiscriminator (RFC 9747
// Section 3), sent to the peer's echo port so it loops back unmodified.
func (t *Transport) SendEcho(s *bfdcore.Session) error {
	sender, err := t.senderFor(s)
	if err != nil {
		return err
	}
	pkt := bfdcore.ControlPacket{
		Version:         bfdcore.Version,
		State:           s.State,
		MyDiscriminator: s.LocalDiscr,
		DetectMult:      s.Timers.DetectMult,
		Length:          bfdcore.HeaderSize,
	}
	buf := make([]byte, bfdcore.HeaderSize)
	if _, err := bfdcore.MarshalControlPacket(&pkt, buf); err != nil {
		return fmt.Errorf("send echo: %w", err)
	}
	return sender.sendEcho(buf)
}

func (t *Transport) senderFor(s *bfdcore.Session) (*peerSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.MultiHop {
		if s.Mhop == nil {
			return nil, fmt.Errorf("send: multi-hop session missing key: %w", ErrSocketClosed)
		}
		if sender, ok := t.sendersMhop[*s.Mhop]; ok {
			return sender, nil
		}
	} else if s.Shop != nil {
		if sender, ok := t.sendersShop[*s.Shop]; ok {
			return sender, nil
		}
	}
	return nil, fmt.Errorf("send: no sender bound for discriminator %d: %w", s.LocalDiscr, ErrSocketClosed)
}
