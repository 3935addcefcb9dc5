package transport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
)

// SourcePortAllocator hands out ephemeral source ports in the RFC 5881
// Section 4 range (49152-65535) for BFD sender sockets.
type SourcePortAllocator struct {
	mu       sync.Mutex
	inUse    map[uint16]struct{}
	portSpan int
}

func NewSourcePortAllocator() *SourcePortAllocator {
	return &SourcePortAllocator{
		inUse:    make(map[uint16]struct{}),
		portSpan: int(sourcePortMax) - int(sourcePortMin) + 1,
	}
}

// Allocate returns an unused port, probing from a random offset so
// successive allocations are not predictable.
func (a *SourcePortAllocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.inUse) >= a.portSpan {
		return 0, fmt.Errorf("allocate source port: %w", ErrPortExhausted)
	}

	offset := rand.IntN(a.portSpan)
	for i := range a.portSpan {
		//nolint:gosec // G115: (offset+i)%portSpan is always in [0, 16383].
		port := sourcePortMin + uint16((offset+i)%a.portSpan)
		if _, used := a.inUse[port]; !used {
			a.inUse[port] = struct{}{}
			return port, nil
		}
	}
	return 0, fmt.Errorf("allocate source port: %w", ErrPortExhausted)
}

// Release returns port to the available pool. A no-op for an unallocated port.
func (a *SourcePortAllocator) Release(port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// portWriter is a PacketConn that can also target a destination port other
// than the one it was constructed with; a peerSender uses it to send both
// control packets (3784/4784) and echo packets (3785) from one socket.
type portWriter interface {
	PacketConn
	WriteToPort(buf []byte, dst netip.Addr, port uint16) error
}

// peerSender is one UDP socket dedicated to a single session's transmit
// path: a fixed local (ephemeral) port, a fixed peer address, and the
// control-port/echo-port pair that address to it.
type peerSender struct {
	conn    portWriter
	dstAddr netip.Addr
	srcPort uint16
	dstPort uint16
}

func (t *Transport) newPeerSender(ctx context.Context, cfg senderConfig) (*peerSender, error) {
	srcPort, err := t.ports.Allocate()
	if err != nil {
		return nil, err
	}

	dstPort := PortSingleHop
	if cfg.multiHop {
		dstPort = PortMultiHop
	}

	conn, err := newSenderSocket(ctx, cfg.localAddr, srcPort, cfg.ifName, cfg.multiHop, dstPort)
	if err != nil {
		t.ports.Release(srcPort)
		return nil, fmt.Errorf("open peer sender: %w", err)
	}

	return &peerSender{
		conn:    conn,
		dstAddr: cfg.peerAddr,
		srcPort: srcPort,
		dstPort: dstPort,
	}, nil
}

type senderConfig struct {
	localAddr netip.Addr
	peerAddr  netip.Addr
	ifName    string
	multiHop  bool
}

// sendControl writes a marshaled control packet to the peer's control port.
func (s *peerSender) sendControl(buf []byte) error {
	return s.conn.WritePacket(buf, s.dstAddr)
}

// sendEcho writes a marshaled echo packet to the peer's echo port (RFC
// 9747 Section 3), from the same socket used for control traffic.
func (s *peerSender) sendEcho(buf []byte) error {
	return s.conn.WriteToPort(buf, s.dstAddr, PortEcho)
}

// Close closes the sender's socket. The source port is released by
// boundSender.Close, the io.Closer ConfigApplier holds for the session.
func (s *peerSender) Close() error {
	return s.conn.Close()
}
