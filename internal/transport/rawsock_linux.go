//go:build linux

package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// oobSize accommodates the largest control message set this package reads:
// IPv4 IP_PKTINFO (28B) + IP_TTL (16B) = 44B; IPv6 IPV6_PKTINFO (36B) +
// IPV6_HOPLIMIT (16B) = 52B. Rounded up for alignment safety.
const oobSize = 64

// LinuxPacketConn wraps a *net.UDPConn configured with the socket options
// RFC 5881/5883/5082 require: TTL/hop-limit 255 on send, ancillary
// TTL/hop-limit and packet-info on receive, and (single-hop only)
// SO_BINDTODEVICE.
type LinuxPacketConn struct {
	conn    *net.UDPConn
	dstPort uint16 // port WritePacket targets; irrelevant for receive-only listeners
}

// NewSingleHopListener binds port 3784 to ifName (RFC 5881 Section 4).
func NewSingleHopListener(ctx context.Context, addr netip.Addr, ifName string) (*LinuxPacketConn, error) {
	return newListener(ctx, netip.AddrPortFrom(addr, PortSingleHop), ifName, false, PortSingleHop)
}

// NewMultiHopListener binds port 4784 without interface binding (RFC 5883
// Section 2: multi-hop sessions are not tied to one link).
func NewMultiHopListener(ctx context.Context, addr netip.Addr) (*LinuxPacketConn, error) {
	return newListener(ctx, netip.AddrPortFrom(addr, PortMultiHop), "", true, PortMultiHop)
}

// NewEchoListener binds port 3785 (RFC 9747 Section 3) to ifName.
func NewEchoListener(ctx context.Context, addr netip.Addr, ifName string) (*LinuxPacketConn, error) {
	return newListener(ctx, netip.AddrPortFrom(addr, PortEcho), ifName, false, PortEcho)
}

func newListener(ctx context.Context, laddr netip.AddrPort, ifName string, multiHop bool, dstPort uint16) (*LinuxPacketConn, error) {
	conn, err := listenUDP(ctx, laddr, ifName, multiHop)
	if err != nil {
		return nil, err
	}
	return &LinuxPacketConn{conn: conn, dstPort: dstPort}, nil
}

// newSenderSocket binds a send-only socket to localAddr:srcPort with the
// same TTL/hop-limit options a listener gets, plus an optional
// SO_BINDTODEVICE for single-hop sessions pinned to one interface. dstPort
// is the fixed destination port every WritePacket call targets.
func newSenderSocket(ctx context.Context, localAddr netip.Addr, srcPort uint16, ifName string, multiHop bool, dstPort uint16) (*LinuxPacketConn, error) {
	conn, err := listenUDP(ctx, netip.AddrPortFrom(localAddr, srcPort), ifName, multiHop)
	if err != nil {
		return nil, err
	}
	return &LinuxPacketConn{conn: conn, dstPort: dstPort}, nil
}

// ReadPacket reads one datagram and its TTL/PKTINFO ancillary data.
func (c *LinuxPacketConn) ReadPacket(buf []byte) (int, PacketMeta, error) {
	oob := make([]byte, oobSize)
	n, oobn, _, src, err := c.conn.ReadMsgUDPAddrPort(buf, oob)
	if err != nil {
		return 0, PacketMeta{}, fmt.Errorf("read packet: %w", err)
	}
	meta := parseMeta(src, oob[:oobn])
	return n, meta, nil
}

// WritePacket sends buf to dst on this connection's fixed destination port.
func (c *LinuxPacketConn) WritePacket(buf []byte, dst netip.Addr) error {
	return c.WriteToPort(buf, dst, c.dstPort)
}

// WriteToPort sends buf to dst:port, overriding the connection's default
// destination port. A peer sender uses this to target the control port
// (3784/4784) and the echo port (3785) from the same source socket.
func (c *LinuxPacketConn) WriteToPort(buf []byte, dst netip.Addr, port uint16) error {
	_, err := c.conn.WriteToUDPAddrPort(buf, netip.AddrPortFrom(dst, port))
	if err != nil {
		return fmt.Errorf("write packet to %s:%d: %w", dst, port, err)
	}
	return nil
}

func (c *LinuxPacketConn) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close packet conn: %w", err)
	}
	return nil
}

func (c *LinuxPacketConn) LocalAddr() netip.AddrPort {
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// listenUDP creates and configures a UDP socket with BFD-required options,
// auto-detecting IPv4 vs IPv6 from the bind address.
func listenUDP(ctx context.Context, laddr netip.AddrPort, ifName string, multiHop bool) (*net.UDPConn, error) {
	isIPv6 := laddr.Addr().Is6() && !laddr.Addr().Is4In6()

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setSocketOpts(c, ifName, multiHop, isIPv6)
		},
	}

	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}

	pc, err := lc.ListenPacket(ctx, network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", laddr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("listen UDP %s: %w: %w", laddr, ErrUnexpectedConn, closeErr)
	}
	return conn, nil
}

func setSocketOpts(c syscall.RawConn, ifName string, multiHop, isIPv6 bool) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		if isIPv6 {
			sockErr = applySockOptsV6(intFD, ifName, multiHop)
		} else {
			sockErr = applySockOptsV4(intFD, ifName, multiHop)
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

func applySockOptsCommon(fd int, ifName string, multiHop bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	// RFC 5881 Section 4: single-hop sessions bind to one interface.
	if !multiHop && ifName != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName); err != nil {
			return fmt.Errorf("set SO_BINDTODEVICE(%s): %w", ifName, err)
		}
	}
	return nil
}

func applySockOptsV4(fd int, ifName string, multiHop bool) error {
	if err := applySockOptsCommon(fd, ifName, multiHop); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, int(ttlRequired)); err != nil {
		return fmt.Errorf("set IP_TTL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVTTL, 1); err != nil {
		return fmt.Errorf("set IP_RECVTTL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
		return fmt.Errorf("set IP_PKTINFO: %w", err)
	}
	return nil
}

func applySockOptsV6(fd int, ifName string, multiHop bool) error {
	if err := applySockOptsCommon(fd, ifName, multiHop); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, int(ttlRequired)); err != nil {
		return fmt.Errorf("set IPV6_UNICAST_HOPS: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVHOPLIMIT, 1); err != nil {
		return fmt.Errorf("set IPV6_RECVHOPLIMIT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
		return fmt.Errorf("set IPV6_RECVPKTINFO: %w", err)
	}
	return nil
}

// parseMeta extracts transport metadata from the source address and
// out-of-band ancillary data.
func parseMeta(src netip.AddrPort, oob []byte) PacketMeta {
	meta := PacketMeta{SrcAddr: src.Addr().Unmap()}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return meta
	}
	for i := range msgs {
		switch {
		case msgs[i].Header.Level == unix.IPPROTO_IP && msgs[i].Header.Type == unix.IP_TTL:
			parseTTLMessage(msgs[i].Data, &meta)
		case msgs[i].Header.Level == unix.IPPROTO_IP && msgs[i].Header.Type == unix.IP_PKTINFO:
			parsePktInfoMessage(msgs[i].Data, &meta)
		case msgs[i].Header.Level == unix.IPPROTO_IPV6 && msgs[i].Header.Type == unix.IPV6_HOPLIMIT:
			parseHopLimitMessage(msgs[i].Data, &meta)
		case msgs[i].Header.Level == unix.IPPROTO_IPV6 && msgs[i].Header.Type == unix.IPV6_PKTINFO:
			parsePktInfo6Message(msgs[i].Data, &meta)
		}
	}
	return meta
}

func parseTTLMessage(data []byte, meta *PacketMeta) {
	if len(data) >= 1 {
		meta.TTL = data[0]
	}
}

// parsePktInfoMessage extracts ifindex/dest address from a 12-byte
// struct in_pktinfo (ifindex int32 native-endian, then two in_addr).
func parsePktInfoMessage(data []byte, meta *PacketMeta) {
	const pktInfoSize = 12
	if len(data) < pktInfoSize {
		return
	}
	ifIdx := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	meta.IfIndex = int(ifIdx)
	var ip4 [4]byte
	copy(ip4[:], data[8:12])
	meta.DstAddr = netip.AddrFrom4(ip4)
}

func parseHopLimitMessage(data []byte, meta *PacketMeta) {
	if len(data) >= 1 {
		meta.TTL = data[0]
	}
}

// parsePktInfo6Message extracts ifindex/dest address from a 20-byte
// struct in6_pktinfo (address first, then ifindex native-endian).
func parsePktInfo6Message(data []byte, meta *PacketMeta) {
	const pktInfo6Size = 20
	if len(data) < pktInfo6Size {
		return
	}
	var ip6 [16]byte
	copy(ip6[:], data[0:16])
	meta.DstAddr = netip.AddrFrom16(ip6)
	ifIdx := uint32(data[16]) | uint32(data[17])<<8 | uint32(data[18])<<16 | uint32(data[19])<<24
	meta.IfIndex = int(ifIdx)
}
