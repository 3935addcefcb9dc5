package bfdcore

import (
	"net"
	"net/netip"
	"time"
)

// Process-wide protocol defaults (RFC 5880 Section 6.8.3 and common
// convention), expressed as time.Duration rather than raw microsecond
// constants so every consumer works in one unit.
const (
	DefDesiredMinTx  = 300 * time.Millisecond
	DefRequiredMinRx = 300 * time.Millisecond
	DefRequiredMinEcho = 50 * time.Millisecond
	DefDetectMult    = 3
	DefMultiHopTTL   = 254
	DefSlowTx        = time.Second
)

// MaxPortNameLen bounds ShopKey.PortName (IFNAMSIZ on Linux).
const MaxPortNameLen = 16

// MaxVRFNameLen bounds MhopKey.VRFName (MAXNAMELEN in the original source).
const MaxVRFNameLen = 36

// MaxLabelLen bounds Session.Label.
const MaxLabelLen = 64

// ShopKey identifies a single-hop session: the peer address plus an
// optional interface name (RFC 5881). Lookups with a non-empty PortName
// fall back to PortName="" if the fully-specified key misses, since the
// interface is optional on the wire.
type ShopKey struct {
	Peer     netip.Addr
	PortName string
}

// MhopKey identifies a multi-hop session: peer, local address and VRF
// name (RFC 5883). All three fields participate in equality.
type MhopKey struct {
	Peer    netip.Addr
	Local   netip.Addr
	VRFName string
}

// SessionStats tracks packet counters used by SlaMeter and NotifyOut.
type SessionStats struct {
	RxCtrlPkt uint64
	TxCtrlPkt uint64
	RxEchoPkt uint64
	TxEchoPkt uint64
}

// SessionSLA holds the rolling latency/jitter/loss accumulators SlaMeter
// maintains for a session with TrackSLA set.
type SessionSLA struct {
	Latency  float64 // accumulator in milliseconds, reset after each emit
	Jitter   float64 // accumulator in milliseconds, reset after each emit
	OldLat   float64 // previous round-trip sample, for the jitter delta
	PktLoss  float64 // last computed loss percentage
	PktsLost uint64  // cumulative lost-packet count, carried across emits
}

// SessionTimers holds the local-side negotiated interval state, all in
// time.Duration (stored internally at microsecond resolution per the
// wire format, exposed here as Durations to keep arithmetic unit-safe).
type SessionTimers struct {
	UpMinTx         time.Duration // desired tx interval once Up
	RequiredMinRx   time.Duration
	RequiredMinEcho time.Duration
	XmtTO           time.Duration // current transmit interval in effect
	EchoXmtTO       time.Duration
	DetectTO        time.Duration
	EchoDetectTO    time.Duration
	DetectMult      uint8
	MultiHopTTL     uint8
}

// RemoteState is what the last received control packet told us about the
// peer's own negotiated parameters.
type RemoteState struct {
	DesiredMinTx    time.Duration
	RequiredMinRx   time.Duration
	RequiredMinEcho time.Duration
	DetectMult      uint8
}

// PendingTimers holds the poll-sequence "new" values that become current
// only once the peer echoes the Final bit.
type PendingTimers struct {
	DesiredMinTx  time.Duration
	RequiredMinRx time.Duration
}

// Session is one BFD session: everything the state machine, timer wheel
// and SLA meter need to track liveness of a single peer.
type Session struct {
	// Identity.
	LocalDiscr  uint32
	RemoteDiscr uint32 // 0 until learned from the peer

	// Classification flags (spec 3.5).
	IPv6        bool
	MultiHop    bool
	EchoEnabled bool
	EchoActive  bool
	Shutdown    bool
	TrackSLA    bool
	VXLAN       bool // parsed and stored only; dead code upstream, no behavior here

	// Addressing: LocalAddr always set; exactly one of Shop/Mhop is set,
	// selected by MultiHop (table.go enforces this as an invariant).
	LocalAddr netip.Addr
	Shop      *ShopKey
	Mhop      *MhopKey

	Timers SessionTimers
	Remote RemoteState
	PeerMAC net.HardwareAddr
	IfIndex int
	LocalMAC net.HardwareAddr

	State      State
	LocalDiag  Diag
	RemoteDiag Diag
	Polling    bool // our own poll sequence is active; outgoing packets carry P until the peer's Final arrives
	PendingFinal bool // peer set P on its last packet; our next transmit must carry F
	DemandMode bool
	Pending    PendingTimers

	// DownExpiryArmed tracks whether the detect timer has already fired
	// once since the session entered Down without a packet arriving; the
	// second consecutive expiry zeroes RemoteDiscr (spec 4.2).
	DownExpiryArmed bool

	Stats SessionStats
	SLA   SessionSLA

	XmitTV   time.Time // timestamp of the last transmitted control packet
	Uptime   time.Time // zero if never Up
	Downtime time.Time // zero if never Down after being Up

	// Label is an optional process-wide-unique alias; "" if unset.
	Label string

	// RefCount prevents deletion while an external caller holds this
	// session (a control request still being processed).
	RefCount int32
}

// hasEcho reports whether the echo function should be active: locally
// configured with a nonzero echo interval, and the peer has declared a
// nonzero required echo-RX interval of its own. The echo function is
// single-hop only (spec 4.2).
func (s *Session) hasEcho() bool {
	return s.EchoEnabled && s.Timers.RequiredMinEcho > 0 &&
		!s.MultiHop && s.Remote.RequiredMinEcho > 0
}
