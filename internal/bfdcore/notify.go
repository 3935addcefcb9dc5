package bfdcore

import (
	"net/netip"
	"sync"
	"time"
)

// NotifyOp discriminates the events NotifyOut emits, matching the
// control-plane JSON "op" field (spec 6.2) one-to-one.
type NotifyOp string

const (
	OpConfigAdd     NotifyOp = "config-add"
	OpConfigUpdate  NotifyOp = "config-update"
	OpConfigDelete  NotifyOp = "config-delete"
	OpPeerStatus    NotifyOp = "peer-status"
	OpPeerSLAUpdate NotifyOp = "peer-sla-update"
)

// PeerIdentity names the session a notify event is about; every event kind
// embeds it.
type PeerIdentity struct {
	PeerAddress    netip.Addr
	LocalAddress   netip.Addr
	LocalInterface string
	VRFName        string
	Label          string
	MultiHop       bool
}

// PeerStatusEvent is emitted on Up<->Down and Down<->AdminDown transitions
// (spec 4.6).
type PeerStatusEvent struct {
	Op              NotifyOp
	Identity        PeerIdentity
	State           string
	UptimeSeconds   float64
	DowntimeSeconds float64
	LocalDiag       string
	RemoteDiag      string
	LocalDiscr      uint32
	RemoteDiscr     uint32
}

// PeerConfigEvent is emitted on create/update/delete. On delete only
// Op and Identity are populated.
type PeerConfigEvent struct {
	Op                NotifyOp
	Identity          PeerIdentity
	DesiredMinTxMS    uint32
	RequiredMinRxMS   uint32
	RequiredMinEchoMS uint32
	DetectMultiplier  uint8
	EchoMode          bool
	Shutdown          bool
}

// PeerSLAEvent is emitted once per SlaMeter.Observe emission.
type PeerSLAEvent struct {
	Op          NotifyOp
	LocalDiscr  uint32
	RemoteDiscr uint32
	LatencyMS   float64
	JitterMS    float64
	PktLossPct  float64
}

// Notifier is the interface ControlPlane (and anything else that wants the
// event stream) subscribes through. NotifyOut is the only implementation;
// it is kept as an interface so dispatch.go and config_apply.go can be
// tested against a recording fake.
type Notifier interface {
	NotifyPeerStatus(PeerStatusEvent)
	NotifyPeerConfig(PeerConfigEvent)
	NotifyPeerSLA(PeerSLAEvent)
}

// notifyChSize bounds each subscriber channel; a slow subscriber drops
// events rather than stalling the dispatcher (spec 5: "no long-running
// computation occurs inside a callback").
const notifyChSize = 64

// NotifyOut fans the three event kinds out to any number of subscribers,
// generalized from the teacher's single StateChange channel (session.go)
// into the three-kind event model spec 4.6 requires.
type NotifyOut struct {
	mu   sync.RWMutex
	subs map[chan any]struct{}
}

// NewNotifyOut returns an empty NotifyOut ready to accept subscribers.
func NewNotifyOut() *NotifyOut {
	return &NotifyOut{subs: make(map[chan any]struct{})}
}

// Subscribe registers a new listener and returns its receive-only channel.
// Call Unsubscribe with the same channel to stop delivery and release it.
func (n *NotifyOut) Subscribe() <-chan any {
	ch := make(chan any, notifyChSize)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (n *NotifyOut) Unsubscribe(ch <-chan any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs {
		if sub == ch {
			delete(n.subs, sub)
			close(sub)
			return
		}
	}
}

func (n *NotifyOut) publish(event any) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for sub := range n.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

func (n *NotifyOut) NotifyPeerStatus(e PeerStatusEvent) { n.publish(e) }
func (n *NotifyOut) NotifyPeerConfig(e PeerConfigEvent) { n.publish(e) }
func (n *NotifyOut) NotifyPeerSLA(e PeerSLAEvent)       { n.publish(e) }

// identityOf builds the PeerIdentity shared by every event kind for s.
func identityOf(s *Session) PeerIdentity {
	id := PeerIdentity{LocalAddress: s.LocalAddr, Label: s.Label, MultiHop: s.MultiHop}
	switch {
	case s.Shop != nil:
		id.PeerAddress = s.Shop.Peer
		id.LocalInterface = s.Shop.PortName
	case s.Mhop != nil:
		id.PeerAddress = s.Mhop.Peer
		id.LocalAddress = s.Mhop.Local
		id.VRFName = s.Mhop.VRFName
	}
	return id
}

// PeerStatusEventFor builds the peer-status event for s as of now, per spec
// 4.6: "uptime/downtime (seconds since event)".
func PeerStatusEventFor(s *Session, now time.Time) PeerStatusEvent {
	e := PeerStatusEvent{
		Op:          OpPeerStatus,
		Identity:    identityOf(s),
		State:       s.State.String(),
		LocalDiag:   s.LocalDiag.String(),
		RemoteDiag:  s.RemoteDiag.String(),
		LocalDiscr:  s.LocalDiscr,
		RemoteDiscr: s.RemoteDiscr,
	}
	if !s.Uptime.IsZero() {
		e.UptimeSeconds = now.Sub(s.Uptime).Seconds()
	}
	if !s.Downtime.IsZero() {
		e.DowntimeSeconds = now.Sub(s.Downtime).Seconds()
	}
	return e
}

// PeerConfigEventFor builds the peer-config event for s, converting stored
// microsecond-resolution durations back to milliseconds per spec 4.4/4.6.
func PeerConfigEventFor(s *Session, op NotifyOp) PeerConfigEvent {
	return PeerConfigEvent{
		Op:                op,
		Identity:          identityOf(s),
		DesiredMinTxMS:    uint32(s.Timers.UpMinTx.Milliseconds()),
		RequiredMinRxMS:   uint32(s.Timers.RequiredMinRx.Milliseconds()),
		RequiredMinEchoMS: uint32(s.Timers.RequiredMinEcho.Milliseconds()),
		DetectMultiplier:  s.Timers.DetectMult,
		EchoMode:          s.EchoEnabled,
		Shutdown:          s.Shutdown,
	}
}

// PeerConfigDeleteEventFor builds the identity-only delete event (spec 4.6:
// "On delete, identity only").
func PeerConfigDeleteEventFor(s *Session) PeerConfigEvent {
	return PeerConfigEvent{Op: OpConfigDelete, Identity: identityOf(s)}
}

// PeerSLAEventFor adapts an SLAUpdate into the wire event shape.
func PeerSLAEventFor(u SLAUpdate) PeerSLAEvent {
	return PeerSLAEvent{
		Op:          OpPeerSLAUpdate,
		LocalDiscr:  u.Discr,
		RemoteDiscr: u.RemoteDiscr,
		LatencyMS:   u.LatencyMS,
		JitterMS:    u.JitterMS,
		PktLossPct:  u.PktLossPct,
	}
}
