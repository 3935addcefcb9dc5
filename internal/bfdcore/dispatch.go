package bfdcore

import (
	"net/netip"
	"time"
)

// Sender is the narrow transport seam the Dispatcher uses to put packets on
// the wire, mirroring ConfigApplier's SocketOpener seam (internal/transport
// implements both so this package never imports it).
type Sender interface {
	SendControl(s *Session, pkt *ControlPacket) error
	SendEcho(s *Session) error
}

// PacketObserver is the narrow metrics seam the Dispatcher and Transport use
// to report packet-level counters, mirroring the Sender/Notifier seams so
// this package never imports a metrics library directly. Observer may be
// left unset; Dispatcher and Transport both treat a nil observer as a no-op.
type PacketObserver interface {
	ObserveControlSent(s *Session)
	ObserveControlReceived(s *Session)
	ObserveControlDropped(peer, local netip.Addr)
	ObserveEchoSent(s *Session)
	ObserveEchoReceived(s *Session)
}

// Dispatcher wires inbound packets, timer expiries and FSM actions together
// for every session in a SessionTable. It is the single-threaded cooperative
// owner described by spec 5: every entry point below is meant to be called
// from one goroutine, and Dispatcher itself takes no lock beyond what
// SessionTable already provides to concurrent readers.
//
// Grounded on the per-session event loop the teacher runs one of per peer
// (runLoop / handleTxTimer / handleDetectTimer / handleRecvPacket in
// internal/bfd/session.go): the handler bodies below are that same logic,
// generalized from "my session" to "whichever session the caller passed in"
// so one goroutine can drive every session in the table instead of one
// goroutine per peer.
type Dispatcher struct {
	table    *SessionTable
	timers   *TimerWheel
	sender   Sender
	notify   Notifier
	sla      *SlaMeter
	clock    Clock
	observer PacketObserver
}

// NewDispatcher wires the collaborators the Dispatcher needs. sla may be
// nil if no session ever has TrackSLA set; clock defaults to SystemClock.
func NewDispatcher(table *SessionTable, timers *TimerWheel, sender Sender, notify Notifier, sla *SlaMeter, clock Clock) *Dispatcher {
	if clock == nil {
		clock = SystemClock
	}
	return &Dispatcher{
		table:  table,
		timers: timers,
		sender: sender,
		notify: notify,
		sla:    sla,
		clock:  clock,
	}
}

// SetObserver wires the optional packet-metrics seam; nil (the default)
// disables all packet-level counters without affecting any other behavior.
func (d *Dispatcher) SetObserver(observer PacketObserver) {
	d.observer = observer
}

// OnRxPacket implements RFC 5880 Section 6.8.6 steps 10-18 (steps 1-9,
// basic validation, are Transport's concern; this package carries no
// authentication). AdminDown discards every received-packet event (RFC
// 5880: "If bfd.SessionState is AdminDown, discard the packet").
func (d *Dispatcher) OnRxPacket(s *Session, pkt *ControlPacket) {
	if s.State == StateAdminDown {
		return
	}
	now := d.clock.Now()

	s.Stats.RxCtrlPkt++
	if d.observer != nil {
		d.observer.ObserveControlReceived(s)
	}
	s.RemoteDiscr = pkt.MyDiscriminator
	s.RemoteDiag = pkt.Diag
	s.DemandMode = pkt.Demand
	s.Remote.DesiredMinTx = time.Duration(pkt.DesiredMinTxInterval) * time.Microsecond
	s.Remote.RequiredMinRx = time.Duration(pkt.RequiredMinRxInterval) * time.Microsecond
	s.Remote.RequiredMinEcho = time.Duration(pkt.RequiredMinEchoRxInterval) * time.Microsecond
	s.Remote.DetectMult = pkt.DetectMult
	s.DownExpiryArmed = false

	// Poll sequence (RFC 5880 Section 6.5): our own poll terminates when
	// the peer's Final arrives, and the "new" timer values become current.
	if pkt.Final && s.Polling {
		s.Polling = false
		if s.Pending.DesiredMinTx > 0 {
			s.Timers.UpMinTx = s.Pending.DesiredMinTx
			s.Pending.DesiredMinTx = 0
		}
		if s.Pending.RequiredMinRx > 0 {
			s.Timers.RequiredMinRx = s.Pending.RequiredMinRx
			s.Pending.RequiredMinRx = 0
		}
	}
	// A Poll from the peer obliges us to reply with Final "as soon as
	// practicable" (RFC 5880 Section 6.5), independent of our own FSM
	// transition below.
	if pkt.Poll {
		s.PendingFinal = true
	}

	// Reset the detect timer on every valid packet (RFC 5880 Section 6.8.4).
	d.timers.Update(s.LocalDiscr, TimerRx, DetectionTime(s))

	event := RecvStateToEvent(pkt.State)
	result := ApplyEvent(s.State, event)
	s.State = result.NewState
	leftover := ApplyActions(s, result.Actions, d.notify, now)
	d.rearmAfterTransition(s, result.Changed)

	if s.TrackSLA && d.sla != nil {
		if update, ok := d.sla.Observe(s, now); ok && d.notify != nil {
			d.notify.NotifyPeerSLA(PeerSLAEventFor(update))
		}
	}

	// Send immediately if the FSM asked for a control packet, or if the
	// peer's Poll is still owed a Final reply.
	if len(leftover) > 0 || s.PendingFinal {
		d.sendControl(s, now)
	}
}

// OnTxTimeout implements the periodic transmit path (RFC 5880 Section
// 6.8.7). The session's own suppression rule is the only one spec 4.2
// names: never transmit while the peer has advertised a zero
// RequiredMinRxInterval.
func (d *Dispatcher) OnTxTimeout(s *Session) {
	now := d.clock.Now()
	if s.Remote.RequiredMinRx > 0 {
		d.sendControl(s, now)
	}
	d.timers.Update(s.LocalDiscr, TimerTx, ApplyJitter(TxInterval(s), s.Timers.DetectMult))
}

// OnRxTimeout implements the detection timer (RFC 5880 Section 6.8.4). Only
// Init/Up transition to Down; a detect timeout while already Down just
// restarts the cycle, except the second consecutive expiry, which zeroes
// the remote discriminator (spec 4.2).
func (d *Dispatcher) OnRxTimeout(s *Session) {
	if s.State != StateInit && s.State != StateUp {
		if s.DownExpiryArmed {
			s.RemoteDiscr = 0
		}
		s.DownExpiryArmed = true
		d.timers.Update(s.LocalDiscr, TimerRx, DetectionTime(s))
		return
	}
	d.applyTimerExpiry(s)
}

// OnEchoTxTimeout sends one echo packet and reschedules itself. Only called
// while EchoActive; ConfigApplier disarms this timer otherwise.
func (d *Dispatcher) OnEchoTxTimeout(s *Session) {
	if err := d.sender.SendEcho(s); err == nil {
		s.Stats.TxEchoPkt++
		if d.observer != nil {
			d.observer.ObserveEchoSent(s)
		}
	}
	d.timers.Update(s.LocalDiscr, TimerEchoTx, ApplyJitter(s.Timers.RequiredMinEcho, s.Timers.DetectMult))
}

// OnEchoRxTimeout implements the echo detection timeout (spec 4.2: "Echo-
// timer expiry has the same effect while Init/Up"): no looped-back echo
// packet arrived within echo_detect_TO, so the session fails exactly as a
// missed control packet would.
func (d *Dispatcher) OnEchoRxTimeout(s *Session) {
	if s.State != StateInit && s.State != StateUp {
		return
	}
	d.applyTimerExpiry(s)
}

// OnEchoReply is called by Transport when a previously sent echo packet
// loops back. It is not one of spec 4.2's named entry points, but Transport
// needs some way to report the reply; this is the bfdcore-side half of RFC
// 5880 Section 6.8.9's echo function and owns no FSM transition of its own.
func (d *Dispatcher) OnEchoReply(s *Session) {
	now := d.clock.Now()
	s.Stats.RxEchoPkt++
	if d.observer != nil {
		d.observer.ObserveEchoReceived(s)
	}
	d.timers.Update(s.LocalDiscr, TimerEchoRx, DetectionTime(s))

	if s.TrackSLA && d.sla != nil {
		if update, ok := d.sla.Observe(s, now); ok && d.notify != nil {
			d.notify.NotifyPeerSLA(PeerSLAEventFor(update))
		}
	}
}

// applyTimerExpiry drives EventTimerExpired through the FSM and rearms
// timers for a session known to be Init or Up.
func (d *Dispatcher) applyTimerExpiry(s *Session) {
	now := d.clock.Now()
	result := ApplyEvent(s.State, EventTimerExpired)
	s.State = result.NewState
	leftover := ApplyActions(s, result.Actions, d.notify, now)
	d.rearmAfterTransition(s, result.Changed)

	if len(leftover) > 0 {
		d.sendControl(s, now)
	}
}

// rearmAfterTransition re-arms the transmit and echo timers to match the
// session's post-transition State/EchoActive, mirroring teacher's
// resetTxTimer/resetDetectTimer pair in executeAction. The detect (rx)
// timer is rearmed by the caller, which already knows why it fired.
func (d *Dispatcher) rearmAfterTransition(s *Session, changed bool) {
	if !changed {
		return
	}
	d.timers.Update(s.LocalDiscr, TimerTx, ApplyJitter(TxInterval(s), s.Timers.DetectMult))
	if s.EchoActive {
		d.timers.Update(s.LocalDiscr, TimerEchoTx, ApplyJitter(s.Timers.RequiredMinEcho, s.Timers.DetectMult))
		d.timers.Update(s.LocalDiscr, TimerEchoRx, DetectionTime(s))
	} else {
		d.timers.Delete(s.LocalDiscr, TimerEchoTx)
		d.timers.Delete(s.LocalDiscr, TimerEchoRx)
	}
}

// ExecuteLeftover carries out Actions that ApplyActions left for a caller
// with Sender access — currently only ActionSendControl, returned by
// ConfigApplier when the Shutdown option drives an immediate AdminDown/
// AdminUp transition (spec 4.4).
func (d *Dispatcher) ExecuteLeftover(s *Session, leftover []Action) {
	now := d.clock.Now()
	for _, action := range leftover {
		if action == ActionSendControl {
			d.sendControl(s, now)
		}
	}
}

// sendControl builds and transmits a control packet reflecting s's current
// state, then clears PendingFinal (consumed) and records the transmit
// timestamp SlaMeter uses for its next round-trip sample.
func (d *Dispatcher) sendControl(s *Session, now time.Time) {
	pkt := d.buildControlPacket(s)
	if err := d.sender.SendControl(s, &pkt); err != nil {
		return
	}
	s.PendingFinal = false
	s.Stats.TxCtrlPkt++
	s.XmitTV = now
	if d.observer != nil {
		d.observer.ObserveControlSent(s)
	}
}

// buildControlPacket constructs the outbound packet from current session
// state (RFC 5880 Section 6.8.7 field-by-field specification).
func (d *Dispatcher) buildControlPacket(s *Session) ControlPacket {
	// RFC 5880 Section 6.8.3: "When bfd.SessionState is not Up, the system
	// MUST set bfd.DesiredMinTxInterval to a value of not less than one
	// second." TxInterval already folds this in for scheduling; the same
	// value is what gets advertised on the wire.
	wireTx := TxInterval(s)

	echoRx := time.Duration(0)
	if s.EchoEnabled {
		echoRx = s.Timers.RequiredMinEcho
	}

	return ControlPacket{
		Version:                   Version,
		Diag:                      s.LocalDiag,
		State:                     s.State,
		Poll:                      s.Polling,
		Final:                     s.PendingFinal,
		Demand:                    s.DemandMode,
		DetectMult:                s.Timers.DetectMult,
		Length:                    HeaderSize,
		MyDiscriminator:           s.LocalDiscr,
		YourDiscriminator:         s.RemoteDiscr,
		DesiredMinTxInterval:      uint32(wireTx / time.Microsecond),
		RequiredMinRxInterval:     uint32(s.Timers.RequiredMinRx / time.Microsecond),
		RequiredMinEchoRxInterval: uint32(echoRx / time.Microsecond),
	}
}
