package bfdcore

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"
)

// PeerConfig carries every option an operator can set on a session (spec
// 4.4). Interval fields arrive in milliseconds; ConfigApplier stores them
// internally as time.Duration (microsecond resolution on the wire).
type PeerConfig struct {
	IPv6           bool
	MultiHop       bool
	PeerAddress    netip.Addr
	LocalAddress   netip.Addr
	LocalInterface string // single-hop only
	VRFName        string // multi-hop only
	Discriminator  uint32 // 0 means auto-allocate

	DetectMultiplier  uint8  // 0 -> DefDetectMult
	ReceiveIntervalMS uint32 // 0 -> ms(DefRequiredMinRx)
	TransmitIntervalMS uint32 // 0 -> ms(DefDesiredMinTx)
	EchoIntervalMS    uint32 // 0 -> ms(DefRequiredMinEcho)

	EchoMode   bool
	Shutdown   bool
	CreateOnly bool
	Label      string
	TrackSLA   bool
}

// PeerSocketInfo carries what OSIface resolved about the peer's transport
// path (spec 3.5's "peer MAC, ifindex, local MAC" negotiated-state fields),
// handed back alongside the opened socket so ConfigApplier can populate the
// session without importing internal/transport itself.
type PeerSocketInfo struct {
	IfIndex  int
	LocalMAC net.HardwareAddr
	PeerMAC  net.HardwareAddr
}

// SocketOpener is the narrow seam ConfigApplier uses to acquire a peer
// socket for a newly created session, mirroring the teacher's PacketSender
// interface (internal/bfd/session.go) that keeps the session package free
// of a direct internal/netio import. internal/transport implements this.
type SocketOpener interface {
	OpenPeerSocket(cfg PeerConfig) (io.Closer, PeerSocketInfo, error)
}

// ConfigApplier implements the session create/update/delete algorithm of
// spec 4.4. It is called from the single dispatcher goroutine (spec 5);
// its only lock of its own, mu, guards the conns map of open peer sockets.
type ConfigApplier struct {
	table          *SessionTable
	discriminators *DiscriminatorAllocator
	timers         *TimerWheel
	sockets        SocketOpener
	notify         Notifier

	mu    sync.Mutex
	conns map[uint32]io.Closer
}

// NewConfigApplier wires the collaborators ConfigApplier needs.
func NewConfigApplier(table *SessionTable, discriminators *DiscriminatorAllocator, timers *TimerWheel, sockets SocketOpener, notify Notifier) *ConfigApplier {
	return &ConfigApplier{
		table:          table,
		discriminators: discriminators,
		timers:         timers,
		sockets:        sockets,
		notify:         notify,
		conns:          make(map[uint32]io.Closer),
	}
}

// Apply creates or updates a session per cfg, returning the session and any
// leftover Actions (currently only ever ActionSendControl, from forcing
// AdminDown/AdminUp) that the caller must still execute against Transport.
func (a *ConfigApplier) Apply(cfg PeerConfig) (*Session, []Action, error) {
	if err := validatePeerConfig(cfg); err != nil {
		return nil, nil, err
	}

	existing, found, err := a.locate(cfg)
	if err != nil {
		return nil, nil, err
	}

	if found {
		if cfg.CreateOnly {
			return nil, nil, fmt.Errorf("apply peer config: %w", ErrExists)
		}
		leftover, err := a.update(existing, cfg)
		if err != nil {
			return nil, nil, err
		}
		return existing, leftover, nil
	}

	return a.create(cfg)
}

func validatePeerConfig(cfg PeerConfig) error {
	if !cfg.PeerAddress.IsValid() {
		return fmt.Errorf("apply peer config: missing peer address: %w", ErrInvalidConfig)
	}
	if cfg.IPv6 != cfg.PeerAddress.Is6() {
		return fmt.Errorf("apply peer config: address family mismatch: %w", ErrInvalidConfig)
	}
	if cfg.MultiHop {
		if len(cfg.VRFName) > MaxVRFNameLen {
			return fmt.Errorf("apply peer config: vrf-name exceeds %d bytes: %w", MaxVRFNameLen, ErrInvalidConfig)
		}
	} else if len(cfg.LocalInterface) > MaxPortNameLen {
		return fmt.Errorf("apply peer config: local-interface exceeds %d bytes: %w", MaxPortNameLen, ErrInvalidConfig)
	}
	if len(cfg.Label) > MaxLabelLen {
		return fmt.Errorf("apply peer config: label exceeds %d bytes: %w", MaxLabelLen, ErrInvalidConfig)
	}
	return nil
}

// locate implements spec 4.4 step 1: a present label is tried first. If the
// label is already bound to a session whose peer identity does not match
// the one cfg is describing, that is a duplicate-label collision (S4) and
// is reported as InvalidConfig rather than silently updating the wrong
// session. An unbound label falls through to the shop/mhop key lookup so a
// label can be attached to an already-keyed session.
func (a *ConfigApplier) locate(cfg PeerConfig) (*Session, bool, error) {
	if cfg.Label != "" {
		if s, ok := a.table.PLFind(cfg.Label); ok {
			if !sessionPeerMatches(s, cfg.PeerAddress) {
				return nil, false, fmt.Errorf("apply peer config: label %q already in use: %w", cfg.Label, ErrInvalidConfig)
			}
			return s, true, nil
		}
	}

	if cfg.MultiHop {
		s, ok := a.table.FindMhop(MhopKey{Peer: cfg.PeerAddress, Local: cfg.LocalAddress, VRFName: cfg.VRFName})
		return s, ok, nil
	}
	s, ok := a.table.FindShop(ShopKey{Peer: cfg.PeerAddress, PortName: cfg.LocalInterface})
	return s, ok, nil
}

// create implements spec 4.4 step 3: open a peer socket, allocate or accept
// a discriminator, install the session, then apply the configured fields.
func (a *ConfigApplier) create(cfg PeerConfig) (*Session, []Action, error) {
	conn, info, err := a.sockets.OpenPeerSocket(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("apply peer config: %w: %w", ErrResourceExhausted, err)
	}

	discr, err := a.allocateDiscriminator(cfg)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	s := &Session{
		LocalDiscr: discr,
		IPv6:       cfg.IPv6,
		MultiHop:   cfg.MultiHop,
		LocalAddr:  cfg.LocalAddress,
		State:      StateDown,
		Label:      cfg.Label,
		IfIndex:    info.IfIndex,
		LocalMAC:   info.LocalMAC,
		PeerMAC:    info.PeerMAC,
	}
	if cfg.MultiHop {
		s.Mhop = &MhopKey{Peer: cfg.PeerAddress, Local: cfg.LocalAddress, VRFName: cfg.VRFName}
	} else {
		s.Shop = &ShopKey{Peer: cfg.PeerAddress, PortName: cfg.LocalInterface}
	}

	if err := a.table.Insert(s); err != nil {
		a.discriminators.Release(discr)
		conn.Close()
		return nil, nil, err
	}

	a.mu.Lock()
	a.conns[discr] = conn
	a.mu.Unlock()

	leftover := a.applyFields(s, cfg, OpConfigAdd)
	return s, leftover, nil
}

func (a *ConfigApplier) allocateDiscriminator(cfg PeerConfig) (uint32, error) {
	if cfg.Discriminator != 0 {
		if err := a.discriminators.Reserve(cfg.Discriminator); err != nil {
			return 0, fmt.Errorf("apply peer config: %w", err)
		}
		return cfg.Discriminator, nil
	}
	discr, err := a.discriminators.Allocate()
	if err != nil {
		return 0, fmt.Errorf("apply peer config: %w", err)
	}
	return discr, nil
}

// update implements spec 4.4 step 2's non-create-only branch: apply the
// new fields, reconcile timers and echo-active.
func (a *ConfigApplier) update(s *Session, cfg PeerConfig) ([]Action, error) {
	if cfg.Label != "" && cfg.Label != s.Label {
		if err := a.table.PLNew(cfg.Label, s); err != nil {
			return nil, err
		}
	}
	return a.applyFields(s, cfg, OpConfigUpdate), nil
}

// applyFields writes cfg's negotiated intervals onto s, reconciles the tx/
// detect timers and echo-active flag, handles the shutdown toggle, and
// emits the peer-config notify. Returns leftover Actions for the caller
// (ActionSendControl, present only when a shutdown toggle fired).
func (a *ConfigApplier) applyFields(s *Session, cfg PeerConfig, op NotifyOp) []Action {
	detectMult := cfg.DetectMultiplier
	if detectMult == 0 {
		detectMult = DefDetectMult
	}
	upMinTx := msOrDefault(cfg.TransmitIntervalMS, DefDesiredMinTx)
	requiredMinRx := msOrDefault(cfg.ReceiveIntervalMS, DefRequiredMinRx)
	requiredMinEcho := msOrDefault(cfg.EchoIntervalMS, DefRequiredMinEcho)

	s.Timers.DetectMult = detectMult
	s.Timers.UpMinTx = upMinTx
	s.Timers.RequiredMinRx = requiredMinRx
	s.Timers.RequiredMinEcho = requiredMinEcho
	s.EchoEnabled = cfg.EchoMode
	s.TrackSLA = cfg.TrackSLA
	s.EchoActive = s.hasEcho() && s.State == StateUp

	leftover := a.reconcileShutdown(s, cfg.Shutdown)
	a.reconcileTimers(s)

	if a.notify != nil {
		a.notify.NotifyPeerConfig(PeerConfigEventFor(s, op))
	}

	return leftover
}

// reconcileTimers arms or disarms the transmit and echo timers to match the
// session's current Shutdown/EchoActive flags (spec 3.6 invariants: Shutdown
// implies all four timers disarmed; EchoActive implies both echo timers
// armed). The receive/detect timer is left alone here — it only starts
// once a packet has actually been received, which is the Dispatcher's
// concern, not the config applier's.
func (a *ConfigApplier) reconcileTimers(s *Session) {
	if s.Shutdown {
		return
	}

	a.timers.Update(s.LocalDiscr, TimerTx, ApplyJitter(TxInterval(s), s.Timers.DetectMult))

	if s.EchoActive {
		a.timers.Update(s.LocalDiscr, TimerEchoTx, ApplyJitter(s.Timers.RequiredMinEcho, s.Timers.DetectMult))
		a.timers.Update(s.LocalDiscr, TimerEchoRx, DetectionTime(s))
	} else {
		a.timers.Delete(s.LocalDiscr, TimerEchoTx)
		a.timers.Delete(s.LocalDiscr, TimerEchoRx)
	}
}

// reconcileShutdown implements the shutdown option's effect (spec 4.4):
// setting it forces AdminDown and disarms all four timers; clearing it
// returns the session to Down and re-arms the transmit timer. Either
// transition returns ActionSendControl for the caller to execute. This is
// modeled as the same EventAdminDown/EventAdminUp the protocol dispatch
// loop would drive, via ApplyActions, so the invariant in spec 3.6
// ("shutdown ⇒ AdminDown ∧ all timers disarmed") holds from a single code
// path regardless of whether the transition was operator- or peer-driven.
func (a *ConfigApplier) reconcileShutdown(s *Session, shutdown bool) []Action {
	if shutdown == s.Shutdown {
		return nil
	}
	s.Shutdown = shutdown

	now := time.Now()
	var event Event
	if shutdown {
		event = EventAdminDown
	} else {
		event = EventAdminUp
	}

	result := ApplyEvent(s.State, event)
	s.State = result.NewState
	leftover := ApplyActions(s, result.Actions, a.notify, now)

	// The peer learns of the operator-driven transition at once: the caller
	// sends one control packet carrying the new state (AdminDown or Down).
	if result.Changed {
		leftover = append(leftover, ActionSendControl)
	}

	if shutdown {
		a.timers.DeleteAll(s.LocalDiscr)
	}

	return leftover
}

func msOrDefault(ms uint32, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Delete implements spec 4.4's delete algorithm: locate as in Apply, refuse
// if refcount>0, remove from every index, close the socket, emit
// config-delete.
func (a *ConfigApplier) Delete(cfg PeerConfig) error {
	s, found, err := a.locate(cfg)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("delete peer config: %w", ErrNotFound)
	}
	if s.RefCount > 0 {
		return fmt.Errorf("delete peer config: %w", ErrRefcountBusy)
	}

	a.timers.DeleteAll(s.LocalDiscr)
	a.table.Remove(s)
	a.discriminators.Release(s.LocalDiscr)

	a.mu.Lock()
	conn, ok := a.conns[s.LocalDiscr]
	delete(a.conns, s.LocalDiscr)
	a.mu.Unlock()
	if ok {
		conn.Close()
	}

	if a.notify != nil {
		a.notify.NotifyPeerConfig(PeerConfigDeleteEventFor(s))
	}

	return nil
}
