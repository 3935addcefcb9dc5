// Package controlplane is the concrete body of the ControlPlane collaborator
// spec.md names but leaves unimplemented: JSON framing over a Unix domain
// socket (spec 6.2), translating the wire config document into
// bfdcore.PeerConfig calls against ConfigApplier, and fanning NotifyOut
// events out to subscribed watch connections.
//
// Grounded on the teacher's internal/server/server.go: a thin adapter
// delegating every RPC straight to the session manager, converting
// requests/responses at the boundary and mapping sentinel errors to a
// wire status. The wire protocol itself is JSON-over-socket rather than
// ConnectRPC/protobuf, since that is what spec 6.2 specifies and no
// example repo in the pack does JSON-over-socket control planes to ground
// a different choice on.
package controlplane

import (
	"net/netip"

	"github.com/nthop/corebfd/internal/bfdcore"
)

// configDocument is the top-level JSON document spec 6.2 describes:
// three arrays of peer objects, grouped by how the session is keyed.
type configDocument struct {
	IPv4  []peerWire `json:"ipv4,omitempty"`
	IPv6  []peerWire `json:"ipv6,omitempty"`
	Label []peerWire `json:"label,omitempty"`
}

// peerWire is the wire shape of one peer-object entry; field names match
// spec 4.4's enumeration. Intervals are milliseconds on the wire, per
// spec 6.2's statement that peer-object keys are "the enumeration in 4.4"
// and 4.4 itself states wire intervals in milliseconds.
type peerWire struct {
	MultiHop       bool   `json:"multi_hop,omitempty"`
	PeerAddress    string `json:"peer_address"`
	LocalAddress   string `json:"local_address,omitempty"`
	LocalInterface string `json:"local_interface,omitempty"`
	VRFName        string `json:"vrf_name,omitempty"`
	Discriminator  uint32 `json:"discriminator,omitempty"`

	DetectMultiplier   uint8  `json:"detect_multiplier,omitempty"`
	ReceiveIntervalMS  uint32 `json:"receive_interval_ms,omitempty"`
	TransmitIntervalMS uint32 `json:"transmit_interval_ms,omitempty"`
	EchoIntervalMS     uint32 `json:"echo_interval_ms,omitempty"`

	EchoMode   bool   `json:"echo_mode,omitempty"`
	Shutdown   bool   `json:"shutdown,omitempty"`
	CreateOnly bool   `json:"create_only,omitempty"`
	Label      string `json:"label,omitempty"`
	TrackSLA   bool   `json:"track_sla,omitempty"`

	// Delete marks this entry for ConfigApplier.Delete instead of Apply.
	Delete bool `json:"delete,omitempty"`
}

// toPeerConfig parses the wire addresses and copies every other field
// straight across; ipv6 is derived from the parsed address rather than
// carried as a separate wire flag, since a peer_address string is
// unambiguous about its own family.
func (p peerWire) toPeerConfig() (bfdcore.PeerConfig, error) {
	peerAddr, err := netip.ParseAddr(p.PeerAddress)
	if err != nil {
		return bfdcore.PeerConfig{}, err
	}

	var localAddr netip.Addr
	if p.LocalAddress != "" {
		localAddr, err = netip.ParseAddr(p.LocalAddress)
		if err != nil {
			return bfdcore.PeerConfig{}, err
		}
	}

	return bfdcore.PeerConfig{
		IPv6:               peerAddr.Is6(),
		MultiHop:           p.MultiHop,
		PeerAddress:        peerAddr,
		LocalAddress:       localAddr,
		LocalInterface:     p.LocalInterface,
		VRFName:            p.VRFName,
		Discriminator:      p.Discriminator,
		DetectMultiplier:   p.DetectMultiplier,
		ReceiveIntervalMS:  p.ReceiveIntervalMS,
		TransmitIntervalMS: p.TransmitIntervalMS,
		EchoIntervalMS:     p.EchoIntervalMS,
		EchoMode:           p.EchoMode,
		Shutdown:           p.Shutdown,
		CreateOnly:         p.CreateOnly,
		Label:              p.Label,
		TrackSLA:           p.TrackSLA,
	}, nil
}

// entryResult is one element of an apply/delete response: spec 6.2
// "responses carry status and optional error".
type entryResult struct {
	PeerAddress string `json:"peer_address"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

func okResult(peer string) entryResult    { return entryResult{PeerAddress: peer, Status: statusOK} }
func errResult(peer string, err error) entryResult {
	return entryResult{PeerAddress: peer, Status: statusError, Error: err.Error()}
}

// applyResponse wraps the per-entry results of one configDocument.
type applyResponse struct {
	Results []entryResult `json:"results"`
}

// sessionWire is the JSON shape of one session in a list response.
type sessionWire struct {
	LocalDiscriminator  uint32  `json:"local_discriminator"`
	RemoteDiscriminator uint32  `json:"remote_discriminator"`
	PeerAddress         string  `json:"peer_address,omitempty"`
	LocalAddress        string  `json:"local_address,omitempty"`
	LocalInterface      string  `json:"local_interface,omitempty"`
	VRFName             string  `json:"vrf_name,omitempty"`
	MultiHop            bool    `json:"multi_hop"`
	State               string  `json:"state"`
	Label               string  `json:"label,omitempty"`
	UptimeSeconds       float64 `json:"uptime_seconds,omitempty"`
}

func sessionToWire(s *bfdcore.Session) sessionWire {
	w := sessionWire{
		LocalDiscriminator:  s.LocalDiscr,
		RemoteDiscriminator: s.RemoteDiscr,
		LocalAddress:        s.LocalAddr.String(),
		MultiHop:            s.MultiHop,
		State:               s.State.String(),
		Label:               s.Label,
	}
	switch {
	case s.Shop != nil:
		w.PeerAddress = s.Shop.Peer.String()
		w.LocalInterface = s.Shop.PortName
	case s.Mhop != nil:
		w.PeerAddress = s.Mhop.Peer.String()
		w.VRFName = s.Mhop.VRFName
	}
	return w
}

// listResponse wraps a session listing.
type listResponse struct {
	Sessions []sessionWire `json:"sessions"`
}

// notifyWire mirrors bfdcore's three event kinds into the single
// op-discriminated JSON object spec 6.2 describes. bfdcore's event
// structs carry no JSON tags of their own — keeping the wire shape here
// means bfdcore stays free of an encoding/json dependency that only this
// package's transport actually needs.
type notifyWire struct {
	Op          bfdcore.NotifyOp `json:"op"`
	PeerAddress string           `json:"peer_address,omitempty"`
	Label       string           `json:"label,omitempty"`

	State           string  `json:"state,omitempty"`
	UptimeSeconds   float64 `json:"uptime_seconds,omitempty"`
	DowntimeSeconds float64 `json:"downtime_seconds,omitempty"`
	LocalDiag       string  `json:"local_diag,omitempty"`
	RemoteDiag      string  `json:"remote_diag,omitempty"`

	DesiredMinTxMS    uint32 `json:"desired_min_tx_ms,omitempty"`
	RequiredMinRxMS   uint32 `json:"required_min_rx_ms,omitempty"`
	RequiredMinEchoMS uint32 `json:"required_min_echo_ms,omitempty"`
	DetectMultiplier  uint8  `json:"detect_multiplier,omitempty"`
	EchoMode          bool   `json:"echo_mode,omitempty"`
	Shutdown          bool   `json:"shutdown,omitempty"`

	LatencyMS   float64 `json:"latency_ms,omitempty"`
	JitterMS    float64 `json:"jitter_ms,omitempty"`
	PktLossPct  float64 `json:"pkt_loss_pct,omitempty"`
	LocalDiscr  uint32  `json:"local_discriminator,omitempty"`
	RemoteDiscr uint32  `json:"remote_discriminator,omitempty"`
}

// notifyToWire converts one of the three event types NotifyOut publishes.
// Unrecognized event types should never occur; they are dropped rather
// than panicking a long-lived fan-out goroutine.
func notifyToWire(event any) (notifyWire, bool) {
	switch e := event.(type) {
	case bfdcore.PeerStatusEvent:
		return notifyWire{
			Op:              e.Op,
			PeerAddress:     e.Identity.PeerAddress.String(),
			Label:           e.Identity.Label,
			State:           e.State,
			UptimeSeconds:   e.UptimeSeconds,
			DowntimeSeconds: e.DowntimeSeconds,
			LocalDiag:       e.LocalDiag,
			RemoteDiag:      e.RemoteDiag,
			LocalDiscr:      e.LocalDiscr,
			RemoteDiscr:     e.RemoteDiscr,
		}, true
	case bfdcore.PeerConfigEvent:
		return notifyWire{
			Op:                e.Op,
			PeerAddress:       e.Identity.PeerAddress.String(),
			Label:             e.Identity.Label,
			DesiredMinTxMS:    e.DesiredMinTxMS,
			RequiredMinRxMS:   e.RequiredMinRxMS,
			RequiredMinEchoMS: e.RequiredMinEchoMS,
			DetectMultiplier:  e.DetectMultiplier,
			EchoMode:          e.EchoMode,
			Shutdown:          e.Shutdown,
		}, true
	case bfdcore.PeerSLAEvent:
		return notifyWire{
			Op:          e.Op,
			LatencyMS:   e.LatencyMS,
			JitterMS:    e.JitterMS,
			PktLossPct:  e.PktLossPct,
			LocalDiscr:  e.LocalDiscr,
			RemoteDiscr: e.RemoteDiscr,
		}, true
	default:
		return notifyWire{}, false
	}
}
