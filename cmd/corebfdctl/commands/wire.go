// Package commands implements the corebfdctl CLI commands.
package commands

// These types mirror the JSON shapes internal/controlplane's wire.go
// defines for the control socket protocol (spec 6.2). They are redefined
// here rather than imported because internal/controlplane keeps its wire
// structs unexported — this package is the one external consumer of that
// wire format, the same role a generated client stub plays against a
// protobuf service, so it carries its own copy of the schema.

// peerWire is one peer entry of a configDocument sent to the daemon.
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

	Delete bool `json:"delete,omitempty"`
}

// configDocument is the top-level apply/delete request document.
type configDocument struct {
	IPv4  []peerWire `json:"ipv4,omitempty"`
	IPv6  []peerWire `json:"ipv6,omitempty"`
	Label []peerWire `json:"label,omitempty"`
}

// entryResult is one element of an applyResponse.
type entryResult struct {
	PeerAddress string `json:"peer_address"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

const statusOK = "ok"

// applyResponse is the daemon's answer to a configDocument request.
type applyResponse struct {
	Results []entryResult `json:"results"`
}

// sessionWire is one session in a listResponse.
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

// listResponse is the daemon's answer to a {"list":true} request.
type listResponse struct {
	Sessions []sessionWire `json:"sessions"`
}

// requestMarker is sent as the request's first line to select list/watch
// mode instead of a bare configDocument.
type requestMarker struct {
	Watch bool `json:"watch,omitempty"`
	List  bool `json:"list,omitempty"`
}

// notifyWire is one event of a watch stream.
type notifyWire struct {
	Op          string `json:"op"`
	PeerAddress string `json:"peer_address,omitempty"`
	Label       string `json:"label,omitempty"`

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
