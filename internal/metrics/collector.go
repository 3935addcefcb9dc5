package metrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "corebfd"
	subsystem = "bfd"
)

// Label names for BFD metrics.
const (
	labelPeerAddr    = "peer_addr"
	labelLocalAddr   = "local_addr"
	labelSessionType = "session_type"
	labelFromState   = "from_state"
	labelToState     = "to_state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus BFD Metrics
// -------------------------------------------------------------------------

// Collector holds all BFD Prometheus metrics.
//
//   - Session gauges track currently active sessions.
//   - Packet counters track TX/RX/drop/echo volumes per peer.
//   - State transition counters record FSM changes for alerting.
//   - SLA gauges surface the latency/jitter/loss samples SlaMeter produces
//     (spec 4.6), so an operator can alert on path degradation without
//     polling the control socket.
type Collector struct {
	// Sessions tracks the number of currently active BFD sessions.
	// Incremented on session creation, decremented on session destruction.
	Sessions *prometheus.GaugeVec

	// PacketsSent counts the total BFD Control packets transmitted per peer.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts the total BFD Control packets received per peer.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts BFD Control packets dropped (validation failures,
	// full receive channel, demux miss) per peer.
	PacketsDropped *prometheus.CounterVec

	// EchoPacketsSent counts echo packets transmitted per peer (RFC 9747).
	EchoPacketsSent *prometheus.CounterVec

	// EchoPacketsReceived counts echo packets looped back by the peer.
	EchoPacketsReceived *prometheus.CounterVec

	// StateTransitions counts FSM state transitions. Each counter is labeled
	// with the old state and new state for precise alerting (e.g., Up->Down).
	StateTransitions *prometheus.CounterVec

	// LatencyMS is the most recent round-trip latency sample per peer,
	// in milliseconds (spec 4.6's SessionSLA.LatencyMS).
	LatencyMS *prometheus.GaugeVec

	// JitterMS is the most recent inter-arrival jitter sample per peer.
	JitterMS *prometheus.GaugeVec

	// PacketLossPct is the most recent packet-loss-rate sample per peer,
	// expressed as a percentage in [0, 100].
	PacketLossPct *prometheus.GaugeVec
}

// NewCollector creates a Collector with all BFD metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "corebfd_bfd_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.EchoPacketsSent,
		c.EchoPacketsReceived,
		c.StateTransitions,
		c.LatencyMS,
		c.JitterMS,
		c.PacketLossPct,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	sessionLabels := []string{labelPeerAddr, labelLocalAddr, labelSessionType}
	peerLabels := []string{labelPeerAddr, labelLocalAddr}
	transitionLabels := []string{labelPeerAddr, labelLocalAddr, labelFromState, labelToState}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently active BFD sessions.",
		}, sessionLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total BFD Control packets transmitted.",
		}, peerLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total BFD Control packets received.",
		}, peerLabels),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total BFD Control packets dropped due to validation or buffer overflow.",
		}, peerLabels),

		EchoPacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "echo_packets_sent_total",
			Help:      "Total BFD echo packets transmitted (RFC 9747).",
		}, peerLabels),

		EchoPacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "echo_packets_received_total",
			Help:      "Total BFD echo packets looped back by the peer.",
		}, peerLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total BFD session FSM state transitions.",
		}, transitionLabels),

		LatencyMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "latency_ms",
			Help:      "Most recent round-trip latency sample, in milliseconds.",
		}, peerLabels),

		JitterMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jitter_ms",
			Help:      "Most recent inter-arrival jitter sample, in milliseconds.",
		}, peerLabels),

		PacketLossPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packet_loss_pct",
			Help:      "Most recent packet-loss-rate sample, as a percentage.",
		}, peerLabels),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active sessions gauge for the given peer.
// Called when a new BFD session is created by ConfigApplier.
func (c *Collector) RegisterSession(peer, local netip.Addr, sessionType string) {
	c.Sessions.WithLabelValues(peer.String(), local.String(), sessionType).Inc()
}

// UnregisterSession decrements the active sessions gauge for the given peer.
// Called when a BFD session is destroyed by ConfigApplier.
func (c *Collector) UnregisterSession(peer, local netip.Addr, sessionType string) {
	c.Sessions.WithLabelValues(peer.String(), local.String(), sessionType).Dec()
}

// -------------------------------------------------------------------------
// Packet Counters
// -------------------------------------------------------------------------

// IncPacketsSent increments the transmitted packets counter for the given peer.
// Called on each successful BFD Control packet transmission.
func (c *Collector) IncPacketsSent(peer, local netip.Addr) {
	c.PacketsSent.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncPacketsReceived increments the received packets counter for the given peer.
// Called on each successfully demultiplexed BFD Control packet.
func (c *Collector) IncPacketsReceived(peer, local netip.Addr) {
	c.PacketsReceived.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncPacketsDropped increments the dropped packets counter for the given peer.
// Called when a packet fails validation or cannot be delivered to a session.
func (c *Collector) IncPacketsDropped(peer, local netip.Addr) {
	c.PacketsDropped.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncEchoPacketsSent increments the transmitted echo packets counter.
func (c *Collector) IncEchoPacketsSent(peer, local netip.Addr) {
	c.EchoPacketsSent.WithLabelValues(peer.String(), local.String()).Inc()
}

// IncEchoPacketsReceived increments the received (looped-back) echo packets counter.
func (c *Collector) IncEchoPacketsReceived(peer, local netip.Addr) {
	c.EchoPacketsReceived.WithLabelValues(peer.String(), local.String()).Inc()
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels. Used for alerting on session flaps (e.g.,
// Up->Down transitions triggering route withdrawal in a consuming system).
func (c *Collector) RecordStateTransition(peer, local netip.Addr, from, to string) {
	c.StateTransitions.WithLabelValues(peer.String(), local.String(), from, to).Inc()
}

// -------------------------------------------------------------------------
// SLA
// -------------------------------------------------------------------------

// RecordSLA sets the latency/jitter/packet-loss gauges for the given peer
// from a SlaMeter observation (spec 4.6).
func (c *Collector) RecordSLA(peer, local netip.Addr, latencyMS, jitterMS, pktLossPct float64) {
	c.LatencyMS.WithLabelValues(peer.String(), local.String()).Set(latencyMS)
	c.JitterMS.WithLabelValues(peer.String(), local.String()).Set(jitterMS)
	c.PacketLossPct.WithLabelValues(peer.String(), local.String()).Set(pktLossPct)
}
