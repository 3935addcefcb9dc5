package bfdcore

import "time"

// PktsToConsiderForPktLoss is the window size, in received packets, over
// which SlaMeter recomputes the packet-loss percentage. The defining
// header for this constant is not present in the retrieved BFD source
// tree; 20 is chosen as a reasonable window (large enough to smooth over
// jittered transmit timing, small enough to react within a few detect
// intervals) and is otherwise arbitrary.
const PktsToConsiderForPktLoss = 20

// SLAUpdate is the measurement SlaMeter.Observe produces once per
// detect_mult received packets, ready for NotifyOut's SLA event.
type SLAUpdate struct {
	Discr     uint32
	RemoteDiscr uint32
	LatencyMS float64
	JitterMS  float64
	PktLossPct float64
}

// SlaMeter derives rolling latency, jitter and packet-loss measurements
// from a session's transmit/receive timestamps and counters (spec 4.5).
// It holds no state of its own — everything it needs lives on the
// Session it is handed, so a single SlaMeter instance serves every
// session.
type SlaMeter struct{}

// NewSlaMeter returns a stateless SlaMeter.
func NewSlaMeter() *SlaMeter { return &SlaMeter{} }

// Observe records one round-trip sample (recvTime - s.XmitTV) against s
// and, once every detect_mult received packets, returns a populated
// SLAUpdate and resets the latency/jitter accumulators. It returns
// ok=false on every other call, and is a no-op unless s.TrackSLA is set.
//
// Grounded on ptm_bfd_send_sla_update: latency accumulates in
// milliseconds across detect_mult samples then divides by detect_mult;
// jitter accumulates |Δlatency| and divides by detect_mult-1; pkts_lost
// is a cumulative counter and only the delta over the last
// PktsToConsiderForPktLoss window is reported as a percentage, carried
// forward (not reset) across emissions — matching the C implementation's
// "total_pkts % PKTS_TO_CONSIDER_FOR_PKT_LOSS < detect_mult" guard
// verbatim, off-by-one at wrap-around included (spec 9, documented as-is).
func (*SlaMeter) Observe(s *Session, recvTime time.Time) (SLAUpdate, bool) {
	if !s.TrackSLA {
		return SLAUpdate{}, false
	}

	elapsedMS := float64(recvTime.Sub(s.XmitTV).Milliseconds())
	s.SLA.Latency += elapsedMS
	if s.SLA.OldLat != 0 {
		s.SLA.Jitter += absFloat(s.SLA.OldLat - elapsedMS)
	}
	s.SLA.OldLat = elapsedMS

	totalPkts := s.Stats.RxCtrlPkt + s.Stats.RxEchoPkt
	detectMult := uint64(s.Timers.DetectMult)
	if detectMult == 0 || totalPkts%detectMult != 0 {
		return SLAUpdate{}, false
	}

	if totalPkts%PktsToConsiderForPktLoss < detectMult {
		totalLost := (s.Stats.TxCtrlPkt + s.Stats.TxEchoPkt) - (s.Stats.RxCtrlPkt + s.Stats.RxEchoPkt)
		s.SLA.PktLoss = float64(totalLost-s.SLA.PktsLost) / float64(PktsToConsiderForPktLoss) * 100
		s.SLA.PktsLost = totalLost
	}

	s.SLA.Latency /= float64(detectMult)
	if detectMult > 1 {
		s.SLA.Jitter /= float64(detectMult - 1)
	}

	update := SLAUpdate{
		Discr:      s.LocalDiscr,
		RemoteDiscr: s.RemoteDiscr,
		LatencyMS:  s.SLA.Latency,
		JitterMS:   s.SLA.Jitter,
		PktLossPct: s.SLA.PktLoss,
	}

	s.SLA.Latency = 0
	s.SLA.Jitter = 0
	s.SLA.OldLat = 0

	return update, true
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
