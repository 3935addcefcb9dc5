package bfdcore

import (
	"math/rand/v2"
	"time"
)

// TxInterval returns the nominal (unjittered) transmit interval for s
// (RFC 5880 Section 6.8.3): outside Up, BFD_DEF_SLOWTX; when Up, the
// greater of the locally configured up_min_tx and the peer's advertised
// RequiredMinRx.
func TxInterval(s *Session) time.Duration {
	if s.State != StateUp {
		return DefSlowTx
	}
	return max(s.Timers.UpMinTx, s.Remote.RequiredMinRx)
}

// DetectionTime returns the current detection timeout (RFC 5880 Section
// 6.8.4): remote.detect_mult * max(local.required_min_rx, peer.desired_min_tx).
// Before any packet has been received, RemoteDetectMult is zero and the
// nominal transmit interval times the local detect multiplier is used
// instead, matching the provisional value the original source computes
// before negotiation completes. With the echo function active, the
// detection time is instead driven by the echo interval (spec 4.2).
func DetectionTime(s *Session) time.Duration {
	if s.EchoActive {
		return time.Duration(int64(s.Timers.EchoXmtTO) * int64(s.Remote.DetectMult))
	}
	if s.Remote.DetectMult == 0 {
		return TxInterval(s) * time.Duration(s.Timers.DetectMult)
	}
	agreed := max(s.Timers.RequiredMinRx, s.Remote.DesiredMinTx)
	return agreed * time.Duration(s.Remote.DetectMult)
}

// ApplyJitter draws a jittered interval uniformly from [75%, 100%) of
// interval, or [75%, 90%) when detectMult == 1 (RFC 5880 Section 6.8.7:
// "the periodic transmission ... MUST be jittered... detect_mult of one,
// ... reduced by a percentage randomly chosen between 10% and 25%; if the
// Detect Mult is greater than one, the interval is reduced by a
// percentage randomly chosen between 0% and 25%"). The PRNG is
// non-cryptographic by design (spec 9's "unbounded jitter RNG" note).
func ApplyJitter(interval time.Duration, detectMult uint8) time.Duration {
	if interval <= 0 {
		return interval
	}

	// Whole-percent reductions: 11..25 keeps the result strictly below 90%,
	// 1..25 keeps it strictly below 100%, and 25 lands exactly on 75%.
	var jitterPercent int
	if detectMult == 1 {
		jitterPercent = 11 + rand.IntN(15)
	} else {
		jitterPercent = 1 + rand.IntN(25)
	}

	reduction := time.Duration(int64(interval) * int64(jitterPercent) / 100)
	return interval - reduction
}
