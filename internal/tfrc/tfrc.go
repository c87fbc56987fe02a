// Package tfrc implements the round-trip and loss-event bookkeeping
// behind the sender's rate cap (spec §4.4, §4.7) and the receiver's
// heartbeat/feedback cadence (spec §4.5), ported from the formulas in
// the reference implementation's connection.py (MAXIMUM_HEARTBEAT_INTERVAL,
// SCHEDULING_GRANULARITY, the min_interval expression in its Requesting
// loop) plus the standard TFRC throughput equation (RFC 5348 §3.1) for
// the part the reference implementation left unimplemented.
package tfrc

import (
	"math"
	"sync"
	"time"

	"github.com/felixschorer/cmb-protocol/internal/fec"
	"github.com/felixschorer/cmb-protocol/internal/wire"
)

// segmentSize is the on-wire cost of one symbol transmission: header
// plus payload, used both as the heartbeat formula's SEGMENT_SIZE and
// as the packet size term "s" in the TFRC throughput equation.
const segmentSize = wire.DataHeaderSize + fec.SymbolSize

// MaxHeartbeatInterval bounds how rarely an Established-state receiver
// re-sends its keepalive Request, matching the reference
// implementation's MAXIMUM_HEARTBEAT_INTERVAL.
const MaxHeartbeatInterval = 250 * time.Millisecond

// SchedulingGranularity is the minimum sleep the cooperative loops use
// when polling for "is it time yet", matching SCHEDULING_GRANULARITY.
const SchedulingGranularity = time.Millisecond

// minRateBps floors the TFRC-capped rate so a high loss-event rate can
// never collapse the allowed rate to zero and stall the connection
// (spec §9: "floor the result at a small minimum to prevent stall").
const minRateBps = 1000

// emaAlpha is the EWMA smoothing weight on a new RTT sample (spec §4.4:
// "exponential moving average, α ≈ 1/8 on new sample").
const emaAlpha = 1.0 / 8.0

// Estimator tracks one connection's smoothed RTT and most recently
// reported loss-event rate, and derives the values that depend on them:
// the TFRC-capped sending rate, the feedback/heartbeat cadence.
type Estimator struct {
	mu            sync.Mutex
	haveRTT       bool
	srtt          time.Duration
	lossEventRate float64
}

// UpdateRTT folds a new round-trip sample into the smoothed estimate.
func (e *Estimator) UpdateRTT(sample time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveRTT {
		e.srtt = sample
		e.haveRTT = true
		return
	}
	e.srtt = time.Duration((1-emaAlpha)*float64(e.srtt) + emaAlpha*float64(sample))
}

// UpdateLossEventRate records the receiver's latest loss-event-rate
// report, carried verbatim on the wire rather than smoothed again here.
func (e *Estimator) UpdateLossEventRate(p float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lossEventRate = p
}

// RTT returns the current smoothed round-trip estimate and whether any
// sample has been observed yet.
func (e *Estimator) RTT() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.srtt, e.haveRTT
}

// LossEventRate returns the most recently reported loss-event rate.
func (e *Estimator) LossEventRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lossEventRate
}

// AllowedRate returns the lesser of the receiver-requested rate and the
// TFRC equation's throughput bound, in bits per second. With no RTT
// sample or no reported loss, the equation is undefined and the
// requested rate passes through unchanged.
func (e *Estimator) AllowedRate(requestedBps uint32) uint32 {
	e.mu.Lock()
	r, haveRTT, p := e.srtt, e.haveRTT, e.lossEventRate
	e.mu.Unlock()

	if !haveRTT || p <= 0 {
		return requestedBps
	}

	rSec := r.Seconds()
	if rSec <= 0 {
		return requestedBps
	}
	const b = 1.0 // packets acknowledged per loss-event report
	rto := 4 * rSec
	denom := rSec*math.Sqrt(2*b*p/3) + rto*(3*math.Sqrt(3*b*p/8))*p*(1+32*p*p)
	if denom <= 0 {
		return requestedBps
	}
	bytesPerSec := float64(segmentSize) / denom
	capBps := bytesPerSec * 8

	if capBps < float64(requestedBps) {
		if capBps < minRateBps {
			return minRateBps
		}
		return uint32(capBps)
	}
	return requestedBps
}

// FeedbackPeriod is T_fb from spec §4.5: one RTT, floored at a fixed
// minimum so feedback doesn't flood a low-latency path.
func (e *Estimator) FeedbackPeriod() time.Duration {
	rtt, haveRTT := e.RTT()
	if !haveRTT || rtt < MaxHeartbeatInterval {
		return MaxHeartbeatInterval
	}
	return rtt
}

// HeartbeatInterval is the Established-state keepalive cadence from the
// reference implementation. With no RTT sample it is
// MaxHeartbeatInterval. Once the RTT is known it is the RTT capped at
// MaxHeartbeatInterval, but never less than the time to emit four
// segments at the negotiated rate (itself floored by the scheduling
// granularity).
func HeartbeatInterval(haveRTT bool, rtt time.Duration, sendingRateBps uint32) time.Duration {
	if sendingRateBps == 0 {
		return MaxHeartbeatInterval
	}
	minInterval := time.Duration(4 * segmentSize * 8 / float64(sendingRateBps) * float64(time.Second))
	if minInterval < SchedulingGranularity {
		minInterval = SchedulingGranularity
	}
	if !haveRTT {
		return MaxHeartbeatInterval
	}
	bound := rtt
	if bound > MaxHeartbeatInterval {
		bound = MaxHeartbeatInterval
	}
	if minInterval > bound {
		return minInterval
	}
	return bound
}
