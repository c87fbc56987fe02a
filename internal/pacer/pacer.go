// Package pacer governs a connection's outgoing Data cadence (spec
// §4.7): maintain next_send_time, wait for it or for an inbound packet
// whichever comes first, and recompute cleanly on a rate change without
// accumulating historical debt. golang.org/x/time/rate's token bucket
// already has exactly that "recompute from now" property built into
// SetLimitAt, and Reservation.Cancel lets an interrupted wait return its
// unused token — so Pacer is a thin domain-shaped wrapper rather than a
// hand-rolled timer.
package pacer

import (
	"time"

	"golang.org/x/time/rate"
)

// Pacer paces one connection's Data emissions at a sending rate
// expressed in bits per second, given a fixed on-wire packet size.
type Pacer struct {
	limiter    *rate.Limiter
	packetSize int
}

// New returns a Pacer emitting packets of packetSize bytes at bps bits
// per second. A burst of 1 keeps the schedule tight to next_send_time
// rather than letting sends pool up after an idle period.
func New(bps uint32, packetSize int) *Pacer {
	return &Pacer{
		limiter:    rate.NewLimiter(bpsToPacketRate(bps, packetSize), 1),
		packetSize: packetSize,
	}
}

func bpsToPacketRate(bps uint32, packetSize int) rate.Limit {
	if packetSize <= 0 || bps == 0 {
		return 0
	}
	return rate.Limit(float64(bps) / 8 / float64(packetSize))
}

// SetRate changes the governed rate effective immediately, without
// retroactively crediting or debiting time already waited.
func (p *Pacer) SetRate(bps uint32) {
	p.limiter.SetLimitAt(time.Now(), bpsToPacketRate(bps, p.packetSize))
}

// Reserve claims the next send slot and returns how long to wait for
// it. If the caller's select picks a different branch first (an
// inbound packet, cancellation), it must call Cancel on the returned
// reservation so the slot isn't wasted.
func (p *Pacer) Reserve() *rate.Reservation {
	return p.limiter.ReserveN(time.Now(), 1)
}

// Paused reports whether the pacer is currently configured with a zero
// rate, in which case the sender loop should not attempt to reserve a
// slot at all (spec §4.7: "the loop is paused while the active range is
// empty" — callers pause by driving the rate to zero, or simply by not
// calling Reserve).
func (p *Pacer) Paused() bool {
	return p.limiter.Limit() <= 0
}
