// Package timestamp implements the 24-bit wrapping millisecond timestamp
// carried by several CMB packets (spec §4.1: "24-bit relative-millisecond
// timestamps (wrap at 2^24 ms ≈ 4.66 h; differences are computed modulo
// 2^24)"). Ported from the reference implementation's Timestamp class
// (original_source/cmb_protocol/timestamp.py), which defines ordering via
// the smaller of the two circular differences.
package timestamp

import "time"

// wrapMillis is 2^24, the point at which the wire representation wraps.
const wrapMillis = 1 << 24

// T is a point in time, relative to some connection-local epoch, stored as
// milliseconds modulo 2^24.
type T uint32

// Now returns the current time relative to epoch, wrapped to 24 bits.
func Now(epoch time.Time) T {
	return FromDuration(time.Since(epoch))
}

// FromDuration wraps a duration into the 24-bit millisecond space.
func FromDuration(d time.Duration) T {
	ms := uint32(d.Milliseconds()) & (wrapMillis - 1)
	return T(ms)
}

// FromBytes decodes a 3-byte big-endian timestamp field.
func FromBytes(b []byte) T {
	return T(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]))
}

// AppendBytes appends the 3-byte big-endian encoding of t to buf.
func (t T) AppendBytes(buf []byte) []byte {
	return append(buf, byte(t>>16), byte(t>>8), byte(t))
}

// Sub returns the duration elapsed from other to t, resolving the 24-bit
// wrap by taking the representative in (-2^23, 2^23] milliseconds.
func (t T) Sub(other T) time.Duration {
	diff := int32(t) - int32(other)
	diff = ((diff + wrapMillis/2) % wrapMillis) - wrapMillis/2
	if diff <= -wrapMillis/2 {
		diff += wrapMillis
	}
	return time.Duration(diff) * time.Millisecond
}

// Before reports whether t represents an earlier instant than other,
// accounting for wraparound the way the reference implementation's
// __lt__ does (self is older if the forward distance from self to other
// is shorter than the reverse distance).
func (t T) Before(other T) bool {
	return t.Sub(other) < 0
}

// After reports whether t represents a later instant than other.
func (t T) After(other T) bool {
	return t.Sub(other) > 0
}

// Add returns t advanced by d, wrapped to 24 bits.
func (t T) Add(d time.Duration) T {
	return FromDuration(time.Duration(t)*time.Millisecond + d)
}
