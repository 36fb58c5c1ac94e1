// Package aootime implements the 64-bit OSC/NTP time-tag representation used
// throughout the aoo protocol: high 32 bits are seconds since 1900-01-01,
// low 32 bits are a fractional-second count scaled by 2^32.
package aootime

import "time"

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01T00:00:00Z) and the Unix epoch (1970-01-01T00:00:00Z).
const ntpEpochOffset = 2208988800

// TimeTag is an OSC NTP timestamp: seconds<<32 | fraction.
type TimeTag uint64

// Zero is the immediate/asap time tag (all bits zero has no NTP meaning but
// is reserved by OSC as "execute immediately"; aoo never schedules on it).
const Zero TimeTag = 0

// Now returns the current wall-clock time as a TimeTag.
func Now() TimeTag {
	return FromTime(time.Now())
}

// FromTime converts a time.Time to a TimeTag.
func FromTime(t time.Time) TimeTag {
	secs := uint64(t.Unix()+ntpEpochOffset) & 0xffffffff
	frac := uint64(float64(t.Nanosecond()) / 1e9 * (1 << 32))
	return TimeTag(secs<<32 | (frac & 0xffffffff))
}

// ToTime converts a TimeTag back to a time.Time (UTC).
func (t TimeTag) ToTime() time.Time {
	secs := int64(t>>32) - ntpEpochOffset
	frac := uint64(t & 0xffffffff)
	nanos := int64(float64(frac) / (1 << 32) * 1e9)
	return time.Unix(secs, nanos).UTC()
}

// Seconds returns the time tag as seconds since the NTP epoch, as a float64
// with sub-second precision.
func (t TimeTag) Seconds() float64 {
	secs := float64(t >> 32)
	frac := float64(t&0xffffffff) / (1 << 32)
	return secs + frac
}

// FromSeconds builds a TimeTag from a floating-point NTP-epoch second count.
func FromSeconds(s float64) TimeTag {
	secs := uint64(s)
	frac := uint64((s - float64(secs)) * (1 << 32))
	return TimeTag(secs<<32 | (frac & 0xffffffff))
}

// Sub returns the duration a-b in seconds, matching the OSC-spec duration
// arithmetic referenced in spec.md §6.3.
func Sub(a, b TimeTag) float64 {
	return a.Seconds() - b.Seconds()
}

// Add returns a time tag offset from t by dur seconds (may be negative).
func Add(t TimeTag, dur float64) TimeTag {
	return FromSeconds(t.Seconds() + dur)
}
