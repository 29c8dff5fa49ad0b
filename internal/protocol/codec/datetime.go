package codec

import (
	"math"
	"time"
)

const (
	ticksPerSecond = 10_000_000
	// 100 ns ticks between 1601-01-01 and 1970-01-01.
	epochTicks int64 = 116444736000000000
)

// TicksFromTime converts t to 100 ns ticks since 1601-01-01 UTC. The zero
// time and anything before 1601 map to 0; far future times clamp to MaxInt64.
func TicksFromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	sec := t.Unix()
	if sec < -epochTicks/ticksPerSecond {
		return 0
	}
	if sec >= (math.MaxInt64-epochTicks)/ticksPerSecond {
		return math.MaxInt64
	}
	return sec*ticksPerSecond + int64(t.Nanosecond()/100) + epochTicks
}

// TimeFromTicks is the inverse of TicksFromTime. Non-positive ticks decode to
// the zero time.
func TimeFromTicks(ticks int64) time.Time {
	if ticks <= 0 {
		return time.Time{}
	}
	rel := ticks - epochTicks
	sec, rem := rel/ticksPerSecond, rel%ticksPerSecond
	if rem < 0 {
		sec--
		rem += ticksPerSecond
	}
	return time.Unix(sec, rem*100).UTC()
}
