// Package nettime provides the wrap-safe network timestamp shared by the
// server's authoritative clock and every client's estimated clock.
//
// A Time is an unsigned 32-bit frame counter plus a sub-frame fraction in
// [0,1). Frame arithmetic is modular: two times are compared by
// reinterpreting their unsigned difference as a signed 32-bit value, so
// ordering survives counter wraparound as long as the compared values are
// less than 2^31 frames apart. The synchronization protocol resynchronizes
// clocks long before that bound is reached.
package nettime

import "fmt"

type Time struct {
	frame    uint32
	fraction float64
}

// New returns a Time at the start of the given frame.
func New(frame uint32) Time {
	return Time{frame: frame}
}

func (t Time) Frame() uint32 {
	return t.frame
}

func (t Time) Fraction() float64 {
	return t.fraction
}

// Add returns the time deltaFrames whole frames away, preserving the
// fraction. deltaFrames may be negative; it wraps modulo 2^32.
func (t Time) Add(deltaFrames int64) Time {
	t.frame += uint32(deltaFrames)
	return t
}

// AddSeconds advances the time by seconds at the given frame rate. The
// fractional part carries into the frame counter, and negative values walk
// the clock backwards.
func (t Time) AddSeconds(seconds float64, updateFrequency uint32) Time {
	total := t.fraction + seconds*float64(updateFrequency)
	whole := int64(total)
	frac := total - float64(whole)
	if frac < 0 {
		whole--
		frac += 1
	}
	t.frame += uint32(whole)
	t.fraction = frac
	return t
}

// Sub returns the signed whole-frame distance from o to t, correct across
// wraparound for distances below 2^31 frames.
func (t Time) Sub(o Time) int64 {
	return int64(int32(t.frame - o.frame))
}

// SubExact is Sub including the sub-frame fractions.
func (t Time) SubExact(o Time) float64 {
	return float64(t.Sub(o)) + t.fraction - o.fraction
}

func (t Time) Equals(o Time) bool {
	return t.frame == o.frame && t.fraction == o.fraction
}

// Before reports whether t precedes o in wrap-safe order.
func (t Time) Before(o Time) bool {
	d := t.Sub(o)
	if d != 0 {
		return d < 0
	}
	return t.fraction < o.fraction
}

func (t Time) String() string {
	return fmt.Sprintf("%d.%03d", t.frame, int(t.fraction*1000))
}

// FrameDelta returns the signed distance from frame b to frame a, the raw
// form of Time.Sub for code that tracks bare frame counters.
func FrameDelta(a, b uint32) int64 {
	return int64(int32(a - b))
}
