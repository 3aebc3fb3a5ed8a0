package scene

import "framesync.io/internal/nettime"

type temporalSample struct {
	at  nettime.Time
	pos Vector3
	rot Quaternion
}

// TemporalBuffer keeps the most recent transform snapshots in arrival
// order and answers "where was this object at time t" by interpolating
// between the two snapshots bracketing t. Requests past the newest sample
// hold the latest value rather than extrapolating into the unknown.
type TemporalBuffer struct {
	samples []temporalSample
	head    int
	count   int
}

func NewTemporalBuffer(capacity int) TemporalBuffer {
	if capacity < 2 {
		capacity = 2
	}
	return TemporalBuffer{samples: make([]temporalSample, capacity)}
}

// Push records a snapshot. Samples older than the newest are dropped: the
// unreliable channel can reorder, and a late stale snapshot must not roll
// the trajectory backwards.
func (b *TemporalBuffer) Push(at nettime.Time, pos Vector3, rot Quaternion) {
	if b.count > 0 {
		newest := b.at(b.count - 1)
		if !newest.Before(at) {
			return
		}
	}
	b.samples[b.head] = temporalSample{at: at, pos: pos, rot: rot}
	b.head = (b.head + 1) % len(b.samples)
	if b.count < len(b.samples) {
		b.count++
	}
}

func (b *TemporalBuffer) at(i int) nettime.Time {
	return b.sample(i).at
}

// sample indexes from oldest (0) to newest (count-1).
func (b *TemporalBuffer) sample(i int) *temporalSample {
	idx := b.head - b.count + i
	if idx < 0 {
		idx += len(b.samples)
	}
	return &b.samples[idx]
}

func (b *TemporalBuffer) bracket(t nettime.Time) (lo, hi *temporalSample, blend float64, ok bool) {
	if b.count == 0 {
		return nil, nil, 0, false
	}
	newest := b.sample(b.count - 1)
	if !t.Before(newest.at) {
		return newest, newest, 0, true
	}
	oldest := b.sample(0)
	if t.Before(oldest.at) {
		return oldest, oldest, 0, true
	}
	for i := b.count - 1; i > 0; i-- {
		hi := b.sample(i)
		lo := b.sample(i - 1)
		if !t.Before(lo.at) && t.Before(hi.at) {
			span := hi.at.SubExact(lo.at)
			if span <= 0 {
				return lo, lo, 0, true
			}
			return lo, hi, t.SubExact(lo.at) / span, true
		}
	}
	return newest, newest, 0, true
}

// SamplePosition returns the interpolated world position at t. The second
// result is false only when no snapshot has arrived yet.
func (b *TemporalBuffer) SamplePosition(t nettime.Time) (Vector3, bool) {
	lo, hi, blend, ok := b.bracket(t)
	if !ok {
		return Vector3{}, false
	}
	if lo == hi {
		return lo.pos, true
	}
	return lo.pos.Lerp(hi.pos, blend), true
}

// SampleRotation returns the interpolated world rotation at t.
func (b *TemporalBuffer) SampleRotation(t nettime.Time) (Quaternion, bool) {
	lo, hi, blend, ok := b.bracket(t)
	if !ok {
		return QuaternionIdentity, false
	}
	if lo == hi {
		return lo.rot, true
	}
	return lo.rot.Slerp(hi.rot, blend), true
}
