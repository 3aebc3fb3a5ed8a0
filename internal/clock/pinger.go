package clock

import "math/rand"

type pendingPing struct {
	magic  uint32
	sentAt float64
}

// Pinger owns one end's ping schedule: it decides when pings are due,
// remembers outstanding magics with their send times, and folds confirmed
// round-trips into a trimmed-mean Sampler. Time is the caller's simulation
// time, advanced through Advance, so the whole pipeline stays
// deterministic under a simulated transport.
type Pinger struct {
	samples *Sampler
	rng     *rand.Rand

	now         float64
	intervalSec float64
	accumulator float64

	pending    []pendingPing
	maxPending int

	override     float64
	hasOverride  bool
	firstPingDue bool
}

// NewPinger creates a pinger sending one ping per intervalMs, keeping up to
// maxOngoing confirmed samples and at most maxOngoing outstanding pings.
func NewPinger(rng *rand.Rand, intervalMs uint32, maxOngoing, trimmed int) *Pinger {
	return &Pinger{
		samples:      NewSampler(maxOngoing, trimmed),
		rng:          rng,
		intervalSec:  float64(intervalMs) / 1000.0,
		maxPending:   maxOngoing,
		firstPingDue: true,
	}
}

// SetInterval changes the ping cadence. The accumulated time toward the
// next ping is kept, so a shorter interval may make a ping due on the
// following Advance.
func (p *Pinger) SetInterval(seconds float64) {
	p.intervalSec = seconds
}

// Advance moves the internal clock forward and returns the magics of the
// pings that became due this step. A long frame can make several pings due
// at once; they are all returned rather than lost.
func (p *Pinger) Advance(timeStep float64) []uint32 {
	p.now += timeStep

	var due []uint32
	if p.firstPingDue {
		p.firstPingDue = false
		due = append(due, p.begin())
	}
	p.accumulator += timeStep
	for p.accumulator >= p.intervalSec {
		p.accumulator -= p.intervalSec
		due = append(due, p.begin())
	}
	return due
}

func (p *Pinger) begin() uint32 {
	magic := p.newMagic()
	if len(p.pending) >= p.maxPending {
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, pendingPing{magic: magic, sentAt: p.now})
	return magic
}

func (p *Pinger) newMagic() uint32 {
	for {
		if m := p.rng.Uint32(); m != 0 {
			return m
		}
	}
}

// CompletePong matches a pong received at the current clock time. Callers
// with a more precise receive time should use CompletePongAt: rounding the
// receive time up to a frame boundary overstates every sample.
func (p *Pinger) CompletePong(magic uint32) bool {
	return p.CompletePongAt(magic, p.now)
}

// CompletePongAt matches a received pong against outstanding pings, using
// at as the receive time on the same clock Advance drives. A match consumes
// the matched entry and everything older (those pings or pongs were lost);
// unknown or stale magics are dropped silently.
func (p *Pinger) CompletePongAt(magic uint32, at float64) bool {
	for i, pp := range p.pending {
		if pp.magic == magic {
			elapsed := at - pp.sentAt
			if elapsed < 0 {
				elapsed = 0
			}
			p.samples.Push(elapsed)
			p.pending = p.pending[i+1:]
			return true
		}
	}
	return false
}

// PingSeconds returns the current round-trip estimate in seconds.
func (p *Pinger) PingSeconds() float64 {
	if p.hasOverride {
		return p.override
	}
	avg, ok := p.samples.Average()
	if !ok {
		return 0
	}
	return avg
}

// PingMs returns the estimate rounded to the nearest millisecond.
func (p *Pinger) PingMs() uint32 {
	return uint32(p.PingSeconds()*1000 + 0.5)
}

func (p *Pinger) SampleCount() int {
	return p.samples.Count()
}

// SetOverride pins the reported ping to a fixed value, for tests.
func (p *Pinger) SetOverride(seconds float64) {
	p.override = seconds
	p.hasOverride = true
}

func (p *Pinger) ClearOverride() {
	p.hasOverride = false
}
