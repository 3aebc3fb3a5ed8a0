package replica

import (
	"math/rand"

	"framesync.io/internal/clock"
	"framesync.io/internal/scene"
)

// clientConnectionData is everything the server keeps per connection. It
// is created on AddConnection and discarded whole on RemoveConnection;
// nothing in it is shared with other connections.
type clientConnectionData struct {
	conn Connection

	pinger   *clock.Pinger
	duePings []uint32

	synchronized     bool
	everSynchronized bool
	pendingSyncMagic uint32 // zero when no handshake is in flight
	lastSyncFrame    uint32

	// expectedFrame advances one frame per tick and trails the
	// authoritative frame; a divergence beyond the resync threshold
	// means the server clock warped under this connection.
	expectedFrame uint32

	syncAccumulator  float64
	clockAccumulator float64

	// isReplicated marks the scene slots this connection currently
	// knows about; relevanceTimeouts counts down, in seconds, toward
	// dropping slots that left its interest.
	isReplicated      bitVector
	relevanceTimeouts []float64

	pendingAdd    []scene.Object
	pendingRemove []uint32

	mask DeltaUpdateMask

	feedbackDelay       *clock.Sampler
	latestFeedbackFrame uint32
	hasFeedback         bool
}

func newClientConnectionData(conn Connection, s Settings, rng *rand.Rand) *clientConnectionData {
	// Until the handshake completes, pings go out at the clock-report
	// cadence so the initial sample window fills quickly. The pinger is
	// switched to PingIntervalMs once the connection synchronizes.
	return &clientConnectionData{
		conn:          conn,
		pinger:        clock.NewPinger(rng, s.ClockIntervalMs, s.MaxOngoingPings, s.NumTrimmedPings),
		feedbackDelay: clock.NewSampler(s.NumFeedbackDelaySamples, s.NumTrimmedClockSamples),
	}
}

func (d *clientConnectionData) relevanceTimeout(slot uint32) float64 {
	if int(slot) < len(d.relevanceTimeouts) {
		return d.relevanceTimeouts[slot]
	}
	return 0
}

func (d *clientConnectionData) setRelevanceTimeout(slot uint32, seconds float64) {
	for len(d.relevanceTimeouts) <= int(slot) {
		d.relevanceTimeouts = append(d.relevanceTimeouts, 0)
	}
	d.relevanceTimeouts[slot] = seconds
}

// forgetSlot drops every trace of a slot from this connection's view.
func (d *clientConnectionData) forgetSlot(slot uint32) {
	d.isReplicated.Set(slot, false)
	d.mask.Clear(slot)
	d.setRelevanceTimeout(slot, 0)
}
