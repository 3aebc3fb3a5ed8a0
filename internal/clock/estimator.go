package clock

import "framesync.io/internal/nettime"

// staleEpochFrames bounds how large a clock error is still considered
// drift; anything larger is a leftover from before a time warp.
const staleEpochFrames = 256

// Estimator maintains a client's view of the server clock. A full
// synchronization (handshake) seeds the estimate from the server's frame
// plus half the round-trip; between handshakes the estimate free-runs on
// local frame time, and periodic clock observations feed a trimmed drift
// window that nudges the estimate back when the accumulated error exceeds
// the tolerance.
type Estimator struct {
	updateFrequency uint32
	time            nettime.Time
	synchronized    bool
	lastSyncFrame   uint32

	drift     *Sampler
	tolerance float64
}

// NewEstimator creates an estimator averaging drift over numOngoing clock
// observations with the given trim, correcting once the trimmed error
// exceeds toleranceFrames.
func NewEstimator(numOngoing, trimmed int, toleranceFrames float64) *Estimator {
	return &Estimator{
		drift:     NewSampler(numOngoing, trimmed),
		tolerance: toleranceFrames,
	}
}

// Resync snaps the estimate to the server frame corrected by one-way delay
// and marks the estimator synchronized. Any pending drift window is
// discarded: it measured the previous epoch.
func (e *Estimator) Resync(serverFrame uint32, pingSeconds float64, updateFrequency uint32) {
	e.updateFrequency = updateFrequency
	e.time = nettime.New(serverFrame).AddSeconds(pingSeconds/2, updateFrequency)
	e.lastSyncFrame = serverFrame
	e.synchronized = true
	e.drift.Reset()
}

// Advance free-runs the estimate by one local frame step.
func (e *Estimator) Advance(timeStep float64) {
	if !e.synchronized {
		return
	}
	e.time = e.time.AddSeconds(timeStep, e.updateFrequency)
}

// ObserveClock folds one server clock report into the drift window and
// applies a correction when the trimmed error settles beyond tolerance.
func (e *Estimator) ObserveClock(serverFrame uint32, pingSeconds float64) {
	if !e.synchronized {
		return
	}
	expected := nettime.New(serverFrame).AddSeconds(pingSeconds/2, e.updateFrequency)
	err := expected.SubExact(e.time)

	// Reports this far out belong to a clock epoch a forced
	// resynchronization already replaced; drift correction must not
	// chase them.
	if err > staleEpochFrames || err < -staleEpochFrames {
		return
	}
	e.drift.Push(err)

	avg, ok := e.drift.Average()
	if !ok || e.drift.Count() < 3 {
		return
	}
	if avg > e.tolerance || avg < -e.tolerance {
		e.time = e.time.AddSeconds(avg/float64(e.updateFrequency), e.updateFrequency)
		e.drift.Reset()
	}
}

func (e *Estimator) IsSynchronized() bool {
	return e.synchronized
}

// Time returns the estimated current server time.
func (e *Estimator) Time() nettime.Time {
	return e.time
}

// LastSyncFrame returns the server frame of the most recent handshake,
// letting callers observe that a fresh synchronization happened.
func (e *Estimator) LastSyncFrame() uint32 {
	return e.lastSyncFrame
}

// FrameDeltaRelativeTo returns the signed distance, in frames, from the
// reference frame to the estimated current frame.
func (e *Estimator) FrameDeltaRelativeTo(referenceFrame uint32) float64 {
	return e.time.SubExact(nettime.New(referenceFrame))
}
