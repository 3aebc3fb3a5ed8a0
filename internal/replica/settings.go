// Package replica implements the state-replication and clock
// synchronization engine: the server manager that keeps every connection's
// view of the scene consistent, and the client manager that mirrors the
// handshake, estimates server time and applies replicated state.
package replica

// Connection is the transport capability the engine consumes: one
// reliable-ordered channel and one unreliable channel to a single peer.
// Frames handed to either Send are submit-and-forget; a frame already
// submitted is never recalled, even when the connection is removed.
type Connection interface {
	ID() uint32
	SendReliable(frame []byte)
	SendUnreliable(frame []byte)
}

// Settings tunes the replication engine. Zero values mean "use default";
// call Normalized before constructing managers from hand-built values.
type Settings struct {
	// UpdateFrequency is the network tick rate in frames per second.
	UpdateFrequency uint32 `yaml:"update_frequency"`

	PingIntervalMs  uint32 `yaml:"ping_interval_ms"`
	MaxOngoingPings int    `yaml:"max_ongoing_pings"`
	NumTrimmedPings int    `yaml:"num_trimmed_pings"`

	// NumInitialPings is how many confirmed samples the server wants
	// before offering the first synchronization; it is clamped to the
	// sample window so the requirement stays reachable.
	NumInitialPings int `yaml:"num_initial_pings"`

	ClockIntervalMs        uint32 `yaml:"clock_interval_ms"`
	NumOngoingClockSamples int    `yaml:"num_ongoing_clock_samples"`
	NumTrimmedClockSamples int    `yaml:"num_trimmed_clock_samples"`

	// ClockDriftTolerance is how many frames of trimmed clock error a
	// client tolerates before nudging its estimate.
	ClockDriftTolerance float64 `yaml:"clock_drift_tolerance"`

	// ResyncFrameThreshold is the authoritative-frame jump, in frames,
	// beyond which the server forces a fresh handshake on a connection.
	ResyncFrameThreshold int64 `yaml:"resync_frame_threshold"`

	NumFeedbackDelaySamples int `yaml:"num_feedback_delay_samples"`

	// RelevanceTimeoutSec is the grace period before an object that left
	// a connection's interest is removed from its view.
	RelevanceTimeoutSec float64 `yaml:"relevance_timeout_sec"`
}

// DefaultSettings returns the stock tuning: 32 ticks per second, one ping
// per second over an 11-sample window trimmed by 3, clock reports four
// times per second over a 21-sample window.
func DefaultSettings() Settings {
	return Settings{
		UpdateFrequency:         32,
		PingIntervalMs:          1000,
		MaxOngoingPings:         11,
		NumTrimmedPings:         3,
		NumInitialPings:         11,
		ClockIntervalMs:         250,
		NumOngoingClockSamples:  21,
		NumTrimmedClockSamples:  3,
		ClockDriftTolerance:     0.75,
		ResyncFrameThreshold:    16,
		NumFeedbackDelaySamples: 31,
		RelevanceTimeoutSec:     5.0,
	}
}

// Normalized fills zero fields from DefaultSettings.
func (s Settings) Normalized() Settings {
	d := DefaultSettings()
	if s.UpdateFrequency == 0 {
		s.UpdateFrequency = d.UpdateFrequency
	}
	if s.PingIntervalMs == 0 {
		s.PingIntervalMs = d.PingIntervalMs
	}
	if s.MaxOngoingPings == 0 {
		s.MaxOngoingPings = d.MaxOngoingPings
	}
	if s.NumTrimmedPings == 0 {
		s.NumTrimmedPings = d.NumTrimmedPings
	}
	if s.NumInitialPings == 0 {
		s.NumInitialPings = d.NumInitialPings
	}
	if s.ClockIntervalMs == 0 {
		s.ClockIntervalMs = d.ClockIntervalMs
	}
	if s.NumOngoingClockSamples == 0 {
		s.NumOngoingClockSamples = d.NumOngoingClockSamples
	}
	if s.NumTrimmedClockSamples == 0 {
		s.NumTrimmedClockSamples = d.NumTrimmedClockSamples
	}
	if s.ClockDriftTolerance == 0 {
		s.ClockDriftTolerance = d.ClockDriftTolerance
	}
	if s.ResyncFrameThreshold == 0 {
		s.ResyncFrameThreshold = d.ResyncFrameThreshold
	}
	if s.NumFeedbackDelaySamples == 0 {
		s.NumFeedbackDelaySamples = d.NumFeedbackDelaySamples
	}
	if s.RelevanceTimeoutSec == 0 {
		s.RelevanceTimeoutSec = d.RelevanceTimeoutSec
	}
	return s
}

// minSyncSamples is how many confirmed ping samples the server wants
// before the first synchronization offer: the configured initial count,
// clamped to the sample window since confirmed samples never exceed it.
func (s Settings) minSyncSamples() int {
	n := s.NumInitialPings
	if n > s.MaxOngoingPings {
		n = s.MaxOngoingPings
	}
	if n < 1 {
		n = 1
	}
	return n
}
