package replica_test

import (
	"math"
	"testing"

	"framesync.io/internal/protocol"
	"framesync.io/internal/replica"
	"framesync.io/internal/scene"
)

func TestClient_clockDriftToleranceFromSettings(t *testing.T) {
	// Seed the estimate at frame 1000, then feed clock reports running
	// three frames ahead. Whether the estimate chases them is decided by
	// the configured tolerance.
	run := func(tolerance float64) float64 {
		settings := replica.DefaultSettings()
		settings.ClockDriftTolerance = tolerance
		client := replica.NewClient(&nullConn{id: 1}, scene.NewRegistry(), settings, nil, nil)

		id, body := encode(t, protocol.MsgSynchronize, func(w *protocol.Writer) {
			protocol.SynchronizeMsg{
				Magic:                  1,
				ConnectionID:           1,
				UpdateFrequency:        32,
				NumTrimmedClockSamples: 3,
				NumOngoingClockSamples: 21,
				LastFrame:              1000,
			}.Save(w)
		})
		client.ProcessMessage(id, body)

		for i := 0; i < 8; i++ {
			cid, cbody := encode(t, protocol.MsgClock, func(w *protocol.Writer) {
				protocol.ClockMsg{LastFrame: 1003}.Save(w)
			})
			client.ProcessMessage(cid, cbody)
		}
		return client.FrameDeltaRelativeTo(1003)
	}

	if d := run(0.5); math.Abs(d) > 0.5 {
		t.Fatalf("tight tolerance left the estimate %v frames off", d)
	}
	if d := run(50); math.Abs(d+3) > 0.5 {
		t.Fatalf("loose tolerance corrected anyway: delta = %v", d)
	}
}
