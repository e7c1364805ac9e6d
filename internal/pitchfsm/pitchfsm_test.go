package pitchfsm

import (
	"errors"
	"testing"

	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/stereo"
	"github.com/stretchr/testify/require"
)

type recordingCallbacks struct {
	starts      []int
	ends        []*PitchData
	startErr    error
	endErr      error
	startCalled int
	endCalled   int
}

func (c *recordingCallbacks) OnPitchStart(pitchIndex int, data *PitchData) error {
	c.startCalled++
	if c.startErr != nil {
		return c.startErr
	}
	c.starts = append(c.starts, pitchIndex)
	return nil
}

func (c *recordingCallbacks) OnPitchEnd(data *PitchData) error {
	c.endCalled++
	if c.endErr != nil {
		return c.endErr
	}
	c.ends = append(c.ends, data)
	return nil
}

func trackingCfg() config.TrackingConfig {
	return config.TrackingConfig{
		MinActiveFrames: 5,
		EndGapFrames:    10,
		MinObservations: 3,
		MinDurationMs:   100,
		PreRollMs:       330,
		PostRollMs:      500,
	}
}

const framePeriodNs = 33_333_333

// TestFalseTriggerRejection mirrors spec scenario 1: 3 active frames then
// 12 gap frames never reaches ACTIVE.
func TestFalseTriggerRejection(t *testing.T) {
	cb := &recordingCallbacks{}
	m := NewMachine(trackingCfg(), 10, cb)

	for k := int64(0); k < 3; k++ {
		m.Update(k*framePeriodNs, 1, 0, 0)
	}
	for k := int64(3); k < 15; k++ {
		m.Update(k*framePeriodNs, 0, 0, 0)
	}

	require.Equal(t, 0, cb.startCalled)
	require.Equal(t, 0, cb.endCalled)
	require.Equal(t, 0, m.PitchIndex())
	require.Equal(t, Inactive, m.Phase())
}

// TestFullPitchLifecycle drives activity long enough to promote to
// ACTIVE, then ends it with a sufficient gap, and checks both callbacks
// fire with a valid PitchData.
func TestFullPitchLifecycle(t *testing.T) {
	cb := &recordingCallbacks{}
	m := NewMachine(trackingCfg(), 10, cb)

	var frameNs int64
	for k := 0; k < 6; k++ {
		frameNs = int64(k) * framePeriodNs
		m.BufferFrame(frame.Left, &frame.Frame{FrameIndex: uint64(k), TCaptureNs: frameNs})
		m.Update(frameNs, 1, 0, 0)
		m.AddObservation(stereo.Observation{TNs: frameNs, X: 1, Y: 2, Z: 10})
	}
	require.Equal(t, 1, cb.startCalled)
	require.Equal(t, Active, m.Phase())

	lastActiveNs := frameNs
	for k := 7; k < 7+10; k++ {
		frameNs = int64(k) * framePeriodNs
		m.Update(frameNs, 0, 0, 0)
	}

	require.Equal(t, 1, cb.endCalled)
	require.Len(t, cb.ends, 1)
	require.True(t, cb.ends[0].Valid)
	require.Equal(t, lastActiveNs, cb.ends[0].EndNs)
	require.Equal(t, Inactive, m.Phase())
	require.Equal(t, 1, m.PitchIndex())
}

func TestOnPitchStartFailureRollsBack(t *testing.T) {
	cb := &recordingCallbacks{startErr: errors.New("disk full")}
	m := NewMachine(trackingCfg(), 10, cb)

	// 5 active frames is exactly enough to trigger the RAMP_UP->ACTIVE
	// promotion attempt (and its failure) on the last iteration, without
	// a further frame that would re-enter RAMP_UP after the rollback.
	for k := 0; k < 5; k++ {
		m.Update(int64(k)*framePeriodNs, 1, 0, 0)
	}

	require.Equal(t, 0, m.PitchIndex())
	require.Equal(t, Inactive, m.Phase())
}

func TestUpdateConfigRefusedOutsideInactive(t *testing.T) {
	cb := &recordingCallbacks{}
	m := NewMachine(trackingCfg(), 10, cb)
	for k := 0; k < 6; k++ {
		m.Update(int64(k)*framePeriodNs, 1, 0, 0)
	}
	require.Equal(t, Active, m.Phase())

	err := m.UpdateConfig(trackingCfg())
	require.Error(t, err)
}

func TestUpdateConfigSucceedsWhileInactive(t *testing.T) {
	cb := &recordingCallbacks{}
	m := NewMachine(trackingCfg(), 10, cb)
	newCfg := trackingCfg()
	newCfg.MinActiveFrames = 99
	require.NoError(t, m.UpdateConfig(newCfg))
}

func TestRampUpObservationsPromoteAheadOfActiveObservations(t *testing.T) {
	cb := &recordingCallbacks{}
	m := NewMachine(trackingCfg(), 10, cb)

	for k := 0; k < 5; k++ {
		frameNs := int64(k) * framePeriodNs
		m.Update(frameNs, 1, 0, 0)
		m.AddObservation(stereo.Observation{TNs: frameNs})
	}
	require.Equal(t, Active, m.Phase())
	require.Len(t, cb.starts[0:], 1)

	// Frames 0-3 were observed during RAMP_UP; frame 4's observation arrived
	// after the promotion on that frame and must follow them.
	require.Len(t, m.activeObs, 5)
	for k := 0; k < 5; k++ {
		require.Equal(t, int64(k)*framePeriodNs, m.activeObs[k].TNs)
	}
}

func TestPlateGateOverridesLaneGate(t *testing.T) {
	cb := &recordingCallbacks{}
	cfg := trackingCfg()
	cfg.UsePlateGate = true
	m := NewMachine(cfg, 10, cb)

	// Lane counts present but no plate detection: must stay INACTIVE.
	m.Update(0, 5, 5, 0)
	require.Equal(t, Inactive, m.Phase())

	m.Update(framePeriodNs, 0, 0, 1)
	require.Equal(t, RampUp, m.Phase())
}

func TestEventLogWrapsAtCapacity(t *testing.T) {
	cb := &recordingCallbacks{}
	m := NewMachine(trackingCfg(), 10, cb)
	for i := 0; i < defaultEventLogCapacity+50; i++ {
		m.logEvent(Event{Kind: EventTransition, Detail: "x", FrameNs: int64(i)})
	}
	events := m.Events()
	require.Len(t, events, defaultEventLogCapacity)
	require.Equal(t, int64(50), events[0].FrameNs)
}
