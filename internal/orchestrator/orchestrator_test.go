package orchestrator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/berginj/pitchtracker/internal/calib"
	"github.com/berginj/pitchtracker/internal/capqueue"
	"github.com/berginj/pitchtracker/internal/capture"
	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/detect"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/pitchfsm"
	"github.com/berginj/pitchtracker/internal/stereo"
)

// fakeCaptureSource is a minimal capture.Source that never touches real
// hardware, tracking Close calls in a shared order log (mirrors
// capture.fakeSource in internal/capture/source_test.go).
type fakeCaptureSource struct {
	name string
	log  *[]string
}

func (f *fakeCaptureSource) Open(string) error                            { return nil }
func (f *fakeCaptureSource) SetMode(int, int, int, config.PixelFormat) error { return nil }
func (f *fakeCaptureSource) SetControls(int, float64, string) error       { return nil }
func (f *fakeCaptureSource) ReadFrame(time.Duration) (*frame.Frame, error) { return nil, nil }
func (f *fakeCaptureSource) Close() error {
	*f.log = append(*f.log, f.name)
	return nil
}

// fakeDetector is a minimal detect.Detector that never touches gocv.
type fakeDetector struct {
	name string
	log  *[]string
}

func (f *fakeDetector) Detect(*frame.Frame) ([]detect.Detection, error) { return nil, nil }
func (f *fakeDetector) Close() error {
	*f.log = append(*f.log, f.name)
	return nil
}

var (
	_ capture.Source  = (*fakeCaptureSource)(nil)
	_ detect.Detector = (*fakeDetector)(nil)
)

func TestBoolFlagDefaultsFalse(t *testing.T) {
	var b boolFlag
	require.False(t, b.get())
	b.set(true)
	require.True(t, b.get())
	b.set(false)
	require.False(t, b.get())
}

func TestActivityStateRecordCombinesBothCameras(t *testing.T) {
	var a activityState
	left, right, plate := a.record(frame.Left, 2, 1)
	require.Equal(t, 2, left)
	require.Equal(t, 0, right)
	require.Equal(t, 1, plate)

	left, right, plate = a.record(frame.Right, 3, 2)
	require.Equal(t, 2, left)
	require.Equal(t, 3, right)
	require.Equal(t, 3, plate)

	// A later left update must not clobber the right camera's last count.
	left, right, plate = a.record(frame.Left, 5, 0)
	require.Equal(t, 5, left)
	require.Equal(t, 3, right)
	require.Equal(t, 2, plate)
}

func TestROIFromPolygonEmptyIsUnrestricted(t *testing.T) {
	roi := roiFromPolygon(nil)
	require.True(t, roi.Contains(1e9, -1e9))
}

func TestROIFromPolygonConvertsPoints(t *testing.T) {
	poly := [][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	roi := roiFromPolygon(poly)
	require.True(t, roi.Contains(5, 5))
	require.False(t, roi.Contains(50, 50))
}

// TestAcquisitionReleaseClosesEverythingInReverseOrder confirms StartCapture's
// rollback path (§4.8's resource policy) releases detectors, then queues,
// then sources, each set in reverse acquisition order.
func TestAcquisitionReleaseClosesEverythingInReverseOrder(t *testing.T) {
	var log []string
	a := &acquisition{
		sources: []capture.Source{
			&fakeCaptureSource{name: "src-left", log: &log},
			&fakeCaptureSource{name: "src-right", log: &log},
		},
		queues: []*capqueue.Queue{
			capqueue.New(frame.Left, 4),
			capqueue.New(frame.Right, 4),
		},
		detectors: []detect.Detector{
			&fakeDetector{name: "det-left", log: &log},
			&fakeDetector{name: "det-right", log: &log},
		},
	}
	a.release()
	require.Equal(t, []string{"det-right", "det-left", "src-right", "src-left"}, log)
}

func testSessionCfg(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Recording.OutputDir = t.TempDir()
	return cfg
}

func syntheticPitchData(pitchIndex int, n int) *pitchfsm.PitchData {
	var obs []stereo.Observation
	for i := 0; i < n; i++ {
		ts := float64(i) * 0.01
		obs = append(obs, stereo.Observation{
			TNs: int64(ts * 1e9), X: 0.2, Y: 6.0 - ts, Z: 55.0 - 120*ts, Confidence: 0.9,
		})
	}
	return &pitchfsm.PitchData{
		PitchIndex: pitchIndex, StartNs: 0, EndNs: obs[len(obs)-1].TNs,
		Observations: obs, Valid: true,
	}
}

func TestOnPitchStartRejectsCrossPitchConcurrency(t *testing.T) {
	cfg := testSessionCfg(t)
	o := New(Options{})
	o.cfg = cfg
	o.profile = &calib.Profile{}

	sessDir, err := o.StartSession("unit-test")
	require.NoError(t, err)
	require.DirExists(t, sessDir)

	data1 := syntheticPitchData(0, 12)
	require.NoError(t, o.OnPitchStart(0, data1))
	require.NotNil(t, o.pitch)

	data2 := syntheticPitchData(1, 12)
	err = o.OnPitchStart(1, data2)
	require.Error(t, err)

	_, err = o.StopSession()
	require.NoError(t, err)
}

func TestOnPitchEndMarksEndWithoutClosing(t *testing.T) {
	cfg := testSessionCfg(t)
	o := New(Options{})
	o.cfg = cfg
	o.profile = &calib.Profile{}

	_, err := o.StartSession("unit-test")
	require.NoError(t, err)

	data := syntheticPitchData(0, 12)
	require.NoError(t, o.OnPitchStart(0, data))

	require.NoError(t, o.OnPitchEnd(data))
	require.NotNil(t, o.pitch)
	require.False(t, o.pitch.rec.ShouldClose(data.EndNs))
	require.True(t, o.pitch.rec.ShouldClose(data.EndNs+int64(cfg.Tracking.PostRollMs*1e6)))

	_, err = o.StopSession()
	require.NoError(t, err)
}

func TestFinalizePitchIsIdempotentAndClearsCurrentPitch(t *testing.T) {
	cfg := testSessionCfg(t)
	o := New(Options{})
	o.cfg = cfg
	o.profile = &calib.Profile{}

	_, err := o.StartSession("unit-test")
	require.NoError(t, err)
	sess := o.currentSession()
	require.NotNil(t, sess)

	data := syntheticPitchData(0, 12)
	require.NoError(t, o.OnPitchStart(0, data))
	ap := o.currentPitch()
	require.NotNil(t, ap)

	o.finalizePitch(ap)
	require.Nil(t, o.currentPitch())

	pitches, err := sess.db.ListPitches(sess.sessionID)
	require.NoError(t, err)
	require.Len(t, pitches, 1)
	require.Equal(t, 0, pitches[0].PitchIndex)

	// A second call must not panic or double-insert.
	require.NotPanics(t, func() { o.finalizePitch(ap) })
	pitches, err = sess.db.ListPitches(sess.sessionID)
	require.NoError(t, err)
	require.Len(t, pitches, 1)

	_, err = o.StopSession()
	require.NoError(t, err)
}

func TestStartSessionRejectsWhenAlreadyActive(t *testing.T) {
	cfg := testSessionCfg(t)
	o := New(Options{})
	o.cfg = cfg
	o.profile = &calib.Profile{}

	_, err := o.StartSession("one")
	require.NoError(t, err)

	_, err = o.StartSession("two")
	require.Error(t, err)

	_, err = o.StopSession()
	require.NoError(t, err)
}

func TestStartSessionWritesManifestAndCalibration(t *testing.T) {
	cfg := testSessionCfg(t)
	o := New(Options{})
	o.cfg = cfg
	o.profile = &calib.Profile{Left: calib.Intrinsics{Serial: "L1"}, Right: calib.Intrinsics{Serial: "R1"}}

	dir, err := o.StartSession("unit-test")
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(dir, "manifest.json"))
	require.FileExists(t, filepath.Join(dir, "calibration", "stereo_geometry.json"))
	require.FileExists(t, filepath.Join(dir, "calibration", "intrinsics_left.json"))
	require.FileExists(t, filepath.Join(dir, "calibration", "roi_annotations.json"))

	_, err = o.StopSession()
	require.NoError(t, err)
}

func TestStopSessionErrorsWithNoActiveSession(t *testing.T) {
	o := New(Options{})
	o.cfg = testSessionCfg(t)
	_, err := o.StopSession()
	require.Error(t, err)
}

func TestStopSessionWritesSummary(t *testing.T) {
	cfg := testSessionCfg(t)
	o := New(Options{})
	o.cfg = cfg
	o.profile = &calib.Profile{}

	dir, err := o.StartSession("unit-test")
	require.NoError(t, err)

	data := syntheticPitchData(0, 12)
	require.NoError(t, o.OnPitchStart(0, data))
	require.NoError(t, o.OnPitchEnd(data))

	summary, err := o.StopSession()
	require.NoError(t, err)
	require.Equal(t, 1, summary.PitchCount)
	require.FileExists(t, filepath.Join(dir, "session_summary.json"))
	require.FileExists(t, filepath.Join(dir, "session_summary.csv"))
	require.Nil(t, o.currentSession())
}

func TestOnTriggerTogglesSession(t *testing.T) {
	cfg := testSessionCfg(t)
	o := New(Options{})
	o.cfg = cfg
	o.profile = &calib.Profile{}

	require.Nil(t, o.currentSession())
	require.NoError(t, o.OnTrigger("press"))
	require.NotNil(t, o.currentSession())

	require.NoError(t, o.OnTrigger("press"))
	require.Nil(t, o.currentSession())
}
