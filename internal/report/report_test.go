package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/berginj/pitchtracker/internal/metrics"
	"github.com/berginj/pitchtracker/internal/sessiondb"
	"github.com/berginj/pitchtracker/internal/stereo"
)

func TestTrajectoryPNGWritesFile(t *testing.T) {
	obs := []stereo.Observation{
		{TNs: 0, X: 0.1, Y: 6.0, Z: 55},
		{TNs: 10_000_000, X: 0.2, Y: 5.0, Z: 40},
		{TNs: 20_000_000, X: 0.3, Y: 3.0, Z: 20},
		{TNs: 30_000_000, X: 0.4, Y: 2.0, Z: 0},
	}
	result := &metrics.Result{PitchIndex: 1, PlateCrossing: [3]float64{0.4, 2.0, 0}}

	path := filepath.Join(t.TempDir(), "pitch_001.png")
	require.NoError(t, TrajectoryPNG(path, obs, result))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestTrajectoryPNGRejectsEmptyObservations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pitch_002.png")
	err := TrajectoryPNG(path, nil, &metrics.Result{})
	require.Error(t, err)
}

func TestSessionChartHTMLWritesFile(t *testing.T) {
	pitches := []sessiondb.Pitch{
		{PitchID: "s-1", PitchIndex: 1, MeasuredSpeedMph: 70, IsStrike: true},
		{PitchID: "s-2", PitchIndex: 2, MeasuredSpeedMph: 68, IsStrike: false},
	}
	path := filepath.Join(t.TempDir(), "session.html")
	require.NoError(t, SessionChartHTML(path, "sess-1", pitches))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "echarts")
}
