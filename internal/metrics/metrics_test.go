package metrics

import (
	"math"
	"testing"

	"github.com/berginj/pitchtracker/internal/calib"
	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/pitchfsm"
	"github.com/berginj/pitchtracker/internal/stereo"
	"github.com/stretchr/testify/require"
)

// syntheticPitch builds a PitchData whose observations lie exactly on a
// pure projectile (gravity-only, no drag) trajectory, so the fit should
// recover it closely regardless of the small drag prior pulling k away
// from zero.
func syntheticPitch(n int) *pitchfsm.PitchData {
	p0 := [3]float64{0.2, 6.0, 55.0}
	v0 := [3]float64{0.5, -1.0, -120.0} // ft/s, Z decreasing toward plate
	const dt = 0.01
	var obs []stereo.Observation
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		x := p0[0] + v0[0]*t
		y := p0[1] + v0[1]*t - 0.5*gravityFtPerS2*t*t
		z := p0[2] + v0[2]*t
		obs = append(obs, stereo.Observation{
			TNs:        int64(t * 1e9),
			X:          x,
			Y:          y,
			Z:          z,
			Confidence: 0.9,
		})
	}
	return &pitchfsm.PitchData{
		PitchIndex:   1,
		StartNs:      0,
		EndNs:        obs[len(obs)-1].TNs,
		Observations: obs,
		Valid:        true,
	}
}

func testMetricsConfig() config.MetricsConfig {
	return config.MetricsConfig{
		PlatePlaneZFt:   0,
		ReleasePlaneZFt: 50,
		BatterHeightIn:  72,
		TopRatio:        0.56,
		BottomRatio:     0.28,
		BallType:        "baseball",
	}
}

func TestAnalyzeInsufficientPoints(t *testing.T) {
	pitch := syntheticPitch(2)
	res := Analyze(pitch, &calib.Profile{}, testMetricsConfig())
	require.Equal(t, FailureInsufficientPoints, res.FailureCode)
	require.Equal(t, 0.0, res.Confidence)
}

func TestAnalyzeProducesPlateCrossingForCleanTrajectory(t *testing.T) {
	// 45 samples run to Z≈2.2ft, close enough to the plate that the
	// crossing lies inside the search window past the last observation.
	pitch := syntheticPitch(45)
	res := Analyze(pitch, &calib.Profile{}, testMetricsConfig())
	require.Empty(t, res.FailureCode)
	require.InDelta(t, 0.0, res.PlateCrossing[2], 0.5)
	require.Greater(t, res.VelocityMph, 30.0)
	require.Nil(t, res.RotationRpm)
}

func TestAnalyzeRejectsNonMonotonicZ(t *testing.T) {
	pitch := syntheticPitch(10)
	// Reverse the flight from the sixth observation on, so Z increases on
	// five consecutive steps, more than the single-outlier tolerance allows.
	for i := 5; i < len(pitch.Observations); i++ {
		pitch.Observations[i].Z = pitch.Observations[4].Z + float64(i-4)*5
	}
	res := Analyze(pitch, &calib.Profile{}, testMetricsConfig())
	require.Equal(t, FailureNonMonotonicZ, res.FailureCode)
}

func TestClassifyStrikeZoneCenterIsStrike(t *testing.T) {
	cfg := testMetricsConfig()
	// 72in batter: zone spans 0.28*6=1.68ft to 0.56*6=3.36ft, center 2.52ft.
	row, col, strike := classifyStrikeZone(0, 2.52, cfg)
	require.True(t, strike)
	require.Equal(t, 1, col)
	require.GreaterOrEqual(t, row, 0)
	require.Less(t, row, 3)
}

func TestClassifyStrikeZoneFarOutsideIsBall(t *testing.T) {
	cfg := testMetricsConfig()
	_, _, strike := classifyStrikeZone(10, 3.5, cfg)
	require.False(t, strike)
}

// TestClassifyStrikeZoneDocumentedScenario reproduces the documented §8
// plate-crossing scenario: strike zone corners top-left (0.0, 3.5, 0.0),
// top-right (1.42, 3.5, 0.0), bottom-left (0.0, 1.7, 0.0), bottom-right
// (1.42, 1.7, 0.0) off a plate centered at X=0.71ft.
func TestClassifyStrikeZoneDocumentedScenario(t *testing.T) {
	cfg := config.MetricsConfig{
		BatterHeightIn: 75, TopRatio: 0.56, BottomRatio: 0.272,
		BallType: "baseball", PlateCenterXFt: 0.71,
	}

	row, col, strike := classifyStrikeZone(0.71, 2.6, cfg)
	require.True(t, strike)
	require.Equal(t, 1, row)
	require.Equal(t, 1, col)

	_, _, strike = classifyStrikeZone(1.5, 2.6, cfg)
	require.False(t, strike)
}

func TestPolyfitRecoversLinearFunction(t *testing.T) {
	times := []float64{0, 1, 2, 3, 4}
	values := []float64{1, 3, 5, 7, 9} // y = 1 + 2t
	coeffs, err := polyfit(times, values, 3)
	require.NoError(t, err)
	require.InDelta(t, 1.0, coeffs[0], 1e-6)
	require.InDelta(t, 2.0, coeffs[1], 1e-6)
}

func TestRK4MatchesProjectileUnderNoDrag(t *testing.T) {
	p0 := [3]float64{0, 0, 0}
	v0 := [3]float64{10, 20, -50}
	end := integrateOne(p0, v0, 0, 1.0)
	expectedY := 0 + 20*1.0 - 0.5*gravityFtPerS2*1.0*1.0
	require.InDelta(t, expectedY, end[1], 0.05)
}

func TestTimeSyncSuspectFlagsInconsistentSpeeds(t *testing.T) {
	points := []observationPoint{
		{tS: 0, x: 0, y: 0, z: 50},
		{tS: 0.01, x: 0.1, y: 0, z: 49},
		{tS: 0.02, x: 50, y: 0, z: 0}, // absurd jump
	}
	require.True(t, timeSyncSuspect(points))
}

func TestTimeSyncSuspectAcceptsConsistentSpeeds(t *testing.T) {
	points := []observationPoint{
		{tS: 0, x: 0, y: 0, z: 50},
		{tS: 0.01, x: 0.5, y: 0, z: 49},
		{tS: 0.02, x: 1.0, y: 0, z: 48},
		{tS: 0.03, x: 1.5, y: 0, z: 47},
	}
	require.False(t, timeSyncSuspect(points))
}

func TestSanityFlagsDetectOutOfEnvelopeVelocity(t *testing.T) {
	flags := sanityFlags(150, 0, 0, 5)
	require.Contains(t, flags, "velocity_out_of_envelope")
}

func TestSanityFlagsEmptyForNormalPitch(t *testing.T) {
	flags := sanityFlags(90, 5, -10, 5.5)
	require.Empty(t, flags)
}

func TestConfidenceScoreDecreasesWithWorseFit(t *testing.T) {
	good := confidenceScore(0.01, 10, 12)
	bad := confidenceScore(5, 1e5, 4)
	require.Greater(t, good, bad)
}

func TestConfidenceScoreBounded(t *testing.T) {
	v := confidenceScore(1e9, 1e9, 1)
	require.GreaterOrEqual(t, v, 0.0)
	require.LessOrEqual(t, v, 1.0)
}

func TestIsRoughlyMonotonicZToleratesNoise(t *testing.T) {
	points := make([]observationPoint, 0, 10)
	for i := 0; i < 10; i++ {
		points = append(points, observationPoint{z: 50 - float64(i)})
	}
	points[3].z += 1.5 // one noisy sample above its predecessor
	require.True(t, isRoughlyMonotonicZ(points))
}

func TestIsRoughlyMonotonicZRejectsReversedFlight(t *testing.T) {
	points := make([]observationPoint, 0, 10)
	for i := 0; i < 10; i++ {
		points = append(points, observationPoint{z: float64(i)}) // increasing
	}
	require.False(t, isRoughlyMonotonicZ(points))
}

var _ = math.Pi
