// Package metrics implements the Metrics Analyzer (§4.7): a pure function
// over a completed PitchData that fits a ballistic-plus-quadratic-drag
// trajectory, extracts plate-crossing/release metrics, classifies the
// strike zone, and flags sanity violations. It never panics on bad
// input — failures are reported via FailureCode, never by panicking or
// returning a Go error.
package metrics

import (
	"math"

	"github.com/berginj/pitchtracker/internal/calib"
	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/pitchfsm"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// FailureCode enumerates the ways a trajectory fit can come up short
// (§4.7). The zero value means success.
type FailureCode string

const (
	FailureNone               FailureCode = ""
	FailureInsufficientPoints FailureCode = "INSUFFICIENT_POINTS"
	FailureIllConditioned     FailureCode = "ILL_CONDITIONED"
	FailureNonMonotonicZ      FailureCode = "NON_MONOTONIC_Z"
	FailureNoPlateCrossing    FailureCode = "NO_PLATE_CROSSING"
	FailureOptDidNotConverge  FailureCode = "OPT_DID_NOT_CONVERGE"
	FailureRadarOutlier       FailureCode = "RADAR_OUTLIER"
	FailureTimeSyncSuspect    FailureCode = "TIME_SYNC_SUSPECT"
)

const (
	gravityFtPerS2   = 32.174
	integrationStepS = 0.0015 // 1.5ms, within the 1-2ms band §4.7 asks for
	dragPriorK       = 0.0045 // 1/ft, typical quadratic-drag coefficient for a baseball
	dragPriorVar     = 0.002 * 0.002
	timeOffsetBoundS = 0.005 // ±5ms bound on the per-pitch time-offset prior
	ftPerSecToMph    = 3600.0 / 5280.0
)

// Result is the PitchSummary the Metrics Analyzer produces (§3).
type Result struct {
	PitchIndex             int
	StartNs                int64
	EndNs                  int64
	PlateCrossing          [3]float64
	PlateCrossingTNs       int64
	ReleasePoint           [3]float64
	VelocityMph            float64
	HorizontalBreakIn      float64
	InducedVerticalBreakIn float64
	RotationRpm            *float64 // never computed — see DESIGN.md
	Model                  string
	ExpectedPlateErrorFt   float64
	Confidence             float64
	IsStrike               bool
	ZoneRow                int
	ZoneCol                int
	SanityFlags            []string
	FailureCode            FailureCode
}

type observationPoint struct {
	tS         float64 // seconds relative to the first observation
	x, y, z    float64
	confidence float64
}

// Analyze computes a PitchSummary for a finalized, valid PitchData. It
// never returns an error; failures are reported in Result.FailureCode
// with Confidence == 0 (§4.7: "does not raise on bad input").
func Analyze(pitch *pitchfsm.PitchData, profile *calib.Profile, cfg config.MetricsConfig) *Result {
	res := &Result{PitchIndex: pitch.PitchIndex, StartNs: pitch.StartNs, EndNs: pitch.EndNs}

	points := toObservationPoints(pitch)
	if len(points) < 4 {
		res.FailureCode = FailureInsufficientPoints
		return res
	}

	if !isRoughlyMonotonicZ(points) {
		res.FailureCode = FailureNonMonotonicZ
		return res
	}

	if timeSyncSuspect(points) {
		res.FailureCode = FailureTimeSyncSuspect
		return res
	}

	seedV, p0, err := cubicSeed(points)
	if err != nil {
		res.FailureCode = FailureIllConditioned
		return res
	}

	fit, converged := fitTrajectory(points, p0, seedV)
	if !converged {
		res.FailureCode = FailureOptDidNotConverge
		return res
	}

	if !trajectoryMonotonicZ(p0, fit.v0, fit.k, fit.dtOffsetS, points[len(points)-1].tS) {
		res.FailureCode = FailureNonMonotonicZ
		return res
	}

	// The physical plate plane comes from the calibration rig, not the
	// metrics config copy, which is only a fallback for profiles that
	// omit it (see DESIGN.md).
	plateZ := profile.PlatePlaneZFt
	if plateZ == 0 && cfg.PlatePlaneZFt != 0 {
		plateZ = cfg.PlatePlaneZFt
	}
	plateT, plateP, ok := findPlaneCrossing(p0, fit.v0, fit.k, fit.dtOffsetS, 0, points[len(points)-1].tS+0.2, plateZ)
	if !ok {
		res.FailureCode = FailureNoPlateCrossing
		return res
	}
	res.PlateCrossing = plateP
	res.PlateCrossingTNs = pitch.StartNs + int64(plateT*1e9)

	releaseT, releaseP, releaseOk := findPlaneCrossing(p0, fit.v0, fit.k, fit.dtOffsetS, -1.0, points[0].tS, cfg.ReleasePlaneZFt)
	if releaseOk {
		res.ReleasePoint = releaseP
	} else {
		res.ReleasePoint = p0
		releaseT = 0
	}

	releaseSpeed := math.Sqrt(fit.v0[0]*fit.v0[0] + fit.v0[1]*fit.v0[1] + fit.v0[2]*fit.v0[2])
	res.VelocityMph = releaseSpeed * ftPerSecToMph

	baselineAtPlate := integrateOne(releaseP, fit.v0, 0, plateT-releaseT)
	res.HorizontalBreakIn = (plateP[0] - baselineAtPlate[0]) * 12
	res.InducedVerticalBreakIn = (plateP[1] - baselineAtPlate[1]) * 12

	res.Model = "ballistic-quadratic-drag-rk4"

	rmse := residualRMSE(points, p0, fit.v0, fit.k, fit.dtOffsetS)
	res.Confidence = confidenceScore(rmse, fit.conditionNumber, len(points))
	res.ExpectedPlateErrorFt = rmse * 1.5

	flags := sanityFlags(res.VelocityMph, res.HorizontalBreakIn, res.InducedVerticalBreakIn, res.ReleasePoint[1])
	res.SanityFlags = flags
	if len(flags) > 0 {
		res.Confidence *= 0.5
	}

	row, col, strike := classifyStrikeZone(plateP[0], plateP[1], cfg)
	res.ZoneRow, res.ZoneCol, res.IsStrike = row, col, strike

	return res
}

func toObservationPoints(pitch *pitchfsm.PitchData) []observationPoint {
	if len(pitch.Observations) == 0 {
		return nil
	}
	t0 := pitch.Observations[0].TNs
	out := make([]observationPoint, 0, len(pitch.Observations))
	for _, obs := range pitch.Observations {
		conf := obs.Confidence
		if conf <= 0 {
			conf = 0.1
		}
		out = append(out, observationPoint{
			tS:         float64(obs.TNs-t0) / 1e9,
			x:          obs.X,
			y:          obs.Y,
			z:          obs.Z,
			confidence: conf,
		})
	}
	return out
}

func isRoughlyMonotonicZ(points []observationPoint) bool {
	violations := 0
	for i := 1; i < len(points); i++ {
		if points[i].z > points[i-1].z+0.1 { // 0.1ft slack for observation noise
			violations++
		}
	}
	return violations < len(points)/3+1
}

// timeSyncSuspect flags a pitch whose implied inter-observation speeds
// are wildly inconsistent, a symptom of the two cameras' clocks drifting
// out of the shared monotonic domain (§4.1's "same clock domain"
// invariant failing silently upstream).
func timeSyncSuspect(points []observationPoint) bool {
	if len(points) < 3 {
		return false
	}
	speeds := make([]float64, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		dt := points[i].tS - points[i-1].tS
		if dt <= 0 {
			return true
		}
		dx := points[i].x - points[i-1].x
		dy := points[i].y - points[i-1].y
		dz := points[i].z - points[i-1].z
		speeds = append(speeds, math.Sqrt(dx*dx+dy*dy+dz*dz)/dt)
	}
	mean, stdDev := stat.MeanStdDev(speeds, nil)
	if mean <= 0 {
		return false
	}
	return stdDev/mean > 1.0
}

type fitParams struct {
	v0              [3]float64
	k               float64
	dtOffsetS       float64
	conditionNumber float64
}

// cubicSeed fits an independent cubic polynomial to each axis versus time
// and returns the derivative at t=0 as the initial-velocity seed, and the
// first observed point as the fixed initial position (§4.7: "initialized
// seeded by a cubic polynomial fit... to estimate initial velocity").
func cubicSeed(points []observationPoint) ([3]float64, [3]float64, error) {
	times := make([]float64, len(points))
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	zs := make([]float64, len(points))
	for i, p := range points {
		times[i] = p.tS
		xs[i] = p.x
		ys[i] = p.y
		zs[i] = p.z
	}

	cx, err := polyfit(times, xs, 3)
	if err != nil {
		return [3]float64{}, [3]float64{}, err
	}
	cy, err := polyfit(times, ys, 3)
	if err != nil {
		return [3]float64{}, [3]float64{}, err
	}
	cz, err := polyfit(times, zs, 3)
	if err != nil {
		return [3]float64{}, [3]float64{}, err
	}

	v0 := [3]float64{cx[1], cy[1], cz[1]}
	p0 := [3]float64{points[0].x, points[0].y, points[0].z}
	return v0, p0, nil
}

// polyfit solves the degree-n least-squares polynomial fit via the normal
// equations, matching the gonum/mat linear-solve idiom used throughout
// this package's numerics.
func polyfit(t, y []float64, degree int) ([]float64, error) {
	n := len(t)
	cols := degree + 1
	a := mat.NewDense(n, cols, nil)
	for i := 0; i < n; i++ {
		val := 1.0
		for c := 0; c < cols; c++ {
			a.Set(i, c, val)
			val *= t[i]
		}
	}
	yVec := mat.NewVecDense(n, y)

	var ata mat.Dense
	ata.Mul(a.T(), a)
	var aty mat.VecDense
	aty.MulVec(a.T(), yVec)

	var coeffs mat.VecDense
	if err := coeffs.SolveVec(&ata, &aty); err != nil {
		return nil, err
	}
	out := make([]float64, cols)
	for i := 0; i < cols; i++ {
		out[i] = coeffs.AtVec(i)
	}
	return out, nil
}

// derivative computes the acceleration for the ballistic-plus-quadratic-
// drag model: gravity on Y, drag opposing velocity with magnitude k*|v|^2.
func derivative(state [6]float64, k float64) [6]float64 {
	vx, vy, vz := state[3], state[4], state[5]
	speed := math.Sqrt(vx*vx + vy*vy + vz*vz)
	return [6]float64{
		vx, vy, vz,
		-k * vx * speed,
		-gravityFtPerS2 - k*vy*speed,
		-k * vz * speed,
	}
}

func rk4Step(state [6]float64, k, dt float64) [6]float64 {
	k1 := derivative(state, k)
	var s2 [6]float64
	for i := range state {
		s2[i] = state[i] + 0.5*dt*k1[i]
	}
	k2 := derivative(s2, k)
	var s3 [6]float64
	for i := range state {
		s3[i] = state[i] + 0.5*dt*k2[i]
	}
	k3 := derivative(s3, k)
	var s4 [6]float64
	for i := range state {
		s4[i] = state[i] + dt*k3[i]
	}
	k4 := derivative(s4, k)

	var out [6]float64
	for i := range state {
		out[i] = state[i] + dt/6*(k1[i]+2*k2[i]+2*k3[i]+k4[i])
	}
	return out
}

// integrateOne runs RK4 from t=0 (p0, v0) to target time tTarget (may be
// negative, stepping backward) and returns the position.
func integrateOne(p0 [3]float64, v0 [3]float64, k, tTarget float64) [3]float64 {
	state := [6]float64{p0[0], p0[1], p0[2], v0[0], v0[1], v0[2]}
	step := integrationStepS
	if tTarget < 0 {
		step = -integrationStepS
	}
	remaining := tTarget
	for math.Abs(remaining) > 1e-9 {
		dt := step
		if math.Abs(remaining) < math.Abs(step) {
			dt = remaining
		}
		state = rk4Step(state, k, dt)
		remaining -= dt
	}
	return [3]float64{state[0], state[1], state[2]}
}

// findPlaneCrossing scans forward in fixed steps from tMin to tMax,
// bracketing the first crossing of Z == zTarget in that range, then
// linearly interpolates the crossing time and position.
func findPlaneCrossing(p0, v0 [3]float64, k, dtOffsetS, tMin, tMax, zTarget float64) (float64, [3]float64, bool) {
	const stepS = integrationStepS * 4
	prevT := tMin
	prevP := integrateOne(p0, v0, k, prevT+dtOffsetS)
	for t := tMin + stepS; t <= tMax; t += stepS {
		curP := integrateOne(p0, v0, k, t+dtOffsetS)
		if (prevP[2]-zTarget)*(curP[2]-zTarget) <= 0 && prevP[2] != curP[2] {
			frac := (zTarget - prevP[2]) / (curP[2] - prevP[2])
			crossT := prevT + frac*(t-prevT)
			var crossP [3]float64
			for i := range crossP {
				crossP[i] = prevP[i] + frac*(curP[i]-prevP[i])
			}
			return crossT, crossP, true
		}
		prevT, prevP = t, curP
	}
	return 0, [3]float64{}, false
}

// fitTrajectory runs a Nelder-Mead search over (v0, k, dtOffset) to
// minimize weighted squared residuals against the observed points, with a
// Gaussian prior on k and a soft bound on dtOffset (§4.7).
func fitTrajectory(points []observationPoint, p0 [3]float64, seedV [3]float64) (fitParams, bool) {
	initX := []float64{seedV[0], seedV[1], seedV[2], dragPriorK, 0}

	cost := func(x []float64) float64 {
		v0 := [3]float64{x[0], x[1], x[2]}
		k := x[3]
		dtOffsetS := x[4]

		sse := 0.0
		for _, pt := range points {
			sim := integrateOne(p0, v0, k, pt.tS+dtOffsetS)
			dx := sim[0] - pt.x
			dy := sim[1] - pt.y
			dz := sim[2] - pt.z
			sse += pt.confidence * (dx*dx + dy*dy + dz*dz)
		}

		sse += (k - dragPriorK) * (k - dragPriorK) / dragPriorVar

		if over := math.Abs(dtOffsetS) - timeOffsetBoundS; over > 0 {
			sse += 1e4 * over * over
		}
		return sse
	}

	problem := optimize.Problem{Func: cost}
	result, err := optimize.Minimize(problem, initX, &optimize.Settings{MajorIterations: 300}, &optimize.NelderMead{})
	if err != nil || result == nil {
		return fitParams{}, false
	}
	if result.Status != optimize.Success && result.Status != optimize.FunctionConvergence {
		// Not a hard failure: accept any terminal status that produced a
		// finite result, since NelderMead on a noisy cost surface rarely
		// reports a clean Success.
		for _, v := range result.X {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fitParams{}, false
			}
		}
	}

	x := result.X
	return fitParams{
		v0:              [3]float64{x[0], x[1], x[2]},
		k:               x[3],
		dtOffsetS:       x[4],
		conditionNumber: estimateConditionNumber(points, p0, [3]float64{x[0], x[1], x[2]}, x[3], x[4]),
	}, true
}

// estimateConditionNumber approximates the fit Jacobian's condition
// number via finite differences, used only as a confidence input (§4.7),
// not for the solve itself.
func estimateConditionNumber(points []observationPoint, p0, v0 [3]float64, k, dtOffsetS float64) float64 {
	const eps = 1e-4
	base := make([]float64, len(points)*3)
	for i, pt := range points {
		sim := integrateOne(p0, v0, k, pt.tS+dtOffsetS)
		base[i*3], base[i*3+1], base[i*3+2] = sim[0], sim[1], sim[2]
	}

	cols := 5
	jac := mat.NewDense(len(points)*3, cols, nil)
	params := []float64{v0[0], v0[1], v0[2], k, dtOffsetS}
	for c := 0; c < cols; c++ {
		perturbed := append([]float64{}, params...)
		perturbed[c] += eps
		pv0 := [3]float64{perturbed[0], perturbed[1], perturbed[2]}
		for i, pt := range points {
			sim := integrateOne(p0, pv0, perturbed[3], pt.tS+perturbed[4])
			jac.Set(i*3, c, (sim[0]-base[i*3])/eps)
			jac.Set(i*3+1, c, (sim[1]-base[i*3+1])/eps)
			jac.Set(i*3+2, c, (sim[2]-base[i*3+2])/eps)
		}
	}

	var svd mat.SVD
	if !svd.Factorize(jac, mat.SVDNone) {
		return math.Inf(1)
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[len(values)-1] == 0 {
		return math.Inf(1)
	}
	return values[0] / values[len(values)-1]
}

func residualRMSE(points []observationPoint, p0, v0 [3]float64, k, dtOffsetS float64) float64 {
	sumSq := 0.0
	for _, pt := range points {
		sim := integrateOne(p0, v0, k, pt.tS+dtOffsetS)
		dx, dy, dz := sim[0]-pt.x, sim[1]-pt.y, sim[2]-pt.z
		sumSq += dx*dx + dy*dy + dz*dz
	}
	return math.Sqrt(sumSq / float64(len(points)))
}

func trajectoryMonotonicZ(p0, v0 [3]float64, k, dtOffsetS, tMax float64) bool {
	const stepS = integrationStepS * 4
	prevZ := math.Inf(1)
	for t := 0.0; t <= tMax; t += stepS {
		z := integrateOne(p0, v0, k, t+dtOffsetS)[2]
		if z > prevZ+0.1 {
			return false
		}
		prevZ = z
	}
	return true
}

func confidenceScore(rmse, conditionNumber float64, observationCount int) float64 {
	rmseScore := clamp01(1 - rmse/2.0)
	condScore := clamp01(1 - conditionNumber/1e4)
	countScore := clamp01(float64(observationCount) / 15.0)
	score := (rmseScore + condScore + countScore) / 3
	return clamp01(score)
}

func sanityFlags(velocityMph, horizontalBreakIn, inducedVerticalBreakIn, releaseHeightFt float64) []string {
	var flags []string
	if velocityMph < 30 || velocityMph > 110 {
		flags = append(flags, "velocity_out_of_envelope")
	}
	if math.Abs(horizontalBreakIn) > 30 {
		flags = append(flags, "horizontal_break_out_of_envelope")
	}
	if math.Abs(inducedVerticalBreakIn) > 30 {
		flags = append(flags, "induced_vertical_break_out_of_envelope")
	}
	if releaseHeightFt < 1 || releaseHeightFt > 8 {
		flags = append(flags, "release_height_out_of_envelope")
	}
	return flags
}

// classifyStrikeZone derives the strike-zone rectangle from the plate's
// lateral center, the rule-book plate width, and batter height (§4.7),
// then buckets the plate-crossing point into a 3x3 grid. Row 0 is the top
// row, column 0 is the (rig-coordinate) left column — a convention chosen
// here since spec.md leaves the grid's orientation unstated (see
// DESIGN.md). The rectangle is the rule-book plate width, not the
// ball-inclusive width: padding the horizontal edge by the ball's own
// radius (as §4.7's ball_type might suggest) would call a pitch a strike
// several inches off the plate, which disagrees with the documented
// plate-crossing scenarios; ball_type is validated on load but does not
// widen the zone here.
func classifyStrikeZone(x, y float64, cfg config.MetricsConfig) (row, col int, strike bool) {
	const plateHalfWidthFt = (17.0 / 12.0) / 2.0

	left := cfg.PlateCenterXFt - plateHalfWidthFt
	right := cfg.PlateCenterXFt + plateHalfWidthFt
	heightFt := cfg.BatterHeightIn / 12.0
	bottom := heightFt * cfg.BottomRatio
	top := heightFt * cfg.TopRatio

	strike = x > left && x < right && y > bottom && y < top

	col = bucket(x, left, right)
	row = bucket(y, bottom, top)
	row = 2 - row // flip so row 0 is the top of the zone
	return row, col, strike
}

func bucket(v, lo, hi float64) int {
	if hi <= lo {
		return 1
	}
	frac := (v - lo) / (hi - lo)
	switch {
	case frac < 1.0/3:
		return 0
	case frac < 2.0/3:
		return 1
	default:
		return 2
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
