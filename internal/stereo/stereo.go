// Package stereo implements the Stereo Matcher (§4.4): pairs left/right
// detections by timestamp and epipolar geometry, then triangulates a 3D
// rig-coordinate point per accepted pair.
package stereo

import (
	"sort"
	"sync"

	"github.com/berginj/pitchtracker/internal/calib"
	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/detect"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/obslog"
	"github.com/berginj/pitchtracker/internal/pitcherr"
	"gonum.org/v1/gonum/mat"
)

// Observation is a single accepted stereo-matched 3D point (§3). Rig
// coordinates: X lateral (catcher's left/right), Y vertical, Z toward
// home plate, units feet.
type Observation struct {
	TNs        int64
	X, Y, Z    float64
	Quality    float64
	Confidence float64
	Left       detect.Detection
	Right      detect.Detection
}

// Matcher holds per-side sliding windows of unmatched detections and the
// calibration geometry used for triangulation. One Matcher instance
// serves an entire session; a single goroutine is expected to drive it
// (§5: "One matcher thread consumes both streams").
type Matcher struct {
	cfg     config.StereoConfig
	profile *calib.Profile

	mu         sync.Mutex
	leftQueue  []detect.Detection
	rightQueue []detect.Detection
	lastTNs    int64
	haveLast   bool
}

// NewMatcher constructs a Matcher bound to a calibration profile and the
// stereo tuning parameters (§6).
func NewMatcher(cfg config.StereoConfig, profile *calib.Profile) *Matcher {
	return &Matcher{cfg: cfg, profile: profile}
}

// AddDetection feeds one new detection from either camera. It returns zero
// or one Observation: a pairing attempt either succeeds immediately
// (consuming a waiting partner from the opposite queue) or the detection
// is enqueued to await a future partner.
func (m *Matcher) AddDetection(d detect.Detection) (*Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ownQueue, otherQueue := m.queuesFor(d.CameraLabel)
	*otherQueue = pruneStale(*otherQueue, d.TCaptureNs, m.cfg.PairingToleranceMs)

	idx, residual := m.bestCandidate(d, *otherQueue)
	if idx < 0 {
		*ownQueue = append(*ownQueue, d)
		*ownQueue = pruneStale(*ownQueue, d.TCaptureNs, m.cfg.PairingToleranceMs)
		return nil, nil
	}

	partner := (*otherQueue)[idx]
	*otherQueue = append((*otherQueue)[:idx], (*otherQueue)[idx+1:]...)

	var left, right detect.Detection
	if d.CameraLabel == frame.Left {
		left, right = d, partner
	} else {
		left, right = partner, d
	}

	obs, err := m.triangulate(left, right, residual)
	if err != nil {
		return nil, err
	}
	if m.haveLast && obs.TNs <= m.lastTNs {
		obslog.Diag("stereo: dropping non-monotonic observation t_ns=%d last=%d", obs.TNs, m.lastTNs)
		return nil, nil
	}
	m.lastTNs = obs.TNs
	m.haveLast = true
	return obs, nil
}

func (m *Matcher) queuesFor(label frame.Label) (own, other *[]detect.Detection) {
	if label == frame.Left {
		return &m.leftQueue, &m.rightQueue
	}
	return &m.rightQueue, &m.leftQueue
}

// pruneStale drops queued detections whose capture time is further than
// pairing_tolerance_ms from refNs (§4.4: "unpaired detections older than
// the window are discarded").
func pruneStale(queue []detect.Detection, refNs int64, toleranceMs float64) []detect.Detection {
	toleranceNs := int64(toleranceMs * 1e6)
	out := queue[:0]
	for _, d := range queue {
		if absInt64(refNs-d.TCaptureNs) <= toleranceNs {
			out = append(out, d)
		}
	}
	return out
}

// bestCandidate applies the epipolar pre-filter, then ranks survivors by
// smallest timestamp gap, ties broken by smallest epipolar residual
// (§4.4). Returns -1 if no candidate passes the gate.
func (m *Matcher) bestCandidate(d detect.Detection, queue []detect.Detection) (int, float64) {
	type candidate struct {
		idx      int
		gapNs    int64
		residual float64
	}
	var candidates []candidate
	toleranceNs := int64(m.cfg.PairingToleranceMs * 1e6)

	for i, other := range queue {
		gap := absInt64(d.TCaptureNs - other.TCaptureNs)
		if gap > toleranceNs {
			continue
		}
		var residual float64
		if d.CameraLabel == frame.Left {
			residual = absFloat(d.V - other.V)
		} else {
			residual = absFloat(other.V - d.V)
		}
		if residual > m.cfg.EpipolarEpsilonPx {
			continue
		}
		candidates = append(candidates, candidate{idx: i, gapNs: gap, residual: residual})
	}
	if len(candidates) == 0 {
		return -1, 0
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].gapNs != candidates[j].gapNs {
			return candidates[i].gapNs < candidates[j].gapNs
		}
		return candidates[i].residual < candidates[j].residual
	})
	best := candidates[0]
	return best.idx, best.residual
}

// triangulate solves the standard linear (DLT) triangulation system via
// SVD and scores the resulting point (§4.4).
func (m *Matcher) triangulate(left, right detect.Detection, residual float64) (*Observation, error) {
	pl := m.profile.Stereo.ProjLeft
	pr := m.profile.Stereo.ProjRight

	a := mat.NewDense(4, 4, nil)
	for c := 0; c < 4; c++ {
		a.Set(0, c, left.U*pl[2][c]-pl[0][c])
		a.Set(1, c, left.V*pl[2][c]-pl[1][c])
		a.Set(2, c, right.U*pr[2][c]-pr[0][c])
		a.Set(3, c, right.V*pr[2][c]-pr[1][c])
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, pitcherr.New(pitcherr.TriangulationIllCond, nil)
	}
	var v mat.Dense
	svd.VTo(&v)
	// The homogeneous 3D point is the right singular vector corresponding
	// to the smallest singular value — the last column of V.
	last := 3
	w := v.At(3, last)
	if w == 0 {
		return nil, pitcherr.New(pitcherr.TriangulationIllCond, nil)
	}
	x := v.At(0, last) / w
	y := v.At(1, last) / w
	z := v.At(2, last) / w

	if z < m.cfg.ZMinFt || z > m.cfg.ZMaxFt {
		return nil, pitcherr.New(pitcherr.StereoOutOfRange, nil)
	}

	epipolarFactor := clamp01(1 - residual/m.cfg.EpipolarEpsilonPx)
	gapMs := absFloat(float64(left.TCaptureNs-right.TCaptureNs) / 1e6)
	temporalFactor := clamp01(1 - gapMs/m.cfg.PairingToleranceMs)
	quality := epipolarFactor * temporalFactor
	confidence := left.Confidence * right.Confidence * quality

	tNs := (left.TCaptureNs + right.TCaptureNs) / 2

	return &Observation{
		TNs:        tNs,
		X:          x,
		Y:          y,
		Z:          z,
		Quality:    quality,
		Confidence: confidence,
		Left:       left,
		Right:      right,
	}, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
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
