package detect

import (
	"fmt"
	"image"
	"math"

	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/pitcherr"
	"gocv.io/x/gocv"
)

// ClassicalParams holds the classical detector's filter knobs (§4.3/§6).
type ClassicalParams struct {
	Mode              config.ClassicalMode
	ROI               ROI
	MinAreaPx         float64
	MaxAreaPx         float64
	CircularityMin    float64
	AspectRatioMax    float64
	MaxVelocityPxPerMs float64 // temporal consistency gate; 0 disables
}

// Classical implements Detector using background/frame-difference (mode
// A) or an edge/blob hybrid (mode B), matching MiFaceDEV-miface's use of
// gocv for contour-based blob detection, generalized with the filter
// chain and ROI cropping §4.3 specifies.
type Classical struct {
	params ClassicalParams
	mog2   gocv.BackgroundSubtractorMOG2
	prev   *trackedPrior
}

type trackedPrior struct {
	u, v    float64
	tNs     int64
	hasPrev bool
}

// NewClassical constructs a Classical detector with its own per-camera
// background model (§4.3: "maintained per camera as a running estimate").
func NewClassical(p ClassicalParams) *Classical {
	return &Classical{
		params: p,
		mog2:   gocv.NewBackgroundSubtractorMOG2(),
		prev:   &trackedPrior{},
	}
}

// Detect runs the configured mode over the ROI crop and returns 0..N
// candidates, filtered in the order §4.3 specifies.
func (c *Classical) Detect(f *frame.Frame) ([]Detection, error) {
	mat, err := matFromFrame(f)
	if err != nil {
		return nil, pitcherr.New(pitcherr.DetectorInference, err)
	}
	defer mat.Close()

	minX, minY, maxX, maxY := c.params.ROI.BoundingRect()
	crop := mat
	offsetX, offsetY := 0, 0
	if maxX > minX && maxY > minY {
		rect := image.Rect(int(minX), int(minY), int(maxX), int(maxY)).Intersect(image.Rect(0, 0, f.Width, f.Height))
		if !rect.Empty() {
			crop = mat.Region(rect)
			defer crop.Close()
			offsetX, offsetY = rect.Min.X, rect.Min.Y
		}
	}

	var contours gocv.PointsVector
	switch c.params.Mode {
	case config.ClassicalModeB:
		contours = c.detectEdgeBlobHybrid(crop)
	default:
		contours = c.detectBackgroundDiff(crop)
	}
	defer contours.Close()

	var out []Detection
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		if area < c.params.MinAreaPx || area > c.params.MaxAreaPx {
			continue
		}
		perimeter := gocv.ArcLength(contour, true)
		if perimeter <= 0 {
			continue
		}
		circularity := 4 * math.Pi * area / (perimeter * perimeter)
		if circularity < c.params.CircularityMin {
			continue
		}
		rect := gocv.BoundingRect(contour)
		aspect := aspectRatio(rect)
		if c.params.AspectRatioMax > 0 && aspect > c.params.AspectRatioMax {
			continue
		}
		u := float64(rect.Min.X+rect.Max.X)/2 + float64(offsetX)
		v := float64(rect.Min.Y+rect.Max.Y)/2 + float64(offsetY)
		if !c.params.ROI.Contains(u, v) {
			continue
		}

		radius := math.Sqrt(area / math.Pi)
		confidence := clamp01(circularity)

		if c.params.MaxVelocityPxPerMs > 0 && c.prev.hasPrev {
			dtMs := float64(f.TCaptureNs-c.prev.tNs) / 1e6
			if dtMs > 0 {
				dist := math.Hypot(u-c.prev.u, v-c.prev.v)
				if dist/dtMs > c.params.MaxVelocityPxPerMs {
					continue
				}
			}
		}

		out = append(out, Detection{
			CameraLabel: f.CameraLabel,
			FrameIndex:  f.FrameIndex,
			TCaptureNs:  f.TCaptureNs,
			U:           clampTo(u, 0, float64(f.Width)),
			V:           clampTo(v, 0, float64(f.Height)),
			RadiusPx:    radius,
			Confidence:  confidence,
			Mode:        modeFor(c.params.Mode),
		})
	}

	if len(out) > 0 {
		best := out[0]
		for _, d := range out[1:] {
			if d.Confidence > best.Confidence {
				best = d
			}
		}
		c.prev = &trackedPrior{u: best.U, v: best.V, tNs: f.TCaptureNs, hasPrev: true}
	}

	return out, nil
}

func modeFor(m config.ClassicalMode) Mode {
	if m == config.ClassicalModeB {
		return ModeClassicalB
	}
	return ModeClassicalA
}

// detectBackgroundDiff updates the running background model in-place and
// returns contours of the foreground mask (mode A).
func (c *Classical) detectBackgroundDiff(crop gocv.Mat) gocv.PointsVector {
	fg := gocv.NewMat()
	defer fg.Close()
	c.mog2.Apply(crop, &fg)

	gocv.Threshold(fg, &fg, 200, 255, gocv.ThresholdBinary)
	return gocv.FindContours(fg, gocv.RetrievalExternal, gocv.ChainApproxSimple)
}

// detectEdgeBlobHybrid runs Canny edge detection followed by contour
// extraction, better suited to busy/cluttered backgrounds (mode B) where
// frame-differencing alone produces too much noise.
func (c *Classical) detectEdgeBlobHybrid(crop gocv.Mat) gocv.PointsVector {
	gray := gocv.NewMat()
	defer gray.Close()
	if crop.Channels() > 1 {
		gocv.CvtColor(crop, &gray, gocv.ColorBGRToGray)
	} else {
		crop.CopyTo(&gray)
	}

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, 60, 150)

	dilated := gocv.NewMat()
	defer dilated.Close()
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(3, 3))
	defer kernel.Close()
	gocv.Dilate(edges, &dilated, kernel)

	return gocv.FindContours(dilated, gocv.RetrievalExternal, gocv.ChainApproxSimple)
}

func aspectRatio(r image.Rectangle) float64 {
	w, h := float64(r.Dx()), float64(r.Dy())
	if w == 0 || h == 0 {
		return math.Inf(1)
	}
	if w > h {
		return w / h
	}
	return h / w
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

func clampTo(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// matFromFrame builds a gocv.Mat view over the Frame's pixel buffer
// without copying, valid only for the lifetime of the returned Mat's use
// within Detect.
func matFromFrame(f *frame.Frame) (gocv.Mat, error) {
	switch f.Pixfmt {
	case config.PixfmtGRAY8:
		return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8U, f.Pixels)
	default:
		// YUY2/MJPG frames are decoded upstream by the capture backend
		// into a packed BGR buffer before reaching the detector; treat
		// any non-GRAY8 tag as 3-channel here.
		if len(f.Pixels) != f.Width*f.Height*3 {
			return gocv.Mat{}, fmt.Errorf("unexpected buffer size %d for %dx%d frame", len(f.Pixels), f.Width, f.Height)
		}
		return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pixels)
	}
}

// Close releases the background subtractor's OpenCV resources.
func (c *Classical) Close() error {
	return c.mog2.Close()
}
