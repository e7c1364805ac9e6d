package detect

import (
	"testing"

	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	dets []RawDetection
	err  error
}

func (f *fakeBackend) Infer(input []float64, inputSize int) ([]RawDetection, error) {
	return f.dets, f.err
}

func TestSigmoidBounds(t *testing.T) {
	require.InDelta(t, 0.5, sigmoid(0), 1e-9)
	require.Greater(t, sigmoid(10), 0.99)
	require.Less(t, sigmoid(-10), 0.01)
}

func TestIoUIdenticalBoxesIsOne(t *testing.T) {
	a := RawDetection{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}
	require.InDelta(t, 1.0, iou(a, a), 1e-9)
}

func TestIoUDisjointBoxesIsZero(t *testing.T) {
	a := RawDetection{CX: 0.1, CY: 0.1, W: 0.1, H: 0.1}
	b := RawDetection{CX: 0.9, CY: 0.9, W: 0.1, H: 0.1}
	require.Equal(t, 0.0, iou(a, b))
}

func TestNonMaxSuppressDropsOverlapping(t *testing.T) {
	dets := []RawDetection{
		{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2, Confidence: 0.9},
		{CX: 0.51, CY: 0.51, W: 0.2, H: 0.2, Confidence: 0.8}, // overlaps, should be suppressed
		{CX: 0.1, CY: 0.1, W: 0.1, H: 0.1, Confidence: 0.7},   // distinct box, survives
	}
	kept := nonMaxSuppress(dets, 0.5)
	require.Len(t, kept, 2)
	require.Equal(t, 0.9, kept[0].Confidence)
}

func TestNonMaxSuppressEmptyInput(t *testing.T) {
	require.Empty(t, nonMaxSuppress(nil, 0.5))
}

func TestCropResizeNormalizeGray8(t *testing.T) {
	f := &frame.Frame{
		Width:  4,
		Height: 4,
		Pixfmt: config.PixfmtGRAY8,
		Pixels: make([]byte, 16),
	}
	for i := range f.Pixels {
		f.Pixels[i] = 255
	}
	out, err := cropResizeNormalize(f, rectOf(4, 4), 2)
	require.NoError(t, err)
	require.Len(t, out, 4) // 2x2x1
	for _, v := range out {
		require.InDelta(t, 1.0, v, 1e-9)
	}
}

func TestCropResizeNormalizeRejectsUndersizedBuffer(t *testing.T) {
	f := &frame.Frame{Width: 4, Height: 4, Pixfmt: config.PixfmtGRAY8, Pixels: make([]byte, 2)}
	_, err := cropResizeNormalize(f, rectOf(4, 4), 2)
	require.Error(t, err)
}

func TestReferenceBackendRejectsMismatchedWeights(t *testing.T) {
	_, err := NewReferenceBackend([]float64{1, 2, 3}, []float64{1}, 1, 10)
	require.Error(t, err)
}

func TestReferenceBackendInferProducesAnchors(t *testing.T) {
	inputDim := 4
	numAnchors := 2
	weights := make([]float64, numAnchors*5*inputDim)
	bias := make([]float64, numAnchors*5)
	backend, err := NewReferenceBackend(weights, bias, numAnchors, inputDim)
	require.NoError(t, err)

	dets, err := backend.Infer(make([]float64, inputDim), inputDim)
	require.NoError(t, err)
	require.Len(t, dets, numAnchors)
	for _, d := range dets {
		require.InDelta(t, 0.5, d.Confidence, 1e-9) // zero weights+bias -> sigmoid(0)
	}
}

func TestMLDetectFiltersByConfidenceAndClass(t *testing.T) {
	backend := &fakeBackend{dets: []RawDetection{
		{CX: 0.5, CY: 0.5, W: 0.1, H: 0.1, Confidence: 0.95, ClassID: 0},
		{CX: 0.2, CY: 0.2, W: 0.1, H: 0.1, Confidence: 0.3, ClassID: 0},  // below threshold
		{CX: 0.8, CY: 0.8, W: 0.1, H: 0.1, Confidence: 0.99, ClassID: 1}, // wrong class
	}}
	ml := NewML(MLParams{
		InputSize:     8,
		ConfThreshold: 0.5,
		IoUThreshold:  0.5,
		ClassID:       0,
	}, backend)

	f := &frame.Frame{Width: 100, Height: 100, Pixfmt: config.PixfmtGRAY8, Pixels: make([]byte, 100*100)}
	dets, err := ml.Detect(f)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, ModeML, dets[0].Mode)
}

func TestMLDetectPropagatesBackendError(t *testing.T) {
	backend := &fakeBackend{err: errBackendBoom}
	ml := NewML(MLParams{InputSize: 4, ConfThreshold: 0.5, IoUThreshold: 0.5}, backend)
	f := &frame.Frame{Width: 20, Height: 20, Pixfmt: config.PixfmtGRAY8, Pixels: make([]byte, 400)}
	_, err := ml.Detect(f)
	require.Error(t, err)
}

var errBackendBoom = &boomErr{}

type boomErr struct{}

func (e *boomErr) Error() string { return "backend boom" }
