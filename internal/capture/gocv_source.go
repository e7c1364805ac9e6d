package capture

import (
	"fmt"
	"time"

	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/obslog"
	"github.com/berginj/pitchtracker/internal/pitcherr"
	"gocv.io/x/gocv"
)

// GocvSource opens a USB3/V4L industrial camera through OpenCV's
// VideoCapture, the way MiFaceDEV-miface opens its local webcam. The
// "serial" here is the device path or index OpenCV resolves (e.g.
// "/dev/video0" or a UVC serial-to-index mapping performed by the caller).
type GocvSource struct {
	serial string
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	width  int
	height int
	pixfmt config.PixelFormat
}

// NewGocvSource constructs an unopened GocvSource.
func NewGocvSource() *GocvSource {
	return &GocvSource{mat: gocv.NewMat()}
}

// Open resolves serial to a VideoCapture device. Errors are classified by
// kind per §4.1/§7: device-not-found when the device cannot be opened.
func (g *GocvSource) Open(serial string) error {
	g.serial = serial
	vc, err := gocv.OpenVideoCapture(serial)
	if err != nil {
		return pitcherr.New(pitcherr.CameraNotFound, fmt.Errorf("open camera %q: %w", serial, err))
	}
	if !vc.IsOpened() {
		return pitcherr.New(pitcherr.CameraNotFound, fmt.Errorf("camera %q did not open", serial))
	}
	g.cap = vc
	return nil
}

// SetMode requests a capture mode and validates the device actually
// applied it, logging a warning on mismatch per §4.1 ("On open, the
// source validates that the returned mode matches the request").
func (g *GocvSource) SetMode(width, height, fps int, pixfmt config.PixelFormat) error {
	if g.cap == nil {
		return pitcherr.New(pitcherr.CameraNotFound, fmt.Errorf("SetMode called before Open"))
	}
	g.cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	g.cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
	g.cap.Set(gocv.VideoCaptureFPS, float64(fps))
	if fourcc := fourCCFor(pixfmt); fourcc != 0 {
		g.cap.Set(gocv.VideoCaptureFOURCC, float64(fourcc))
	}

	actualW := int(g.cap.Get(gocv.VideoCaptureFrameWidth))
	actualH := int(g.cap.Get(gocv.VideoCaptureFrameHeight))
	actualFPS := int(g.cap.Get(gocv.VideoCaptureFPS))
	if actualW != width || actualH != height {
		obslog.Ops("[capture] camera did not honor requested mode %dx%d@%d, got %dx%d@%d",
			width, height, fps, actualW, actualH, actualFPS)
	}
	g.width, g.height, g.pixfmt = width, height, pixfmt
	return nil
}

func fourCCFor(pixfmt config.PixelFormat) int {
	switch pixfmt {
	case config.PixfmtMJPG:
		return gocv.VideoWriterFourcc('M', 'J', 'P', 'G')
	case config.PixfmtYUY2:
		return gocv.VideoWriterFourcc('Y', 'U', 'Y', '2')
	default:
		return 0
	}
}

// SetControls applies manual exposure/gain/white-balance controls.
func (g *GocvSource) SetControls(exposureUs int, gain float64, wbMode string) error {
	if g.cap == nil {
		return pitcherr.New(pitcherr.CameraNotFound, fmt.Errorf("SetControls called before Open"))
	}
	g.cap.Set(gocv.VideoCaptureExposure, float64(exposureUs))
	g.cap.Set(gocv.VideoCaptureGain, gain)
	if wbMode == "manual" {
		g.cap.Set(gocv.VideoCaptureAutoWB, 0)
	} else {
		g.cap.Set(gocv.VideoCaptureAutoWB, 1)
	}
	return nil
}

// ReadFrame blocks up to timeout for the next frame. gocv's Read is
// itself blocking with no native timeout, so a short-lived goroutine
// races it against a timer; this bounds the suspension point per §5.
func (g *GocvSource) ReadFrame(timeout time.Duration) (*frame.Frame, error) {
	if g.cap == nil {
		return nil, pitcherr.New(pitcherr.CameraNotFound, fmt.Errorf("ReadFrame called before Open"))
	}

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok := g.cap.Read(&g.mat)
		done <- result{ok: ok}
	}()

	select {
	case r := <-done:
		if !r.ok || g.mat.Empty() {
			return nil, pitcherr.New(pitcherr.CameraReadTransient, fmt.Errorf("empty read from %q", g.serial))
		}
		buf, err := g.mat.DataPtrUint8()
		if err != nil {
			return nil, pitcherr.New(pitcherr.CameraReadTransient, fmt.Errorf("copy frame data: %w", err))
		}
		pixels := make([]byte, len(buf))
		copy(pixels, buf)
		return &frame.Frame{
			Serial: g.serial,
			Width:  g.width,
			Height: g.height,
			Pixfmt: g.pixfmt,
			Pixels: pixels,
		}, nil
	case <-time.After(timeout):
		return nil, pitcherr.New(pitcherr.CameraReadTransient, fmt.Errorf("read timeout after %s", timeout))
	}
}

// Close releases the underlying VideoCapture device.
func (g *GocvSource) Close() error {
	if g.cap != nil {
		if err := g.cap.Close(); err != nil {
			return fmt.Errorf("close camera %q: %w", g.serial, err)
		}
	}
	return g.mat.Close()
}
