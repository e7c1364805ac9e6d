package orchestrator

import (
	"fmt"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/frame"
)

// continuousRecorder writes every frame from one camera to a single
// session-scoped video file (session_left.avi/session_right.avi, §6),
// independent of pitch boundaries. It is the optional
// RecordingConfig.ContinuousSessionVideo feature; unlike recorder.Recorder
// it carries no detections, no pre-roll, and no manifest, just a raw feed
// for commissioning review.
type continuousRecorder struct {
	mu     sync.Mutex
	video  *gocv.VideoWriter
	closed bool
}

func newContinuousRecorder(sessionDir string, label frame.Label, cam config.CameraConfig) (*continuousRecorder, error) {
	path := filepath.Join(sessionDir, "session_"+string(label)+".avi")
	isColor := cam.Pixfmt != config.PixfmtGRAY8
	fps := float64(cam.FPS)
	if fps <= 0 {
		fps = 30
	}
	vw, err := gocv.VideoWriterFile(path, "MJPG", fps, cam.Width, cam.Height, isColor)
	if err != nil {
		return nil, fmt.Errorf("open continuous video writer %q: %w", path, err)
	}
	return &continuousRecorder{video: vw}, nil
}

func (c *continuousRecorder) write(f *frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	mat, err := continuousMatFromFrame(f)
	if err != nil {
		return err
	}
	defer mat.Close()
	return c.video.Write(mat)
}

func (c *continuousRecorder) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.video.Close()
}

// continuousMatFromFrame mirrors recorder.matFromFrame/detect.matFromFrame:
// GRAY8 is single-channel, everything else decoded to packed BGR upstream.
func continuousMatFromFrame(f *frame.Frame) (gocv.Mat, error) {
	switch f.Pixfmt {
	case config.PixfmtGRAY8:
		return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8U, f.Pixels)
	default:
		if len(f.Pixels) != f.Width*f.Height*3 {
			return gocv.Mat{}, fmt.Errorf("unexpected buffer size %d for %dx%d frame", len(f.Pixels), f.Width, f.Height)
		}
		return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pixels)
	}
}
