// Package capture implements the Camera Source (§4.1): open-by-serial,
// mode/control negotiation, timestamped frame reads, and the per-camera
// capture thread that feeds the Capture Queue.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/berginj/pitchtracker/internal/clock"
	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/obslog"
	"github.com/berginj/pitchtracker/internal/pitcherr"
)

// Source is the Camera Source contract. Two backends implement it: the
// gocv (USB3/V4L) backend and the gvsp (GigE Vision over raw Ethernet)
// backend; both are driven identically by Thread.
type Source interface {
	Open(serial string) error
	SetMode(width, height, fps int, pixfmt config.PixelFormat) error
	SetControls(exposureUs int, gain float64, wbMode string) error
	ReadFrame(timeout time.Duration) (*frame.Frame, error)
	Close() error
}

// Thread drives a single Source on its own goroutine, applying the
// transient-retry-then-fatal-promotion policy from §4.1 and emitting
// strictly increasing, monotonically timestamped frames.
type Thread struct {
	Label               frame.Label
	Source              Source
	MaxTransientRetries int // default 3 if zero

	frameIndex uint64
}

// NewThread constructs a Thread with the default retry budget.
func NewThread(label frame.Label, src Source) *Thread {
	return &Thread{Label: label, Source: src, MaxTransientRetries: 3}
}

// Run reads frames until ctx is cancelled or a fatal error occurs,
// invoking onFrame for each successfully read frame. It returns nil on
// clean cancellation and a CameraReadFatal-kind error otherwise.
func (t *Thread) Run(ctx context.Context, readTimeout time.Duration, onFrame func(*frame.Frame)) error {
	maxRetries := t.MaxTransientRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	retries := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		f, err := t.Source.ReadFrame(readTimeout)
		if err != nil {
			if pitcherr.Is(err, pitcherr.CameraReadTransient) {
				retries++
				obslog.Diag("[capture:%s] transient read error (%d/%d): %v", t.Label, retries, maxRetries, err)
				if retries > maxRetries {
					obslog.Ops("[capture:%s] transient read errors exceeded budget, promoting to fatal", t.Label)
					return pitcherr.New(pitcherr.CameraReadFatal, fmt.Errorf("exceeded %d transient retries: %w", maxRetries, err))
				}
				continue
			}
			return pitcherr.New(pitcherr.CameraReadFatal, err)
		}
		retries = 0

		f.CameraLabel = t.Label
		f.TCaptureNs = clock.NowNs()
		f.FrameIndex = t.frameIndex
		t.frameIndex++

		onFrame(f)
	}
}
