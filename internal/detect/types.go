// Package detect implements the Detector (§4.3): per-frame ball detection
// inside an ROI, with interchangeable Classical and ML backends behind a
// single interface.
package detect

import (
	"github.com/berginj/pitchtracker/internal/frame"
)

// Mode tags which detector produced a Detection, carried through to the
// per-camera detection JSON export (§6).
type Mode string

const (
	ModeClassicalA Mode = "classical_a"
	ModeClassicalB Mode = "classical_b"
	ModeML         Mode = "ml"
)

// Detection is a single candidate ball location in one camera's frame
// (§3). Copies of this struct, not references to the originating Frame,
// flow downstream so a Detection can outlive its Frame.
type Detection struct {
	CameraLabel   frame.Label
	FrameIndex    uint64
	TCaptureNs    int64
	U, V          float64
	RadiusPx      float64
	Confidence    float64
	Mode          Mode
}

// Detector is the shared contract for both backends (§4.3, §9 "ML
// detector plug-in": treat the detector as a variant behind a common
// interface; never let an ML runtime leak into upstream components).
type Detector interface {
	Detect(f *frame.Frame) ([]Detection, error)
	Close() error
}
