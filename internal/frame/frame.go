// Package frame defines the Frame value type (§3) shared by Camera
// Source, Capture Queue, Detector, the pre-roll ring, and the Recorder.
package frame

import "github.com/berginj/pitchtracker/internal/config"

// Label identifies which camera a Frame came from.
type Label string

const (
	Left  Label = "left"
	Right Label = "right"
)

// Frame is a single captured image, owned exclusively by whoever holds it
// until it is moved or explicitly cloned (§3 lifetime note: the pre-roll
// ring clone is the only point where sharing occurs).
type Frame struct {
	CameraLabel   Label
	Serial        string
	TCaptureNs    int64 // monotonic, host clock domain shared across cameras
	FrameIndex    uint64
	Width         int
	Height        int
	Pixfmt        config.PixelFormat
	Pixels        []byte
}

// Clone returns a deep copy of the Frame. This is the only sanctioned
// sharing point in the pipeline: the pre-roll ring clones frames so the
// Camera Source's original can continue through the normal write path
// without racing the ring's later drain.
func (f *Frame) Clone() *Frame {
	cp := *f
	cp.Pixels = make([]byte, len(f.Pixels))
	copy(cp.Pixels, f.Pixels)
	return &cp
}
