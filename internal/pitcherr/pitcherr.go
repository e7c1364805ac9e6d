// Package pitcherr defines the error kinds used across the pipeline (§7 of
// the design). Kinds are sentinel values rather than distinct Go types so
// errors.Is works across package boundaries without import cycles.
package pitcherr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a pipeline error without committing to
// a concrete Go type for it.
type Kind string

const (
	CameraNotFound          Kind = "camera_not_found"
	CameraBusy              Kind = "camera_busy"
	CameraModeUnsupported   Kind = "camera_mode_unsupported"
	CameraReadTransient     Kind = "camera_read_transient"
	CameraReadFatal         Kind = "camera_read_fatal"
	ConfigInvalid           Kind = "config_invalid"
	CalibrationMismatch     Kind = "calibration_mismatch"
	DetectorInit            Kind = "detector_init"
	DetectorInference       Kind = "detector_inference"
	StereoOutOfRange        Kind = "stereo_out_of_range"
	TriangulationIllCond    Kind = "triangulation_ill_conditioned"
	RecorderWrite           Kind = "recorder_write"
	RecorderDiskFull        Kind = "recorder_disk_full"
	ShutdownIncomplete      Kind = "shutdown_incomplete"
	SessionDBWrite          Kind = "sessiondb_write"
)

// Error wraps a Kind with the underlying cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error for the given kind, wrapping cause with %w so
// errors.Is/errors.As continue to work against the cause chain.
func New(kind Kind, cause error) error {
	if cause == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Cause: fmt.Errorf("%w", cause)}
}

// Newf is like New but builds the cause from a format string.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Is reports whether err (or any error in its chain) carries the given
// Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
