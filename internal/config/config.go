// Package config loads the pipeline's read-only configuration (§6) into a
// strongly typed, validated struct. Per Design Notes §9, the core never
// carries a dynamic config dict: unknown keys and out-of-range values fail
// at load time, not deep inside a running session.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/berginj/pitchtracker/internal/pitcherr"
)

// PixelFormat enumerates the negotiable camera pixel formats.
type PixelFormat string

const (
	PixfmtGRAY8 PixelFormat = "GRAY8"
	PixfmtYUY2  PixelFormat = "YUY2"
	PixfmtMJPG  PixelFormat = "MJPG"
)

// DetectorType selects the Detector backend.
type DetectorType string

const (
	DetectorClassical DetectorType = "classical"
	DetectorML        DetectorType = "ml"
)

// ClassicalMode selects the classical detector's filter mode.
type ClassicalMode string

const (
	ClassicalModeA ClassicalMode = "A" // background/frame-difference + blob filter
	ClassicalModeB ClassicalMode = "B" // edge/blob hybrid for busy backgrounds
)

// DropPolicy enumerates Capture Queue overflow policies. Only drop_oldest
// is specified today; the enum exists so a future policy fails validation
// loudly instead of silently behaving like drop_oldest.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
)

// CameraConfig mirrors the §6 "camera" group. Backend selects which
// internal/capture.Source implementation the orchestrator opens the
// serial against; it is orchestrator wiring, not a field spec.md's §6
// table names, so it defaults to the USB3/V4L "gocv" backend when unset.
type CameraConfig struct {
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	FPS        int         `json:"fps"`
	Pixfmt     PixelFormat `json:"pixfmt"`
	ExposureUs int         `json:"exposure_us"`
	Gain       float64     `json:"gain"`
	WBMode     string      `json:"wb_mode"`
	Backend    string      `json:"backend,omitempty"`
}

// CameraBackendGocv and CameraBackendGVSP are the two Camera Source
// implementations §4.1/§9 describe as interchangeable backends.
const (
	CameraBackendGocv = "gocv"
	CameraBackendGVSP = "gvsp"
)

// CaptureConfig mirrors the §6 "capture" group.
type CaptureConfig struct {
	QueueSize  int        `json:"queue_size"`
	DropPolicy DropPolicy `json:"drop_policy"`
}

// DetectorConfig mirrors the §6 "detector" group. ROIPolygon is the
// single polygon source of truth Design Notes §9 asks for: both the
// detector's crop rectangle and the activity predicate's point-in-polygon
// test derive from it. An empty polygon means "no ROI restriction",
// matching detect.ROI.Contains' behavior for a zero-value ROI.
type DetectorConfig struct {
	Type           DetectorType   `json:"type"`
	Mode           ClassicalMode  `json:"mode"`
	ROIPolygon     [][2]float64   `json:"roi_polygon,omitempty"`
	MinAreaPx      float64        `json:"min_area_px"`
	MaxAreaPx      float64        `json:"max_area_px"`
	CircularityMin float64        `json:"circularity_min"`
	AspectRatioMax float64        `json:"aspect_ratio_max"`
	ModelPath      string         `json:"model_path"`
	InputSize      int            `json:"input_size"`
	ConfThreshold  float64        `json:"conf_threshold"`
	IoUThreshold   float64        `json:"iou_threshold"`
	ClassID        int            `json:"class_id"`
}

// StereoConfig mirrors the §6 "stereo" group.
type StereoConfig struct {
	PairingToleranceMs float64 `json:"pairing_tolerance_ms"`
	EpipolarEpsilonPx  float64 `json:"epipolar_epsilon_px"`
	ZMinFt             float64 `json:"z_min_ft"`
	ZMaxFt             float64 `json:"z_max_ft"`
	Max3DJumpIn        float64 `json:"max_3d_jump_in"`
}

// TrackingConfig mirrors the §6 "tracking" group. PlateROIPolygon is the
// image-space polygon (per camera, in rectified/common pixel space) that
// the activity predicate tests a detection's (u,v) against when
// UsePlateGate is set; left empty it falls back to "no restriction" the
// same way DetectorConfig.ROIPolygon does, so enabling the plate gate
// without configuring the polygon degrades to the lane-gate behavior
// rather than failing closed.
type TrackingConfig struct {
	MinActiveFrames int          `json:"min_active_frames"`
	EndGapFrames    int          `json:"end_gap_frames"`
	MinObservations int          `json:"min_observations"`
	MinDurationMs   float64      `json:"min_duration_ms"`
	PreRollMs       float64      `json:"pre_roll_ms"`
	PostRollMs      float64      `json:"post_roll_ms"`
	UsePlateGate    bool         `json:"use_plate_gate"`
	PlateROIPolygon [][2]float64 `json:"plate_roi_polygon,omitempty"`
}

// MetricsConfig mirrors the §6 "metrics" group. PlateCenterXFt lets the
// lateral strike-zone rectangle sit off the rig's X=0 axis, matching
// whatever horizontal origin the calibration profile places the plate
// at; it defaults to 0 (zone centered on the rig axis) for installs that
// calibrate the plate to dead center.
type MetricsConfig struct {
	PlatePlaneZFt   float64 `json:"plate_plane_z_ft"`
	ReleasePlaneZFt float64 `json:"release_plane_z_ft"`
	BatterHeightIn  float64 `json:"batter_height_in"`
	TopRatio        float64 `json:"top_ratio"`
	BottomRatio     float64 `json:"bottom_ratio"`
	BallType        string  `json:"ball_type"`
	PlateCenterXFt  float64 `json:"plate_center_x_ft"`
}

// RecordingConfig mirrors the §6 "recording" group. ContinuousSessionVideo
// toggles the optional session_left.avi/session_right.avi continuous
// recorders §6's on-disk layout lists; it is off by default since most
// deployments only want the per-pitch clips.
type RecordingConfig struct {
	OutputDir              string `json:"output_dir"`
	SaveDetections         bool   `json:"save_detections"`
	SaveObservations       bool   `json:"save_observations"`
	SaveTrainingFrames     bool   `json:"save_training_frames"`
	FrameSaveInterval      int    `json:"frame_save_interval"`
	ContinuousSessionVideo bool   `json:"continuous_session_video,omitempty"`
}

// Config is the full typed configuration accepted by start_capture.
type Config struct {
	Camera    CameraConfig    `json:"camera"`
	Capture   CaptureConfig   `json:"capture"`
	Detector  DetectorConfig  `json:"detector"`
	Stereo    StereoConfig    `json:"stereo"`
	Tracking  TrackingConfig  `json:"tracking"`
	Metrics   MetricsConfig   `json:"metrics"`
	Recording RecordingConfig `json:"recording"`
}

// Default returns the documented defaults from §6/§8, used as a baseline
// before any JSON overrides are applied and directly by tests.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Width: 1280, Height: 720, FPS: 30, Pixfmt: PixfmtMJPG,
			ExposureUs: 2000, Gain: 4, WBMode: "auto",
		},
		Capture: CaptureConfig{QueueSize: 6, DropPolicy: DropOldest},
		Detector: DetectorConfig{
			Type: DetectorClassical, Mode: ClassicalModeA,
			MinAreaPx: 9, MaxAreaPx: 4000, CircularityMin: 0.7, AspectRatioMax: 1.6,
			InputSize: 416, ConfThreshold: 0.4, IoUThreshold: 0.45,
		},
		Stereo: StereoConfig{
			PairingToleranceMs: 8, EpipolarEpsilonPx: 3,
			ZMinFt: 3, ZMaxFt: 80, Max3DJumpIn: 12,
		},
		Tracking: TrackingConfig{
			MinActiveFrames: 5, EndGapFrames: 10,
			MinObservations: 3, MinDurationMs: 100,
			PreRollMs: 500, PostRollMs: 500, UsePlateGate: false,
		},
		Metrics: MetricsConfig{
			PlatePlaneZFt: 0, ReleasePlaneZFt: 50,
			BatterHeightIn: 72, TopRatio: 0.56, BottomRatio: 0.28, BallType: "baseball",
			PlateCenterXFt: 0,
		},
		Recording: RecordingConfig{
			OutputDir: "sessions", SaveDetections: true, SaveObservations: true,
			SaveTrainingFrames: false, FrameSaveInterval: 30,
		},
	}
}

// Load reads, strictly decodes (rejecting unknown keys), and validates a
// Config from a JSON file. Values absent from the file are zero, not
// Default()'s values, and Validate rejects many zero values, so the file
// has to be a complete config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pitcherr.New(pitcherr.ConfigInvalid, fmt.Errorf("read config %q: %w", path, err))
	}
	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, pitcherr.New(pitcherr.ConfigInvalid, fmt.Errorf("parse config %q: %w", path, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, pitcherr.New(pitcherr.ConfigInvalid, err)
	}
	return cfg, nil
}

// Validate checks enumerated fields and fixed-range primitives, failing
// fast at start_capture rather than letting a bad value propagate into a
// running session (§7g: "Configuration errors fail fast at start_capture").
func (c *Config) Validate() error {
	switch c.Camera.Pixfmt {
	case PixfmtGRAY8, PixfmtYUY2, PixfmtMJPG:
	default:
		return fmt.Errorf("camera.pixfmt %q not one of GRAY8/YUY2/MJPG", c.Camera.Pixfmt)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 || c.Camera.FPS <= 0 {
		return fmt.Errorf("camera.width/height/fps must be positive")
	}
	if c.Capture.QueueSize <= 0 {
		return fmt.Errorf("capture.queue_size must be positive")
	}
	if c.Capture.DropPolicy != DropOldest {
		return fmt.Errorf("capture.drop_policy %q not supported", c.Capture.DropPolicy)
	}
	switch c.Detector.Type {
	case DetectorClassical, DetectorML:
	default:
		return fmt.Errorf("detector.type %q not one of classical/ml", c.Detector.Type)
	}
	if c.Detector.Type == DetectorClassical {
		switch c.Detector.Mode {
		case ClassicalModeA, ClassicalModeB:
		default:
			return fmt.Errorf("detector.mode %q not one of A/B", c.Detector.Mode)
		}
	}
	if c.Detector.Type == DetectorML {
		if c.Detector.ModelPath == "" {
			return fmt.Errorf("detector.model_path required for ml detector")
		}
		if c.Detector.InputSize <= 0 {
			return fmt.Errorf("detector.input_size must be positive")
		}
		if c.Detector.ConfThreshold < 0 || c.Detector.ConfThreshold > 1 {
			return fmt.Errorf("detector.conf_threshold must be in [0,1]")
		}
	}
	if c.Stereo.PairingToleranceMs <= 0 {
		return fmt.Errorf("stereo.pairing_tolerance_ms must be positive")
	}
	if c.Stereo.EpipolarEpsilonPx <= 0 {
		return fmt.Errorf("stereo.epipolar_epsilon_px must be positive")
	}
	if c.Stereo.ZMinFt <= 0 || c.Stereo.ZMaxFt <= c.Stereo.ZMinFt {
		return fmt.Errorf("stereo.z_min_ft/z_max_ft must form a valid positive range")
	}
	if c.Tracking.MinActiveFrames <= 0 {
		return fmt.Errorf("tracking.min_active_frames must be positive")
	}
	if c.Tracking.EndGapFrames <= 0 {
		return fmt.Errorf("tracking.end_gap_frames must be positive")
	}
	if c.Tracking.MinObservations <= 0 {
		return fmt.Errorf("tracking.min_observations must be positive")
	}
	if c.Tracking.PreRollMs < 0 || c.Tracking.PostRollMs < 0 {
		return fmt.Errorf("tracking.pre_roll_ms/post_roll_ms must be non-negative")
	}
	if c.Metrics.TopRatio <= c.Metrics.BottomRatio {
		return fmt.Errorf("metrics.top_ratio must exceed bottom_ratio")
	}
	switch c.Metrics.BallType {
	case "baseball", "softball":
	default:
		return fmt.Errorf("metrics.ball_type must be \"baseball\" or \"softball\", got %q", c.Metrics.BallType)
	}
	if c.Recording.OutputDir == "" {
		return fmt.Errorf("recording.output_dir required")
	}
	return nil
}

// PreRollRingCapacity returns ceil(pre_roll_ms * fps / 1000), the per-camera
// pre-roll ring size specified in §3/§4.5.
func (c *Config) PreRollRingCapacity() int {
	n := int(math.Ceil(c.Tracking.PreRollMs * float64(c.Camera.FPS) / 1000))
	if n < 0 {
		n = 0
	}
	return n
}
