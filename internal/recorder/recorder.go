// Package recorder implements the Pitch Recorder (§4.6): incremental
// per-pitch video/CSV writes, JSON exports and key-frame PNGs on close,
// and the manifest produced by calling the Metrics Analyzer. It mirrors
// the teacher's incremental-writer-with-atomic-finalize shape
// (internal/lidar/recorder.Recorder: mutex-guarded writes, header/index on
// close, explicit "closed" guard) generalized from a single binary log to
// the multi-file pitch directory §6 specifies.
package recorder

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/berginj/pitchtracker/internal/calib"
	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/detect"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/metrics"
	"github.com/berginj/pitchtracker/internal/obslog"
	"github.com/berginj/pitchtracker/internal/pitcherr"
	"github.com/berginj/pitchtracker/internal/pitchfsm"
	"github.com/berginj/pitchtracker/internal/report"
	"github.com/berginj/pitchtracker/internal/stereo"
	"github.com/berginj/pitchtracker/internal/version"
	"gocv.io/x/gocv"
)

const tmpSuffix = ".tmp"

type detectionRecord struct {
	FrameIndex  uint64  `json:"frame_index"`
	TimestampNs int64   `json:"timestamp_ns"`
	UPx         float64 `json:"u_px"`
	VPx         float64 `json:"v_px"`
	RadiusPx    float64 `json:"radius_px"`
	Confidence  float64 `json:"confidence"`
}

type detectionFile struct {
	PitchID        string            `json:"pitch_id"`
	Camera         frame.Label       `json:"camera"`
	DetectionCount int               `json:"detection_count"`
	Detections     []detectionRecord `json:"detections"`
}

type observationRecord struct {
	TimestampNs int64      `json:"timestamp_ns"`
	LeftPx      [2]float64 `json:"left_px"`
	RightPx     [2]float64 `json:"right_px"`
	XFt         float64    `json:"X_ft"`
	YFt         float64    `json:"Y_ft"`
	ZFt         float64    `json:"Z_ft"`
	Quality     float64    `json:"quality"`
	Confidence  float64    `json:"confidence"`
}

type observationFile struct {
	PitchID          string              `json:"pitch_id"`
	ObservationCount int                 `json:"observation_count"`
	Observations     []observationRecord `json:"observations"`
}

// Trajectory mirrors the §6 pitch-manifest "trajectory" sub-object.
type Trajectory struct {
	PlateCrossingXYZFt [3]float64 `json:"plate_crossing_xyz_ft"`
	PlateCrossingTNs   int64      `json:"plate_crossing_t_ns"`
	Model              string     `json:"model"`
	ExpectedErrorFt    float64    `json:"expected_error_ft"`
	Confidence         float64    `json:"confidence"`
}

// DetectionQuality and TimingAccuracy mirror §6's optional
// "performance_metrics" manifest sub-object.
type DetectionQuality struct {
	StereoObservations int     `json:"stereo_observations"`
	DetectionRateHz    float64 `json:"detection_rate_hz"`
}

type TimingAccuracy struct {
	PreRollFramesCaptured int   `json:"pre_roll_frames_captured"`
	DurationNs            int64 `json:"duration_ns"`
	StartNs               int64 `json:"start_ns"`
	EndNs                 int64 `json:"end_ns"`
}

type PerformanceMetrics struct {
	DetectionQuality DetectionQuality `json:"detection_quality"`
	TimingAccuracy   TimingAccuracy   `json:"timing_accuracy"`
}

// Manifest is the §6 pitch manifest, serialized to manifest.json on close.
type Manifest struct {
	SchemaVersion      string              `json:"schema_version"`
	AppVersion         string              `json:"app_version"`
	PitchID            string              `json:"pitch_id"`
	TStartNs           int64               `json:"t_start_ns"`
	TEndNs             int64               `json:"t_end_ns"`
	IsStrike           bool                `json:"is_strike"`
	ZoneRow            int                 `json:"zone_row"`
	ZoneCol            int                 `json:"zone_col"`
	RunIn              float64             `json:"run_in"`
	RiseIn             float64             `json:"rise_in"`
	MeasuredSpeedMph   float64             `json:"measured_speed_mph"`
	RotationRpm        *float64            `json:"rotation_rpm,omitempty"`
	FailureCode        string              `json:"failure_code,omitempty"`
	Trajectory         Trajectory          `json:"trajectory"`
	LeftVideo          string              `json:"left_video"`
	RightVideo         string              `json:"right_video"`
	LeftTimestampsCsv  string              `json:"left_timestamps_csv"`
	RightTimestampsCsv string              `json:"right_timestamps_csv"`
	PerformanceMetrics *PerformanceMetrics `json:"performance_metrics,omitempty"`
	Incomplete         bool                `json:"incomplete,omitempty"`
}

type cameraState struct {
	video       *gocv.VideoWriter
	tsFile      *os.File
	tsWriter    *csv.Writer
	frameCount  uint64
	wrotePreRoll bool
	wroteFirstDet bool
	lastFrame   *frame.Frame // most recent frame buffered, for the post-roll-last PNG
	lastDetFrame *frame.Frame // most recent frame that carried a detection, for the pitch-last PNG
	detections  []detectionRecord
}

// Recorder owns one pitch directory from on_pitch_start through Close.
// It is single-producer: only the orchestrator's write path touches it
// (§5 — no cross-pitch concurrency exists because ShouldClose must be
// observed before a new pitch opens), but the mutex guards the rare case
// of a write racing a concurrent ShouldClose probe from a different
// goroutine.
type Recorder struct {
	mu sync.Mutex

	sessionID  string
	tmpDir     string
	finalDir   string
	pitchID    string
	pitchIndex int
	cfg        config.RecordingConfig
	tracking   config.TrackingConfig
	fps        float64

	cameras map[frame.Label]*cameraState

	hasEnd  bool
	endNs   int64
	closed  bool

	observations []observationRecord

	preRollFramesCaptured map[frame.Label]int
	startNs               int64

	incomplete bool
}

// New creates the pitch directory (with a .tmp suffix, renamed away in
// Close) and immediately writes the drained pre-roll frames (§4.6:
// "video and CSV writes are done incrementally as frames arrive").
func New(sessionDir, sessionID string, pitch *pitchfsm.PitchData, cfg config.RecordingConfig, tracking config.TrackingConfig, fps int) (*Recorder, error) {
	pitchID := fmt.Sprintf("%s-pitch-%03d", sessionID, pitch.PitchIndex)
	finalDir := filepath.Join(sessionDir, pitchID)
	tmpDir := finalDir + tmpSuffix

	for _, sub := range []string{"", "detections", "observations", "frames/left", "frames/right"} {
		if err := os.MkdirAll(filepath.Join(tmpDir, sub), 0o755); err != nil {
			return nil, pitcherr.New(pitcherr.RecorderWrite, fmt.Errorf("create pitch dir %q: %w", tmpDir, err))
		}
	}

	r := &Recorder{
		sessionID:             sessionID,
		tmpDir:                tmpDir,
		finalDir:              finalDir,
		pitchID:                pitchID,
		pitchIndex:             pitch.PitchIndex,
		cfg:                   cfg,
		tracking:               tracking,
		fps:                    float64(fps),
		cameras:                map[frame.Label]*cameraState{frame.Left: {}, frame.Right: {}},
		preRollFramesCaptured:  map[frame.Label]int{},
		startNs:                pitch.StartNs,
	}

	for label, frames := range pitch.PreRollFrames {
		r.preRollFramesCaptured[label] = len(frames)
		for i, f := range frames {
			if err := r.writeFrameLocked(label, f, nil, i == 0); err != nil {
				obslog.Ops("recorder[%s]: pre-roll write failed for %s: %v", pitchID, label, err)
				r.incomplete = true
			}
		}
	}

	return r, nil
}

// WriteFrame records one live (post-pre-roll) frame and its detections.
// Per §4.6, frames arriving after ShouldClose() is true are silently
// ignored.
func (r *Recorder) WriteFrame(label frame.Label, f *frame.Frame, dets []detect.Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.shouldCloseLocked(f.TCaptureNs) {
		return
	}
	if err := r.writeFrameLocked(label, f, dets, false); err != nil {
		obslog.Ops("recorder[%s]: frame write failed for %s: %v", r.pitchID, label, err)
		r.incomplete = true
	}
}

// writeFrameLocked does the actual incremental video/CSV/detection-buffer
// write. forcePreRollMilestone marks the very first pre-roll frame for
// the pre_roll_NNNNN.png export.
func (r *Recorder) writeFrameLocked(label frame.Label, f *frame.Frame, dets []detect.Detection, forcePreRollMilestone bool) error {
	cam := r.cameras[label]
	if cam == nil {
		return fmt.Errorf("unknown camera label %q", label)
	}

	if cam.video == nil {
		vw, err := openVideoWriter(r.tmpDir, label, f, r.fps)
		if err != nil {
			return err
		}
		cam.video = vw
		tsFile, err := os.Create(filepath.Join(r.tmpDir, string(label)+"_timestamps.csv"))
		if err != nil {
			return fmt.Errorf("create timestamps csv: %w", err)
		}
		cam.tsFile = tsFile
		cam.tsWriter = csv.NewWriter(tsFile)
		if err := cam.tsWriter.Write([]string{"frame_index", "capture_t_ns"}); err != nil {
			return fmt.Errorf("write timestamps header: %w", err)
		}
	}

	mat, err := matFromFrame(f)
	if err != nil {
		return fmt.Errorf("decode frame for video write: %w", err)
	}
	defer mat.Close()
	if err := cam.video.Write(mat); err != nil {
		return fmt.Errorf("write video frame: %w", err)
	}

	if err := cam.tsWriter.Write([]string{
		strconv.FormatUint(f.FrameIndex, 10),
		strconv.FormatInt(f.TCaptureNs, 10),
	}); err != nil {
		return fmt.Errorf("write timestamp row: %w", err)
	}
	cam.tsWriter.Flush()

	if r.cfg.SaveDetections {
		for _, d := range dets {
			cam.detections = append(cam.detections, detectionRecord{
				FrameIndex: d.FrameIndex, TimestampNs: d.TCaptureNs,
				UPx: d.U, VPx: d.V, RadiusPx: d.RadiusPx, Confidence: d.Confidence,
			})
		}
	}

	cam.lastFrame = f
	if len(dets) > 0 {
		cam.lastDetFrame = f
	}
	cam.frameCount++

	if r.cfg.SaveTrainingFrames {
		r.exportMilestonePNGs(label, cam, f, dets, forcePreRollMilestone)
	}

	return nil
}

func (r *Recorder) exportMilestonePNGs(label frame.Label, cam *cameraState, f *frame.Frame, dets []detect.Detection, forcePreRoll bool) {
	dir := filepath.Join(r.tmpDir, "frames", string(label))

	if forcePreRoll && !cam.wrotePreRoll {
		cam.wrotePreRoll = true
		writePNG(dir, fmt.Sprintf("pre_roll_%05d.png", 0), f)
	}

	if len(dets) > 0 && !cam.wroteFirstDet {
		cam.wroteFirstDet = true
		writePNG(dir, fmt.Sprintf("pitch_%05d_first.png", r.pitchIndex), f)
	}

	interval := r.cfg.FrameSaveInterval
	if interval > 0 && cam.frameCount%uint64(interval) == 0 {
		writePNG(dir, fmt.Sprintf("uniform_%05d.png", cam.frameCount), f)
	}
}

// AddObservation accumulates one stereo observation for the observation
// export, when enabled.
func (r *Recorder) AddObservation(obs stereo.Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.cfg.SaveObservations {
		return
	}
	r.observations = append(r.observations, observationRecord{
		TimestampNs: obs.TNs,
		LeftPx:      [2]float64{obs.Left.U, obs.Left.V},
		RightPx:     [2]float64{obs.Right.U, obs.Right.V},
		XFt:         obs.X, YFt: obs.Y, ZFt: obs.Z,
		Quality: obs.Quality, Confidence: obs.Confidence,
	})
}

// MarkEnd records the pitch's end_ns, arming the post-roll window used by
// ShouldClose.
func (r *Recorder) MarkEnd(endNs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasEnd = true
	r.endNs = endNs
}

// ShouldClose reports whether post_roll_ms of capture-clock time has
// elapsed since end_ns (§4.6). nowNs is the capture timestamp of whatever
// frame the caller is about to hand to WriteFrame.
func (r *Recorder) ShouldClose(nowNs int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shouldCloseLocked(nowNs)
}

func (r *Recorder) shouldCloseLocked(nowNs int64) bool {
	if !r.hasEnd {
		return false
	}
	elapsedMs := float64(nowNs-r.endNs) / 1e6
	return elapsedMs >= r.tracking.PostRollMs
}

// Close finalizes the pitch: writes the last-post-roll/last-detection
// PNGs, the detection/observation JSON exports, runs the Metrics
// Analyzer to build the manifest, fsyncs the timestamp CSVs and JSON
// exports, then atomically renames the .tmp directory to its final name
// (§4.6). Video files are closed but not fsynced. Write errors during
// finalization are logged and recorded as Incomplete; Close returns an
// error only when it was already called, when manifest.json cannot be
// written, or when the directory rename fails.
func (r *Recorder) Close(pitch *pitchfsm.PitchData, profile *calib.Profile, metricsCfg config.MetricsConfig) (*metrics.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("recorder[%s]: already closed", r.pitchID)
	}
	r.closed = true

	if r.cfg.SaveTrainingFrames {
		for label, cam := range r.cameras {
			dir := filepath.Join(r.tmpDir, "frames", string(label))
			if cam.lastDetFrame != nil {
				writePNG(dir, fmt.Sprintf("pitch_%05d_last.png", r.pitchIndex), cam.lastDetFrame)
			}
			if cam.lastFrame != nil {
				writePNG(dir, "post_roll_last.png", cam.lastFrame)
			}
		}
	}

	for label, cam := range r.cameras {
		if cam.video == nil {
			continue
		}
		if err := cam.video.Close(); err != nil {
			obslog.Ops("recorder[%s]: close video %s: %v", r.pitchID, label, err)
			r.incomplete = true
		}
		cam.tsWriter.Flush()
		if err := cam.tsFile.Sync(); err != nil {
			r.incomplete = true
		}
		if err := cam.tsFile.Close(); err != nil {
			obslog.Ops("recorder[%s]: close timestamps csv %s: %v", r.pitchID, label, err)
			r.incomplete = true
		}

		if r.cfg.SaveDetections {
			df := detectionFile{PitchID: r.pitchID, Camera: label, DetectionCount: len(cam.detections), Detections: cam.detections}
			if err := writeJSONFile(filepath.Join(r.tmpDir, "detections", string(label)+"_detections.json"), df); err != nil {
				obslog.Ops("recorder[%s]: write %s detections: %v", r.pitchID, label, err)
				r.incomplete = true
			}
		}
	}

	if r.cfg.SaveObservations {
		of := observationFile{PitchID: r.pitchID, ObservationCount: len(r.observations), Observations: r.observations}
		if err := writeJSONFile(filepath.Join(r.tmpDir, "observations", "stereo_observations.json"), of); err != nil {
			obslog.Ops("recorder[%s]: write observations: %v", r.pitchID, err)
			r.incomplete = true
		}
	}

	result := metrics.Analyze(pitch, profile, metricsCfg)

	if r.cfg.SaveTrainingFrames && len(pitch.Observations) > 0 {
		path := filepath.Join(r.tmpDir, "frames", "trajectory.png")
		if err := report.TrajectoryPNG(path, pitch.Observations, result); err != nil {
			obslog.Ops("recorder[%s]: render trajectory png: %v", r.pitchID, err)
		}
	}

	durationNs := pitch.EndNs - pitch.StartNs
	var rateHz float64
	if durationNs > 0 {
		rateHz = float64(len(pitch.Observations)) / (float64(durationNs) / 1e9)
	}
	manifest := Manifest{
		SchemaVersion:    version.SchemaVersion,
		AppVersion:       version.AppVersion,
		PitchID:          r.pitchID,
		TStartNs:         pitch.StartNs,
		TEndNs:           pitch.EndNs,
		IsStrike:         result.IsStrike,
		ZoneRow:          result.ZoneRow,
		ZoneCol:          result.ZoneCol,
		RunIn:            result.HorizontalBreakIn,
		RiseIn:           result.InducedVerticalBreakIn,
		MeasuredSpeedMph: result.VelocityMph,
		RotationRpm:      result.RotationRpm,
		FailureCode:      string(result.FailureCode),
		Trajectory: Trajectory{
			PlateCrossingXYZFt: result.PlateCrossing,
			PlateCrossingTNs:   result.PlateCrossingTNs,
			Model:              result.Model,
			ExpectedErrorFt:    result.ExpectedPlateErrorFt,
			Confidence:         result.Confidence,
		},
		LeftVideo:          "left.avi",
		RightVideo:         "right.avi",
		LeftTimestampsCsv:  "left_timestamps.csv",
		RightTimestampsCsv: "right_timestamps.csv",
		PerformanceMetrics: &PerformanceMetrics{
			DetectionQuality: DetectionQuality{
				StereoObservations: len(pitch.Observations),
				DetectionRateHz:    rateHz,
			},
			TimingAccuracy: TimingAccuracy{
				PreRollFramesCaptured: r.preRollFramesCaptured[frame.Left],
				DurationNs:            durationNs,
				StartNs:               pitch.StartNs,
				EndNs:                 pitch.EndNs,
			},
		},
		Incomplete: r.incomplete,
	}

	if err := writeJSONFile(filepath.Join(r.tmpDir, "manifest.json"), manifest); err != nil {
		return result, pitcherr.New(pitcherr.RecorderWrite, fmt.Errorf("write manifest: %w", err))
	}

	if err := os.Rename(r.tmpDir, r.finalDir); err != nil {
		return result, pitcherr.New(pitcherr.RecorderWrite, fmt.Errorf("finalize pitch dir: %w", err))
	}

	return result, nil
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func writePNG(dir, name string, f *frame.Frame) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		obslog.Ops("recorder: mkdir for png export: %v", err)
		return
	}
	img, err := frameToImage(f)
	if err != nil {
		obslog.Ops("recorder: decode frame for png export: %v", err)
		return
	}
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		obslog.Ops("recorder: create png %s: %v", name, err)
		return
	}
	defer out.Close()
	if err := png.Encode(out, img); err != nil {
		obslog.Ops("recorder: encode png %s: %v", name, err)
	}
}

func frameToImage(f *frame.Frame) (image.Image, error) {
	mat, err := matFromFrame(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	return mat.ToImage()
}

// matFromFrame builds a gocv.Mat view over the Frame's pixel buffer,
// mirroring internal/detect's helper of the same name (§3's "GRAY8 is
// single-channel, everything else decoded to packed BGR upstream").
func matFromFrame(f *frame.Frame) (gocv.Mat, error) {
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

func openVideoWriter(dir string, label frame.Label, f *frame.Frame, fps float64) (*gocv.VideoWriter, error) {
	path := filepath.Join(dir, string(label)+".avi")
	isColor := f.Pixfmt != config.PixfmtGRAY8
	if fps <= 0 {
		fps = 30
	}
	vw, err := gocv.VideoWriterFile(path, "MJPG", fps, f.Width, f.Height, isColor)
	if err != nil {
		return nil, fmt.Errorf("open video writer %q: %w", path, err)
	}
	return vw, nil
}
