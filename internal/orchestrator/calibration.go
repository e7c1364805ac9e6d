package orchestrator

import (
	"path/filepath"

	"github.com/berginj/pitchtracker/internal/calib"
	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/obslog"
)

// calibrationExport summarizes what was written under the session's
// calibration/ subdirectory (§6), embedded in the session manifest.
type calibrationExport struct {
	Exported              bool   `json:"exported"`
	StereoGeometryPath    string `json:"stereo_geometry_path,omitempty"`
	IntrinsicsLeftPath    string `json:"intrinsics_left_path,omitempty"`
	IntrinsicsRightPath   string `json:"intrinsics_right_path,omitempty"`
	ROIAnnotationsPath    string `json:"roi_annotations_path,omitempty"`
}

type roiAnnotations struct {
	DetectorROIPolygon [][2]float64 `json:"detector_roi_polygon,omitempty"`
	PlateROIPolygon    [][2]float64 `json:"plate_roi_polygon,omitempty"`
	UsePlateGate       bool         `json:"use_plate_gate"`
}

// exportCalibration writes the profile and ROI polygons used for this
// session into dir/calibration/ so a session directory is self-contained
// for later audit, per §6's calibration/ layout. Failures are logged, not
// propagated: a missing calibration export should never block a session.
func exportCalibration(dir string, profile *calib.Profile, cfg *config.Config) calibrationExport {
	calDir := filepath.Join(dir, "calibration")
	out := calibrationExport{}

	if profile != nil {
		geomPath := filepath.Join(calDir, "stereo_geometry.json")
		if err := writeJSONFile(geomPath, profile.Stereo); err != nil {
			obslog.Ops("orchestrator: export stereo_geometry.json: %v", err)
		} else {
			out.StereoGeometryPath = "calibration/stereo_geometry.json"
		}

		leftPath := filepath.Join(calDir, "intrinsics_left.json")
		if err := writeJSONFile(leftPath, profile.Left); err != nil {
			obslog.Ops("orchestrator: export intrinsics_left.json: %v", err)
		} else {
			out.IntrinsicsLeftPath = "calibration/intrinsics_left.json"
		}

		rightPath := filepath.Join(calDir, "intrinsics_right.json")
		if err := writeJSONFile(rightPath, profile.Right); err != nil {
			obslog.Ops("orchestrator: export intrinsics_right.json: %v", err)
		} else {
			out.IntrinsicsRightPath = "calibration/intrinsics_right.json"
		}
	}

	roiPath := filepath.Join(calDir, "roi_annotations.json")
	roi := roiAnnotations{
		DetectorROIPolygon: cfg.Detector.ROIPolygon,
		PlateROIPolygon:    cfg.Tracking.PlateROIPolygon,
		UsePlateGate:       cfg.Tracking.UsePlateGate,
	}
	if err := writeJSONFile(roiPath, roi); err != nil {
		obslog.Ops("orchestrator: export roi_annotations.json: %v", err)
	} else {
		out.ROIAnnotationsPath = "calibration/roi_annotations.json"
	}

	out.Exported = out.StereoGeometryPath != "" || out.ROIAnnotationsPath != ""
	return out
}
