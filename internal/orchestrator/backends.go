package orchestrator

import (
	"fmt"

	"github.com/google/gopacket/layers"

	"github.com/berginj/pitchtracker/internal/capture"
	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/detect"
)

// defaultGVSPPort is the streaming UDP port industrial GigE Vision rigs
// conventionally use; CameraConfig has no per-port field since only one
// rig generation is in scope (§1's single fixed-rig assumption).
const defaultGVSPPort layers.UDPPort = 20202

// buildSources constructs the left/right Camera Sources for the
// configured backend (§4.1/§9). leftSerial/rightSerial double as the GVSP
// network device names when the gvsp backend is selected, since GVSPSource
// opens its pcap handle at construction time and only uses Open's serial
// argument for bookkeeping.
func buildSources(cfg *config.Config, leftSerial, rightSerial string) (capture.Source, capture.Source, error) {
	switch cfg.Camera.Backend {
	case "", config.CameraBackendGocv:
		return capture.NewGocvSource(), capture.NewGocvSource(), nil
	case config.CameraBackendGVSP:
		left, err := capture.NewGVSPSourceLive(leftSerial, defaultGVSPPort)
		if err != nil {
			return nil, nil, err
		}
		right, err := capture.NewGVSPSourceLive(rightSerial, defaultGVSPPort)
		if err != nil {
			left.Close()
			return nil, nil, err
		}
		return left, right, nil
	default:
		return nil, nil, fmt.Errorf("orchestrator: unknown camera backend %q", cfg.Camera.Backend)
	}
}

// buildDetectors constructs one Detector instance per camera so each side
// keeps its own background model / weights handle (§4.3: detectors do not
// share state across cameras).
func buildDetectors(cfg *config.Config) (detect.Detector, detect.Detector, error) {
	roi := roiFromPolygon(cfg.Detector.ROIPolygon)

	if cfg.Detector.Type == config.DetectorML {
		leftBackend, err := loadMLBackend(cfg.Detector.ModelPath, cfg.Detector.InputSize)
		if err != nil {
			return nil, nil, err
		}
		rightBackend, err := loadMLBackend(cfg.Detector.ModelPath, cfg.Detector.InputSize)
		if err != nil {
			return nil, nil, err
		}
		params := detect.MLParams{
			ROI: roi, InputSize: cfg.Detector.InputSize,
			ConfThreshold: cfg.Detector.ConfThreshold, IoUThreshold: cfg.Detector.IoUThreshold,
			ClassID: cfg.Detector.ClassID,
		}
		return detect.NewML(params, leftBackend), detect.NewML(params, rightBackend), nil
	}

	params := detect.ClassicalParams{
		Mode: cfg.Detector.Mode, ROI: roi,
		MinAreaPx: cfg.Detector.MinAreaPx, MaxAreaPx: cfg.Detector.MaxAreaPx,
		CircularityMin: cfg.Detector.CircularityMin, AspectRatioMax: cfg.Detector.AspectRatioMax,
	}
	return detect.NewClassical(params), detect.NewClassical(params), nil
}
