package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/berginj/pitchtracker/internal/detect"
	"github.com/berginj/pitchtracker/internal/pitcherr"
)

// mlWeightsFile is the on-disk shape of DetectorConfig.ModelPath for the ML
// detector's reference backend: a plain JSON dump of the weight matrix and
// bias vector a notebook-trained linear anchor model produces, since
// detect.NewReferenceBackend only accepts in-memory slices.
type mlWeightsFile struct {
	NumAnchors int       `json:"num_anchors"`
	InputDim   int       `json:"input_dim,omitempty"`
	Weights    []float64 `json:"weights"`
	Bias       []float64 `json:"bias"`
}

// loadMLBackend reads path and constructs a detect.ReferenceBackend from
// it. InputDim defaults to inputSize*inputSize*3 (a packed-BGR crop
// flattened) when the file omits it.
func loadMLBackend(path string, inputSize int) (*detect.ReferenceBackend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pitcherr.New(pitcherr.DetectorInit, fmt.Errorf("read ml weights %q: %w", path, err))
	}
	var wf mlWeightsFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, pitcherr.New(pitcherr.DetectorInit, fmt.Errorf("parse ml weights %q: %w", path, err))
	}
	inputDim := wf.InputDim
	if inputDim == 0 {
		inputDim = inputSize * inputSize * 3
	}
	backend, err := detect.NewReferenceBackend(wf.Weights, wf.Bias, wf.NumAnchors, inputDim)
	if err != nil {
		return nil, pitcherr.New(pitcherr.DetectorInit, fmt.Errorf("build ml backend from %q: %w", path, err))
	}
	return backend, nil
}
