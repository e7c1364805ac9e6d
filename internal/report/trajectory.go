// Package report implements the supplemental diagnostic plotting
// described in SPEC_FULL.md: a per-pitch trajectory PNG and a
// session-level HTML chart, both optional and produced after a pitch or
// session has already closed — neither ever sits on the pipeline's hot
// path. Grounded on the teacher's internal/lidar/monitor package: the
// per-pitch plot reuses its gonum/plot scatter-and-line-to-PNG shape
// (gridplotter.go), the session chart reuses its go-echarts scatter shape
// (echarts_handlers.go), rendered to a file instead of an HTTP response.
package report

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/berginj/pitchtracker/internal/metrics"
	"github.com/berginj/pitchtracker/internal/stereo"
)

// TrajectoryPNG renders a pitch's raw stereo observations (Y vs Z: height
// above ground against distance from the plate) alongside its
// plate-crossing point, and saves it as a 14x6 inch PNG.
func TrajectoryPNG(path string, observations []stereo.Observation, result *metrics.Result) error {
	if len(observations) == 0 {
		return fmt.Errorf("report: no observations to plot")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Pitch %d trajectory", result.PitchIndex)
	p.X.Label.Text = "Distance from plate (ft)"
	p.Y.Label.Text = "Height (ft)"

	pts := make(plotter.XYs, len(observations))
	for i, o := range observations {
		pts[i] = plotter.XY{X: o.Z, Y: o.Y}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("report: build trajectory line: %w", err)
	}
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("observed", line)

	if result.FailureCode == "" {
		crossing := plotter.XYs{{X: result.PlateCrossing[2], Y: result.PlateCrossing[1]}}
		marker, err := plotter.NewScatter(crossing)
		if err != nil {
			return fmt.Errorf("report: build plate-crossing marker: %w", err)
		}
		marker.GlyphStyle.Radius = vg.Points(4)
		p.Add(marker)
		p.Legend.Add("plate crossing", marker)
	}

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("report: save trajectory png %q: %w", path, err)
	}
	return nil
}
