package report

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/berginj/pitchtracker/internal/sessiondb"
)

// SessionChartHTML renders a velocity-vs-pitch-index scatter for an
// entire session, one point per pitch, colored by strike/ball, and
// writes it as a standalone HTML file alongside session_summary.csv.
func SessionChartHTML(path string, sessionID string, pitches []sessiondb.Pitch) error {
	strikes := make([]opts.ScatterData, 0, len(pitches))
	balls := make([]opts.ScatterData, 0, len(pitches))
	for _, p := range pitches {
		pt := opts.ScatterData{Value: []interface{}{p.PitchIndex, p.MeasuredSpeedMph}}
		if p.IsStrike {
			strikes = append(strikes, pt)
		} else {
			balls = append(balls, pt)
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Session " + sessionID, Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Pitch velocity by pitch index", Subtitle: fmt.Sprintf("session=%s pitches=%d", sessionID, len(pitches))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Pitch #", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Speed (mph)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("strike", strikes, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))
	scatter.AddSeries("ball", balls, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create session chart %q: %w", path, err)
	}
	defer f.Close()
	if err := scatter.Render(f); err != nil {
		return fmt.Errorf("report: render session chart: %w", err)
	}
	return nil
}
