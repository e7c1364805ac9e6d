package orchestrator

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/berginj/pitchtracker/internal/clock"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/metrics"
	"github.com/berginj/pitchtracker/internal/obslog"
	"github.com/berginj/pitchtracker/internal/pitcherr"
	"github.com/berginj/pitchtracker/internal/pitchfsm"
	"github.com/berginj/pitchtracker/internal/report"
	"github.com/berginj/pitchtracker/internal/sessiondb"
	"github.com/berginj/pitchtracker/internal/version"
	"github.com/google/uuid"
)

// sessionState is the Orchestrator's bookkeeping for one active session:
// the on-disk directory, the supplemental SQL index, and the optional
// continuous session recorders (§4.8, §6).
type sessionState struct {
	sessionID   string
	sessionName string
	dir         string
	startedAtNs int64
	db          *sessiondb.DB
	left        *continuousRecorder
	right       *continuousRecorder
}

// SessionManifest is the §6 session manifest, written to manifest.json at
// start_session and updated at stop_session.
type SessionManifest struct {
	SchemaVersion string             `json:"schema_version"`
	AppVersion    string             `json:"app_version"`
	SessionID     string             `json:"session_id"`
	SessionName   string             `json:"session_name"`
	StartedAtNs   int64              `json:"started_at_ns"`
	EndedAtNs     *int64             `json:"ended_at_ns,omitempty"`
	PitchCount    int                `json:"pitch_count"`
	Calibration   calibrationExport  `json:"calibration"`
}

// SessionSummary is the §4.8 stop_session return value, backed by the
// sessiondb aggregate and also serialized to session_summary.json/.csv.
type SessionSummary struct {
	SessionID       string  `json:"session_id"`
	SessionName     string  `json:"session_name"`
	StartedAtNs     int64   `json:"started_at_ns"`
	EndedAtNs       int64   `json:"ended_at_ns"`
	PitchCount      int     `json:"pitch_count"`
	StrikeCount     int     `json:"strike_count"`
	AvgSpeedMph     float64 `json:"avg_speed_mph"`
	IncompleteCount int     `json:"incomplete_count"`
}

func (o *Orchestrator) currentSession() *sessionState {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	return o.session
}

// StartSession creates the session directory, starts the optional
// continuous session recorders, exports calibration metadata, and arms
// the State Machine so incoming activity can open pitches (§4.8).
func (o *Orchestrator) StartSession(sessionName string) (string, error) {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	if o.session != nil {
		return "", fmt.Errorf("orchestrator: start_session called while a session is already active")
	}
	if o.cfg == nil {
		return "", fmt.Errorf("orchestrator: start_session called before start_capture")
	}

	sessionID := uuid.New().String()
	dir := filepath.Join(o.cfg.Recording.OutputDir, sessionID)
	if err := os.MkdirAll(filepath.Join(dir, "calibration"), 0o755); err != nil {
		return "", pitcherr.New(pitcherr.RecorderWrite, fmt.Errorf("create session dir %q: %w", dir, err))
	}

	db, err := sessiondb.Open(filepath.Join(dir, "session.db"))
	if err != nil {
		return "", err
	}

	startedAtNs := clock.NowNs()
	if err := db.InsertSession(sessiondb.Session{
		SessionID: sessionID, SessionName: sessionName, OutputDir: dir, StartedAtNs: startedAtNs,
	}); err != nil {
		db.Close()
		return "", err
	}

	sess := &sessionState{sessionID: sessionID, sessionName: sessionName, dir: dir, startedAtNs: startedAtNs, db: db}

	if o.cfg.Recording.ContinuousSessionVideo {
		if left, err := newContinuousRecorder(dir, frame.Left, o.cfg.Camera); err != nil {
			obslog.Ops("orchestrator: start continuous recorder left: %v", err)
		} else {
			sess.left = left
		}
		if right, err := newContinuousRecorder(dir, frame.Right, o.cfg.Camera); err != nil {
			obslog.Ops("orchestrator: start continuous recorder right: %v", err)
		} else {
			sess.right = right
		}
	}

	cal := exportCalibration(dir, o.profile, o.cfg)

	manifest := SessionManifest{
		SchemaVersion: version.SchemaVersion,
		AppVersion:    version.AppVersion,
		SessionID:     sessionID,
		SessionName:   sessionName,
		StartedAtNs:   startedAtNs,
		Calibration:   cal,
	}
	if err := writeJSONFile(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		obslog.Ops("orchestrator: write session manifest: %v", err)
	}

	o.session = sess
	o.sessionArmed.set(true)
	obslog.Diag("orchestrator: session %s (%s) started at %s", sessionID, sessionName, dir)
	return dir, nil
}

// StopSession disarms the State Machine, force-closes any pitch still
// in-flight, flushes and closes the session recorders, finalizes the
// session summary, and returns it (§4.8).
func (o *Orchestrator) StopSession() (*SessionSummary, error) {
	sess := o.currentSession()
	if sess == nil {
		return nil, fmt.Errorf("orchestrator: stop_session called with no active session")
	}
	o.sessionArmed.set(false)

	// The in-flight pitch is finalized before sessMu is held: finalizePitch
	// indexes the pitch through currentSession, which takes sessMu itself.
	if ap := o.currentPitch(); ap != nil {
		o.finalizePitch(ap)
	}

	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	if o.session != sess {
		return nil, fmt.Errorf("orchestrator: session changed during stop_session")
	}

	if sess.left != nil {
		sess.left.close()
	}
	if sess.right != nil {
		sess.right.close()
	}

	endedAtNs := clock.NowNs()
	if err := sess.db.CloseSession(sess.sessionID, endedAtNs); err != nil {
		obslog.Ops("orchestrator: close session in db: %v", err)
	}

	agg, err := sess.db.Summarize(sess.sessionID)
	if err != nil {
		sess.db.Close()
		return nil, err
	}
	pitches, err := sess.db.ListPitches(sess.sessionID)
	if err != nil {
		obslog.Ops("orchestrator: list pitches: %v", err)
	}

	summary := &SessionSummary{
		SessionID: sess.sessionID, SessionName: sess.sessionName,
		StartedAtNs: sess.startedAtNs, EndedAtNs: endedAtNs,
		PitchCount: agg.TotalPitches, StrikeCount: agg.StrikeCount,
		AvgSpeedMph: agg.AvgSpeedMph, IncompleteCount: agg.IncompleteCount,
	}

	if err := writeJSONFile(filepath.Join(sess.dir, "session_summary.json"), summary); err != nil {
		obslog.Ops("orchestrator: write session_summary.json: %v", err)
	}
	if err := writeSessionSummaryCSV(filepath.Join(sess.dir, "session_summary.csv"), pitches); err != nil {
		obslog.Ops("orchestrator: write session_summary.csv: %v", err)
	}
	if len(pitches) > 0 {
		if err := report.SessionChartHTML(filepath.Join(sess.dir, "session_chart.html"), sess.sessionID, pitches); err != nil {
			obslog.Ops("orchestrator: render session chart: %v", err)
		}
	}
	updateSessionManifestEnd(sess.dir, endedAtNs, summary.PitchCount)

	if err := sess.db.Close(); err != nil {
		obslog.Ops("orchestrator: close sessiondb: %v", err)
	}

	o.session = nil
	return summary, nil
}

// indexPitch records one finalized pitch's result in the session's SQL
// index, the source of session_summary.csv and the per-session chart.
func (o *Orchestrator) indexPitch(data *pitchfsm.PitchData, result *metrics.Result) {
	sess := o.currentSession()
	if sess == nil {
		return
	}
	p := sessiondb.Pitch{
		PitchID:          fmt.Sprintf("%s-pitch-%03d", sess.sessionID, data.PitchIndex),
		SessionID:        sess.sessionID,
		PitchIndex:       data.PitchIndex,
		TStartNs:         data.StartNs,
		TEndNs:           data.EndNs,
		IsStrike:         result.IsStrike,
		ZoneRow:          result.ZoneRow,
		ZoneCol:          result.ZoneCol,
		MeasuredSpeedMph: result.VelocityMph,
		RunIn:            result.HorizontalBreakIn,
		RiseIn:           result.InducedVerticalBreakIn,
		RotationRpm:      result.RotationRpm,
		Confidence:       result.Confidence,
		FailureCode:      string(result.FailureCode),
		// sessiondb's Incomplete marks a pitch whose trajectory fit could
		// not be completed, not a write failure (Recorder.Close already
		// handles write failures internally).
		Incomplete: result.FailureCode != metrics.FailureNone,
	}
	if err := sess.db.InsertPitch(p); err != nil {
		obslog.Ops("orchestrator: index pitch %s: %v", p.PitchID, err)
	}
}

func writeSessionSummaryCSV(path string, pitches []sessiondb.Pitch) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"pitch_index", "is_strike", "zone_row", "zone_col", "measured_speed_mph", "run_in", "rise_in", "failure_code", "incomplete"}); err != nil {
		return err
	}
	for _, p := range pitches {
		if err := w.Write([]string{
			strconv.Itoa(p.PitchIndex),
			strconv.FormatBool(p.IsStrike),
			strconv.Itoa(p.ZoneRow),
			strconv.Itoa(p.ZoneCol),
			strconv.FormatFloat(p.MeasuredSpeedMph, 'f', 2, 64),
			strconv.FormatFloat(p.RunIn, 'f', 2, 64),
			strconv.FormatFloat(p.RiseIn, 'f', 2, 64),
			p.FailureCode,
			strconv.FormatBool(p.Incomplete),
		}); err != nil {
			return err
		}
	}
	return nil
}

func updateSessionManifestEnd(dir string, endedAtNs int64, pitchCount int) {
	path := filepath.Join(dir, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var m SessionManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	m.EndedAtNs = &endedAtNs
	m.PitchCount = pitchCount
	if err := writeJSONFile(path, m); err != nil {
		obslog.Ops("orchestrator: update session manifest end: %v", err)
	}
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
