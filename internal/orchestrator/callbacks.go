package orchestrator

import (
	"fmt"
	"sync"

	"github.com/berginj/pitchtracker/internal/obslog"
	"github.com/berginj/pitchtracker/internal/pitchfsm"
	"github.com/berginj/pitchtracker/internal/recorder"
)

// activePitch bundles the Recorder a single in-flight pitch owns with the
// PitchData it was opened for, plus the once-guard that makes finalization
// idempotent: either the detector worker that notices ShouldClose or a
// forced stop_session call may trigger it, never both (§4.6).
type activePitch struct {
	rec  *recorder.Recorder
	data *pitchfsm.PitchData
	once sync.Once
}

// OnPitchStart implements pitchfsm.Callbacks. It opens a Recorder for the
// new pitch inside the current session directory, refusing the pitch if a
// previous one's Recorder has not finished closing yet — per §5, "no
// cross-pitch concurrency exists because should_close() must be observed
// before a new pitch opens" — or if no session is currently armed.
func (o *Orchestrator) OnPitchStart(pitchIndex int, data *pitchfsm.PitchData) error {
	o.pitchMu.Lock()
	if o.pitch != nil {
		o.pitchMu.Unlock()
		return fmt.Errorf("orchestrator: pitch %d rejected, previous pitch recorder still closing", pitchIndex)
	}
	o.pitchMu.Unlock()

	sess := o.currentSession()
	if sess == nil {
		return fmt.Errorf("orchestrator: pitch %d rejected, no active session", pitchIndex)
	}

	rec, err := recorder.New(sess.dir, sess.sessionID, data, o.cfg.Recording, o.cfg.Tracking, o.cfg.Camera.FPS)
	if err != nil {
		return err
	}

	o.pitchMu.Lock()
	defer o.pitchMu.Unlock()
	if o.pitch != nil {
		// Lost a race against another OnPitchStart; should not happen since
		// the State Machine serializes callers, but fail closed rather than
		// leaking the Recorder we just opened.
		return fmt.Errorf("orchestrator: pitch %d rejected, previous pitch recorder still closing", pitchIndex)
	}
	o.pitch = &activePitch{rec: rec, data: data}
	return nil
}

// OnPitchEnd implements pitchfsm.Callbacks. It arms the Recorder's
// post-roll window; the Recorder is not closed here (§4.6: "not closed
// synchronously on pitch end"). Closing happens once a subsequent frame
// observes ShouldClose, or when stop_session forces it early.
func (o *Orchestrator) OnPitchEnd(data *pitchfsm.PitchData) error {
	ap := o.currentPitch()
	if ap == nil {
		return fmt.Errorf("orchestrator: on_pitch_end with no active recorder")
	}
	ap.rec.MarkEnd(data.EndNs)
	return nil
}

// finalizePitch closes ap's Recorder, runs the Metrics Analyzer (via
// Recorder.Close), indexes the result in sessiondb, and clears the
// cross-pitch guard. Safe to call more than once for the same activePitch;
// only the first call does anything.
func (o *Orchestrator) finalizePitch(ap *activePitch) {
	ap.once.Do(func() {
		result, err := ap.rec.Close(ap.data, o.profile, o.cfg.Metrics)
		if err != nil {
			obslog.Ops("orchestrator: finalize pitch %d: %v", ap.data.PitchIndex, err)
		} else {
			o.indexPitch(ap.data, result)
		}

		o.pitchMu.Lock()
		if o.pitch == ap {
			o.pitch = nil
		}
		o.pitchMu.Unlock()
	})
}

// OnTrigger implements triggerbus.Callbacks: the external trigger button
// toggles session state on every press rather than encoding start/stop in
// the line's content, matching a single-button bullpen trigger.
func (o *Orchestrator) OnTrigger(line string) error {
	if o.currentSession() == nil {
		name := fmt.Sprintf("trigger-%d", triggerSessionCounter.next())
		_, err := o.StartSession(name)
		return err
	}
	_, err := o.StopSession()
	return err
}

// triggerCounter hands out small monotonically increasing integers for
// trigger-initiated session names, avoiding a dependency on wall-clock
// time for naming (clock.NowNs is process-relative, not wall-clock, and
// would produce confusing session names).
type triggerCounter struct {
	mu sync.Mutex
	n  int
}

func (c *triggerCounter) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

var triggerSessionCounter = &triggerCounter{}
