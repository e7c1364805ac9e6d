// Package pitchfsm implements the Pitch State Machine (§4.5), the heart
// of the pipeline: a four-phase lifecycle (INACTIVE, RAMP_UP, ACTIVE,
// FINALIZED) driven by per-frame activity and stereo observations, guarded
// by a single sync.Mutex. The mutex is not reentrant: a callback that calls
// back into the Machine deadlocks.
package pitchfsm

import (
	"fmt"
	"sync"

	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/obslog"
	"github.com/berginj/pitchtracker/internal/stereo"
)

// Phase is one of the four lifecycle states.
type Phase string

const (
	Inactive  Phase = "INACTIVE"
	RampUp    Phase = "RAMP_UP"
	Active    Phase = "ACTIVE"
	Finalized Phase = "FINALIZED"
)

// PitchData is the aggregate produced on pitch finalization (§3).
type PitchData struct {
	PitchIndex    int
	StartNs       int64
	EndNs         int64
	PreRollFrames map[frame.Label][]*frame.Frame
	Observations  []stereo.Observation
	Valid         bool
}

// Callbacks is the owner's hook interface (§4.5, §9: "owner-callback
// interface, not dynamic dispatch registration").
type Callbacks interface {
	OnPitchStart(pitchIndex int, data *PitchData) error
	OnPitchEnd(data *PitchData) error
}

// EventKind tags a single entry in the bounded event log.
type EventKind string

const (
	EventTransition EventKind = "transition"
	EventReject     EventKind = "reject"
)

// Event is one circular-log entry (§4.5).
type Event struct {
	Kind      EventKind
	Detail    string
	FrameNs   int64
	FromPhase Phase
	ToPhase   Phase
}

const defaultEventLogCapacity = 1000

// preRollRing is a fixed-capacity FIFO of recently buffered frames,
// drained in capture order on promotion to ACTIVE (§4.5).
type preRollRing struct {
	buf []*frame.Frame
	cap int
}

func newPreRollRing(capacity int) *preRollRing {
	return &preRollRing{cap: capacity}
}

func (r *preRollRing) push(f *frame.Frame) {
	if r.cap <= 0 {
		return
	}
	r.buf = append(r.buf, f)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
}

func (r *preRollRing) drain() []*frame.Frame {
	out := r.buf
	r.buf = nil
	return out
}

// Machine is the Pitch State Machine. All exported methods serialize on
// mu; callbacks are invoked with the lock held, matching §4.5's
// requirement that callback implementations not re-enter the machine on
// the same goroutine.
type Machine struct {
	mu sync.Mutex

	cfg       config.TrackingConfig
	callbacks Callbacks

	phase Phase

	activeFrames     int
	gapFrames        int
	firstDetectionNs int64
	lastDetectionNs  int64
	pitchIndex       int

	preRoll      map[frame.Label]*preRollRing
	rampUpObs    []stereo.Observation
	activeObs    []stereo.Observation
	hasLastObsNs bool
	lastObsNs    int64

	current *PitchData

	events       []Event
	eventLogHead int
}

// NewMachine constructs a Machine in INACTIVE phase. preRollCapacity is
// computed by the caller from fps and pre_roll_ms (§4.5: "pre-roll ring
// sized from config"); see config.Config.PreRollRingCapacity.
func NewMachine(cfg config.TrackingConfig, preRollCapacity int, callbacks Callbacks) *Machine {
	m := &Machine{
		cfg:       cfg,
		callbacks: callbacks,
		phase:     Inactive,
		preRoll:   map[frame.Label]*preRollRing{},
	}
	m.preRoll[frame.Left] = newPreRollRing(preRollCapacity)
	m.preRoll[frame.Right] = newPreRollRing(preRollCapacity)
	return m
}

// BufferFrame appends f to its camera's pre-roll ring, called every frame
// regardless of phase (§4.5).
func (m *Machine) BufferFrame(label frame.Label, f *frame.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ring, ok := m.preRoll[label]; ok {
		ring.push(f)
	}
}

// AddObservation feeds one stereo observation into the ramp-up or active
// observation list depending on phase; observations arriving in any other
// phase are discarded (no candidate pitch is open to receive them).
func (m *Machine) AddObservation(obs stereo.Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasLastObsNs && obs.TNs <= m.lastObsNs {
		obslog.Diag("pitchfsm: rejecting out-of-order observation t_ns=%d last=%d", obs.TNs, m.lastObsNs)
		return
	}

	switch m.phase {
	case RampUp:
		m.rampUpObs = append(m.rampUpObs, obs)
	case Active:
		m.activeObs = append(m.activeObs, obs)
	default:
		return
	}
	m.lastObsNs = obs.TNs
	m.hasLastObsNs = true
}

// Update evaluates the activity predicate for this frame and drives phase
// transitions (§4.5).
func (m *Machine) Update(frameNs int64, leftLaneCount, rightLaneCount, plateCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.activityPredicate(leftLaneCount, rightLaneCount, plateCount)

	switch m.phase {
	case Inactive:
		if active {
			m.enterRampUp(frameNs)
		}
	case RampUp:
		if active {
			m.continueRampUp(frameNs)
		} else {
			m.gapInRampUp(frameNs)
		}
	case Active:
		if active {
			m.gapFrames = 0
			m.lastDetectionNs = frameNs
		} else {
			m.gapInActive(frameNs)
		}
	}
}

// activityPredicate implements §4.5's gate logic: a plate gate, when
// configured, is authoritative; otherwise any lane-gate detection counts.
func (m *Machine) activityPredicate(leftLaneCount, rightLaneCount, plateCount int) bool {
	if m.cfg.UsePlateGate {
		return plateCount > 0
	}
	return leftLaneCount+rightLaneCount > 0
}

func (m *Machine) enterRampUp(frameNs int64) {
	m.phase = RampUp
	m.firstDetectionNs = frameNs
	m.activeFrames = 1
	m.gapFrames = 0
	m.rampUpObs = nil
	m.logEvent(Event{Kind: EventTransition, Detail: "INACTIVE->RAMP_UP", FrameNs: frameNs, FromPhase: Inactive, ToPhase: RampUp})
}

func (m *Machine) continueRampUp(frameNs int64) {
	m.activeFrames++
	m.gapFrames = 0
	durationMs := float64(frameNs-m.firstDetectionNs) / 1e6
	if m.activeFrames >= m.cfg.MinActiveFrames && durationMs >= m.cfg.MinDurationMs {
		m.promoteToActive(frameNs)
	}
}

func (m *Machine) promoteToActive(frameNs int64) {
	m.pitchIndex++
	startNs := m.firstDetectionNs
	if len(m.rampUpObs) > 0 {
		startNs = m.rampUpObs[0].TNs
	}

	preRollFrames := map[frame.Label][]*frame.Frame{
		frame.Left:  m.preRoll[frame.Left].drain(),
		frame.Right: m.preRoll[frame.Right].drain(),
	}

	m.activeObs = append([]stereo.Observation{}, m.rampUpObs...)
	m.rampUpObs = nil

	m.current = &PitchData{
		PitchIndex:    m.pitchIndex,
		StartNs:       startNs,
		PreRollFrames: preRollFrames,
		Observations:  append([]stereo.Observation{}, m.activeObs...),
	}

	if err := m.callbacks.OnPitchStart(m.pitchIndex, m.current); err != nil {
		obslog.Ops("pitchfsm: on_pitch_start failed, rolling back pitch %d: %v", m.pitchIndex, err)
		m.pitchIndex--
		m.activeObs = nil
		m.rampUpObs = nil
		m.current = nil
		m.phase = Inactive
		m.logEvent(Event{Kind: EventReject, Detail: fmt.Sprintf("on_pitch_start failed: %v", err), FrameNs: frameNs})
		return
	}

	m.phase = Active
	m.lastDetectionNs = frameNs
	m.logEvent(Event{Kind: EventTransition, Detail: "RAMP_UP->ACTIVE", FrameNs: frameNs, FromPhase: RampUp, ToPhase: Active})
}

func (m *Machine) gapInRampUp(frameNs int64) {
	m.gapFrames++
	if m.gapFrames >= m.cfg.EndGapFrames {
		m.logEvent(Event{Kind: EventReject, Detail: "false-trigger abandoned in RAMP_UP", FrameNs: frameNs, FromPhase: RampUp, ToPhase: Inactive})
		m.phase = Inactive
		m.rampUpObs = nil
		m.activeFrames = 0
		m.gapFrames = 0
	}
}

func (m *Machine) gapInActive(frameNs int64) {
	m.gapFrames++
	if m.gapFrames >= m.cfg.EndGapFrames {
		m.finalize(frameNs)
	}
}

func (m *Machine) finalize(frameNs int64) {
	m.phase = Finalized
	endNs := m.lastDetectionNs

	pitch := m.current
	pitch.EndNs = endNs
	pitch.Observations = append([]stereo.Observation{}, m.activeObs...)

	durationMs := float64(endNs-pitch.StartNs) / 1e6
	valid := len(pitch.Observations) >= m.cfg.MinObservations && durationMs >= m.cfg.MinDurationMs
	pitch.Valid = valid

	if valid {
		if err := m.callbacks.OnPitchEnd(pitch); err != nil {
			obslog.Ops("pitchfsm: on_pitch_end failed for pitch %d: %v", pitch.PitchIndex, err)
			m.logEvent(Event{Kind: EventReject, Detail: fmt.Sprintf("on_pitch_end failed: %v", err), FrameNs: frameNs, FromPhase: Active, ToPhase: Finalized})
		} else {
			m.logEvent(Event{Kind: EventTransition, Detail: "ACTIVE->FINALIZED", FrameNs: frameNs, FromPhase: Active, ToPhase: Finalized})
		}
	} else {
		m.logEvent(Event{Kind: EventReject, Detail: "validation failed at finalize", FrameNs: frameNs, FromPhase: Active, ToPhase: Finalized})
	}

	m.current = nil
	m.activeObs = nil
	m.activeFrames = 0
	m.gapFrames = 0
	m.phase = Inactive
}

// UpdateConfig replaces the tracking configuration. Succeeds only while
// the machine is INACTIVE (§4.5); otherwise the call is refused.
func (m *Machine) UpdateConfig(cfg config.TrackingConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != Inactive {
		return fmt.Errorf("pitchfsm: update_config refused, phase is %s", m.phase)
	}
	m.cfg = cfg
	return nil
}

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// PitchIndex returns the most recently assigned pitch index (0 if no
// pitch has ever been promoted to ACTIVE).
func (m *Machine) PitchIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pitchIndex
}

// Events returns a snapshot of the bounded event log, oldest first.
func (m *Machine) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) < defaultEventLogCapacity {
		out := make([]Event, len(m.events))
		copy(out, m.events)
		return out
	}
	out := make([]Event, 0, len(m.events))
	out = append(out, m.events[m.eventLogHead:]...)
	out = append(out, m.events[:m.eventLogHead]...)
	return out
}

func (m *Machine) logEvent(e Event) {
	if len(m.events) < defaultEventLogCapacity {
		m.events = append(m.events, e)
		return
	}
	m.events[m.eventLogHead] = e
	m.eventLogHead = (m.eventLogHead + 1) % defaultEventLogCapacity
}
