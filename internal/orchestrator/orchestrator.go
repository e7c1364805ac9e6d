// Package orchestrator implements the Orchestrator (§4.8): it owns the
// lifecycles of every other component, wires the capture→queue→detector→
// matcher→state-machine→recorder pipeline together on real goroutines, and
// exposes the four public operations (start_capture/start_session/
// stop_session/stop_capture) the rest of the system calls into. Grounded
// on cmd/radar/radar.go's composition-root shape — flag-driven construction
// of serial/db/lidar components wired into one struct with a
// context+signal.Notify shutdown — generalized here into a reusable,
// non-main type so cmd/pitchtracker can stay a thin flag-parsing shell.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/berginj/pitchtracker/internal/calib"
	"github.com/berginj/pitchtracker/internal/capqueue"
	"github.com/berginj/pitchtracker/internal/capture"
	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/detect"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/obslog"
	"github.com/berginj/pitchtracker/internal/pitcherr"
	"github.com/berginj/pitchtracker/internal/pitchfsm"
	"github.com/berginj/pitchtracker/internal/stereo"
	"github.com/berginj/pitchtracker/internal/triggerbus"
)

const defaultShutdownTimeout = 60 * time.Second

// Options configures an Orchestrator at construction, independent of the
// per-session config.Config the caller passes to StartCapture.
type Options struct {
	// ShutdownTimeout bounds stop_capture's wait for every goroutine to
	// join (§5). Zero uses the documented 60s default.
	ShutdownTimeout time.Duration
}

// Orchestrator owns every other component's lifecycle for one capture
// session's worth of hardware. It is not safe to call StartCapture
// concurrently with itself, but once capture is running, callbacks from
// the pipeline's own goroutines are safe to receive concurrently with
// StartSession/StopSession.
type Orchestrator struct {
	opts Options

	mu      sync.Mutex // guards the fields below, start_capture/stop_capture transitions
	running bool

	cfg        *config.Config
	profile    *calib.Profile
	leftSerial string
	rightSerial string

	leftSource  capture.Source
	rightSource capture.Source
	leftQueue   *capqueue.Queue
	rightQueue  *capqueue.Queue
	leftDetector  detect.Detector
	rightDetector detect.Detector
	matcher     *stereo.Matcher
	machine     *pitchfsm.Machine

	detections chan detect.Detection
	activity   activityState
	plateROI   detect.ROI

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // capture threads + detector workers + matcher

	sessionArmed boolFlag

	sessMu  sync.Mutex
	session *sessionState

	pitchMu sync.Mutex
	pitch   *activePitch

	trigMu     sync.Mutex
	trigBus    *triggerbus.Bus
	trigCancel context.CancelFunc
}

// New constructs an idle Orchestrator; StartCapture must be called before
// anything else.
func New(opts Options) *Orchestrator {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Orchestrator{opts: opts}
}

// boolFlag is a tiny atomic-via-mutex gate, used to arm/disarm the state
// machine independent of the mutexes guarding component wiring (§4.8:
// "arm the State Machine" / "disarm the State Machine").
type boolFlag struct {
	mu sync.RWMutex
	v  bool
}

func (b *boolFlag) set(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *boolFlag) get() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.v
}

// StartCapture opens both Camera Sources, sizes the Capture Queues,
// instantiates the Detector workers, constructs the Stereo Matcher seeded
// with the calibration profile, and constructs the State Machine with its
// pre-roll ring sized from config, then starts every goroutine (§4.8,
// §5). If any step fails, every resource already acquired is released
// before the error is returned (§4.8's resource policy).
func (o *Orchestrator) StartCapture(cfg *config.Config, leftSerial, rightSerial string, profile *calib.Profile) (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator: start_capture called while already running")
	}
	if err := cfg.Validate(); err != nil {
		return pitcherr.New(pitcherr.ConfigInvalid, err)
	}
	if !profile.MatchesSerials(leftSerial, rightSerial) {
		return pitcherr.New(pitcherr.CalibrationMismatch, fmt.Errorf("profile calibrated for %s/%s, not %s/%s", profile.Left.Serial, profile.Right.Serial, leftSerial, rightSerial))
	}

	acquired := &acquisition{}
	defer func() {
		if err != nil {
			acquired.release()
		}
	}()

	leftSrc, rightSrc, err := buildSources(cfg, leftSerial, rightSerial)
	if err != nil {
		return err
	}
	acquired.sources = append(acquired.sources, leftSrc, rightSrc)

	if err = leftSrc.Open(leftSerial); err != nil {
		return err
	}
	if err = rightSrc.Open(rightSerial); err != nil {
		return err
	}
	for _, s := range []capture.Source{leftSrc, rightSrc} {
		if err = s.SetMode(cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS, cfg.Camera.Pixfmt); err != nil {
			return err
		}
		if err = s.SetControls(cfg.Camera.ExposureUs, cfg.Camera.Gain, cfg.Camera.WBMode); err != nil {
			return err
		}
	}

	leftQueue := capqueue.New(frame.Left, cfg.Capture.QueueSize)
	rightQueue := capqueue.New(frame.Right, cfg.Capture.QueueSize)
	acquired.queues = append(acquired.queues, leftQueue, rightQueue)

	leftDet, rightDet, err := buildDetectors(cfg)
	if err != nil {
		return err
	}
	acquired.detectors = append(acquired.detectors, leftDet, rightDet)

	matcher := stereo.NewMatcher(cfg.Stereo, profile)

	o.detections = make(chan detect.Detection, cfg.Capture.QueueSize*2)
	o.machine = pitchfsm.NewMachine(cfg.Tracking, cfg.PreRollRingCapacity(), o)
	o.plateROI = roiFromPolygon(cfg.Tracking.PlateROIPolygon)

	o.cfg = cfg
	o.profile = profile
	o.leftSerial, o.rightSerial = leftSerial, rightSerial
	o.leftSource, o.rightSource = leftSrc, rightSrc
	o.leftQueue, o.rightQueue = leftQueue, rightQueue
	o.leftDetector, o.rightDetector = leftDet, rightDet
	o.matcher = matcher

	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.wg.Add(2)
	go o.runCapture(frame.Left, leftSrc, leftQueue)
	go o.runCapture(frame.Right, rightSrc, rightQueue)

	var detWG sync.WaitGroup
	detWG.Add(2)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		detWG.Wait()
		close(o.detections)
	}()
	go func() { defer detWG.Done(); o.runDetector(frame.Left, leftQueue, leftDet) }()
	go func() { defer detWG.Done(); o.runDetector(frame.Right, rightQueue, rightDet) }()

	o.wg.Add(1)
	go o.runMatcher()

	o.running = true
	obslog.Diag("orchestrator: start_capture complete (left=%s right=%s)", leftSerial, rightSerial)
	return nil
}

// StopCapture signals every thread to drain, joins them (with a timeout),
// and releases every resource acquired by StartCapture (§4.8, §5). Actual
// shutdown mechanics: cancelling ctx stops both capture threads at their
// next poll; closing the Capture Queues unblocks the blocked detector
// workers' Pop; the detector workers closing the shared detections channel
// unblocks the matcher. This achieves the same effective ordering the spec
// describes (State Machine idles first since nothing feeds it, then
// Matcher, then Detectors, then Queues, then Sources) without an explicit
// join-by-stage API.
func (o *Orchestrator) StopCapture() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}

	o.sessionArmed.set(false)
	o.cancel()
	o.leftQueue.Close()
	o.rightQueue.Close()

	joined := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(joined)
	}()

	var shutdownErr error
	select {
	case <-joined:
	case <-time.After(o.opts.ShutdownTimeout):
		obslog.Ops("orchestrator: stop_capture timed out after %s waiting for threads to join", o.opts.ShutdownTimeout)
		shutdownErr = pitcherr.New(pitcherr.ShutdownIncomplete, fmt.Errorf("threads did not join within %s", o.opts.ShutdownTimeout))
	}

	for _, d := range []detect.Detector{o.leftDetector, o.rightDetector} {
		if err := d.Close(); err != nil {
			obslog.Ops("orchestrator: close detector: %v", err)
		}
	}
	for _, s := range []capture.Source{o.leftSource, o.rightSource} {
		if err := s.Close(); err != nil {
			obslog.Ops("orchestrator: close camera source: %v", err)
		}
	}

	o.running = false
	return shutdownErr
}

// acquisition tracks partially-constructed resources during StartCapture
// so a failure midway through releases everything acquired so far, in
// reverse order, instead of leaking (§4.8's resource policy).
type acquisition struct {
	sources   []capture.Source
	queues    []*capqueue.Queue
	detectors []detect.Detector
}

func (a *acquisition) release() {
	for i := len(a.detectors) - 1; i >= 0; i-- {
		if a.detectors[i] != nil {
			_ = a.detectors[i].Close()
		}
	}
	for i := len(a.queues) - 1; i >= 0; i-- {
		a.queues[i].Close()
	}
	for i := len(a.sources) - 1; i >= 0; i-- {
		if a.sources[i] != nil {
			_ = a.sources[i].Close()
		}
	}
}

// runCapture drives one Camera Source's Thread for the lifetime of o.ctx,
// pushing every frame onto its Capture Queue (§4.1/§4.2).
func (o *Orchestrator) runCapture(label frame.Label, src capture.Source, q *capqueue.Queue) {
	defer o.wg.Done()
	th := capture.NewThread(label, src)
	err := th.Run(o.ctx, 250*time.Millisecond, func(f *frame.Frame) {
		q.Push(f)
	})
	if err != nil {
		obslog.Ops("orchestrator: capture thread %s exited: %v", label, err)
	}
}

// runDetector pops frames off q for the lifetime of the queue, feeding the
// pre-roll ring unconditionally, and running the Detector, the activity
// predicate and downstream stereo pairing only while a session is armed
// (§4.8: "arm the State Machine" gates everything downstream of capture).
func (o *Orchestrator) runDetector(label frame.Label, q *capqueue.Queue, d detect.Detector) {
	defer o.wg.Done()
	for {
		f, ok := q.Pop()
		if !ok {
			return
		}

		o.machine.BufferFrame(label, f.Clone())

		if !o.sessionArmed.get() {
			continue
		}

		dets, err := d.Detect(f)
		if err != nil {
			obslog.Ops("orchestrator: detector[%s] error: %v", label, err)
			continue
		}

		plateCount := 0
		for _, det := range dets {
			if o.plateROI.Contains(det.U, det.V) {
				plateCount++
			}
		}
		left, right, plate := o.activity.record(label, len(dets), plateCount)
		o.machine.Update(f.TCaptureNs, left, right, plate)

		if ap := o.currentPitch(); ap != nil {
			ap.rec.WriteFrame(label, f, dets)
			o.writeContinuous(label, f)
			if ap.rec.ShouldClose(f.TCaptureNs) {
				o.finalizePitch(ap)
			}
		}

		for _, det := range dets {
			select {
			case o.detections <- det:
			case <-o.ctx.Done():
				return
			}
		}
	}
}

// runMatcher consumes both detector streams, pairs them into stereo
// observations, and feeds the State Machine and (while a pitch is open)
// the Pitch Recorder (§4.4/§4.5).
func (o *Orchestrator) runMatcher() {
	defer o.wg.Done()
	for d := range o.detections {
		obs, err := o.matcher.AddDetection(d)
		if err != nil {
			obslog.Diag("orchestrator: matcher rejected detection: %v", err)
			continue
		}
		if obs == nil {
			continue
		}
		o.machine.AddObservation(*obs)
		if ap := o.currentPitch(); ap != nil {
			ap.rec.AddObservation(*obs)
		}
	}
}

// activityState tracks each camera's most recently observed lane/plate
// detection counts so Update can be called with a combined snapshot even
// though the two cameras' frames arrive on independent goroutines (§4.5's
// activity predicate is evaluated per incoming frame from either camera).
type activityState struct {
	mu                     sync.Mutex
	leftLane, rightLane   int
	leftPlate, rightPlate int
}

func (a *activityState) record(label frame.Label, laneCount, plateCount int) (left, right, plate int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if label == frame.Left {
		a.leftLane, a.leftPlate = laneCount, plateCount
	} else {
		a.rightLane, a.rightPlate = laneCount, plateCount
	}
	return a.leftLane, a.rightLane, a.leftPlate + a.rightPlate
}

func (o *Orchestrator) currentPitch() *activePitch {
	o.pitchMu.Lock()
	defer o.pitchMu.Unlock()
	return o.pitch
}

// roiFromPolygon converts the config's flat [][2]float64 polygon into a
// detect.ROI, the single-polygon source of truth (Design Notes §9). An
// empty polygon yields the zero-value ROI, which detect.ROI.Contains
// treats as "no restriction".
func roiFromPolygon(poly [][2]float64) detect.ROI {
	if len(poly) == 0 {
		return detect.ROI{}
	}
	pts := make([]detect.Point, len(poly))
	for i, p := range poly {
		pts[i] = detect.Point{X: p[0], Y: p[1]}
	}
	return detect.ROI{Polygon: pts}
}

var _ pitchfsm.Callbacks = (*Orchestrator)(nil)
