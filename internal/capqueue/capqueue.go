// Package capqueue implements the Capture Queue (§4.2): a bounded
// per-camera FIFO between the Camera Source and the Detector worker pool,
// with a drop-oldest overflow policy and drop-rate observability.
package capqueue

import (
	"sync"
	"sync/atomic"

	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/obslog"
)

// WarnDropRateThreshold is the sustained drop rate (§4.2/§6) above which a
// WARN event is emitted.
const WarnDropRateThreshold = 0.02

// Queue is a bounded single-producer/single-consumer FIFO of Frames for
// one camera. Push never blocks the producer longer than necessary to
// evict the oldest entry: on overflow it drops the oldest buffered frame
// and increments a counter rather than blocking.
type Queue struct {
	label frame.Label
	mu    sync.Mutex
	cond  *sync.Cond
	buf   []*frame.Frame
	cap   int
	closed bool

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a Queue with the given capacity (config.CaptureConfig.QueueSize).
func New(label frame.Label, capacity int) *Queue {
	q := &Queue{label: label, cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a frame, dropping the oldest buffered frame if the queue
// is already at capacity. Never blocks.
func (q *Queue) Push(f *frame.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pushed.Add(1)
	if len(q.buf) >= q.cap {
		q.buf = q.buf[1:]
		d := q.dropped.Add(1)
		rate := q.dropRateLocked()
		if rate > WarnDropRateThreshold {
			obslog.Ops("[capqueue:%s] drop rate %.1f%% exceeds threshold (dropped=%d)", q.label, rate*100, d)
		}
	}
	q.buf = append(q.buf, f)
	q.cond.Signal()
}

// Pop blocks until a frame is available or the queue is closed, in which
// case it returns (nil, false).
func (q *Queue) Pop() (*frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return nil, false
	}
	f := q.buf[0]
	q.buf = q.buf[1:]
	return f, true
}

// Close unblocks any waiting Pop call; subsequent Push calls are no-ops.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Depth returns the current queue depth, reported continuously to the
// observability surface per §4.2.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// DropRate returns the running fraction of pushes that evicted an older
// frame.
func (q *Queue) DropRate() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropRateLocked()
}

func (q *Queue) dropRateLocked() float64 {
	pushed := q.pushed.Load()
	if pushed == 0 {
		return 0
	}
	return float64(q.dropped.Load()) / float64(pushed)
}

// DroppedCount returns the total number of frames dropped for overflow.
func (q *Queue) DroppedCount() uint64 { return q.dropped.Load() }
