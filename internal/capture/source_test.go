package capture

import (
	"context"
	"testing"
	"time"

	"github.com/berginj/pitchtracker/internal/config"
	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/berginj/pitchtracker/internal/pitcherr"
	"github.com/stretchr/testify/require"
)

// fakeSource is a minimal in-memory Source for exercising Thread's retry
// and promotion policy without real hardware.
type fakeSource struct {
	reads       []func() (*frame.Frame, error)
	idx         int
	closeCalled bool
}

func (f *fakeSource) Open(serial string) error { return nil }
func (f *fakeSource) SetMode(w, h, fps int, pf config.PixelFormat) error {
	return nil
}
func (f *fakeSource) SetControls(int, float64, string) error { return nil }
func (f *fakeSource) ReadFrame(time.Duration) (*frame.Frame, error) {
	if f.idx >= len(f.reads) {
		return nil, pitcherr.New(pitcherr.CameraReadTransient, nil)
	}
	fn := f.reads[f.idx]
	f.idx++
	return fn()
}
func (f *fakeSource) Close() error { f.closeCalled = true; return nil }

func okFrame() (*frame.Frame, error) { return &frame.Frame{}, nil }
func transientErr() (*frame.Frame, error) {
	return nil, pitcherr.New(pitcherr.CameraReadTransient, nil)
}

func TestThreadEmitsStrictlyIncreasingFrameIndex(t *testing.T) {
	src := &fakeSource{reads: []func() (*frame.Frame, error){okFrame, okFrame, okFrame}}
	th := NewThread(frame.Left, src)

	var got []uint64
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = th.Run(ctx, 10*time.Millisecond, func(f *frame.Frame) {
			got = append(got, f.FrameIndex)
			if len(got) == 3 {
				cancel()
			}
		})
	}()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []uint64{0, 1, 2}, got)
}

func TestThreadRetriesTransientThenPromotesToFatal(t *testing.T) {
	reads := []func() (*frame.Frame, error){okFrame}
	for i := 0; i < 10; i++ {
		reads = append(reads, transientErr)
	}
	src := &fakeSource{reads: reads}
	th := NewThread(frame.Left, src)
	th.MaxTransientRetries = 2

	err := th.Run(context.Background(), time.Millisecond, func(*frame.Frame) {})
	require.Error(t, err)
	require.True(t, pitcherr.Is(err, pitcherr.CameraReadFatal))
}

func TestThreadStopsCleanlyOnCancel(t *testing.T) {
	src := &fakeSource{reads: []func() (*frame.Frame, error){okFrame, okFrame}}
	th := NewThread(frame.Left, src)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := th.Run(ctx, time.Millisecond, func(*frame.Frame) {})
	require.NoError(t, err)
}
