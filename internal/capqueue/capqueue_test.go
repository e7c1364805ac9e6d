package capqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/berginj/pitchtracker/internal/frame"
	"github.com/stretchr/testify/require"
)

func TestPushDropsOldestOnOverflow(t *testing.T) {
	q := New(frame.Left, 2)
	q.Push(&frame.Frame{FrameIndex: 1})
	q.Push(&frame.Frame{FrameIndex: 2})
	q.Push(&frame.Frame{FrameIndex: 3}) // should drop FrameIndex 1

	f, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, uint64(2), f.FrameIndex)

	f, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, uint64(3), f.FrameIndex)

	require.Equal(t, uint64(1), q.DroppedCount())
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New(frame.Left, 4)
	var wg sync.WaitGroup
	wg.Add(1)
	var got *frame.Frame
	go func() {
		defer wg.Done()
		f, ok := q.Pop()
		require.True(t, ok)
		got = f
	}()
	time.Sleep(20 * time.Millisecond)
	q.Push(&frame.Frame{FrameIndex: 42})
	wg.Wait()
	require.Equal(t, uint64(42), got.FrameIndex)
}

func TestCloseUnblocksPop(t *testing.T) {
	q := New(frame.Left, 4)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock on Close")
	}
}

func TestDropRateThresholdWarns(t *testing.T) {
	q := New(frame.Left, 1)
	for i := 0; i < 100; i++ {
		q.Push(&frame.Frame{FrameIndex: uint64(i)})
	}
	require.Greater(t, q.DropRate(), WarnDropRateThreshold)
}
