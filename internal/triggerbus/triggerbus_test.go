package triggerbus

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// pipePort adapts an io.Pipe into a Port for tests, avoiding any real
// serial hardware.
type pipePort struct {
	io.Reader
	io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.WriteCloser.Close()
}

type recordingCallbacks struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (c *recordingCallbacks) OnTrigger(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return c.err
}

func (c *recordingCallbacks) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func TestRunDispatchesTrimmedLinesUntilEOF(t *testing.T) {
	r, w := io.Pipe()
	port := &pipePort{Reader: r, WriteCloser: w}
	cb := &recordingCallbacks{}
	bus := New(port, cb)

	go func() {
		w.Write([]byte("start_session  \n"))
		w.Write([]byte("\n")) // blank line, must be skipped
		w.Write([]byte("stop_session\n"))
		w.Close()
	}()

	err := bus.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"start_session", "stop_session"}, cb.snapshot())
}

func TestRunContinuesAfterCallbackError(t *testing.T) {
	r, w := io.Pipe()
	port := &pipePort{Reader: r, WriteCloser: w}
	cb := &recordingCallbacks{err: errors.New("orchestrator busy")}
	bus := New(port, cb)

	go func() {
		w.Write([]byte("start_session\n"))
		w.Close()
	}()

	require.NoError(t, bus.Run(context.Background()))
	require.Equal(t, []string{"start_session"}, cb.snapshot())
}

func TestRunExitsOnContextCancel(t *testing.T) {
	r, w := io.Pipe()
	port := &pipePort{Reader: r, WriteCloser: w}
	defer w.Close()
	cb := &recordingCallbacks{}
	bus := New(port, cb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCloseIsIdempotent(t *testing.T) {
	r, w := io.Pipe()
	port := &pipePort{Reader: r, WriteCloser: w}
	bus := New(port, &recordingCallbacks{})

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
}

func TestDefaultPortOptionsNormalizesParity(t *testing.T) {
	opts := DefaultPortOptions()
	mode, err := opts.serialMode()
	require.NoError(t, err)
	require.Equal(t, 9600, mode.BaudRate)
	require.Equal(t, serial.NoParity, mode.Parity)
}
