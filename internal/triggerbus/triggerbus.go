// Package triggerbus implements the optional external trigger
// (SPEC_FULL.md's "External trigger bus"): a serial-attached button that
// calls start_session/stop_session on the Orchestrator for bullpen and
// commissioning use where no GUI is present. Grounded on the teacher's
// internal/serialmux package: the same SerialPorter abstraction (an
// io.ReadWriter + io.Closer, so tests never need real hardware), the same
// context-cancellable read-loop-in-a-goroutine shape, and the same
// PortOptions-to-serial.Mode translation for opening a real port.
package triggerbus

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/berginj/pitchtracker/internal/obslog"
)

// Port is the minimal interface a trigger source must satisfy; real ports
// come from Open, tests substitute an in-memory io.ReadWriter.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// PortOptions mirrors the teacher's serialmux.PortOptions translation
// into go.bug.st/serial's Mode, trimmed to the fields a single trigger
// button needs.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// DefaultPortOptions returns the baud/framing defaults for a typical USB
// serial trigger button.
func DefaultPortOptions() PortOptions {
	return PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}
}

func (o PortOptions) serialMode() (*serial.Mode, error) {
	mode := &serial.Mode{BaudRate: o.BaudRate, DataBits: o.DataBits, StopBits: serial.StopBits(o.StopBits)}
	switch strings.ToUpper(o.Parity) {
	case "", "N", "NONE":
		mode.Parity = serial.NoParity
	case "E", "EVEN":
		mode.Parity = serial.EvenParity
	case "O", "ODD":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("triggerbus: unsupported parity %q", o.Parity)
	}
	return mode, nil
}

// Open opens a real serial port at path with the given options.
func Open(path string, opts PortOptions) (Port, error) {
	mode, err := opts.serialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("triggerbus: open %q: %w", path, err)
	}
	return port, nil
}

// Callbacks is the owner's hook for trigger-button events, mirroring
// pitchfsm.Callbacks' owner-callback shape rather than a dynamic
// subscriber registry.
type Callbacks interface {
	// OnTrigger fires once per line read from the port. line is the raw
	// text (already trimmed); callers typically toggle start_session and
	// stop_session on alternating triggers.
	OnTrigger(line string) error
}

// Bus reads newline-delimited trigger events from a serial port and
// invokes Callbacks.OnTrigger for each one, until its context is
// cancelled or the port is closed.
type Bus struct {
	port      Port
	callbacks Callbacks

	mu     sync.Mutex
	closed bool
}

// New wraps an already-open Port.
func New(port Port, callbacks Callbacks) *Bus {
	return &Bus{port: port, callbacks: callbacks}
}

// Run blocks reading lines from the port and dispatching them to
// Callbacks.OnTrigger until ctx is cancelled or the scanner reaches EOF,
// matching serialmux.Monitor's read-in-a-goroutine-select-on-ctx.Done
// shape so a blocking Read never wedges shutdown.
func (b *Bus) Run(ctx context.Context) error {
	scan := bufio.NewScanner(b.port)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErr <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if err := b.callbacks.OnTrigger(trimmed); err != nil {
				obslog.Ops("triggerbus: on_trigger failed for %q: %v", trimmed, err)
			}
		}
	}
}

// Close closes the underlying port. Safe to call once; a second call
// returns nil without re-closing.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.port.Close()
}
