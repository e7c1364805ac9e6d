package orchestrator

import (
	"context"
	"fmt"

	"github.com/berginj/pitchtracker/internal/obslog"
	"github.com/berginj/pitchtracker/internal/triggerbus"
)

var _ triggerbus.Callbacks = (*Orchestrator)(nil)

// StartTriggerBus opens the optional external trigger button at path and
// begins dispatching its presses to OnTrigger, toggling start_session and
// stop_session, until StopTriggerBus is called.
func (o *Orchestrator) StartTriggerBus(path string, opts triggerbus.PortOptions) error {
	o.trigMu.Lock()
	defer o.trigMu.Unlock()
	if o.trigBus != nil {
		return fmt.Errorf("orchestrator: trigger bus already started")
	}
	port, err := triggerbus.Open(path, opts)
	if err != nil {
		return err
	}
	bus := triggerbus.New(port, o)
	ctx, cancel := context.WithCancel(context.Background())
	o.trigBus = bus
	o.trigCancel = cancel
	go func() {
		if err := bus.Run(ctx); err != nil && ctx.Err() == nil {
			obslog.Ops("orchestrator: trigger bus exited: %v", err)
		}
	}()
	return nil
}

// StopTriggerBus closes the trigger bus, if one was started. Safe to call
// when no bus is running.
func (o *Orchestrator) StopTriggerBus() error {
	o.trigMu.Lock()
	defer o.trigMu.Unlock()
	if o.trigBus == nil {
		return nil
	}
	o.trigCancel()
	err := o.trigBus.Close()
	o.trigBus = nil
	o.trigCancel = nil
	return err
}
