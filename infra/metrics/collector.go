package metrics

import (
	"context"

	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/simulation"
	"github.com/kilianp07/ems/internal/eventbus"
)

// TransitionRecorder consumes controller state transitions.
type TransitionRecorder interface {
	RecordTransition(ev simulation.StateEvent) error
}

// StartEventCollector subscribes to the event bus and records every
// transition on rec. It stops when the context is canceled or the bus is
// closed. The returned channel is closed once the collector has stopped.
func StartEventCollector(ctx context.Context, bus *eventbus.Bus[simulation.StateEvent], rec TransitionRecorder, log logger.Logger) <-chan struct{} {
	done := make(chan struct{})
	if bus == nil || rec == nil {
		close(done)
		return done
	}
	if log == nil {
		log = logger.Nop()
	}
	sub := bus.Subscribe()
	go func() {
		defer close(done)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if err := rec.RecordTransition(ev); err != nil {
					log.Warnf("record transition %s -> %s: %v", ev.From, ev.To, err)
				}
			}
		}
	}()
	return done
}
