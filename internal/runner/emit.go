package runner

import (
	"context"

	"marketpulse/internal/eventbus"
	"marketpulse/internal/store"
	logx "marketpulse/pkg/logx"
)

// Event types written to event_log. Downstream briefing/alerting consumers
// key off these, so treat them as a stable wire surface.
const (
	EventJobSuccess = "job.success"
	EventJobPartial = "job.partial"
	EventJobFailed  = "job.failed"
	EventJobSkipped = "job.skipped"
	EventJobMisfire = "job.misfire"
	EventJobOverdue = "job.overdue"

	EventDispatcherStarted = "dispatcher.started"
	EventDispatcherStopped = "dispatcher.stopped"
	EventDispatcherCatchup = "dispatcher.catchup"
)

// Event priorities (1 urgent .. 5 informational).
const (
	PriorityUrgent = 1
	PriorityError  = 2
	PriorityWarn   = 3
	PriorityInfo   = 4
	PriorityDebug  = 5
)

// Emitter persists audit events and fans them out on the in-memory bus.
// Persistence is best-effort telemetry: a write failure is logged and the
// live publish still happens.
type Emitter struct {
	st  store.Store
	bus eventbus.Bus
	log logx.Logger
}

func NewEmitter(st store.Store, bus eventbus.Bus, log logx.Logger) *Emitter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Emitter{st: st, bus: bus, log: log}
}

func (e *Emitter) Emit(ctx context.Context, ev store.Event) {
	if e.st != nil {
		if err := e.st.AppendEvent(ctx, ev); err != nil {
			e.log.Warn("event write failed",
				logx.String("type", ev.Type),
				logx.String("source", ev.Source),
				logx.Err(err))
		}
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Message{
			Type:     ev.Type,
			Source:   ev.Source,
			Summary:  ev.Summary,
			Priority: ev.Priority,
			Time:     ev.At,
			Details:  ev.Details,
		})
	}
}
