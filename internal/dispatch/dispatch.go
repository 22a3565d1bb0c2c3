// Package dispatch hands partial-timeline handlers to the automation worker.
// The comms core never executes instructions itself; it only forwards each
// handler, isolated from its siblings.
package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"courier/internal/timeline"
	"courier/pkg/bus"
)

// Dispatcher forwards one handler for immediate execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, timelineID string, h timeline.TimelineHandler) error
}

// HandlerMessage is the wire shape published to the worker.
type HandlerMessage struct {
	TimelineId string                   `json:"TimelineId"`
	Handler    timeline.TimelineHandler `json:"Handler"`
}

// Bus publishes handlers to the automation worker over NATS.
type Bus struct {
	bus *bus.Bus
	log zerolog.Logger
}

// NewBus returns a Dispatcher backed by the given bus connection.
func NewBus(b *bus.Bus, log zerolog.Logger) *Bus {
	return &Bus{bus: b, log: log}
}

// Dispatch publishes the handler on its type-specific subject.
func (d *Bus) Dispatch(ctx context.Context, timelineID string, h timeline.TimelineHandler) error {
	subject := bus.HandlerSubject(h.HandlerType)
	msg := HandlerMessage{TimelineId: timelineID, Handler: h}
	if err := d.bus.Publish(ctx, subject, msg); err != nil {
		return err
	}
	d.log.Debug().
		Str("subject", subject).
		Str("timeline_id", timelineID).
		Int("events", len(h.Events)).
		Msg("handler dispatched")
	return nil
}

// LogOnly drops handlers with a warning. It stands in when no worker bus is
// configured so the poller keeps its contract without executing anything.
type LogOnly struct {
	Log zerolog.Logger
}

// Dispatch logs the handler and discards it.
func (d LogOnly) Dispatch(_ context.Context, timelineID string, h timeline.TimelineHandler) error {
	d.Log.Warn().
		Str("timeline_id", timelineID).
		Str("handler_type", h.HandlerType).
		Int("events", len(h.Events)).
		Msg("no dispatcher configured, dropping handler")
	return nil
}
