// Package observability emits structured control-loop events and the
// Prometheus series derived from them.
package observability

import (
	"time"

	"github.com/rs/zerolog"
)

// Event names emitted by the control loop.
const (
	EventPriceFetchCompleted     = "price_fetch_completed"
	EventPriceFetchFailed        = "price_fetch_failed"
	EventBalanceRefreshCompleted = "balance_refresh_completed"
	EventBalanceRefreshFailed    = "balance_refresh_failed"
	EventStabilityDecision       = "stability_decision"
	EventStabilitySkipped        = "stability_skipped"
	EventPaymentAttempted        = "payment_attempted"
	EventPaymentSucceeded        = "payment_succeeded"
	EventPaymentFailed           = "payment_failed"
	EventPaymentReceived         = "payment_received"
	EventChannelReady            = "channel_ready"
	EventChannelClosed           = "channel_closed"
	EventChannelDesignated       = "channel_designated"
	EventChannelUndesignated     = "channel_undesignated"
	EventChannelPruned           = "channel_pruned"
)

// Event is one observability record.
type Event struct {
	Timestamp time.Time
	Name      string
	Payload   map[string]any
}

// Emitter receives events. Implementations must be safe for concurrent use
// and must not block the caller on I/O.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts ordinary functions to Emitter.
type EmitterFunc func(ev Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(ev Event) {
	if f != nil {
		f(ev)
	}
}

// New stamps an event with the current time.
func New(name string, payload map[string]any) Event {
	return Event{Timestamp: time.Now().UTC(), Name: name, Payload: payload}
}

// LogEmitter writes events as structured zerolog entries.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter builds an emitter that logs under the "events" component.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "events").Logger()}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(ev Event) {
	entry := l.logger.Info()
	switch ev.Name {
	case EventPriceFetchFailed, EventBalanceRefreshFailed, EventPaymentFailed:
		entry = l.logger.Warn()
	}
	entry.Time("event_ts", ev.Timestamp).
		Str("event", ev.Name).
		Fields(ev.Payload).
		Msg("event")
}

// Multi fans an event out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// Nop discards every event.
var Nop Emitter = EmitterFunc(func(Event) {})

var (
	_ Emitter = (*LogEmitter)(nil)
	_ Emitter = Multi(nil)
)
