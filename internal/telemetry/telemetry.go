// Package telemetry forwards domain events to MQTT and InfluxDB.
package telemetry

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/eventbus"
)

// Sink consumes bus events
type Sink interface {
	Name() string
	HandleEvent(e eventbus.Event)
	Close() error
}

// Forwarded lists the event types sinks receive
var Forwarded = []eventbus.EventType{
	eventbus.EventTypeAdjustment,
	eventbus.EventTypeSolar,
	eventbus.EventTypeScene,
	eventbus.EventTypeLocation,
}

// Attach subscribes sinks to the forwarded event types. The returned
// function unsubscribes them.
func Attach(bus *eventbus.Bus, sinks ...Sink) func() {
	var unsubs []func()
	for _, s := range sinks {
		sink := s
		for _, t := range Forwarded {
			unsubs = append(unsubs, bus.Subscribe(t, sink.HandleEvent))
		}
		log.Info().Str("sink", sink.Name()).Msg("Telemetry sink attached")
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
