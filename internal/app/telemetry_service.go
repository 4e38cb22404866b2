package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/config"
	"github.com/dokzlo13/duskd/internal/eventbus"
	"github.com/dokzlo13/duskd/internal/telemetry"
)

// TelemetryService forwards bus events to the configured sinks.
type TelemetryService struct {
	cfg    *config.Config
	sinks  []telemetry.Sink
	detach func()
}

// NewTelemetryService creates the service; sinks connect in Start.
func NewTelemetryService(cfg *config.Config) *TelemetryService {
	return &TelemetryService{cfg: cfg}
}

// Start connects the enabled sinks and attaches them to the bus. Each
// connect waits up to its broker timeout; a sink that cannot connect is
// logged and skipped.
func (s *TelemetryService) Start(bus *eventbus.Bus) {
	if s.cfg.MQTT.Enabled {
		sink, err := telemetry.ConnectMQTT(s.cfg.MQTT)
		if err != nil {
			log.Error().Err(err).Msg("MQTT telemetry disabled")
		} else {
			s.sinks = append(s.sinks, sink)
		}
	}
	if s.cfg.InfluxDB.Enabled {
		sink, err := telemetry.ConnectInflux(s.cfg.InfluxDB)
		if err != nil {
			log.Error().Err(err).Msg("InfluxDB telemetry disabled")
		} else {
			s.sinks = append(s.sinks, sink)
		}
	}
	if len(s.sinks) > 0 {
		s.detach = telemetry.Attach(bus, s.sinks...)
	}
}

// Close detaches and closes every sink.
func (s *TelemetryService) Close() {
	if s.detach != nil {
		s.detach()
	}
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", sink.Name()).Msg("Failed to close telemetry sink")
		}
	}
	s.sinks = nil
}
