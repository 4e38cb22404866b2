package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/config"
	"github.com/dokzlo13/duskd/internal/eventbus"
	"github.com/dokzlo13/duskd/internal/hass"
)

// PlatformService wraps the Home Assistant client and the internal event bus.
type PlatformService struct {
	cfg *config.Config

	Client *hass.Client
	Bus    *eventbus.Bus
}

// NewPlatformService creates the client and bus, not connected yet.
func NewPlatformService(cfg *config.Config) *PlatformService {
	client := hass.NewClient(clientConfig(cfg.Platform))

	bus := eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	return &PlatformService{
		cfg:    cfg,
		Client: client,
		Bus:    bus,
	}
}

// StartBackground runs the websocket session with reconnects.
// The optional onFatalError callback is called when max reconnects is exceeded.
func (s *PlatformService) StartBackground(ctx context.Context, onFatalError func(error)) {
	go func() {
		if err := s.Client.Run(ctx); err != nil {
			if errors.Is(err, hass.ErrMaxReconnectsExceeded) {
				log.Error().Msg("Home Assistant: max reconnects exceeded, triggering shutdown")
				if onFatalError != nil {
					onFatalError(err)
				}
			} else {
				log.Error().Err(err).Msg("Home Assistant client error")
			}
		}
	}()
}

// Close drains the event bus.
func (s *PlatformService) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		s.Bus.Close(ctx)
	}
}

// clientConfig overlays the configured connection settings on the client
// defaults
func clientConfig(p config.PlatformConfig) hass.ClientConfig {
	cc := hass.DefaultClientConfig(p.URL, p.Token)
	if d := p.Timeout.Duration(); d > 0 {
		cc.Timeout = d
	}
	if d := p.MinRetryBackoff.Duration(); d > 0 {
		cc.MinBackoff = d
	}
	if d := p.MaxRetryBackoff.Duration(); d > 0 {
		cc.MaxBackoff = d
	}
	if p.RetryMultiplier > 0 {
		cc.Multiplier = p.RetryMultiplier
	}
	cc.MaxReconnects = p.MaxReconnects
	return cc
}
