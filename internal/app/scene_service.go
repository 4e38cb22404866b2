package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/config"
	"github.com/dokzlo13/duskd/internal/kv"
	"github.com/dokzlo13/duskd/internal/scene"
	"github.com/dokzlo13/duskd/internal/scheduler"
)

// SceneService owns the rooms and the reconciler enforcing their scenes.
type SceneService struct {
	cfg *config.Config

	Lights     *scene.LightManager
	Reconciler *scene.Reconciler
	Rooms      []*scene.Room

	cancels []scheduler.CancelFunc
}

// NewSceneService builds every configured room. Selections are restored
// from store.
func NewSceneService(cfg *config.Config, platform *PlatformService, kelvin scene.KelvinSource, store kv.Bucket) (*SceneService, error) {
	lights := scene.NewLightManager(kelvin, cfg.Scenes.LightDebounce.Duration())
	reconciler := scene.NewReconciler(
		platform.Client,
		lights,
		platform.Bus,
		cfg.Scenes.AggressiveEnabled(),
		cfg.Scenes.RateLimitRPS,
	)

	rooms := make([]*scene.Room, 0, len(cfg.Rooms))
	for _, rc := range cfg.Rooms {
		scenes, err := scene.ScenesFromConfig(rc)
		if err != nil {
			return nil, err
		}
		room, err := scene.NewRoom(rc.Name, scenes, scene.RoomOptions{
			Platform:   platform.Client,
			Reconciler: reconciler,
			Lights:     lights,
			Store:      store,
			Publisher:  platform.Bus,
		})
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return &SceneService{
		cfg:        cfg,
		Lights:     lights,
		Reconciler: reconciler,
		Rooms:      rooms,
	}, nil
}

// Start schedules the periodic poll of every room.
func (s *SceneService) Start(ctx context.Context, cron scene.Cron) error {
	if !s.Reconciler.Enabled() {
		log.Info().Msg("Aggressive scenes disabled, rooms are only applied on selection")
	}

	interval := s.cfg.Scenes.PollInterval.Duration()
	for _, room := range s.Rooms {
		cancel, err := room.Schedule(ctx, cron, interval)
		if err != nil {
			return fmt.Errorf("schedule room %q: %w", room.Name(), err)
		}
		s.cancels = append(s.cancels, cancel)
	}

	log.Info().Int("rooms", len(s.Rooms)).Dur("interval", interval).Msg("Scene polling started")
	return nil
}

// Close stops the polls.
func (s *SceneService) Close() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}
