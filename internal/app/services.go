package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/config"
	"github.com/dokzlo13/duskd/internal/db"
	"github.com/dokzlo13/duskd/internal/kv"
	"github.com/dokzlo13/duskd/internal/ledger"
)

// kv bucket names
const (
	bucketRooms = "rooms"
	bucketSolar = "solar"

	// script buckets are namespaced away from the daemon's own
	bucketScriptPrefix = "script:"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB         *db.DB
	Ledger     *ledger.Ledger
	RoomStore  kv.Bucket
	SolarCache kv.Bucket

	// High-level services
	Platform  *PlatformService
	Solar     *SolarService
	Scenes    *SceneService
	Lua       *LuaService
	Telemetry *TelemetryService
	Health    *HealthService
}

// NewServices creates all services with proper dependency injection.
// configPath is used to resolve a relative script path.
func NewServices(cfg *config.Config, configPath string) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.RoomStore = kv.NewSQLiteBucket(database.DB, bucketRooms)
	s.SolarCache = kv.NewSQLiteBucket(database.DB, bucketSolar)

	s.Platform = NewPlatformService(cfg)

	s.Solar, err = NewSolarService(cfg, s.Platform, s.Ledger, s.SolarCache)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Scenes, err = NewSceneService(cfg, s.Platform, s.Solar.Circadian, s.RoomStore)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Lua = NewLuaService(cfg, configPath, s.Platform, s.Solar, s.Scenes, s.DB)
	s.Telemetry = NewTelemetryService(cfg)
	s.Health = NewHealthService(cfg, s.Platform.Client, s.Solar.Table, s.Solar.Circadian, s.Ledger)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., max reconnects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Health first so health checks answer while the table bootstraps
	s.Health.Start(ctx)
	s.Telemetry.Start(s.Platform.Bus)

	s.Platform.StartBackground(ctx, onFatalError)

	if err := s.Solar.Start(ctx); err != nil {
		return err
	}
	if err := s.Scenes.Start(ctx, s.Solar.Scheduler); err != nil {
		return err
	}

	// Load Lua script before starting worker
	if err := s.Lua.LoadScript(ctx); err != nil {
		return err
	}
	s.Lua.Start(ctx)

	return nil
}

// ClearState forgets persisted scene selections and cached coordinates.
func (s *Services) ClearState() error {
	if err := s.RoomStore.Clear(); err != nil {
		return err
	}
	if err := s.SolarCache.Clear(); err != nil {
		return err
	}
	log.Info().Msg("Persisted state cleared")
	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Lua != nil {
		s.Lua.Close()
	}
	if s.Scenes != nil {
		s.Scenes.Close()
	}
	if s.Solar != nil {
		s.Solar.Close()
	}
	if s.Telemetry != nil {
		s.Telemetry.Close()
	}
	if s.Platform != nil {
		s.Platform.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
