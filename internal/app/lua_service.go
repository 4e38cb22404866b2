package app

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/config"
	"github.com/dokzlo13/duskd/internal/db"
	"github.com/dokzlo13/duskd/internal/kv"
	luart "github.com/dokzlo13/duskd/internal/lua"
	"github.com/dokzlo13/duskd/internal/sequence"
)

// LuaService wraps the Lua runtime and provides thread-safe execution.
type LuaService struct {
	cfg        *config.Config
	configPath string
	Runtime    *luart.Runtime
}

// NewLuaService creates a runtime with every module wired to the services.
func NewLuaService(cfg *config.Config, configPath string, platform *PlatformService, sol *SolarService, scenes *SceneService, database *db.DB) *LuaService {
	buckets := func(name string) kv.Bucket {
		return kv.NewSQLiteBucket(database.DB, bucketScriptPrefix+name)
	}

	runtime := luart.NewRuntime(luart.RuntimeDeps{
		Platform:  platform.Client,
		Table:     sol.Table,
		Events:    sol.Events,
		Circadian: sol.Circadian,
		Clock:     sol.Clock,
		Rooms:     scenes.Rooms,
		Matcher:   sequence.NewMatcher(platform.Client),
		Cron:      sol.Scheduler,
		Publisher: platform.Bus,
		Buckets:   buckets,
	})

	return &LuaService{
		cfg:        cfg,
		configPath: configPath,
		Runtime:    runtime,
	}
}

// Enabled reports whether a rules script is configured.
func (s *LuaService) Enabled() bool {
	return s.cfg.Script != ""
}

// LoadScript loads and executes the Lua script.
// Must be called before Start().
func (s *LuaService) LoadScript(ctx context.Context) error {
	if !s.Enabled() {
		log.Info().Msg("No rules script configured")
		return nil
	}
	return s.Runtime.LoadScript(ctx, s.scriptPath())
}

// scriptPath resolves a relative script path against the config directory
// when it does not exist relative to the working directory.
func (s *LuaService) scriptPath() string {
	path := s.cfg.Script
	if filepath.IsAbs(path) || s.configPath == "" {
		return path
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return filepath.Join(filepath.Dir(s.configPath), path)
	}
	return path
}

// Start begins the Lua worker goroutine - the ONLY goroutine that touches
// Lua after the script is loaded.
func (s *LuaService) Start(ctx context.Context) {
	go s.Runtime.Run(ctx)
}

// Close closes the Lua runtime.
func (s *LuaService) Close() {
	if s.Runtime != nil {
		s.Runtime.Close()
	}
}
