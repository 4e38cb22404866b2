package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/circadian"
	"github.com/dokzlo13/duskd/internal/clock"
	"github.com/dokzlo13/duskd/internal/config"
	"github.com/dokzlo13/duskd/internal/geo"
	"github.com/dokzlo13/duskd/internal/kv"
	"github.com/dokzlo13/duskd/internal/ledger"
	"github.com/dokzlo13/duskd/internal/scheduler"
	"github.com/dokzlo13/duskd/internal/solar"
)

// ledgerRetention is how long fired-trigger records are kept
const ledgerRetention = 7 * 24 * time.Hour

// SolarService owns the cron scheduler, the solar reference table and
// everything anchored to it.
type SolarService struct {
	cfg *config.Config

	Scheduler *scheduler.Scheduler
	Table     *solar.ReferenceTable
	Locator   *solar.Locator
	Events    *solar.EventScheduler
	Circadian *circadian.Circadian
	Clock     *clock.Clock

	platform *PlatformService
	ledger   *ledger.Ledger
	unwatch  func()
}

// NewSolarService creates the table and its schedulers. The table stays
// empty until Start bootstraps it.
func NewSolarService(cfg *config.Config, platform *PlatformService, l *ledger.Ledger, cache kv.Bucket) (*SolarService, error) {
	tz, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(tz)
	table := solar.NewReferenceTable(geo.NewCalculator(), tz)
	events := solar.NewEventScheduler(table, sched, l)
	locator := solar.NewLocator(table, platform.Client, cache, cfg.Geo.CacheKey, platform.Bus)
	locator.OnUpdate(events.CheckAll)

	return &SolarService{
		cfg:       cfg,
		Scheduler: sched,
		Table:     table,
		Locator:   locator,
		Events:    events,
		Circadian: circadian.New(table, cfg.Circadian.MinKelvin, cfg.Circadian.MaxKelvin),
		Clock:     clock.New(tz),
		platform:  platform,
		ledger:    l,
	}, nil
}

// Start populates the table and registers the periodic jobs. Without
// cached coordinates this blocks until Home Assistant answers.
func (s *SolarService) Start(ctx context.Context) error {
	s.Scheduler.Start()

	if err := s.Locator.Bootstrap(ctx); err != nil {
		return err
	}
	if _, err := s.Locator.Schedule(s.Scheduler); err != nil {
		return fmt.Errorf("schedule solar refresh: %w", err)
	}

	// Home location edits in Home Assistant repopulate the table
	s.unwatch = s.Locator.Watch(ctx, s.platform.Client)

	if _, err := solar.Broadcast(ctx, s.Events, s.platform.Bus); err != nil {
		return fmt.Errorf("broadcast solar events: %w", err)
	}

	if _, err := s.Scheduler.Cron(scheduler.DailyAtMidnight, s.cleanupLedger); err != nil {
		return fmt.Errorf("schedule ledger cleanup: %w", err)
	}

	snap := s.Table.Snapshot()
	log.Info().
		Str("date", snap.Date).
		Float64("lat", snap.Location.Latitude).
		Float64("lon", snap.Location.Longitude).
		Int("kelvin", s.Circadian.Kelvin()).
		Int("cron_jobs", s.Scheduler.Entries()).
		Msg("Solar service started")
	return nil
}

// cleanupLedger removes old fired-trigger entries.
func (s *SolarService) cleanupLedger() {
	deleted, err := s.ledger.DeleteOlderThan(ledgerRetention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", ledgerRetention).Msg("Cleaned up old ledger entries")
	}
}

// Close stops every trigger and the cron scheduler.
func (s *SolarService) Close() {
	if s.unwatch != nil {
		s.unwatch()
	}
	s.Events.Close()
	s.Scheduler.Stop()
	s.Locator.Wait()
}
