package solar

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/eventbus"
	"github.com/dokzlo13/duskd/internal/geo"
	"github.com/dokzlo13/duskd/internal/hass"
	"github.com/dokzlo13/duskd/internal/kv"
	"github.com/dokzlo13/duskd/internal/scheduler"
)

// CoordinateSource fetches the configured home coordinates
type CoordinateSource interface {
	Coordinates(ctx context.Context) (geo.Location, error)
}

// CoordinateFunc adapts a function to CoordinateSource
type CoordinateFunc func(ctx context.Context) (geo.Location, error)

// Coordinates calls f
func (f CoordinateFunc) Coordinates(ctx context.Context) (geo.Location, error) {
	return f(ctx)
}

// EventSubscriber delivers platform events
type EventSubscriber interface {
	Subscribe(eventType string, h hass.Handler) func()
}

// Locator keeps the reference table populated: from the coordinate cache
// at startup, from the platform when the location changes, and hourly.
type Locator struct {
	table    *ReferenceTable
	source   CoordinateSource
	cache    kv.Bucket
	cacheKey string
	pub      eventbus.Publisher

	// onUpdate runs after every population, e.g. to re-check triggers
	onUpdate func()

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewLocator creates a locator. pub may be nil.
func NewLocator(table *ReferenceTable, source CoordinateSource, cache kv.Bucket, cacheKey string, pub eventbus.Publisher) *Locator {
	return &Locator{
		table:    table,
		source:   source,
		cache:    cache,
		cacheKey: cacheKey,
		pub:      pub,
	}
}

// OnUpdate sets a callback invoked after each population
func (l *Locator) OnUpdate(fn func()) {
	l.onUpdate = fn
}

// Bootstrap populates the table before anything reads it. Cached coordinates
// are used immediately and refreshed in the background; without a cache the
// platform is queried synchronously.
func (l *Locator) Bootstrap(ctx context.Context) error {
	var cached geo.Location
	found, err := l.cache.Load(l.cacheKey, &cached)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read cached coordinates, fetching from platform")
		found = false
	}

	if !found {
		log.Info().Msg("No cached coordinates, fetching from platform")
		if err := l.UpdateLocation(ctx); err != nil {
			return fmt.Errorf("bootstrap solar table: %w", err)
		}
		return nil
	}

	l.populate(cached)
	log.Info().
		Float64("lat", cached.Latitude).
		Float64("lon", cached.Longitude).
		Msg("Solar table populated from cached coordinates")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.UpdateLocation(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Background coordinate refresh failed, keeping cached location")
		}
	}()
	return nil
}

// UpdateLocation fetches coordinates from the platform, caches them and
// repopulates the table.
func (l *Locator) UpdateLocation(ctx context.Context) error {
	loc, err := l.source.Coordinates(ctx)
	if err != nil {
		return fmt.Errorf("fetch coordinates: %w", err)
	}
	if math.IsNaN(loc.Latitude) || math.Abs(loc.Latitude) > 90 || math.IsNaN(loc.Longitude) || math.Abs(loc.Longitude) > 180 {
		return fmt.Errorf("fetch coordinates: out of range %+v", loc)
	}

	previous, loaded := l.table.Location()
	if err := l.cache.Save(l.cacheKey, loc); err != nil {
		log.Warn().Err(err).Msg("Failed to cache coordinates")
	}

	l.populate(loc)

	if !loaded || previous != loc {
		log.Info().
			Float64("lat", loc.Latitude).
			Float64("lon", loc.Longitude).
			Msg("Solar location updated")
		if l.pub != nil {
			l.pub.Publish(eventbus.Event{
				Type: eventbus.EventTypeLocation,
				Data: map[string]any{"latitude": loc.Latitude, "longitude": loc.Longitude},
			})
		}
	}
	return nil
}

// Watch refetches coordinates whenever the platform reports a core config
// change. The returned function unsubscribes and must be called before Wait.
func (l *Locator) Watch(ctx context.Context, sub EventSubscriber) func() {
	return sub.Subscribe(hass.EventCoreConfigUpdated, func(hass.Event) {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.UpdateLocation(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Failed to update solar location")
			}
		}()
	})
}

// Refresh recomputes today's table from the last known coordinates
func (l *Locator) Refresh() {
	l.mu.Lock()
	ok := l.table.Refresh()
	l.mu.Unlock()

	if !ok {
		log.Debug().Msg("Solar refresh skipped, table not loaded yet")
		return
	}
	log.Debug().Str("date", l.table.Date().Format("2006-01-02")).Msg("Solar table refreshed")
	if l.onUpdate != nil {
		l.onUpdate()
	}
}

// Schedule registers the hourly refresh
func (l *Locator) Schedule(cron Cron) (scheduler.CancelFunc, error) {
	return cron.Cron(scheduler.EveryHour, l.Refresh)
}

// Wait blocks until background refreshes started by Bootstrap or Watch finish
func (l *Locator) Wait() {
	l.wg.Wait()
}

func (l *Locator) populate(loc geo.Location) {
	l.mu.Lock()
	l.table.Populate(l.table.Now(), loc)
	l.mu.Unlock()

	if l.onUpdate != nil {
		l.onUpdate()
	}
}
