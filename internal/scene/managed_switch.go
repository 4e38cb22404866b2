package scene

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/eventbus"
	"github.com/dokzlo13/duskd/internal/hass"
	"github.com/dokzlo13/duskd/internal/scheduler"
)

// AdjustmentManagedSwitch is reported for managed switch corrections
const AdjustmentManagedSwitch = "managed_switch"

// ManagedSwitchOptions configures a ManagedSwitch
type ManagedSwitchOptions struct {
	Name      string
	EntityIDs []string
	// Schedule is a cron expression, default every 10 minutes
	Schedule string
	// OnUpdate lists entities whose changes trigger a check
	OnUpdate []string
	// ShouldBeOn returns the wanted state; ok=false means no opinion
	ShouldBeOn func() (on bool, ok bool)
}

// ManagedSwitch keeps switches in the state a predicate asks for
type ManagedSwitch struct {
	id       string
	opts     ManagedSwitchOptions
	platform Platform
	pub      eventbus.Publisher

	mu      sync.Mutex
	cancels []func()
}

// NewManagedSwitch registers the schedule and update listeners
func NewManagedSwitch(ctx context.Context, platform Platform, sub Subscriber, cron Cron, pub eventbus.Publisher, opts ManagedSwitchOptions) (*ManagedSwitch, error) {
	if len(opts.EntityIDs) == 0 {
		return nil, errors.New("managed switch: no entities")
	}
	for _, id := range opts.EntityIDs {
		if hass.Domain(id) != "switch" {
			return nil, fmt.Errorf("managed switch: %q is not a switch", id)
		}
	}
	if opts.ShouldBeOn == nil {
		return nil, errors.New("managed switch: should_be_on is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = scheduler.Every10Minutes
	}

	m := &ManagedSwitch{
		id:       uuid.NewString(),
		opts:     opts,
		platform: platform,
		pub:      pub,
	}

	stop, err := cron.Cron(opts.Schedule, func() { m.run(ctx) })
	if err != nil {
		return nil, fmt.Errorf("managed switch %s: %w", opts.Name, err)
	}
	m.cancels = append(m.cancels, func() { stop() })

	if len(opts.OnUpdate) > 0 && sub != nil {
		watched := make(map[string]bool, len(opts.OnUpdate))
		for _, id := range opts.OnUpdate {
			watched[id] = true
		}
		// handlers run on the client's dispatch goroutine
		m.cancels = append(m.cancels, sub.Subscribe(hass.EventStateChanged, func(e hass.Event) {
			if id, _ := e.Data["entity_id"].(string); watched[id] {
				go m.run(ctx)
			}
		}))
	}

	log.Debug().Str("id", m.id).Str("name", opts.Name).Strs("entities", opts.EntityIDs).Msg("Managed switch registered")
	return m, nil
}

// ID returns the registration id
func (m *ManagedSwitch) ID() string {
	return m.id
}

func (m *ManagedSwitch) run(ctx context.Context) {
	if err := m.Check(ctx); err != nil {
		log.Error().Err(err).Str("name", m.opts.Name).Msg("Managed switch check failed")
	}
}

// Check applies the predicate once
func (m *ManagedSwitch) Check(ctx context.Context) error {
	on, ok := m.callPredicate()
	if !ok {
		return nil
	}
	if !m.platform.Connected() {
		return nil
	}

	want, service := hass.StateOff, "turn_off"
	if on {
		want, service = hass.StateOn, "turn_on"
	}

	var errs []error
	for _, id := range m.opts.EntityIDs {
		entity, found := m.platform.Entity(id)
		if !found {
			log.Error().Str("entity_id", id).Str("name", m.opts.Name).Msg("Cannot find entity")
			continue
		}
		if !entity.Available() {
			log.Warn().Str("entity_id", id).Msg("Entity unavailable, cannot manage state")
			continue
		}
		if entity.State == want {
			continue
		}

		log.Debug().Str("entity_id", id).Str("state", want).Str("name", m.opts.Name).Msg("Managed switch changing state")
		if m.pub != nil {
			m.pub.Publish(eventbus.Event{
				Type: eventbus.EventTypeAdjustment,
				Data: map[string]any{"entity_id": id, "type": AdjustmentManagedSwitch, "name": m.opts.Name},
			})
		}
		if err := m.platform.CallService(ctx, "switch", service, map[string]any{"entity_id": id}); err != nil {
			errs = append(errs, fmt.Errorf("switch.%s %s: %w", service, id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *ManagedSwitch) callPredicate() (on, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("name", m.opts.Name).Msg("Managed switch predicate panicked")
			on, ok = false, false
		}
	}()
	return m.opts.ShouldBeOn()
}

// Close removes the schedule and listeners
func (m *ManagedSwitch) Close() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}
