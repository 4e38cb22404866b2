package scene

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/duskd/internal/eventbus"
	"github.com/dokzlo13/duskd/internal/hass"
)

// Adjustment types reported for switch corrections
const AdjustmentSwitch = "switch_on_off"

// Reconciler enforces a room's selected scene against live entity state.
// It stays quiet on polls where nothing changes.
type Reconciler struct {
	platform Platform
	lights   *LightManager
	pub      eventbus.Publisher
	limiter  *rate.Limiter
	enabled  bool

	mu          sync.Mutex
	diagnostics map[string]string // room -> last skip reason logged
}

// NewReconciler creates a reconciler. enabled is the global enforcement switch.
func NewReconciler(platform Platform, lights *LightManager, pub eventbus.Publisher, enabled bool, rateLimitRPS float64) *Reconciler {
	if rateLimitRPS <= 0 {
		rateLimitRPS = 10.0
	}
	burst := int(rateLimitRPS)
	if burst < 1 {
		burst = 1
	}
	return &Reconciler{
		platform:    platform,
		lights:      lights,
		pub:         pub,
		limiter:     rate.NewLimiter(rate.Limit(rateLimitRPS), burst),
		enabled:     enabled,
		diagnostics: make(map[string]string),
	}
}

// Enabled reports the global enforcement switch
func (r *Reconciler) Enabled() bool {
	return r.enabled
}

// ValidateRoomScene compares every entity of sc against its live state and
// issues correcting calls. Missing entities are logged as errors and
// unavailable ones as warnings; both are skipped. Failed calls are joined
// into the returned error.
func (r *Reconciler) ValidateRoomScene(ctx context.Context, room string, sc *Scene) error {
	if !r.enabled || (sc != nil && !sc.IsAggressive()) {
		return nil
	}
	if sc == nil {
		r.diagnose(room, "unresolved", "Cannot validate room scene, scene not resolved")
		return nil
	}
	if len(sc.Definition) == 0 {
		r.diagnose(room, "empty:"+sc.Name, "Scene has no definition")
		return nil
	}
	r.clearDiagnostic(room)

	if !r.platform.Connected() {
		log.Debug().Str("room", room).Msg("Platform not connected, skipping scene validation")
		return nil
	}

	ids := make([]string, 0, len(sc.Definition))
	for id := range sc.Definition {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		entity, ok := r.platform.Entity(id)
		if !ok {
			log.Error().Str("entity_id", id).Str("room", room).Msg("Cannot find entity")
			continue
		}

		var err error
		switch domain := entity.Domain(); domain {
		case "light":
			err = r.manageLight(ctx, room, sc, entity)
		case "switch":
			err = r.manageSwitch(ctx, room, sc, entity)
		default:
			log.Trace().Str("entity_id", id).Str("domain", domain).Msg("No actions set for domain")
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) manageLight(ctx context.Context, room string, sc *Scene, entity *hass.Entity) error {
	if !entity.Available() {
		log.Warn().Str("entity_id", entity.EntityID).Msg("Entity unavailable, cannot manage state")
		return nil
	}

	action, data := r.lights.Plan(entity, sc.Definition[entity.EntityID])
	if action == ActionNone {
		return nil
	}

	log.Debug().
		Str("entity_id", entity.EntityID).
		Str("action", action.String()).
		Str("room", room).
		Msg("Correcting light")
	r.emit(room, sc.Name, entity.EntityID, action.String())

	service := "turn_on"
	if action == ActionTurnOff {
		service = "turn_off"
	}
	return r.call(ctx, "light", service, data)
}

// manageSwitch corrects a switch. A group switch already in the expected
// state has each member checked against the same expectation.
func (r *Reconciler) manageSwitch(ctx context.Context, room string, sc *Scene, entity *hass.Entity) error {
	want := sc.Definition[entity.EntityID]
	if want.State == "" {
		return nil
	}
	if !entity.Available() {
		log.Warn().Str("entity_id", entity.EntityID).Msg("Entity unavailable, cannot manage state")
		return nil
	}

	if entity.State != want.State {
		return r.matchSwitch(ctx, room, sc.Name, entity.EntityID, want.State)
	}

	var errs []error
	for _, childID := range entity.Members() {
		child, ok := r.platform.Entity(childID)
		if !ok {
			log.Warn().
				Str("entity_id", entity.EntityID).
				Str("child_id", childID).
				Msg("Child entity of group cannot be found")
			continue
		}
		if !child.Available() {
			log.Warn().Str("child_id", childID).Msg("Entity unavailable, cannot manage state")
			continue
		}
		if child.State != want.State {
			if err := r.matchSwitch(ctx, room, sc.Name, childID, want.State); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) matchSwitch(ctx context.Context, room, sceneName, entityID, state string) error {
	log.Debug().Str("entity_id", entityID).Str("state", state).Msg("Changing state")
	r.emit(room, sceneName, entityID, AdjustmentSwitch)

	service := "turn_off"
	if state == hass.StateOn {
		service = "turn_on"
	}
	return r.call(ctx, "switch", service, map[string]any{"entity_id": entityID})
}

func (r *Reconciler) call(ctx context.Context, domain, service string, data map[string]any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := r.platform.CallService(ctx, domain, service, data); err != nil {
		return fmt.Errorf("%s.%s %v: %w", domain, service, data["entity_id"], err)
	}
	return nil
}

func (r *Reconciler) emit(room, sceneName, entityID, kind string) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(eventbus.Event{
		Type: eventbus.EventTypeAdjustment,
		Data: map[string]any{
			"entity_id": entityID,
			"type":      kind,
			"room":      room,
			"scene":     sceneName,
		},
	})
}

// diagnose logs a skip reason once until it changes
func (r *Reconciler) diagnose(room, reason, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.diagnostics[room] == reason {
		return
	}
	r.diagnostics[room] = reason
	log.Warn().Str("room", room).Str("reason", reason).Msg(msg)
}

func (r *Reconciler) clearDiagnostic(room string) {
	r.mu.Lock()
	delete(r.diagnostics, room)
	r.mu.Unlock()
}
