// Package scene manages room scene selection and enforces declared entity
// states against drift.
package scene

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dokzlo13/duskd/internal/config"
	"github.com/dokzlo13/duskd/internal/hass"
	"github.com/dokzlo13/duskd/internal/scheduler"
)

var (
	// ErrInvalidScene is returned when selecting a scene a room does not declare
	ErrInvalidScene = errors.New("scene does not exist on room")
	// ErrNoScenes is returned for rooms declared without scenes
	ErrNoScenes = errors.New("room has no scenes")
)

// Platform is the smart-home platform surface used for enforcement
type Platform interface {
	Entity(id string) (*hass.Entity, bool)
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	Connected() bool
}

// Subscriber delivers platform events
type Subscriber interface {
	Subscribe(eventType string, h hass.Handler) func()
}

// Cron registers recurring jobs
type Cron interface {
	Cron(spec string, fn func()) (scheduler.CancelFunc, error)
	Every(d time.Duration, fn func()) (scheduler.CancelFunc, error)
}

// KelvinSource provides the current circadian color temperature
type KelvinSource interface {
	Kelvin() int
}

// EntityState is the desired state of one entity
type EntityState struct {
	State      string
	Brightness *int
	RGBColor   []int
	Kelvin     *int
}

// WantsOn reports whether the entity should be on. An empty state means on.
func (s EntityState) WantsOn() bool {
	return s.State == "" || s.State == hass.StateOn
}

// OnlyStateAndBrightness reports whether no color is declared, which leaves
// color temperature to the circadian curve.
func (s EntityState) OnlyStateAndBrightness() bool {
	return len(s.RGBColor) == 0 && s.Kelvin == nil
}

// serviceData renders the state as light/switch service fields
func (s EntityState) serviceData() map[string]any {
	data := map[string]any{}
	if s.State != "" {
		data["state"] = s.State
	}
	if s.Brightness != nil {
		data["brightness"] = *s.Brightness
	}
	if len(s.RGBColor) > 0 {
		data["rgb_color"] = s.RGBColor
	}
	if s.Kelvin != nil {
		data["color_temp_kelvin"] = *s.Kelvin
	}
	return data
}

// Definition maps entity ids to desired states
type Definition map[string]EntityState

// Scene is a named definition of a room
type Scene struct {
	Name       string
	Aggressive *bool
	Definition Definition
}

// followsCircadian reports whether a light targeted at target takes the
// circadian temperature under this scene
func (s *Scene) followsCircadian(entityID, target string) bool {
	if hass.Domain(entityID) != "light" {
		return false
	}
	if target != "" && target != hass.StateOn {
		return false
	}
	if st, declared := s.Definition[entityID]; declared {
		return st.OnlyStateAndBrightness()
	}
	return true
}

// IsAggressive reports whether drift correction is enabled for the scene
func (s *Scene) IsAggressive() bool {
	return s.Aggressive == nil || *s.Aggressive
}

// ScenesFromConfig converts a room's scene configuration
func ScenesFromConfig(room config.RoomConfig) (map[string]*Scene, error) {
	if len(room.Scenes) == 0 {
		return nil, fmt.Errorf("room %q: %w", room.Name, ErrNoScenes)
	}

	scenes := make(map[string]*Scene, len(room.Scenes))
	for name, sc := range room.Scenes {
		def := make(Definition, len(sc.Definition))
		for id, st := range sc.Definition {
			if hass.Domain(id) == "" {
				return nil, fmt.Errorf("room %q scene %q: invalid entity id %q", room.Name, name, id)
			}
			def[id] = EntityState{
				State:      st.State,
				Brightness: st.Brightness,
				RGBColor:   st.RGBColor,
				Kelvin:     st.Kelvin,
			}
		}
		scenes[name] = &Scene{Name: name, Aggressive: sc.Aggressive, Definition: def}
	}
	return scenes, nil
}
