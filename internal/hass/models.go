package hass

import (
	"encoding/json"
	"strings"
	"time"
)

// Entity states with special meaning
const (
	StateOn          = "on"
	StateOff         = "off"
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// Platform event types
const (
	// EventStateChanged carries entity state updates
	EventStateChanged = "state_changed"
	// EventCoreConfigUpdated is fired when the home location or timezone changes
	EventCoreConfigUpdated = "core_config_updated"
)

// Entity is the live state of a platform entity
type Entity struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Domain returns the part of the entity id before the dot
func (e *Entity) Domain() string {
	return Domain(e.EntityID)
}

// Available reports whether the entity reports a usable state
func (e *Entity) Available() bool {
	return e.State != StateUnavailable
}

// Members returns the entity ids of a group entity, or nil
func (e *Entity) Members() []string {
	raw, ok := e.Attributes["entity_id"].([]any)
	if !ok {
		return nil
	}
	members := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			members = append(members, s)
		}
	}
	return members
}

// IntAttribute returns a numeric attribute as int
func (e *Entity) IntAttribute(name string) (int, bool) {
	switch v := e.Attributes[name].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func (e *Entity) clone() *Entity {
	out := *e
	if e.Attributes != nil {
		out.Attributes = make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// Domain returns the domain of an entity id such as "light.kitchen"
func Domain(entityID string) string {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return domain
}

// Config is the subset of the platform configuration used here
type Config struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Elevation    float64 `json:"elevation"`
	TimeZone     string  `json:"time_zone"`
	LocationName string  `json:"location_name"`
	Version      string  `json:"version"`
}

// Event is a platform bus event
type Event struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Origin    string         `json:"origin"`
	TimeFired time.Time      `json:"time_fired"`
}

// Handler receives platform events
type Handler func(Event)

// wire messages

type message struct {
	ID          int             `json:"id,omitempty"`
	Type        string          `json:"type"`
	Success     *bool           `json:"success,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *apiError       `json:"error,omitempty"`
	Event       json.RawMessage `json:"event,omitempty"`
	HAVersion   string          `json:"ha_version,omitempty"`
	Message     string          `json:"message,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type stateChangedData struct {
	EntityID string  `json:"entity_id"`
	NewState *Entity `json:"new_state"`
}
