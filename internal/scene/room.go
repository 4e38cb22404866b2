package scene

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/eventbus"
	"github.com/dokzlo13/duskd/internal/hass"
	"github.com/dokzlo13/duskd/internal/kv"
	"github.com/dokzlo13/duskd/internal/scheduler"
)

// DefaultPollInterval is how often a room's scene is enforced
const DefaultPollInterval = 30 * time.Second

// RoomOptions are the collaborators of a Room
type RoomOptions struct {
	Platform   Platform
	Reconciler *Reconciler
	Lights     *LightManager
	Store      kv.Bucket // persisted scene selection, may be nil
	Publisher  eventbus.Publisher
}

// Room holds the selected scene of an area. Selection is persisted and
// enforced by periodic polls.
type Room struct {
	name   string
	scenes map[string]*Scene
	opts   RoomOptions

	mu      sync.RWMutex
	current string
	warned  string // last invalid selection logged by Poll
}

// NewRoom creates a room. The persisted selection, if valid, is restored.
func NewRoom(name string, scenes map[string]*Scene, opts RoomOptions) (*Room, error) {
	if len(scenes) == 0 {
		return nil, fmt.Errorf("room %q: %w", name, ErrNoScenes)
	}
	r := &Room{name: name, scenes: scenes, opts: opts}
	if restored, ok := r.Restore(); ok {
		log.Debug().Str("room", name).Str("scene", restored).Msg("Room scene restored")
	}
	log.Info().Str("room", name).Strs("scenes", r.Scenes()).Msg("Room created")
	return r, nil
}

// Name returns the room name
func (r *Room) Name() string {
	return r.name
}

// Scenes returns the declared scene names, sorted
func (r *Room) Scenes() []string {
	names := make([]string, 0, len(r.scenes))
	for n := range r.scenes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Scene returns the selected scene name, empty when none
func (r *Room) Scene() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

var nonWord = regexp.MustCompile(`\W`)
var spaces = regexp.MustCompile(`\s+`)

// SceneID returns the platform scene entity id for a scene of this room
func (r *Room) SceneID(sceneName string) string {
	slug := strings.ToLower(r.name + " " + sceneName)
	slug = spaces.ReplaceAllString(slug, "_")
	slug = nonWord.ReplaceAllString(slug, "")
	return "scene." + slug
}

// CurrentDefinition returns the scene currently selected
func (r *Room) CurrentDefinition() (*Scene, bool) {
	sc, ok := r.scenes[r.Scene()]
	return sc, ok
}

// ShouldCircadian reports whether a light should follow the circadian
// temperature: it is a light, it is targeted on (or untargeted), and the
// current scene declares no color for it.
func (r *Room) ShouldCircadian(entityID, target string) bool {
	sc, ok := r.CurrentDefinition()
	if !ok {
		sc = &Scene{}
	}
	return sc.followsCircadian(entityID, target)
}

// SetScene validates, persists and applies a scene. Undeclared names fail
// before anything changes.
func (r *Room) SetScene(ctx context.Context, sceneName string) error {
	if _, ok := r.scenes[sceneName]; !ok {
		return fmt.Errorf("%w: %q on room %q", ErrInvalidScene, sceneName, r.name)
	}

	log.Info().Str("room", r.name).Str("scene", sceneName).Msg("Set scene")

	r.mu.Lock()
	r.current = sceneName
	r.warned = ""
	r.mu.Unlock()

	if r.opts.Store != nil {
		if err := r.opts.Store.Save(r.name, sceneName); err != nil {
			log.Warn().Err(err).Str("room", r.name).Msg("Failed to persist scene selection")
		}
	}
	if r.opts.Publisher != nil {
		r.opts.Publisher.Publish(eventbus.Event{
			Type: eventbus.EventTypeScene,
			Data: map[string]any{"room": r.name, "scene": sceneName},
		})
	}

	return r.Apply(ctx, sceneName)
}

// Apply pushes a scene to the platform. Lights that follow the circadian
// temperature get individual light.turn_on calls; everything else goes
// through one scene.apply call.
func (r *Room) Apply(ctx context.Context, sceneName string) error {
	sc, ok := r.scenes[sceneName]
	if !ok {
		return fmt.Errorf("%w: %q on room %q", ErrInvalidScene, sceneName, r.name)
	}
	if r.opts.Platform == nil {
		return hass.ErrNotConnected
	}

	kelvin := r.opts.Lights.Kelvin()
	entities := make(map[string]any)
	var lights []string
	for id, st := range sc.Definition {
		switch hass.Domain(id) {
		case "switch":
			entities[id] = st.serviceData()
		case "light":
			if kelvin > 0 && sc.followsCircadian(id, st.State) {
				lights = append(lights, id)
				continue
			}
			entities[id] = st.serviceData()
		}
	}
	sort.Strings(lights)

	var errs []error
	if len(entities) > 0 {
		if err := r.opts.Platform.CallService(ctx, "scene", "apply", map[string]any{"entities": entities}); err != nil {
			errs = append(errs, fmt.Errorf("scene.apply: %w", err))
		}
	}
	for _, id := range lights {
		data := map[string]any{"entity_id": id, "color_temp_kelvin": kelvin}
		if b := sc.Definition[id].Brightness; b != nil {
			data["brightness"] = *b
		}
		if err := r.opts.Platform.CallService(ctx, "light", "turn_on", data); err != nil {
			errs = append(errs, fmt.Errorf("light.turn_on %s: %w", id, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Debug().
		Str("room", r.name).
		Str("scene", sceneName).
		Int("scene_entities", len(entities)).
		Int("circadian_lights", len(lights)).
		Msg("Scene applied")
	return nil
}

// Restore loads the persisted selection when it names a declared scene
func (r *Room) Restore() (string, bool) {
	if r.opts.Store == nil {
		return "", false
	}
	var stored string
	found, err := r.opts.Store.Load(r.name, &stored)
	if err != nil {
		log.Warn().Err(err).Str("room", r.name).Msg("Failed to load persisted scene")
		return "", false
	}
	if !found {
		return "", false
	}
	if _, ok := r.scenes[stored]; !ok {
		return "", false
	}

	r.mu.Lock()
	r.current = stored
	r.mu.Unlock()
	return stored, true
}

// Poll enforces the selected scene once
func (r *Room) Poll(ctx context.Context) error {
	sc, ok := r.CurrentDefinition()
	if !ok {
		if _, restored := r.Restore(); restored {
			sc, ok = r.CurrentDefinition()
			log.Debug().Str("room", r.name).Str("scene", sc.Name).Msg("Scene selection restored")
		}
	}
	if !ok {
		current := r.Scene()
		r.mu.Lock()
		repeat := r.warned == current && current != ""
		r.warned = current
		r.mu.Unlock()
		if !repeat && current != "" {
			log.Warn().Str("room", r.name).Str("scene", current).Msg("Room is set to an invalid scene")
		}
		return nil
	}
	if r.opts.Reconciler == nil {
		return nil
	}
	return r.opts.Reconciler.ValidateRoomScene(ctx, r.name, sc)
}

// Schedule starts periodic polls
func (r *Room) Schedule(ctx context.Context, cron Cron, interval time.Duration) (scheduler.CancelFunc, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return cron.Every(interval, func() {
		if err := r.Poll(ctx); err != nil {
			log.Error().Err(err).Str("room", r.name).Msg("Scene validation failed")
		}
	})
}
