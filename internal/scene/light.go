package scene

import (
	"time"

	"github.com/dokzlo13/duskd/internal/hass"
)

// DefaultLightDebounce is how long after a change a light keeps a manual
// brightness or color
const DefaultLightDebounce = 5 * time.Second

// LightManager decides light corrections, injecting the circadian color
// temperature into lights whose scene declares no color.
type LightManager struct {
	kelvin   KelvinSource
	debounce time.Duration
	now      func() time.Time
}

// NewLightManager creates a light manager. kelvin may be nil to disable
// circadian temperature.
func NewLightManager(kelvin KelvinSource, debounce time.Duration) *LightManager {
	if debounce <= 0 {
		debounce = DefaultLightDebounce
	}
	return &LightManager{kelvin: kelvin, debounce: debounce, now: time.Now}
}

// Kelvin returns the current circadian temperature, 0 when unavailable
func (m *LightManager) Kelvin() int {
	if m == nil || m.kelvin == nil {
		return 0
	}
	return m.kelvin.Kelvin()
}

// Plan returns the correction for a light and the light.turn_on/turn_off
// service data that performs it.
func (m *LightManager) Plan(e *hass.Entity, want EntityState) (Action, map[string]any) {
	fresh := !e.LastChanged.IsZero() && m.now().Sub(e.LastChanged) < m.debounce
	actual := observeLight(e, fresh)

	desired := lightDesired{state: want}
	if want.WantsOn() && want.OnlyStateAndBrightness() {
		desired.kelvin = m.Kelvin()
	}

	action := determineLightAction(desired, actual)
	data := map[string]any{"entity_id": e.EntityID}

	switch action {
	case ActionTurnOn, ActionApplyState:
		if want.Brightness != nil {
			data["brightness"] = *want.Brightness
		}
		if len(want.RGBColor) > 0 {
			data["rgb_color"] = want.RGBColor
		}
		if want.Kelvin != nil {
			data["color_temp_kelvin"] = *want.Kelvin
		} else if desired.kelvin > 0 {
			data["color_temp_kelvin"] = desired.kelvin
		}
	case ActionApplyKelvin:
		data["color_temp_kelvin"] = desired.kelvin
	}
	return action, data
}
