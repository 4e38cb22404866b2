package scene

import (
	"github.com/dokzlo13/duskd/internal/hass"
)

// Action represents what correction a light needs.
type Action int

const (
	ActionNone Action = iota
	ActionTurnOn
	ActionTurnOff
	ActionApplyState
	ActionApplyKelvin
)

// String returns the adjustment type reported for the action.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionTurnOn:
		return "light_on"
	case ActionTurnOff:
		return "light_off"
	case ActionApplyState:
		return "light_state"
	case ActionApplyKelvin:
		return "light_kelvin"
	default:
		return "unknown"
	}
}

// Tolerances below which a light counts as matching
const (
	brightnessTolerance = 2
	kelvinTolerance     = 100
)

// lightDesired is the resolved target for one light
type lightDesired struct {
	state  EntityState
	kelvin int // circadian target, 0 when not applicable
}

// lightActual is the observed state of one light
type lightActual struct {
	on         bool
	brightness int
	hasBright  bool
	kelvin     int
	rgb        []int
	fresh      bool // changed within the debounce window
}

func observeLight(e *hass.Entity, fresh bool) lightActual {
	a := lightActual{on: e.State == hass.StateOn, fresh: fresh}
	a.brightness, a.hasBright = e.IntAttribute("brightness")
	a.kelvin, _ = e.IntAttribute("color_temp_kelvin")
	if raw, ok := e.Attributes["rgb_color"].([]any); ok {
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				a.rgb = append(a.rgb, int(f))
			}
		}
	}
	return a
}

// determineLightAction is the core decision for light enforcement. A light
// that changed within the debounce window keeps its brightness and color
// but still receives the circadian temperature.
func determineLightAction(desired lightDesired, actual lightActual) Action {
	if !desired.state.WantsOn() {
		if actual.on {
			return ActionTurnOff
		}
		return ActionNone
	}

	if !actual.on {
		return ActionTurnOn
	}

	if !actual.fresh && stateDrifted(desired.state, actual) {
		return ActionApplyState
	}
	if desired.kelvin > 0 && abs(actual.kelvin-desired.kelvin) > kelvinTolerance {
		return ActionApplyKelvin
	}
	return ActionNone
}

func stateDrifted(want EntityState, actual lightActual) bool {
	if want.Brightness != nil {
		if !actual.hasBright || abs(actual.brightness-*want.Brightness) > brightnessTolerance {
			return true
		}
	}
	if len(want.RGBColor) > 0 && !equalInts(want.RGBColor, actual.rgb) {
		return true
	}
	if want.Kelvin != nil && abs(actual.kelvin-*want.Kelvin) > kelvinTolerance {
		return true
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
