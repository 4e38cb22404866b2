// Package circadian derives a color temperature from the sun's position in
// the day.
package circadian

import (
	"math"
	"time"

	"github.com/dokzlo13/duskd/internal/geo"
)

// Table is the subset of the solar reference table used here
type Table interface {
	Get(e geo.Event) (time.Time, bool)
	Now() time.Time
}

// Circadian maps the dawn to dusk window onto a kelvin curve peaking at
// solar noon.
type Circadian struct {
	table Table
	min   int
	max   int
}

// New creates a Circadian between minKelvin and maxKelvin
func New(table Table, minKelvin, maxKelvin int) *Circadian {
	if maxKelvin < minKelvin {
		minKelvin, maxKelvin = maxKelvin, minKelvin
	}
	return &Circadian{table: table, min: minKelvin, max: maxKelvin}
}

// Offset returns the fractional position of now between dawn (0) and
// dusk (1). Outside the window, before the table is loaded, or on days
// without a dawn or dusk it is 0.
func (c *Circadian) Offset() float64 {
	dawn, okDawn := c.table.Get(geo.Dawn)
	dusk, okDusk := c.table.Get(geo.Dusk)
	if !okDawn || !okDusk || !dusk.After(dawn) {
		return 0
	}

	now := c.table.Now()
	if now.Before(dawn) || now.After(dusk) {
		return 0
	}
	return float64(now.Sub(dawn)) / float64(dusk.Sub(dawn))
}

// Kelvin returns the color temperature for now, min at night
func (c *Circadian) Kelvin() int {
	offset := c.Offset()
	k := float64(c.min) + float64(c.max-c.min)*math.Sin(math.Pi*offset)
	return int(math.Round(k))
}

// Range returns the configured bounds
func (c *Circadian) Range() (int, int) {
	return c.min, c.max
}
