// Package geo computes daily solar event instants for a location using the
// NOAA sunrise equation.
package geo

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Event is a named daily solar instant
type Event string

const (
	NightEnd    Event = "nightEnd"
	Dawn        Event = "dawn"
	Sunrise     Event = "sunrise"
	SunriseEnd  Event = "sunriseEnd"
	SolarNoon   Event = "solarNoon"
	SunsetStart Event = "sunsetStart"
	Sunset      Event = "sunset"
	Dusk        Event = "dusk"
	NightStart  Event = "nightStart"
)

// Events lists all solar events in chronological order
var Events = []Event{NightEnd, Dawn, Sunrise, SunriseEnd, SolarNoon, SunsetStart, Sunset, Dusk, NightStart}

// threshold is the sun's depression below the horizon at which an event happens
type threshold struct {
	rising  bool
	degrees float64
}

var thresholds = map[Event]threshold{
	NightEnd:    {rising: true, degrees: 18},
	Dawn:        {rising: true, degrees: 6},
	Sunrise:     {rising: true, degrees: 0.833},
	SunriseEnd:  {rising: true, degrees: 0.3},
	SunsetStart: {rising: false, degrees: 0.3},
	Sunset:      {rising: false, degrees: 0.833},
	Dusk:        {rising: false, degrees: 6},
	NightStart:  {rising: false, degrees: 18},
}

// ParseEvent resolves an event name case-insensitively. "noon" is accepted
// as an alias for solarNoon.
func ParseEvent(name string) (Event, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "noon" {
		return SolarNoon, nil
	}
	for _, e := range Events {
		if strings.ToLower(string(e)) == n {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown solar event: %q", name)
}

// Location is a pair of geographic coordinates in degrees (east positive)
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Times maps events to instants. An event missing from the map does not
// occur on that day (polar day or night).
type Times map[Event]time.Time

// Compute returns all events for the calendar day of date, in date's location.
func Compute(date time.Time, loc Location) Times {
	tz := date.Location()
	jd := toJulianDay(date) + 0.5 // the sunrise equation expects JD at noon
	sp := newSolarPosition(jd, loc.Longitude)

	times := make(Times, len(Events))
	times[SolarNoon] = julianToTime(sp.transit, tz)

	for e, th := range thresholds {
		if jt, ok := sp.crossing(loc.Latitude, -th.degrees, th.rising); ok {
			times[e] = julianToTime(jt, tz)
		}
	}
	return times
}

// solarPosition holds the intermediate values shared by all events of one day
type solarPosition struct {
	transit float64 // Julian date of solar noon
	dec     float64 // declination, radians
}

func newSolarPosition(jd, lon float64) solarPosition {
	n := jd - 2451545.0 + 0.0008

	// Mean solar noon
	jStar := n - lon/360.0

	// Solar mean anomaly
	m := math.Mod(357.5291+0.98560028*jStar, 360.0)
	mRad := m * math.Pi / 180.0

	// Equation of center
	c := 1.9148*math.Sin(mRad) + 0.02*math.Sin(2*mRad) + 0.0003*math.Sin(3*mRad)

	// Ecliptic longitude
	lambda := math.Mod(m+c+180+102.9372, 360.0)
	lambdaRad := lambda * math.Pi / 180.0

	return solarPosition{
		transit: 2451545.0 + jStar + 0.0053*math.Sin(mRad) - 0.0069*math.Sin(2*lambdaRad),
		dec:     math.Asin(math.Sin(lambdaRad) * math.Sin(23.44*math.Pi/180.0)),
	}
}

// crossing returns the Julian date at which the sun passes the given
// elevation, or false when it never does that day.
func (sp solarPosition) crossing(lat, elevation float64, rising bool) (float64, bool) {
	latRad := lat * math.Pi / 180.0
	elRad := elevation * math.Pi / 180.0

	cosOmega := (math.Sin(elRad) - math.Sin(latRad)*math.Sin(sp.dec)) / (math.Cos(latRad) * math.Cos(sp.dec))
	if math.IsNaN(cosOmega) || cosOmega > 1 || cosOmega < -1 {
		return 0, false
	}

	omega := math.Acos(cosOmega) * 180.0 / math.Pi
	if rising {
		return sp.transit - omega/360.0, true
	}
	return sp.transit + omega/360.0, true
}

// toJulianDay converts a calendar date to the Julian day number at midnight
func toJulianDay(t time.Time) float64 {
	y := float64(t.Year())
	m := float64(t.Month())
	d := float64(t.Day())

	if m <= 2 {
		y--
		m += 12
	}

	a := math.Floor(y / 100)
	b := 2 - a + math.Floor(a/4)

	return math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + d + b - 1524.5
}

func julianToTime(jd float64, tz *time.Location) time.Time {
	ms := math.Round((jd - 2440587.5) * 86400000.0)
	return time.UnixMilli(int64(ms)).In(tz)
}

// Calculator caches computed days per location
type Calculator struct {
	mu    sync.RWMutex
	cache map[string]Times
}

// NewCalculator creates a new solar calculator
func NewCalculator() *Calculator {
	return &Calculator{cache: make(map[string]Times)}
}

// Times returns the events of date's calendar day. The result is a copy
// and may be modified by the caller.
func (c *Calculator) Times(date time.Time, loc Location) Times {
	key := fmt.Sprintf("%.4f,%.4f,%s,%s", loc.Latitude, loc.Longitude, date.Format("2006-01-02"), date.Location())

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()

	if !ok {
		cached = Compute(date, loc)
		c.mu.Lock()
		if len(c.cache) > 64 {
			c.cache = make(map[string]Times)
		}
		c.cache[key] = cached
		c.mu.Unlock()
	}

	out := make(Times, len(cached))
	for e, t := range cached {
		out[e] = t
	}
	return out
}
