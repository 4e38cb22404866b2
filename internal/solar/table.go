// Package solar keeps today's solar reference table and schedules callbacks
// anchored to its events.
package solar

import (
	"sync"
	"time"

	"github.com/dokzlo13/duskd/internal/geo"
)

// Source computes the events of one calendar day
type Source interface {
	Times(date time.Time, loc geo.Location) geo.Times
}

// Snapshot is a consistent copy of the table
type Snapshot struct {
	Loaded   bool         `json:"loaded"`
	Date     string       `json:"date,omitempty"`
	Location geo.Location `json:"location"`
	Times    geo.Times    `json:"times,omitempty"`
}

// ReferenceTable holds the solar events of the current day. It is populated
// atomically: readers see either the previous table or the new one.
type ReferenceTable struct {
	source Source
	tz     *time.Location
	now    func() time.Time

	mu       sync.RWMutex
	loaded   bool
	location geo.Location
	date     time.Time
	times    geo.Times
}

// NewReferenceTable creates an empty table evaluating days in tz
func NewReferenceTable(source Source, tz *time.Location) *ReferenceTable {
	if tz == nil {
		tz = time.UTC
	}
	return &ReferenceTable{
		source: source,
		tz:     tz,
		now:    time.Now,
	}
}

// Populate recomputes every event for date's calendar day at loc
func (t *ReferenceTable) Populate(date time.Time, loc geo.Location) {
	day := date.In(t.tz)
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, t.tz)
	times := t.source.Times(day, loc)

	t.mu.Lock()
	t.loaded = true
	t.location = loc
	t.date = day
	t.times = times
	t.mu.Unlock()
}

// Refresh repopulates today's table from the last used location.
// Returns false if the table was never populated.
func (t *ReferenceTable) Refresh() bool {
	t.mu.RLock()
	loaded, loc := t.loaded, t.location
	t.mu.RUnlock()

	if !loaded {
		return false
	}
	t.Populate(t.now(), loc)
	return true
}

// Loaded reports whether the table was populated at least once
func (t *ReferenceTable) Loaded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loaded
}

// Location returns the coordinates of the last population
func (t *ReferenceTable) Location() (geo.Location, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.location, t.loaded
}

// Date returns the calendar day the table describes
func (t *ReferenceTable) Date() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.date
}

// Get returns the instant of e. The second value is false when the table
// is not loaded or e does not occur today.
func (t *ReferenceTable) Get(e geo.Event) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.loaded {
		return time.Time{}, false
	}
	ts, ok := t.times[e]
	return ts, ok
}

// Snapshot returns a copy of the whole table
func (t *ReferenceTable) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{Loaded: t.loaded, Location: t.location}
	if !t.loaded {
		return snap
	}
	snap.Date = t.date.Format("2006-01-02")
	snap.Times = make(geo.Times, len(t.times))
	for e, ts := range t.times {
		snap.Times[e] = ts
	}
	return snap
}

// IsBetween reports whether now lies strictly between a and b, in either order.
func (t *ReferenceTable) IsBetween(a, b geo.Event) bool {
	ta, okA := t.Get(a)
	tb, okB := t.Get(b)
	if !okA || !okB {
		return false
	}

	lo, hi := ta, tb
	if hi.Before(lo) {
		lo, hi = hi, lo
	}
	now := t.now()
	return now.After(lo) && now.Before(hi)
}

// IsBefore reports whether now is before e
func (t *ReferenceTable) IsBefore(e geo.Event) bool {
	ts, ok := t.Get(e)
	return ok && t.now().Before(ts)
}

// IsAfter reports whether now is after e
func (t *ReferenceTable) IsAfter(e geo.Event) bool {
	ts, ok := t.Get(e)
	return ok && t.now().After(ts)
}

// Now returns the current time in the table's timezone
func (t *ReferenceTable) Now() time.Time {
	return t.now().In(t.tz)
}
