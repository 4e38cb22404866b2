package solar

import (
	"sync"
	"time"

	"github.com/dokzlo13/duskd/internal/eventbus"
	"github.com/dokzlo13/duskd/internal/geo"
	"github.com/dokzlo13/duskd/internal/ledger"
	"github.com/dokzlo13/duskd/internal/scheduler"
)

// fakeSource returns preset times, optionally derived from the location
type fakeSource struct {
	mu    sync.Mutex
	times geo.Times
	fn    func(loc geo.Location) geo.Times
	calls int
}

func (f *fakeSource) Times(_ time.Time, loc geo.Location) geo.Times {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fn != nil {
		return f.fn(loc)
	}
	out := make(geo.Times, len(f.times))
	for e, t := range f.times {
		out[e] = t
	}
	return out
}

func (f *fakeSource) set(times geo.Times) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times = times
}

// fakeCron records jobs and runs them on tick
type fakeCron struct {
	mu   sync.Mutex
	next int
	jobs map[int]func()
}

func newFakeCron() *fakeCron {
	return &fakeCron{jobs: make(map[int]func())}
}

func (c *fakeCron) Cron(_ string, fn func()) (scheduler.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	c.jobs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.jobs, id)
	}, nil
}

func (c *fakeCron) tick() {
	c.mu.Lock()
	jobs := make([]func(), 0, len(c.jobs))
	for _, fn := range c.jobs {
		jobs = append(jobs, fn)
	}
	c.mu.Unlock()
	for _, fn := range jobs {
		fn()
	}
}

func (c *fakeCron) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// fakeLedger is an in-memory FiredLedger
type fakeLedger struct {
	mu       sync.Mutex
	fired    map[string]bool
	failures []map[string]any
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{fired: make(map[string]bool)}
}

func (l *fakeLedger) HasFired(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired[key]
}

func (l *fakeLedger) Append(eventType ledger.EventType, key, _ string, payload map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch eventType {
	case ledger.EventTriggerFired:
		l.fired[key] = true
	case ledger.EventTriggerFailed:
		l.failures = append(l.failures, payload)
	}
	return nil
}

func (l *fakeLedger) failed() []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]map[string]any(nil), l.failures...)
}

// recordingPublisher collects published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(e eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) all() []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eventbus.Event(nil), p.events...)
}

// relativeTimes builds a chronologically ordered table around now
func relativeTimes(now time.Time) geo.Times {
	return geo.Times{
		geo.NightEnd:    now.Add(-6 * time.Hour),
		geo.Dawn:        now.Add(-5 * time.Hour),
		geo.Sunrise:     now.Add(-4 * time.Hour),
		geo.SunriseEnd:  now.Add(-4*time.Hour + 3*time.Minute),
		geo.SolarNoon:   now.Add(-30 * time.Minute),
		geo.SunsetStart: now.Add(3 * time.Hour),
		geo.Sunset:      now.Add(3*time.Hour + 3*time.Minute),
		geo.Dusk:        now.Add(4 * time.Hour),
		geo.NightStart:  now.Add(5 * time.Hour),
	}
}

func loadedTable(times geo.Times) (*ReferenceTable, *fakeSource) {
	src := &fakeSource{times: times}
	table := NewReferenceTable(src, time.Local)
	table.Populate(time.Now(), geo.Location{Latitude: 50, Longitude: 10})
	return table, src
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
