package scene

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dokzlo13/duskd/internal/eventbus"
	"github.com/dokzlo13/duskd/internal/hass"
	"github.com/dokzlo13/duskd/internal/scheduler"
)

type serviceCall struct {
	domain  string
	service string
	data    map[string]any
}

// fakePlatform is an in-memory platform recording service calls
type fakePlatform struct {
	mu        sync.Mutex
	entities  map[string]*hass.Entity
	calls     []serviceCall
	connected bool
	fail      error
}

func newFakePlatform(entities ...*hass.Entity) *fakePlatform {
	p := &fakePlatform{entities: make(map[string]*hass.Entity), connected: true}
	for _, e := range entities {
		p.entities[e.EntityID] = e
	}
	return p
}

func (p *fakePlatform) Entity(id string) (*hass.Entity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entities[id]
	return e, ok
}

func (p *fakePlatform) CallService(_ context.Context, domain, service string, data map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, serviceCall{domain, service, data})
	return p.fail
}

func (p *fakePlatform) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePlatform) recorded() []serviceCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]serviceCall(nil), p.calls...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recordingPublisher) Publish(e eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) all() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...)
}

type fixedKelvin int

func (k fixedKelvin) Kelvin() int { return int(k) }

type fakeCron struct {
	mu    sync.Mutex
	specs []string
	every []time.Duration
	jobs  []func()
}

func (c *fakeCron) Cron(spec string, fn func()) (scheduler.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs = append(c.specs, spec)
	c.jobs = append(c.jobs, fn)
	return func() {}, nil
}

func (c *fakeCron) Every(d time.Duration, fn func()) (scheduler.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.every = append(c.every, d)
	c.jobs = append(c.jobs, fn)
	return func() {}, nil
}

func (c *fakeCron) tick() {
	c.mu.Lock()
	jobs := append([]func(){}, c.jobs...)
	c.mu.Unlock()
	for _, fn := range jobs {
		fn()
	}
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string][]hass.Handler
}

func (s *fakeSubscriber) Subscribe(eventType string, h hass.Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[string][]hass.Handler)
	}
	s.handlers[eventType] = append(s.handlers[eventType], h)
	return func() {}
}

func (s *fakeSubscriber) emit(e hass.Event) {
	s.mu.Lock()
	hs := append([]hass.Handler(nil), s.handlers[e.EventType]...)
	s.mu.Unlock()
	for _, h := range hs {
		h(e)
	}
}

func entity(id, state string, attrs map[string]any) *hass.Entity {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return &hass.Entity{EntityID: id, State: state, Attributes: attrs, LastChanged: time.Now().Add(-time.Hour)}
}

func intPtr(n int) *int { return &n }

func boolPtr(b bool) *bool { return &b }

var errCallFailed = errors.New("call failed")

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
