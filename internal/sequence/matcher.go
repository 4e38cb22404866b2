// Package sequence fires callbacks when an ordered run of platform event
// values arrives within a timeout.
package sequence

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/hass"
)

// DefaultTimeout bounds the gap between two events of a sequence
const DefaultTimeout = 1500 * time.Millisecond

// Source delivers platform events by type
type Source interface {
	Subscribe(eventType string, h hass.Handler) func()
}

// Reset says whose progress is cleared after a match. The matching
// watcher is always cleared; Labels additionally clear every other
// watcher carrying one of them.
type Reset struct {
	Labels []string
}

// Watch describes one sequence
type Watch struct {
	EventType string
	// Filter rejects events before projection; nil accepts everything
	Filter func(hass.Event) bool
	// Path is a dotted path into the event data, e.g. "new_state.state"
	Path    string
	Match   []string
	Timeout time.Duration
	Label   string
	Reset   Reset
	Exec    func()
}

type watcher struct {
	id       string
	spec     Watch
	progress []string
	timer    *time.Timer
	gen      uint64
}

// Matcher tracks progress of every watcher. Labels are scoped to one Matcher.
type Matcher struct {
	source Source

	mu       sync.Mutex
	byType   map[string]map[string]*watcher
	releases map[string]func()
}

// NewMatcher creates a matcher reading events from source
func NewMatcher(source Source) *Matcher {
	return &Matcher{
		source:   source,
		byType:   make(map[string]map[string]*watcher),
		releases: make(map[string]func()),
	}
}

// Watch registers a sequence. The returned function unregisters it;
// removing the last watcher of an event type releases the subscription.
func (m *Matcher) Watch(spec Watch) (func(), error) {
	if spec.EventType == "" {
		return nil, errors.New("sequence: event type is required")
	}
	if spec.Path == "" {
		return nil, errors.New("sequence: path is required")
	}
	if len(spec.Match) == 0 {
		return nil, errors.New("sequence: match is empty")
	}
	if spec.Exec == nil {
		return nil, errors.New("sequence: exec is required")
	}
	for _, l := range spec.Reset.Labels {
		if strings.TrimSpace(l) == "" {
			return nil, fmt.Errorf("sequence: malformed reset label %q", l)
		}
	}
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}

	w := &watcher{id: uuid.NewString(), spec: spec}

	m.mu.Lock()
	watchers, ok := m.byType[spec.EventType]
	if !ok {
		watchers = make(map[string]*watcher)
		m.byType[spec.EventType] = watchers
	}
	watchers[w.id] = w
	subscribe := !ok
	m.mu.Unlock()

	if subscribe {
		eventType := spec.EventType
		release := m.source.Subscribe(eventType, func(e hass.Event) { m.handle(eventType, e) })
		m.mu.Lock()
		m.releases[eventType] = release
		m.mu.Unlock()
	}

	log.Debug().
		Str("id", w.id).
		Str("label", spec.Label).
		Str("event_type", spec.EventType).
		Strs("match", spec.Match).
		Msg("Sequence watch registered")

	var once sync.Once
	return func() { once.Do(func() { m.unwatch(spec.EventType, w.id) }) }, nil
}

func (m *Matcher) unwatch(eventType, id string) {
	m.mu.Lock()
	watchers := m.byType[eventType]
	if w, ok := watchers[id]; ok {
		w.clear()
		delete(watchers, id)
	}
	var release func()
	if len(watchers) == 0 {
		delete(m.byType, eventType)
		release = m.releases[eventType]
		delete(m.releases, eventType)
	}
	m.mu.Unlock()

	if release != nil {
		release()
		log.Debug().Str("event_type", eventType).Msg("Sequence subscription released")
	}
}

// Len returns the number of watchers
func (m *Matcher) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ws := range m.byType {
		n += len(ws)
	}
	return n
}

// progress returns the accumulated values of watcher id
func (m *Matcher) progress(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ws := range m.byType {
		if w, ok := ws[id]; ok {
			return append([]string(nil), w.progress...)
		}
	}
	return nil
}

func (m *Matcher) handle(eventType string, e hass.Event) {
	var fire []*watcher

	m.mu.Lock()
	for _, w := range m.byType[eventType] {
		if w.spec.Filter != nil && !m.accepts(w, e) {
			continue
		}
		value, ok := Project(e.Data, w.spec.Path)
		if !ok {
			continue
		}

		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.progress = append(w.progress, value)

		if equal(w.progress, w.spec.Match) {
			fire = append(fire, w)
			w.progress = nil
			m.resetLabels(eventType, w)
		}
		m.arm(w)
	}
	m.mu.Unlock()

	for _, w := range fire {
		log.Info().Str("label", w.spec.Label).Strs("match", w.spec.Match).Msg("Sequence matched")
		invoke(w)
	}
}

func (m *Matcher) accepts(w *watcher, e hass.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("label", w.spec.Label).Msg("Sequence filter panicked")
			ok = false
		}
	}()
	return w.spec.Filter(e)
}

// resetLabels clears every watcher sharing a reset label with w. Must hold m.mu.
func (m *Matcher) resetLabels(eventType string, w *watcher) {
	if len(w.spec.Reset.Labels) == 0 {
		return
	}
	labels := make(map[string]bool, len(w.spec.Reset.Labels))
	for _, l := range w.spec.Reset.Labels {
		labels[l] = true
	}
	for _, ws := range m.byType {
		for _, other := range ws {
			if other != w && labels[other.spec.Label] {
				other.clear()
			}
		}
	}
}

// arm starts the inactivity timeout. Must hold m.mu.
func (m *Matcher) arm(w *watcher) {
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.spec.Timeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if w.gen != gen {
			return
		}
		w.progress = nil
		w.timer = nil
	})
}

func (w *watcher) clear() {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.progress = nil
}

func invoke(w *watcher) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("label", w.spec.Label).Msg("Sequence callback panicked")
		}
	}()
	w.spec.Exec()
}

// Project follows a dotted path through nested maps and renders the value
func Project(data map[string]any, path string) (string, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	if cur == nil {
		return "", false
	}
	return fmt.Sprint(cur), true
}

func equal(a, b []string) bool {
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
