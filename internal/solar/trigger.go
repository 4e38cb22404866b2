package solar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/geo"
	"github.com/dokzlo13/duskd/internal/ledger"
	"github.com/dokzlo13/duskd/internal/scheduler"
)

var (
	// ErrNotLoaded is returned while the reference table is empty
	ErrNotLoaded = errors.New("solar reference table not loaded")
	// ErrEventDoesNotOccur is returned when the anchor event is absent today
	ErrEventDoesNotOccur = errors.New("solar event does not occur today")
	// ErrDuplicateTrigger is returned when a labeled trigger with the same
	// event and offset is already registered
	ErrDuplicateTrigger = errors.New("duplicate labeled trigger")
)

// DefaultLookahead is how far ahead a check arms a wait
const DefaultLookahead = time.Hour

// Cron registers recurring jobs
type Cron interface {
	Cron(spec string, fn func()) (scheduler.CancelFunc, error)
}

// FiredLedger remembers fired occurrences across restarts
type FiredLedger interface {
	HasFired(key string) bool
	Append(eventType ledger.EventType, idempotencyKey, source string, payload map[string]any) error
}

// Trigger anchors a callback to a solar event
type Trigger struct {
	Event  geo.Event
	Offset Offset
	// Label names the trigger in logs. Labeled triggers are recorded in the
	// ledger under label, event and offset so an occurrence never fires
	// twice, even across restarts.
	Label string
	// SkipPast drops occurrences whose instant already passed instead of
	// firing them immediately.
	SkipPast bool
	Exec     func(ctx context.Context)
}

// EventScheduler fires triggers once per day at event + offset
type EventScheduler struct {
	table     *ReferenceTable
	cron      Cron
	ledger    FiredLedger
	lookahead time.Duration

	mu   sync.Mutex
	regs map[string]*Registration
}

// NewEventScheduler creates a scheduler reading table. ledger may be nil.
func NewEventScheduler(table *ReferenceTable, cron Cron, l FiredLedger) *EventScheduler {
	return &EventScheduler{
		table:     table,
		cron:      cron,
		ledger:    l,
		lookahead: DefaultLookahead,
		regs:      make(map[string]*Registration),
	}
}

// Registration is an active trigger
type Registration struct {
	id       string
	identity string
	trigger  Trigger
	s        *EventScheduler

	ctx      context.Context
	cancel   context.CancelFunc
	stopCron scheduler.CancelFunc

	mu      sync.Mutex
	removed bool
	pending *pendingFire
	fired   map[string]struct{}

	// execMu is held while the callback runs
	execMu sync.Mutex
}

type pendingFire struct {
	key    string
	target time.Time
	cancel context.CancelFunc
}

// OnEvent registers a trigger. It is checked right away and then every hour
// until Remove is called or ctx is done.
func (s *EventScheduler) OnEvent(ctx context.Context, t Trigger) (*Registration, error) {
	if _, err := geo.ParseEvent(string(t.Event)); err != nil {
		return nil, err
	}
	if t.Exec == nil {
		return nil, fmt.Errorf("trigger on %s: exec is required", t.Event)
	}

	regCtx, cancel := context.WithCancel(ctx)
	r := &Registration{
		id:      uuid.NewString(),
		trigger: t,
		s:       s,
		ctx:     regCtx,
		cancel:  cancel,
		fired:   make(map[string]struct{}),
	}
	r.identity = r.id
	if t.Label != "" {
		r.identity = fmt.Sprintf("%s/%s/%s", t.Label, t.Event, offsetIdentity(t.Offset))
	}

	s.mu.Lock()
	if t.Label != "" {
		for _, other := range s.regs {
			if other.identity == r.identity {
				s.mu.Unlock()
				cancel()
				return nil, fmt.Errorf("%w: %s", ErrDuplicateTrigger, r.identity)
			}
		}
	}
	s.regs[r.id] = r
	s.mu.Unlock()

	stop, err := s.cron.Cron(scheduler.EveryHour, func() { s.check(r) })
	if err != nil {
		s.mu.Lock()
		delete(s.regs, r.id)
		s.mu.Unlock()
		cancel()
		return nil, err
	}
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		stop()
		return nil, fmt.Errorf("trigger on %s: %w", t.Event, context.Canceled)
	}
	r.stopCron = stop
	r.mu.Unlock()

	// Remove on context cancellation releases the cron entry too
	go func() {
		<-regCtx.Done()
		r.Remove()
	}()

	log.Debug().
		Str("id", r.id).
		Str("label", t.Label).
		Str("event", string(t.Event)).
		Msg("Solar trigger registered")

	// Dynamic offsets may call back into their owner, so never check inline
	go s.check(r)

	return r, nil
}

// Len returns the number of active registrations
func (s *EventScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

// CheckAll re-evaluates every registration, e.g. after the table was repopulated
func (s *EventScheduler) CheckAll() {
	s.mu.Lock()
	regs := make([]*Registration, 0, len(s.regs))
	for _, r := range s.regs {
		regs = append(regs, r)
	}
	s.mu.Unlock()

	for _, r := range regs {
		s.check(r)
	}
}

// Close removes every registration
func (s *EventScheduler) Close() {
	s.mu.Lock()
	regs := s.regs
	s.regs = make(map[string]*Registration)
	s.mu.Unlock()

	for _, r := range regs {
		r.Remove()
	}
}

// ID returns the registration id
func (r *Registration) ID() string {
	return r.id
}

// Label returns the trigger label
func (r *Registration) Label() string {
	return r.trigger.Label
}

// Next returns today's target instant for the trigger
func (r *Registration) Next() (time.Time, error) {
	return r.s.target(r.trigger)
}

// Remove cancels the hourly check and any pending wait. The callback is
// never invoked after Remove returns. Remove waits for a callback that is
// already running, so it must not be called from that callback.
func (r *Registration) Remove() {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return
	}
	r.removed = true
	r.disarm()
	stopCron := r.stopCron
	r.mu.Unlock()

	if stopCron != nil {
		stopCron()
	}
	r.cancel()

	r.execMu.Lock()
	r.execMu.Unlock()

	r.s.mu.Lock()
	delete(r.s.regs, r.id)
	r.s.mu.Unlock()

	log.Debug().Str("id", r.id).Str("label", r.trigger.Label).Msg("Solar trigger removed")
}

func (s *EventScheduler) target(t Trigger) (time.Time, error) {
	if !s.table.Loaded() {
		return time.Time{}, ErrNotLoaded
	}
	base, ok := s.table.Get(t.Event)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrEventDoesNotOccur, t.Event)
	}
	offset, err := Resolve(t.Offset)
	if err != nil {
		return time.Time{}, err
	}
	return base.Add(offset), nil
}

// check recomputes today's target and arms a wait when it is due within
// the lookahead window.
func (s *EventScheduler) check(r *Registration) {
	if r.ctx.Err() != nil {
		return
	}

	logger := log.With().Str("id", r.id).Str("label", r.trigger.Label).Str("event", string(r.trigger.Event)).Logger()

	target, err := s.target(r.trigger)
	switch {
	case errors.Is(err, ErrNotLoaded), errors.Is(err, ErrEventDoesNotOccur):
		logger.Debug().Err(err).Msg("Solar trigger skipped")
		r.disarmLocked()
		return
	case err != nil:
		logger.Error().Err(err).Msg("Solar trigger offset could not be resolved")
		r.disarmLocked()
		return
	}

	now := s.table.Now()
	if target.Sub(now) > s.lookahead {
		r.disarmLocked()
		return
	}
	if !target.After(now) && (r.trigger.SkipPast || !sameDay(target, now)) {
		r.disarmLocked()
		return
	}

	key := s.occurrenceKey(r)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed {
		return
	}
	if _, done := r.fired[key]; done {
		return
	}
	if r.trigger.Label != "" && s.ledger != nil && s.ledger.HasFired(key) {
		r.markFired(key)
		return
	}
	if p := r.pending; p != nil {
		if p.key == key && p.target.Equal(target) {
			return
		}
		p.cancel()
	}

	waitCtx, cancel := context.WithCancel(r.ctx)
	p := &pendingFire{key: key, target: target, cancel: cancel}
	r.pending = p

	logger.Debug().Time("at", target).Msg("Solar trigger armed")
	go s.wait(r, waitCtx, p)
}

func (s *EventScheduler) wait(r *Registration, ctx context.Context, p *pendingFire) {
	defer p.cancel()

	if err := scheduler.SleepUntil(ctx, p.target); err != nil {
		return
	}

	r.mu.Lock()
	if r.removed || r.pending != p {
		r.mu.Unlock()
		return
	}
	if _, done := r.fired[p.key]; done {
		r.mu.Unlock()
		return
	}
	r.markFired(p.key)
	r.pending = nil
	r.mu.Unlock()

	s.fire(r, p)
}

func (s *EventScheduler) fire(r *Registration, p *pendingFire) {
	if r.isRemoved() {
		return
	}
	if r.trigger.Label != "" && s.ledger != nil {
		payload := map[string]any{"event": string(r.trigger.Event), "target": p.target.Format(time.RFC3339)}
		if err := s.ledger.Append(ledger.EventTriggerFired, p.key, "solar", payload); err != nil {
			log.Warn().Err(err).Str("key", p.key).Msg("Failed to record trigger firing")
		}
	}

	r.execMu.Lock()
	defer r.execMu.Unlock()
	if r.isRemoved() {
		log.Debug().Str("id", r.id).Str("label", r.trigger.Label).Msg("Solar trigger removed before its callback ran")
		return
	}

	log.Info().
		Str("label", r.trigger.Label).
		Str("event", string(r.trigger.Event)).
		Time("target", p.target).
		Msg("Solar trigger fired")

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("label", r.trigger.Label).Msg("Solar trigger callback panicked")
			if r.trigger.Label != "" && s.ledger != nil {
				payload := map[string]any{"event": string(r.trigger.Event), "panic": fmt.Sprint(rec)}
				if err := s.ledger.Append(ledger.EventTriggerFailed, "", "solar", payload); err != nil {
					log.Warn().Err(err).Str("key", p.key).Msg("Failed to record trigger failure")
				}
			}
		}
	}()
	r.trigger.Exec(r.ctx)
}

// occurrenceKey identifies one day's occurrence of a registration
func (s *EventScheduler) occurrenceKey(r *Registration) string {
	return fmt.Sprintf("%s/%s", r.identity, s.table.Date().Format("2006-01-02"))
}

// offsetIdentity names an offset in ledger keys. Dynamic offsets may move
// during the day, so they share one name.
func offsetIdentity(o Offset) string {
	switch o.(type) {
	case Dynamic:
		return "dynamic"
	case Invalid:
		return "invalid"
	}
	d, err := Resolve(o)
	if err != nil {
		return "invalid"
	}
	return d.String()
}

func (r *Registration) isRemoved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

func (r *Registration) disarmLocked() {
	r.mu.Lock()
	r.disarm()
	r.mu.Unlock()
}

// disarm cancels the pending wait. Must be called with r.mu held.
func (r *Registration) disarm() {
	if r.pending != nil {
		r.pending.cancel()
		r.pending = nil
	}
}

// markFired must be called with r.mu held
func (r *Registration) markFired(key string) {
	if len(r.fired) >= 4 {
		r.fired = make(map[string]struct{})
	}
	r.fired[key] = struct{}{}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}
