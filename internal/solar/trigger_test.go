package solar

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dokzlo13/duskd/internal/geo"
	"github.com/dokzlo13/duskd/internal/ledger"
)

func TestOnEvent_SolarNoonFiresOnTime(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.SolarNoon] = now.Add(300 * time.Millisecond)
	table, _ := loadedTable(times)
	cron := newFakeCron()
	s := NewEventScheduler(table, cron, nil)

	fired := make(chan time.Time, 1)
	r, err := s.OnEvent(context.Background(), Trigger{
		Event: geo.SolarNoon,
		Exec:  func(context.Context) { fired <- time.Now() },
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	defer r.Remove()

	select {
	case at := <-fired:
		if diff := at.Sub(times[geo.SolarNoon]); diff < -time.Second || diff > time.Second {
			t.Errorf("fired %v away from solarNoon, want within 1s", diff)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("trigger did not fire")
	}
}

func TestOnEvent_RemoveBeforeFire(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.Sunset] = now.Add(300 * time.Millisecond)
	table, _ := loadedTable(times)
	cron := newFakeCron()
	s := NewEventScheduler(table, cron, nil)

	var calls atomic.Int32
	r, err := s.OnEvent(context.Background(), Trigger{
		Event: geo.Sunset,
		Exec:  func(context.Context) { calls.Add(1) },
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}

	// Let the initial check arm its wait before removing
	armed := waitFor(time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.pending != nil
	})
	if !armed {
		t.Fatal("wait was never armed")
	}

	r.Remove()
	r.Remove()

	time.Sleep(600 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("callback invoked %d times after Remove", n)
	}
	if n := cron.len(); n != 0 {
		t.Errorf("cron entries = %d after Remove, want 0", n)
	}
	if n := s.Len(); n != 0 {
		t.Errorf("registrations = %d after Remove, want 0", n)
	}
}

func TestOnEvent_NegativeOffsetFiresEarlier(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.Sunset] = now.Add(30*time.Minute + 200*time.Millisecond)
	table, _ := loadedTable(times)
	s := NewEventScheduler(table, newFakeCron(), nil)

	fired := make(chan struct{}, 1)
	r, err := s.OnEvent(context.Background(), Trigger{
		Event:  geo.Sunset,
		Offset: UnitTuple{-30, UnitMinutes},
		Exec:   func(context.Context) { fired <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	defer r.Remove()

	next, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !next.Before(times[geo.Sunset]) {
		t.Errorf("Next() = %v, want before sunset %v", next, times[geo.Sunset])
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger with negative offset did not fire")
	}
}

func TestOnEvent_HourlyCheckPicksUpLaterTarget(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.Dusk] = now.Add(3 * time.Hour)
	table, src := loadedTable(times)
	cron := newFakeCron()
	s := NewEventScheduler(table, cron, nil)

	var calls atomic.Int32
	r, err := s.OnEvent(context.Background(), Trigger{
		Event: geo.Dusk,
		Exec:  func(context.Context) { calls.Add(1) },
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	defer r.Remove()

	time.Sleep(100 * time.Millisecond)
	r.mu.Lock()
	pending := r.pending
	r.mu.Unlock()
	if pending != nil || calls.Load() != 0 {
		t.Fatal("trigger more than an hour away must not be armed")
	}

	// The next hourly check sees a table where dusk is imminent
	times[geo.Dusk] = time.Now().Add(100 * time.Millisecond)
	src.set(times)
	table.Refresh()
	cron.tick()

	if !waitFor(2*time.Second, func() bool { return calls.Load() == 1 }) {
		t.Fatalf("calls = %d, want 1 after hourly check", calls.Load())
	}

	// Further checks the same day never fire the occurrence again
	cron.tick()
	cron.tick()
	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d after repeated checks, want 1", n)
	}
}

func TestOnEvent_PastOccurrence(t *testing.T) {
	tests := []struct {
		name     string
		offset   time.Duration
		skipPast bool
		want     int32
	}{
		{"past today fires immediately", -time.Second, false, 1},
		{"past today skipped with SkipPast", -time.Second, true, 0},
		{"previous day never fires", -36 * time.Hour, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Now()
			if y, m, d := now.Add(-2 * time.Second).Date(); y != now.Year() || m != now.Month() || d != now.Day() {
				t.Skip("too close to midnight")
			}
			times := relativeTimes(now)
			times[geo.Dawn] = now.Add(tt.offset)
			table, _ := loadedTable(times)
			s := NewEventScheduler(table, newFakeCron(), nil)

			var calls atomic.Int32
			r, err := s.OnEvent(context.Background(), Trigger{
				Event:    geo.Dawn,
				SkipPast: tt.skipPast,
				Exec:     func(context.Context) { calls.Add(1) },
			})
			if err != nil {
				t.Fatalf("OnEvent() error = %v", err)
			}
			defer r.Remove()

			waitFor(300*time.Millisecond, func() bool { return calls.Load() > 0 })
			if n := calls.Load(); n != tt.want {
				t.Errorf("calls = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestOnEvent_LabeledDedupeAcrossRestart(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.Sunrise] = now.Add(50 * time.Millisecond)
	l := newFakeLedger()

	var calls atomic.Int32
	register := func() *Registration {
		table, _ := loadedTable(times)
		s := NewEventScheduler(table, newFakeCron(), l)
		r, err := s.OnEvent(context.Background(), Trigger{
			Event: geo.Sunrise,
			Label: "porch",
			Exec:  func(context.Context) { calls.Add(1) },
		})
		if err != nil {
			t.Fatalf("OnEvent() error = %v", err)
		}
		return r
	}

	first := register()
	if !waitFor(2*time.Second, func() bool { return calls.Load() == 1 }) {
		t.Fatal("first registration did not fire")
	}
	first.Remove()

	// A fresh scheduler sharing the ledger represents a restart
	second := register()
	defer second.Remove()
	time.Sleep(200 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d after restart, want 1", n)
	}
}

func TestOnEvent_IndependentRegistrations(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.Sunset] = now.Add(200 * time.Millisecond)
	table, _ := loadedTable(times)
	s := NewEventScheduler(table, newFakeCron(), nil)

	var early, late atomic.Int32
	r1, _ := s.OnEvent(context.Background(), Trigger{
		Event: geo.Sunset,
		Exec:  func(context.Context) { early.Add(1) },
	})
	r2, _ := s.OnEvent(context.Background(), Trigger{
		Event:  geo.Sunset,
		Offset: Milliseconds(200),
		Exec:   func(context.Context) { late.Add(1) },
	})
	defer r2.Remove()

	if !waitFor(time.Second, func() bool { return early.Load() == 1 }) {
		t.Fatal("first registration did not fire")
	}
	r1.Remove()

	if !waitFor(time.Second, func() bool { return late.Load() == 1 }) {
		t.Fatal("removing one registration must not cancel another")
	}
}

func TestOnEvent_Degenerate(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	delete(times, geo.NightStart)
	table, _ := loadedTable(times)
	s := NewEventScheduler(table, newFakeCron(), nil)

	var calls atomic.Int32
	r, err := s.OnEvent(context.Background(), Trigger{
		Event: geo.NightStart,
		Exec:  func(context.Context) { calls.Add(1) },
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	defer r.Remove()

	if _, err := r.Next(); !errors.Is(err, ErrEventDoesNotOccur) {
		t.Errorf("Next() error = %v, want ErrEventDoesNotOccur", err)
	}
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("trigger fired for an event that does not occur")
	}
}

func TestOnEvent_MalformedOffsetIsNoop(t *testing.T) {
	table, _ := loadedTable(relativeTimes(time.Now()))
	cron := newFakeCron()
	s := NewEventScheduler(table, cron, nil)

	var calls atomic.Int32
	r, err := s.OnEvent(context.Background(), Trigger{
		Event:  geo.Dawn,
		Offset: ISOPartial("whenever"),
		Exec:   func(context.Context) { calls.Add(1) },
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	defer r.Remove()

	cron.tick()
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("trigger with malformed offset fired")
	}
	if cron.len() != 1 {
		t.Error("registration must stay active after a malformed cycle")
	}
}

func TestOnEvent_Validation(t *testing.T) {
	table, _ := loadedTable(relativeTimes(time.Now()))
	s := NewEventScheduler(table, newFakeCron(), nil)

	if _, err := s.OnEvent(context.Background(), Trigger{Event: "brunch", Exec: func(context.Context) {}}); err == nil {
		t.Error("OnEvent(unknown event) error = nil")
	}
	if _, err := s.OnEvent(context.Background(), Trigger{Event: geo.Dawn}); err == nil {
		t.Error("OnEvent(nil exec) error = nil")
	}
}

func TestOnEvent_ContextCancelRemoves(t *testing.T) {
	table, _ := loadedTable(relativeTimes(time.Now()))
	cron := newFakeCron()
	s := NewEventScheduler(table, cron, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := s.OnEvent(ctx, Trigger{Event: geo.Dusk, Exec: func(context.Context) {}}); err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	cancel()

	if !waitFor(time.Second, func() bool { return s.Len() == 0 && cron.len() == 0 }) {
		t.Error("registration not released after context cancellation")
	}
}

func TestBroadcast(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.SunsetStart] = now.Add(100 * time.Millisecond)
	table, _ := loadedTable(times)
	s := NewEventScheduler(table, newFakeCron(), nil)
	pub := &recordingPublisher{}

	regs, err := Broadcast(context.Background(), s, pub)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	defer s.Close()

	if len(regs) != len(geo.Events) {
		t.Fatalf("registrations = %d, want %d", len(regs), len(geo.Events))
	}

	if !waitFor(2*time.Second, func() bool { return len(pub.all()) == 1 }) {
		t.Fatalf("published %d events, want 1", len(pub.all()))
	}
	time.Sleep(100 * time.Millisecond)

	events := pub.all()
	if len(events) != 1 || events[0].Data["event"] != string(geo.SunsetStart) {
		t.Errorf("published %+v, want only sunsetStart (past instants are not replayed)", events)
	}
}

func TestOnEvent_SharedLabelIndependent(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.Sunset] = now.Add(100 * time.Millisecond)
	times[geo.NightStart] = now.Add(200 * time.Millisecond)
	table, _ := loadedTable(times)
	s := NewEventScheduler(table, newFakeCron(), newFakeLedger())

	var first, later, night atomic.Int32
	r1, err := s.OnEvent(context.Background(), Trigger{
		Event: geo.Sunset,
		Label: "porch",
		Exec:  func(context.Context) { first.Add(1) },
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	defer r1.Remove()

	if !waitFor(time.Second, func() bool { return first.Load() == 1 }) {
		t.Fatal("first registration did not fire")
	}

	// Registered after the first one fired and recorded its occurrence
	r2, err := s.OnEvent(context.Background(), Trigger{
		Event:  geo.Sunset,
		Offset: Milliseconds(800),
		Label:  "porch",
		Exec:   func(context.Context) { later.Add(1) },
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	defer r2.Remove()
	r3, err := s.OnEvent(context.Background(), Trigger{
		Event: geo.NightStart,
		Label: "porch",
		Exec:  func(context.Context) { night.Add(1) },
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	defer r3.Remove()

	if !waitFor(2*time.Second, func() bool { return later.Load() == 1 && night.Load() == 1 }) {
		t.Errorf("first=%d later=%d night=%d, want 1 each", first.Load(), later.Load(), night.Load())
	}
}

func TestOnEvent_DuplicateLabeledTrigger(t *testing.T) {
	table, _ := loadedTable(relativeTimes(time.Now()))
	s := NewEventScheduler(table, newFakeCron(), nil)
	defer s.Close()

	trigger := Trigger{
		Event:  geo.Dusk,
		Offset: UnitTuple{-10, UnitMinutes},
		Label:  "porch",
		Exec:   func(context.Context) {},
	}
	if _, err := s.OnEvent(context.Background(), trigger); err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}

	// The same offset written another way is the same trigger
	trigger.Offset = ISOPartial("-10M")
	if _, err := s.OnEvent(context.Background(), trigger); !errors.Is(err, ErrDuplicateTrigger) {
		t.Errorf("OnEvent(duplicate) error = %v, want ErrDuplicateTrigger", err)
	}
	if n := s.Len(); n != 1 {
		t.Errorf("registrations = %d, want 1", n)
	}

	// Unlabeled triggers are never duplicates
	trigger.Label = ""
	for i := 0; i < 2; i++ {
		if _, err := s.OnEvent(context.Background(), trigger); err != nil {
			t.Errorf("OnEvent(unlabeled) error = %v", err)
		}
	}
}

// blockingLedger holds Append until released
type blockingLedger struct {
	entered chan struct{}
	release chan struct{}
}

func (l *blockingLedger) HasFired(string) bool { return false }

func (l *blockingLedger) Append(ledger.EventType, string, string, map[string]any) error {
	select {
	case l.entered <- struct{}{}:
	default:
	}
	<-l.release
	return nil
}

func TestOnEvent_RemoveWhileFiring(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.Sunset] = now.Add(50 * time.Millisecond)
	table, _ := loadedTable(times)
	l := &blockingLedger{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewEventScheduler(table, newFakeCron(), l)

	var calls atomic.Int32
	r, err := s.OnEvent(context.Background(), Trigger{
		Event: geo.Sunset,
		Label: "porch",
		Exec:  func(context.Context) { calls.Add(1) },
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}

	select {
	case <-l.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never started firing")
	}

	r.Remove()
	atRemove := calls.Load()
	close(l.release)
	time.Sleep(100 * time.Millisecond)

	if atRemove != 0 || calls.Load() != 0 {
		t.Errorf("calls at Remove = %d, afterwards = %d, want 0", atRemove, calls.Load())
	}
}

func TestOnEvent_RemoveWaitsForRunningCallback(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.Sunset] = now.Add(50 * time.Millisecond)
	table, _ := loadedTable(times)
	s := NewEventScheduler(table, newFakeCron(), nil)

	started := make(chan struct{})
	var done atomic.Bool
	r, err := s.OnEvent(context.Background(), Trigger{
		Event: geo.Sunset,
		Exec: func(context.Context) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			done.Store(true)
		},
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never started")
	}
	r.Remove()
	if !done.Load() {
		t.Error("Remove returned while the callback was still running")
	}
}

func TestOnEvent_DynamicOffsetMovedAwayDisarms(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.Sunset] = now
	table, _ := loadedTable(times)
	cron := newFakeCron()
	s := NewEventScheduler(table, cron, nil)

	var offsetMs atomic.Int64
	offsetMs.Store(300)
	var calls atomic.Int32
	r, err := s.OnEvent(context.Background(), Trigger{
		Event:  geo.Sunset,
		Offset: Dynamic(func() Offset { return Milliseconds(offsetMs.Load()) }),
		Exec:   func(context.Context) { calls.Add(1) },
	})
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	defer r.Remove()

	armed := waitFor(time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.pending != nil
	})
	if !armed {
		t.Fatal("wait was never armed")
	}

	offsetMs.Store((2 * time.Hour).Milliseconds())
	cron.tick()

	time.Sleep(500 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("calls = %d, want 0 after the target moved out of the window", n)
	}
	r.mu.Lock()
	pending := r.pending
	r.mu.Unlock()
	if pending != nil {
		t.Error("stale wait still armed")
	}
}

func TestOnEvent_PanicRecordedAsFailure(t *testing.T) {
	now := time.Now()
	times := relativeTimes(now)
	times[geo.Dusk] = now.Add(200 * time.Millisecond)
	table, _ := loadedTable(times)
	l := newFakeLedger()
	s := NewEventScheduler(table, newFakeCron(), l)
	defer s.Close()

	if _, err := s.OnEvent(context.Background(), Trigger{
		Event: geo.Dusk,
		Label: "blinds",
		Exec:  func(context.Context) { panic("boom") },
	}); err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}

	if !waitFor(3*time.Second, func() bool { return len(l.failed()) == 1 }) {
		t.Fatalf("failures = %v, want one recorded panic", l.failed())
	}
	failure := l.failed()[0]
	if failure["event"] != "dusk" || failure["panic"] != "boom" {
		t.Errorf("failure payload = %v", failure)
	}
	if key := "blinds/dusk/0s/" + table.Date().Format("2006-01-02"); !l.HasFired(key) {
		t.Errorf("HasFired(%q) = false, want the firing recorded", key)
	}
}
