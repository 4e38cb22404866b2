// Package scheduler provides the recurring and one-shot timing primitives:
// cron registrations with cancel handles and a cancellable sleep.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Common schedules (six-field, seconds first)
const (
	EveryHour       = "0 0 * * * *"
	Every30Seconds  = "*/30 * * * * *"
	Every10Minutes  = "0 */10 * * * *"
	DailyAtMidnight = "0 0 0 * * *"
)

// CancelFunc removes a registration. Safe to call more than once.
type CancelFunc func()

// Scheduler runs cron jobs in a fixed timezone
type Scheduler struct {
	cron *cron.Cron
	tz   *time.Location

	mu      sync.Mutex
	started bool
}

// New creates a scheduler evaluating cron specs in tz
func New(tz *time.Location) *Scheduler {
	if tz == nil {
		tz = time.UTC
	}
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(tz),
			cron.WithSeconds(),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		tz: tz,
	}
}

// Cron registers fn on a six-field cron spec
func (s *Scheduler) Cron(spec string, fn func()) (CancelFunc, error) {
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s.cancelFor(id), nil
}

// Every registers fn at a constant interval
func (s *Scheduler) Every(interval time.Duration, fn func()) (CancelFunc, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid interval %s", interval)
	}
	id := s.cron.Schedule(cron.Every(interval), cron.FuncJob(fn))
	return s.cancelFor(id), nil
}

func (s *Scheduler) cancelFor(id cron.EntryID) CancelFunc {
	var once sync.Once
	return func() {
		once.Do(func() { s.cron.Remove(id) })
	}
}

// Start begins running registered jobs
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	log.Debug().Str("timezone", s.tz.String()).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started {
		<-s.cron.Stop().Done()
	}
}

// Entries returns the number of registered jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// cronLogger bridges cron's logger to zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Trace().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
