// Package eventbus routes domain events (drift corrections, solar instants,
// scene selections) to observers through a bounded worker pool.
package eventbus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeAdjustment is published for every drift correction.
	// Data: entity_id, type, room, scene.
	EventTypeAdjustment EventType = "adjustment"
	// EventTypeSolar is published at each solar instant. Data: event, time.
	EventTypeSolar EventType = "solar"
	// EventTypeScene is published when a room scene is selected. Data: room, scene.
	EventTypeScene EventType = "scene"
	// EventTypeLocation is published after the solar table is repopulated
	// from new coordinates. Data: latitude, longitude.
	EventTypeLocation EventType = "location"
)

// Default configuration
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// Event represents an event in the system
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// Publisher is the producer side of the bus
type Publisher interface {
	Publish(event Event)
}

type subscriber struct {
	id      uint64
	handler Handler
}

type work struct {
	event   Event
	handler Handler
}

// Bus provides event routing with a bounded worker pool
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscriber
	nextID   uint64

	workQueue chan work
	wg        sync.WaitGroup

	// closed is flipped under mu before workQueue is closed, so a publisher
	// holding the read lock never sends on a closed channel
	closed    bool
	closeOnce sync.Once
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	b := &Bus{
		handlers:  make(map[EventType][]subscriber),
		workQueue: make(chan work, queueSize),
	}

	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for a specific event type and returns
// a function removing it.
func (b *Bus) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscriber{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[eventType]
			for i, s := range subs {
				if s.id == id {
					b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish sends an event to all subscribed handlers.
// Non-blocking: if the work queue is full or bus is closing, events are dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closing, dropping event")
		return
	}

	for _, s := range b.handlers[event.Type] {
		select {
		case b.workQueue <- work{event: event, handler: s.handler}:
		default:
			log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close shuts down the worker pool gracefully.
func (b *Bus) Close(ctx context.Context) {
	first := false
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.workQueue)
		b.mu.Unlock()
		first = true
	})
	if !first {
		return
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
