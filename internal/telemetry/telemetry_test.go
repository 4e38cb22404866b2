package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/dokzlo13/duskd/internal/eventbus"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		name  string
		event eventbus.Event
		want  string
	}{
		{
			"adjustment",
			eventbus.Event{Type: eventbus.EventTypeAdjustment, Data: map[string]any{"entity_id": "switch.fan"}},
			"duskd/adjustment/switch.fan",
		},
		{
			"solar",
			eventbus.Event{Type: eventbus.EventTypeSolar, Data: map[string]any{"event": "sunsetStart"}},
			"duskd/solar/sunsetstart",
		},
		{
			"scene room with wildcard characters",
			eventbus.Event{Type: eventbus.EventTypeScene, Data: map[string]any{"room": "Living Room/#1"}},
			"duskd/scene/living_room__1",
		},
		{
			"location has no subject",
			eventbus.Event{Type: eventbus.EventTypeLocation, Data: map[string]any{"latitude": 1.0}},
			"duskd/location",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := topicFor("duskd", tt.event); got != tt.want {
				t.Errorf("topicFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPayloadFor(t *testing.T) {
	raw, err := payloadFor(eventbus.Event{
		Type: eventbus.EventTypeAdjustment,
		Data: map[string]any{"entity_id": "light.desk", "type": "light_kelvin"},
	})
	if err != nil {
		t.Fatalf("payloadFor() error = %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if body["entity_id"] != "light.desk" || body["type"] != "light_kelvin" || body["type_"] != "adjustment" {
		t.Errorf("payload = %v", body)
	}
	if _, ok := body["timestamp"]; !ok {
		t.Error("payload has no timestamp")
	}
}

func TestPointFor(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	p := pointFor(eventbus.Event{
		Type: eventbus.EventTypeAdjustment,
		Data: map[string]any{"entity_id": "switch.fan", "type": "switch_on_off", "room": "office", "scene": "work"},
	}, now)
	if p == nil {
		t.Fatal("pointFor(adjustment) = nil")
	}
	line := write.PointToLineProtocol(p, time.Second)
	for _, want := range []string{"scene_adjustment,", "entity_id=switch.fan", "room=office", "type=switch_on_off", "count=1i", "1780315200"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}

	if p := pointFor(eventbus.Event{Type: eventbus.EventTypeLocation}, now); p != nil {
		t.Error("location events are not written as points")
	}
}

// recordingSink keeps every event it receives
type recordingSink struct {
	name   string
	mu     sync.Mutex
	events []eventbus.Event
}

func (s *recordingSink) Name() string {
	return s.name
}

func (s *recordingSink) HandleEvent(e eventbus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Close() error {
	return nil
}

func (s *recordingSink) types() map[eventbus.EventType]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[eventbus.EventType]int)
	for _, e := range s.events {
		out[e.Type]++
	}
	return out
}

func TestAttach(t *testing.T) {
	bus := eventbus.New()
	mqtt := &recordingSink{name: "mqtt"}
	influx := &recordingSink{name: "influx"}

	detach := Attach(bus, mqtt, influx)

	for _, typ := range Forwarded {
		bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{"entity_id": "light.desk"}})
	}
	bus.Publish(eventbus.Event{Type: "internal"})

	detach()
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeAdjustment})

	// Close drains everything queued before it
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bus.Close(ctx)

	for _, sink := range []*recordingSink{mqtt, influx} {
		t.Run(sink.name, func(t *testing.T) {
			got := sink.types()
			if len(got) != len(Forwarded) {
				t.Errorf("received types %v, want %v", got, Forwarded)
			}
			for _, typ := range Forwarded {
				if got[typ] != 1 {
					t.Errorf("%s events = %d, want 1", typ, got[typ])
				}
			}
		})
	}
}
