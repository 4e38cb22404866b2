package hass

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// fakeHA speaks enough of the websocket API for the client
type fakeHA struct {
	t     *testing.T
	token string

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	commands []map[string]any
	states   []map[string]any
}

func newFakeHA(t *testing.T) (*fakeHA, *httptest.Server) {
	f := &fakeHA{
		t:     t,
		token: "secret",
		states: []map[string]any{
			{"entity_id": "light.kitchen", "state": "on", "attributes": map[string]any{"brightness": 200}},
			{"entity_id": "switch.porch", "state": "off", "attributes": map[string]any{"entity_id": []any{"switch.porch_a", "switch.porch_b"}}},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/websocket"
}

func (f *fakeHA) send(v any) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		_ = conn.WriteJSON(v)
	}
}

func (f *fakeHA) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.WriteJSON(map[string]any{"type": "auth_required", "ha_version": "2026.10.0"})
	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["access_token"] != f.token {
		_ = conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	_ = conn.WriteJSON(map[string]any{"type": "auth_ok", "ha_version": "2026.10.0"})

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	for {
		var cmd map[string]any
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		states := f.states
		f.mu.Unlock()

		reply := map[string]any{"id": cmd["id"], "type": "result", "success": true, "result": nil}
		switch cmd["type"] {
		case "get_states":
			reply["result"] = states
		case "get_config":
			reply["result"] = map[string]any{"latitude": 52.37, "longitude": 4.89, "time_zone": "Europe/Amsterdam"}
		case "call_service":
			if cmd["domain"] == "bogus" {
				reply["success"] = false
				reply["error"] = map[string]any{"code": "not_found", "message": "Service not found"}
			}
		}
		f.send(reply)
	}
}

func (f *fakeHA) find(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, c := range f.commands {
		if c["type"] == typ {
			out = append(out, c)
		}
	}
	return out
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

func startClient(t *testing.T, url, token string) (*Client, chan error) {
	cfg := DefaultClientConfig(url, token)
	cfg.Timeout = 2 * time.Second
	cfg.MinBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.MaxReconnects = 1
	c := NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, done
}

func TestClient_ConnectSyncAndCall(t *testing.T) {
	fake, srv := newFakeHA(t)
	c, _ := startClient(t, wsURL(srv), "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() error = %v", err)
	}

	light, ok := c.Entity("light.kitchen")
	if !ok || light.State != StateOn || light.Domain() != "light" {
		t.Fatalf("Entity(light.kitchen) = %+v, %v", light, ok)
	}
	if b, ok := light.IntAttribute("brightness"); !ok || b != 200 {
		t.Errorf("brightness = %d, %v, want 200", b, ok)
	}

	porch, _ := c.Entity("switch.porch")
	if got := porch.Members(); len(got) != 2 || got[1] != "switch.porch_b" {
		t.Errorf("Members() = %v", got)
	}

	if _, ok := c.Entity("light.missing"); ok {
		t.Error("Entity(light.missing) found")
	}

	if err := c.CallService(ctx, "switch", "turn_on", map[string]any{"entity_id": "switch.porch"}); err != nil {
		t.Fatalf("CallService() error = %v", err)
	}
	calls := fake.find("call_service")
	if len(calls) != 1 || calls[0]["service"] != "turn_on" {
		t.Fatalf("server saw %v", calls)
	}
	data, _ := calls[0]["service_data"].(map[string]any)
	if data["entity_id"] != "switch.porch" {
		t.Errorf("service_data = %v", data)
	}

	var cmdErr *CommandError
	if err := c.CallService(ctx, "bogus", "nope", nil); !errors.As(err, &cmdErr) || cmdErr.Code != "not_found" {
		t.Errorf("CallService(bogus) error = %v, want CommandError not_found", err)
	}

	loc, err := c.Coordinates(ctx)
	if err != nil {
		t.Fatalf("Coordinates() error = %v", err)
	}
	if loc.Latitude != 52.37 || loc.Longitude != 4.89 {
		t.Errorf("Coordinates() = %+v", loc)
	}
}

func TestClient_StateChangedEvents(t *testing.T) {
	fake, srv := newFakeHA(t)
	c, _ := startClient(t, wsURL(srv), "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() error = %v", err)
	}

	var mu sync.Mutex
	var seen []Event
	unsub := c.Subscribe(EventStateChanged, func(e Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	defer unsub()

	subs := fake.find("subscribe_events")
	if len(subs) == 0 {
		t.Fatal("client never subscribed")
	}
	subID := subs[0]["id"]

	fake.send(map[string]any{
		"id":   subID,
		"type": "event",
		"event": map[string]any{
			"event_type": "state_changed",
			"data": map[string]any{
				"entity_id": "light.kitchen",
				"new_state": map[string]any{"entity_id": "light.kitchen", "state": "off", "attributes": map[string]any{}},
			},
		},
	})

	if !waitFor(time.Second, func() bool {
		e, _ := c.Entity("light.kitchen")
		return e != nil && e.State == StateOff
	}) {
		t.Fatal("cache not updated from state_changed")
	}
	if !waitFor(time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}) {
		t.Fatal("handler not invoked")
	}

	fake.send(map[string]any{
		"id":   subID,
		"type": "event",
		"event": map[string]any{
			"event_type": "state_changed",
			"data":       map[string]any{"entity_id": "light.kitchen", "new_state": nil},
		},
	})
	if !waitFor(time.Second, func() bool {
		_, ok := c.Entity("light.kitchen")
		return !ok
	}) {
		t.Error("removed entity still cached")
	}
}

func TestClient_SubscribeReleasesPlatformSubscription(t *testing.T) {
	fake, srv := newFakeHA(t)
	c, _ := startClient(t, wsURL(srv), "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() error = %v", err)
	}

	first := c.Subscribe("zha_event", func(Event) {})
	second := c.Subscribe("zha_event", func(Event) {})

	var subID any
	if !waitFor(time.Second, func() bool {
		for _, s := range fake.find("subscribe_events") {
			if s["event_type"] == "zha_event" {
				subID = s["id"]
				return true
			}
		}
		return false
	}) {
		t.Fatal("zha_event not subscribed")
	}

	first()
	time.Sleep(50 * time.Millisecond)
	if n := len(fake.find("unsubscribe_events")); n != 0 {
		t.Fatalf("unsubscribed with a handler left, %d calls", n)
	}

	second()
	if !waitFor(time.Second, func() bool {
		u := fake.find("unsubscribe_events")
		return len(u) == 1 && u[0]["subscription"] == subID
	}) {
		t.Errorf("unsubscribe_events = %v, want subscription %v", fake.find("unsubscribe_events"), subID)
	}
}

func TestClient_AuthInvalid(t *testing.T) {
	_, srv := newFakeHA(t)
	_, done := startClient(t, wsURL(srv), "wrong")

	select {
	case err := <-done:
		if !errors.Is(err, ErrMaxReconnectsExceeded) {
			t.Errorf("Run() error = %v, want ErrMaxReconnectsExceeded", err)
		}
		done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not give up")
	}
}

func TestClient_CallServiceDisconnected(t *testing.T) {
	c := NewClient(DefaultClientConfig("ws://127.0.0.1:1/api/websocket", "x"))
	if err := c.CallService(context.Background(), "light", "turn_on", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CallService() error = %v, want ErrNotConnected", err)
	}
}
