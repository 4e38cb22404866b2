// Package hass is a Home Assistant websocket API client with a local entity
// state cache.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/geo"
)

var (
	// ErrNotConnected is returned for commands issued while disconnected
	ErrNotConnected = errors.New("not connected to home assistant")
	// ErrAuthFailed is returned when the access token is rejected
	ErrAuthFailed = errors.New("home assistant authentication failed")
	// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
	ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")
)

// CommandError is a failed command result
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("home assistant error %s: %s", e.Code, e.Message)
}

// ClientConfig contains connection and reconnection settings.
type ClientConfig struct {
	URL     string
	Token   string
	Timeout time.Duration // per command and handshake

	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite
}

// DefaultClientConfig returns sensible defaults for the given endpoint.
func DefaultClientConfig(url, token string) ClientConfig {
	return ClientConfig{
		URL:           url,
		Token:         token,
		Timeout:       10 * time.Second,
		MinBackoff:    1 * time.Second,
		MaxBackoff:    2 * time.Minute,
		Multiplier:    2.0,
		MaxReconnects: 0, // infinite
	}
}

type result struct {
	msg message
	err error
}

// Client keeps a websocket session open, mirrors entity states and fans
// platform events out to local subscribers.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer

	nextID    atomic.Int64
	connected atomic.Bool

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	ready    chan struct{}
	pending  map[int]chan result
	states   map[string]*Entity
	handlers map[string]map[string]Handler
	remote   map[string]int // event type -> subscription id on the current connection

	events chan Event
}

// NewClient creates a client. Call Run to connect.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	return &Client{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		ready:    make(chan struct{}),
		pending:  make(map[int]chan result),
		states:   make(map[string]*Entity),
		handlers: make(map[string]map[string]Handler),
		remote:   make(map[string]int),
		events:   make(chan Event, 256),
	}
}

// Run connects and keeps the session alive with automatic reconnection.
// Returns ErrMaxReconnectsExceeded if max reconnects is exceeded.
func (c *Client) Run(ctx context.Context) error {
	go c.dispatch(ctx)

	retryCount := 0
	currentBackoff := c.cfg.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		synced, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if synced {
			// Reset retry count and backoff after a successful session
			retryCount = 0
			currentBackoff = c.cfg.MinBackoff
		}

		retryCount++
		if c.cfg.MaxReconnects > 0 && retryCount > c.cfg.MaxReconnects {
			log.Error().
				Int("max_reconnects", c.cfg.MaxReconnects).
				Msg("Home Assistant: max reconnects exceeded, terminating")
			return ErrMaxReconnectsExceeded
		}

		log.Warn().
			Err(err).
			Dur("backoff", currentBackoff).
			Int("retry", retryCount).
			Msg("Home Assistant disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(currentBackoff):
		}

		nextBackoff := time.Duration(float64(currentBackoff) * c.cfg.Multiplier)
		if nextBackoff > c.cfg.MaxBackoff {
			nextBackoff = c.cfg.MaxBackoff
		}
		currentBackoff = nextBackoff
	}
}

// session runs one connection until it drops. synced reports whether the
// initial state sync completed.
func (c *Client) session(ctx context.Context) (synced bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	haVersion, err := c.authenticate(conn)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.remote = make(map[string]int)
	c.mu.Unlock()
	defer c.drop()

	done := make(chan error, 1)
	go func() { done <- c.readLoop(conn) }()

	if err := c.syncStates(ctx); err != nil {
		return false, fmt.Errorf("sync states: %w", err)
	}
	if err := c.resubscribe(ctx); err != nil {
		return false, fmt.Errorf("subscribe events: %w", err)
	}

	c.mu.Lock()
	c.connected.Store(true)
	close(c.ready)
	entities := len(c.states)
	c.mu.Unlock()

	log.Info().
		Str("url", c.cfg.URL).
		Str("version", haVersion).
		Int("entities", entities).
		Msg("Connected to Home Assistant")

	select {
	case <-ctx.Done():
		conn.Close()
		<-done
		return true, nil
	case err := <-done:
		return true, err
	}
}

func (c *Client) authenticate(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
	defer conn.SetReadDeadline(time.Time{})

	var hello message
	if err := conn.ReadJSON(&hello); err != nil {
		return "", fmt.Errorf("read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return "", fmt.Errorf("unexpected handshake message %q", hello.Type)
	}

	if err := c.write(conn, message{Type: "auth", AccessToken: c.cfg.Token}); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	var reply message
	if err := conn.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("read auth result: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		return reply.HAVersion, nil
	case "auth_invalid":
		return "", fmt.Errorf("%w: %s", ErrAuthFailed, reply.Message)
	default:
		return "", fmt.Errorf("unexpected auth reply %q", reply.Type)
	}
}

// drop resets connection state and fails in-flight commands
func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = nil
	c.remote = make(map[string]int)
	if c.connected.Swap(false) {
		c.ready = make(chan struct{})
	}
	for id, ch := range c.pending {
		ch <- result{err: ErrNotConnected}
		delete(c.pending, id)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		switch msg.Type {
		case "result", "pong":
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- result{msg: msg}
			}
		case "event":
			c.handleEvent(msg.Event)
		default:
			log.Trace().Str("type", msg.Type).Msg("Unhandled websocket message")
		}
	}
}

func (c *Client) handleEvent(raw json.RawMessage) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Warn().Err(err).Msg("Failed to parse event")
		return
	}

	if ev.EventType == EventStateChanged {
		var changed struct {
			Data stateChangedData `json:"data"`
		}
		if err := json.Unmarshal(raw, &changed); err == nil && changed.Data.EntityID != "" {
			c.mu.Lock()
			if changed.Data.NewState == nil {
				delete(c.states, changed.Data.EntityID)
			} else {
				c.states[changed.Data.EntityID] = changed.Data.NewState
			}
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	interested := len(c.handlers[ev.EventType]) > 0
	c.mu.Unlock()
	if !interested {
		return
	}

	// Never block the reader: handlers may issue commands whose results it must deliver
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("event_type", ev.EventType).Msg("Event queue full, dropping event")
	}
}

func (c *Client) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.mu.Lock()
			hs := make([]Handler, 0, len(c.handlers[ev.EventType]))
			for _, h := range c.handlers[ev.EventType] {
				hs = append(hs, h)
			}
			c.mu.Unlock()

			for _, h := range hs {
				c.invoke(h, ev)
			}
		}
	}
}

func (c *Client) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_type", ev.EventType).
				Msg("Event handler panicked")
		}
	}()
	h(ev)
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	return conn.WriteJSON(v)
}

// command sends a request and waits for its result
func (c *Client) command(ctx context.Context, payload map[string]any) (json.RawMessage, error) {
	_, raw, err := c.request(ctx, payload)
	return raw, err
}

// request is command returning the message id as well
func (c *Client) request(ctx context.Context, payload map[string]any) (int, json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	id := int(c.nextID.Add(1))
	ch := make(chan result, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return id, nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	payload["id"] = id
	if err := c.write(conn, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return id, nil, fmt.Errorf("send %v: %w", payload["type"], err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return id, nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return id, nil, res.err
		}
		if res.msg.Success != nil && !*res.msg.Success {
			if res.msg.Error != nil {
				return id, nil, &CommandError{Code: res.msg.Error.Code, Message: res.msg.Error.Message}
			}
			return id, nil, &CommandError{Code: "unknown_error"}
		}
		return id, res.msg.Result, nil
	}
}

func (c *Client) syncStates(ctx context.Context) error {
	raw, err := c.command(ctx, map[string]any{"type": "get_states"})
	if err != nil {
		return err
	}
	var entities []*Entity
	if err := json.Unmarshal(raw, &entities); err != nil {
		return fmt.Errorf("decode states: %w", err)
	}

	states := make(map[string]*Entity, len(entities))
	for _, e := range entities {
		states[e.EntityID] = e
	}
	c.mu.Lock()
	c.states = states
	c.mu.Unlock()
	return nil
}

// resubscribe registers state_changed plus every event type with local handlers
func (c *Client) resubscribe(ctx context.Context) error {
	c.mu.Lock()
	types := []string{EventStateChanged}
	for t := range c.handlers {
		if t != EventStateChanged {
			types = append(types, t)
		}
	}
	c.mu.Unlock()

	for _, t := range types {
		if err := c.subscribeRemote(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) subscribeRemote(ctx context.Context, eventType string) error {
	c.mu.Lock()
	if _, ok := c.remote[eventType]; ok {
		c.mu.Unlock()
		return nil
	}
	c.remote[eventType] = 0
	c.mu.Unlock()

	// The subscription id is the id of the subscribe command
	next, _, err := c.request(ctx, map[string]any{"type": "subscribe_events", "event_type": eventType})
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.remote, eventType)
		return err
	}
	c.remote[eventType] = next
	log.Debug().Str("event_type", eventType).Int("subscription", next).Msg("Subscribed to platform events")
	return nil
}

// Subscribe registers a handler for a platform event type. The returned
// function removes it; removing the last handler of a type releases the
// platform subscription.
func (c *Client) Subscribe(eventType string, h Handler) func() {
	id := uuid.NewString()

	c.mu.Lock()
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[string]Handler)
	}
	first := len(c.handlers[eventType]) == 0
	c.handlers[eventType][id] = h
	live := c.conn != nil
	c.mu.Unlock()

	if first && live {
		go func() {
			if err := c.subscribeRemote(context.Background(), eventType); err != nil {
				log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to subscribe to platform events")
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(eventType, id) })
	}
}

func (c *Client) unsubscribe(eventType, id string) {
	c.mu.Lock()
	delete(c.handlers[eventType], id)
	if len(c.handlers[eventType]) > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.handlers, eventType)
	subID, ok := c.remote[eventType]
	// state_changed always stays subscribed to feed the cache
	release := ok && subID > 0 && eventType != EventStateChanged
	if release {
		delete(c.remote, eventType)
	}
	c.mu.Unlock()

	if !release {
		return
	}
	go func() {
		_, err := c.command(context.Background(), map[string]any{"type": "unsubscribe_events", "subscription": subID})
		if err != nil && !errors.Is(err, ErrNotConnected) {
			log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to release platform subscription")
			return
		}
		log.Debug().Str("event_type", eventType).Msg("Released platform subscription")
	}()
}

// Connected reports whether the session is authenticated and synced
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// WaitConnected blocks until the session is synced or ctx is done
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
	}
}

// Entity returns a copy of the cached state of id
func (c *Client) Entity(id string) (*Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.states[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// CallService invokes domain.service with data as service data
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	_, err := c.command(ctx, map[string]any{
		"type":         "call_service",
		"domain":       domain,
		"service":      service,
		"service_data": data,
	})
	if err != nil {
		return fmt.Errorf("call %s.%s: %w", domain, service, err)
	}
	return nil
}

// Config fetches the platform configuration
func (c *Client) Config(ctx context.Context) (*Config, error) {
	raw, err := c.command(ctx, map[string]any{"type": "get_config"})
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Coordinates returns the configured home location, waiting for the first
// connection if needed.
func (c *Client) Coordinates(ctx context.Context) (geo.Location, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.WaitConnected(waitCtx); err != nil {
		return geo.Location{}, err
	}

	cfg, err := c.Config(ctx)
	if err != nil {
		return geo.Location{}, err
	}
	return geo.Location{Latitude: cfg.Latitude, Longitude: cfg.Longitude}, nil
}
