package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/duskd/internal/config"
	"github.com/dokzlo13/duskd/internal/eventbus"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// ErrMQTTConnect is returned when the broker cannot be reached
var ErrMQTTConnect = errors.New("mqtt connection failed")

// MQTT publishes bus events as JSON under a topic prefix
type MQTT struct {
	client pahomqtt.Client
	prefix string
	qos    byte
}

// ConnectMQTT connects to the broker and announces the service as online.
// The broker publishes "offline" on the status topic if the connection drops.
func ConnectMQTT(cfg config.MQTTConfig) (*MQTT, error) {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	qos := byte(cfg.QoS)
	if qos > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetWill(statusTopic(prefix), "offline", qos, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info().Str("broker", cfg.Host).Msg("Connected to MQTT broker")
		c.Publish(statusTopic(prefix), qos, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrMQTTConnect, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMQTTConnect, err)
	}

	return &MQTT{client: client, prefix: prefix, qos: qos}, nil
}

// Name implements Sink
func (m *MQTT) Name() string {
	return "mqtt"
}

// HandleEvent implements Sink
func (m *MQTT) HandleEvent(e eventbus.Event) {
	topic := topicFor(m.prefix, e)
	payload, err := payloadFor(e)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Failed to encode MQTT payload")
		return
	}
	if !m.client.IsConnected() {
		log.Debug().Str("topic", topic).Msg("MQTT not connected, dropping event")
		return
	}

	// Scene and location topics hold current state
	retained := e.Type == eventbus.EventTypeScene || e.Type == eventbus.EventTypeLocation
	token := m.client.Publish(topic, m.qos, retained, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		log.Warn().Str("topic", topic).Msg("MQTT publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
	}
}

// Close announces the service offline and disconnects
func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		token := m.client.Publish(statusTopic(m.prefix), m.qos, true, "offline")
		token.WaitTimeout(mqttPublishTimeout)
	}
	m.client.Disconnect(250)
	return nil
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}

// topicFor builds <prefix>/<type>[/<subject>]
func topicFor(prefix string, e eventbus.Event) string {
	var subject string
	switch e.Type {
	case eventbus.EventTypeAdjustment:
		subject, _ = e.Data["entity_id"].(string)
	case eventbus.EventTypeSolar:
		subject, _ = e.Data["event"].(string)
	case eventbus.EventTypeScene:
		subject, _ = e.Data["room"].(string)
	}
	topic := prefix + "/" + string(e.Type)
	if subject != "" {
		topic += "/" + topicSegment(subject)
	}
	return topic
}

// topicSegment strips MQTT wildcard and separator characters
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_").Replace(strings.ToLower(s))
}

func payloadFor(e eventbus.Event) ([]byte, error) {
	body := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		body[k] = v
	}
	body["type_"] = string(e.Type)
	if _, ok := body["timestamp"]; !ok {
		body["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	return json.Marshal(body)
}
