package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Platform        PlatformConfig    `yaml:"platform"`
	Geo             GeoConfig         `yaml:"geo"`
	Database        DatabaseConfig    `yaml:"database"`
	Log             LogConfig         `yaml:"log"`
	Scenes          ScenesConfig      `yaml:"scenes"`
	Circadian       CircadianConfig   `yaml:"circadian"`
	Rooms           []RoomConfig      `yaml:"rooms"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	InfluxDB        InfluxDBConfig    `yaml:"influxdb"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	Script          string            `yaml:"script"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
}

// PlatformConfig contains Home Assistant connection settings
type PlatformConfig struct {
	URL     string   `yaml:"url"`   // websocket endpoint, e.g. ws://homeassistant.local:8123/api/websocket
	Token   string   `yaml:"token"` // long-lived access token
	Timeout Duration `yaml:"timeout"`

	// Reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // default: 1s
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // default: 2m
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // default: 2.0
	MaxReconnects   int      `yaml:"max_reconnects"`    // 0 = infinite
}

// GeoConfig contains settings for the solar reference table
type GeoConfig struct {
	Timezone string `yaml:"timezone"`
	CacheKey string `yaml:"cache_key"` // kv key holding the last known coordinates
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Colors  bool   `yaml:"colors"`
	UseJSON bool   `yaml:"json"`
}

// GetLevel returns the configured level
func (c *LogConfig) GetLevel() string {
	return c.Level
}

// ScenesConfig contains scene enforcement settings
type ScenesConfig struct {
	Aggressive    *bool    `yaml:"aggressive"`     // global drift correction switch (default: true)
	PollInterval  Duration `yaml:"poll_interval"`  // default: 30s
	RateLimitRPS  float64  `yaml:"rate_limit_rps"` // service calls per second (default: 10)
	LightDebounce Duration `yaml:"light_debounce"` // default: 5s
}

// AggressiveEnabled reports whether drift correction is enabled globally
func (c *ScenesConfig) AggressiveEnabled() bool {
	return c.Aggressive == nil || *c.Aggressive
}

// CircadianConfig bounds the color temperature curve
type CircadianConfig struct {
	MinKelvin int `yaml:"min_kelvin"`
	MaxKelvin int `yaml:"max_kelvin"`
}

// RoomConfig declares a room and its scenes
type RoomConfig struct {
	Name   string                 `yaml:"name"`
	Scenes map[string]SceneConfig `yaml:"scenes"`
}

// SceneConfig declares one scene
type SceneConfig struct {
	Aggressive *bool                        `yaml:"aggressive"`
	Definition map[string]EntityStateConfig `yaml:"definition"`
}

// EntityStateConfig is the desired state of a single entity within a scene
type EntityStateConfig struct {
	State      string `yaml:"state"`
	Brightness *int   `yaml:"brightness,omitempty"`
	RGBColor   []int  `yaml:"rgb_color,omitempty"`
	Kelvin     *int   `yaml:"kelvin,omitempty"`
}

// MQTTConfig contains MQTT telemetry settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// InfluxDBConfig contains InfluxDB telemetry settings
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// GetHost returns the listen host
func (c *HealthcheckConfig) GetHost() string {
	return c.Host
}

// GetPort returns the listen port
func (c *HealthcheckConfig) GetPort() int {
	return c.Port
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// GetShutdownTimeout returns the graceful shutdown timeout
func (c *Config) GetShutdownTimeout() time.Duration {
	return c.ShutdownTimeout.Duration()
}

// Location loads the configured timezone
func (c *Config) Location() (*time.Location, error) {
	tz, err := time.LoadLocation(c.Geo.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Geo.Timezone, err)
	}
	return tz, nil
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from raw YAML and applies defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./duskd.sqlite"
	}

	if cfg.Geo.Timezone == "" {
		cfg.Geo.Timezone = "UTC"
	}
	if cfg.Geo.CacheKey == "" {
		cfg.Geo.CacheKey = "solar_calc_config"
	}

	if cfg.Platform.Timeout == 0 {
		cfg.Platform.Timeout = Duration(10 * time.Second)
	}
	if cfg.Platform.MinRetryBackoff == 0 {
		cfg.Platform.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Platform.MaxRetryBackoff == 0 {
		cfg.Platform.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.Platform.RetryMultiplier == 0 {
		cfg.Platform.RetryMultiplier = 2.0
	}

	if cfg.Scenes.PollInterval == 0 {
		cfg.Scenes.PollInterval = Duration(30 * time.Second)
	}
	if cfg.Scenes.RateLimitRPS == 0 {
		cfg.Scenes.RateLimitRPS = 10.0
	}
	if cfg.Scenes.LightDebounce == 0 {
		cfg.Scenes.LightDebounce = Duration(5 * time.Second)
	}

	if cfg.Circadian.MinKelvin == 0 {
		cfg.Circadian.MinKelvin = 2000
	}
	if cfg.Circadian.MaxKelvin == 0 {
		cfg.Circadian.MaxKelvin = 5500
	}
	if cfg.Circadian.MaxKelvin < cfg.Circadian.MinKelvin {
		return nil, fmt.Errorf("circadian: max_kelvin %d is below min_kelvin %d", cfg.Circadian.MaxKelvin, cfg.Circadian.MinKelvin)
	}

	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "duskd"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "duskd"
	}

	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	seen := make(map[string]bool, len(cfg.Rooms))
	for _, room := range cfg.Rooms {
		if room.Name == "" {
			return nil, fmt.Errorf("rooms: room without name")
		}
		if seen[room.Name] {
			return nil, fmt.Errorf("rooms: duplicate room %q", room.Name)
		}
		seen[room.Name] = true
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
