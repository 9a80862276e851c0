package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trymwestin/hikd/internal/core/state"
)

// Config holds all application configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	HTTP    HTTPConfig    `yaml:"http"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// DeviceConfig describes the Hikvision DVR/NVR to connect to.
type DeviceConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	UseSSL                 bool   `yaml:"use_ssl"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
	DefaultOffDelaySeconds int    `yaml:"default_off_delay_seconds"`
	ReconnectDelaySeconds  int    `yaml:"reconnect_delay_seconds"`
	// ChannelOverrides is the legacy "channel=seconds" lines format,
	// migrated into the storage file on first start.
	ChannelOverrides string `yaml:"channel_overrides"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
	DeviceName  string `yaml:"device_name"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// StorageConfig holds the channel settings file path.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Device: DeviceConfig{
			Port:                   80,
			DefaultOffDelaySeconds: 30,
			ReconnectDelaySeconds:  5,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "hikd",
			DeviceID:    "hikvision_dvr_01",
			DeviceName:  "Hikvision DVR",
		},
		Storage: StorageConfig{
			Path: "/data/channels.json",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays
// environment variables. If path is empty, only defaults + env are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate checks the ranges the rest of the daemon relies on.
func (c Config) Validate() error {
	if c.Device.Host == "" {
		return fmt.Errorf("config: device.host is required")
	}
	if c.Device.Port < 1 || c.Device.Port > 65535 {
		return fmt.Errorf("config: device.port %d out of range 1-65535", c.Device.Port)
	}
	if c.Device.Username == "" {
		return fmt.Errorf("config: device.username is required")
	}
	delay := c.Device.DefaultOffDelaySeconds
	if delay < state.MinOffDelaySeconds || delay > state.MaxOffDelaySeconds {
		return fmt.Errorf("config: device.default_off_delay_seconds %d out of range %d-%d",
			delay, state.MinOffDelaySeconds, state.MaxOffDelaySeconds)
	}
	if c.Device.ReconnectDelaySeconds < 1 {
		return fmt.Errorf("config: device.reconnect_delay_seconds must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HIKD_DEVICE_HOST"); v != "" {
		cfg.Device.Host = v
	}
	if v := os.Getenv("HIKD_DEVICE_PORT"); v != "" {
		cfg.Device.Port = parseInt(v, cfg.Device.Port)
	}
	if v := os.Getenv("HIKD_DEVICE_USE_SSL"); v != "" {
		cfg.Device.UseSSL = parseBool(v)
	}
	if v := os.Getenv("HIKD_DEVICE_USERNAME"); v != "" {
		cfg.Device.Username = v
	}
	if v := os.Getenv("HIKD_DEVICE_PASSWORD"); v != "" {
		cfg.Device.Password = v
	}
	if v := os.Getenv("HIKD_DEFAULT_OFF_DELAY_SECONDS"); v != "" {
		cfg.Device.DefaultOffDelaySeconds = parseInt(v, cfg.Device.DefaultOffDelaySeconds)
	}
	if v := os.Getenv("HIKD_RECONNECT_DELAY_SECONDS"); v != "" {
		cfg.Device.ReconnectDelaySeconds = parseInt(v, cfg.Device.ReconnectDelaySeconds)
	}
	if v := os.Getenv("HIKD_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("HIKD_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("HIKD_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("HIKD_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("HIKD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("HIKD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("HIKD_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("HIKD_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("HIKD_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("HIKD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HIKD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}
