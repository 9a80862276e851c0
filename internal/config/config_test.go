package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.Port != 80 || cfg.Device.DefaultOffDelaySeconds != 30 || cfg.Device.ReconnectDelaySeconds != 5 {
		t.Errorf("unexpected device defaults: %+v", cfg.Device)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Log.Level != "info" {
		t.Errorf("unexpected defaults: http=%+v log=%+v", cfg.HTTP, cfg.Log)
	}
}

func TestLoadYAMLAndEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hikd.yaml")
	content := `
device:
  host: 192.168.1.64
  port: 8000
  username: admin
  password: file-secret
  default_off_delay_seconds: 60
mqtt:
  enabled: true
  broker: tcp://broker:1883
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HIKD_DEVICE_PASSWORD", "env-secret")
	t.Setenv("HIKD_DEFAULT_OFF_DELAY_SECONDS", "120")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.Host != "192.168.1.64" || cfg.Device.Port != 8000 {
		t.Errorf("yaml values not applied: %+v", cfg.Device)
	}
	if cfg.Device.Password != "env-secret" {
		t.Errorf("env did not override yaml: %q", cfg.Device.Password)
	}
	if cfg.Device.DefaultOffDelaySeconds != 120 {
		t.Errorf("env off delay not applied: %d", cfg.Device.DefaultOffDelaySeconds)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("mqtt config not applied: %+v", cfg.MQTT)
	}
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	valid.Device.Host = "dvr.local"
	valid.Device.Username = "admin"

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing host", func(c *Config) { c.Device.Host = "" }, true},
		{"missing username", func(c *Config) { c.Device.Username = "" }, true},
		{"port too large", func(c *Config) { c.Device.Port = 70000 }, true},
		{"port zero", func(c *Config) { c.Device.Port = 0 }, true},
		{"off delay negative", func(c *Config) { c.Device.DefaultOffDelaySeconds = -1 }, true},
		{"off delay above max", func(c *Config) { c.Device.DefaultOffDelaySeconds = 1801 }, true},
		{"off delay at max", func(c *Config) { c.Device.DefaultOffDelaySeconds = 1800 }, false},
		{"off delay zero", func(c *Config) { c.Device.DefaultOffDelaySeconds = 0 }, false},
		{"reconnect zero", func(c *Config) { c.Device.ReconnectDelaySeconds = 0 }, true},
		{"mqtt enabled without broker", func(c *Config) { c.MQTT.Enabled = true }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
