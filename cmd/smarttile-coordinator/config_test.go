package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"smarttile-coordinator/internal/coordinator"
	"smarttile-coordinator/internal/radio"
	"smarttile-coordinator/internal/thermal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "radio:\n  port: /dev/ttyACM0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Radio.Type != "serial" || cfg.Radio.Baud != 115200 || cfg.Radio.Channel != 1 {
		t.Errorf("radio = %+v", cfg.Radio)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("web.listen = %q", cfg.Web.Listen)
	}
	if cfg.Store.Path != "smarttile.db" || cfg.ScriptsDir != "scripts" {
		t.Errorf("store.path = %q, scripts_dir = %q", cfg.Store.Path, cfg.ScriptsDir)
	}
	if cfg.Thermal != thermal.DefaultLimits {
		t.Errorf("thermal = %+v", cfg.Thermal)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" || cfg.Log.MaxSizeMB != 10 || cfg.Log.MaxBackups != 3 {
		t.Errorf("log = %+v", cfg.Log)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
radio:
  type: loopback
  channel: 6
  queue_size: 64
fleet:
  slot_count: 0
  pairing_duration: 2m
  test_pattern_period: 250ms
  stale_check_interval: 3s
  sweep_interval: 30s
  link_key: secret
  join:
    rx_window_ms: 30
thermal:
  start_c: 60
  max_c: 80
  floor_level: 20
zones:
  hall: [LDDEEFF, L010203]
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  site: home
  coord_id: c1
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Radio.Channel != 6 || cfg.Radio.QueueSize != 64 {
		t.Errorf("radio = %+v", cfg.Radio)
	}
	if got := cfg.Zones["hall"]; len(got) != 2 || got[1] != "L010203" {
		t.Errorf("zones = %v", cfg.Zones)
	}
	if cfg.Thermal != (thermal.Limits{StartC: 60, MaxC: 80, FloorLevel: 20}) {
		t.Errorf("thermal = %+v", cfg.Thermal)
	}

	cc := cfg.coordinatorConfig()
	def := coordinator.DefaultConfig()
	if cc.SlotCount != 0 {
		t.Errorf("slot count = %d, want 0", cc.SlotCount)
	}
	if cc.PairingDuration != 2*time.Minute || cc.TestPatternPeriod != 250*time.Millisecond {
		t.Errorf("durations = %v, %v", cc.PairingDuration, cc.TestPatternPeriod)
	}
	if cc.StaleCheckInterval != 3*time.Second || cc.SweepInterval != 30*time.Second {
		t.Errorf("housekeeping = %v, %v", cc.StaleCheckInterval, cc.SweepInterval)
	}
	if cc.ProbeInterval != def.ProbeInterval || cc.TestPatternDuration != def.TestPatternDuration {
		t.Error("unset durations should keep defaults")
	}
	if cc.LinkKey != "secret" {
		t.Errorf("link key = %q", cc.LinkKey)
	}
	if cc.Join.RxWindowMS != 30 || cc.Join.RxPeriodMS != def.Join.RxPeriodMS {
		t.Errorf("join = %+v", cc.Join)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadConfig(writeConfig(t, "radio: [")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"ok", func(*Config) {}, ""},
		{"serial without port", func(c *Config) { c.Radio.Port = "" }, "radio.port"},
		{"loopback without port", func(c *Config) { c.Radio.Type = "loopback"; c.Radio.Port = "" }, ""},
		{"unknown radio", func(c *Config) { c.Radio.Type = "nrf24" }, "radio.type"},
		{"channel too high", func(c *Config) { c.Radio.Channel = 15 }, "radio.channel"},
		{"negative slots", func(c *Config) { n := -1; c.Fleet.SlotCount = &n }, "slot_count"},
		{"thermal inverted", func(c *Config) { c.Thermal = thermal.Limits{StartC: 80, MaxC: 70} }, "max_c"},
		{"empty light id", func(c *Config) { c.Zones = map[string][]string{"hall": {""}} }, "empty light"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"mqtt without site", func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.Broker = "tcp://x:1883"
		}, "mqtt.site"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Radio.Type = "serial"
			cfg.Radio.Port = "/dev/ttyACM0"
			cfg.Radio.Channel = 1
			cfg.Thermal = thermal.DefaultLimits
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.errSub == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("err = %v, want containing %q", err, tt.errSub)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SMARTTILE_MQTT_PASSWORD", "from-env")
	t.Setenv("SMARTTILE_WEB_API_KEY", "key-env")
	t.Setenv("SMARTTILE_RADIO_PORT", "/dev/ttyUSB1")

	cfg, err := loadConfig(writeConfig(t, "mqtt:\n  password: from-yaml\nweb:\n  api_key: key-yaml\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MQTT.Password != "from-env" || cfg.Web.APIKey != "key-env" || cfg.Radio.Port != "/dev/ttyUSB1" {
		t.Errorf("env not applied: mqtt=%q web=%q port=%q", cfg.MQTT.Password, cfg.Web.APIKey, cfg.Radio.Port)
	}
}

func TestCreateLink(t *testing.T) {
	logger, closer := newLogger(&Config{})
	defer closer.Close()

	cfg := &Config{}
	cfg.Radio.Type = "loopback"
	link, err := createLink(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := link.(*radio.Loopback); !ok {
		t.Errorf("link = %T, want *radio.Loopback", link)
	}

	cfg.Radio.Type = "carrier-pigeon"
	if _, err := createLink(cfg, logger); err == nil {
		t.Error("expected error for unknown radio type")
	}
}

func TestNewLoggerFile(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	cfg.Log.File = filepath.Join(t.TempDir(), "coord.log")
	cfg.Log.MaxSizeMB = 1
	cfg.Log.MaxBackups = 1

	logger, closer := newLogger(cfg)
	logger.Debug("rotating sink", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.Log.File)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"rotating sink"`) {
		t.Errorf("log file = %q", data)
	}
}
