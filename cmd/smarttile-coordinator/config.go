package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"smarttile-coordinator/internal/coordinator"
	"smarttile-coordinator/internal/thermal"
)

type Config struct {
	Radio struct {
		Type      string `yaml:"type"` // "serial" or "loopback"
		Port      string `yaml:"port"`
		Baud      int    `yaml:"baud"`
		Channel   uint8  `yaml:"channel"`
		QueueSize int    `yaml:"queue_size"`
	} `yaml:"radio"`
	Fleet struct {
		SlotCount           *int          `yaml:"slot_count"`
		PairingDuration     time.Duration `yaml:"pairing_duration"`
		ProbeInterval       time.Duration `yaml:"probe_interval"`
		LivenessTimeout     time.Duration `yaml:"liveness_timeout"`
		EvictionTimeout     time.Duration `yaml:"eviction_timeout"`
		StaleCheckInterval  time.Duration `yaml:"stale_check_interval"`
		SweepInterval       time.Duration `yaml:"sweep_interval"`
		TestPatternLead     time.Duration `yaml:"test_pattern_lead"`
		TestPatternPeriod   time.Duration `yaml:"test_pattern_period"`
		TestPatternDuration time.Duration `yaml:"test_pattern_duration"`
		CommandTTL          time.Duration `yaml:"command_ttl"`
		LinkKey             string        `yaml:"link_key"`
		Join                struct {
			PWMFreq    uint16 `yaml:"pwm_freq"`
			RxWindowMS uint16 `yaml:"rx_window_ms"`
			RxPeriodMS uint16 `yaml:"rx_period_ms"`
		} `yaml:"join"`
	} `yaml:"fleet"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Thermal thermal.Limits      `yaml:"thermal"`
	Zones   map[string][]string `yaml:"zones"`
	Web     struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled   bool   `yaml:"enabled"`
		Broker    string `yaml:"broker"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		ClientID  string `yaml:"client_id"`
		Site      string `yaml:"site"`
		CoordID   string `yaml:"coord_id"`
		Discovery bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Radio.Type {
	case "serial":
		if c.Radio.Port == "" {
			return fmt.Errorf("radio.port is required for serial radio")
		}
	case "loopback":
	default:
		return fmt.Errorf("unknown radio.type %q (supported: serial, loopback)", c.Radio.Type)
	}
	if c.Radio.Channel < 1 || c.Radio.Channel > 14 {
		return fmt.Errorf("radio.channel must be 1-14, got %d", c.Radio.Channel)
	}
	if c.Fleet.SlotCount != nil && *c.Fleet.SlotCount < 0 {
		return fmt.Errorf("fleet.slot_count must not be negative")
	}
	if err := c.Thermal.Validate(); err != nil {
		return err
	}
	for zone, lights := range c.Zones {
		if zone == "" {
			return fmt.Errorf("zones: empty zone id")
		}
		for _, l := range lights {
			if l == "" {
				return fmt.Errorf("zones.%s: empty light id", zone)
			}
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.Site == "" || c.MQTT.CoordID == "" {
			return fmt.Errorf("mqtt.site and mqtt.coord_id are required when mqtt is enabled")
		}
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)

	if cfg.Radio.Type == "" {
		cfg.Radio.Type = "serial"
	}
	if cfg.Radio.Baud == 0 {
		cfg.Radio.Baud = 115200
	}
	if cfg.Radio.Channel == 0 {
		cfg.Radio.Channel = 1
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "smarttile.db"
	}
	if cfg.Thermal == (thermal.Limits{}) {
		cfg.Thermal = thermal.DefaultLimits
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 10
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 3
	}
	return &cfg, nil
}

// applyEnv lets secrets live in the environment (or a .env file) instead of YAML.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SMARTTILE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("SMARTTILE_WEB_API_KEY"); v != "" {
		cfg.Web.APIKey = v
	}
	if v := os.Getenv("SMARTTILE_RADIO_PORT"); v != "" {
		cfg.Radio.Port = v
	}
}

// coordinatorConfig overlays the fleet section on the default timings.
func (c *Config) coordinatorConfig() coordinator.Config {
	cc := coordinator.DefaultConfig()
	f := c.Fleet
	if f.SlotCount != nil {
		cc.SlotCount = *f.SlotCount
	}
	override(&cc.PairingDuration, f.PairingDuration)
	override(&cc.ProbeInterval, f.ProbeInterval)
	override(&cc.LivenessTimeout, f.LivenessTimeout)
	override(&cc.EvictionTimeout, f.EvictionTimeout)
	override(&cc.StaleCheckInterval, f.StaleCheckInterval)
	override(&cc.SweepInterval, f.SweepInterval)
	override(&cc.TestPatternLead, f.TestPatternLead)
	override(&cc.TestPatternPeriod, f.TestPatternPeriod)
	override(&cc.TestPatternDuration, f.TestPatternDuration)
	override(&cc.CommandTTL, f.CommandTTL)
	cc.LinkKey = f.LinkKey
	if f.Join.PWMFreq != 0 {
		cc.Join.PWMFreq = f.Join.PWMFreq
	}
	if f.Join.RxWindowMS != 0 {
		cc.Join.RxWindowMS = f.Join.RxWindowMS
	}
	if f.Join.RxPeriodMS != 0 {
		cc.Join.RxPeriodMS = f.Join.RxPeriodMS
	}
	return cc
}

func override(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
