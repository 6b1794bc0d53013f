package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/koding/multiconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces environment overrides, e.g. PULSEGW_SERIAL_PORT or
// PULSEGW_WEB_API_KEY.
const envPrefix = "PULSEGW"

// Config is the gateway configuration file.
type Config struct {
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	Network struct {
		Channel  int    `yaml:"channel"`
		PanID    string `yaml:"pan_id"` // hex, e.g. "0x1A62"
		ExtPanID string `yaml:"extended_pan_id"`
	} `yaml:"network"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
		// Embedded runs a broker in-process instead of dialing Broker.
		Embedded struct {
			Enabled bool   `yaml:"enabled"`
			Listen  string `yaml:"listen"`
		} `yaml:"embedded"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Metrics        bool     `yaml:"metrics"`
	} `yaml:"web"`
	Store struct {
		Path             string `yaml:"path"`
		ReadingRetention int    `yaml:"reading_retention"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Automation struct {
		Enabled        bool          `yaml:"enabled"`
		ScriptsDir     string        `yaml:"scripts_dir"`
		RunTimeout     time.Duration `yaml:"run_timeout"`
		CommandTimeout time.Duration `yaml:"command_timeout"`
	} `yaml:"automation"`
	DevicesDir string `yaml:"devices_dir"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Serial.Baud = 460800
	cfg.Network.Channel = 15
	cfg.Network.PanID = "0x1A62"
	cfg.MQTT.Broker = "tcp://127.0.0.1:1883"
	cfg.MQTT.TopicPrefix = "pulsemeter"
	cfg.Web.Listen = "127.0.0.1:8080"
	cfg.Web.Metrics = true
	cfg.Store.Path = "pulsemeter.db"
	cfg.Store.ReadingRetention = 1000
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Automation.Enabled = true
	cfg.Automation.ScriptsDir = "scripts"
	cfg.Automation.RunTimeout = 5 * time.Second
	cfg.Automation.CommandTimeout = 10 * time.Second
	cfg.DevicesDir = "devices"
	return &cfg
}

// loadConfig reads path over the defaults and then applies PULSEGW_*
// environment overrides. A missing file is fine when the environment
// supplies the rest.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	env := &multiconfig.EnvironmentLoader{Prefix: envPrefix, CamelCase: true}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	return cfg, nil
}

// panID parses the configured PAN ID.
func (c *Config) panID() (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(c.Network.PanID), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("network.pan_id %q: %w", c.Network.PanID, err)
	}
	return uint16(v), nil
}

func (c *Config) validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if c.Network.Channel < 11 || c.Network.Channel > 26 {
		return fmt.Errorf("network.channel must be 11-26, got %d", c.Network.Channel)
	}
	pan, err := c.panID()
	if err != nil {
		return err
	}
	if pan == 0 || pan == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	if c.Store.ReadingRetention < 0 {
		return fmt.Errorf("store.reading_retention must not be negative")
	}
	if c.MQTT.Enabled && !c.MQTT.Embedded.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required unless mqtt.embedded.enabled is set")
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt.topic_prefix must not contain wildcards")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Automation.Enabled && c.Automation.RunTimeout <= 0 {
		return fmt.Errorf("automation.run_timeout must be positive")
	}
	return nil
}
