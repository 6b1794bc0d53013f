package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "serial:\n  port: /dev/ttyACM0\n"))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 460800, cfg.Serial.Baud)
	assert.Equal(t, 15, cfg.Network.Channel)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.Listen)
	assert.True(t, cfg.Web.Metrics)
	assert.Equal(t, 1000, cfg.Store.ReadingRetention)
	assert.Equal(t, "pulsemeter", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 5*time.Second, cfg.Automation.RunTimeout)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
serial:
  port: /dev/ttyUSB1
  baud: 115200
network:
  channel: 20
  pan_id: "0xBEEF"
  extended_pan_id: "DD:DD:DD:DD:DD:DD:DD:DD"
mqtt:
  enabled: true
  topic_prefix: meters
  embedded:
    enabled: true
    listen: ":1883"
web:
  listen: ":9000"
  allowed_origins: [http://dash.local]
store:
  reading_retention: 50
automation:
  run_timeout: 2s
log:
  level: debug
  format: json
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.validate())

	assert.Equal(t, 115200, cfg.Serial.Baud)
	assert.Equal(t, 20, cfg.Network.Channel)
	pan, err := cfg.panID()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), pan)
	assert.True(t, cfg.MQTT.Embedded.Enabled)
	assert.Equal(t, ":1883", cfg.MQTT.Embedded.Listen)
	assert.Equal(t, "meters", cfg.MQTT.TopicPrefix)
	assert.Equal(t, []string{"http://dash.local"}, cfg.Web.AllowedOrigins)
	assert.Equal(t, 50, cfg.Store.ReadingRetention)
	assert.Equal(t, 2*time.Second, cfg.Automation.RunTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, "pulsemeter.db", cfg.Store.Path)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("PULSEGW_SERIAL_PORT", "/dev/ttyACM3")
	t.Setenv("PULSEGW_NETWORK_CHANNEL", "25")
	t.Setenv("PULSEGW_WEB_API_KEY", "s3cret")
	t.Setenv("PULSEGW_MQTT_ENABLED", "true")
	t.Setenv("PULSEGW_STORE_READING_RETENTION", "10")

	cfg, err := loadConfig(writeConfig(t, "serial:\n  port: /dev/ttyACM0\nnetwork:\n  channel: 11\n"))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM3", cfg.Serial.Port)
	assert.Equal(t, 25, cfg.Network.Channel)
	assert.Equal(t, "s3cret", cfg.Web.APIKey)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, 10, cfg.Store.ReadingRetention)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("PULSEGW_SERIAL_PORT", "/dev/ttyACM0")

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigBadYAML(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "serial: [unterminated"))
	assert.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing port", func(c *Config) { c.Serial.Port = "" }, "serial.port"},
		{"channel low", func(c *Config) { c.Network.Channel = 10 }, "network.channel"},
		{"channel high", func(c *Config) { c.Network.Channel = 27 }, "network.channel"},
		{"pan id zero", func(c *Config) { c.Network.PanID = "0" }, "pan_id"},
		{"pan id broadcast", func(c *Config) { c.Network.PanID = "0xFFFF" }, "pan_id"},
		{"pan id garbage", func(c *Config) { c.Network.PanID = "zz" }, "pan_id"},
		{"negative retention", func(c *Config) { c.Store.ReadingRetention = -1 }, "reading_retention"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }, "mqtt.broker"},
		{"wildcard prefix", func(c *Config) { c.MQTT.TopicPrefix = "meters/#" }, "topic_prefix"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"run timeout", func(c *Config) { c.Automation.RunTimeout = 0 }, "run_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Serial.Port = "/dev/ttyACM0"
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.validate(), tt.wantErr)
		})
	}

	cfg := defaultConfig()
	cfg.Serial.Port = "/dev/ttyACM0"
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = ""
	cfg.MQTT.Embedded.Enabled = true
	assert.NoError(t, cfg.validate(), "embedded broker needs no external address")
}

func TestNewLogger(t *testing.T) {
	ctx := context.Background()

	logger := newLogger("debug", "json")
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))
	_, isJSON := logger.Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)

	logger = newLogger("WARN", "text")
	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))
	_, isText := logger.Handler().(*slog.TextHandler)
	assert.True(t, isText)

	assert.True(t, newLogger("bogus", "").Enabled(ctx, slog.LevelInfo))
}
