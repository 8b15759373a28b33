// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads ppkstat settings from a YAML file, PPKSTAT_ environment
// variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

// EnvPrefix prefixes every environment override, e.g. PPKSTAT_SERIAL_PORT
const EnvPrefix = "PPKSTAT"

// SerialConfig selects and tunes the serial port
type SerialConfig struct {
	Port        string        `mapstructure:"port" yaml:"port"`
	Baud        int           `mapstructure:"baud" yaml:"baud"`
	ReadTimeout time.Duration `mapstructure:"readTimeout" yaml:"readTimeout"`
}

// WebSocketConfig selects a WebSocket serial bridge instead of a local port
type WebSocketConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	Username      string `mapstructure:"username" yaml:"username"`
	SkipSSLVerify bool   `mapstructure:"skipSSLVerify" yaml:"skipSSLVerify"`
}

// DeviceConfig is the measurement setup applied before streaming
type DeviceConfig struct {
	Mode           string        `mapstructure:"mode" yaml:"mode"`
	Range          int           `mapstructure:"range" yaml:"range"`
	VddMillivolts  int           `mapstructure:"vddMillivolts" yaml:"vddMillivolts"`
	Power          bool          `mapstructure:"power" yaml:"power"`
	SpikeFilter    bool          `mapstructure:"spikeFilter" yaml:"spikeFilter"`
	AckTimeout     time.Duration `mapstructure:"ackTimeout" yaml:"ackTimeout"`
	Retries        int           `mapstructure:"retries" yaml:"retries"`
	StopDrainLimit int           `mapstructure:"stopDrainLimit" yaml:"stopDrainLimit"`
}

// StreamConfig sizes the sampling pipeline
type StreamConfig struct {
	QueueCapacity int `mapstructure:"queueCapacity" yaml:"queueCapacity"`
	ReadChunk     int `mapstructure:"readChunk" yaml:"readChunk"`
}

// RangeCalibration overrides the coefficients of one range
type RangeCalibration struct {
	Range  int     `mapstructure:"range" yaml:"range"`
	Gain   float64 `mapstructure:"gain" yaml:"gain"`
	Offset float64 `mapstructure:"offset" yaml:"offset"`
}

// CalibrationConfig selects the calibration source
type CalibrationConfig struct {
	// FromMetadata derives the table from the device metadata at startup.
	FromMetadata bool               `mapstructure:"fromMetadata" yaml:"fromMetadata"`
	Overrides    []RangeCalibration `mapstructure:"overrides" yaml:"overrides"`
}

// LumberjackConfig configures log file rotation
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize" yaml:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge" yaml:"maxAge"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// LoggingConfig sets level and outputs
type LoggingConfig struct {
	Level  string           `mapstructure:"level" yaml:"level"`
	Format string           `mapstructure:"format" yaml:"format"`
	File   LumberjackConfig `mapstructure:"file" yaml:"file"`
}

// MetricsConfig exposes Prometheus metrics over HTTP
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable"`
	Addr   string `mapstructure:"addr" yaml:"addr"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// MQTTConfig publishes averaged readings to a broker
type MQTTConfig struct {
	Enable   bool    `mapstructure:"enable" yaml:"enable"`
	Server   string  `mapstructure:"server" yaml:"server"`
	ClientID string  `mapstructure:"clientId" yaml:"clientId"`
	Topic    string  `mapstructure:"topic" yaml:"topic"`
	QoS      int     `mapstructure:"qos" yaml:"qos"`
	Username string  `mapstructure:"username" yaml:"username"`
	Password string  `mapstructure:"password" yaml:"-"`
	Rate     float64 `mapstructure:"rate" yaml:"rate"`
}

// RedisConfig publishes averaged readings to a Redis channel
type RedisConfig struct {
	Enable   bool    `mapstructure:"enable" yaml:"enable"`
	Addr     string  `mapstructure:"addr" yaml:"addr"`
	Password string  `mapstructure:"password" yaml:"-"`
	DB       int     `mapstructure:"db" yaml:"db"`
	Channel  string  `mapstructure:"channel" yaml:"channel"`
	History  int64   `mapstructure:"history" yaml:"history"`
	Rate     float64 `mapstructure:"rate" yaml:"rate"`
}

// RecordConfig writes every sample to a CBOR file
type RecordConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Config is the top-level configuration
type Config struct {
	Serial      SerialConfig      `mapstructure:"serial" yaml:"serial"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket" yaml:"websocket"`
	Device      DeviceConfig      `mapstructure:"device" yaml:"device"`
	Stream      StreamConfig      `mapstructure:"stream" yaml:"stream"`
	Calibration CalibrationConfig `mapstructure:"calibration" yaml:"calibration"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	MQTT        MQTTConfig        `mapstructure:"mqtt" yaml:"mqtt"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Record      RecordConfig      `mapstructure:"record" yaml:"record"`
}

// Load reads configuration from path, or from PPKSTAT_CONFIG, or from
// ppkstat.yaml in the working directory or ~/.config/ppkstat. A missing
// file is not an error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/ppkstat")
		}
		v.SetConfigName("ppkstat")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.readTimeout", "100ms")

	v.SetDefault("websocket.url", "")
	v.SetDefault("websocket.username", "")
	v.SetDefault("websocket.skipSSLVerify", false)

	v.SetDefault("device.mode", "source")
	v.SetDefault("device.range", 0)
	v.SetDefault("device.vddMillivolts", 3300)
	v.SetDefault("device.power", true)
	v.SetDefault("device.spikeFilter", false)
	v.SetDefault("device.ackTimeout", "500ms")
	v.SetDefault("device.retries", 1)
	v.SetDefault("device.stopDrainLimit", 1<<20)

	v.SetDefault("stream.queueCapacity", 4096)
	v.SetDefault("stream.readChunk", 4096)

	v.SetDefault("calibration.fromMetadata", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.filename", "")
	v.SetDefault("logging.file.maxSize", 50)
	v.SetDefault("logging.file.maxBackups", 3)
	v.SetDefault("logging.file.maxAge", 14)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", false)
	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("mqtt.enable", false)
	v.SetDefault("mqtt.server", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientId", "ppkstat")
	v.SetDefault("mqtt.topic", "ppkstat/current")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.rate", 10)

	v.SetDefault("redis.enable", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "ppkstat:current")
	v.SetDefault("redis.history", 1000)
	v.SetDefault("redis.rate", 10)

	v.SetDefault("record.path", "")
}

// Validate checks values that cannot be expressed as defaults
func (c *Config) Validate() error {
	if _, err := c.DeviceMode(); err != nil {
		return err
	}
	if !ppk2.Range(c.Device.Range).Valid() || c.Device.Range < 0 {
		return fmt.Errorf("device.range %d out of bounds (0-%d)", c.Device.Range, ppk2.MaxRange)
	}
	if c.Device.VddMillivolts < 0 || c.Device.VddMillivolts > 0xFFFF {
		return fmt.Errorf("device.vddMillivolts %d out of bounds", c.Device.VddMillivolts)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS)
	}
	if _, err := c.CalibrationOverrides(); err != nil {
		return err
	}
	return nil
}

// DeviceMode parses device.mode
func (c *Config) DeviceMode() (ppk2.Mode, error) {
	return ParseMode(c.Device.Mode)
}

// ParseMode parses "source" or "ampere"
func ParseMode(s string) (ppk2.Mode, error) {
	switch strings.ToLower(s) {
	case "source", "smu", "source-meter":
		return ppk2.ModeSourceMeter, nil
	case "ampere", "amp", "ampere-meter":
		return ppk2.ModeAmpereMeter, nil
	default:
		return 0, fmt.Errorf("unknown device mode %q (use source or ampere)", s)
	}
}

// CalibrationOverrides returns the configured per-range overrides
func (c *Config) CalibrationOverrides() (map[ppk2.Range]ppk2.CalibrationEntry, error) {
	out := make(map[ppk2.Range]ppk2.CalibrationEntry, len(c.Calibration.Overrides))
	for _, o := range c.Calibration.Overrides {
		if o.Range < 0 || !ppk2.Range(o.Range).Valid() {
			return nil, fmt.Errorf("calibration override range %d out of bounds", o.Range)
		}
		out[ppk2.Range(o.Range)] = ppk2.CalibrationEntry{Gain: o.Gain, Offset: o.Offset}
	}
	return out, nil
}

// YAML renders the effective configuration. Secrets are omitted.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
