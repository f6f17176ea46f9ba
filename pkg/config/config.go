package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Nordic UART Service, the most common BLE serial profile
const (
	DefaultService      = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultInboundChar  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultOutboundChar = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Wireless backends
const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	MaxDevices     int           `yaml:"max_devices" default:"1"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
	Scan           ScanConfig    `yaml:"scan"`
	Device         DeviceConfig  `yaml:"device"`
	MQTT           MQTTConfig    `yaml:"mqtt"`
}

// ScanConfig configures discovery
type ScanConfig struct {
	Timeout   time.Duration `yaml:"timeout" default:"10s"`
	Service   string        `yaml:"service" default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	AllowList []string      `yaml:"allow"`
	BlockList []string      `yaml:"block"`
}

// DeviceConfig configures the wireless backend and the device data path
type DeviceConfig struct {
	Backend        string        `yaml:"backend" default:"goble"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	InboundChar    string        `yaml:"inbound_char" default:"6e400002-b5a3-f393-e0a9-e50e24dcca9e"`
	OutboundChar   string        `yaml:"outbound_char" default:"6e400003-b5a3-f393-e0a9-e50e24dcca9e"`
	WriteChunkSize int           `yaml:"write_chunk_size" default:"20"`
}

// MQTTConfig configures the broker connection
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos" default:"1"`
	StatusTopic string              `yaml:"status_topic" default:"blemq/status"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig identifies the broker endpoint
type MQTTBrokerConfig struct {
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"1883"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig holds broker credentials
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds the broker reconnect backoff
type MQTTReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" default:"1s"`
	MaxDelay     time.Duration `yaml:"max_delay" default:"60s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	for _, section := range []any{&cfg.Scan, &cfg.Device, &cfg.MQTT, &cfg.MQTT.Broker, &cfg.MQTT.Reconnect} {
		defaults.SetDefaults(section)
	}
	cfg.MQTT.Broker.ClientID = "blemq-" + uuid.NewString()[:8]
	return cfg
}

// Load reads a YAML config file on top of the defaults.
// An empty path returns the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployments inject broker secrets without writing them to disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BLEMQ_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BLEMQ_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BLEMQ_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
}

// Validate checks the configuration and reports every problem at once
func (c *Config) Validate() error {
	var errs []string

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log_level %q is not a valid level", c.LogLevel))
	}
	if c.MaxDevices < 1 {
		errs = append(errs, "max_devices must be at least 1")
	}
	if c.ReconnectDelay <= 0 {
		errs = append(errs, "reconnect_delay must be positive")
	}
	if c.Scan.Timeout <= 0 {
		errs = append(errs, "scan.timeout must be positive")
	}
	if c.Scan.Service == "" {
		errs = append(errs, "scan.service is required")
	}
	switch c.Device.Backend {
	case BackendGoBLE, BackendTinyGo:
	default:
		errs = append(errs, fmt.Sprintf("device.backend must be %q or %q", BackendGoBLE, BackendTinyGo))
	}
	if c.Device.InboundChar == "" || c.Device.OutboundChar == "" {
		errs = append(errs, "device.inbound_char and device.outbound_char are required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
