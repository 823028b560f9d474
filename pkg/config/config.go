package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/meftunca/empbroker/pkg/types"
	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker" yaml:"broker" json:"broker"`
	Codec      CodecConfig      `mapstructure:"codec" yaml:"codec" json:"codec"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring" json:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging" json:"logging"`
}

// BrokerConfig holds listener, queue and lifecycle settings
type BrokerConfig struct {
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address" json:"bind_address"`
	SubmitPort  int    `mapstructure:"submit_port" yaml:"submit_port" json:"submit_port"` // 0 picks a free port
	FetchPort   int    `mapstructure:"fetch_port" yaml:"fetch_port" json:"fetch_port"`

	// MaxFrameSize bounds one inbound request in transport-encoded bytes
	MaxFrameSize int `mapstructure:"max_frame_size" yaml:"max_frame_size" json:"max_frame_size"`

	SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" json:"sweep_interval"`
	MessageTTL      time.Duration `mapstructure:"message_ttl" yaml:"message_ttl" json:"message_ttl"` // 0 disables expiry
	AcceptTimeout   time.Duration `mapstructure:"accept_timeout" yaml:"accept_timeout" json:"accept_timeout"`
	ConnTimeout     time.Duration `mapstructure:"conn_timeout" yaml:"conn_timeout" json:"conn_timeout"`
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period" yaml:"stop_grace_period" json:"stop_grace_period"`

	// RequestIdleTimeout completes a request without a newline once the
	// client stops sending; 0 requires a newline or half-close
	RequestIdleTimeout time.Duration `mapstructure:"request_idle_timeout" yaml:"request_idle_timeout" json:"request_idle_timeout"`
}

// CodecConfig holds EMP codec settings
type CodecConfig struct {
	// MaxPayloadSize bounds the payload section after decompression
	MaxPayloadSize   int `mapstructure:"max_payload_size" yaml:"max_payload_size" json:"max_payload_size"`
	CompressionLevel int `mapstructure:"compression_level" yaml:"compression_level" json:"compression_level"`
}

// MonitoringConfig holds admin HTTP and metrics settings
type MonitoringConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address         string `mapstructure:"address" yaml:"address" json:"address"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	MetricsPath     string `mapstructure:"metrics_path" yaml:"metrics_path" json:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path" yaml:"health_check_path" json:"health_check_path"`
	Namespace       string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
	JSONLibrary     string `mapstructure:"json_library" yaml:"json_library" json:"json_library"` // "standard" or "sonic"
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"` // json, console
	Output string `mapstructure:"output" yaml:"output" json:"output"` // stdout, stderr or a file path
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			BindAddress:        "127.0.0.1",
			SubmitPort:         18182,
			FetchPort:          18183,
			MaxFrameSize:       8192,
			SweepInterval:      5 * time.Second,
			MessageTTL:         60 * time.Second,
			AcceptTimeout:      500 * time.Millisecond,
			ConnTimeout:        5 * time.Second,
			RequestIdleTimeout: 100 * time.Millisecond,
			StopGracePeriod:    2 * time.Second,
		},
		Codec: CodecConfig{
			MaxPayloadSize:   1 << 20,
			CompressionLevel: 3,
		},
		Monitoring: MonitoringConfig{
			Enabled:         true,
			Address:         "127.0.0.1",
			Port:            9090,
			MetricsPath:     "/metrics",
			HealthCheckPath: "/health",
			Namespace:       "empbroker",
			JSONLibrary:     "standard",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// setDefaults registers every key so environment variables can override
// keys that are absent from the config file
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("broker.bind_address", c.Broker.BindAddress)
	v.SetDefault("broker.submit_port", c.Broker.SubmitPort)
	v.SetDefault("broker.fetch_port", c.Broker.FetchPort)
	v.SetDefault("broker.max_frame_size", c.Broker.MaxFrameSize)
	v.SetDefault("broker.sweep_interval", c.Broker.SweepInterval)
	v.SetDefault("broker.message_ttl", c.Broker.MessageTTL)
	v.SetDefault("broker.accept_timeout", c.Broker.AcceptTimeout)
	v.SetDefault("broker.conn_timeout", c.Broker.ConnTimeout)
	v.SetDefault("broker.request_idle_timeout", c.Broker.RequestIdleTimeout)
	v.SetDefault("broker.stop_grace_period", c.Broker.StopGracePeriod)

	v.SetDefault("codec.max_payload_size", c.Codec.MaxPayloadSize)
	v.SetDefault("codec.compression_level", c.Codec.CompressionLevel)

	v.SetDefault("monitoring.enabled", c.Monitoring.Enabled)
	v.SetDefault("monitoring.address", c.Monitoring.Address)
	v.SetDefault("monitoring.port", c.Monitoring.Port)
	v.SetDefault("monitoring.metrics_path", c.Monitoring.MetricsPath)
	v.SetDefault("monitoring.health_check_path", c.Monitoring.HealthCheckPath)
	v.SetDefault("monitoring.namespace", c.Monitoring.Namespace)
	v.SetDefault("monitoring.json_library", c.Monitoring.JSONLibrary)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.output", c.Logging.Output)
}

// LoadConfig loads configuration from file, then environment variables
// prefixed with EMPBROKER_ (e.g. EMPBROKER_BROKER_SUBMIT_PORT)
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	config := DefaultConfig()
	setDefaults(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/empbroker")
	}

	// Enable reading from environment variables
	v.SetEnvPrefix("EMPBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal config
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	b := c.Broker

	// Validate ports
	if b.SubmitPort < 0 || b.SubmitPort > 65535 {
		return types.ErrConfig("invalid submit port: %d", b.SubmitPort)
	}
	if b.FetchPort < 0 || b.FetchPort > 65535 {
		return types.ErrConfig("invalid fetch port: %d", b.FetchPort)
	}
	if b.SubmitPort != 0 && b.SubmitPort == b.FetchPort {
		return types.ErrConfig("submit and fetch ports must differ: %d", b.SubmitPort)
	}

	// Validate limits
	if b.MaxFrameSize < 2*minFrameSize {
		return types.ErrConfig("max frame size must be at least %d", 2*minFrameSize)
	}
	if c.Codec.MaxPayloadSize <= 0 {
		return types.ErrConfig("max payload size must be greater than 0")
	}
	if c.Codec.CompressionLevel < 1 || c.Codec.CompressionLevel > 22 {
		return types.ErrConfig("invalid compression level: %d", c.Codec.CompressionLevel)
	}

	// Validate timings
	if b.SweepInterval <= 0 {
		return types.ErrConfig("sweep interval must be greater than 0")
	}
	if b.MessageTTL < 0 {
		return types.ErrConfig("message ttl must not be negative")
	}
	if b.AcceptTimeout <= 0 {
		return types.ErrConfig("accept timeout must be greater than 0")
	}
	if b.ConnTimeout <= 0 {
		return types.ErrConfig("connection timeout must be greater than 0")
	}
	if b.RequestIdleTimeout < 0 {
		return types.ErrConfig("request idle timeout must not be negative")
	}
	if b.StopGracePeriod <= 0 {
		return types.ErrConfig("stop grace period must be greater than 0")
	}

	// Validate monitoring
	if c.Monitoring.Enabled && (c.Monitoring.Port < 0 || c.Monitoring.Port > 65535) {
		return types.ErrConfig("invalid monitoring port: %d", c.Monitoring.Port)
	}
	switch c.Monitoring.JSONLibrary {
	case "standard", "sonic":
		// Valid
	default:
		return types.ErrConfig("invalid json library: %s", c.Monitoring.JSONLibrary)
	}

	// Validate logging
	switch c.Logging.Format {
	case "json", "console":
		// Valid
	default:
		return types.ErrConfig("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// minFrameSize is the transport-encoded size of the smallest EMP frame
const minFrameSize = 24
