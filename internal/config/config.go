// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Server() ServerConfig
	Relay() RelayConfig
	Capture() CaptureConfig
	Store() StoreConfig
}

// Config holds the entire application configuration. Fields are exported so
// viper can unmarshal into them; callers go through the Interface getters.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	ServerCfg  ServerConfig  `mapstructure:"server" yaml:"server"`
	RelayCfg   RelayConfig   `mapstructure:"relay" yaml:"relay"`
	CaptureCfg CaptureConfig `mapstructure:"capture" yaml:"capture"`
	StoreCfg   StoreConfig   `mapstructure:"store" yaml:"store"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Server() ServerConfig   { return c.ServerCfg }
func (c *Config) Relay() RelayConfig     { return c.RelayCfg }
func (c *Config) Capture() CaptureConfig { return c.CaptureCfg }
func (c *Config) Store() StoreConfig     { return c.StoreCfg }

// LoggerConfig configures the zap logger and optional file rotation.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the boundary HTTP server.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RelayConfig configures the control channel to the browser agent.
type RelayConfig struct {
	// ProbeInterval is how often a liveness probe is sent while the
	// connection is considered alive.
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	// ProbeTimeout is how long an unanswered probe may stand before the
	// connection is declared dead.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	// ReconnectDelay is the fixed backoff before a reconnection attempt.
	// The delay does not grow: the peer is local and always restartable.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	// AgentURL, when set, is dialed by the reconnection controller after a
	// teardown. When empty the relay only listens and the agent is expected
	// to dial back in.
	AgentURL string `mapstructure:"agent_url" yaml:"agent_url"`
	// DefaultCommandTimeout bounds a submitted command when the caller does
	// not supply its own deadline.
	DefaultCommandTimeout time.Duration `mapstructure:"default_command_timeout" yaml:"default_command_timeout"`
	// MaxMessageSize caps a single inbound frame. DOM snapshots are large.
	MaxMessageSize int64 `mapstructure:"max_message_size" yaml:"max_message_size"`
	// SendBuffer is the outbound queue depth per connection.
	SendBuffer int `mapstructure:"send_buffer" yaml:"send_buffer"`
}

// CaptureConfig configures capture session persistence.
type CaptureConfig struct {
	// BaseDir is the root under which each session gets its own directory.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// AwaitTimeout is the default deadline for waiting on session completion.
	AwaitTimeout time.Duration `mapstructure:"await_timeout" yaml:"await_timeout"`
}

// StoreConfig bounds the in-memory console/event buffers.
type StoreConfig struct {
	MaxLogs   int `mapstructure:"max_logs" yaml:"max_logs"`
	MaxEvents int `mapstructure:"max_events" yaml:"max_events"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "tabrelay")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8765")
	v.SetDefault("server.request_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// -- Relay --
	v.SetDefault("relay.probe_interval", "15s")
	v.SetDefault("relay.probe_timeout", "30s")
	v.SetDefault("relay.reconnect_delay", "3s")
	v.SetDefault("relay.agent_url", "")
	v.SetDefault("relay.default_command_timeout", "30s")
	v.SetDefault("relay.max_message_size", 32*1024*1024)
	v.SetDefault("relay.send_buffer", 256)

	// -- Capture --
	v.SetDefault("capture.base_dir", "./captures")
	v.SetDefault("capture.await_timeout", "10s")

	// -- Store --
	v.SetDefault("store.max_logs", 1000)
	v.SetDefault("store.max_events", 500)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values that would leave the relay
// unable to operate.
func (c *Config) Validate() error {
	if c.ServerCfg.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.RelayCfg.ProbeInterval <= 0 {
		return fmt.Errorf("relay.probe_interval must be a positive duration")
	}
	if c.RelayCfg.ProbeTimeout <= 0 {
		return fmt.Errorf("relay.probe_timeout must be a positive duration")
	}
	if c.RelayCfg.ReconnectDelay <= 0 {
		return fmt.Errorf("relay.reconnect_delay must be a positive duration")
	}
	if c.RelayCfg.AgentURL != "" {
		u, err := url.Parse(c.RelayCfg.AgentURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("relay.agent_url must be a valid ws:// or wss:// URL, got %q", c.RelayCfg.AgentURL)
		}
	}
	if c.RelayCfg.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be a positive integer")
	}
	if c.CaptureCfg.BaseDir == "" {
		return fmt.Errorf("capture.base_dir must not be empty")
	}
	if c.StoreCfg.MaxLogs <= 0 {
		return fmt.Errorf("store.max_logs must be a positive integer")
	}
	if c.StoreCfg.MaxEvents <= 0 {
		return fmt.Errorf("store.max_events must be a positive integer")
	}
	return nil
}
