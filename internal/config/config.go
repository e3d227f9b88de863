// Package config loads proxy configuration from defaults, an optional
// YAML file, environment variables and command line flags.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Targets    []string         `yaml:"targets" mapstructure:"targets"`
	Recordings RecordingsConfig `yaml:"recordings" mapstructure:"recordings"`
	Control    ControlConfig    `yaml:"control" mapstructure:"control"`
	Forward    ForwardConfig    `yaml:"forward" mapstructure:"forward"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Output     OutputConfig     `yaml:"output" mapstructure:"output"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// ServerConfig describes the listening side of the proxy.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// MaxConns caps concurrently accepted connections (0 = unlimited).
	MaxConns int `yaml:"max_conns" mapstructure:"max_conns"`
	// MaxBodyBytes limits buffered request bodies (0 = unlimited).
	MaxBodyBytes   int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	ReadTimeoutSec int   `yaml:"read_timeout" mapstructure:"read_timeout"`
	IdleTimeoutSec int   `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// RecordingsConfig locates the on-disk recording files.
type RecordingsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ControlConfig tunes the control channel.
type ControlConfig struct {
	// DefaultTimeoutMs auto-resets record/replay modes to transparent
	// after this many milliseconds unless the switch says otherwise.
	DefaultTimeoutMs int `yaml:"default_timeout_ms" mapstructure:"default_timeout_ms"`
}

// ForwardConfig tunes the upstream HTTP client.
type ForwardConfig struct {
	TimeoutSec               int  `yaml:"timeout" mapstructure:"timeout"`
	BodyBufferTimeoutSec     int  `yaml:"body_buffer_timeout" mapstructure:"body_buffer_timeout"`
	MaxIdleConns             int  `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost      int  `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost          int  `yaml:"max_conns_per_host" mapstructure:"max_conns_per_host"`
	IdleConnTimeoutSec       int  `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeoutSec int  `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeoutSec   int  `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	TLSInsecureSkipVerify    bool `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enable bool `yaml:"enable" mapstructure:"enable"`
}

// OutputConfig controls the console exchange printer.
type OutputConfig struct {
	Silent bool `yaml:"silent" mapstructure:"silent"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	Format      string        `yaml:"format" mapstructure:"format"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig configures the rotating file sink.
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_conns", 256)
	v.SetDefault("server.max_body_bytes", 0)
	v.SetDefault("server.read_timeout", 60)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("recordings.dir", "./recordings")
	v.SetDefault("control.default_timeout_ms", 120000)
	v.SetDefault("forward.timeout", 60)
	v.SetDefault("forward.body_buffer_timeout", 30)
	v.SetDefault("forward.max_idle_conns", 200)
	v.SetDefault("forward.max_idle_conns_per_host", 16)
	v.SetDefault("forward.max_conns_per_host", 64)
	v.SetDefault("forward.idle_conn_timeout", 90)
	v.SetDefault("forward.response_header_timeout", 0)
	v.SetDefault("forward.tls_handshake_timeout", 10)
	v.SetDefault("metrics.enable", true)
	v.SetDefault("output.silent", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./test-proxy-recorder.log")
	v.SetDefault("log.file_logging.max_size_mb", 20)
	v.SetDefault("log.file_logging.max_backups", 3)
	v.SetDefault("log.file_logging.max_age_days", 14)
	v.SetDefault("log.file_logging.compress", false)
}

// Load reads configuration. If v is nil a fresh viper instance is used;
// callers pass the global instance so bound flags take effect.
func Load(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("PROXY_RECORDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.test-proxy-recorder")
		v.AddConfigPath("/etc/test-proxy-recorder")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the merged configuration before the server starts.
func (c *Config) Validate() error {
	if c.Server.Port < 1025 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be in 1025-65535", c.Server.Port)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target URL is required")
	}
	for _, target := range c.Targets {
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid target URL %q: must be http(s)://host[:port]", target)
		}
	}
	if c.Recordings.Dir == "" {
		return fmt.Errorf("recordings dir must not be empty")
	}
	return nil
}

// Default returns the built-in configuration, used by `config init` to
// write a starter file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
