// Package config loads server and local configuration with viper, the
// way the teacher loads ServerConfig/ClientConfig: sane defaults,
// environment variable overrides, and an optional config file (YAML or
// TOML).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the configuration for the server role: one control
// port, a port range to allocate public ports from, and the web
// management surface.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	ControlPort    int           `mapstructure:"control_port"`
	PortRangeMin   int           `mapstructure:"port_range_min"`
	PortRangeMax   int           `mapstructure:"port_range_max"`
	PoolSize       int           `mapstructure:"pool_size"`
	Secret         string        `mapstructure:"secret"`
	WebHost        string        `mapstructure:"web_host"`
	WebPort        int           `mapstructure:"web_port"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// LoadServerConfig loads the server configuration from configPath if set
// (its extension selects the format, e.g. YAML or TOML); otherwise it
// searches ., ./config and /etc/portwarden for a file named "server" and
// parses it as YAML. Environment variables prefixed PORTWARDEN_SERVER_
// override file values.
func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := viper.New()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("control_port", 7000)
	v.SetDefault("port_range_min", 10000)
	v.SetDefault("port_range_max", 20000)
	v.SetDefault("pool_size", 8)
	v.SetDefault("secret", "")
	v.SetDefault("web_host", "0.0.0.0")
	v.SetDefault("web_port", 7001)
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("shutdown_grace", "10s")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("server")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/portwarden")
	}

	v.SetEnvPrefix("PORTWARDEN_SERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid control port: %d", c.ControlPort)
	}
	if c.PortRangeMin <= 0 || c.PortRangeMin > 65535 {
		return fmt.Errorf("invalid port_range_min: %d", c.PortRangeMin)
	}
	if c.PortRangeMax <= 0 || c.PortRangeMax > 65536 {
		return fmt.Errorf("invalid port_range_max: %d", c.PortRangeMax)
	}
	if c.PortRangeMin >= c.PortRangeMax {
		return fmt.Errorf("port_range_min must be less than port_range_max")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	return nil
}

// SecretHash returns the hex-encoded sha256 of the configured secret,
// or nil if no secret is configured. This is what travels on the wire
// and what the server compares against in constant time, so the
// plaintext secret is never itself exchanged on the control link.
func (c *ServerConfig) SecretHash() *string {
	return hashSecret(c.Secret)
}

// LinkConfig describes one tunnel the local process should maintain.
type LinkConfig struct {
	LocalHost     string `mapstructure:"local_host"`
	LocalPort     int    `mapstructure:"local_port"`
	RequestedPort int    `mapstructure:"requested_port"`
}

// LocalConfig is the configuration for the local role: the server to
// dial, the shared secret, and the set of links to establish.
type LocalConfig struct {
	ServerHost    string        `mapstructure:"server_host"`
	ServerPort    int           `mapstructure:"server_port"`
	Secret        string        `mapstructure:"secret"`
	Links         []LinkConfig  `mapstructure:"links"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	LogLevel      string        `mapstructure:"log_level"`
	LogFormat     string        `mapstructure:"log_format"`
}

// LoadLocalConfig loads the local configuration from configPath if set
// (its extension selects the format, e.g. YAML or TOML); otherwise it
// searches ., ./config and $HOME/.portwarden for a file named "local"
// and parses it as YAML. Environment variables prefixed
// PORTWARDEN_LOCAL_ override file values.
func LoadLocalConfig(configPath string) (*LocalConfig, error) {
	v := viper.New()

	v.SetDefault("server_host", "localhost")
	v.SetDefault("server_port", 7000)
	v.SetDefault("secret", "")
	v.SetDefault("retry_interval", "3s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("local")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.portwarden")
	}

	v.SetEnvPrefix("PORTWARDEN_LOCAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg LocalConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the local configuration.
func (c *LocalConfig) Validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("server_host cannot be empty")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port: %d", c.ServerPort)
	}
	if len(c.Links) == 0 {
		return fmt.Errorf("at least one link must be configured")
	}
	for i, link := range c.Links {
		if link.LocalHost == "" {
			return fmt.Errorf("links[%d]: local_host cannot be empty", i)
		}
		if link.LocalPort <= 0 || link.LocalPort > 65535 {
			return fmt.Errorf("links[%d]: invalid local_port: %d", i, link.LocalPort)
		}
		if link.RequestedPort < 0 || link.RequestedPort > 65535 {
			return fmt.Errorf("links[%d]: invalid requested_port: %d", i, link.RequestedPort)
		}
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	return nil
}

// SecretHash returns the hex-encoded sha256 of the configured secret,
// or nil if no secret is configured.
func (c *LocalConfig) SecretHash() *string {
	return hashSecret(c.Secret)
}

func hashSecret(secret string) *string {
	if secret == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(secret))
	hash := hex.EncodeToString(sum[:])
	return &hash
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
}

var validLogFormats = map[string]bool{
	"json": true, "console": true,
}
