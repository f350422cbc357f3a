// Package config provides configuration management for the build worker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the build worker service.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Docker       DockerConfig       `mapstructure:"docker"`
	ControlPlane ControlPlaneConfig `mapstructure:"controlPlane"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Builder      BuilderConfig      `mapstructure:"builder"`
	Reconciler   ReconcilerConfig   `mapstructure:"reconciler"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the Build API.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DockerConfig holds Docker client configuration for the sandbox provider.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	SandboxImage   string `mapstructure:"sandboxImage"`   // base image for sandboxes
	DefaultNetwork string `mapstructure:"defaultNetwork"` // network mode for sandbox containers
}

// ControlPlaneConfig holds the control plane endpoint and the callback
// allow-list used by the SSRF guard.
type ControlPlaneConfig struct {
	// URL is the base URL of the control plane API. Defaults to the
	// CONTROL_PLANE_URL environment variable.
	URL string `mapstructure:"url"`
	// AllowedCallbackURLs lists base URLs that build callbacks may target.
	// When empty, only URL itself is allowed.
	AllowedCallbackURLs []string `mapstructure:"allowedCallbackUrls"`
}

// NATSConfig holds NATS configuration for build lifecycle events.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BuilderConfig holds image-build worker configuration.
type BuilderConfig struct {
	// SandboxTimeout bounds a single build sandbox, in seconds.
	SandboxTimeout int `mapstructure:"sandboxTimeout"`
	// SCMProvider selects the VCS var composition for build sandboxes,
	// "github" or "bitbucket".
	SCMProvider string `mapstructure:"scmProvider"`
}

// ReconcilerConfig holds the periodic rebuild reconciler configuration.
type ReconcilerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Interval between reconciler ticks, in seconds.
	Interval int `mapstructure:"interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IntervalDuration returns the reconciler interval as a time.Duration.
func (r *ReconcilerConfig) IntervalDuration() time.Duration {
	return time.Duration(r.Interval) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OPENINSPECT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.sandboxImage", "openinspect/sandbox:latest")
	v.SetDefault("docker.defaultNetwork", "bridge")

	// Control plane defaults
	v.SetDefault("controlPlane.url", "")
	v.SetDefault("controlPlane.allowedCallbackUrls", []string{})

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "openinspect-buildworker")
	v.SetDefault("nats.maxReconnects", 10)

	// Builder defaults - 30 minute build sandbox cap
	v.SetDefault("builder.sandboxTimeout", 1800)
	v.SetDefault("builder.scmProvider", "github")

	// Reconciler defaults - every 30 minutes
	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", 1800)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPENINSPECT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/openinspect/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OPENINSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind the keys whose env var naming differs from the config key naming.
	_ = v.BindEnv("controlPlane.url", "CONTROL_PLANE_URL", "OPENINSPECT_CONTROL_PLANE_URL")
	_ = v.BindEnv("nats.url", "OPENINSPECT_NATS_URL", "NATS_URL")
	_ = v.BindEnv("docker.sandboxImage", "OPENINSPECT_DOCKER_SANDBOX_IMAGE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/openinspect/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Builder.SandboxTimeout <= 0 {
		errs = append(errs, "builder.sandboxTimeout must be positive")
	}

	if cfg.Reconciler.Interval <= 0 {
		errs = append(errs, "reconciler.interval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
