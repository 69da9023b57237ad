// Package config provides configuration management for snipbox using Viper
// for loading from files, environment variables, and command-line flags.
//
// The configuration system supports YAML files, environment variable
// overrides with the SNIPBOX_ prefix, defaults, and validation. It covers the
// hosting server, the preview renderer, the storage backend selection,
// logging, and request limits.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Preview PreviewConfig `mapstructure:"preview" yaml:"preview"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Limits  LimitsConfig  `mapstructure:"limits" yaml:"limits"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port" yaml:"port"`
	Host           string        `mapstructure:"host" yaml:"host"`
	Environment    string        `mapstructure:"environment" yaml:"environment"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type PreviewConfig struct {
	DefaultWidth  string        `mapstructure:"default_width" yaml:"default_width"`
	DefaultHeight string        `mapstructure:"default_height" yaml:"default_height"`
	Sandbox       []string      `mapstructure:"sandbox" yaml:"sandbox"`
	AlwaysRemount bool          `mapstructure:"always_remount" yaml:"always_remount"`
	ScriptBudget  time.Duration `mapstructure:"script_budget" yaml:"script_budget"`
	SessionTTL    time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
}

type StorageConfig struct {
	Backend string       `mapstructure:"backend" yaml:"backend"`
	Path    string       `mapstructure:"path" yaml:"path"`
	Seed    bool         `mapstructure:"seed" yaml:"seed"`
	Watch   bool         `mapstructure:"watch" yaml:"watch"`
	Remote  RemoteConfig `mapstructure:"remote" yaml:"remote"`
}

type RemoteConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries int           `mapstructure:"retries" yaml:"retries"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// LimitsConfig carries per-user mutation limits and the global per-IP
// request limiter settings.
type LimitsConfig struct {
	CreatesPerMinute  int `mapstructure:"creates_per_minute" yaml:"creates_per_minute"`
	UpdatesPerMinute  int `mapstructure:"updates_per_minute" yaml:"updates_per_minute"`
	DeletesPerMinute  int `mapstructure:"deletes_per_minute" yaml:"deletes_per_minute"`
	RequestsPerSecond int `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int `mapstructure:"burst" yaml:"burst"`
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:8080", "http://127.0.0.1:8080"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("preview.default_width", "100%")
	v.SetDefault("preview.default_height", "300px")
	v.SetDefault("preview.sandbox", []string{"allow-scripts"})
	v.SetDefault("preview.always_remount", false)
	v.SetDefault("preview.script_budget", 250*time.Millisecond)
	v.SetDefault("preview.session_ttl", 30*time.Minute)

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.path", ".snipbox/data.json")
	v.SetDefault("storage.seed", true)
	v.SetDefault("storage.watch", true)
	// unset keys are invisible to Unmarshal, even when the env var exists
	v.SetDefault("storage.remote.url", "")
	v.SetDefault("storage.remote.api_key", "")
	v.SetDefault("storage.remote.timeout", 10*time.Second)
	v.SetDefault("storage.remote.retries", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("limits.creates_per_minute", 10)
	v.SetDefault("limits.updates_per_minute", 30)
	v.SetDefault("limits.deletes_per_minute", 20)
	v.SetDefault("limits.requests_per_second", 100)
	v.SetDefault("limits.burst", 200)
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads, defaults and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Env overrides arrive as comma separated strings.
	if v.IsSet("server.allowed_origins") && len(config.Server.AllowedOrigins) == 1 &&
		strings.Contains(config.Server.AllowedOrigins[0], ",") {
		config.Server.AllowedOrigins = splitList(config.Server.AllowedOrigins[0])
	}
	if len(config.Preview.Sandbox) == 1 && strings.ContainsAny(config.Preview.Sandbox[0], ", ") {
		config.Preview.Sandbox = splitList(config.Preview.Sandbox[0])
	}

	config.Storage.Backend = strings.ToLower(strings.TrimSpace(config.Storage.Backend))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the fully defaulted configuration.
func Default() *Config {
	cfg, err := LoadFrom(viper.New())
	if err != nil {
		// defaults are static and always valid
		panic(err)
	}
	return cfg
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validatePreviewConfig(&config.Preview); err != nil {
		return fmt.Errorf("preview config: %w", err)
	}

	if err := validateStorageConfig(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := validateLimitsConfig(&config.Limits); err != nil {
		return fmt.Errorf("limits config: %w", err)
	}

	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// 0 lets tests bind a system-assigned port
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains dangerous character: %s", char)
			}
		}
	}

	switch config.Environment {
	case "", "development", "production", "test":
	default:
		return fmt.Errorf("unknown environment %q", config.Environment)
	}

	for _, origin := range config.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("allowed origin %q is not an absolute URL", origin)
		}
	}

	return nil
}

func validatePreviewConfig(config *PreviewConfig) error {
	if config.ScriptBudget < 0 {
		return fmt.Errorf("script_budget must not be negative")
	}
	if config.SessionTTL < 0 {
		return fmt.Errorf("session_ttl must not be negative")
	}
	if len(config.Sandbox) == 0 {
		return fmt.Errorf("sandbox must list at least one capability")
	}
	return nil
}

func validateStorageConfig(config *StorageConfig) error {
	switch config.Backend {
	case BackendLocal:
		if err := validatePath(config.Path); err != nil {
			return fmt.Errorf("invalid path '%s': %w", config.Path, err)
		}
	case BackendRemote:
		u, err := url.Parse(config.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("remote.url must be an http(s) URL, got %q", config.Remote.URL)
		}
		if config.Remote.Retries < 0 {
			return fmt.Errorf("remote.retries must not be negative")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", config.Backend, BackendLocal, BackendRemote)
	}
	return nil
}

func validateLimitsConfig(config *LimitsConfig) error {
	if config.CreatesPerMinute < 0 || config.UpdatesPerMinute < 0 || config.DeletesPerMinute < 0 {
		return fmt.Errorf("per-minute limits must not be negative")
	}
	if config.RequestsPerSecond < 0 || config.Burst < 0 {
		return fmt.Errorf("request rate must not be negative")
	}
	return nil
}

// validatePath validates a file path for security
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains traversal: %s", path)
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}
